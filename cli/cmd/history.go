package cmd

import (
	"errors"
	"fmt"
	"time"

	extlode "github.com/justapithecus/lode/lode"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/refinewatch/cli/config"
	"github.com/pithecene-io/refinewatch/cli/render"
	"github.com/pithecene-io/refinewatch/cli/tui"
	"github.com/pithecene-io/refinewatch/lode"
	"github.com/pithecene-io/refinewatch/types"
)

// HistoryRow is one recorded event in the history listing.
type HistoryRow struct {
	Attempt   int    `json:"attempt"`
	Seq       int64  `json:"seq"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	Pass      int    `json:"pass,omitempty"`
	Status    string `json:"status,omitempty"`
	Synthetic bool   `json:"synthetic"`
	JobID     string `json:"job_id"`
	Received  string `json:"received_at"`
}

// HistoryCommand returns the history command.
// It reads the events a session recorded for a job.
func HistoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Show the events recorded for a job",
		ArgsUsage: "<job-id>",
		Flags: append(ReadOnlyFlags(),
			ConfigFlag,
			&cli.StringFlag{
				Name:  "history-backend",
				Usage: "History storage backend: fs or s3",
			},
			&cli.StringFlag{
				Name:  "history-path",
				Usage: "History storage path (fs: directory, s3: bucket/prefix)",
			},
			&cli.StringFlag{
				Name:  "history-s3-region",
				Usage: "AWS region for the s3 backend",
			},
			&cli.StringFlag{
				Name:  "history-s3-endpoint",
				Usage: "Custom endpoint for S3-compatible providers",
			},
			&cli.BoolFlag{
				Name:  "history-s3-path-style",
				Usage: "Force path-style S3 addressing",
			},
			&cli.StringFlag{
				Name:  "file",
				Usage: "Only events of this file id",
			},
			&cli.StringFlag{
				Name:  "type",
				Usage: "Only events of this type",
			},
			&cli.BoolFlag{
				Name:  "stats",
				Usage: "Show counts by event type instead of events",
			},
			&cli.BoolFlag{
				Name:  "metrics",
				Usage: "Show the latest session metrics record instead of events",
			},
		),
		Action: historyAction,
	}
}

func historyAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("job id required", 1)
	}
	jobID := c.Args().First()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") && !c.Bool("stats") {
		return cli.Exit("--tui is only supported with --stats for history", 1)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	ds, err := openHistory(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	if c.Bool("metrics") {
		rec, err := lode.QueryLatestMetrics(c.Context, ds, jobID, c.String("file"))
		if err != nil {
			if errors.Is(err, lode.ErrNoMetricsFound) {
				return cli.Exit(fmt.Sprintf("no metrics recorded for job %s", jobID), 1)
			}
			return err
		}
		return r.Render(rec)
	}

	records, err := lode.QueryHistory(c.Context, ds, lode.HistoryFilter{
		JobID:     jobID,
		FileID:    c.String("file"),
		EventType: types.EventType(c.String("type")),
	})
	if err != nil {
		return err
	}

	if c.Bool("stats") {
		counts := countByType(jobID, records)
		if c.Bool("tui") {
			return r.RenderTUI(tui.ViewHistory, counts)
		}
		return r.Render(counts.ByKey)
	}
	return r.Render(historyRows(records))
}

// openHistory opens the history dataset named by flags and config.
func openHistory(c *cli.Context, cfg *config.Config) (extlode.Dataset, error) {
	h := historyChoice{
		dataset:     configVal(cfg, func(c *config.Config) string { return c.History.Dataset }),
		backend:     resolveString(c, "history-backend", configVal(cfg, func(c *config.Config) string { return c.History.Backend })),
		path:        resolveString(c, "history-path", configVal(cfg, func(c *config.Config) string { return c.History.Path })),
		s3Region:    resolveString(c, "history-s3-region", configVal(cfg, func(c *config.Config) string { return c.History.Region })),
		s3Endpoint:  resolveString(c, "history-s3-endpoint", configVal(cfg, func(c *config.Config) string { return c.History.Endpoint })),
		s3PathStyle: resolveBool(c, "history-s3-path-style", configVal(cfg, func(c *config.Config) bool { return c.History.S3PathStyle })),
	}
	if h.path == "" {
		return nil, errors.New("--history-path is required (or set history.path in the config file)")
	}
	switch h.backend {
	case "", "fs":
		return lode.NewReadDatasetFS(h.dataset, h.path)
	case "s3":
		loc, err := h.s3Location()
		if err != nil {
			return nil, err
		}
		return lode.NewReadDatasetS3(c.Context, h.dataset, loc)
	default:
		return nil, fmt.Errorf("invalid --history-backend %q (must be fs or s3)", h.backend)
	}
}

func historyRows(records []*types.EventRecord) []HistoryRow {
	rows := make([]HistoryRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, HistoryRow{
			Attempt:   rec.Attempt,
			Seq:       rec.Seq,
			Type:      string(rec.Type),
			Source:    string(rec.Source),
			Pass:      rec.Event.Pass,
			Status:    string(rec.Event.Status),
			Synthetic: rec.Synthetic,
			JobID:     rec.JobID,
			Received:  rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return rows
}

func countByType(jobID string, records []*types.EventRecord) tui.Counts {
	counts := tui.Counts{
		Title: "History of " + jobID,
		Total: int64(len(records)),
		ByKey: map[string]int64{},
	}
	for _, rec := range records {
		counts.ByKey[string(rec.Type)]++
	}
	return counts
}
