package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/refinewatch/cli/config"
	"github.com/pithecene-io/refinewatch/types"
)

// StartCommand returns the start command.
// It starts a refinement job and watches it until it finishes.
func StartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start a refinement job and watch it to completion",
		Flags: append(watchFlags(),
			&cli.StringSliceFlag{
				Name:     "file",
				Usage:    "File id to refine (repeatable)",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "passes",
				Usage: "Number of refinement passes",
				Value: 1,
			},
			&cli.BoolFlag{
				Name:  "early-stop",
				Usage: "Let the backend stop once output stops improving",
			},
			&cli.StringFlag{
				Name:  "tuning",
				Usage: "Tuning parameters as a JSON object (merged over the config file)",
			},
		),
		Action: startAction,
	}
}

func startAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	settings, err := resolveWatchSettings(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	req, err := buildStartRequest(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	client, err := buildClient(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	defer client.CloseIdleConnections()

	meta := newSessionMeta(req.FileIDs[0])
	result, snap, err := watchJob(c, client, meta, req, nil, settings)
	if err != nil {
		return err
	}
	return finishWatch(result, snap, settings)
}

// buildStartRequest merges the job flags over the config job section.
func buildStartRequest(c *cli.Context, cfg *config.Config) (types.StartRequest, error) {
	req := types.StartRequest{
		FileIDs:   c.StringSlice("file"),
		Passes:    resolveInt(c, "passes", configVal(cfg, func(c *config.Config) int { return c.Job.Passes })),
		EarlyStop: resolveBool(c, "early-stop", configVal(cfg, func(c *config.Config) bool { return c.Job.EarlyStop })),
		Tuning:    map[string]any{},
	}
	for k, v := range configVal(cfg, func(c *config.Config) map[string]any { return c.Job.Tuning }) {
		req.Tuning[k] = v
	}
	if raw := c.String("tuning"); raw != "" {
		var extra map[string]any
		if err := json.Unmarshal([]byte(raw), &extra); err != nil {
			return req, fmt.Errorf("invalid --tuning: must be a JSON object: %w", err)
		}
		for k, v := range extra {
			req.Tuning[k] = v
		}
	}
	if len(req.Tuning) == 0 {
		req.Tuning = nil
	}
	if len(req.FileIDs) == 0 {
		return req, errors.New("--file is required")
	}
	if err := req.Validate(); err != nil {
		return req, fmt.Errorf("invalid job: %w", err)
	}
	return req, nil
}
