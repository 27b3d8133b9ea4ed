package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/refinewatch/cli/config"
	"github.com/pithecene-io/refinewatch/resume"
	"github.com/pithecene-io/refinewatch/runtime"
	"github.com/pithecene-io/refinewatch/types"
)

// ResumeCommand returns the resume command.
// It continues an errored job from the snapshot stored for it.
func ResumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Continue an errored job from its stored snapshot",
		ArgsUsage: "<job-id>",
		Flags: append(watchFlags(),
			&cli.BoolFlag{
				Name:  "early-stop",
				Usage: "Let the backend stop once output stops improving",
			},
		),
		Action: resumeAction,
	}
}

func resumeAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("job id required", exitConfigError)
	}
	jobID := c.Args().First()

	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	settings, err := resolveWatchSettings(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	store, err := resume.NewFileStore(settings.resume.stateDir)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	snap, err := store.Load(jobID)
	if err != nil {
		if errors.Is(err, resume.ErrNoSnapshot) {
			return cli.Exit(fmt.Sprintf("no snapshot stored for job %s in %s", jobID, settings.resume.stateDir), runtime.ExitCodeJobError)
		}
		return cli.Exit(err.Error(), exitConfigError)
	}

	base := types.StartRequest{
		FileIDs:   []string{snap.FileID},
		Passes:    configVal(cfg, func(c *config.Config) int { return c.Job.Passes }),
		EarlyStop: resolveBool(c, "early-stop", configVal(cfg, func(c *config.Config) bool { return c.Job.EarlyStop })),
		Tuning:    configVal(cfg, func(c *config.Config) map[string]any { return c.Job.Tuning }),
	}
	cont, err := resume.BuildContinuation(snap, base)
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot resume job %s: %v", jobID, err), runtime.ExitCodeJobError)
	}

	client, err := buildClient(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	defer client.CloseIdleConnections()

	attempt := max(snap.Attempt, 1)
	meta := resume.Next(types.SessionMeta{
		SessionID: newSessionMeta(snap.FileID).SessionID,
		FileID:    snap.FileID,
		Attempt:   attempt,
	}, snap.JobID)

	result, msnap, err := watchJob(c, client, meta, cont.StartRequest, &cont, settings)
	if err != nil {
		return err
	}

	// The continuation took over once the backend accepted it.
	if len(result.Attempts) > 0 && result.Attempts[0].State.JobID() != "" {
		if err := store.Delete(jobID); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to delete snapshot for %s: %v\n", jobID, err)
		}
	}
	return finishWatch(result, msnap, settings)
}
