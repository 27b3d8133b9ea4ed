package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/refinewatch/cli/render"
	"github.com/pithecene-io/refinewatch/cli/tui"
	"github.com/pithecene-io/refinewatch/runtime"
	"github.com/pithecene-io/refinewatch/tracker"
	"github.com/pithecene-io/refinewatch/transport"
	"github.com/pithecene-io/refinewatch/types"
)

// StatusResponse is the response for the status command.
type StatusResponse struct {
	JobID       string `json:"job_id"`
	JobStatus   string `json:"job_status"`
	Event       string `json:"event"`
	Pass        int    `json:"pass,omitempty"`
	TotalPasses int    `json:"total_passes,omitempty"`
	Stage       string `json:"stage,omitempty"`
	Message     string `json:"message,omitempty"`
}

// StatusCommand returns the status command.
// It issues a single status poll and never opens a stream.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the latest status of a job",
		ArgsUsage: "<job-id>",
		Flags:     append(ReadOnlyFlags(), apiFlags()...),
		Action:    statusAction,
	}
}

func statusAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("job id required", 1)
	}
	jobID := c.Args().First()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	client, err := buildClient(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	defer client.CloseIdleConnections()

	ev, err := client.Status(c.Context, jobID)
	if err != nil {
		code := runtime.ExitCodeTransportFailure
		if transport.IsClientError(err) {
			code = runtime.ExitCodeJobError
		}
		return cli.Exit(fmt.Sprintf("status of %s: %v", jobID, err), code)
	}

	state := statusState(jobID, ev)
	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewJob, state)
	}
	return r.Render(newStatusResponse(jobID, ev, state))
}

// statusState folds a single status event into a fresh state.
func statusState(jobID string, ev types.Event) tracker.State {
	s := tracker.State{Passes: map[int]types.Pass{}, Attempt: 1}
	s, _ = tracker.Apply(s, types.Event{Type: types.EventTypeJob, JobID: jobID, TotalPasses: ev.TotalPasses})
	if ev.JobID == "" {
		ev.JobID = jobID
	}
	s, _ = tracker.Apply(s, ev)
	return s
}

func newStatusResponse(jobID string, ev types.Event, s tracker.State) StatusResponse {
	resp := StatusResponse{
		JobID:       jobID,
		Event:       string(ev.Type),
		Pass:        ev.Pass,
		TotalPasses: s.TargetPasses(),
		Stage:       string(ev.Stage),
		Message:     ev.Message,
	}
	if s.Job != nil {
		resp.JobStatus = string(s.Job.Status)
	}
	if resp.Message == "" {
		resp.Message = ev.Detail
	}
	return resp
}
