package cmd

import (
	goruntime "runtime"
	"runtime/debug"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/refinewatch/cli/render"
	"github.com/pithecene-io/refinewatch/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// VersionCommand returns the version command. It never contacts the API.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Flags: ReadOnlyFlags(),
		Action: func(c *cli.Context) error {
			if c.Bool("tui") {
				return cli.Exit("--tui is not supported for version command", 1)
			}
			r, err := render.NewRenderer(c)
			if err != nil {
				return err
			}
			return r.Render(newVersionResponse(commit))
		},
	}
}

// newVersionResponse falls back to the VCS revision stamped by the Go
// toolchain when no commit was linked in.
func newVersionResponse(commit string) VersionResponse {
	resp := VersionResponse{
		Version:   types.Version,
		Commit:    commit,
		GoVersion: goruntime.Version(),
		Platform:  goruntime.GOOS + "/" + goruntime.GOARCH,
	}
	if resp.Commit == "" || resp.Commit == "unknown" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					resp.Commit = s.Value
				}
			}
		}
	}
	return resp
}
