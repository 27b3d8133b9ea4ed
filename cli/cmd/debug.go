package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/refinewatch/cli/render"
	"github.com/pithecene-io/refinewatch/sse"
	"github.com/pithecene-io/refinewatch/types"
)

// DecodedLine is one line of a decoded capture.
type DecodedLine struct {
	Line int    `json:"line"`
	Kept bool   `json:"kept"`
	Type string `json:"type,omitempty"`
	Pass int    `json:"pass,omitempty"`
	Text string `json:"text"`
}

// DecodeStats is the response of debug decode --stats.
type DecodeStats struct {
	Lines      int64 `json:"lines"`
	Events     int64 `json:"events"`
	Heartbeats int64 `json:"heartbeats"`
	Markers    int64 `json:"markers"`
	Malformed  int64 `json:"malformed"`
	Ignored    int64 `json:"ignored"`
	Oversized  int64 `json:"oversized"`
}

// DebugCommand returns the debug command with subcommands.
// Debug commands are opt-in diagnostic tools and never contact the API.
func DebugCommand() *cli.Command {
	return &cli.Command{
		Name:  "debug",
		Usage: "Diagnostic tools (decode)",
		Subcommands: []*cli.Command{
			debugDecodeCommand(),
		},
	}
}

func debugDecodeCommand() *cli.Command {
	return &cli.Command{
		Name:      "decode",
		Usage:     "Decode a captured event stream and show how each line was classified",
		ArgsUsage: "<file|->",
		Flags: append(ReadOnlyFlags(),
			&cli.BoolFlag{
				Name:  "stats",
				Usage: "Show decoder counters instead of lines",
			},
			&cli.IntFlag{
				Name:  "read-size",
				Usage: "Bytes per read, to reproduce chunk boundaries",
				Value: sse.DefaultReadSize,
			},
		),
		Action: debugDecodeAction,
	}
}

func debugDecodeAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("capture file required (- for stdin)", 1)
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for debug decode", 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if path := c.Args().First(); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("cannot open capture: %v", err), 1)
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	lines, stats, err := decodeCapture(in, c.Int("read-size"))
	if err != nil {
		return err
	}
	if c.Bool("stats") {
		return r.Render(stats)
	}
	return r.Render(lines)
}

// decodeCapture runs a capture through the stream decoder and records the
// classification of every non-empty line.
func decodeCapture(in io.Reader, readSize int) ([]DecodedLine, DecodeStats, error) {
	dec := sse.NewDecoderSize(in, readSize)
	var lines []DecodedLine
	dec.SetObserver(func(line string, ev types.Event, kept bool) {
		dl := DecodedLine{Line: len(lines) + 1, Kept: kept, Text: truncate(line, 120)}
		if kept {
			dl.Type = string(ev.Type)
			dl.Pass = ev.Pass
		}
		lines = append(lines, dl)
	})

	for {
		if _, err := dec.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return lines, DecodeStats{}, err
		}
	}

	s := dec.Stats()
	return lines, DecodeStats{
		Lines:      s.Lines,
		Events:     s.Events,
		Heartbeats: s.Heartbeats,
		Markers:    s.Markers,
		Malformed:  s.Malformed,
		Ignored:    s.Ignored,
		Oversized:  s.Oversized,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
