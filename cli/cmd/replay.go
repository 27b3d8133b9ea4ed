package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/refinewatch/log"
	"github.com/pithecene-io/refinewatch/replay"
)

// ServeReplayCommand returns the serve-replay command.
// It serves a scripted refinement backend for local development.
func ServeReplayCommand() *cli.Command {
	return &cli.Command{
		Name:      "serve-replay",
		Usage:     "Serve a scripted refinement backend",
		ArgsUsage: "<script>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address",
				Value: "127.0.0.1:8787",
			},
		},
		Action: serveReplayAction,
	}
}

func serveReplayAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("script path required", 1)
	}
	script, err := replay.LoadScript(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	logger := log.NewComponentLogger("replay", os.Stderr)
	ln, err := net.Listen("tcp", c.String("addr"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("listen: %v", err), 1)
	}

	srv := &http.Server{
		Handler:           replay.NewServer(script, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("replay backend listening", map[string]any{
		"addr": ln.Addr().String(),
		"jobs": len(script.Jobs),
	})
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
