package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"batchd/internal/backend/remote"
	"batchd/internal/config"
)

// newWorkerCmd serves the local backend to a remote engine.
func newWorkerCmd(g *globals) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve the local compute backend to a remote engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, g, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9090", "Worker listen address")
	return cmd
}

func runWorker(ctx context.Context, g *globals, addr string) error {
	cfg, log := g.cfg, g.log
	b, _, closeFn, err := buildLocal(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()

	srv := &http.Server{
		Addr:              addr,
		Handler:           remote.NewWorkerHandler(b, log),
		ReadHeaderTimeout: config.Seconds(cfg.HTTP.ReadTimeoutS),
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Int("stages", b.Stages()).Msg("worker listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.Seconds(cfg.HTTP.ShutdownGraceS))
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
