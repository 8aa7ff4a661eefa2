package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"batchd/internal/common/fsutil"
	"batchd/internal/config"
	"batchd/internal/engine"
	"batchd/internal/httpapi"
	"batchd/internal/journal"
)

func newServeCmd(g *globals) *cobra.Command {
	var addr string
	var stages int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				g.cfg.HTTP.Addr = addr
			}
			if stages > 0 {
				g.cfg.Backend.Stages = stages
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, g)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().IntVar(&stages, "stages", 0, "Pipeline stages for the local backend (overrides config)")
	return cmd
}

func serve(ctx context.Context, g *globals) error {
	cfg, log := g.cfg, g.log

	bs, err := buildBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = bs.close() }()

	opts := httpapi.Options{Backend: cfg.Backend.Kind, Adapters: bs.adapters}
	var pub engine.EventPublisher
	if cfg.JournalPath != "" {
		path, err := fsutil.ResolvePath(cfg.JournalPath)
		if err != nil {
			return err
		}
		if err := fsutil.EnsureParentDir(path); err != nil {
			return err
		}
		j, err := journal.Open(path, journal.Options{MaxRows: cfg.JournalMaxRows, Logger: &log})
		if err != nil {
			return err
		}
		defer j.Close()
		pub, opts.Journal = j, j
	}

	eng, err := engine.New(engine.EngineConfig{
		Backend:          bs.backend,
		IterationTimeout: config.Seconds(cfg.Engine.IterationTimeoutS),
		DrainTimeout:     config.Seconds(cfg.Engine.DrainTimeoutS),
		DisableAutoStart: cfg.Engine.DisableAutoStart,
		LogRequests:      cfg.Engine.LogRequests,
		MaxLogLen:        cfg.Engine.MaxLogLen,
		Logger:           &log,
		Publisher:        pub,
	})
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(cfg.HTTP.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.HTTP.CORSEnabled, cfg.HTTP.CORSOrigins, nil, nil)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewMux(eng, opts),
		ReadHeaderTimeout: config.Seconds(cfg.HTTP.ReadTimeoutS),
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("backend", cfg.Backend.Kind).Int("stages", bs.backend.Stages()).Msg("batchd listening")
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
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("engine shutdown error")
	}
	return nil
}
