package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teacurran/village-dispatch/api"
	"github.com/teacurran/village-dispatch/engine"
)

func newWorkerCmd(a *app) *cobra.Command {
	rt := &runtimeOptions{}
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the queue loops and cron tasks until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, cleanup, err := a.openEngine(ctx, rt)
			if err != nil {
				return err
			}
			if err := eng.Start(ctx); err != nil {
				return err
			}
			a.logger.Info("worker started", slog.Int("queues", len(a.cfg.Queues)))

			<-ctx.Done()
			return a.shutdown(eng, cleanup)
		},
	}
	rt.bind(cmd)
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	rt := &runtimeOptions{}
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP server, and the worker unless --no-worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, cleanup, err := a.openEngine(ctx, rt)
			if err != nil {
				return err
			}

			handler := api.New(eng,
				api.WithAllowedOrigins(a.cfg.HTTP.AllowedOrigins),
				api.WithLogger(a.logger),
			).Handler()
			srv := &http.Server{
				Addr:              a.cfg.HTTP.Addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			if !noWorker {
				g.Go(func() error { return eng.Start(gctx) })
			}
			g.Go(func() error {
				a.logger.Info("http listening", slog.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			runErr := g.Wait()
			if err := a.shutdown(eng, cleanup); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
	rt.bind(cmd)
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the admin API without processing jobs")
	return cmd
}

// shutdown stops the engine within the drain window plus a grace period.
func (a *app) shutdown(eng *engine.Engine, cleanup func(context.Context)) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Worker.DrainTimeout+5*time.Second)
	defer cancel()

	a.logger.Info("shutting down")
	err := eng.Stop(ctx)
	cleanup(ctx)
	return err
}
