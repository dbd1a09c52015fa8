package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ClusterBank/internal/httpapi"
	"ClusterBank/internal/metrics"
	"ClusterBank/internal/scheduler"
)

type RunCmd struct {
	RunOnStart bool `help:"Run a check immediately after start." env:"RUN_ON_START"`
}

func (r *RunCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	a.log.Info().Str("version", globals.Version).Strs("clusters", a.cfg.Clusters).Msg("ClusterBank starting")
	metrics.Register()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched := scheduler.NewScheduler(ctx, a.checker, a.manager, a.log)
	if err := sched.Register(a.cfg.Check.Cron); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	var srv *http.Server
	if a.cfg.HTTP.Listen != "" {
		srv = &http.Server{
			Addr:              a.cfg.HTTP.Listen,
			Handler:           httpapi.NewServer(a.manager, a.store, a.log).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.log.Info().Str("addr", srv.Addr).Msg("ops http listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error().Err(err).Msg("ops http server")
			}
		}()
	}

	if a.telegram != nil {
		go a.telegram.StartPolling(ctx, sched.HandleCommand)
		a.log.Info().Msg("telegram polling started")
	}

	if r.RunOnStart {
		a.log.Info().Msg("run on start enabled, checking now")
		go sched.RunNow()
	}

	a.log.Info().Str("cron", a.cfg.Check.Cron).Msg("ClusterBank is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	a.log.Info().Msg("shutdown signal received, stopping")
	cancel()
	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Msg("ops http shutdown")
		}
	}
	return nil
}
