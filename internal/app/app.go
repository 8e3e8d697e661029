// Package app wires the bridge together: store, presence tracker, broker
// gateway, dispatch workers, periodic triggers, control plane, supervisor.
package app

import (
	"context"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"lampbridge/internal/api"
	"lampbridge/internal/config"
	"lampbridge/internal/dispatch"
	"lampbridge/internal/gateway"
	"lampbridge/internal/presence"
	"lampbridge/internal/probe"
	"lampbridge/internal/runtime/supervisor"
	"lampbridge/internal/sched"
	"lampbridge/internal/storage"
)

type App struct {
	cfg    config.Config
	log    zerolog.Logger
	roster []string

	store   *storage.Store
	tracker *presence.Tracker
	gw      *gateway.Gateway
	sup     *supervisor.Supervisor
	cron    *sched.Service

	logCloser io.Closer
}

// New builds every component and connects to the broker. Any error here is
// startup-fatal.
func New(cfg config.Config, log zerolog.Logger, logCloser io.Closer) (*App, error) {
	roster, err := config.LoadRoster(cfg.Presence.RosterPath)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout,
	}, log)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}

	tracker := presence.New(cfg.Presence.Staleness)

	gw := gateway.New(gateway.Config{
		Host:          cfg.Broker.Host,
		Port:          cfg.Broker.Port,
		Username:      cfg.Broker.Username,
		Password:      cfg.Broker.Password,
		ClientID:      cfg.Broker.ClientID,
		Namespace:     cfg.Broker.Namespace,
		KeepAlive:     cfg.Broker.KeepAlive,
		PublishPerSec: cfg.Broker.PublishPerSec,
	}, tracker, store, log)
	if err := gw.Connect(); err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		roster:    roster,
		store:     store,
		tracker:   tracker,
		gw:        gw,
		sup:       supervisor.New(log),
		cron:      sched.New(log),
		logCloser: logCloser,
	}

	switchWorker := dispatch.New(dispatch.Config{
		JobType:      storage.JobTypeLightSwitch,
		WebhookURL:   cfg.Webhook.SwitchURL,
		PollInterval: cfg.Jobs.SwitchPollInterval,
		HTTPTimeout:  cfg.Webhook.SwitchTimeout,
		MaxRetry:     cfg.Jobs.MaxRetry,
	}, store, log)
	statusWorker := dispatch.New(dispatch.Config{
		JobType:      storage.JobTypeLightStatus,
		WebhookURL:   cfg.Webhook.StatusURL,
		PollInterval: cfg.Jobs.StatusPollInterval,
		HTTPTimeout:  cfg.Webhook.StatusTimeout,
		MaxRetry:     cfg.Jobs.MaxRetry,
	}, store, log)

	a.sup.Register("gateway.mux", gw.Run)
	a.sup.Register("dispatch.switch", switchWorker.Run)
	a.sup.Register("dispatch.status", statusWorker.Run)

	if cfg.API.Enabled {
		srv := api.New(api.Config{
			Addr:      cfg.API.Addr,
			Namespace: cfg.Broker.Namespace,
			JWTSecret: cfg.API.JWTSecret,
			TokenTTL:  cfg.API.TokenTTL,
		}, gw, store, log)
		a.sup.Register("api.http", srv.Run)
	}

	prober := probe.NewProber(cfg.Broker.Namespace, roster, gw, tracker, log)
	sweeper := probe.NewSweeper(tracker, store, log)
	if err := a.cron.Register("presence.probe", cfg.Presence.ProbeSpec, prober.Tick); err != nil {
		gw.Close()
		_ = store.Close()
		return nil, err
	}
	if err := a.cron.Register("presence.sweep", cfg.Presence.SweepSpec, sweeper.Tick); err != nil {
		gw.Close()
		_ = store.Close()
		return nil, err
	}

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup.Start(ctx)
	if err := a.cron.Start(ctx); err != nil {
		return err
	}
	a.log.Info().Int("roster", len(a.roster)).Msg("bridge started")
	return nil
}

// Stop requests shutdown and drains best-effort: loops finish their current
// iteration; in-flight deliveries are never interrupted.
func (a *App) Stop(ctx context.Context) error {
	a.cron.Stop()
	a.sup.Stop()

	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.sup.Wait(drainCtx); err != nil {
		a.log.Warn().Err(err).Msg("shutdown drain incomplete")
	}

	a.gw.Close()
	if err := a.store.Close(); err != nil {
		a.log.Error().Err(err).Msg("store close failed")
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
	return nil
}
