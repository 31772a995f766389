package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/wa-gateway/backend/internal/config"
	"github.com/wa-gateway/backend/internal/health"
	"github.com/wa-gateway/backend/internal/logging"
	"github.com/wa-gateway/backend/internal/metrics"
	"github.com/wa-gateway/backend/internal/mock"
	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/session"
	"github.com/wa-gateway/backend/internal/stats"
	"github.com/wa-gateway/backend/internal/webhook"
	"github.com/wa-gateway/backend/internal/whatsapp"
	"github.com/wa-gateway/backend/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Use a simulated WhatsApp session")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	if err := run(*configPath, *mockMode, *port); err != nil {
		fmt.Fprintf(os.Stderr, "wa-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, mockMode bool, port int) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	if cfg.API.Key == "" {
		log.Warn().Msg("no API key configured, every /api request will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	agg := stats.New(cfg.Stats.Interval)
	hooks := webhook.New(webhook.Options{
		Timeout:   cfg.Webhook.Timeout,
		Workers:   cfg.Webhook.Workers,
		QueueSize: cfg.Webhook.QueueSize,
		Logger:    log,
		Metrics:   m,
		Recorder:  agg,
	})
	defer hooks.Close()
	hooks.Configure(cfg.Webhook.URL, cfg.Webhook.Enabled)

	broadcaster := ws.NewBroadcaster(cfg.Server.MaxConnections, log, m)
	defer broadcaster.Stop()
	hooks.OnRecord(func(ev model.WebhookEvent) {
		broadcaster.Publish(model.EventWebhookLog, ev)
	})

	factory, creds, closeStore, err := adapterFactory(ctx, cfg, log, mockMode)
	if err != nil {
		return err
	}
	defer closeStore()

	manager := session.New(session.Options{
		Factory:             factory,
		Credentials:         creds,
		Publisher:           broadcaster,
		Webhooks:            hooks,
		Stats:               agg,
		Logger:              log,
		Metrics:             m,
		Privacy:             cfg.Privacy.NewPrivacyFilter(),
		ReconnectInitial:    cfg.Session.ReconnectInitial,
		ReconnectMaxElapsed: cfg.Session.ReconnectMaxElapsed,
		AvatarTTL:           cfg.Session.AvatarTTL,
		AvatarTimeout:       cfg.Session.AvatarTimeout,
	})
	broadcaster.SetSource(manager)

	managerDone := make(chan struct{})
	go func() {
		manager.Run(ctx)
		close(managerDone)
	}()
	go agg.Run(ctx, func(st model.DashboardStats) {
		broadcaster.Publish(model.EventDashboardStats, st)
	})

	if cfg.Session.AutoConnect {
		go func() {
			if err := manager.Connect(ctx); err != nil {
				log.Warn().Err(err).Msg("auto-connect failed")
			}
		}()
	}

	server := ws.NewServer(manager, broadcaster, ws.Options{
		APIKey:         cfg.API.Key,
		AuthToken:      cfg.Server.AuthToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.API.RateLimit,
		RateBurst:      cfg.API.RateBurst,
		Logger:         log,
		Metrics:        m,
		Health:         health.New(manager.State, broadcaster.ClientCount, log),
	})

	if mockMode {
		log.Info().Msg("starting in mock mode")
	}
	err = ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, server.Handler(), log)
	stop()

	select {
	case <-managerDone:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("session manager did not stop in time")
	}
	log.Info().Msg("shut down")
	return err
}

// adapterFactory picks the simulated or the real protocol client. The returned
// close function releases the credential store.
func adapterFactory(ctx context.Context, cfg *config.Config, log zerolog.Logger, mockMode bool) (session.AdapterFactory, session.CredentialStore, func(), error) {
	if mockMode {
		device := mock.NewDevice(false)
		return mock.Factory(device, mock.Options{Logger: log}), device, func() {}, nil
	}

	store, err := whatsapp.OpenStore(ctx, cfg.WhatsApp.StorePath, log)
	if err != nil {
		return nil, nil, nil, err
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("close credential store")
		}
	}
	return store.Factory(log, logging.Protocol(log, cfg.Log)), store, closeStore, nil
}
