package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	grpcapi "meeting-transcript-relay/internal/api/grpc"
	"meeting-transcript-relay/internal/app"
	"meeting-transcript-relay/internal/automation"
	"meeting-transcript-relay/internal/config"
	"meeting-transcript-relay/internal/events"
	apihttp "meeting-transcript-relay/internal/http"
	"meeting-transcript-relay/internal/hub"
	"meeting-transcript-relay/internal/observability"
	"meeting-transcript-relay/internal/observability/metrics"
	"meeting-transcript-relay/internal/provider"
	"meeting-transcript-relay/internal/schema"
	"meeting-transcript-relay/internal/service/intervention"
	"meeting-transcript-relay/internal/service/relay"
	"meeting-transcript-relay/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	application := app.New(cfg)
	logger := application.Logger

	db, err := store.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open store")
	}

	// Kafka publisher with separate topics for partial and final interventions
	publisher := events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Kafka.Principal,
	})

	botProvider := provider.New(provider.Config{
		APIKey:         cfg.Provider.APIKey,
		APIURL:         cfg.Provider.APIURL,
		WebhookBaseURL: cfg.Provider.WebhookBaseURL,
		Model:          cfg.Provider.Model,
		PartialEvents:  cfg.Provider.PartialEvents,
		Timeout:        cfg.Provider.Timeout,
	})
	if !botProvider.Configured() {
		logger.Warn().Msg("PROVIDER_API_KEY not set, bot creation is disabled")
	}

	sender := automation.New(cfg.Automation.WebhookURL, cfg.Automation.Timeout)

	hubOpts := hub.DefaultOptions()
	hubOpts.AllowedOrigins = cfg.Service.AllowedOrigins
	connections := hub.New(hubOpts)

	svc := relay.New(relay.Dependencies{
		Registry:   connections,
		Store:      db,
		Provider:   botProvider,
		Publisher:  publisher,
		Automation: sender,
	}, relay.Options{
		Assembler: intervention.Config{
			IdleTimeout:  cfg.Assembler.IdleTimeout,
			DedupWindow:  cfg.Assembler.DedupWindow,
			MaxFragments: cfg.Assembler.MaxFragments,
			MaxDuration:  cfg.Assembler.MaxDuration,
		},
		QueueSize:       cfg.Assembler.QueueSize,
		PersistPartials: cfg.Database.PersistPartials,
		ReapAfter:       cfg.Assembler.ReapAfter,
		Defaults: relay.BotDefaults{
			BotName:           cfg.Provider.DefaultBotName,
			Language:          cfg.Provider.DefaultLanguage,
			TranscriptionType: cfg.Provider.DefaultTranscriptionType,
		},
	})

	validator, err := schema.New()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to compile webhook schema")
	}

	httpServer := &http.Server{
		Addr: cfg.Service.HTTPAddr,
		Handler: apihttp.NewRouter(apihttp.Dependencies{
			App:       application,
			Relay:     svc,
			Hub:       connections,
			Validator: validator,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpcapi.New(metrics.DefaultMetrics)
	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.Service.GRPCPort).Msg("failed to listen")
	}

	obsServer := observability.NewServer(cfg.Observability.MetricsAddr, application.Ready)
	obsServer.Start()

	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatal().Err(err).Msg("grpc serve failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", cfg.Service.HTTPAddr).Msg("HTTP server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http serve failed")
		}
	}()

	if err := application.Start(); err != nil {
		logger.Fatal().Err(err).Msg("application start failed")
	}
	grpcServer.SetServing(true)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	application.Shutdown()
	grpcServer.SetServing(false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	connections.Close()
	if err := svc.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("relay shutdown")
	}
	if err := publisher.Close(); err != nil {
		logger.Warn().Err(err).Msg("kafka publisher close")
	}
	if err := db.Close(); err != nil {
		logger.Warn().Err(err).Msg("store close")
	}
	grpcServer.Shutdown(ctx)
	if err := obsServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("observability shutdown")
	}
	logger.Info().Msg("shutdown complete")
}
