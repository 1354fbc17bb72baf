// Transcript Viewer - live intervention display.
// Consumes the relay's Kafka intervention topics and rebroadcasts them to
// browsers over WebSocket.
package main

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"

	"meeting-transcript-relay/internal/hub"
	"meeting-transcript-relay/internal/models"
	"meeting-transcript-relay/internal/observability/logging"
	"meeting-transcript-relay/internal/service/relay"
)

//go:embed static/*
var staticFiles embed.FS

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type viewerOptions struct {
	addr         string
	brokers      string
	topicPartial string
	topicFinal   string
	groupID      string
	since        time.Duration
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func newReader(ctx context.Context, opts viewerOptions, topic string) messageReader {
	cfg := kafka.ReaderConfig{
		Brokers:  strings.Split(opts.brokers, ","),
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	}
	if opts.groupID != "" {
		cfg.GroupID = opts.groupID
		return kafka.NewReader(cfg)
	}

	// Partition reader without a consumer group works through port-forwards.
	cfg.Partition = 0
	reader := kafka.NewReader(cfg)
	if err := reader.SetOffsetAt(ctx, time.Now().Add(-opts.since)); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Failed to seek, reading from the start")
	}
	return reader
}

// consume rebroadcasts every intervention event read from reader until ctx
// is done.
func consume(ctx context.Context, reader messageReader, h *hub.Hub, topic string) {
	defer reader.Close()
	logger := logging.WithComponent("viewer").With().Str("topic", topic).Logger()
	logger.Info().Msg("Consuming intervention topic")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("Kafka read error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var ev models.InterventionEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			logger.Warn().Err(err).Msg("Skipping undecodable message")
			continue
		}

		sent := h.Broadcast(relay.EventIntervention, ev)
		logger.Debug().
			Str("botId", ev.BotID).
			Str("eventType", ev.EventType).
			Str("text", truncate(ev.Text, 40)).
			Int("clients", sent).
			Msg("Intervention rebroadcast")
	}
}

func newMux(h *hub.Hub) (*http.ServeMux, error) {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(staticFS)))
	mux.Handle("/ws", h)
	return mux, nil
}

func run(ctx context.Context, opts viewerOptions) error {
	h := hub.New(hub.DefaultOptions())
	defer h.Close()

	for _, topic := range []string{opts.topicPartial, opts.topicFinal} {
		go consume(ctx, newReader(ctx, opts, topic), h, topic)
	}

	mux, err := newMux(h)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: opts.addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("addr", opts.addr).
		Str("brokers", opts.brokers).
		Strs("topics", []string{opts.topicPartial, opts.topicFinal}).
		Msg("Transcript viewer starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	logCfg := logging.DefaultConfig()
	logCfg.Format = "console"
	logging.Init(logCfg)

	var opts viewerOptions
	cmd := &cobra.Command{
		Use:          "transcript-viewer",
		Short:        "Show live meeting interventions from Kafka in the browser",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":8081", "HTTP listen address")
	cmd.Flags().StringVar(&opts.brokers, "brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	cmd.Flags().StringVar(&opts.topicPartial, "topic-partial", "meeting.intervention.partial", "Partial intervention topic")
	cmd.Flags().StringVar(&opts.topicFinal, "topic-final", "meeting.intervention.final", "Final intervention topic")
	cmd.Flags().StringVar(&opts.groupID, "group", "", "Consumer group (empty reads partition 0 directly)")
	cmd.Flags().DurationVar(&opts.since, "since", time.Hour, "How far back to start without a consumer group")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
