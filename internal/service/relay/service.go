// Package relay wires the normalizer, assembler, router and lifecycle tracker
// into the webhook-to-browser transcript pipeline.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"meeting-transcript-relay/internal/automation"
	"meeting-transcript-relay/internal/models"
	"meeting-transcript-relay/internal/observability/logging"
	"meeting-transcript-relay/internal/observability/metrics"
	"meeting-transcript-relay/internal/provider"
	"meeting-transcript-relay/internal/service/intervention"
	"meeting-transcript-relay/internal/service/lifecycle"
	"meeting-transcript-relay/internal/service/normalizer"
	"meeting-transcript-relay/internal/service/router"
	"meeting-transcript-relay/internal/store"
)

var (
	ErrMissingBotID  = errors.New("webhook envelope has no bot id")
	ErrMissingStatus = errors.New("status change has no status")
	ErrBotNotFound   = errors.New("bot not found")
)

// EventIntervention is the client event carrying a models.InterventionEvent.
const EventIntervention = "intervention"

// BotProvider creates and inspects meeting bots at the provider.
type BotProvider interface {
	CreateBot(ctx context.Context, req provider.BotRequest) (provider.Bot, error)
	GetBot(ctx context.Context, botId string) (provider.Bot, error)
}

// EventPublisher publishes intervention events downstream.
type EventPublisher interface {
	PublishIntervention(ctx context.Context, ev models.InterventionEvent) error
}

// TranscriptSender forwards a finished transcript to an automation webhook.
type TranscriptSender interface {
	Send(ctx context.Context, t automation.Transcript) (automation.Result, error)
}

// BotDefaults fill in fields missing from a bot creation request.
type BotDefaults struct {
	BotName           string
	Language          string
	TranscriptionType string
}

// Options tune the pipeline.
type Options struct {
	Assembler       intervention.Config
	QueueSize       int
	PersistPartials bool
	MissPolicy      router.MissPolicy
	Defaults        BotDefaults
	Clock           func() time.Time
	// ReapAfter is how long an idle bot keeps its in-memory state. Zero means
	// DefaultReapAfter, negative disables reaping.
	ReapAfter time.Duration
}

// DefaultReapAfter is the idle period after which per-bot state is released.
const DefaultReapAfter = 10 * time.Minute

// Dependencies are the collaborators of a Service. Registry is required;
// the rest may be nil to disable the matching feature.
type Dependencies struct {
	Registry   router.Registry
	Store      store.Store
	Provider   BotProvider
	Publisher  EventPublisher
	Automation TranscriptSender
}

// CreatedBot is the result of CreateBot.
type CreatedBot struct {
	BotID    string            `json:"botId"`
	RecordID string            `json:"recordId,omitempty"`
	Session  router.BotSession `json:"session"`
	Provider provider.Bot      `json:"provider"`
}

// Service is the transcript relay.
type Service struct {
	normalizer *normalizer.Normalizer
	assembler  *intervention.Assembler
	router     *router.Router
	tracker    *lifecycle.Tracker
	scheduler  *Scheduler
	dispatcher *dispatcher

	store      store.Store
	provider   BotProvider
	publisher  EventPublisher
	automation TranscriptSender

	defaults        BotDefaults
	persistPartials bool
	now             func() time.Time
	metrics         *metrics.Metrics
	logger          zerolog.Logger

	reapAfter time.Duration
	stopReap  chan struct{}
	reapDone  chan struct{}
}

// New builds a Service.
func New(deps Dependencies, opts Options) *Service {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	s := &Service{
		normalizer:      normalizer.NewWithClock(now),
		scheduler:       NewScheduler(opts.QueueSize),
		dispatcher:      newDispatcher(opts.QueueSize * 4),
		store:           deps.Store,
		provider:        deps.Provider,
		publisher:       deps.Publisher,
		automation:      deps.Automation,
		defaults:        opts.Defaults,
		persistPartials: opts.PersistPartials,
		now:             now,
		metrics:         metrics.DefaultMetrics,
		logger:          logging.WithComponent("relay"),
		reapAfter:       opts.ReapAfter,
		stopReap:        make(chan struct{}),
		reapDone:        make(chan struct{}),
	}
	if s.reapAfter == 0 {
		s.reapAfter = DefaultReapAfter
	}

	routerOpts := []router.Option{router.WithClock(now)}
	if opts.MissPolicy != nil {
		routerOpts = append(routerOpts, router.WithMissPolicy(opts.MissPolicy))
	}
	s.router = router.New(router.NewMemorySessionStore(), deps.Registry, routerOpts...)
	s.assembler = intervention.NewWithClock(opts.Assembler, s, now)

	s.tracker = lifecycle.New(s.router, s.assembler, deps.Store,
		lifecycle.WithClock(now),
		lifecycle.WithDispatch(func(name, botId string, run func(context.Context) error) bool {
			return s.dispatcher.submit(job{name: name, botId: botId, run: run})
		}))

	if s.reapAfter > 0 {
		go s.reapLoop(s.reapAfter / 2)
	} else {
		close(s.reapDone)
	}
	return s
}

func (s *Service) reapLoop(interval time.Duration) {
	defer close(s.reapDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopReap:
			return
		case <-ticker.C:
			s.Reap()
		}
	}
}

// Reap releases the in-memory state of bots idle for longer than the reap
// period: assembler sessions with nothing open, and lifecycle entries of
// bots that are neither routed nor assembling. It returns both counts.
func (s *Service) Reap() (sessions, states int) {
	if s.reapAfter <= 0 {
		return 0, 0
	}
	cutoff := s.now().Add(-s.reapAfter)
	reaped := s.assembler.ReapIdle(cutoff)
	states = s.tracker.Prune(cutoff, func(botId string) bool {
		if _, routed := s.router.Session(botId); routed {
			return true
		}
		return s.assembler.Has(botId)
	})
	if len(reaped) > 0 || states > 0 {
		s.logger.Debug().Strs("botIds", reaped).Int("states", states).Msg("Reaped idle bot state")
	}
	return len(reaped), states
}

// HandleEnvelope queues a provider webhook event for its bot.
func (s *Service) HandleEnvelope(_ context.Context, env models.WebhookEnvelope) error {
	s.metrics.RecordWebhookEvent(env.Event)
	botId := strings.TrimSpace(env.Data.Bot.ID)
	if botId == "" {
		return ErrMissingBotID
	}
	log := logging.WithBot(botId)

	switch env.Event {
	case models.EventStatusChange:
		status := env.Data.StatusCode()
		if status == "" {
			return ErrMissingStatus
		}
		log.Info().Str("status", status).Msg("Bot status change received")
		return s.enqueue(botId, func(ctx context.Context) {
			s.tracker.ApplyStatus(ctx, botId, status)
		})

	case models.EventTranscriptData, models.EventTranscriptPartial:
		event, payload := env.Event, env.Data.Data
		return s.enqueue(botId, func(context.Context) {
			s.ingest(botId, event, payload)
		})

	default:
		log.Debug().Str("event", env.Event).Msg("Ignoring unhandled webhook event")
		return nil
	}
}

func (s *Service) enqueue(botId string, task Task) error {
	if err := s.scheduler.Enqueue(botId, task); err != nil {
		s.metrics.RecordWebhookRejected("queue_full")
		return fmt.Errorf("enqueue event for bot %s: %w", botId, err)
	}
	return nil
}

func (s *Service) ingest(botId, event string, payload []byte) {
	for _, frag := range s.normalizer.Normalize(event, payload) {
		s.metrics.RecordFragment(string(frag.Provider), frag.IsPartial)
		s.assembler.Ingest(botId, frag)
	}
}

// OnIntervention is the assembler sink. It runs under the assembler's
// session lock, so every side effect here is non-blocking.
func (s *Service) OnIntervention(ev intervention.Event) {
	iv := ev.Intervention
	wire := models.NewInterventionEvent(iv, string(ev.Reason))

	s.router.Deliver(iv.BotID, EventIntervention, wire)

	if s.publisher != nil {
		s.dispatcher.submit(job{
			name:  "kafka_publish",
			botId: iv.BotID,
			run: func(ctx context.Context) error {
				return s.publisher.PublishIntervention(ctx, wire)
			},
		})
	}

	if s.store != nil && (ev.Kind == intervention.EventFinalized || s.persistPartials) {
		// The row id is fixed here so a retried write stays a single row.
		rowID := uuid.NewString()
		s.dispatcher.submit(job{
			name:  "save_intervention",
			botId: iv.BotID,
			run: func(ctx context.Context) error {
				return s.persist(ctx, rowID, iv)
			},
		})
	}
}

func (s *Service) persist(ctx context.Context, rowID string, iv models.Intervention) error {
	bot, err := s.store.FindBotByExternalID(ctx, iv.BotID)
	if errors.Is(err, store.ErrNotFound) {
		logger := logging.WithBot(iv.BotID)
		logger.Debug().Msg("No bot record, skipping intervention persistence")
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.store.SaveIntervention(ctx, store.InterventionRecord{
		ID:              rowID,
		BotRecordID:     bot.ID,
		InterventionID:  iv.ID,
		ParticipantName: iv.Speaker.Name,
		ParticipantID:   iv.Speaker.ID,
		Text:            iv.Text,
		Timestamp:       iv.StartedAt,
		IsPartial:       iv.IsPartial,
		Provider:        string(iv.Provider),
	})
	return err
}

// CreateBot creates a provider bot and binds it to connectionId, which may be
// empty for HTTP callers.
func (s *Service) CreateBot(ctx context.Context, req provider.BotRequest, connectionId string) (CreatedBot, error) {
	if s.provider == nil {
		return CreatedBot{}, provider.ErrNotConfigured
	}
	req = s.withDefaults(req)

	bot, err := s.provider.CreateBot(ctx, req)
	if err != nil {
		return CreatedBot{}, err
	}

	out := CreatedBot{BotID: bot.ID, Provider: bot}
	if s.store != nil {
		rec, err := s.store.CreateBot(ctx, store.BotRecord{
			ExternalBotID:     bot.ID,
			MeetingURL:        req.MeetingURL,
			BotName:           req.BotName,
			TranscriptionType: req.TranscriptionType,
			Language:          req.Language,
			Status:            lifecycle.StateCreated,
			ConnectionID:      connectionId,
		})
		if err != nil {
			s.metrics.RecordPersistenceError("create_bot")
			logger := logging.WithBot(bot.ID)
			logger.Warn().Err(err).Msg("Failed to persist bot record")
		} else {
			out.RecordID = rec.ID
		}
	}

	out.Session = s.router.Register(bot.ID, connectionId, req.MeetingURL)
	s.tracker.Seed(bot.ID, lifecycle.StateCreated)

	logger := logging.WithBot(bot.ID)
	logger.Info().
		Str("connectionId", connectionId).
		Str("meetingUrl", req.MeetingURL).
		Str("recordId", out.RecordID).
		Msg("Bot created")
	return out, nil
}

func (s *Service) withDefaults(req provider.BotRequest) provider.BotRequest {
	if strings.TrimSpace(req.BotName) == "" {
		req.BotName = s.defaults.BotName
	}
	if strings.TrimSpace(req.Language) == "" {
		req.Language = s.defaults.Language
	}
	if strings.TrimSpace(req.TranscriptionType) == "" {
		req.TranscriptionType = s.defaults.TranscriptionType
	}
	return req
}

// ProviderBot fetches the provider's view of botId.
func (s *Service) ProviderBot(ctx context.Context, botId string) (provider.Bot, error) {
	if s.provider == nil {
		return provider.Bot{}, provider.ErrNotConfigured
	}
	return s.provider.GetBot(ctx, botId)
}

// Subscribe routes botId's events to connectionId.
func (s *Service) Subscribe(botId, connectionId string) router.BotSession {
	sess := s.router.Register(botId, connectionId, "")
	s.tracker.Seed(botId, sess.LifecycleState)
	return sess
}

// Flush finalizes the bot's open intervention.
func (s *Service) Flush(botId string) (models.Intervention, bool) {
	return s.assembler.Flush(botId, intervention.ReasonManual)
}

// FlushAll finalizes every open intervention.
func (s *Service) FlushAll(reason intervention.Reason) int {
	return s.assembler.FlushAll(reason)
}

// OpenIntervention returns the bot's in-progress intervention.
func (s *Service) OpenIntervention(botId string) (models.Intervention, bool) {
	return s.assembler.Open(botId)
}

// ConnectionClosed drops the sessions owned by connectionId.
func (s *Service) ConnectionClosed(connectionId string) []string {
	return s.router.UnregisterConnection(connectionId)
}

// Cleanup drops sessions whose connection is gone.
func (s *Service) Cleanup() router.CleanupReport {
	return s.router.Cleanup()
}

// Sessions lists the routing table.
func (s *Service) Sessions() []router.BotSession {
	return s.router.Sessions()
}

// Session returns the routing entry for botId.
func (s *Service) Session(botId string) (router.BotSession, bool) {
	return s.router.Session(botId)
}

// Status returns the last known lifecycle state of botId.
func (s *Service) Status(botId string) (string, bool) {
	return s.tracker.State(botId)
}

// ResolveBot finds a bot record by record id or provider bot id.
func (s *Service) ResolveBot(ctx context.Context, ref string) (store.BotRecord, error) {
	if s.store == nil {
		return store.BotRecord{}, ErrBotNotFound
	}
	bot, err := s.store.GetBot(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		bot, err = s.store.FindBotByExternalID(ctx, ref)
	}
	if errors.Is(err, store.ErrNotFound) {
		return store.BotRecord{}, ErrBotNotFound
	}
	if err != nil {
		return store.BotRecord{}, err
	}
	return bot, nil
}

// ListBots returns the most recent bot records.
func (s *Service) ListBots(ctx context.Context, limit int) ([]store.BotRecord, error) {
	if s.store == nil {
		return []store.BotRecord{}, nil
	}
	return s.store.ListBots(ctx, limit)
}

// Interventions lists stored interventions for the bot referenced by ref.
func (s *Service) Interventions(ctx context.Context, ref string, q store.InterventionQuery) ([]store.InterventionRecord, error) {
	bot, err := s.ResolveBot(ctx, ref)
	if err != nil {
		return nil, err
	}
	q.BotRecordID = bot.ID
	return s.store.ListInterventions(ctx, q)
}

// RecordIntervention stores a manually submitted intervention.
func (s *Service) RecordIntervention(ctx context.Context, ref string, rec store.InterventionRecord) (store.InterventionRecord, error) {
	bot, err := s.ResolveBot(ctx, ref)
	if err != nil {
		return store.InterventionRecord{}, err
	}
	rec.BotRecordID = bot.ID
	if rec.ParticipantName == "" {
		rec.ParticipantName = models.DefaultSpeakerName(rec.ParticipantID)
	}
	return s.store.SaveIntervention(ctx, rec)
}

// SendToAutomation sends the bot's finalized interventions to the automation
// webhook.
func (s *Service) SendToAutomation(ctx context.Context, ref string) (automation.Result, error) {
	if s.automation == nil {
		return automation.Result{}, automation.ErrNotConfigured
	}
	bot, err := s.ResolveBot(ctx, ref)
	if err != nil {
		return automation.Result{}, err
	}
	ivs, err := s.store.ListInterventions(ctx, store.InterventionQuery{BotRecordID: bot.ID, FinalizedOnly: true})
	if err != nil {
		return automation.Result{}, fmt.Errorf("load interventions: %w", err)
	}
	return s.automation.Send(ctx, automation.Transcript{Bot: bot, BotRef: ref, Interventions: ivs})
}

// Shutdown drains queued webhook work, finalizes every open intervention and
// waits for pending side effects.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	select {
	case <-s.stopReap:
	default:
		close(s.stopReap)
	}
	<-s.reapDone
	if err := s.scheduler.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain scheduler: %w", err))
	}
	flushed := s.assembler.FlushAll(intervention.ReasonShutdown)
	if err := s.dispatcher.close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain dispatcher: %w", err))
	}

	s.logger.Info().Int("flushed", flushed).Msg("Relay stopped")
	return errors.Join(errs...)
}
