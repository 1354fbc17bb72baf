// Package lifecycle tracks the coarse state of each meeting bot.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"meeting-transcript-relay/internal/models"
	"meeting-transcript-relay/internal/observability/logging"
	"meeting-transcript-relay/internal/observability/metrics"
	"meeting-transcript-relay/internal/service/intervention"
	"meeting-transcript-relay/internal/service/router"
	"meeting-transcript-relay/internal/store"
)

// Known lifecycle states. Any other provider status is stored verbatim.
const (
	StateCreated   = router.StateCreated
	StateInCall    = "in_call"
	StateCallEnded = "call_ended"
)

// EventBotStatus is the client event carrying a models.BotStatusEvent.
const EventBotStatus = "bot-status"

const persistTimeout = 5 * time.Second

// Finalizer closes whatever a bot still has open when its call ends.
type Finalizer interface {
	Forget(botId string, reason intervention.Reason)
}

// StatusRouter records and delivers state changes to the bot's owner.
type StatusRouter interface {
	SetState(botId, state string) (previous string, ok bool)
	Deliver(botId, event string, payload any) router.Delivery
}

// LifecycleStore persists status and call timestamps.
type LifecycleStore interface {
	UpdateLifecycle(ctx context.Context, externalBotID string, upd store.LifecycleUpdate) error
}

// Dispatch hands a write to a background runner that preserves submission
// order. It must not block.
type Dispatch func(name, botId string, run func(context.Context) error) bool

// Option configures a Tracker.
type Option func(*Tracker)

// WithDispatch moves status persistence off the caller's goroutine.
func WithDispatch(d Dispatch) Option {
	return func(t *Tracker) {
		t.dispatch = d
	}
}

// WithClock overrides the time source used for call timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker applies provider status changes. It is safe for concurrent use.
type Tracker struct {
	router    StatusRouter
	finalizer Finalizer
	store     LifecycleStore
	dispatch  Dispatch
	now       func() time.Time
	metrics   *metrics.Metrics

	mu     sync.Mutex
	states map[string]trackedState
}

type trackedState struct {
	state     string
	updatedAt time.Time
}

// New creates a Tracker. store may be nil to skip persistence.
func New(r StatusRouter, f Finalizer, s LifecycleStore, opts ...Option) *Tracker {
	t := &Tracker{
		router:    r,
		finalizer: f,
		store:     s,
		now:       time.Now,
		metrics:   metrics.DefaultMetrics,
		states:    make(map[string]trackedState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// ApplyStatus records newState for botId and returns the previous state,
// empty when the bot was never seen.
func (t *Tracker) ApplyStatus(ctx context.Context, botId, newState string) string {
	now := t.now().UTC()

	t.mu.Lock()
	prev, seen := t.states[botId]
	t.states[botId] = trackedState{state: newState, updatedAt: now}
	t.mu.Unlock()
	previous := prev.state

	routerPrev, hasSession := t.router.SetState(botId, newState)
	if !seen && hasSession {
		previous = routerPrev
	}

	log := logging.WithBot(botId)
	upd := store.LifecycleUpdate{Status: newState}
	switch newState {
	case StateInCall:
		if previous != StateInCall {
			upd.CallStartedAt = &now
			log.Info().Str("previousStatus", previous).Time("callStartedAt", now).Msg("Bot joined call")
		}
	case StateCallEnded:
		if previous != StateCallEnded {
			upd.CallEndedAt = &now
			log.Info().Str("previousStatus", previous).Time("callEndedAt", now).Msg("Bot call ended")
			if t.finalizer != nil {
				t.finalizer.Forget(botId, intervention.ReasonCallEnded)
			}
		}
	default:
		log.Debug().Str("previousStatus", previous).Str("status", newState).Msg("Bot status changed")
	}

	t.persist(ctx, botId, upd)

	t.router.Deliver(botId, EventBotStatus, models.BotStatusEvent{
		EventType:      models.EventTypeBotStatus,
		BotID:          botId,
		Status:         newState,
		PreviousStatus: previous,
		Timestamp:      now.UnixMilli(),
	})
	t.metrics.RecordStatusChange(newState)
	return previous
}

// State returns the last applied state for botId.
func (t *Tracker) State(botId string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[botId]
	return s.state, ok
}

// Seed sets the initial state of a newly created bot without side effects.
func (t *Tracker) Seed(botId, state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.states[botId]; !ok {
		t.states[botId] = trackedState{state: state, updatedAt: t.now().UTC()}
	}
}

// Prune drops bots not updated since cutoff for which keep returns false,
// and returns how many were dropped.
func (t *Tracker) Prune(cutoff time.Time, keep func(botId string) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, st := range t.states {
		if !st.updatedAt.Before(cutoff) || (keep != nil && keep(id)) {
			continue
		}
		delete(t.states, id)
		n++
	}
	return n
}

// persist writes the update through the dispatcher when one is set, so a
// slow store never holds up the bot's transcripts. Without one the write runs
// inline. Either way a bot's status writes land in the order applied.
func (t *Tracker) persist(ctx context.Context, botId string, upd store.LifecycleUpdate) {
	if t.store == nil {
		return
	}
	write := func(ctx context.Context) error {
		err := t.store.UpdateLifecycle(ctx, botId, upd)
		if errors.Is(err, store.ErrNotFound) {
			logger := logging.WithBot(botId)
			logger.Debug().Str("status", upd.Status).Msg("No bot record for status update")
			return nil
		}
		return err
	}

	if t.dispatch != nil {
		t.dispatch("update_lifecycle", botId, write)
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := write(writeCtx); err != nil {
		t.metrics.RecordPersistenceError("update_lifecycle")
		logger := logging.WithBot(botId)
		logger.Warn().Err(err).Str("status", upd.Status).Msg("Failed to persist bot status")
	}
}
