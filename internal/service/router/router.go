// Package router maps provider bots to the client connections that should
// receive their events.
package router

import (
	"time"

	"github.com/rs/zerolog"

	"meeting-transcript-relay/internal/observability/logging"
	"meeting-transcript-relay/internal/observability/metrics"
)

// StateCreated is the lifecycle state of a freshly registered bot.
const StateCreated = "created"

// Registry is the live connection registry (the websocket hub).
type Registry interface {
	IsLive(connectionId string) bool
	SendTo(connectionId, event string, payload any) error
	Broadcast(event string, payload any) int
	LiveConnections() []string
}

// DeliveryMode describes how an event reached clients.
type DeliveryMode string

const (
	DeliveryDirect    DeliveryMode = "direct"
	DeliveryBroadcast DeliveryMode = "broadcast"
	DeliveryDropped   DeliveryMode = "dropped"
)

// Delivery is the outcome of Deliver.
type Delivery struct {
	Mode         DeliveryMode
	ConnectionID string
	Recipients   int
}

// MissPolicy decides what happens to an event whose bot has no live owner.
// found reports whether a session exists (its connection is then gone).
// Returning true broadcasts the event to every live connection.
type MissPolicy func(botId string, sess BotSession, found bool) bool

// BroadcastOnMiss sends unroutable events to everyone. Every connected client
// sees other users' transcripts when their own routing is lost.
func BroadcastOnMiss(string, BotSession, bool) bool { return true }

// DropOnMiss discards unroutable events.
func DropOnMiss(string, BotSession, bool) bool { return false }

// CleanupReport summarizes a Cleanup pass.
type CleanupReport struct {
	InitialSessions   int      `json:"initialSessions"`
	RemainingSessions int      `json:"remainingSessions"`
	RemovedSessions   int      `json:"removedSessions"`
	RemovedBotIDs     []string `json:"removedBotIds,omitempty"`
}

// Option configures a Router.
type Option func(*Router)

// WithMissPolicy replaces the default BroadcastOnMiss policy.
func WithMissPolicy(p MissPolicy) Option {
	return func(r *Router) {
		if p != nil {
			r.onMiss = p
		}
	}
}

// WithClock injects the clock used for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// Router owns the bot → connection routing table.
type Router struct {
	store    SessionStore
	registry Registry
	onMiss   MissPolicy
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New creates a Router over store and registry.
func New(store SessionStore, registry Registry, opts ...Option) *Router {
	r := &Router{
		store:    store,
		registry: registry,
		onMiss:   BroadcastOnMiss,
		now:      time.Now,
		metrics:  metrics.DefaultMetrics,
		logger:   logging.WithComponent("router"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register binds botId to connectionId. Re-registering an existing bot moves
// it to the new connection and keeps its lifecycle state.
func (r *Router) Register(botId, connectionId, meetingURL string) BotSession {
	now := r.now().UTC()
	sess := BotSession{
		BotID:          botId,
		ConnectionID:   connectionId,
		MeetingURL:     meetingURL,
		LifecycleState: StateCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if existing, ok := r.store.Get(botId); ok {
		sess.LifecycleState = existing.LifecycleState
		sess.CreatedAt = existing.CreatedAt
		if meetingURL == "" {
			sess.MeetingURL = existing.MeetingURL
		}
		r.logger.Info().
			Str("botId", botId).
			Str("previousConnectionId", existing.ConnectionID).
			Str("connectionId", connectionId).
			Msg("Bot session reassigned")
	}
	r.store.Put(sess)
	r.metrics.SetSessionsActive(r.store.Len())
	return sess
}

// Resolve returns the connection that owns botId.
func (r *Router) Resolve(botId string) (string, bool) {
	sess, ok := r.store.Get(botId)
	if !ok {
		return "", false
	}
	return sess.ConnectionID, true
}

// Session returns the session for botId.
func (r *Router) Session(botId string) (BotSession, bool) {
	return r.store.Get(botId)
}

// Sessions returns every session in the routing table.
func (r *Router) Sessions() []BotSession {
	return r.store.List()
}

// SetState records a lifecycle state on the bot's session and returns the
// previous one. ok is false when the bot has no session.
func (r *Router) SetState(botId, state string) (previous string, ok bool) {
	ok = r.store.Update(botId, func(sess *BotSession) {
		previous = sess.LifecycleState
		sess.LifecycleState = state
		sess.UpdatedAt = r.now().UTC()
	})
	return previous, ok
}

// Deliver sends event to the bot's owning connection. When the owner is
// unknown or gone the MissPolicy decides between broadcast and drop.
func (r *Router) Deliver(botId, event string, payload any) Delivery {
	sess, found := r.store.Get(botId)
	if found && r.registry.IsLive(sess.ConnectionID) {
		err := r.registry.SendTo(sess.ConnectionID, event, payload)
		if err == nil {
			r.metrics.RecordDelivery(string(DeliveryDirect))
			return Delivery{Mode: DeliveryDirect, ConnectionID: sess.ConnectionID, Recipients: 1}
		}
		r.logger.Warn().Err(err).
			Str("botId", botId).
			Str("connectionId", sess.ConnectionID).
			Str("event", event).
			Msg("Direct delivery failed")
	}

	if !r.onMiss(botId, sess, found) {
		r.metrics.RecordDelivery(string(DeliveryDropped))
		return Delivery{Mode: DeliveryDropped}
	}

	n := r.registry.Broadcast(event, payload)
	r.logger.Debug().
		Str("botId", botId).
		Str("event", event).
		Bool("sessionFound", found).
		Int("recipients", n).
		Msg("Broadcasting unroutable event")
	r.metrics.RecordDelivery(string(DeliveryBroadcast))
	return Delivery{Mode: DeliveryBroadcast, Recipients: n}
}

// UnregisterConnection removes every session owned by connectionId and
// returns the removed bot ids.
func (r *Router) UnregisterConnection(connectionId string) []string {
	var removed []string
	for _, sess := range r.store.List() {
		if sess.ConnectionID != connectionId {
			continue
		}
		if r.store.Delete(sess.BotID) {
			removed = append(removed, sess.BotID)
		}
	}
	if len(removed) > 0 {
		r.logger.Info().
			Str("connectionId", connectionId).
			Strs("botIds", removed).
			Msg("Removed sessions of closed connection")
	}
	r.metrics.SetSessionsActive(r.store.Len())
	return removed
}

// Cleanup removes sessions whose connection is no longer live.
func (r *Router) Cleanup() CleanupReport {
	sessions := r.store.List()
	report := CleanupReport{InitialSessions: len(sessions)}
	for _, sess := range sessions {
		if r.registry.IsLive(sess.ConnectionID) {
			continue
		}
		if r.store.Delete(sess.BotID) {
			report.RemovedBotIDs = append(report.RemovedBotIDs, sess.BotID)
		}
	}
	report.RemainingSessions = r.store.Len()
	report.RemovedSessions = len(report.RemovedBotIDs)
	r.metrics.SetSessionsActive(report.RemainingSessions)

	r.logger.Info().
		Int("initialSessions", report.InitialSessions).
		Int("remainingSessions", report.RemainingSessions).
		Int("removedSessions", report.RemovedSessions).
		Msg("Session cleanup completed")
	return report
}
