package intervention

import (
	"sync"
	"time"

	"meeting-transcript-relay/internal/models"
	"meeting-transcript-relay/internal/observability/logging"
	"meeting-transcript-relay/internal/observability/metrics"
)

// Config controls intervention assembly.
type Config struct {
	IdleTimeout  time.Duration // silence that finalizes an open intervention
	DedupWindow  time.Duration // identical partials inside this window are dropped
	MaxFragments int           // forced finalize after this many fragments (0 = unlimited)
	MaxDuration  time.Duration // forced finalize after this long open (0 = unlimited)
}

// DefaultConfig returns the default assembly settings.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:  5 * time.Second,
		DedupWindow:  time.Second,
		MaxFragments: 500,
		MaxDuration:  5 * time.Minute,
	}
}

// Event is emitted to the Sink for every accepted fragment and every finalize.
type Event struct {
	Kind         EventKind
	Intervention models.Intervention
	Opened       bool   // first fragment of the intervention
	Reason       Reason // set on EventFinalized
}

// Sink receives assembler events. Events for one bot arrive in order.
// OnIntervention is called with the session locked: it must not block and
// must not call back into the Assembler.
type Sink interface {
	OnIntervention(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) OnIntervention(ev Event) { f(ev) }

// Result reports what a single Ingest call did.
type Result struct {
	Opened    *models.Intervention
	Updated   *models.Intervention
	Finalized []models.Intervention
	Dropped   bool
}

// session is the per-bot assembly state. The idle timer fires on its own
// goroutine, so every field is guarded by mu.
type session struct {
	mu      sync.Mutex
	botId   string
	state   State
	current *models.Intervention
	removed bool

	openedAt       time.Time
	lastSpeakerID  int64
	lastText       string
	lastAcceptedAt time.Time

	timer      *time.Timer
	generation uint64
}

// Assembler keeps at most one open intervention per bot session.
type Assembler struct {
	cfg     Config
	ids     *Generator
	sink    Sink
	now     func() time.Time
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates an Assembler that emits to sink.
func New(cfg Config, sink Sink) *Assembler {
	return NewWithClock(cfg, sink, time.Now)
}

// NewWithClock creates an Assembler with an injected clock. The clock drives
// dedup and limit decisions; idle timers always run on real time.
func NewWithClock(cfg Config, sink Sink, now func() time.Time) *Assembler {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if sink == nil {
		sink = SinkFunc(func(Event) {})
	}
	return &Assembler{
		cfg:      cfg,
		ids:      NewGenerator(),
		sink:     sink,
		now:      now,
		metrics:  metrics.DefaultMetrics,
		sessions: make(map[string]*session),
	}
}

// Ingest applies one fragment to the bot's session.
func (a *Assembler) Ingest(botId string, frag models.Fragment) Result {
	s := a.lockSession(botId)
	defer s.mu.Unlock()

	now := a.now()
	var res Result

	// Checked before the open/idle split so a retransmitted partial cannot
	// reopen an intervention that a final or a flush just closed.
	if a.isDuplicate(s, frag, now) {
		a.metrics.RecordFragmentDropped("duplicate")
		res.Dropped = true
		return res
	}

	if s.state == StateOpen && s.current.Speaker.ID == frag.Speaker.ID {
		s.current.Text = Merge(s.current.Text, frag.Text)
		s.current.Fragments = append(s.current.Fragments, frag.Text)
		s.current.LastFragmentAt = frag.Timestamp
		if frag.Speaker.Name != "" {
			s.current.Speaker.Name = frag.Speaker.Name
		}
	} else {
		if s.state == StateOpen {
			res.Finalized = append(res.Finalized, a.finalizeLocked(s, ReasonSpeakerChange))
		}
		a.openLocked(s, frag, now)
		opened := s.current.Clone()
		res.Opened = &opened
	}

	s.lastSpeakerID = frag.Speaker.ID
	s.lastText = frag.Text
	s.lastAcceptedAt = now

	updated := s.current.Clone()
	res.Updated = &updated
	a.sink.OnIntervention(Event{Kind: EventUpdated, Intervention: updated, Opened: res.Opened != nil})

	switch {
	case !frag.IsPartial:
		res.Finalized = append(res.Finalized, a.finalizeLocked(s, ReasonFinal))
	case a.limitExceeded(s, now):
		res.Finalized = append(res.Finalized, a.finalizeLocked(s, ReasonLimit))
	default:
		a.armTimerLocked(s)
	}
	return res
}

// Flush finalizes the bot's open intervention, if any.
func (a *Assembler) Flush(botId string, reason Reason) (models.Intervention, bool) {
	a.mu.Lock()
	s, ok := a.sessions[botId]
	a.mu.Unlock()
	if !ok {
		return models.Intervention{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return models.Intervention{}, false
	}
	return a.finalizeLocked(s, reason), true
}

// FlushAll finalizes every open intervention and returns how many were closed.
func (a *Assembler) FlushAll(reason Reason) int {
	a.mu.Lock()
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	count := 0
	for _, id := range ids {
		if _, ok := a.Flush(id, reason); ok {
			count++
		}
	}
	return count
}

// Forget finalizes the bot's open intervention and discards its session.
func (a *Assembler) Forget(botId string, reason Reason) {
	a.mu.Lock()
	s, ok := a.sessions[botId]
	if ok {
		delete(a.sessions, botId)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOpen {
		a.finalizeLocked(s, reason)
	}
	s.removed = true
}

// Open returns a snapshot of the bot's open intervention.
func (a *Assembler) Open(botId string) (models.Intervention, bool) {
	a.mu.Lock()
	s, ok := a.sessions[botId]
	a.mu.Unlock()
	if !ok {
		return models.Intervention{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return models.Intervention{}, false
	}
	return s.current.Clone(), true
}

// State returns the bot's assembly state.
func (a *Assembler) State(botId string) State {
	a.mu.Lock()
	s, ok := a.sessions[botId]
	a.mu.Unlock()
	if !ok {
		return StateIdle
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionCount returns the number of tracked sessions.
func (a *Assembler) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Has reports whether the bot has a tracked session.
func (a *Assembler) Has(botId string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sessions[botId]
	return ok
}

// ReapIdle discards idle sessions whose last accepted fragment is older than
// cutoff and returns their bot ids. Open sessions are left to their timers.
func (a *Assembler) ReapIdle(cutoff time.Time) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var reaped []string
	for id, s := range a.sessions {
		s.mu.Lock()
		if s.state == StateIdle && s.lastAcceptedAt.Before(cutoff) {
			s.removed = true
			delete(a.sessions, id)
			reaped = append(reaped, id)
		}
		s.mu.Unlock()
	}
	return reaped
}

// lockSession returns the bot's session, created on demand, with its mutex held.
func (a *Assembler) lockSession(botId string) *session {
	for {
		a.mu.Lock()
		s, ok := a.sessions[botId]
		if !ok {
			s = &session{botId: botId, state: StateIdle}
			a.sessions[botId] = s
		}
		a.mu.Unlock()

		s.mu.Lock()
		if !s.removed {
			return s
		}
		s.mu.Unlock()
	}
}

func (a *Assembler) isDuplicate(s *session, frag models.Fragment, now time.Time) bool {
	if !frag.IsPartial || a.cfg.DedupWindow <= 0 || s.lastAcceptedAt.IsZero() {
		return false
	}
	return frag.Speaker.ID == s.lastSpeakerID &&
		frag.Text == s.lastText &&
		now.Sub(s.lastAcceptedAt) <= a.cfg.DedupWindow
}

func (a *Assembler) limitExceeded(s *session, now time.Time) bool {
	if a.cfg.MaxFragments > 0 && len(s.current.Fragments) >= a.cfg.MaxFragments {
		return true
	}
	return a.cfg.MaxDuration > 0 && now.Sub(s.openedAt) >= a.cfg.MaxDuration
}

func (a *Assembler) openLocked(s *session, frag models.Fragment, now time.Time) {
	s.current = &models.Intervention{
		ID:             a.ids.Next(s.botId),
		BotID:          s.botId,
		Speaker:        frag.Speaker,
		Fragments:      []string{frag.Text},
		Text:           frag.Text,
		StartedAt:      frag.Timestamp,
		LastFragmentAt: frag.Timestamp,
		IsPartial:      true,
		Provider:       frag.Provider,
	}
	s.state = StateOpen
	s.openedAt = now
	a.metrics.RecordInterventionOpened()
}

func (a *Assembler) armTimerLocked(s *session) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.generation++
	gen := s.generation
	s.timer = time.AfterFunc(a.cfg.IdleTimeout, func() {
		a.expire(s, gen)
	})
}

// expire runs on the timer goroutine. Stale generations are ignored so a
// timer that raced with Stop cannot finalize a newer intervention.
func (a *Assembler) expire(s *session, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.state != StateOpen {
		return
	}
	a.finalizeLocked(s, ReasonIdle)
}

func (a *Assembler) finalizeLocked(s *session, reason Reason) models.Intervention {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.generation++

	s.current.IsPartial = false
	final := s.current.Clone()
	openFor := a.now().Sub(s.openedAt)

	s.current = nil
	s.state = StateIdle

	a.metrics.RecordInterventionFinalized(string(reason), openFor.Seconds())
	logger := logging.WithIntervention(s.botId, final.ID, final.Speaker.ID)
	logger.Debug().
		Str("reason", string(reason)).
		Int("fragments", len(final.Fragments)).
		Msg("Intervention finalized")

	a.sink.OnIntervention(Event{Kind: EventFinalized, Intervention: final, Reason: reason})
	return final
}
