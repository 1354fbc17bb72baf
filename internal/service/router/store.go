package router

import (
	"sort"
	"sync"
	"time"
)

// BotSession binds a provider bot to the client connection that created it.
type BotSession struct {
	BotID          string    `json:"botId"`
	ConnectionID   string    `json:"connectionId"`
	MeetingURL     string    `json:"meetingUrl,omitempty"`
	LifecycleState string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// SessionStore holds the routing table. Implementations must be safe for
// concurrent use.
type SessionStore interface {
	Put(sess BotSession)
	Get(botId string) (BotSession, bool)
	// Update applies fn to the stored session atomically. It reports false
	// when no session exists for botId.
	Update(botId string, fn func(*BotSession)) bool
	Delete(botId string) bool
	List() []BotSession
	Len() int
}

// MemorySessionStore is the in-process SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]BotSession
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]BotSession)}
}

func (s *MemorySessionStore) Put(sess BotSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.BotID] = sess
}

func (s *MemorySessionStore) Get(botId string) (BotSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[botId]
	return sess, ok
}

func (s *MemorySessionStore) Update(botId string, fn func(*BotSession)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[botId]
	if !ok {
		return false
	}
	fn(&sess)
	s.sessions[botId] = sess
	return true
}

func (s *MemorySessionStore) Delete(botId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[botId]; !ok {
		return false
	}
	delete(s.sessions, botId)
	return true
}

// List returns sessions ordered by creation time.
func (s *MemorySessionStore) List() []BotSession {
	s.mu.RLock()
	out := make([]BotSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].BotID < out[j].BotID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
