package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu            sync.Mutex
	bots          map[string]BotRecord
	byExternalID  map[string]string
	interventions []InterventionRecord
	closed        bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bots:         make(map[string]BotRecord),
		byExternalID: make(map[string]string),
	}
}

func (s *MemoryStore) CreateBot(_ context.Context, rec BotRecord) (BotRecord, error) {
	rec = prepareBot(rec, time.Now().UTC())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return BotRecord{}, fmt.Errorf("memory store is closed")
	}
	if _, ok := s.bots[rec.ID]; ok {
		return BotRecord{}, fmt.Errorf("create bot: duplicate id %s", rec.ID)
	}
	if rec.ExternalBotID != "" {
		if _, ok := s.byExternalID[rec.ExternalBotID]; ok {
			return BotRecord{}, fmt.Errorf("create bot: duplicate external id %s", rec.ExternalBotID)
		}
		s.byExternalID[rec.ExternalBotID] = rec.ID
	}
	s.bots[rec.ID] = rec
	return rec, nil
}

func (s *MemoryStore) GetBot(_ context.Context, id string) (BotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return BotRecord{}, fmt.Errorf("memory store is closed")
	}
	rec, ok := s.bots[id]
	if !ok {
		return BotRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) FindBotByExternalID(_ context.Context, externalBotID string) (BotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return BotRecord{}, fmt.Errorf("memory store is closed")
	}
	id, ok := s.byExternalID[externalBotID]
	if !ok {
		return BotRecord{}, ErrNotFound
	}
	return s.bots[id], nil
}

func (s *MemoryStore) ListBots(_ context.Context, limit int) ([]BotRecord, error) {
	s.mu.Lock()
	out := make([]BotRecord, 0, len(s.bots))
	for _, rec := range s.bots {
		out = append(out, rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateLifecycle(_ context.Context, externalBotID string, upd LifecycleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	id, ok := s.byExternalID[externalBotID]
	if !ok {
		return ErrNotFound
	}
	rec := s.bots[id]
	rec.Status = upd.Status
	if upd.CallStartedAt != nil {
		rec.CallStartedAt = utcPtr(upd.CallStartedAt)
	}
	if upd.CallEndedAt != nil {
		rec.CallEndedAt = utcPtr(upd.CallEndedAt)
	}
	rec.UpdatedAt = time.Now().UTC()
	s.bots[id] = rec
	return nil
}

func (s *MemoryStore) SaveIntervention(_ context.Context, rec InterventionRecord) (InterventionRecord, error) {
	rec = prepareIntervention(rec, time.Now().UTC())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return InterventionRecord{}, fmt.Errorf("memory store is closed")
	}
	for _, existing := range s.interventions {
		if existing.ID == rec.ID {
			return rec, nil
		}
	}
	s.interventions = append(s.interventions, rec)
	return rec, nil
}

func (s *MemoryStore) ListInterventions(_ context.Context, q InterventionQuery) ([]InterventionRecord, error) {
	s.mu.Lock()
	out := []InterventionRecord{}
	for _, rec := range s.interventions {
		if rec.BotRecordID != q.BotRecordID {
			continue
		}
		if q.ParticipantID != nil && rec.ParticipantID != *q.ParticipantID {
			continue
		}
		if q.After != nil && !rec.Timestamp.After(*q.After) {
			continue
		}
		if q.FinalizedOnly && rec.IsPartial {
			continue
		}
		out = append(out, rec)
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
