// Package store persists bot records and finalized interventions.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Transcription types accepted by the provider.
const (
	TranscriptionMeetingCaptions = "meeting_captions"
	TranscriptionAI              = "ai_transcription"
)

// BotRecord is a bot created through this service.
type BotRecord struct {
	ID                string     `json:"id"`
	ExternalBotID     string     `json:"recallBotId"`
	MeetingURL        string     `json:"meetingUrl"`
	BotName           string     `json:"botName"`
	TranscriptionType string     `json:"transcriptionType"`
	Language          string     `json:"language"`
	Status            string     `json:"status"`
	ConnectionID      string     `json:"connectionId,omitempty"`
	OutputVideoURL    string     `json:"outputVideoUrl,omitempty"`
	CallStartedAt     *time.Time `json:"callStartedAt,omitempty"`
	CallEndedAt       *time.Time `json:"callEndedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// InterventionRecord is one persisted intervention row. Rows are append-only.
type InterventionRecord struct {
	ID              string    `json:"id"`
	BotRecordID     string    `json:"botId"`
	InterventionID  string    `json:"interventionId"`
	ParticipantName string    `json:"participantName"`
	ParticipantID   int64     `json:"participantId"`
	Text            string    `json:"text"`
	Timestamp       time.Time `json:"timestamp"`
	IsPartial       bool      `json:"isPartial"`
	Provider        string    `json:"provider"`
	CreatedAt       time.Time `json:"createdAt"`
}

// InterventionQuery filters ListInterventions. Results are ordered by timestamp.
type InterventionQuery struct {
	BotRecordID   string
	ParticipantID *int64
	After         *time.Time
	FinalizedOnly bool
	Limit         int
}

// LifecycleUpdate changes a bot's status and, when set, its call timestamps.
type LifecycleUpdate struct {
	Status        string
	CallStartedAt *time.Time
	CallEndedAt   *time.Time
}

// Store is the persistence sink.
type Store interface {
	CreateBot(ctx context.Context, rec BotRecord) (BotRecord, error)
	GetBot(ctx context.Context, id string) (BotRecord, error)
	FindBotByExternalID(ctx context.Context, externalBotID string) (BotRecord, error)
	ListBots(ctx context.Context, limit int) ([]BotRecord, error)
	UpdateLifecycle(ctx context.Context, externalBotID string, upd LifecycleUpdate) error
	// SaveIntervention inserts rec. A record whose ID is already stored is left
	// as is, so a write can be retried with the same ID.
	SaveIntervention(ctx context.Context, rec InterventionRecord) (InterventionRecord, error)
	ListInterventions(ctx context.Context, q InterventionQuery) ([]InterventionRecord, error)
	Close() error
}

// New opens the store selected by driver: memory, sqlite or postgres.
func New(driver, dsn string) (Store, error) {
	if driver == "memory" {
		return NewMemoryStore(), nil
	}
	return NewGormStore(driver, dsn)
}
