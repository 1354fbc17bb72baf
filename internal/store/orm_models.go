package store

import "time"

type botRow struct {
	ID                string `gorm:"primaryKey;size:64"`
	ExternalBotID     string `gorm:"size:191;uniqueIndex"`
	MeetingURL        string `gorm:"size:1024;not null"`
	BotName           string `gorm:"size:191"`
	TranscriptionType string `gorm:"size:64"`
	Language          string `gorm:"size:32"`
	Status            string `gorm:"size:64;index"`
	ConnectionID      string `gorm:"size:64"`
	OutputVideoURL    string `gorm:"size:1024"`
	CallStartedAt     *time.Time
	CallEndedAt       *time.Time
	CreatedAt         time.Time `gorm:"not null;index"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (botRow) TableName() string {
	return "bots"
}

func (r botRow) toRecord() BotRecord {
	return BotRecord{
		ID:                r.ID,
		ExternalBotID:     r.ExternalBotID,
		MeetingURL:        r.MeetingURL,
		BotName:           r.BotName,
		TranscriptionType: r.TranscriptionType,
		Language:          r.Language,
		Status:            r.Status,
		ConnectionID:      r.ConnectionID,
		OutputVideoURL:    r.OutputVideoURL,
		CallStartedAt:     utcPtr(r.CallStartedAt),
		CallEndedAt:       utcPtr(r.CallEndedAt),
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}

func botRowFromRecord(rec BotRecord) botRow {
	return botRow{
		ID:                rec.ID,
		ExternalBotID:     rec.ExternalBotID,
		MeetingURL:        rec.MeetingURL,
		BotName:           rec.BotName,
		TranscriptionType: rec.TranscriptionType,
		Language:          rec.Language,
		Status:            rec.Status,
		ConnectionID:      rec.ConnectionID,
		OutputVideoURL:    rec.OutputVideoURL,
		CallStartedAt:     rec.CallStartedAt,
		CallEndedAt:       rec.CallEndedAt,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}

type interventionRow struct {
	ID              string    `gorm:"primaryKey;size:64"`
	BotRecordID     string    `gorm:"size:64;not null;index:idx_interventions_bot_ts,priority:1"`
	InterventionID  string    `gorm:"size:191"`
	ParticipantName string    `gorm:"size:191"`
	ParticipantID   int64     `gorm:"index"`
	Text            string    `gorm:"type:text;not null"`
	Timestamp       time.Time `gorm:"not null;index:idx_interventions_bot_ts,priority:2"`
	IsPartial       bool      `gorm:"not null;default:false"`
	Provider        string    `gorm:"size:32"`
	CreatedAt       time.Time `gorm:"not null"`
}

func (interventionRow) TableName() string {
	return "interventions"
}

func (r interventionRow) toRecord() InterventionRecord {
	return InterventionRecord{
		ID:              r.ID,
		BotRecordID:     r.BotRecordID,
		InterventionID:  r.InterventionID,
		ParticipantName: r.ParticipantName,
		ParticipantID:   r.ParticipantID,
		Text:            r.Text,
		Timestamp:       r.Timestamp.UTC(),
		IsPartial:       r.IsPartial,
		Provider:        r.Provider,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

func interventionRowFromRecord(rec InterventionRecord) interventionRow {
	return interventionRow{
		ID:              rec.ID,
		BotRecordID:     rec.BotRecordID,
		InterventionID:  rec.InterventionID,
		ParticipantName: rec.ParticipantName,
		ParticipantID:   rec.ParticipantID,
		Text:            rec.Text,
		Timestamp:       rec.Timestamp,
		IsPartial:       rec.IsPartial,
		Provider:        rec.Provider,
		CreatedAt:       rec.CreatedAt,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
