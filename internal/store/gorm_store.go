package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	if err := s.db.AutoMigrate(&botRow{}, &interventionRow{}); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	return nil
}

func (s *GormStore) CreateBot(ctx context.Context, rec BotRecord) (BotRecord, error) {
	rec = prepareBot(rec, time.Now().UTC())
	row := botRowFromRecord(rec)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return BotRecord{}, fmt.Errorf("create bot: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) GetBot(ctx context.Context, id string) (BotRecord, error) {
	return s.findBot(ctx, "id = ?", id)
}

func (s *GormStore) FindBotByExternalID(ctx context.Context, externalBotID string) (BotRecord, error) {
	return s.findBot(ctx, "external_bot_id = ?", externalBotID)
}

func (s *GormStore) findBot(ctx context.Context, query string, arg string) (BotRecord, error) {
	if strings.TrimSpace(arg) == "" {
		return BotRecord{}, ErrNotFound
	}
	var row botRow
	err := s.db.WithContext(ctx).Where(query, arg).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return BotRecord{}, ErrNotFound
		}
		return BotRecord{}, fmt.Errorf("get bot: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) ListBots(ctx context.Context, limit int) ([]BotRecord, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []botRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	out := make([]BotRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) UpdateLifecycle(ctx context.Context, externalBotID string, upd LifecycleUpdate) error {
	updates := map[string]any{
		"status":     upd.Status,
		"updated_at": time.Now().UTC(),
	}
	if upd.CallStartedAt != nil {
		updates["call_started_at"] = upd.CallStartedAt.UTC()
	}
	if upd.CallEndedAt != nil {
		updates["call_ended_at"] = upd.CallEndedAt.UTC()
	}

	res := s.db.WithContext(ctx).
		Model(&botRow{}).
		Where("external_bot_id = ?", externalBotID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update bot lifecycle: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) SaveIntervention(ctx context.Context, rec InterventionRecord) (InterventionRecord, error) {
	rec = prepareIntervention(rec, time.Now().UTC())
	row := interventionRowFromRecord(rec)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return InterventionRecord{}, fmt.Errorf("save intervention: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) ListInterventions(ctx context.Context, q InterventionQuery) ([]InterventionRecord, error) {
	tx := s.db.WithContext(ctx).Where("bot_record_id = ?", q.BotRecordID)
	if q.ParticipantID != nil {
		tx = tx.Where("participant_id = ?", *q.ParticipantID)
	}
	if q.After != nil {
		tx = tx.Where("timestamp > ?", q.After.UTC())
	}
	if q.FinalizedOnly {
		tx = tx.Where("is_partial = ?", false)
	}
	tx = tx.Order("timestamp ASC").Order("created_at ASC")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []interventionRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	out := make([]InterventionRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

func prepareBot(rec BotRecord, now time.Time) BotRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.TranscriptionType == "" {
		rec.TranscriptionType = TranscriptionMeetingCaptions
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return rec
}

func prepareIntervention(rec InterventionRecord, now time.Time) InterventionRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	return rec
}
