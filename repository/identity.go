package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"
	"media-enricher/constant"
	"media-enricher/entities"
)

type IdentityRepository interface {
	Transaction(ctx context.Context, callback func(ctx context.Context, tx IdentityRepository) error, opts ...*sql.TxOptions) error
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string, processedAt time.Time) (bool, error)
	UpsertUser(ctx context.Context, user *entities.User) error
	GetOrCreateCheckpoint(ctx context.Context, initial time.Time) (time.Time, error)
	AdvanceCheckpoint(ctx context.Context, to time.Time) (bool, error)
}

func (r *repo) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entities.ProcessedEvent{}).Where("event_id = ?", eventID).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkEventProcessed records the event id once. It reports false when another
// writer recorded it first.
func (r *repo) MarkEventProcessed(ctx context.Context, eventID string, processedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entities.ProcessedEvent{EventID: eventID, ProcessedAt: processedAt.UTC()})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// UpsertUser inserts or refreshes the user keyed by external id.
func (r *repo) UpsertUser(ctx context.Context, user *entities.User) error {
	now := time.Now().UTC()
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"username", "email", "first_name", "last_name", "enabled", "email_verified", "updated_at",
			}),
		}).
		Create(user).Error
}

// GetOrCreateCheckpoint returns the watermark, persisting initial when no row exists yet.
func (r *repo) GetOrCreateCheckpoint(ctx context.Context, initial time.Time) (time.Time, error) {
	db := r.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entities.EventCheckpoint{ID: constant.CheckpointID, LastUpdatedAt: initial.UTC()}).Error
	if err != nil {
		return time.Time{}, err
	}

	var checkpoint entities.EventCheckpoint
	if err := db.First(&checkpoint, "id = ?", constant.CheckpointID).Error; err != nil {
		return time.Time{}, err
	}
	return checkpoint.LastUpdatedAt, nil
}

// AdvanceCheckpoint moves the watermark forward only. It reports whether the row changed.
func (r *repo) AdvanceCheckpoint(ctx context.Context, to time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&entities.EventCheckpoint{}).
		Where("id = ? AND last_updated_at < ?", constant.CheckpointID, to.UTC()).
		Update("last_updated_at", to.UTC())
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

var _ Repository = (*repo)(nil)
