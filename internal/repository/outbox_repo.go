package repository

import (
	"context"
	"fmt"
	"time"

	"mealbox/internal/model"

	"gorm.io/gorm"
)

// OutboxRepo reads and acknowledges relayed events.
type OutboxRepo struct {
	db *gorm.DB
}

func NewOutboxRepo(db *gorm.DB) *OutboxRepo {
	return &OutboxRepo{db: db}
}

// Pending returns up to limit unpublished events, oldest first.
func (r *OutboxRepo) Pending(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var out []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load pending outbox: %w", err)
	}
	return out, nil
}

// MarkPublished stamps the given events as delivered.
func (r *OutboxRepo) MarkPublished(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id IN ?", ids).
		Update("published_at", time.Now()).Error
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

// MarkFailed records a failed publish so it is visible to operators.
func (r *OutboxRepo) MarkFailed(ctx context.Context, ids []uint, cause error) error {
	if len(ids) == 0 {
		return nil
	}
	msg := cause.Error()
	if len(msg) > 255 {
		msg = msg[:255]
	}
	err := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": msg,
		}).Error
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}
