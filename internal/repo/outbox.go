package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/firm-records/internal/model"
	"gorm.io/gorm"
)

// OutboxUpdate is the outcome of one dispatch attempt.
type OutboxUpdate struct {
	ID         uuid.UUID
	Processed  bool
	Error      string
	DeadLetter bool
}

// CreateOutboxMessage writes event.
func (r *Repository) CreateOutboxMessage(ctx context.Context, tx *gorm.DB, m *model.OutboxMessage) error {
	return tx.WithContext(ctx).Create(m).Error
}

// PendingOutbox pulls unprocessed messages, oldest first.
func (r *Repository) PendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	var msgs []model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("processed_at IS NULL AND dead_lettered_at IS NULL").
		Order("occurred_at ASC, id ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// ApplyOutboxUpdates commits a whole batch of outcomes in one transaction.
// Rows already processed are left alone so processed_at is written at most once.
func (r *Repository) ApplyOutboxUpdates(ctx context.Context, now time.Time, updates []OutboxUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			q := tx.Model(&model.OutboxMessage{}).Where("id = ? AND processed_at IS NULL", u.ID)
			var err error
			if u.Processed {
				err = q.Update("processed_at", now).Error
			} else {
				fields := map[string]interface{}{
					"retry_count": gorm.Expr("retry_count + 1"),
					"last_error":  u.Error,
				}
				if u.DeadLetter {
					fields["dead_lettered_at"] = now
				}
				err = q.Updates(fields).Error
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// PruneProcessedOutbox deletes processed rows older than before.
func (r *Repository) PruneProcessedOutbox(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("processed_at IS NOT NULL AND processed_at < ?", before).
		Delete(&model.OutboxMessage{})
	return res.RowsAffected, res.Error
}
