package model

import (
	"time"

	"github.com/google/uuid"
)

// OutboxMessage is a domain event written in the same transaction as the
// change that produced it. Only the dispatcher updates it afterwards.
type OutboxMessage struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Type           string     `gorm:"size:128;not null"`
	Payload        string     `gorm:"type:text;not null"`
	RetryCount     int        `gorm:"not null;default:0"`
	LastError      *string    `gorm:"type:text"`
	OccurredAt     time.Time  `gorm:"not null;index"`
	ProcessedAt    *time.Time `gorm:"index"`
	DeadLetteredAt *time.Time
}

func (OutboxMessage) TableName() string { return "outbox_messages" }

// Pending reports whether the dispatcher should still pick the message up.
func (m *OutboxMessage) Pending() bool {
	return m.ProcessedAt == nil && m.DeadLetteredAt == nil
}
