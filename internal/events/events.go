// Package events defines the domain events written to the outbox.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/firm-records/internal/model"
)

// TypeUserRegistered identifies UserRegistered payloads.
const TypeUserRegistered = "account.user_registered"

// Event is anything that can be serialized into an outbox message.
type Event interface {
	EventType() string
}

// UserRegistered is emitted in the registration transaction.
type UserRegistered struct {
	UserID     uuid.UUID `json:"userId"`
	Email      string    `json:"email"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (UserRegistered) EventType() string { return TypeUserRegistered }

// NewMessage serializes e into a pending outbox message with a time-ordered id.
func NewMessage(e Event, now time.Time) (*model.OutboxMessage, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("outbox id: %w", err)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.EventType(), err)
	}
	return &model.OutboxMessage{
		ID:         id,
		Type:       e.EventType(),
		Payload:    string(payload),
		OccurredAt: now.UTC(),
	}, nil
}
