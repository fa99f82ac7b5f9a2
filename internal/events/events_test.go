package events

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	userID := uuid.MustParse("7b0c4c1e-2f4c-4c55-9a55-5c1b0b0f2a11")

	msg, err := NewMessage(UserRegistered{UserID: userID, Email: "a@firm.example", OccurredAt: now}, now)
	require.NoError(t, err)

	assert.Equal(t, TypeUserRegistered, msg.Type)
	assert.Equal(t, uuid.Version(7), msg.ID.Version())
	assert.Equal(t, now, msg.OccurredAt)
	assert.Zero(t, msg.RetryCount)
	assert.True(t, msg.Pending())
	assert.JSONEq(t,
		`{"userId":"7b0c4c1e-2f4c-4c55-9a55-5c1b0b0f2a11","email":"a@firm.example","occurredAt":"2024-03-01T09:00:00Z"}`,
		msg.Payload)
}
