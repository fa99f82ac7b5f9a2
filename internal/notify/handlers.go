package notify

import (
	"context"
	"fmt"

	"github.com/richardliu001/firm-records/internal/events"
	"github.com/richardliu001/firm-records/internal/outbox"
)

// WelcomeHandler sends the welcome mail for a registration. Delivery is
// at-least-once, so a redelivered event can send the mail twice.
func WelcomeHandler(sender EmailSender) outbox.Handler {
	return outbox.Typed(func(ctx context.Context, e events.UserRegistered) error {
		if e.Email == "" {
			return fmt.Errorf("user %s registered without email", e.UserID)
		}
		return sender.SendWelcomeEmail(ctx, e.Email)
	})
}

// RegisterHandlers wires every outbox event this service emits.
func RegisterHandlers(r *outbox.Registry, sender EmailSender) error {
	return r.Register(events.TypeUserRegistered, WelcomeHandler(sender))
}
