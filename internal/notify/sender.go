// Package notify hands outgoing mail to the relay. Delivery itself (SMTP)
// happens downstream of the kafka topic.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	TemplateWelcome      = "welcome"
	TemplateVerification = "verify_email"
)

// EmailSender is best-effort; callers log failures rather than abort.
type EmailSender interface {
	SendWelcomeEmail(ctx context.Context, to string) error
	SendVerificationEmail(ctx context.Context, to, link string) error
}

// MailRequest is the message the relay consumes.
type MailRequest struct {
	ID        string            `json:"id"`
	Template  string            `json:"template"`
	To        string            `json:"to"`
	From      string            `json:"from,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSender publishes MailRequests keyed by recipient.
type KafkaSender struct {
	writer messageWriter
	from   string
	now    func() time.Time
}

func NewKafkaSender(w *kafka.Writer, from string) *KafkaSender {
	return &KafkaSender{writer: w, from: from, now: time.Now}
}

func (s *KafkaSender) SendWelcomeEmail(ctx context.Context, to string) error {
	return s.publish(ctx, MailRequest{Template: TemplateWelcome, To: to})
}

func (s *KafkaSender) SendVerificationEmail(ctx context.Context, to, link string) error {
	return s.publish(ctx, MailRequest{
		Template: TemplateVerification,
		To:       to,
		Data:     map[string]string{"link": link},
	})
}

func (s *KafkaSender) publish(ctx context.Context, req MailRequest) error {
	req.ID = uuid.NewString()
	req.From = s.from
	req.CreatedAt = s.now().UTC()
	value, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal mail request: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(req.To),
		Value: value,
		Time:  req.CreatedAt,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s mail: %w", req.Template, err)
	}
	return nil
}

// LogSender only logs; used for local runs.
type LogSender struct {
	log *zap.SugaredLogger
}

func NewLogSender(logger *zap.SugaredLogger) *LogSender { return &LogSender{log: logger} }

func (s *LogSender) SendWelcomeEmail(_ context.Context, to string) error {
	s.log.Infow("mail", "template", TemplateWelcome, "to", to)
	return nil
}

func (s *LogSender) SendVerificationEmail(_ context.Context, to, link string) error {
	s.log.Infow("mail", "template", TemplateVerification, "to", to, "link", link)
	return nil
}
