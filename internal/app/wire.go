// Package app holds the wiring shared by the server and dispatcher binaries.
package app

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/firm-records/internal/config"
	"github.com/richardliu001/firm-records/internal/notify"
	"github.com/richardliu001/firm-records/internal/outbox"
	"github.com/richardliu001/firm-records/internal/repo"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Redis returns nil when redis is not configured.
func Redis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// MailSender picks the transport; the returned close func flushes it.
func MailSender(cfg *config.Config, log *zap.SugaredLogger) (notify.EmailSender, func() error) {
	if cfg.Mail.Transport != "kafka" {
		return notify.NewLogSender(log), func() error { return nil }
	}
	kw := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return notify.NewKafkaSender(kw, cfg.Mail.From), kw.Close
}

// Dispatcher builds the outbox worker. With redis it shares liveness and
// takes the leader lock; without, it runs alone with in-memory liveness.
func Dispatcher(cfg *config.Config, r *repo.Repository, rdb *redis.Client, sender notify.EmailSender, log *zap.SugaredLogger) (*outbox.Dispatcher, error) {
	handlers := outbox.NewRegistry()
	if err := notify.RegisterHandlers(handlers, sender); err != nil {
		return nil, fmt.Errorf("register outbox handlers: %w", err)
	}
	var opts []outbox.Option
	if rdb != nil {
		opts = append(opts,
			outbox.WithLiveness(outbox.NewRedisLiveness(rdb, "")),
			outbox.WithLocker(outbox.NewRedsyncLocker(rdb, "", cfg.Outbox.LockTTL, log)),
		)
	}
	return outbox.NewDispatcher(r, handlers, cfg.Outbox, log.Named("outbox"), opts...), nil
}
