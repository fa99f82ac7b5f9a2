package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"go.uber.org/zap"
)

// DefaultLockName guards batch dispatch across processes.
const DefaultLockName = "lock:outbox-dispatcher"

// Locker grants exclusive use of the outbox for one batch.
type Locker interface {
	// Acquire never blocks waiting for another holder; acquired is false instead.
	Acquire(ctx context.Context) (release func(), acquired bool, err error)
}

type noopLocker struct{}

func (noopLocker) Acquire(context.Context) (func(), bool, error) { return func() {}, true, nil }

// RedsyncLocker is a RedLock mutex over a single redis node.
type RedsyncLocker struct {
	mutex *redsync.Mutex
	log   *zap.SugaredLogger
}

// NewRedsyncLocker builds the lock; ttl should outlast one batch.
func NewRedsyncLocker(rdb *redis.Client, name string, ttl time.Duration, logger *zap.SugaredLogger) *RedsyncLocker {
	if name == "" {
		name = DefaultLockName
	}
	rs := redsync.New(goredis.NewPool(rdb))
	return &RedsyncLocker{
		mutex: rs.NewMutex(name, redsync.WithExpiry(ttl), redsync.WithTries(1)),
		log:   logger,
	}
}

func (l *RedsyncLocker) Acquire(ctx context.Context) (func(), bool, error) {
	if err := l.mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, false, nil
		}
		return nil, false, err
	}
	release := func() {
		if _, err := l.mutex.UnlockContext(context.Background()); err != nil {
			l.log.Warnf("release dispatcher lock: %v", err)
		}
	}
	return release, true, nil
}
