package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/firm-records/internal/clock"
	"github.com/richardliu001/firm-records/internal/config"
	"github.com/richardliu001/firm-records/internal/model"
	"github.com/richardliu001/firm-records/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type note struct {
	N    int  `json:"n"`
	Fail bool `json:"fail"`
}

func testConfig() config.OutboxConfig {
	return config.OutboxConfig{
		BatchSize:     10,
		IdleInterval:  10 * time.Second,
		ErrorBackoff:  30 * time.Second,
		PruneInterval: time.Hour,
	}
}

func newTestRepo(t *testing.T) *repo.Repository {
	t.Helper()
	db, err := repo.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	})
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(db))
	return repo.NewRepository(db, zap.NewNop().Sugar())
}

func enqueue(t *testing.T, r *repo.Repository, typ string, payload any, at time.Time) *model.OutboxMessage {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	m := &model.OutboxMessage{ID: uuid.Must(uuid.NewV7()), Type: typ, Payload: string(body), OccurredAt: at}
	ctx := context.Background()
	require.NoError(t, r.CreateOutboxMessage(ctx, r.DB(ctx), m))
	return m
}

func load(t *testing.T, r *repo.Repository, id uuid.UUID) model.OutboxMessage {
	t.Helper()
	var m model.OutboxMessage
	require.NoError(t, r.DB(context.Background()).First(&m, "id = ?", id).Error)
	return m
}

func TestDispatchOnce_FailureDoesNotAbortBatch(t *testing.T) {
	r := newTestRepo(t)
	first := enqueue(t, r, "test.note", note{N: 1}, t0)
	second := enqueue(t, r, "test.note", note{N: 2, Fail: true}, t0.Add(time.Second))
	third := enqueue(t, r, "test.note", note{N: 3}, t0.Add(2*time.Second))

	var seen []int
	reg := NewRegistry()
	require.NoError(t, reg.Register("test.note", Typed(func(_ context.Context, n note) error {
		seen = append(seen, n.N)
		if n.Fail {
			return errors.New("mail relay unavailable")
		}
		return nil
	})))

	clk := clock.NewManual(t0.Add(time.Minute))
	d := NewDispatcher(r, reg, testConfig(), zap.NewNop().Sugar(), WithClock(clk))

	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Fetched: 3, Processed: 2, Failed: 1}, res)
	assert.Equal(t, []int{1, 2, 3}, seen, "dispatched oldest first")

	m1, m2, m3 := load(t, r, first.ID), load(t, r, second.ID), load(t, r, third.ID)
	require.NotNil(t, m1.ProcessedAt)
	require.NotNil(t, m3.ProcessedAt)
	assert.True(t, m1.ProcessedAt.Equal(clk.Now()))
	assert.Nil(t, m2.ProcessedAt)
	assert.Equal(t, 1, m2.RetryCount)
	require.NotNil(t, m2.LastError)
	assert.Equal(t, "mail relay unavailable", *m2.LastError)

	last, err := d.Liveness().LastDispatch(context.Background())
	require.NoError(t, err)
	assert.True(t, last.Equal(clk.Now()))

	// the failed message comes back on the next poll
	seen = nil
	res, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2}, seen)
	assert.Equal(t, 2, load(t, r, second.ID).RetryCount)
	assert.Equal(t, 1, res.Failed)
}

func TestDispatchOnce_MissingHandlerLeavesMessagePending(t *testing.T) {
	r := newTestRepo(t)
	orphan := enqueue(t, r, "unknown.event", note{N: 1}, t0)

	d := NewDispatcher(r, NewRegistry(), testConfig(), zap.NewNop().Sugar())
	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Fetched: 1, Skipped: 1}, res)

	m := load(t, r, orphan.ID)
	assert.True(t, m.Pending())
	assert.Zero(t, m.RetryCount)
}

func TestDispatchOnce_BadPayloadCountsAsFailure(t *testing.T) {
	r := newTestRepo(t)
	bad := enqueue(t, r, "test.note", "not an object", t0)

	reg := NewRegistry()
	require.NoError(t, reg.Register("test.note", Typed(func(context.Context, note) error { return nil })))

	d := NewDispatcher(r, reg, testConfig(), zap.NewNop().Sugar())
	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, load(t, r, bad.ID).RetryCount)
}

func TestDispatchOnce_PanickingHandlerIsContained(t *testing.T) {
	r := newTestRepo(t)
	msg := enqueue(t, r, "test.note", note{N: 1}, t0)

	reg := NewRegistry()
	require.NoError(t, reg.Register("test.note", func(context.Context, []byte) error { panic("nil sender") }))

	d := NewDispatcher(r, reg, testConfig(), zap.NewNop().Sugar())
	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	m := load(t, r, msg.ID)
	require.NotNil(t, m.LastError)
	assert.Contains(t, *m.LastError, "handler panic: nil sender")
}

func TestDispatchOnce_DeadLettersAtMaxRetries(t *testing.T) {
	r := newTestRepo(t)
	msg := enqueue(t, r, "test.note", note{N: 1}, t0)

	reg := NewRegistry()
	require.NoError(t, reg.Register("test.note", func(context.Context, []byte) error { return errors.New("nope") }))

	cfg := testConfig()
	cfg.MaxRetries = 2
	d := NewDispatcher(r, reg, cfg, zap.NewNop().Sugar())

	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.DeadLettered)

	res, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)

	m := load(t, r, msg.ID)
	assert.Equal(t, 2, m.RetryCount)
	assert.NotNil(t, m.DeadLetteredAt)
	assert.Nil(t, m.ProcessedAt)

	res, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Fetched, "dead letters leave the pending set")
}

func TestDispatchOnce_CancelMidBatchLeavesRestUncharged(t *testing.T) {
	r := newTestRepo(t)
	first := enqueue(t, r, "test.note", note{N: 1}, t0)
	second := enqueue(t, r, "test.note", note{N: 2}, t0.Add(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []int
	reg := NewRegistry()
	require.NoError(t, reg.Register("test.note", Typed(func(_ context.Context, n note) error {
		seen = append(seen, n.N)
		cancel()
		return nil
	})))

	cfg := testConfig()
	cfg.MaxRetries = 1
	d := NewDispatcher(r, reg, cfg, zap.NewNop().Sugar())

	res, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, seen)
	assert.Equal(t, BatchResult{Fetched: 2, Processed: 1}, res)

	// the interrupted message is untouched and still pending
	m2 := load(t, r, second.ID)
	assert.Zero(t, m2.RetryCount)
	assert.Nil(t, m2.LastError)
	assert.Nil(t, m2.DeadLetteredAt)
	assert.True(t, m2.Pending())

	// the outcome reached before cancellation was still committed
	assert.NotNil(t, load(t, r, first.ID).ProcessedAt)
}

func TestDispatchOnce_PrunesOldProcessedRows(t *testing.T) {
	r := newTestRepo(t)
	old := enqueue(t, r, "test.note", note{N: 1}, t0)
	ctx := context.Background()
	require.NoError(t, r.ApplyOutboxUpdates(ctx, t0, []repo.OutboxUpdate{{ID: old.ID, Processed: true}}))

	cfg := testConfig()
	cfg.Retention = 24 * time.Hour
	clk := clock.NewManual(t0.Add(48 * time.Hour))
	d := NewDispatcher(r, NewRegistry(), cfg, zap.NewNop().Sugar(), WithClock(clk))

	_, err := d.DispatchOnce(ctx)
	require.NoError(t, err)

	var n int64
	require.NoError(t, r.DB(ctx).Model(&model.OutboxMessage{}).Count(&n).Error)
	assert.Zero(t, n)
}

// fakeStore records calls without a database.
type fakeStore struct {
	pending  []model.OutboxMessage
	pollErr  error
	polls    int
	applied  [][]repo.OutboxUpdate
	prunedTo []time.Time
}

func (f *fakeStore) PendingOutbox(context.Context, int) ([]model.OutboxMessage, error) {
	f.polls++
	return f.pending, f.pollErr
}

func (f *fakeStore) ApplyOutboxUpdates(_ context.Context, _ time.Time, u []repo.OutboxUpdate) error {
	f.applied = append(f.applied, u)
	return nil
}

func (f *fakeStore) PruneProcessedOutbox(_ context.Context, before time.Time) (int64, error) {
	f.prunedTo = append(f.prunedTo, before)
	return 0, nil
}

func TestRun_EmptyPollSleepsIdleInterval(t *testing.T) {
	store := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waits []time.Duration
	sleeper := func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) == 2 {
			cancel()
		}
		return nil
	}
	d := NewDispatcher(store, NewRegistry(), testConfig(), zap.NewNop().Sugar(), WithSleeper(sleeper))
	d.Run(ctx)

	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, waits)
	assert.Equal(t, 2, store.polls)
	for _, batch := range store.applied {
		assert.Empty(t, batch, "empty poll mutates nothing")
	}
}

func TestRun_PollErrorBacksOff(t *testing.T) {
	store := &fakeStore{pollErr: errors.New("connection refused")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waits []time.Duration
	sleeper := func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		cancel()
		return nil
	}
	d := NewDispatcher(store, NewRegistry(), testConfig(), zap.NewNop().Sugar(), WithSleeper(sleeper))
	d.Run(ctx)

	assert.Equal(t, []time.Duration{30 * time.Second}, waits)
	assert.Empty(t, store.applied)
}

func TestRun_ReturnsWhenCancelledDuringSleep(t *testing.T) {
	store := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.IdleInterval = time.Hour
	d := NewDispatcher(store, NewRegistry(), cfg, zap.NewNop().Sugar())

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop on cancellation")
	}
}

type heldLocker struct{ calls int }

func (h *heldLocker) Acquire(context.Context) (func(), bool, error) {
	h.calls++
	return nil, false, nil
}

func TestDispatchOnce_SkipsWhenLockHeldElsewhere(t *testing.T) {
	store := &fakeStore{}
	locker := &heldLocker{}
	d := NewDispatcher(store, NewRegistry(), testConfig(), zap.NewNop().Sugar(), WithLocker(locker))

	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{}, res)
	assert.Equal(t, 1, locker.calls)
	assert.Zero(t, store.polls)
}
