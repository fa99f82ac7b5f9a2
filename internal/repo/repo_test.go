package repo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/firm-records/internal/config"
	"github.com/richardliu001/firm-records/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) (*Repository, context.Context) {
	t.Helper()
	db, err := Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return NewRepository(db, zap.NewNop().Sugar()), context.Background()
}

func seedUser(t *testing.T, r *Repository, email string, role uint, status model.UserStatus) *model.User {
	t.Helper()
	u := &model.User{
		ID: uuid.New(), Email: email, PasswordHash: "x", RoleID: role, Status: status,
		CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, r.CreateUser(context.Background(), r.DB(context.Background()), u))
	return u
}

func TestMigrate_SeedsRolesIdempotently(t *testing.T) {
	r, ctx := newTestRepo(t)
	require.NoError(t, Migrate(r.db))

	var roles []model.Role
	require.NoError(t, r.DB(ctx).Order("id").Find(&roles).Error)
	assert.Equal(t, model.Roles(), roles)
}

func TestUserEmail_UniqueAmongLiveRows(t *testing.T) {
	r, ctx := newTestRepo(t)
	u := seedUser(t, r, "a@firm.example", model.RoleEmployee, model.StatusActive)

	dup := &model.User{ID: uuid.New(), Email: "a@firm.example", PasswordHash: "x", RoleID: model.RoleEmployee,
		Status: model.StatusPendingEmail, CreatedAt: t0, UpdatedAt: t0}
	err := r.CreateUser(ctx, r.DB(ctx), dup)
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	require.NoError(t, r.DB(ctx).Delete(&model.User{}, "id = ?", u.ID).Error)
	assert.NoError(t, r.CreateUser(ctx, r.DB(ctx), dup))

	found, err := r.FindUserByEmail(ctx, r.DB(ctx), "a@firm.example")
	require.NoError(t, err)
	assert.Equal(t, dup.ID, found.ID)
}

func TestUpdateUserStatus_Conditional(t *testing.T) {
	r, ctx := newTestRepo(t)
	u := seedUser(t, r, "b@firm.example", model.RoleEmployee, model.StatusPendingEmail)

	require.NoError(t, r.UpdateUserStatus(ctx, r.DB(ctx), u.ID, model.StatusPendingEmail, model.StatusActive, t0))
	err := r.UpdateUserStatus(ctx, r.DB(ctx), u.ID, model.StatusPendingEmail, model.StatusPendingApproval, t0)
	assert.ErrorIs(t, err, ErrStaleWrite)

	got, err := r.GetUser(ctx, r.DB(ctx), u.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
}

func TestCountActiveAdmins(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedUser(t, r, "admin1@firm.example", model.RoleAdministrator, model.StatusActive)
	seedUser(t, r, "admin2@firm.example", model.RoleAdministrator, model.StatusDisabled)
	seedUser(t, r, "emp@firm.example", model.RoleEmployee, model.StatusActive)

	n, err := r.CountActiveAdmins(ctx, r.DB(ctx))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, r.LockAdminCount(ctx, r.DB(ctx)))
}

func TestVerificationLookups(t *testing.T) {
	r, ctx := newTestRepo(t)
	u := seedUser(t, r, "c@firm.example", model.RoleEmployee, model.StatusPendingEmail)
	v := &model.EmailVerification{ID: uuid.New(), UserID: u.ID, TokenHash: "h1", ExpiresAt: t0.Add(time.Hour), CreatedAt: t0}
	require.NoError(t, r.CreateEmailVerification(ctx, r.DB(ctx), v))

	got, err := r.FindActionableVerification(ctx, r.DB(ctx), "h1", t0)
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = r.FindActionableVerification(ctx, r.DB(ctx), "h1", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err := r.MarkVerificationUsed(ctx, r.DB(ctx), v.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.MarkVerificationUsed(ctx, r.DB(ctx), v.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	row, err := r.FindVerificationByHash(ctx, r.DB(ctx), "h1")
	require.NoError(t, err)
	assert.True(t, row.Used)

	missing, err := r.FindVerificationByHash(ctx, r.DB(ctx), "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEmployeeLookup(t *testing.T) {
	r, ctx := newTestRepo(t)
	require.NoError(t, r.DB(ctx).Create(&model.Employee{ID: uuid.New(), CompanyEmail: "eng@firm.example"}).Error)

	e, err := r.FindEmployeeByCompanyEmail(ctx, r.DB(ctx), "eng@firm.example")
	require.NoError(t, err)
	assert.NotNil(t, e)

	e, err = r.FindEmployeeByCompanyEmail(ctx, r.DB(ctx), "other@firm.example")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func seedOutbox(t *testing.T, r *Repository, occurred time.Time) *model.OutboxMessage {
	t.Helper()
	m := &model.OutboxMessage{ID: uuid.Must(uuid.NewV7()), Type: "test.event", Payload: `{}`, OccurredAt: occurred}
	require.NoError(t, r.CreateOutboxMessage(context.Background(), r.DB(context.Background()), m))
	return m
}

func TestPendingOutbox_OldestFirstAndLimit(t *testing.T) {
	r, ctx := newTestRepo(t)
	late := seedOutbox(t, r, t0.Add(2*time.Minute))
	early := seedOutbox(t, r, t0)
	mid := seedOutbox(t, r, t0.Add(time.Minute))

	msgs, err := r.PendingOutbox(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, early.ID, msgs[0].ID)
	assert.Equal(t, mid.ID, msgs[1].ID)

	require.NoError(t, r.ApplyOutboxUpdates(ctx, t0, []OutboxUpdate{
		{ID: early.ID, Processed: true},
		{ID: mid.ID, Error: "smtp down", DeadLetter: true},
	}))

	msgs, err = r.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, late.ID, msgs[0].ID)
}

func TestApplyOutboxUpdates(t *testing.T) {
	r, ctx := newTestRepo(t)
	ok := seedOutbox(t, r, t0)
	failed := seedOutbox(t, r, t0.Add(time.Second))

	require.NoError(t, r.ApplyOutboxUpdates(ctx, t0.Add(time.Minute), []OutboxUpdate{
		{ID: ok.ID, Processed: true},
		{ID: failed.ID, Error: "boom"},
	}))
	require.NoError(t, r.ApplyOutboxUpdates(ctx, t0.Add(2*time.Minute), []OutboxUpdate{
		{ID: ok.ID, Processed: true},
		{ID: failed.ID, Error: "boom again"},
	}))

	var got model.OutboxMessage
	require.NoError(t, r.DB(ctx).First(&got, "id = ?", ok.ID).Error)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(t0.Add(time.Minute)), "processed_at is written once")

	var retried model.OutboxMessage
	require.NoError(t, r.DB(ctx).First(&retried, "id = ?", failed.ID).Error)
	assert.Nil(t, retried.ProcessedAt)
	assert.Equal(t, 2, retried.RetryCount)
	require.NotNil(t, retried.LastError)
	assert.Equal(t, "boom again", *retried.LastError)
	assert.True(t, retried.Pending())
}

func TestPruneProcessedOutbox(t *testing.T) {
	r, ctx := newTestRepo(t)
	old := seedOutbox(t, r, t0)
	recent := seedOutbox(t, r, t0)
	pending := seedOutbox(t, r, t0)

	require.NoError(t, r.ApplyOutboxUpdates(ctx, t0, []OutboxUpdate{{ID: old.ID, Processed: true}}))
	require.NoError(t, r.ApplyOutboxUpdates(ctx, t0.Add(48*time.Hour), []OutboxUpdate{{ID: recent.ID, Processed: true}}))

	n, err := r.PruneProcessedOutbox(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var ids []uuid.UUID
	require.NoError(t, r.DB(ctx).Model(&model.OutboxMessage{}).Order("occurred_at, id").Pluck("id", &ids).Error)
	assert.ElementsMatch(t, []uuid.UUID{recent.ID, pending.ID}, ids)
}
