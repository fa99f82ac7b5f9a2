package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/firm-records/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrStaleWrite is returned when a conditional update matched no row because
// another transaction changed it first.
var ErrStaleWrite = errors.New("row changed concurrently")

// adminCountLockKey keys the postgres advisory lock serializing changes that
// can lower the active administrator count.
const adminCountLockKey int64 = 0x61646d696e73

// RepositoryInterface restricts Repo methods (方便单元测试 mock)
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	CreateUser(ctx context.Context, tx *gorm.DB, u *model.User) error
	FindUserByEmail(ctx context.Context, tx *gorm.DB, email string) (*model.User, error)
	GetUser(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*model.User, error)
	GetUserForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*model.User, error)
	UpdateUserStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to model.UserStatus, now time.Time) error
	UpdateUserRole(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to uint, now time.Time) error
	LockAdminCount(ctx context.Context, tx *gorm.DB) error
	CountActiveAdmins(ctx context.Context, tx *gorm.DB) (int64, error)

	FindEmployeeByCompanyEmail(ctx context.Context, tx *gorm.DB, email string) (*model.Employee, error)

	CreateEmailVerification(ctx context.Context, tx *gorm.DB, v *model.EmailVerification) error
	FindActionableVerification(ctx context.Context, tx *gorm.DB, tokenHash string, now time.Time) (*model.EmailVerification, error)
	FindVerificationByHash(ctx context.Context, tx *gorm.DB, tokenHash string) (*model.EmailVerification, error)
	MarkVerificationUsed(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error)

	CreateOutboxMessage(ctx context.Context, tx *gorm.DB, m *model.OutboxMessage) error
	PendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error)
	ApplyOutboxUpdates(ctx context.Context, now time.Time, updates []OutboxUpdate) error
	PruneProcessedOutbox(ctx context.Context, before time.Time) (int64, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreateUser inserts record.
func (r *Repository) CreateUser(ctx context.Context, tx *gorm.DB, u *model.User) error {
	return tx.WithContext(ctx).Create(u).Error
}

// FindUserByEmail returns nil, nil when no live user has the address.
func (r *Repository) FindUserByEmail(ctx context.Context, tx *gorm.DB, email string) (*model.User, error) {
	var u model.User
	err := tx.WithContext(ctx).Where("email = ?", email).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser loads by id; gorm.ErrRecordNotFound when absent.
func (r *Repository) GetUser(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*model.User, error) {
	var u model.User
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserForUpdate locks user row.
func (r *Repository) GetUserForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*model.User, error) {
	var u model.User
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateUserStatus moves from -> to only if the row is still in from.
func (r *Repository) UpdateUserStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to model.UserStatus, now time.Time) error {
	res := tx.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleWrite
	}
	return nil
}

// UpdateUserRole changes role only if the row still holds from.
func (r *Repository) UpdateUserRole(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to uint, now time.Time) error {
	res := tx.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ? AND role_id = ?", id, from).
		Updates(map[string]interface{}{
			"role_id":    to,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleWrite
	}
	return nil
}

// LockAdminCount takes a transaction-scoped advisory lock on postgres.
// SQLite allows a single writer, so there is nothing to take.
func (r *Repository) LockAdminCount(ctx context.Context, tx *gorm.DB) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(?)", adminCountLockKey).Error
}

// CountActiveAdmins counts users that are Active administrators.
func (r *Repository) CountActiveAdmins(ctx context.Context, tx *gorm.DB) (int64, error) {
	var n int64
	err := tx.WithContext(ctx).
		Model(&model.User{}).
		Where("status = ? AND role_id = ?", model.StatusActive, model.RoleAdministrator).
		Count(&n).Error
	return n, err
}

// FindEmployeeByCompanyEmail returns nil, nil when there is no match.
func (r *Repository) FindEmployeeByCompanyEmail(ctx context.Context, tx *gorm.DB, email string) (*model.Employee, error) {
	var e model.Employee
	err := tx.WithContext(ctx).Where("company_email = ?", email).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateEmailVerification inserts record.
func (r *Repository) CreateEmailVerification(ctx context.Context, tx *gorm.DB, v *model.EmailVerification) error {
	return tx.WithContext(ctx).Create(v).Error
}

// FindActionableVerification looks up an unused, unexpired token in one query.
func (r *Repository) FindActionableVerification(ctx context.Context, tx *gorm.DB, tokenHash string, now time.Time) (*model.EmailVerification, error) {
	var v model.EmailVerification
	err := tx.WithContext(ctx).
		Where("token_hash = ? AND used = ? AND expires_at > ?", tokenHash, false, now).
		First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// FindVerificationByHash returns the row regardless of state, nil, nil if absent.
func (r *Repository) FindVerificationByHash(ctx context.Context, tx *gorm.DB, tokenHash string) (*model.EmailVerification, error) {
	var v model.EmailVerification
	err := tx.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// MarkVerificationUsed flips used false -> true. It reports false when another
// redemption got there first.
func (r *Repository) MarkVerificationUsed(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&model.EmailVerification{}).
		Where("id = ? AND used = ?", id, false).
		Update("used", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
