package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/richardliu001/firm-records/internal/apperr"
	"github.com/richardliu001/firm-records/internal/model"
	"github.com/richardliu001/firm-records/internal/repo"
	"gorm.io/gorm"
)

var errLastAdmin = apperr.Forbidden("cannot remove the last active administrator")

// AdminChange describes a pending edit to a user. Nil fields are unchanged.
type AdminChange struct {
	RoleID *uint
	Status *model.UserStatus
}

func (c AdminChange) removesAdmin(u *model.User) bool {
	if !u.IsActiveAdmin() {
		return false
	}
	if c.RoleID != nil && *c.RoleID != model.RoleAdministrator {
		return true
	}
	return c.Status != nil && *c.Status != model.StatusActive
}

// EnsureNotRemovingLastAdmin rejects a change that would leave no active
// administrator. Callers must hold the admin count lock in tx.
func (s *AccountService) EnsureNotRemovingLastAdmin(ctx context.Context, tx *gorm.DB, u *model.User, change AdminChange) error {
	if !change.removesAdmin(u) {
		return nil
	}
	n, err := s.repo.CountActiveAdmins(ctx, tx)
	if err != nil {
		return fmt.Errorf("count admins: %w", err)
	}
	if n <= 1 {
		return errLastAdmin
	}
	return nil
}

// ChangeRole sets the role of userID on behalf of actor.
func (s *AccountService) ChangeRole(ctx context.Context, actor, userID uuid.UUID, roleID uint) (*model.User, error) {
	if !model.ValidRole(roleID) {
		return nil, apperr.Validation(fmt.Sprintf("unknown role %d", roleID))
	}
	return s.applyAdminChange(ctx, actor, userID, AdminChange{RoleID: &roleID})
}

// ChangeStatus moves userID along the lifecycle on behalf of actor. Leaving
// PendingEmail is reserved for email verification.
func (s *AccountService) ChangeStatus(ctx context.Context, actor, userID uuid.UUID, status model.UserStatus) (*model.User, error) {
	if !status.IsValid() {
		return nil, apperr.Validation(fmt.Sprintf("unknown status %q", status))
	}
	return s.applyAdminChange(ctx, actor, userID, AdminChange{Status: &status})
}

func (s *AccountService) applyAdminChange(ctx context.Context, actor, userID uuid.UUID, change AdminChange) (*model.User, error) {
	var (
		updated *model.User
		before  model.User
	)
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.LockAdminCount(ctx, tx); err != nil {
			return fmt.Errorf("lock admin count: %w", err)
		}
		u, err := s.repo.GetUserForUpdate(ctx, tx, userID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("user not found")
		}
		if err != nil {
			return err
		}
		before = *u

		if change.Status != nil && *change.Status != u.Status {
			if u.Status == model.StatusPendingEmail {
				return apperr.Conflict("email address not verified yet")
			}
			if err := model.ValidateTransition(u.Status, *change.Status); err != nil {
				return transitionError(err)
			}
		}
		if noop(u, change) {
			updated = u
			return nil
		}
		if err := s.EnsureNotRemovingLastAdmin(ctx, tx, u, change); err != nil {
			return err
		}

		now := s.clock.Now()
		if change.RoleID != nil && *change.RoleID != u.RoleID {
			if err := s.repo.UpdateUserRole(ctx, tx, u.ID, u.RoleID, *change.RoleID, now); err != nil {
				return staleError(err)
			}
			u.RoleID = *change.RoleID
		}
		if change.Status != nil && *change.Status != u.Status {
			if err := s.repo.UpdateUserStatus(ctx, tx, u.ID, u.Status, *change.Status, now); err != nil {
				return staleError(err)
			}
			u.Status = *change.Status
		}
		u.UpdatedAt = now
		updated = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated.RoleID != before.RoleID || updated.Status != before.Status {
		s.log.Infow("user updated by admin",
			"actor_id", actor,
			"user_id", updated.ID,
			"role_from", before.RoleID, "role_to", updated.RoleID,
			"status_from", before.Status, "status_to", updated.Status,
		)
	}
	return updated, nil
}

func noop(u *model.User, c AdminChange) bool {
	return (c.RoleID == nil || *c.RoleID == u.RoleID) &&
		(c.Status == nil || *c.Status == u.Status)
}

func transitionError(err error) error {
	switch {
	case errors.Is(err, model.ErrTerminalState):
		return apperr.Wrap(apperr.CodeConflict, err.Error(), err)
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrUnknownStatus):
		return apperr.Wrap(apperr.CodeValidation, err.Error(), err)
	default:
		return err
	}
}

func staleError(err error) error {
	if errors.Is(err, repo.ErrStaleWrite) {
		return apperr.Wrap(apperr.CodeConflict, "user changed concurrently, retry", err)
	}
	return err
}
