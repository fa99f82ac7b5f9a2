package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/firm-records/internal/model"
	"gorm.io/gorm"
)

const tokenBytes = 32

// VerificationOutcome is the result of redeeming a verification token.
type VerificationOutcome int

const (
	OutcomeOk VerificationOutcome = iota
	OutcomeInvalid
	OutcomeExpired
	OutcomeAlreadyUsed
)

func (o VerificationOutcome) String() string {
	switch o {
	case OutcomeOk:
		return "ok"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeExpired:
		return "expired"
	case OutcomeAlreadyUsed:
		return "already_used"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// NewRawToken returns 32 random bytes as unpadded URL-safe base64.
func NewRawToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken is the hex SHA-256 stored in place of the raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IssueVerification stores a new token for userID through tx and returns the
// raw value. The raw token cannot be recovered from storage afterwards.
func (s *AccountService) IssueVerification(ctx context.Context, tx *gorm.DB, userID uuid.UUID) (string, error) {
	raw, err := NewRawToken()
	if err != nil {
		return "", err
	}
	now := s.clock.Now()
	v := &model.EmailVerification{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: HashToken(raw),
		ExpiresAt: now.Add(s.verification.TokenTTL),
		CreatedAt: now,
	}
	if err := s.repo.CreateEmailVerification(ctx, tx, v); err != nil {
		return "", fmt.Errorf("store verification: %w", err)
	}
	return raw, nil
}

// VerifyEmail redeems rawToken. Expected conditions come back as an outcome;
// only storage failures return an error. The token flip and the user's status
// change commit in one transaction.
func (s *AccountService) VerifyEmail(ctx context.Context, rawToken string) (VerificationOutcome, error) {
	if strings.TrimSpace(rawToken) == "" {
		return OutcomeInvalid, nil
	}
	hash := HashToken(rawToken)
	now := s.clock.Now()

	outcome := OutcomeInvalid
	var verified *model.User
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		v, err := s.repo.FindActionableVerification(ctx, tx, hash, now)
		if err != nil {
			return err
		}
		if v == nil {
			row, err := s.repo.FindVerificationByHash(ctx, tx, hash)
			if err != nil {
				return err
			}
			outcome = classifyVerification(row, now)
			return nil
		}

		user, err := s.repo.GetUserForUpdate(ctx, tx, v.UserID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		marked, err := s.repo.MarkVerificationUsed(ctx, tx, v.ID)
		if err != nil {
			return err
		}
		if !marked {
			outcome = OutcomeAlreadyUsed
			return nil
		}

		// the status guard, not the token, keeps activation to once per user
		if user.Status == model.StatusPendingEmail {
			target, err := s.activationTarget(ctx, tx, user)
			if err != nil {
				return err
			}
			if err := s.repo.UpdateUserStatus(ctx, tx, user.ID, model.StatusPendingEmail, target, now); err != nil {
				return err
			}
			user.Status = target
			verified = user
		}
		outcome = OutcomeOk
		return nil
	})
	if err != nil {
		return OutcomeInvalid, fmt.Errorf("verify email: %w", err)
	}
	if verified != nil {
		s.log.Infow("email verified", "user_id", verified.ID, "status", verified.Status)
	}
	return outcome, nil
}

func (s *AccountService) activationTarget(ctx context.Context, tx *gorm.DB, u *model.User) (model.UserStatus, error) {
	emp, err := s.repo.FindEmployeeByCompanyEmail(ctx, tx, model.NormalizeEmail(u.Email))
	if err != nil {
		return "", fmt.Errorf("employee lookup: %w", err)
	}
	return model.ActivationTarget(emp != nil), nil
}

func classifyVerification(row *model.EmailVerification, now time.Time) VerificationOutcome {
	switch {
	case row == nil:
		return OutcomeInvalid
	case row.Used:
		return OutcomeAlreadyUsed
	case !row.ExpiresAt.After(now):
		return OutcomeExpired
	default:
		// actionable on re-read but missed by the conditioned lookup
		return OutcomeInvalid
	}
}
