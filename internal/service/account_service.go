package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/google/uuid"
	"github.com/richardliu001/firm-records/internal/apperr"
	"github.com/richardliu001/firm-records/internal/clock"
	"github.com/richardliu001/firm-records/internal/config"
	"github.com/richardliu001/firm-records/internal/events"
	"github.com/richardliu001/firm-records/internal/model"
	"github.com/richardliu001/firm-records/internal/notify"
	"github.com/richardliu001/firm-records/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	minPasswordLen = 8
	maxPasswordLen = 72 // bcrypt input limit
)

var errInvalidCredentials = apperr.Unauthorized("invalid email or password")

// AccountService glues account lifecycle rules and repository.
type AccountService struct {
	repo         repo.RepositoryInterface
	hasher       PasswordHasher
	tokens       *TokenService
	mail         notify.EmailSender
	verification config.VerificationConfig
	clock        clock.Clock
	log          *zap.SugaredLogger
}

type Option func(*AccountService)

func WithClock(c clock.Clock) Option {
	return func(s *AccountService) { s.clock = c }
}

// NewAccountService returns AccountService.
func NewAccountService(
	r repo.RepositoryInterface,
	hasher PasswordHasher,
	tokens *TokenService,
	mail notify.EmailSender,
	verification config.VerificationConfig,
	logger *zap.SugaredLogger,
	opts ...Option,
) *AccountService {
	s := &AccountService{
		repo:         r,
		hasher:       hasher,
		tokens:       tokens,
		mail:         mail,
		verification: verification,
		clock:        clock.System{},
		log:          logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a PendingEmail user, its first verification token and the
// UserRegistered outbox message in one transaction, then mails the link.
func (s *AccountService) Register(ctx context.Context, email, password string) (*model.User, error) {
	email = model.NormalizeEmail(email)
	if err := validateCredentials(email, password); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.clock.Now()
	user := &model.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: hash,
		RoleID:       model.RoleEmployee,
		Status:       model.StatusPendingEmail,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var rawToken string
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindUserByEmail(ctx, tx, email)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperr.Conflict("email already registered")
		}
		if err := s.repo.CreateUser(ctx, tx, user); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperr.Conflict("email already registered")
			}
			return err
		}
		rawToken, err = s.IssueVerification(ctx, tx, user.ID)
		if err != nil {
			return err
		}
		msg, err := events.NewMessage(events.UserRegistered{
			UserID:     user.ID,
			Email:      user.Email,
			OccurredAt: now,
		}, now)
		if err != nil {
			return err
		}
		return s.repo.CreateOutboxMessage(ctx, tx, msg)
	})
	if err != nil {
		return nil, err
	}

	s.log.Infow("user registered", "user_id", user.ID)
	s.sendVerificationLink(ctx, user.Email, rawToken)
	return user, nil
}

// ResendVerification issues a fresh token for a PendingEmail account. Unknown
// addresses and other statuses return nil so callers cannot probe accounts.
func (s *AccountService) ResendVerification(ctx context.Context, email string) error {
	email = model.NormalizeEmail(email)
	if err := validation.Validate(email, validation.Required, is.Email); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "email: "+err.Error(), err)
	}

	var rawToken string
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := s.repo.FindUserByEmail(ctx, tx, email)
		if err != nil || u == nil {
			return err
		}
		if u.Status != model.StatusPendingEmail {
			s.log.Debugw("verification resend ignored", "user_id", u.ID, "status", u.Status)
			return nil
		}
		rawToken, err = s.IssueVerification(ctx, tx, u.ID)
		return err
	})
	if err != nil {
		return err
	}
	if rawToken != "" {
		s.sendVerificationLink(ctx, email, rawToken)
	}
	return nil
}

// Login checks credentials and issues an access token for Active users.
func (s *AccountService) Login(ctx context.Context, email, password string) (string, *model.User, error) {
	u, err := s.repo.FindUserByEmail(ctx, s.repo.DB(ctx), model.NormalizeEmail(email))
	if err != nil {
		return "", nil, err
	}
	if u == nil {
		return "", nil, errInvalidCredentials
	}
	if err := s.hasher.Compare(u.PasswordHash, password); err != nil {
		return "", nil, errInvalidCredentials
	}
	if u.Status != model.StatusActive {
		return "", nil, apperr.Forbidden(inactiveReason(u.Status))
	}
	token, err := s.tokens.Issue(u, s.clock.Now())
	if err != nil {
		return "", nil, err
	}
	return token, u, nil
}

// GetUser returns not_found for unknown or deleted ids.
func (s *AccountService) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	u, err := s.repo.GetUser(ctx, s.repo.DB(ctx), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("user not found")
	}
	return u, err
}

// Tokens exposes the access token service (transport middleware).
func (s *AccountService) Tokens() *TokenService { return s.tokens }

func (s *AccountService) sendVerificationLink(ctx context.Context, email, rawToken string) {
	if err := s.mail.SendVerificationEmail(ctx, email, s.verificationLink(rawToken)); err != nil {
		s.log.Warnf("send verification email: %v", err)
	}
}

func (s *AccountService) verificationLink(rawToken string) string {
	base := s.verification.LinkBaseURL
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + url.QueryEscape(rawToken)
}

type credentials struct {
	Email    string
	Password string
}

// Validate checks registration input. Length counts runes; bcrypt's limit is
// in bytes, so that bound is checked separately.
func (c credentials) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Email, validation.Required, validation.Length(3, 320), is.Email),
		validation.Field(&c.Password, validation.Required, validation.Length(minPasswordLen, 0),
			validation.By(maxBytes(maxPasswordLen))),
	)
}

func maxBytes(n int) validation.RuleFunc {
	return func(value interface{}) error {
		if s, _ := value.(string); len(s) > n {
			return fmt.Errorf("must be at most %d bytes", n)
		}
		return nil
	}
}

func validateCredentials(email, password string) error {
	if err := (credentials{Email: email, Password: password}).Validate(); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err.Error(), err)
	}
	return nil
}

func inactiveReason(s model.UserStatus) string {
	switch s {
	case model.StatusPendingEmail:
		return "email address not verified"
	case model.StatusPendingApproval:
		return "account awaiting administrator approval"
	case model.StatusDenied:
		return "account request was denied"
	case model.StatusDisabled:
		return "account disabled"
	default:
		return "account not active"
	}
}
