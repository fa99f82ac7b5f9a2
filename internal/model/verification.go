package model

import (
	"time"

	"github.com/google/uuid"
)

// EmailVerification is one issued verification token. Only the hash is stored.
type EmailVerification struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index"`
	TokenHash string    `gorm:"size:64;not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null"`
	Used      bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null"`
}

func (EmailVerification) TableName() string { return "email_verifications" }

// Actionable reports whether the token can still be redeemed at now.
func (v *EmailVerification) Actionable(now time.Time) bool {
	return !v.Used && v.ExpiresAt.After(now)
}

// Employee is the pre-approved staff record. Read-only for this service.
type Employee struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	CompanyEmail string    `gorm:"size:320;not null;uniqueIndex"`
	FirstName    string    `gorm:"size:128"`
	LastName     string    `gorm:"size:128"`
}

func (Employee) TableName() string { return "employees" }
