package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Fixed role ids, seeded by EnsureRoles.
const (
	RoleAdministrator uint = 1
	RoleEmployee      uint = 2
)

type Role struct {
	ID   uint   `gorm:"primaryKey;autoIncrement:false"`
	Name string `gorm:"size:64;not null;uniqueIndex"`
}

func (Role) TableName() string { return "roles" }

// Roles lists the seeded role rows.
func Roles() []Role {
	return []Role{
		{ID: RoleAdministrator, Name: "Administrator"},
		{ID: RoleEmployee, Name: "Employee"},
	}
}

// ValidRole reports whether id names a seeded role.
func ValidRole(id uint) bool {
	return id == RoleAdministrator || id == RoleEmployee
}

type User struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Email        string         `gorm:"size:320;not null;uniqueIndex:idx_users_email_live,where:deleted_at IS NULL"`
	PasswordHash string         `gorm:"size:128;not null"`
	RoleID       uint           `gorm:"not null;index"`
	Status       UserStatus     `gorm:"size:32;not null;index"`
	CreatedAt    time.Time      `gorm:"not null"`
	UpdatedAt    time.Time      `gorm:"not null"`
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}

func (User) TableName() string { return "users" }

// IsActiveAdmin reports whether u counts towards the active administrator total.
func (u *User) IsActiveAdmin() bool {
	return u.Status == StatusActive && u.RoleID == RoleAdministrator
}

// NormalizeEmail trims and lower-cases an address for storage and lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
