package model

import (
	"errors"
	"fmt"
)

// UserStatus is the account lifecycle state.
type UserStatus string

const (
	StatusPendingEmail    UserStatus = "PendingEmail"
	StatusPendingApproval UserStatus = "PendingApproval"
	StatusActive          UserStatus = "Active"
	StatusDenied          UserStatus = "Denied"
	StatusDisabled        UserStatus = "Disabled"
)

var (
	// ErrInvalidTransition is returned when a requested status change is not allowed.
	ErrInvalidTransition = errors.New("invalid user status transition")
	// ErrTerminalState is returned when leaving a status with no outgoing transitions.
	ErrTerminalState = errors.New("user status is terminal")
	// ErrUnknownStatus is returned for strings outside the lifecycle.
	ErrUnknownStatus = errors.New("unknown user status")
)

var transitions = map[UserStatus]map[UserStatus]struct{}{
	StatusPendingEmail: {
		StatusPendingApproval: {},
		StatusActive:          {},
	},
	StatusPendingApproval: {
		StatusActive: {},
		StatusDenied: {},
	},
	StatusActive: {
		StatusDisabled: {},
	},
	StatusDisabled: {
		StatusActive: {},
	},
	StatusDenied: {},
}

// ParseUserStatus validates and converts a raw status.
func ParseUserStatus(raw string) (UserStatus, error) {
	s := UserStatus(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
	return s, nil
}

func (s UserStatus) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

func (s UserStatus) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransitionTo reports whether the lifecycle allows s -> next.
func (s UserStatus) CanTransitionTo(next UserStatus) bool {
	_, ok := transitions[s][next]
	return ok
}

// ValidateTransition returns nil when s -> next is allowed.
func ValidateTransition(from, to UserStatus) error {
	if !from.IsValid() {
		return fmt.Errorf("from: %w: %q", ErrUnknownStatus, from)
	}
	if !to.IsValid() {
		return fmt.Errorf("to: %w: %q", ErrUnknownStatus, to)
	}
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, from)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ActivationTarget is where a verified PendingEmail account goes: straight to
// Active when a matching employee record exists, otherwise to manual approval.
func ActivationTarget(employeeFound bool) UserStatus {
	if employeeFound {
		return StatusActive
	}
	return StatusPendingApproval
}

func (s UserStatus) String() string { return string(s) }
