package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrNoScore           = errors.New("no ground-truth score for belief")
	ErrAuthorityMismatch = errors.New("settlement authority does not match factory authority")
	ErrUnconfirmed       = errors.New("ledger submission unconfirmed")
	ErrDuplicate         = errors.New("duplicate record")
)

// ValidationError rejects malformed or out-of-range input before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// CooldownError carries how long the caller has to wait before settling again.
type CooldownError struct {
	Pool      string
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("pool %s in settlement cooldown, %s remaining", e.Pool, e.Remaining.Round(time.Second))
}

// ConservationViolation aborts a redistribution whose deltas do not net to zero.
type ConservationViolation struct {
	BeliefID string
	Epoch    int64
	Sum      int64
	Deltas   map[string]int64
}

func (e *ConservationViolation) Error() string {
	return fmt.Sprintf("redistribution for belief %s epoch %d not zero-sum: net %d over %d agents",
		e.BeliefID, e.Epoch, e.Sum, len(e.Deltas))
}

type NormalizationError struct {
	Sum float64
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("weights sum to %.15f, want 1", e.Sum)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v) || errors.Is(err, ErrNoScore)
}
