// Package queue holds the contingency queue aggregate: signed documents that
// could not be transmitted live and wait for a background resend.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/fiscal"
)

// EntryStatus is the lifecycle state of a queue entry.
//
// Transitions: PENDING -> SENDING -> {SENT | PENDING (with backoff) | FAILED}.
// SENT never regresses.
type EntryStatus string

const (
	StatusPending EntryStatus = "PENDING"
	StatusSending EntryStatus = "SENDING"
	StatusSent    EntryStatus = "SENT"
	StatusFailed  EntryStatus = "FAILED"
)

// Entry is one queued resend of a signed document.
type Entry struct {
	ID            string
	DocumentID    string
	CompanyID     string
	Environment   fiscal.Environment
	SendMode      fiscal.EmissionMode
	SignedXML     []byte
	Reason        string
	Status        EntryStatus
	AttemptCount  int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Repository defines the persistence contract for the contingency queue.
// All entry mutations must be atomic so two overlapping worker runs cannot
// both pick up the same entry.
type Repository interface {
	// Create persists a new entry.
	Create(ctx context.Context, entry *Entry) error

	// Due returns up to limit PENDING entries whose NextAttemptAt is not in
	// the future, oldest first.
	Due(ctx context.Context, limit int) ([]Entry, error)

	// Claim transitions an entry from PENDING to SENDING. It returns false
	// without error when the entry was already claimed or is no longer
	// PENDING (compare-and-swap semantics).
	Claim(ctx context.Context, id string) (bool, error)

	// MarkSent transitions a SENDING entry to SENT.
	MarkSent(ctx context.Context, id string) error

	// Reschedule returns a SENDING entry to PENDING with the incremented
	// attempt count, the failure message and the next attempt time.
	Reschedule(ctx context.Context, id string, attemptCount int, lastError string, nextAttemptAt time.Time) error

	// MarkFailed parks an entry as FAILED; an operator decision is needed to
	// move it again.
	MarkFailed(ctx context.Context, id string, lastError string) error

	// FindByID retrieves an entry by id. Returns nil if not found.
	FindByID(ctx context.Context, id string) (*Entry, error)
}

// Error wraps a persistence failure while enqueuing or dequeuing. A signed
// document must never be dropped silently, so callers alert on this kind.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("contingency queue %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
