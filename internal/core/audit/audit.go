// Package audit implements the tamper-evident, hash-chained trail of every
// state transition of a fiscal document's lifecycle.
package audit

import (
	"context"
	"time"
)

// Event is one append-only row of an audit chain. ChainID groups all events
// of one document/access key; Sequence is strictly increasing per chain
// starting at 1; PreviousHash of event n equals Hash of event n-1 (empty for
// the first event).
type Event struct {
	ID           int64
	ChainID      string
	Sequence     int64
	Action       string
	Description  string
	Metadata     map[string]string
	Hash         string
	PreviousHash string
	CreatedAt    time.Time
}

// Repository defines the persistence contract for audit events. Rows are
// never updated or deleted.
type Repository interface {
	// Append inserts the event. Implementations must serialize appends per
	// chain so sequence numbers never collide.
	Append(ctx context.Context, event *Event) error

	// Latest returns the highest-sequence event of a chain, or nil when the
	// chain is empty.
	Latest(ctx context.Context, chainID string) (*Event, error)

	// ListByChain returns all events of a chain ordered by sequence.
	ListByChain(ctx context.Context, chainID string) ([]Event, error)
}
