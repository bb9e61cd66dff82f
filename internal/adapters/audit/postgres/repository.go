// Package postgres persists audit chains. Rows are append-only: there is no
// update or delete path, matching the tamper-evidence contract.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/audit"
)

// Repository implements audit.Repository using PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL audit repository.
func NewRepository(pool *pgxpool.Pool) audit.Repository {
	return &Repository{pool: pool}
}

// Append inserts the event. The unique (chain_id, sequence) index is the
// backstop against concurrent appends racing past the recorder's lock.
func (r *Repository) Append(ctx context.Context, event *audit.Event) error {
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}

	query := `
		INSERT INTO audit_events (
			chain_id, sequence, action, description, metadata, hash, previous_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err = r.pool.QueryRow(ctx, query,
		event.ChainID,
		event.Sequence,
		event.Action,
		event.Description,
		metadataJSON,
		event.Hash,
		event.PreviousHash,
		event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Latest returns the highest-sequence event of a chain, or nil when the
// chain is empty.
func (r *Repository) Latest(ctx context.Context, chainID string) (*audit.Event, error) {
	query := `
		SELECT id, chain_id, sequence, action, description, metadata, hash, previous_hash, created_at
		FROM audit_events
		WHERE chain_id = $1
		ORDER BY sequence DESC
		LIMIT 1
	`
	event, err := scanEvent(r.pool.QueryRow(ctx, query, chainID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest audit event: %w", err)
	}
	return event, nil
}

// ListByChain returns all events of a chain ordered by sequence.
func (r *Repository) ListByChain(ctx context.Context, chainID string) ([]audit.Event, error) {
	query := `
		SELECT id, chain_id, sequence, action, description, metadata, hash, previous_hash, created_at
		FROM audit_events
		WHERE chain_id = $1
		ORDER BY sequence ASC
	`
	rows, err := r.pool.Query(ctx, query, chainID)
	if err != nil {
		return nil, fmt.Errorf("query audit chain: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.Row) (*audit.Event, error) {
	var event audit.Event
	var metadataJSON []byte
	err := row.Scan(
		&event.ID,
		&event.ChainID,
		&event.Sequence,
		&event.Action,
		&event.Description,
		&metadataJSON,
		&event.Hash,
		&event.PreviousHash,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal event metadata: %w", err)
		}
	}
	return &event, nil
}
