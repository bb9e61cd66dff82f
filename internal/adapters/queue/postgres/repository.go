// Package postgres persists the contingency queue. The Claim
// compare-and-swap is a conditional UPDATE, so two overlapping worker runs
// can never both take the same entry.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/fiscal"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/queue"
)

// Repository implements queue.Repository using PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL queue repository.
func NewRepository(pool *pgxpool.Pool) queue.Repository {
	return &Repository{pool: pool}
}

// Create persists a new entry.
func (r *Repository) Create(ctx context.Context, entry *queue.Entry) error {
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	query := `
		INSERT INTO contingency_queue (
			id, document_id, company_id, environment, send_mode, signed_xml,
			reason, status, attempt_count, last_error, next_attempt_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.pool.Exec(ctx, query,
		entry.ID,
		entry.DocumentID,
		entry.CompanyID,
		string(entry.Environment),
		string(entry.SendMode),
		entry.SignedXML,
		entry.Reason,
		string(entry.Status),
		entry.AttemptCount,
		entry.LastError,
		entry.NextAttemptAt,
		entry.CreatedAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

// Due returns up to limit PENDING entries whose next attempt time has
// passed, oldest first.
func (r *Repository) Due(ctx context.Context, limit int) ([]queue.Entry, error) {
	query := `
		SELECT id, document_id, company_id, environment, send_mode, signed_xml,
		       reason, status, attempt_count, last_error, next_attempt_at,
		       created_at, updated_at
		FROM contingency_queue
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY created_at ASC
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, string(queue.StatusPending), time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due entries: %w", err)
	}
	defer rows.Close()

	var entries []queue.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}

// Claim transitions an entry from PENDING to SENDING. Returns false without
// error when the entry is no longer PENDING.
func (r *Repository) Claim(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE contingency_queue
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`
	tag, err := r.pool.Exec(ctx, query, id,
		string(queue.StatusSending), time.Now(), string(queue.StatusPending))
	if err != nil {
		return false, fmt.Errorf("claim queue entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSent transitions a SENDING entry to SENT.
func (r *Repository) MarkSent(ctx context.Context, id string) error {
	query := `
		UPDATE contingency_queue
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`
	tag, err := r.pool.Exec(ctx, query, id,
		string(queue.StatusSent), time.Now(), string(queue.StatusSending))
	if err != nil {
		return fmt.Errorf("mark entry sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry %s is not being sent", id)
	}
	return nil
}

// Reschedule returns a SENDING entry to PENDING with the incremented attempt
// count, the failure message and the next attempt time.
func (r *Repository) Reschedule(ctx context.Context, id string, attemptCount int, lastError string, nextAttemptAt time.Time) error {
	query := `
		UPDATE contingency_queue
		SET status = $2, attempt_count = $3, last_error = $4,
		    next_attempt_at = $5, updated_at = $6
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id,
		string(queue.StatusPending), attemptCount, lastError, nextAttemptAt, time.Now())
	if err != nil {
		return fmt.Errorf("reschedule entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry %s not found", id)
	}
	return nil
}

// MarkFailed parks an entry as FAILED. A delivered entry stays SENT; that
// transition is one-way.
func (r *Repository) MarkFailed(ctx context.Context, id string, lastError string) error {
	query := `
		UPDATE contingency_queue
		SET status = $2, last_error = $3, updated_at = $4
		WHERE id = $1 AND status <> $5
	`
	tag, err := r.pool.Exec(ctx, query, id,
		string(queue.StatusFailed), lastError, time.Now(), string(queue.StatusSent))
	if err != nil {
		return fmt.Errorf("mark entry failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry %s not found or already sent", id)
	}
	return nil
}

// FindByID retrieves an entry by id. Returns nil if not found.
func (r *Repository) FindByID(ctx context.Context, id string) (*queue.Entry, error) {
	query := `
		SELECT id, document_id, company_id, environment, send_mode, signed_xml,
		       reason, status, attempt_count, last_error, next_attempt_at,
		       created_at, updated_at
		FROM contingency_queue
		WHERE id = $1
	`
	entry, err := scanEntry(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query queue entry: %w", err)
	}
	return entry, nil
}

func scanEntry(row pgx.Row) (*queue.Entry, error) {
	var entry queue.Entry
	var environment, sendMode, status string
	err := row.Scan(
		&entry.ID,
		&entry.DocumentID,
		&entry.CompanyID,
		&environment,
		&sendMode,
		&entry.SignedXML,
		&entry.Reason,
		&status,
		&entry.AttemptCount,
		&entry.LastError,
		&entry.NextAttemptAt,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	entry.Environment = fiscal.Environment(environment)
	entry.SendMode = fiscal.EmissionMode(sendMode)
	entry.Status = queue.EntryStatus(status)
	return &entry, nil
}
