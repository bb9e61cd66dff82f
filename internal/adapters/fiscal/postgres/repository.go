// Package postgres persists fiscal documents. The business content of a
// document (parties, items, totals) travels as one JSONB payload; the
// lifecycle fields live in dedicated columns so they can be indexed and
// updated without rewriting the payload.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/fiscal"
)

// Repository implements fiscal.Repository using PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL document repository.
func NewRepository(pool *pgxpool.Pool) fiscal.Repository {
	return &Repository{pool: pool}
}

// Create persists a new document.
func (r *Repository) Create(ctx context.Context, doc *fiscal.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document payload: %w", err)
	}

	query := `
		INSERT INTO fiscal_documents (
			id, company_id, access_key, series, number, environment, emission_mode,
			status, status_code, status_message, protocol, payload,
			signed_xml, authorized_xml, created_at, updated_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
	`
	_, err = r.pool.Exec(ctx, query,
		doc.ID,
		doc.CompanyID,
		doc.AccessKey,
		doc.Series,
		doc.Number,
		string(doc.Environment),
		string(doc.EmissionMode),
		string(doc.Status),
		doc.StatusCode,
		doc.StatusMessage,
		doc.Protocol,
		payload,
		doc.SignedXML,
		doc.AuthorizedXML,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// FindByID retrieves a document by its internal id. Returns nil if not found.
func (r *Repository) FindByID(ctx context.Context, id string) (*fiscal.Document, error) {
	return r.findBy(ctx, "id = $1", id)
}

// FindByAccessKey retrieves a document by its access key. Returns nil if not
// found.
func (r *Repository) FindByAccessKey(ctx context.Context, accessKey string) (*fiscal.Document, error) {
	return r.findBy(ctx, "access_key = $1", accessKey)
}

func (r *Repository) findBy(ctx context.Context, condition string, arg any) (*fiscal.Document, error) {
	query := `
		SELECT payload, access_key, emission_mode, status, status_code,
		       status_message, protocol, signed_xml, authorized_xml
		FROM fiscal_documents
		WHERE ` + condition

	var doc fiscal.Document
	var payload []byte
	var accessKey *string
	var emissionMode, status string
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&payload,
		&accessKey,
		&emissionMode,
		&status,
		&doc.StatusCode,
		&doc.StatusMessage,
		&doc.Protocol,
		&doc.SignedXML,
		&doc.AuthorizedXML,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query document: %w", err)
	}

	// The payload is the document as built; the lifecycle columns are the
	// source of truth for everything that changes afterwards.
	statusCode, message, protocol := doc.StatusCode, doc.StatusMessage, doc.Protocol
	signedXML, authorizedXML := doc.SignedXML, doc.AuthorizedXML
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document payload: %w", err)
	}
	doc.StatusCode, doc.StatusMessage, doc.Protocol = statusCode, message, protocol
	doc.SignedXML, doc.AuthorizedXML = signedXML, authorizedXML
	doc.EmissionMode = fiscal.EmissionMode(emissionMode)
	doc.Status = fiscal.Status(status)
	if accessKey != nil {
		doc.AccessKey = *accessKey
	}
	return &doc, nil
}

// UpdateStatus records an intermediate lifecycle transition.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status fiscal.Status) error {
	query := `UPDATE fiscal_documents SET status = $2, updated_at = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, string(status), time.Now())
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s not found", id)
	}
	return nil
}

// UpdateSigned stores the access key and signed XML produced for the
// document. The emission mode column follows the key, so a contingency
// rebuild is visible without decoding the payload.
func (r *Repository) UpdateSigned(ctx context.Context, id, accessKey string, signedXML []byte) error {
	mode := ""
	if len(accessKey) == 44 {
		mode = string(accessKey[34])
	}
	query := `
		UPDATE fiscal_documents
		SET access_key = $2, signed_xml = $3, status = $4,
		    emission_mode = COALESCE(NULLIF($5, ''), emission_mode),
		    updated_at = $6
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, accessKey, signedXML,
		string(fiscal.StatusSigned), mode, time.Now())
	if err != nil {
		return fmt.Errorf("update signed document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s not found", id)
	}
	return nil
}

// UpdateResult folds a terminal protocol outcome into the document.
func (r *Repository) UpdateResult(ctx context.Context, id string, status fiscal.Status, statusCode int, message, protocol string, authorizedXML []byte) error {
	query := `
		UPDATE fiscal_documents
		SET status = $2, status_code = $3, status_message = $4,
		    protocol = $5, authorized_xml = $6, updated_at = $7
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, string(status), statusCode,
		message, protocol, authorizedXML, time.Now())
	if err != nil {
		return fmt.Errorf("update document result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s not found", id)
	}
	return nil
}
