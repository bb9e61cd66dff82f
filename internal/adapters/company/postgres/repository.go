// Package postgres persists issuing companies.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/company"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/fiscal"
)

// Repository implements company.Repository using PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL company repository.
func NewRepository(pool *pgxpool.Pool) company.Repository {
	return &Repository{pool: pool}
}

// FindByID retrieves a company by id. Returns nil if not found.
func (r *Repository) FindByID(ctx context.Context, id string) (*company.Company, error) {
	return r.findBy(ctx, "id = $1", id)
}

// FindByCNPJ retrieves a company by its tax id. Returns nil if not found.
func (r *Repository) FindByCNPJ(ctx context.Context, cnpj string) (*company.Company, error) {
	return r.findBy(ctx, "cnpj = $1", cnpj)
}

func (r *Repository) findBy(ctx context.Context, condition string, arg any) (*company.Company, error) {
	query := `
		SELECT id, cnpj, name, uf_code, environment,
		       certificate_path, certificate_password, created_at, updated_at
		FROM companies
		WHERE ` + condition

	var comp company.Company
	var environment string
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&comp.ID,
		&comp.CNPJ,
		&comp.Name,
		&comp.UFCode,
		&environment,
		&comp.CertificatePath,
		&comp.CertificatePassword,
		&comp.CreatedAt,
		&comp.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query company: %w", err)
	}
	comp.Environment = fiscal.Environment(environment)
	return &comp, nil
}
