// Package company holds the issuing company aggregate: the certificate
// location and the identification used to sign and transmit documents.
package company

import (
	"context"
	"time"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/fiscal"
)

// Company is one issuing company of the platform.
type Company struct {
	ID                  string
	CNPJ                string
	Name                string
	UFCode              string // IBGE state code, 2 digits
	Environment         fiscal.Environment
	CertificatePath     string // PKCS#12 container on disk
	CertificatePassword string // arrives pre-decrypted from the secret store
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Repository defines the persistence contract for companies.
type Repository interface {
	// FindByID retrieves a company by id. Returns nil if not found.
	FindByID(ctx context.Context, id string) (*Company, error)

	// FindByCNPJ retrieves a company by its tax id. Returns nil if not found.
	FindByCNPJ(ctx context.Context, cnpj string) (*Company, error)
}
