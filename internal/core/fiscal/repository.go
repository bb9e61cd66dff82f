package fiscal

import "context"

// Repository defines the persistence contract for fiscal documents.
type Repository interface {
	// Create persists a new document.
	Create(ctx context.Context, doc *Document) error

	// FindByID retrieves a document by its internal id. Returns nil if not found.
	FindByID(ctx context.Context, id string) (*Document, error)

	// FindByAccessKey retrieves a document by its 44-digit access key.
	// Returns nil if not found.
	FindByAccessKey(ctx context.Context, accessKey string) (*Document, error)

	// UpdateStatus records an intermediate lifecycle transition.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// UpdateSigned stores the access key and signed XML produced for the document.
	UpdateSigned(ctx context.Context, id, accessKey string, signedXML []byte) error

	// UpdateResult folds a terminal protocol outcome into the document.
	UpdateResult(ctx context.Context, id string, status Status, statusCode int, message, protocol string, authorizedXML []byte) error
}
