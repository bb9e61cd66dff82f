// Package emission orchestrates the document lifecycle: build, validate,
// sign, transmit, and fold the authority's answer back into the document.
package emission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/adapters/authority"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/audit"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/company"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/fiscal"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/queue"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/nfe"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/signing"
)

// Lookup and state errors callers match with errors.Is; they are always
// wrapped with the identifier and state involved.
var (
	ErrCompanyNotFound  = errors.New("company not found")
	ErrDocumentNotFound = errors.New("document not found")
	ErrNotAuthorized    = errors.New("document is not authorized")
)

// Transport is the authority operations the orchestrator depends on. The
// SOAP client satisfies it; tests substitute it.
type Transport interface {
	Authorize(ctx context.Context, mode fiscal.EmissionMode, signedXML []byte) (*authority.AuthorizeResult, error)
	PollReceipt(ctx context.Context, mode fiscal.EmissionMode, receipt string) (*authority.ReceiptResult, error)
	QueryStatus(ctx context.Context, accessKey string) (*authority.QueryResult, error)
	HealthCheck(ctx context.Context, mode fiscal.EmissionMode) (*authority.ServiceStatus, error)
	Cancel(ctx context.Context, accessKey, protocol, justification string) (*authority.EventResult, error)
	Correct(ctx context.Context, accessKey, correctionText string, sequence int) (*authority.EventResult, error)
}

// TransportFactory builds a Transport bound to one company's credential.
type TransportFactory func(comp *company.Company, cred *signing.Credential) (Transport, error)

// CredentialLoader loads and checks the signing credential of a company.
type CredentialLoader func(comp *company.Company) (*signing.Credential, error)

// Config tunes the transmission behavior of the orchestrator.
type Config struct {
	// PollInterval is the pause between receipt polls.
	PollInterval time.Duration
	// PollAttempts bounds the receipt polling loop. When the batch is still
	// processing after the last attempt the document parks as
	// RECEIPT_PENDING and a later status query resolves it.
	PollAttempts int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 15
	}
	return c
}

// Orchestrator drives documents through their lifecycle. It owns every
// status transition; adapters never write document state on their own.
type Orchestrator struct {
	documents fiscal.Repository
	companies company.Repository
	queue     queue.Repository
	audit     *audit.Recorder

	builder   *nfe.Builder
	validator *nfe.Validator
	signer    *signing.Signer

	loadCredential CredentialLoader
	newTransport   TransportFactory

	cfg Config
	log *slog.Logger
}

// NewOrchestrator wires an Orchestrator. loadCredential may be nil, in which
// case certificates are loaded from the company's PKCS#12 container on disk.
func NewOrchestrator(
	documents fiscal.Repository,
	companies company.Repository,
	contingency queue.Repository,
	recorder *audit.Recorder,
	builder *nfe.Builder,
	validator *nfe.Validator,
	signer *signing.Signer,
	loadCredential CredentialLoader,
	newTransport TransportFactory,
	cfg Config,
	log *slog.Logger,
) *Orchestrator {
	if loadCredential == nil {
		loadCredential = LoadCompanyCredential
	}
	return &Orchestrator{
		documents:      documents,
		companies:      companies,
		queue:          contingency,
		audit:          recorder,
		builder:        builder,
		validator:      validator,
		signer:         signer,
		loadCredential: loadCredential,
		newTransport:   newTransport,
		cfg:            cfg.withDefaults(),
		log:            log,
	}
}

// LoadCompanyCredential reads the company's PKCS#12 container and checks
// that the certificate is usable and belongs to the company.
func LoadCompanyCredential(comp *company.Company) (*signing.Credential, error) {
	cred, err := signing.LoadPKCS12(comp.CertificatePath, comp.CertificatePassword)
	if err != nil {
		return nil, err
	}
	if err := signing.ValidateCertificate(cred, comp.CNPJ, time.Now()); err != nil {
		return nil, err
	}
	return cred, nil
}

// Outcome is the result of one emission request. A queued or parked document
// is a successful outcome, not an error: the caller learns the state and the
// background machinery finishes the job.
type Outcome struct {
	DocumentID string
	AccessKey  string
	Status     fiscal.Status
	StatusCode int
	Message    string
	Protocol   string
	Receipt    string
}

// Emit runs the full pipeline for one document: build the envelope, validate
// it, sign it, submit it and resolve the authority's answer. On a transport
// failure against the primary authority the document is rebuilt under the
// contingency mode of the company's state and retried there once; a second
// transport failure queues the signed document for background resend.
func (o *Orchestrator) Emit(ctx context.Context, doc *fiscal.Document) (*Outcome, error) {
	comp, err := o.companies.FindByID(ctx, doc.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("emission: find company: %w", err)
	}
	if comp == nil {
		return nil, fmt.Errorf("emission: company %s: %w", doc.CompanyID, ErrCompanyNotFound)
	}

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.UFCode == "" {
		doc.UFCode = comp.UFCode
	}
	if doc.Environment == "" {
		doc.Environment = comp.Environment
	}
	if doc.EmissionMode == "" {
		doc.EmissionMode = fiscal.EmissionNormal
	}
	if doc.IssuedAt.IsZero() {
		doc.IssuedAt = time.Now()
	}

	built, err := o.builder.Build(doc)
	if err != nil {
		return nil, err
	}
	doc.Status = fiscal.StatusBuilt
	if err := o.documents.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("emission: persist document: %w", err)
	}
	o.record(ctx, doc, "built", "envelope assembled", map[string]string{"access_key": built.AccessKey})

	result := o.validator.Validate(built.XML)
	for _, w := range result.Warnings {
		o.log.Warn("validation warning", "document_id", doc.ID, "warning", w)
	}
	if err := result.Err(); err != nil {
		o.setStatus(ctx, doc, fiscal.StatusRejected)
		o.record(ctx, doc, "validation_failed", err.Error(), nil)
		return nil, err
	}
	o.setStatus(ctx, doc, fiscal.StatusValidated)
	o.record(ctx, doc, "validated", "structural validation passed", nil)

	cred, err := o.loadCredential(comp)
	if err != nil {
		o.record(ctx, doc, "certificate_error", err.Error(), nil)
		return nil, err
	}

	signedXML, err := o.signer.Sign(built.XML, cred)
	if err != nil {
		o.record(ctx, doc, "signature_error", err.Error(), nil)
		return nil, err
	}
	doc.SignedXML = signedXML
	if err := o.documents.UpdateSigned(ctx, doc.ID, doc.AccessKey, signedXML); err != nil {
		return nil, fmt.Errorf("emission: persist signed document: %w", err)
	}
	doc.Status = fiscal.StatusSigned
	o.record(ctx, doc, "signed", "envelope signed", map[string]string{"access_key": doc.AccessKey})

	transport, err := o.newTransport(comp, cred)
	if err != nil {
		return nil, fmt.Errorf("emission: build transport: %w", err)
	}

	return o.transmit(ctx, transport, comp, cred, doc, signedXML)
}

// transmit submits the signed document and resolves the outcome, falling
// back to contingency when the primary authority is unreachable.
func (o *Orchestrator) transmit(ctx context.Context, transport Transport, comp *company.Company, cred *signing.Credential, doc *fiscal.Document, signedXML []byte) (*Outcome, error) {
	if doc.EmissionMode == fiscal.EmissionNormal && !o.serviceUp(ctx, transport, doc) {
		return o.fallback(ctx, transport, comp, doc, "authority service unavailable")
	}

	o.setStatus(ctx, doc, fiscal.StatusSubmitted)
	o.record(ctx, doc, "submitted", "batch submitted", map[string]string{"send_mode": string(doc.EmissionMode)})

	result, err := transport.Authorize(ctx, doc.EmissionMode, signedXML)
	if err != nil {
		if rejection, ok := authority.AsRejection(err); ok {
			return o.reject(ctx, doc, rejection.StatusCode, rejection.Message)
		}
		if authority.IsRetryable(err) && doc.EmissionMode == fiscal.EmissionNormal {
			return o.fallback(ctx, transport, comp, doc, err.Error())
		}
		if authority.IsRetryable(err) {
			// Contingency endpoints are down too: keep the signed document.
			return o.enqueue(ctx, doc, err.Error())
		}
		return nil, err
	}

	if result.Protocol != nil {
		return o.resolveProtocol(ctx, doc, result.Protocol)
	}
	return o.pollUntilResolved(ctx, transport, doc, result.Receipt)
}

// serviceUp asks the primary authority whether it accepts submissions. Any
// failure to answer counts as down: a doomed submission round trip is worth
// skipping.
func (o *Orchestrator) serviceUp(ctx context.Context, transport Transport, doc *fiscal.Document) bool {
	status, err := transport.HealthCheck(ctx, doc.EmissionMode)
	if err != nil {
		o.log.Warn("health check failed", "document_id", doc.ID, "error", err)
		return false
	}
	if !status.Online {
		o.log.Warn("authority offline", "document_id", doc.ID,
			"cStat", status.StatusCode, "message", status.Message)
	}
	return status.Online
}

// fallback rebuilds the document under the contingency mode of the company's
// state, re-signs it and retries the submission through the contingency
// endpoints. The numeric code survives the rebuild, so only the emission
// mode component of the access key changes.
func (o *Orchestrator) fallback(ctx context.Context, transport Transport, comp *company.Company, doc *fiscal.Document, reason string) (*Outcome, error) {
	mode := ContingencyModeForUF(doc.UFCode)
	o.record(ctx, doc, "contingency_fallback", reason, map[string]string{"send_mode": string(mode)})

	doc.EmissionMode = mode
	built, err := o.builder.Build(doc)
	if err != nil {
		return nil, err
	}
	if validation := o.validator.Validate(built.XML).Err(); validation != nil {
		return nil, validation
	}

	cred, err := o.loadCredential(comp)
	if err != nil {
		o.record(ctx, doc, "certificate_error", err.Error(), nil)
		return nil, err
	}
	signedXML, err := o.signer.Sign(built.XML, cred)
	if err != nil {
		o.record(ctx, doc, "signature_error", err.Error(), nil)
		return nil, err
	}
	doc.SignedXML = signedXML
	if err := o.documents.UpdateSigned(ctx, doc.ID, doc.AccessKey, signedXML); err != nil {
		return nil, fmt.Errorf("emission: persist contingency document: %w", err)
	}
	o.record(ctx, doc, "signed", "contingency envelope signed", map[string]string{"access_key": doc.AccessKey})

	return o.transmit(ctx, transport, comp, cred, doc, signedXML)
}

// pollUntilResolved polls the receipt until the batch is processed or the
// attempt budget runs out. An exhausted budget parks the document as
// RECEIPT_PENDING; it is already at the authority, so it must not be
// resubmitted through the contingency queue.
func (o *Orchestrator) pollUntilResolved(ctx context.Context, transport Transport, doc *fiscal.Document, receipt string) (*Outcome, error) {
	for attempt := 1; attempt <= o.cfg.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.cfg.PollInterval):
		}

		result, err := transport.PollReceipt(ctx, doc.EmissionMode, receipt)
		if err != nil {
			if rejection, ok := authority.AsRejection(err); ok {
				return o.reject(ctx, doc, rejection.StatusCode, rejection.Message)
			}
			o.log.Warn("receipt poll failed", "document_id", doc.ID,
				"receipt", receipt, "attempt", attempt, "error", err)
			continue
		}
		if result.Processing {
			continue
		}
		if result.Protocol != nil {
			return o.resolveProtocol(ctx, doc, result.Protocol)
		}
		return o.reject(ctx, doc, result.StatusCode, result.Message)
	}

	o.setStatus(ctx, doc, fiscal.StatusReceiptPending)
	o.record(ctx, doc, "receipt_pending", "poll budget exhausted", map[string]string{"receipt": receipt})
	return &Outcome{
		DocumentID: doc.ID,
		AccessKey:  doc.AccessKey,
		Status:     fiscal.StatusReceiptPending,
		Receipt:    receipt,
	}, nil
}

// resolveProtocol folds the authority's protocol into the document.
func (o *Orchestrator) resolveProtocol(ctx context.Context, doc *fiscal.Document, prot *fiscal.ProtocolResult) (*Outcome, error) {
	if !prot.Authorized() {
		return o.reject(ctx, doc, prot.StatusCode, prot.Message)
	}

	if err := o.documents.UpdateResult(ctx, doc.ID, fiscal.StatusAuthorized,
		prot.StatusCode, prot.Message, prot.Protocol, prot.AuthorizedXML); err != nil {
		return nil, fmt.Errorf("emission: persist authorization: %w", err)
	}
	doc.Status = fiscal.StatusAuthorized
	o.record(ctx, doc, "authorized", prot.Message, map[string]string{
		"protocol": prot.Protocol,
		"cStat":    fmt.Sprintf("%d", prot.StatusCode),
	})
	return &Outcome{
		DocumentID: doc.ID,
		AccessKey:  doc.AccessKey,
		Status:     fiscal.StatusAuthorized,
		StatusCode: prot.StatusCode,
		Message:    prot.Message,
		Protocol:   prot.Protocol,
	}, nil
}

// reject records a terminal business rejection. Rejections never go through
// the contingency queue: resending the same document gets the same answer.
func (o *Orchestrator) reject(ctx context.Context, doc *fiscal.Document, statusCode int, message string) (*Outcome, error) {
	if err := o.documents.UpdateResult(ctx, doc.ID, fiscal.StatusRejected,
		statusCode, message, "", nil); err != nil {
		return nil, fmt.Errorf("emission: persist rejection: %w", err)
	}
	doc.Status = fiscal.StatusRejected
	o.record(ctx, doc, "rejected", message, map[string]string{"cStat": fmt.Sprintf("%d", statusCode)})
	return &Outcome{
		DocumentID: doc.ID,
		AccessKey:  doc.AccessKey,
		Status:     fiscal.StatusRejected,
		StatusCode: statusCode,
		Message:    message,
	}, nil
}

// enqueue parks the signed document on the contingency queue for the
// background worker.
func (o *Orchestrator) enqueue(ctx context.Context, doc *fiscal.Document, reason string) (*Outcome, error) {
	entry := &queue.Entry{
		ID:          uuid.NewString(),
		DocumentID:  doc.ID,
		CompanyID:   doc.CompanyID,
		Environment: doc.Environment,
		SendMode:    doc.EmissionMode,
		SignedXML:   doc.SignedXML,
		Reason:      reason,
		Status:      queue.StatusPending,
		// Due immediately: the first resend attempt belongs to the next
		// worker run, not to a backoff window.
		NextAttemptAt: time.Now(),
	}
	if err := o.queue.Create(ctx, entry); err != nil {
		return nil, &queue.Error{Op: "enqueue", Err: err}
	}
	o.setStatus(ctx, doc, fiscal.StatusContingencyQueued)
	o.record(ctx, doc, "contingency_queued", reason, map[string]string{
		"entry_id":  entry.ID,
		"send_mode": string(doc.EmissionMode),
	})
	return &Outcome{
		DocumentID: doc.ID,
		AccessKey:  doc.AccessKey,
		Status:     fiscal.StatusContingencyQueued,
		Message:    reason,
	}, nil
}

// Cancel registers a cancellation event for an authorized document and, when
// the authority accepts it, transitions the document to CANCELLED.
func (o *Orchestrator) Cancel(ctx context.Context, accessKey, justification string) (*Outcome, error) {
	doc, transport, err := o.transportForDocument(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	if doc.Status != fiscal.StatusAuthorized {
		return nil, fmt.Errorf("emission: document %s is %s, only authorized documents can be cancelled: %w",
			accessKey, doc.Status, ErrNotAuthorized)
	}

	result, err := transport.Cancel(ctx, accessKey, doc.Protocol, justification)
	if err != nil {
		return nil, err
	}
	if !result.Accepted() {
		o.record(ctx, doc, "cancellation_refused", result.Message,
			map[string]string{"cStat": fmt.Sprintf("%d", result.StatusCode)})
		return &Outcome{
			DocumentID: doc.ID,
			AccessKey:  doc.AccessKey,
			Status:     doc.Status,
			StatusCode: result.StatusCode,
			Message:    result.Message,
		}, nil
	}

	if err := o.documents.UpdateResult(ctx, doc.ID, fiscal.StatusCancelled,
		result.StatusCode, result.Message, result.Protocol, doc.AuthorizedXML); err != nil {
		return nil, fmt.Errorf("emission: persist cancellation: %w", err)
	}
	doc.Status = fiscal.StatusCancelled
	o.record(ctx, doc, "cancelled", result.Message, map[string]string{
		"protocol": result.Protocol,
		"cStat":    fmt.Sprintf("%d", result.StatusCode),
	})
	return &Outcome{
		DocumentID: doc.ID,
		AccessKey:  doc.AccessKey,
		Status:     fiscal.StatusCancelled,
		StatusCode: result.StatusCode,
		Message:    result.Message,
		Protocol:   result.Protocol,
	}, nil
}

// Correct registers a correction letter for an authorized document. The
// correction does not change the document's state; the event is recorded on
// its audit chain.
func (o *Orchestrator) Correct(ctx context.Context, accessKey, correctionText string, sequence int) (*Outcome, error) {
	doc, transport, err := o.transportForDocument(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	if doc.Status != fiscal.StatusAuthorized {
		return nil, fmt.Errorf("emission: document %s is %s, only authorized documents can be corrected: %w",
			accessKey, doc.Status, ErrNotAuthorized)
	}

	result, err := transport.Correct(ctx, accessKey, correctionText, sequence)
	if err != nil {
		return nil, err
	}
	action := "correction_registered"
	if !result.Accepted() {
		action = "correction_refused"
	}
	o.record(ctx, doc, action, result.Message, map[string]string{
		"cStat":    fmt.Sprintf("%d", result.StatusCode),
		"sequence": fmt.Sprintf("%d", sequence),
	})
	return &Outcome{
		DocumentID: doc.ID,
		AccessKey:  doc.AccessKey,
		Status:     doc.Status,
		StatusCode: result.StatusCode,
		Message:    result.Message,
		Protocol:   result.Protocol,
	}, nil
}

// Refresh queries the authority for the current situation of a document and
// folds an authorization found there into it. It resolves documents parked
// as RECEIPT_PENDING.
func (o *Orchestrator) Refresh(ctx context.Context, accessKey string) (*Outcome, error) {
	doc, transport, err := o.transportForDocument(ctx, accessKey)
	if err != nil {
		return nil, err
	}

	result, err := transport.QueryStatus(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	if result.Protocol != nil && doc.Status != fiscal.StatusAuthorized && doc.Status != fiscal.StatusCancelled {
		return o.resolveProtocol(ctx, doc, result.Protocol)
	}
	return &Outcome{
		DocumentID: doc.ID,
		AccessKey:  doc.AccessKey,
		Status:     doc.Status,
		StatusCode: result.StatusCode,
		Message:    result.Message,
		Protocol:   doc.Protocol,
	}, nil
}

func (o *Orchestrator) transportForDocument(ctx context.Context, accessKey string) (*fiscal.Document, Transport, error) {
	doc, err := o.documents.FindByAccessKey(ctx, accessKey)
	if err != nil {
		return nil, nil, fmt.Errorf("emission: find document: %w", err)
	}
	if doc == nil {
		return nil, nil, fmt.Errorf("emission: document %s: %w", accessKey, ErrDocumentNotFound)
	}
	comp, err := o.companies.FindByID(ctx, doc.CompanyID)
	if err != nil {
		return nil, nil, fmt.Errorf("emission: find company: %w", err)
	}
	if comp == nil {
		return nil, nil, fmt.Errorf("emission: company %s: %w", doc.CompanyID, ErrCompanyNotFound)
	}
	cred, err := o.loadCredential(comp)
	if err != nil {
		return nil, nil, err
	}
	transport, err := o.newTransport(comp, cred)
	if err != nil {
		return nil, nil, fmt.Errorf("emission: build transport: %w", err)
	}
	return doc, transport, nil
}

func (o *Orchestrator) setStatus(ctx context.Context, doc *fiscal.Document, status fiscal.Status) {
	if err := o.documents.UpdateStatus(ctx, doc.ID, status); err != nil {
		o.log.Error("persist status transition", "document_id", doc.ID,
			"status", string(status), "error", err)
		return
	}
	doc.Status = status
}

func (o *Orchestrator) record(ctx context.Context, doc *fiscal.Document, action, description string, metadata map[string]string) {
	if _, err := o.audit.Append(ctx, doc.ID, action, description, metadata); err != nil {
		// The trail must not block the lifecycle; the gap is logged instead.
		o.log.Error("append audit event", "document_id", doc.ID, "action", action, "error", err)
	}
}
