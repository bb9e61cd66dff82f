// Package contingency resends queued signed documents once the authority is
// reachable again.
package contingency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/adapters/authority"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/audit"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/company"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/fiscal"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/queue"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/signing"
)

// Transport is the subset of authority operations the worker needs.
type Transport interface {
	Authorize(ctx context.Context, mode fiscal.EmissionMode, signedXML []byte) (*authority.AuthorizeResult, error)
	PollReceipt(ctx context.Context, mode fiscal.EmissionMode, receipt string) (*authority.ReceiptResult, error)
}

// TransportFactory builds a Transport for one company, loading its signing
// credential for the mutually authenticated channel.
type TransportFactory func(comp *company.Company) (Transport, error)

// Config tunes the resend behavior.
type Config struct {
	// Interval is the pause between runs of the Run loop.
	Interval time.Duration
	// BatchSize bounds how many entries one run picks up.
	BatchSize int
	// BaseBackoff is the reschedule delay after the first transport
	// failure; it doubles per attempt up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// UnexpectedBackoff is the flat reschedule delay for failures that are
	// neither transport nor certificate errors.
	UnexpectedBackoff time.Duration
	// RejectionBackoff is the flat reschedule delay after the authority
	// refuses a resend. Some refusals clear on their own (service codes,
	// pending related documents), so the entry gets another pass instead
	// of being written off.
	RejectionBackoff time.Duration
	// MaxAttempts parks an entry as FAILED once reached. Zero means
	// unbounded: a signed document is never given up on automatically.
	MaxAttempts int
	// PollInterval and PollAttempts bound the receipt polling after a
	// resend is accepted as a batch.
	PollInterval time.Duration
	PollAttempts int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Minute
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
	if c.UnexpectedBackoff <= 0 {
		c.UnexpectedBackoff = 10 * time.Minute
	}
	if c.RejectionBackoff <= 0 {
		c.RejectionBackoff = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 5
	}
	return c
}

// Worker drains the contingency queue. Entries are processed strictly one at
// a time: documents queued during the same outage share the emission order
// their numbering implies.
type Worker struct {
	queue     queue.Repository
	documents fiscal.Repository
	companies company.Repository
	audit     *audit.Recorder

	newTransport TransportFactory

	cfg Config
	log *slog.Logger
}

// NewWorker wires a Worker.
func NewWorker(
	entries queue.Repository,
	documents fiscal.Repository,
	companies company.Repository,
	recorder *audit.Recorder,
	newTransport TransportFactory,
	cfg Config,
	log *slog.Logger,
) *Worker {
	return &Worker{
		queue:        entries,
		documents:    documents,
		companies:    companies,
		audit:        recorder,
		newTransport: newTransport,
		cfg:          cfg.withDefaults(),
		log:          log,
	}
}

// Run processes due entries on a fixed interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Error("contingency run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce picks up the due entries and processes them sequentially. It
// returns how many entries it attempted.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	due, err := w.queue.Due(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, &queue.Error{Op: "list due entries", Err: err}
	}

	processed := 0
	for i := range due {
		select {
		case <-ctx.Done():
			return processed, ctx.Err()
		default:
		}
		entry := due[i]

		claimed, err := w.queue.Claim(ctx, entry.ID)
		if err != nil {
			return processed, &queue.Error{Op: "claim entry", Err: err}
		}
		if !claimed {
			// Another run got there first.
			continue
		}
		w.processEntry(ctx, &entry)
		processed++
	}
	return processed, nil
}

// processEntry resends one claimed entry and settles its outcome.
func (w *Worker) processEntry(ctx context.Context, entry *queue.Entry) {
	attempt := entry.AttemptCount + 1
	log := w.log.With("entry_id", entry.ID, "document_id", entry.DocumentID, "attempt", attempt)

	comp, err := w.companies.FindByID(ctx, entry.CompanyID)
	if err != nil {
		w.retryOrPark(ctx, entry, attempt, w.cfg.UnexpectedBackoff, fmt.Sprintf("find company: %v", err))
		return
	}
	if comp == nil {
		w.park(ctx, entry, fmt.Sprintf("company %s not found", entry.CompanyID))
		return
	}

	transport, err := w.newTransport(comp)
	if err != nil {
		if _, ok := signing.IsCertificateError(err); ok {
			// No retry cadence fixes a bad credential.
			w.park(ctx, entry, err.Error())
			return
		}
		w.retryOrPark(ctx, entry, attempt, w.cfg.UnexpectedBackoff, err.Error())
		return
	}

	result, err := transport.Authorize(ctx, entry.SendMode, entry.SignedXML)
	if err != nil {
		if rejection, ok := authority.AsRejection(err); ok {
			w.settleRejection(ctx, entry, rejection.StatusCode, rejection.Message)
			return
		}
		backoff := w.cfg.UnexpectedBackoff
		if authority.IsRetryable(err) {
			backoff = w.transportBackoff(attempt)
		}
		w.retryOrPark(ctx, entry, attempt, backoff, err.Error())
		return
	}

	if result.Protocol != nil {
		w.settleProtocol(ctx, entry, result.Protocol)
		return
	}

	log.Info("resend accepted as batch", "receipt", result.Receipt)
	w.pollReceipt(ctx, transport, entry, result.Receipt)
}

// pollReceipt resolves an accepted batch. When the budget runs out the
// document is already at the authority, so the entry is done: the document
// parks as RECEIPT_PENDING and a later status query settles it.
func (w *Worker) pollReceipt(ctx context.Context, transport Transport, entry *queue.Entry, receipt string) {
	for attempt := 1; attempt <= w.cfg.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}

		result, err := transport.PollReceipt(ctx, entry.SendMode, receipt)
		if err != nil {
			if rejection, ok := authority.AsRejection(err); ok {
				w.settleRejection(ctx, entry, rejection.StatusCode, rejection.Message)
				return
			}
			w.log.Warn("receipt poll failed during resend",
				"entry_id", entry.ID, "receipt", receipt, "error", err)
			continue
		}
		if result.Processing {
			continue
		}
		if result.Protocol != nil {
			w.settleProtocol(ctx, entry, result.Protocol)
			return
		}
		w.settleRejection(ctx, entry, result.StatusCode, result.Message)
		return
	}

	if err := w.queue.MarkSent(ctx, entry.ID); err != nil {
		w.log.Error("mark entry sent", "entry_id", entry.ID, "error", err)
		return
	}
	if err := w.documents.UpdateStatus(ctx, entry.DocumentID, fiscal.StatusReceiptPending); err != nil {
		w.log.Error("persist receipt pending", "document_id", entry.DocumentID, "error", err)
	}
	w.record(ctx, entry, "receipt_pending", "resend delivered, awaiting processing",
		map[string]string{"receipt": receipt})
}

// settleProtocol folds the authority's protocol into the document and closes
// the entry.
func (w *Worker) settleProtocol(ctx context.Context, entry *queue.Entry, prot *fiscal.ProtocolResult) {
	if !prot.Authorized() {
		w.settleRejection(ctx, entry, prot.StatusCode, prot.Message)
		return
	}
	if err := w.queue.MarkSent(ctx, entry.ID); err != nil {
		w.log.Error("mark entry sent", "entry_id", entry.ID, "error", err)
		return
	}
	if err := w.documents.UpdateResult(ctx, entry.DocumentID, fiscal.StatusAuthorized,
		prot.StatusCode, prot.Message, prot.Protocol, prot.AuthorizedXML); err != nil {
		w.log.Error("persist authorization", "document_id", entry.DocumentID, "error", err)
	}
	w.record(ctx, entry, "authorized", prot.Message, map[string]string{
		"protocol": prot.Protocol,
		"cStat":    fmt.Sprintf("%d", prot.StatusCode),
	})
	w.log.Info("queued document authorized",
		"entry_id", entry.ID, "document_id", entry.DocumentID, "protocol", prot.Protocol)
}

// settleRejection folds the authority's refusal into the document and
// reschedules the entry with the rejection cadence. Refusals are retried on
// their own flat delay: codes tied to authority state (service outage codes,
// a pending related document) clear without the XML changing, and the
// attempt budget still parks entries that are refused every time.
func (w *Worker) settleRejection(ctx context.Context, entry *queue.Entry, statusCode int, message string) {
	if err := w.documents.UpdateResult(ctx, entry.DocumentID, fiscal.StatusRejected,
		statusCode, message, "", nil); err != nil {
		w.log.Error("persist rejection", "document_id", entry.DocumentID, "error", err)
	}
	w.record(ctx, entry, "rejected", message, map[string]string{"cStat": fmt.Sprintf("%d", statusCode)})
	w.retryOrPark(ctx, entry, entry.AttemptCount+1, w.cfg.RejectionBackoff,
		fmt.Sprintf("rejected with cStat %d: %s", statusCode, message))
}

// retryOrPark reschedules the entry with the given backoff, or parks it when
// the attempt budget is spent.
func (w *Worker) retryOrPark(ctx context.Context, entry *queue.Entry, attempt int, backoff time.Duration, reason string) {
	if w.cfg.MaxAttempts > 0 && attempt >= w.cfg.MaxAttempts {
		w.park(ctx, entry, fmt.Sprintf("attempt budget spent: %s", reason))
		return
	}
	next := time.Now().Add(backoff)
	if err := w.queue.Reschedule(ctx, entry.ID, attempt, reason, next); err != nil {
		w.log.Error("reschedule entry", "entry_id", entry.ID, "error", err)
		return
	}
	w.log.Warn("resend failed, rescheduled",
		"entry_id", entry.ID, "document_id", entry.DocumentID,
		"attempt", attempt, "next_attempt_at", next, "reason", reason)
}

// park marks the entry FAILED; an operator decision is needed from here.
func (w *Worker) park(ctx context.Context, entry *queue.Entry, reason string) {
	if err := w.queue.MarkFailed(ctx, entry.ID, reason); err != nil {
		w.log.Error("mark entry failed", "entry_id", entry.ID, "error", err)
		return
	}
	w.record(ctx, entry, "resend_parked", reason, map[string]string{"entry_id": entry.ID})
	w.log.Error("resend parked for operator review",
		"entry_id", entry.ID, "document_id", entry.DocumentID, "reason", reason)
}

func (w *Worker) transportBackoff(attempt int) time.Duration {
	backoff := w.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	return backoff
}

func (w *Worker) record(ctx context.Context, entry *queue.Entry, action, description string, metadata map[string]string) {
	if _, err := w.audit.Append(ctx, entry.DocumentID, action, description, metadata); err != nil {
		w.log.Error("append audit event", "document_id", entry.DocumentID, "action", action, "error", err)
	}
}
