package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/audit"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/company"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/fiscal"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/queue"
)

// MemoryDocumentRepository is an in-memory fiscal.Repository for testing.
type MemoryDocumentRepository struct {
	mu   sync.Mutex
	docs map[string]*fiscal.Document

	// Optional failure injection per method name.
	FailWith map[string]error
}

func NewMemoryDocumentRepository() *MemoryDocumentRepository {
	return &MemoryDocumentRepository{docs: make(map[string]*fiscal.Document)}
}

func (r *MemoryDocumentRepository) fail(method string) error {
	if r.FailWith == nil {
		return nil
	}
	return r.FailWith[method]
}

func (r *MemoryDocumentRepository) Create(_ context.Context, doc *fiscal.Document) error {
	if err := r.fail("Create"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *doc
	r.docs[doc.ID] = &copied
	return nil
}

func (r *MemoryDocumentRepository) FindByID(_ context.Context, id string) (*fiscal.Document, error) {
	if err := r.fail("FindByID"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, nil
	}
	copied := *doc
	return &copied, nil
}

func (r *MemoryDocumentRepository) FindByAccessKey(_ context.Context, accessKey string) (*fiscal.Document, error) {
	if err := r.fail("FindByAccessKey"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, doc := range r.docs {
		if doc.AccessKey == accessKey {
			copied := *doc
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *MemoryDocumentRepository) UpdateStatus(_ context.Context, id string, status fiscal.Status) error {
	if err := r.fail("UpdateStatus"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc, ok := r.docs[id]; ok {
		doc.Status = status
	}
	return nil
}

func (r *MemoryDocumentRepository) UpdateSigned(_ context.Context, id, accessKey string, signedXML []byte) error {
	if err := r.fail("UpdateSigned"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc, ok := r.docs[id]; ok {
		doc.AccessKey = accessKey
		doc.SignedXML = signedXML
		doc.Status = fiscal.StatusSigned
	}
	return nil
}

func (r *MemoryDocumentRepository) UpdateResult(_ context.Context, id string, status fiscal.Status, statusCode int, message, protocol string, authorizedXML []byte) error {
	if err := r.fail("UpdateResult"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc, ok := r.docs[id]; ok {
		doc.Status = status
		doc.StatusCode = statusCode
		doc.StatusMessage = message
		doc.Protocol = protocol
		doc.AuthorizedXML = authorizedXML
	}
	return nil
}

// MemoryCompanyRepository is an in-memory company.Repository for testing.
type MemoryCompanyRepository struct {
	mu        sync.Mutex
	companies map[string]*company.Company
}

func NewMemoryCompanyRepository(companies ...*company.Company) *MemoryCompanyRepository {
	repo := &MemoryCompanyRepository{companies: make(map[string]*company.Company)}
	for _, comp := range companies {
		repo.companies[comp.ID] = comp
	}
	return repo
}

func (r *MemoryCompanyRepository) FindByID(_ context.Context, id string) (*company.Company, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	comp, ok := r.companies[id]
	if !ok {
		return nil, nil
	}
	copied := *comp
	return &copied, nil
}

func (r *MemoryCompanyRepository) FindByCNPJ(_ context.Context, cnpj string) (*company.Company, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, comp := range r.companies {
		if comp.CNPJ == cnpj {
			copied := *comp
			return &copied, nil
		}
	}
	return nil, nil
}

// MemoryQueueRepository is an in-memory queue.Repository for testing. Claim
// has the same compare-and-swap semantics as the database adapter.
type MemoryQueueRepository struct {
	mu      sync.Mutex
	entries map[string]*queue.Entry

	FailWith map[string]error
}

func NewMemoryQueueRepository() *MemoryQueueRepository {
	return &MemoryQueueRepository{entries: make(map[string]*queue.Entry)}
}

func (r *MemoryQueueRepository) fail(method string) error {
	if r.FailWith == nil {
		return nil
	}
	return r.FailWith[method]
}

func (r *MemoryQueueRepository) Create(_ context.Context, entry *queue.Entry) error {
	if err := r.fail("Create"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *entry
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	copied.UpdatedAt = copied.CreatedAt
	r.entries[entry.ID] = &copied
	return nil
}

func (r *MemoryQueueRepository) Due(_ context.Context, limit int) ([]queue.Entry, error) {
	if err := r.fail("Due"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var due []queue.Entry
	for _, entry := range r.entries {
		if entry.Status == queue.StatusPending && !entry.NextAttemptAt.After(now) {
			due = append(due, *entry)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *MemoryQueueRepository) Claim(_ context.Context, id string) (bool, error) {
	if err := r.fail("Claim"); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok || entry.Status != queue.StatusPending {
		return false, nil
	}
	entry.Status = queue.StatusSending
	entry.UpdatedAt = time.Now()
	return true, nil
}

func (r *MemoryQueueRepository) MarkSent(_ context.Context, id string) error {
	if err := r.fail("MarkSent"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[id]; ok {
		entry.Status = queue.StatusSent
		entry.UpdatedAt = time.Now()
	}
	return nil
}

func (r *MemoryQueueRepository) Reschedule(_ context.Context, id string, attemptCount int, lastError string, nextAttemptAt time.Time) error {
	if err := r.fail("Reschedule"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[id]; ok {
		entry.Status = queue.StatusPending
		entry.AttemptCount = attemptCount
		entry.LastError = lastError
		entry.NextAttemptAt = nextAttemptAt
		entry.UpdatedAt = time.Now()
	}
	return nil
}

func (r *MemoryQueueRepository) MarkFailed(_ context.Context, id string, lastError string) error {
	if err := r.fail("MarkFailed"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// SENT never regresses.
	if entry, ok := r.entries[id]; ok && entry.Status != queue.StatusSent {
		entry.Status = queue.StatusFailed
		entry.LastError = lastError
		entry.UpdatedAt = time.Now()
	}
	return nil
}

func (r *MemoryQueueRepository) FindByID(_ context.Context, id string) (*queue.Entry, error) {
	if err := r.fail("FindByID"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

// All returns every entry, for assertions.
func (r *MemoryQueueRepository) All() []queue.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]queue.Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// MemoryAuditRepository is an in-memory audit.Repository for testing.
type MemoryAuditRepository struct {
	mu     sync.Mutex
	events []audit.Event
	nextID int64
}

func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{}
}

func (r *MemoryAuditRepository) Append(_ context.Context, event *audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	event.ID = r.nextID
	r.events = append(r.events, *event)
	return nil
}

func (r *MemoryAuditRepository) Latest(_ context.Context, chainID string) (*audit.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *audit.Event
	for i := range r.events {
		e := r.events[i]
		if e.ChainID == chainID && (latest == nil || e.Sequence > latest.Sequence) {
			latest = &r.events[i]
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (r *MemoryAuditRepository) ListByChain(_ context.Context, chainID string) ([]audit.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, e := range r.events {
		if e.ChainID == chainID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Actions returns the action names recorded on a chain, in sequence order.
func (r *MemoryAuditRepository) Actions(chainID string) []string {
	events, _ := r.ListByChain(context.Background(), chainID)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}
