package emission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/adapters/authority"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/audit"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/company"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/fiscal"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/queue"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/nfe"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/signing"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/testutil"
)

func testCompany() *company.Company {
	return &company.Company{
		ID:          "comp-1",
		CNPJ:        "12345678000199",
		Name:        "S3E ENGENHARIA ELETRICA LTDA",
		UFCode:      "42",
		Environment: fiscal.EnvironmentHomologation,
	}
}

func testDocument() *fiscal.Document {
	return &fiscal.Document{
		CompanyID: "comp-1",
		Model:     "55",
		Series:    1,
		Number:    4582,
		IssuedAt:  time.Date(2025, time.March, 14, 10, 30, 0, 0, time.FixedZone("-03", -3*3600)),
		Operation: "VENDA DE MERCADORIA",
		Issuer: fiscal.Party{
			CNPJ:              "12345678000199",
			Name:              "S3E ENGENHARIA ELETRICA LTDA",
			StateRegistration: "251040880",
			TaxRegime:         "3",
			Address: fiscal.Address{
				Street: "Rua das Palmeiras", Number: "120", District: "Centro",
				CityCode: "4205407", CityName: "Florianopolis", UF: "SC", ZipCode: "88010000",
			},
		},
		Recipient: fiscal.Party{
			CNPJ: "98765432000188",
			Name: "CLIENTE INDUSTRIAL SA",
			Address: fiscal.Address{
				Street: "Av. Industrial", Number: "900", District: "Distrito",
				CityCode: "4205407", CityName: "Florianopolis", UF: "SC", ZipCode: "88030000",
			},
		},
		Items: []fiscal.LineItem{
			{
				Code: "CABO-750", Description: "Cabo flexivel 750V 2,5mm",
				NCM: "85444900", CFOP: "5102", Unit: "M",
				Quantity:  decimal.NewFromInt(100),
				UnitPrice: decimal.RequireFromString("2.35"),
			},
		},
		Payments: []fiscal.Payment{
			{Method: "01", Amount: decimal.RequireFromString("235.00")},
		},
	}
}

type fixture struct {
	orchestrator *Orchestrator
	documents    *testutil.MemoryDocumentRepository
	queue        *testutil.MemoryQueueRepository
	audit        *testutil.MemoryAuditRepository
	transport    *testutil.MockTransport
}

func newFixture(t *testing.T, transport *testutil.MockTransport) *fixture {
	t.Helper()
	documents := testutil.NewMemoryDocumentRepository()
	companies := testutil.NewMemoryCompanyRepository(testCompany())
	queueRepo := testutil.NewMemoryQueueRepository()
	auditRepo := testutil.NewMemoryAuditRepository()
	cred := testutil.NewTestCredential(t, "12345678000199")

	orchestrator := NewOrchestrator(
		documents, companies, queueRepo, audit.NewRecorder(auditRepo),
		nfe.NewBuilder("S3E-TEST"), nfe.NewValidator(""), signing.NewSigner(),
		func(*company.Company) (*signing.Credential, error) { return cred, nil },
		func(*company.Company, *signing.Credential) (Transport, error) { return transport, nil },
		Config{PollInterval: time.Millisecond, PollAttempts: 3},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return &fixture{
		orchestrator: orchestrator,
		documents:    documents,
		queue:        queueRepo,
		audit:        auditRepo,
		transport:    transport,
	}
}

func hasAction(actions []string, want string) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}

func TestEmit_AuthorizedSynchronously(t *testing.T) {
	f := newFixture(t, &testutil.MockTransport{})

	outcome, err := f.orchestrator.Emit(context.Background(), testDocument())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != fiscal.StatusAuthorized {
		t.Fatalf("expected AUTHORIZED, got %s", outcome.Status)
	}
	if outcome.Protocol == "" {
		t.Error("expected a protocol number")
	}
	if len(outcome.AccessKey) != 44 {
		t.Errorf("expected 44-digit access key, got %q", outcome.AccessKey)
	}

	stored, err := f.documents.FindByID(context.Background(), outcome.DocumentID)
	if err != nil || stored == nil {
		t.Fatalf("stored document not found: %v", err)
	}
	if stored.Status != fiscal.StatusAuthorized {
		t.Errorf("stored status: expected AUTHORIZED, got %s", stored.Status)
	}
	if !strings.Contains(string(stored.SignedXML), "<Signature") {
		t.Error("stored XML is not signed")
	}

	actions := f.audit.Actions(outcome.DocumentID)
	for _, want := range []string{"built", "validated", "signed", "submitted", "authorized"} {
		if !hasAction(actions, want) {
			t.Errorf("audit chain missing %q, got %v", want, actions)
		}
	}

	calls := f.transport.Calls()
	if len(calls) < 2 || calls[0].Operation != "health_check" || calls[1].Operation != "authorize" {
		t.Errorf("expected health check before submission, got %v", calls)
	}
	if calls[1].Mode != fiscal.EmissionNormal {
		t.Errorf("expected submission through the primary authority, got mode %s", calls[1].Mode)
	}
}

func TestEmit_ResolvesViaReceiptPolling(t *testing.T) {
	polls := 0
	transport := &testutil.MockTransport{
		AuthorizeFunc: func(context.Context, fiscal.EmissionMode, []byte) (*authority.AuthorizeResult, error) {
			return &authority.AuthorizeResult{BatchStatus: 103, Receipt: "423000001234567"}, nil
		},
		PollReceiptFunc: func(_ context.Context, _ fiscal.EmissionMode, receipt string) (*authority.ReceiptResult, error) {
			polls++
			if polls == 1 {
				return &authority.ReceiptResult{StatusCode: 105, Processing: true}, nil
			}
			return &authority.ReceiptResult{
				StatusCode: 104,
				Protocol: &fiscal.ProtocolResult{
					StatusCode: 100, Message: "Autorizado", Protocol: "342250000000042",
				},
			}, nil
		},
	}
	f := newFixture(t, transport)

	outcome, err := f.orchestrator.Emit(context.Background(), testDocument())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != fiscal.StatusAuthorized {
		t.Fatalf("expected AUTHORIZED, got %s", outcome.Status)
	}
	if polls != 2 {
		t.Errorf("expected 2 polls, got %d", polls)
	}
}

func TestEmit_ExhaustedPollingParksReceiptPending(t *testing.T) {
	transport := &testutil.MockTransport{
		AuthorizeFunc: func(context.Context, fiscal.EmissionMode, []byte) (*authority.AuthorizeResult, error) {
			return &authority.AuthorizeResult{BatchStatus: 103, Receipt: "423000001234567"}, nil
		},
		PollReceiptFunc: func(context.Context, fiscal.EmissionMode, string) (*authority.ReceiptResult, error) {
			return &authority.ReceiptResult{StatusCode: 105, Processing: true}, nil
		},
	}
	f := newFixture(t, transport)

	outcome, err := f.orchestrator.Emit(context.Background(), testDocument())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != fiscal.StatusReceiptPending {
		t.Fatalf("expected RECEIPT_PENDING, got %s", outcome.Status)
	}
	if outcome.Receipt != "423000001234567" {
		t.Errorf("outcome must carry the receipt, got %q", outcome.Receipt)
	}

	// The batch is already at the authority; it must not be resubmitted.
	if entries := f.queue.All(); len(entries) != 0 {
		t.Errorf("expected empty contingency queue, got %d entries", len(entries))
	}
}

func TestEmit_BusinessRejectionIsTerminal(t *testing.T) {
	transport := &testutil.MockTransport{
		AuthorizeFunc: func(context.Context, fiscal.EmissionMode, []byte) (*authority.AuthorizeResult, error) {
			return nil, &authority.AuthorityRejection{
				Operation: "authorize", StatusCode: 539,
				Message: "Rejeicao: Duplicidade de NF-e com diferenca na chave de acesso",
			}
		},
	}
	f := newFixture(t, transport)

	outcome, err := f.orchestrator.Emit(context.Background(), testDocument())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != fiscal.StatusRejected {
		t.Fatalf("expected REJECTED, got %s", outcome.Status)
	}
	if outcome.StatusCode != 539 {
		t.Errorf("expected cStat 539, got %d", outcome.StatusCode)
	}
	if entries := f.queue.All(); len(entries) != 0 {
		t.Error("rejections must never enter the contingency queue")
	}
	for _, call := range f.transport.Calls() {
		if call.Operation == "authorize" && call.Mode != fiscal.EmissionNormal {
			t.Error("rejections must not trigger a contingency retry")
		}
	}
}

func TestEmit_FallsBackToContingencyWhenAuthorityIsDown(t *testing.T) {
	transport := &testutil.MockTransport{
		HealthCheckFunc: func(context.Context, fiscal.EmissionMode) (*authority.ServiceStatus, error) {
			return &authority.ServiceStatus{Online: false, StatusCode: 108}, nil
		},
	}
	f := newFixture(t, transport)

	outcome, err := f.orchestrator.Emit(context.Background(), testDocument())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != fiscal.StatusAuthorized {
		t.Fatalf("expected AUTHORIZED via contingency, got %s", outcome.Status)
	}

	// SC is served by SVRS, so its contingency service is SVC-AN.
	var authorizeModes []fiscal.EmissionMode
	for _, call := range f.transport.Calls() {
		if call.Operation == "authorize" {
			authorizeModes = append(authorizeModes, call.Mode)
		}
	}
	if len(authorizeModes) != 1 || authorizeModes[0] != fiscal.EmissionSVCAN {
		t.Errorf("expected one submission through SVC-AN, got %v", authorizeModes)
	}

	// The rebuilt key carries the contingency emission mode digit.
	if outcome.AccessKey[34] != '6' {
		t.Errorf("access key tpEmis: expected 6, got %c", outcome.AccessKey[34])
	}
	if !hasAction(f.audit.Actions(outcome.DocumentID), "contingency_fallback") {
		t.Error("audit chain missing contingency_fallback")
	}
}

func TestEmit_TransportFailureOnPrimaryRetriesContingency(t *testing.T) {
	transport := &testutil.MockTransport{
		AuthorizeFunc: func(_ context.Context, mode fiscal.EmissionMode, _ []byte) (*authority.AuthorizeResult, error) {
			if mode == fiscal.EmissionNormal {
				return nil, &authority.TransportError{Operation: "authorize", Err: errors.New("connection reset")}
			}
			return &authority.AuthorizeResult{
				BatchStatus: 104,
				Protocol:    &fiscal.ProtocolResult{StatusCode: 100, Message: "Autorizado", Protocol: "342250000000099"},
			}, nil
		},
	}
	f := newFixture(t, transport)

	outcome, err := f.orchestrator.Emit(context.Background(), testDocument())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != fiscal.StatusAuthorized {
		t.Fatalf("expected AUTHORIZED, got %s", outcome.Status)
	}

	var modes []fiscal.EmissionMode
	for _, call := range f.transport.Calls() {
		if call.Operation == "authorize" {
			modes = append(modes, call.Mode)
		}
	}
	if len(modes) != 2 || modes[0] != fiscal.EmissionNormal || modes[1] != fiscal.EmissionSVCAN {
		t.Errorf("expected primary then SVC-AN submission, got %v", modes)
	}
}

func TestEmit_ContingencyFailureQueuesDocument(t *testing.T) {
	transport := &testutil.MockTransport{
		HealthCheckFunc: func(context.Context, fiscal.EmissionMode) (*authority.ServiceStatus, error) {
			return nil, &authority.TransportError{Operation: "health_check", Err: errors.New("connection refused")}
		},
		AuthorizeFunc: func(context.Context, fiscal.EmissionMode, []byte) (*authority.AuthorizeResult, error) {
			return nil, &authority.TransportError{Operation: "authorize", Timeout: true, Err: errors.New("deadline exceeded")}
		},
	}
	f := newFixture(t, transport)

	outcome, err := f.orchestrator.Emit(context.Background(), testDocument())
	if err != nil {
		t.Fatalf("queueing is a successful outcome, got error: %v", err)
	}
	if outcome.Status != fiscal.StatusContingencyQueued {
		t.Fatalf("expected CONTINGENCY_QUEUED, got %s", outcome.Status)
	}

	entries := f.queue.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one queue entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Status != queue.StatusPending {
		t.Errorf("entry status: expected PENDING, got %s", entry.Status)
	}
	if entry.NextAttemptAt.IsZero() || entry.NextAttemptAt.After(time.Now()) {
		t.Errorf("new entry must be due immediately, next attempt at %s", entry.NextAttemptAt)
	}
	if entry.SendMode != fiscal.EmissionSVCAN {
		t.Errorf("entry send mode: expected SVC-AN, got %s", entry.SendMode)
	}
	if !strings.Contains(string(entry.SignedXML), "<Signature") {
		t.Error("queued XML must be the signed contingency envelope")
	}

	stored, _ := f.documents.FindByID(context.Background(), outcome.DocumentID)
	if stored.Status != fiscal.StatusContingencyQueued {
		t.Errorf("stored status: expected CONTINGENCY_QUEUED, got %s", stored.Status)
	}
}

func TestEmit_ValidationFailureRejectsBeforeSigning(t *testing.T) {
	f := newFixture(t, &testutil.MockTransport{})

	// The issuer name goes into the envelope verbatim in every environment,
	// unlike the recipient name, which homologation rules overwrite with a
	// fixed placeholder.
	doc := testDocument()
	doc.Issuer.Name = ""

	_, err := f.orchestrator.Emit(context.Background(), doc)
	var validation *nfe.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, call := range f.transport.Calls() {
		if call.Operation == "authorize" {
			t.Error("invalid document must never be submitted")
		}
	}

	stored, _ := f.documents.FindByID(context.Background(), doc.ID)
	if stored == nil || stored.Status != fiscal.StatusRejected {
		t.Errorf("expected stored document REJECTED, got %+v", stored)
	}
}

func TestEmit_CertificateErrorAborts(t *testing.T) {
	f := newFixture(t, &testutil.MockTransport{})
	certErr := &signing.CertificateError{Kind: signing.CertificateExpired, Path: "cert.pfx"}
	f.orchestrator.loadCredential = func(*company.Company) (*signing.Credential, error) {
		return nil, certErr
	}

	doc := testDocument()
	_, err := f.orchestrator.Emit(context.Background(), doc)
	if _, ok := signing.IsCertificateError(err); !ok {
		t.Fatalf("expected CertificateError, got %v", err)
	}
	if !hasAction(f.audit.Actions(doc.ID), "certificate_error") {
		t.Error("audit chain missing certificate_error")
	}
	for _, call := range f.transport.Calls() {
		if call.Operation == "authorize" {
			t.Error("nothing must be submitted without a credential")
		}
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, &testutil.MockTransport{})

	outcome, err := f.orchestrator.Emit(context.Background(), testDocument())
	if err != nil || outcome.Status != fiscal.StatusAuthorized {
		t.Fatalf("setup emission failed: %v (%+v)", err, outcome)
	}

	cancelled, err := f.orchestrator.Cancel(context.Background(), outcome.AccessKey,
		"cancelamento solicitado pelo cliente final")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelled.Status != fiscal.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}

	stored, _ := f.documents.FindByAccessKey(context.Background(), outcome.AccessKey)
	if stored.Status != fiscal.StatusCancelled {
		t.Errorf("stored status: expected CANCELLED, got %s", stored.Status)
	}
	if !hasAction(f.audit.Actions(outcome.DocumentID), "cancelled") {
		t.Error("audit chain missing cancelled")
	}
}

func TestCancel_RequiresAuthorizedDocument(t *testing.T) {
	transport := &testutil.MockTransport{
		AuthorizeFunc: func(context.Context, fiscal.EmissionMode, []byte) (*authority.AuthorizeResult, error) {
			return nil, &authority.AuthorityRejection{Operation: "authorize", StatusCode: 225, Message: "Rejeicao"}
		},
	}
	f := newFixture(t, transport)

	outcome, err := f.orchestrator.Emit(context.Background(), testDocument())
	if err != nil || outcome.Status != fiscal.StatusRejected {
		t.Fatalf("setup emission failed: %v (%+v)", err, outcome)
	}

	_, err = f.orchestrator.Cancel(context.Background(), outcome.AccessKey, "cancelamento solicitado pelo cliente")
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized cancelling a rejected document, got %v", err)
	}
}

func TestCancel_UnknownDocument(t *testing.T) {
	f := newFixture(t, &testutil.MockTransport{})

	_, err := f.orchestrator.Cancel(context.Background(), strings.Repeat("9", 44),
		"cancelamento solicitado pelo cliente")
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestEmit_UnknownCompany(t *testing.T) {
	f := newFixture(t, &testutil.MockTransport{})

	doc := testDocument()
	doc.CompanyID = "comp-unknown"
	_, err := f.orchestrator.Emit(context.Background(), doc)
	if !errors.Is(err, ErrCompanyNotFound) {
		t.Errorf("expected ErrCompanyNotFound, got %v", err)
	}
}

func TestRefresh_ResolvesReceiptPendingDocument(t *testing.T) {
	transport := &testutil.MockTransport{
		AuthorizeFunc: func(context.Context, fiscal.EmissionMode, []byte) (*authority.AuthorizeResult, error) {
			return &authority.AuthorizeResult{BatchStatus: 103, Receipt: "423000001234567"}, nil
		},
		PollReceiptFunc: func(context.Context, fiscal.EmissionMode, string) (*authority.ReceiptResult, error) {
			return &authority.ReceiptResult{StatusCode: 105, Processing: true}, nil
		},
	}
	f := newFixture(t, transport)

	outcome, err := f.orchestrator.Emit(context.Background(), testDocument())
	if err != nil || outcome.Status != fiscal.StatusReceiptPending {
		t.Fatalf("setup emission failed: %v (%+v)", err, outcome)
	}

	f.transport.QueryStatusFunc = func(context.Context, string) (*authority.QueryResult, error) {
		return &authority.QueryResult{
			StatusCode: 100,
			Message:    "Autorizado o uso da NF-e",
			Protocol:   &fiscal.ProtocolResult{StatusCode: 100, Message: "Autorizado", Protocol: "342250000000777"},
		}, nil
	}

	refreshed, err := f.orchestrator.Refresh(context.Background(), outcome.AccessKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refreshed.Status != fiscal.StatusAuthorized {
		t.Fatalf("expected AUTHORIZED after refresh, got %s", refreshed.Status)
	}

	stored, _ := f.documents.FindByAccessKey(context.Background(), outcome.AccessKey)
	if stored.Status != fiscal.StatusAuthorized {
		t.Errorf("stored status: expected AUTHORIZED, got %s", stored.Status)
	}
}

func TestContingencyModeForUF(t *testing.T) {
	tests := []struct {
		uf   string
		want fiscal.EmissionMode
	}{
		{"35", fiscal.EmissionSVCRS}, // SP
		{"29", fiscal.EmissionSVCRS}, // BA
		{"42", fiscal.EmissionSVCAN}, // SC (SVRS)
		{"33", fiscal.EmissionSVCAN}, // RJ (SVRS)
	}
	for _, tc := range tests {
		if got := ContingencyModeForUF(tc.uf); got != tc.want {
			t.Errorf("ContingencyModeForUF(%s): expected %s, got %s", tc.uf, tc.want, got)
		}
	}
}
