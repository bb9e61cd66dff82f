package fiscal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/application/emission"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/audit"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/company"
	corefiscal "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/fiscal"
	httperrors "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/infrastructure/http"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/nfe"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/signing"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/testutil"
)

type fixture struct {
	handler   *Handler
	documents *testutil.MemoryDocumentRepository
	transport *testutil.MockTransport
	router    *chi.Mux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	comp := &company.Company{
		ID:          "comp-1",
		CNPJ:        "12345678000199",
		Name:        "EMPRESA TESTE LTDA",
		UFCode:      "42",
		Environment: corefiscal.EnvironmentHomologation,
	}

	documents := testutil.NewMemoryDocumentRepository()
	companies := testutil.NewMemoryCompanyRepository(comp)
	entries := testutil.NewMemoryQueueRepository()
	auditRepo := testutil.NewMemoryAuditRepository()
	transport := &testutil.MockTransport{}

	cred := testutil.NewTestCredential(t, comp.CNPJ)
	orchestrator := emission.NewOrchestrator(
		documents,
		companies,
		entries,
		audit.NewRecorder(auditRepo),
		nfe.NewBuilder("S3E-TEST"),
		nfe.NewValidator(""),
		signing.NewSigner(),
		func(*company.Company) (*signing.Credential, error) { return cred, nil },
		func(*company.Company, *signing.Credential) (emission.Transport, error) { return transport, nil },
		emission.Config{PollInterval: time.Millisecond, PollAttempts: 3},
		testutil.NewNullLogger(),
	)

	handler := NewHandler(orchestrator, documents, auditRepo, testutil.NewNullLogger())

	router := chi.NewRouter()
	router.Post("/api/v1/documents", handler.Emit)
	router.Get("/api/v1/documents/{accessKey}", handler.Get)
	router.Post("/api/v1/documents/{accessKey}/refresh", handler.Refresh)
	router.Post("/api/v1/documents/{accessKey}/cancel", handler.Cancel)
	router.Post("/api/v1/documents/{accessKey}/correct", handler.Correct)
	router.Get("/api/v1/documents/{accessKey}/events", handler.AuditTrail)

	return &fixture{
		handler:   handler,
		documents: documents,
		transport: transport,
		router:    router,
	}
}

func emitBody() string {
	return `{
		"companyId": "comp-1",
		"series": 1,
		"number": 4582,
		"operation": "VENDA DE MERCADORIA",
		"issuer": {
			"cnpj": "12345678000199",
			"name": "EMPRESA TESTE LTDA",
			"stateRegistration": "251040852",
			"taxRegime": "3",
			"address": {
				"street": "RUA DAS ARAUCARIAS", "number": "1200", "district": "CENTRO",
				"cityCode": "4205407", "cityName": "FLORIANOPOLIS", "uf": "SC", "zipCode": "88010000"
			}
		},
		"recipient": {
			"cpf": "12345678909",
			"name": "CLIENTE DA SILVA",
			"address": {
				"street": "AVENIDA BEIRA MAR", "number": "450", "district": "AGRONOMICA",
				"cityCode": "4205407", "cityName": "FLORIANOPOLIS", "uf": "SC", "zipCode": "88025200"
			}
		},
		"items": [
			{"code": "CB-100", "description": "CABO ELETRICO 2.5MM", "ncm": "85444900",
			 "cfop": "5102", "unit": "M", "quantity": "100", "unitPrice": "2.35"}
		],
		"payments": [{"method": "01", "amount": "235.00"}]
	}`
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestEmit_Authorized(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/documents", emitBody())

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var outcome OutcomeResponse
	if err := json.NewDecoder(w.Body).Decode(&outcome); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if outcome.Status != string(corefiscal.StatusAuthorized) {
		t.Errorf("expected AUTHORIZED outcome, got %q", outcome.Status)
	}
	if len(outcome.AccessKey) != 44 {
		t.Errorf("expected 44-digit access key, got %q", outcome.AccessKey)
	}
	if outcome.Protocol == "" {
		t.Error("expected a protocol number")
	}
}

func TestEmit_InvalidJSON(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/documents", "{not json")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestEmit_MissingCompanyID(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/documents", `{"number": 1}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}

	var resp httperrors.ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Errors) != 1 || resp.Errors[0] != "companyId is required" {
		t.Errorf("unexpected errors %v", resp.Errors)
	}
}

func TestEmit_CertificateErrorIsBadGateway(t *testing.T) {
	comp := &company.Company{
		ID: "comp-1", CNPJ: "12345678000199", UFCode: "42",
		Environment: corefiscal.EnvironmentHomologation,
	}
	documents := testutil.NewMemoryDocumentRepository()
	auditRepo := testutil.NewMemoryAuditRepository()
	transport := &testutil.MockTransport{}
	orchestrator := emission.NewOrchestrator(
		documents,
		testutil.NewMemoryCompanyRepository(comp),
		testutil.NewMemoryQueueRepository(),
		audit.NewRecorder(auditRepo),
		nfe.NewBuilder("S3E-TEST"),
		nfe.NewValidator(""),
		signing.NewSigner(),
		func(*company.Company) (*signing.Credential, error) {
			return nil, &signing.CertificateError{Kind: signing.CertificateExpired, Path: "cert.pfx"}
		},
		func(*company.Company, *signing.Credential) (emission.Transport, error) { return transport, nil },
		emission.Config{PollInterval: time.Millisecond, PollAttempts: 3},
		testutil.NewNullLogger(),
	)
	handler := NewHandler(orchestrator, documents, auditRepo, testutil.NewNullLogger())
	router := chi.NewRouter()
	router.Post("/api/v1/documents", handler.Emit)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", strings.NewReader(emitBody()))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d: %s", w.Code, w.Body.String())
	}
}

func TestEmit_UnknownCompanyIsNotFound(t *testing.T) {
	f := newFixture(t)

	body := strings.Replace(emitBody(), `"comp-1"`, `"comp-unknown"`, 1)
	w := f.do(t, http.MethodPost, "/api/v1/documents", body)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}

func TestEmit_ValidationFailureIsUnprocessable(t *testing.T) {
	f := newFixture(t)

	// Blank the issuer name: it reaches the envelope verbatim, while the
	// recipient name is overwritten by the homologation placeholder.
	body := strings.Replace(emitBody(), `"name": "EMPRESA TESTE LTDA",`, `"name": "",`, 1)
	w := f.do(t, http.MethodPost, "/api/v1/documents", body)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGet_ReturnsStoredDocument(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/documents", emitBody())
	if w.Code != http.StatusOK {
		t.Fatalf("emit failed: %d", w.Code)
	}
	var outcome OutcomeResponse
	if err := json.NewDecoder(w.Body).Decode(&outcome); err != nil {
		t.Fatalf("failed to decode emit response: %v", err)
	}

	w = f.do(t, http.MethodGet, "/api/v1/documents/"+outcome.AccessKey, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var doc DocumentResponse
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if doc.AccessKey != outcome.AccessKey {
		t.Errorf("expected access key %q, got %q", outcome.AccessKey, doc.AccessKey)
	}
	if doc.Status != string(corefiscal.StatusAuthorized) {
		t.Errorf("expected AUTHORIZED, got %q", doc.Status)
	}
}

func TestGet_UnknownAccessKey(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/documents/"+strings.Repeat("9", 44), "")

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}

func TestCancel_RequiresJustification(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/documents/"+strings.Repeat("9", 44)+"/cancel", `{"justification": ""}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestCancel_TransitionsDocument(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/documents", emitBody())
	var outcome OutcomeResponse
	if err := json.NewDecoder(w.Body).Decode(&outcome); err != nil {
		t.Fatalf("failed to decode emit response: %v", err)
	}

	w = f.do(t, http.MethodPost, "/api/v1/documents/"+outcome.AccessKey+"/cancel",
		`{"justification": "pedido cancelado pelo cliente antes do envio"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var cancelled OutcomeResponse
	if err := json.NewDecoder(w.Body).Decode(&cancelled); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if cancelled.Status != string(corefiscal.StatusCancelled) {
		t.Errorf("expected CANCELLED, got %q", cancelled.Status)
	}
}

func TestCancel_RejectedDocumentConflicts(t *testing.T) {
	f := newFixture(t)

	f.transport.AuthorizeFunc = testutil.RejectingAuthorize(539, "Duplicidade de NF-e")

	w := f.do(t, http.MethodPost, "/api/v1/documents", emitBody())
	if w.Code != http.StatusOK {
		t.Fatalf("emit should report the rejection as an outcome, got %d", w.Code)
	}
	var outcome OutcomeResponse
	if err := json.NewDecoder(w.Body).Decode(&outcome); err != nil {
		t.Fatalf("failed to decode emit response: %v", err)
	}
	if outcome.Status != string(corefiscal.StatusRejected) {
		t.Fatalf("expected REJECTED outcome, got %q", outcome.Status)
	}

	w = f.do(t, http.MethodPost, "/api/v1/documents/"+outcome.AccessKey+"/cancel",
		`{"justification": "tentativa de cancelar documento rejeitado"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", w.Code)
	}
}

func TestCorrect_RegistersEvent(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/documents", emitBody())
	var outcome OutcomeResponse
	if err := json.NewDecoder(w.Body).Decode(&outcome); err != nil {
		t.Fatalf("failed to decode emit response: %v", err)
	}

	w = f.do(t, http.MethodPost, "/api/v1/documents/"+outcome.AccessKey+"/correct",
		`{"correctionText": "corrige a descricao do item 1 para CABO ELETRICO FLEXIVEL"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var corrected OutcomeResponse
	if err := json.NewDecoder(w.Body).Decode(&corrected); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if corrected.Status != string(corefiscal.StatusAuthorized) {
		t.Errorf("correction must not change document state, got %q", corrected.Status)
	}
}

func TestAuditTrail_ListsVerifiedChain(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/documents", emitBody())
	var outcome OutcomeResponse
	if err := json.NewDecoder(w.Body).Decode(&outcome); err != nil {
		t.Fatalf("failed to decode emit response: %v", err)
	}

	w = f.do(t, http.MethodGet, "/api/v1/documents/"+outcome.AccessKey+"/events", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var trail AuditTrailResponse
	if err := json.NewDecoder(w.Body).Decode(&trail); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if !trail.ChainValid {
		t.Errorf("expected a valid chain, got error %q", trail.ChainError)
	}
	if len(trail.Events) == 0 {
		t.Fatal("expected audit events")
	}
	if trail.Events[0].Action != "built" {
		t.Errorf("expected first event 'built', got %q", trail.Events[0].Action)
	}
	last := trail.Events[len(trail.Events)-1]
	if last.Action != "authorized" {
		t.Errorf("expected last event 'authorized', got %q", last.Action)
	}
	for i, e := range trail.Events {
		if e.Sequence != int64(i+1) {
			t.Errorf("expected sequence %d at position %d, got %d", i+1, i, e.Sequence)
		}
	}
}
