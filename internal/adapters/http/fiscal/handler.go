// Package fiscal exposes the document lifecycle over HTTP: emission,
// consultation, cancellation, correction and the audit trail.
package fiscal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/adapters/authority"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/application/emission"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/audit"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/fiscal"
	ctxutil "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/infrastructure/context"
	httperrors "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/infrastructure/http"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/nfe"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/signing"
)

// Handler bridges HTTP traffic with the emission orchestrator.
type Handler struct {
	orchestrator *emission.Orchestrator
	documents    fiscal.Repository
	auditRepo    audit.Repository
	recorder     *audit.Recorder
	log          *slog.Logger
}

// NewHandler creates a new fiscal document HTTP handler.
func NewHandler(orchestrator *emission.Orchestrator, documents fiscal.Repository, auditRepo audit.Repository, log *slog.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		documents:    documents,
		auditRepo:    auditRepo,
		recorder:     audit.NewRecorder(auditRepo),
		log:          log,
	}
}

// AddressPayload is the postal address block of a request party.
type AddressPayload struct {
	Street   string `json:"street"`
	Number   string `json:"number"`
	District string `json:"district"`
	CityCode string `json:"cityCode"`
	CityName string `json:"cityName"`
	UF       string `json:"uf"`
	ZipCode  string `json:"zipCode"`
	Phone    string `json:"phone,omitempty"`
}

// PartyPayload identifies the issuer or the recipient of a document.
type PartyPayload struct {
	CNPJ              string         `json:"cnpj,omitempty"`
	CPF               string         `json:"cpf,omitempty"`
	Name              string         `json:"name"`
	StateRegistration string         `json:"stateRegistration,omitempty"`
	TaxRegime         string         `json:"taxRegime,omitempty"`
	Address           AddressPayload `json:"address"`
}

// ItemPayload is one detail row of an emission request.
type ItemPayload struct {
	Code        string          `json:"code"`
	EAN         string          `json:"ean,omitempty"`
	Description string          `json:"description"`
	NCM         string          `json:"ncm"`
	CFOP        string          `json:"cfop"`
	Unit        string          `json:"unit"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

// PaymentPayload is one entry of the payment block.
type PaymentPayload struct {
	Method string          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
}

// EmitRequest is the request body for emitting a document.
type EmitRequest struct {
	CompanyID       string           `json:"companyId"`
	Series          int              `json:"series"`
	Number          int64            `json:"number"`
	IssuedAt        string           `json:"issuedAt,omitempty"` // RFC 3339; defaults to now
	Operation       string           `json:"operation"`
	Issuer          PartyPayload     `json:"issuer"`
	Recipient       PartyPayload     `json:"recipient"`
	Items           []ItemPayload    `json:"items"`
	Payments        []PaymentPayload `json:"payments"`
	FreightMode     string           `json:"freightMode,omitempty"`
	Freight         decimal.Decimal  `json:"freight,omitempty"`
	Discount        decimal.Decimal  `json:"discount,omitempty"`
	AdditionalInfo  string           `json:"additionalInfo,omitempty"`
	AuthorizedCNPJs []string         `json:"authorizedCnpjs,omitempty"`
}

// OutcomeResponse is the response format for lifecycle operations.
type OutcomeResponse struct {
	DocumentID string `json:"documentId"`
	AccessKey  string `json:"accessKey"`
	Status     string `json:"status"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Protocol   string `json:"protocol,omitempty"`
	Receipt    string `json:"receipt,omitempty"`
}

// DocumentResponse is the consultation view of a stored document.
type DocumentResponse struct {
	ID            string    `json:"id"`
	CompanyID     string    `json:"companyId"`
	AccessKey     string    `json:"accessKey"`
	Series        int       `json:"series"`
	Number        int64     `json:"number"`
	IssuedAt      time.Time `json:"issuedAt"`
	Environment   string    `json:"environment"`
	EmissionMode  string    `json:"emissionMode"`
	Status        string    `json:"status"`
	StatusCode    int       `json:"statusCode,omitempty"`
	StatusMessage string    `json:"statusMessage,omitempty"`
	Protocol      string    `json:"protocol,omitempty"`
}

// Emit handles POST /api/v1/documents requests.
func (h *Handler) Emit(w http.ResponseWriter, r *http.Request) {
	var reqBody EmitRequest
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		httperrors.WriteError(w, http.StatusBadRequest, "Validation Error", []string{"request body is not valid JSON"}, h.log)
		return
	}

	if reqBody.CompanyID == "" {
		httperrors.WriteError(w, http.StatusBadRequest, "Validation Error", []string{"companyId is required"}, h.log)
		return
	}
	if reqBody.Number <= 0 {
		httperrors.WriteError(w, http.StatusBadRequest, "Validation Error", []string{"number must be positive"}, h.log)
		return
	}

	doc, err := toDocument(reqBody)
	if err != nil {
		httperrors.WriteError(w, http.StatusBadRequest, "Validation Error", []string{err.Error()}, h.log)
		return
	}

	outcome, err := h.orchestrator.Emit(r.Context(), doc)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOutcomeResponse(outcome))
}

// Get handles GET /api/v1/documents/{accessKey} requests.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	accessKey := chi.URLParam(r, "accessKey")

	doc, err := h.documents.FindByAccessKey(r.Context(), accessKey)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if doc == nil {
		httperrors.WriteError(w, http.StatusNotFound, "Not Found", []string{"no document with that access key"}, h.log)
		return
	}

	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

// Refresh handles POST /api/v1/documents/{accessKey}/refresh requests. It
// re-queries the authority and folds a definitive protocol into documents
// parked in RECEIPT_PENDING or CONTINGENCY_QUEUED.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	accessKey := chi.URLParam(r, "accessKey")

	outcome, err := h.orchestrator.Refresh(r.Context(), accessKey)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOutcomeResponse(outcome))
}

// CancelRequest is the request body for cancelling a document.
type CancelRequest struct {
	Justification string `json:"justification"`
}

// Cancel handles POST /api/v1/documents/{accessKey}/cancel requests.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	accessKey := chi.URLParam(r, "accessKey")

	var reqBody CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		httperrors.WriteError(w, http.StatusBadRequest, "Validation Error", []string{"request body is not valid JSON"}, h.log)
		return
	}
	if strings.TrimSpace(reqBody.Justification) == "" {
		httperrors.WriteError(w, http.StatusBadRequest, "Validation Error", []string{"justification is required"}, h.log)
		return
	}

	outcome, err := h.orchestrator.Cancel(r.Context(), accessKey, reqBody.Justification)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOutcomeResponse(outcome))
}

// CorrectRequest is the request body for registering a correction letter.
type CorrectRequest struct {
	CorrectionText string `json:"correctionText"`
	Sequence       int    `json:"sequence"`
}

// Correct handles POST /api/v1/documents/{accessKey}/correct requests.
func (h *Handler) Correct(w http.ResponseWriter, r *http.Request) {
	accessKey := chi.URLParam(r, "accessKey")

	var reqBody CorrectRequest
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		httperrors.WriteError(w, http.StatusBadRequest, "Validation Error", []string{"request body is not valid JSON"}, h.log)
		return
	}
	if strings.TrimSpace(reqBody.CorrectionText) == "" {
		httperrors.WriteError(w, http.StatusBadRequest, "Validation Error", []string{"correctionText is required"}, h.log)
		return
	}
	if reqBody.Sequence <= 0 {
		reqBody.Sequence = 1
	}

	outcome, err := h.orchestrator.Correct(r.Context(), accessKey, reqBody.CorrectionText, reqBody.Sequence)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOutcomeResponse(outcome))
}

// AuditEventResponse is one entry of a document's audit trail.
type AuditEventResponse struct {
	Sequence     int64             `json:"sequence"`
	Action       string            `json:"action"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Hash         string            `json:"hash"`
	PreviousHash string            `json:"previousHash,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// AuditTrailResponse is the full verified trail of one document.
type AuditTrailResponse struct {
	DocumentID string               `json:"documentId"`
	AccessKey  string               `json:"accessKey"`
	ChainValid bool                 `json:"chainValid"`
	ChainError string               `json:"chainError,omitempty"`
	Events     []AuditEventResponse `json:"events"`
}

// AuditTrail handles GET /api/v1/documents/{accessKey}/events requests. The
// trail is re-verified against the hash chain on every read.
func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	accessKey := chi.URLParam(r, "accessKey")

	doc, err := h.documents.FindByAccessKey(r.Context(), accessKey)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if doc == nil {
		httperrors.WriteError(w, http.StatusNotFound, "Not Found", []string{"no document with that access key"}, h.log)
		return
	}

	events, err := h.auditRepo.ListByChain(r.Context(), doc.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	response := AuditTrailResponse{
		DocumentID: doc.ID,
		AccessKey:  doc.AccessKey,
		ChainValid: true,
		Events:     make([]AuditEventResponse, 0, len(events)),
	}
	if _, err := h.recorder.Verify(r.Context(), doc.ID); err != nil {
		response.ChainValid = false
		response.ChainError = err.Error()
	}
	for _, e := range events {
		response.Events = append(response.Events, AuditEventResponse{
			Sequence:     e.Sequence,
			Action:       e.Action,
			Description:  e.Description,
			Metadata:     e.Metadata,
			Hash:         e.Hash,
			PreviousHash: e.PreviousHash,
			CreatedAt:    e.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, response)
}

func toDocument(req EmitRequest) (*fiscal.Document, error) {
	doc := &fiscal.Document{
		CompanyID:       req.CompanyID,
		Series:          req.Series,
		Number:          req.Number,
		Operation:       req.Operation,
		Issuer:          toParty(req.Issuer),
		Recipient:       toParty(req.Recipient),
		FreightMode:     req.FreightMode,
		AdditionalInfo:  req.AdditionalInfo,
		AuthorizedCNPJs: req.AuthorizedCNPJs,
	}
	doc.Totals.Freight = req.Freight
	doc.Totals.Discount = req.Discount

	if req.IssuedAt != "" {
		issuedAt, err := time.Parse(time.RFC3339, req.IssuedAt)
		if err != nil {
			return nil, errors.New("issuedAt must be an RFC 3339 timestamp")
		}
		doc.IssuedAt = issuedAt
	}

	for _, item := range req.Items {
		doc.Items = append(doc.Items, fiscal.LineItem{
			Code:        item.Code,
			EAN:         item.EAN,
			Description: item.Description,
			NCM:         item.NCM,
			CFOP:        item.CFOP,
			Unit:        item.Unit,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		})
	}
	for _, payment := range req.Payments {
		doc.Payments = append(doc.Payments, fiscal.Payment{
			Method: payment.Method,
			Amount: payment.Amount,
		})
	}

	return doc, nil
}

func toParty(p PartyPayload) fiscal.Party {
	return fiscal.Party{
		CNPJ:              p.CNPJ,
		CPF:               p.CPF,
		Name:              p.Name,
		StateRegistration: p.StateRegistration,
		TaxRegime:         p.TaxRegime,
		Address: fiscal.Address{
			Street:   p.Address.Street,
			Number:   p.Address.Number,
			District: p.Address.District,
			CityCode: p.Address.CityCode,
			CityName: p.Address.CityName,
			UF:       p.Address.UF,
			ZipCode:  p.Address.ZipCode,
			Phone:    p.Address.Phone,
		},
	}
}

func toOutcomeResponse(outcome *emission.Outcome) OutcomeResponse {
	return OutcomeResponse{
		DocumentID: outcome.DocumentID,
		AccessKey:  outcome.AccessKey,
		Status:     string(outcome.Status),
		StatusCode: outcome.StatusCode,
		Message:    outcome.Message,
		Protocol:   outcome.Protocol,
		Receipt:    outcome.Receipt,
	}
}

func toDocumentResponse(doc *fiscal.Document) DocumentResponse {
	return DocumentResponse{
		ID:            doc.ID,
		CompanyID:     doc.CompanyID,
		AccessKey:     doc.AccessKey,
		Series:        doc.Series,
		Number:        doc.Number,
		IssuedAt:      doc.IssuedAt,
		Environment:   string(doc.Environment),
		EmissionMode:  string(doc.EmissionMode),
		Status:        string(doc.Status),
		StatusCode:    doc.StatusCode,
		StatusMessage: doc.StatusMessage,
		Protocol:      doc.Protocol,
	}
}

// handleError maps domain errors to appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := ctxutil.GetCorrelationID(r.Context())

	var statusCode int
	var validationErr *nfe.ValidationError
	_, isCertErr := signing.IsCertificateError(err)

	switch {
	case errors.As(err, &validationErr):
		statusCode = http.StatusUnprocessableEntity
		httperrors.WriteError(w, statusCode, "Validation Error", validationErr.Errors, nil)
	case isCertErr:
		statusCode = http.StatusBadGateway
		httperrors.WriteError(w, statusCode, "Certificate Error", []string{err.Error()}, nil)
	case errors.Is(err, emission.ErrCompanyNotFound), errors.Is(err, emission.ErrDocumentNotFound):
		statusCode = http.StatusNotFound
		httperrors.WriteError(w, statusCode, "Not Found", []string{err.Error()}, nil)
	case errors.Is(err, emission.ErrNotAuthorized):
		statusCode = http.StatusConflict
		httperrors.WriteError(w, statusCode, "Conflict", []string{err.Error()}, nil)
	case authority.IsRetryable(err):
		statusCode = http.StatusServiceUnavailable
		httperrors.WriteError(w, statusCode, "Authority Unavailable", []string{"the fiscal authority did not respond"}, nil)
	default:
		if rejection, ok := authority.AsRejection(err); ok {
			statusCode = http.StatusUnprocessableEntity
			httperrors.WriteError(w, statusCode, "Authority Rejection", []string{rejection.Message}, nil)
			break
		}
		statusCode = http.StatusInternalServerError
		httperrors.WriteError(w, statusCode, "Internal Server Error", []string{"an internal error has occurred"}, nil)
	}

	logAttrs := []any{
		"error", err,
		"status_code", statusCode,
		"method", r.Method,
		"path", r.URL.Path,
	}
	if correlationID != "" {
		logAttrs = append(logAttrs, "correlation_id", correlationID)
	}

	if statusCode >= 500 {
		h.log.Error("Request failed", logAttrs...)
	} else {
		h.log.Warn("Request failed", logAttrs...)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
