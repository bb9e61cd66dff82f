// Package fiscal holds the domain model for electronic fiscal documents
// (NF-e) and the persistence contracts of the emission core.
package fiscal

import (
	"time"

	"github.com/shopspring/decimal"
)

// Environment selects the authority environment a document is sent to (tpAmb).
type Environment string

const (
	EnvironmentProduction   Environment = "1"
	EnvironmentHomologation Environment = "2"
)

// EmissionMode selects which endpoint set a document is submitted through (tpEmis).
type EmissionMode string

const (
	EmissionNormal EmissionMode = "1" // primary authority
	EmissionSVCAN  EmissionMode = "6" // SVC-AN contingency authority
	EmissionSVCRS  EmissionMode = "7" // SVC-RS contingency authority
)

// Status is the lifecycle state of a fiscal document.
type Status string

const (
	StatusBuilt             Status = "BUILT"
	StatusValidated         Status = "VALIDATED"
	StatusSigned            Status = "SIGNED"
	StatusSubmitted         Status = "SUBMITTED"
	StatusAuthorized        Status = "AUTHORIZED"
	StatusRejected          Status = "REJECTED"
	StatusReceiptPending    Status = "RECEIPT_PENDING"
	StatusContingencyQueued Status = "CONTINGENCY_QUEUED"
	StatusCancelled         Status = "CANCELLED"
)

// Address is the postal address of a document party.
type Address struct {
	Street      string
	Number      string
	District    string
	CityCode    string // IBGE municipality code, 7 digits
	CityName    string
	UF          string // state abbreviation (SP, SC, ...)
	ZipCode     string
	CountryCode string
	CountryName string
	Phone       string
}

// Party is the issuer or the recipient of a document. Exactly one of CNPJ or
// CPF identifies the party; the issuer always carries a CNPJ.
type Party struct {
	CNPJ              string
	CPF               string
	Name              string
	StateRegistration string
	TaxRegime         string // CRT, issuer only
	Address           Address
}

// LineItem is one detail row of the document.
type LineItem struct {
	Code        string
	EAN         string
	Description string
	NCM         string
	CFOP        string
	Unit        string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
}

// Total returns the line total: quantity times unit price, two decimals.
func (i LineItem) Total() decimal.Decimal {
	return i.Quantity.Mul(i.UnitPrice).Round(2)
}

// Totals is the aggregated totals block of a document.
type Totals struct {
	ICMSBase decimal.Decimal
	ICMS     decimal.Decimal
	Goods    decimal.Decimal
	Freight  decimal.Decimal
	Discount decimal.Decimal
	PIS      decimal.Decimal
	COFINS   decimal.Decimal
	IPI      decimal.Decimal
	Document decimal.Decimal
}

// Payment is one entry of the payment block (pag/detPag).
type Payment struct {
	Method string // tPag code, 2 digits
	Amount decimal.Decimal
}

// TechResponsible identifies the software vendor technically responsible for
// the emission (infRespTec block).
type TechResponsible struct {
	CNPJ    string
	Contact string
	Email   string
	Phone   string
}

// Document is one logical fiscal document. It is immutable once signed; the
// terminal fields below (Status, Protocol, ...) are the only ones updated
// after that point.
type Document struct {
	ID        string
	CompanyID string

	UFCode       string // IBGE state code of the issuer, 2 digits
	Model        string // 55 = NF-e
	Series       int
	Number       int64
	IssuedAt     time.Time
	Environment  Environment
	EmissionMode EmissionMode
	NumericCode  string // cNF, 8 digits; kept stable across rebuilds
	Operation    string // natOp free text

	Issuer          Party
	Recipient       Party
	Items           []LineItem
	Totals          Totals
	FreightMode     string // modFrete code
	Payments        []Payment
	AdditionalInfo  string
	TechResponsible *TechResponsible
	AuthorizedCNPJs []string // autXML download authorizations

	AccessKey string
	Status    Status

	// Terminal outcome, folded in from the authority's protocol.
	Protocol      string
	StatusCode    int
	StatusMessage string
	SignedXML     []byte
	AuthorizedXML []byte
}

// ProtocolResult is the outcome of one transmission attempt. It is never
// persisted standalone; the orchestrator folds it into the document.
type ProtocolResult struct {
	StatusCode    int
	Message       string
	Protocol      string
	Receipt       string
	AuthorizedXML []byte
	ProcessedAt   time.Time
}

// Authorized reports whether the authority granted an authorization of use.
func (r ProtocolResult) Authorized() bool {
	return r.StatusCode == 100
}
