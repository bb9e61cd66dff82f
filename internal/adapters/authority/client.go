package authority

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/beevik/etree"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/fiscal"
	infrahttp "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/infrastructure/http"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/nfe"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/signing"
)

// Batch and protocol status codes with structural meaning for the client.
// Everything else is surfaced verbatim to the caller.
const (
	cStatBatchReceived   = 103
	cStatBatchProcessed  = 104
	cStatBatchProcessing = 105
	cStatAuthorized      = 100
	cStatServiceOK       = 107
	cStatEventBatchOK    = 128
)

// HTTPClient is the transport dependency; tests substitute it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the SOAP client for one issuing company. It is bound to the
// company's client certificate (mutual TLS) and an environment's endpoint
// sets; one call per operation, no shared mutable state.
type Client struct {
	cfg        Config
	httpClient HTTPClient
	log        *slog.Logger
}

// NewClient builds a Client whose HTTP transport presents cred as the TLS
// client certificate.
func NewClient(cfg Config, cred *signing.Credential, log *slog.Logger) (*Client, error) {
	if cred == nil {
		return nil, fmt.Errorf("authority: credential is required")
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cred.TLSCertificate()},
			MinVersion:   tls.VersionTLS12,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 15 * time.Second,
	}
	httpClient := infrahttp.NewClient(&infrahttp.ClientConfig{
		Timeout:   cfg.Timeout,
		Transport: transport,
	})
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		log:        log,
	}, nil
}

// NewClientWithHTTPClient builds a Client over a caller-supplied transport.
func NewClientWithHTTPClient(cfg Config, httpClient HTTPClient, log *slog.Logger) *Client {
	return &Client{cfg: cfg, httpClient: httpClient, log: log}
}

/// AuthorizeResult is the outcome of a batch submission: either an immediate
// protocol (synchronous processing) or a receipt number to poll.
type AuthorizeResult struct {
	BatchStatus  int
	BatchMessage string
	Receipt      string
	Protocol     *fiscal.ProtocolResult
}

// Authorize submits one signed document as a batch through the endpoint set
// of the given send mode.
func (c *Client) Authorize(ctx context.Context, mode fiscal.EmissionMode, signedXML []byte) (*AuthorizeResult, error) {
	const op = "authorize"
	eps, err := c.cfg.endpoints(mode)
	if err != nil {
		return nil, &TransportError{Operation: op, Err: err}
	}

	document := etree.NewDocument()
	if err := document.ReadFromBytes(signedXML); err != nil {
		return nil, &TransportError{Operation: op, Endpoint: eps.Authorization,
			Err: fmt.Errorf("signed document is not well-formed: %w", err)}
	}

	payload := etree.NewElement("enviNFe")
	payload.CreateAttr("xmlns", nfe.Namespace)
	payload.CreateAttr("versao", nfe.SchemaVersion)
	payload.CreateElement("idLote").SetText(fmt.Sprintf("%d", time.Now().UnixNano()%1000000000000000))
	payload.CreateElement("indSinc").SetText("0")
	payload.AddChild(document.Root())

	resp, err := c.call(ctx, op, eps.Authorization, nsAuthorization, payload)
	if err != nil {
		return nil, err
	}
	result, err := c.findResult(op, eps.Authorization, resp, "retEnviNFe")
	if err != nil {
		return nil, err
	}

	cStat := childInt(result, "cStat")
	message := childText(result, "xMotivo")
	c.log.Debug("authorize response", "cStat", cStat, "message", message, "mode", string(mode))

	switch cStat {
	case cStatBatchReceived:
		receipt := ""
		if rec := findByLocalName(result, "infRec"); rec != nil {
			receipt = childText(rec, "nRec")
		}
		return &AuthorizeResult{BatchStatus: cStat, BatchMessage: message, Receipt: receipt}, nil
	case cStatBatchProcessed:
		return &AuthorizeResult{
			BatchStatus:  cStat,
			BatchMessage: message,
			Protocol:     parseProtocol(result),
		}, nil
	default:
		return nil, &AuthorityRejection{Operation: op, StatusCode: cStat, Message: message}
	}
}

// ReceiptResult is the outcome of one receipt poll.
type ReceiptResult struct {
	StatusCode int
	Message    string
	Processing bool
	Protocol   *fiscal.ProtocolResult
}

// PollReceipt queries the processing result of a previously submitted batch.
// A "still processing" status is reported via Processing, not as an error.
func (c *Client) PollReceipt(ctx context.Context, mode fiscal.EmissionMode, receipt string) (*ReceiptResult, error) {
	const op = "poll_receipt"
	eps, err := c.cfg.endpoints(mode)
	if err != nil {
		return nil, &TransportError{Operation: op, Err: err}
	}

	payload := etree.NewElement("consReciNFe")
	payload.CreateAttr("xmlns", nfe.Namespace)
	payload.CreateAttr("versao", nfe.SchemaVersion)
	payload.CreateElement("tpAmb").SetText(string(c.cfg.Environment))
	payload.CreateElement("nRec").SetText(receipt)

	resp, err := c.call(ctx, op, eps.ReceiptQuery, nsReceiptQuery, payload)
	if err != nil {
		return nil, err
	}
	result, err := c.findResult(op, eps.ReceiptQuery, resp, "retConsReciNFe")
	if err != nil {
		return nil, err
	}

	cStat := childInt(result, "cStat")
	message := childText(result, "xMotivo")
	out := &ReceiptResult{StatusCode: cStat, Message: message}

	switch cStat {
	case cStatBatchProcessing:
		out.Processing = true
	case cStatBatchProcessed:
		out.Protocol = parseProtocol(result)
	default:
		return nil, &AuthorityRejection{Operation: op, StatusCode: cStat, Message: message}
	}
	return out, nil
}

// QueryResult is the current situation of a document at the authority.
type QueryResult struct {
	StatusCode int
	Message    string
	Protocol   *fiscal.ProtocolResult
}

// QueryStatus looks up the situation of a document by access key.
func (c *Client) QueryStatus(ctx context.Context, accessKey string) (*QueryResult, error) {
	const op = "query_status"
	eps, err := c.cfg.endpoints(fiscal.EmissionNormal)
	if err != nil {
		return nil, &TransportError{Operation: op, Err: err}
	}

	payload := etree.NewElement("consSitNFe")
	payload.CreateAttr("xmlns", nfe.Namespace)
	payload.CreateAttr("versao", nfe.SchemaVersion)
	payload.CreateElement("tpAmb").SetText(string(c.cfg.Environment))
	payload.CreateElement("xServ").SetText("CONSULTAR")
	payload.CreateElement("chNFe").SetText(accessKey)

	resp, err := c.call(ctx, op, eps.ProtocolQuery, nsProtocolQuery, payload)
	if err != nil {
		return nil, err
	}
	result, err := c.findResult(op, eps.ProtocolQuery, resp, "retConsSitNFe")
	if err != nil {
		return nil, err
	}

	return &QueryResult{
		StatusCode: childInt(result, "cStat"),
		Message:    childText(result, "xMotivo"),
		Protocol:   parseProtocol(result),
	}, nil
}

// ServiceStatus is the authority's self-reported availability.
type ServiceStatus struct {
	Online      bool
	StatusCode  int
	Message     string
	AverageTime string
}

// HealthCheck asks the endpoint set of mode whether it is accepting
// submissions. It runs before a primary-mode submission to avoid a doomed
// round trip.
func (c *Client) HealthCheck(ctx context.Context, mode fiscal.EmissionMode) (*ServiceStatus, error) {
	const op = "health_check"
	eps, err := c.cfg.endpoints(mode)
	if err != nil {
		return nil, &TransportError{Operation: op, Err: err}
	}

	payload := etree.NewElement("consStatServ")
	payload.CreateAttr("xmlns", nfe.Namespace)
	payload.CreateAttr("versao", nfe.SchemaVersion)
	payload.CreateElement("tpAmb").SetText(string(c.cfg.Environment))
	payload.CreateElement("cUF").SetText(c.cfg.UFCode)
	payload.CreateElement("xServ").SetText("STATUS")

	resp, err := c.call(ctx, op, eps.StatusService, nsStatusService, payload)
	if err != nil {
		return nil, err
	}
	result, err := c.findResult(op, eps.StatusService, resp, "retConsStatServ")
	if err != nil {
		return nil, err
	}

	cStat := childInt(result, "cStat")
	return &ServiceStatus{
		Online:      cStat == cStatServiceOK,
		StatusCode:  cStat,
		Message:     childText(result, "xMotivo"),
		AverageTime: childText(result, "tMed"),
	}, nil
}

// InvalidationResult is the authority's answer to a number range
// invalidation request.
type InvalidationResult struct {
	StatusCode int
	Message    string
	Protocol   string
}

// InvalidateRange declares a gap in the numbering of a series as unused.
func (c *Client) InvalidateRange(ctx context.Context, series int, numberFrom, numberTo int64, justification string) (*InvalidationResult, error) {
	const op = "invalidate_range"
	if err := validateJustification(justification); err != nil {
		return nil, err
	}
	if numberFrom > numberTo {
		return nil, fmt.Errorf("authority: invalid range: %d > %d", numberFrom, numberTo)
	}
	eps, err := c.cfg.endpoints(fiscal.EmissionNormal)
	if err != nil {
		return nil, &TransportError{Operation: op, Err: err}
	}

	year := time.Now().Format("06")
	id := fmt.Sprintf("ID%s%s%s55%03d%09d%09d", c.cfg.UFCode, year, c.cfg.CNPJ, series, numberFrom, numberTo)

	payload := etree.NewElement("inutNFe")
	payload.CreateAttr("xmlns", nfe.Namespace)
	payload.CreateAttr("versao", nfe.SchemaVersion)
	inf := payload.CreateElement("infInut")
	inf.CreateAttr("Id", id)
	inf.CreateElement("tpAmb").SetText(string(c.cfg.Environment))
	inf.CreateElement("xServ").SetText("INUTILIZAR")
	inf.CreateElement("cUF").SetText(c.cfg.UFCode)
	inf.CreateElement("ano").SetText(year)
	inf.CreateElement("CNPJ").SetText(c.cfg.CNPJ)
	inf.CreateElement("mod").SetText("55")
	inf.CreateElement("serie").SetText(fmt.Sprintf("%d", series))
	inf.CreateElement("nNFIni").SetText(fmt.Sprintf("%d", numberFrom))
	inf.CreateElement("nNFFin").SetText(fmt.Sprintf("%d", numberTo))
	inf.CreateElement("xJust").SetText(justification)

	resp, err := c.call(ctx, op, eps.Invalidation, nsInvalidation, payload)
	if err != nil {
		return nil, err
	}
	result, err := c.findResult(op, eps.Invalidation, resp, "retInutNFe")
	if err != nil {
		return nil, err
	}

	infRet := findByLocalName(result, "infInut")
	if infRet == nil {
		infRet = result
	}
	return &InvalidationResult{
		StatusCode: childInt(infRet, "cStat"),
		Message:    childText(infRet, "xMotivo"),
		Protocol:   childText(infRet, "nProt"),
	}, nil
}

// parseProtocol extracts the protNFe/infProt block into a typed result.
// Returns nil when the response carries no protocol.
func parseProtocol(result *etree.Element) *fiscal.ProtocolResult {
	infProt := findByLocalName(result, "infProt")
	if infProt == nil {
		return nil
	}
	out := &fiscal.ProtocolResult{
		StatusCode: childInt(infProt, "cStat"),
		Message:    childText(infProt, "xMotivo"),
		Protocol:   childText(infProt, "nProt"),
	}
	if raw := childText(infProt, "dhRecbto"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			out.ProcessedAt = ts
		}
	}
	if prot := findByLocalName(result, "protNFe"); prot != nil {
		protDoc := etree.NewDocument()
		protDoc.SetRoot(prot.Copy())
		if raw, err := protDoc.WriteToBytes(); err == nil {
			out.AuthorizedXML = raw
		}
	}
	return out
}
