package authority

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/beevik/etree"
)

const soapEnvelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"

// buildSOAPEnvelope wraps the operation payload in a SOAP 1.1 envelope with
// the operation's nfeDadosMsg wrapper.
func buildSOAPEnvelope(serviceNS string, payload *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("soapenv:Envelope")
	env.CreateAttr("xmlns:soapenv", soapEnvelopeNS)
	env.CreateElement("soapenv:Header")
	body := env.CreateElement("soapenv:Body")

	wrapper := body.CreateElement("nfeDadosMsg")
	wrapper.CreateAttr("xmlns", serviceNS)
	wrapper.AddChild(payload)

	return doc.WriteToBytes()
}

// call posts one SOAP request and returns the parsed response document.
// Every network-layer failure comes back as a *TransportError; the caller
// interprets business status codes.
func (c *Client) call(ctx context.Context, operation, endpoint, serviceNS string, payload *etree.Element) (*etree.Document, error) {
	if endpoint == "" {
		return nil, &TransportError{Operation: operation, Endpoint: endpoint,
			Err: errors.New("endpoint not configured")}
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	envelope, err := buildSOAPEnvelope(serviceNS, payload)
	if err != nil {
		return nil, &TransportError{Operation: operation, Endpoint: endpoint,
			Err: fmt.Errorf("build envelope: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(envelope))
	if err != nil {
		return nil, &TransportError{Operation: operation, Endpoint: endpoint,
			Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", serviceNS+"/nfeDadosMsg")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Operation: operation, Endpoint: endpoint,
			Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Operation: operation, Endpoint: endpoint,
			Timeout: isTimeout(err), Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Operation: operation, Endpoint: endpoint,
			Err: fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(string(body), 200))}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, &TransportError{Operation: operation, Endpoint: endpoint,
			Err: fmt.Errorf("malformed response: %w", err)}
	}

	if fault := findByLocalName(doc.Root(), "Fault"); fault != nil {
		reason := childText(fault, "faultstring")
		if reason == "" {
			reason = "unspecified SOAP fault"
		}
		return nil, &TransportError{Operation: operation, Endpoint: endpoint,
			Err: fmt.Errorf("soap fault: %s", reason)}
	}

	return doc, nil
}

// findResult locates the business result element of a response by its local
// name, regardless of namespace prefixes. A response without it is treated
// as a transport failure: the exchange did not complete as documented.
func (c *Client) findResult(operation, endpoint string, doc *etree.Document, localName string) (*etree.Element, error) {
	result := findByLocalName(doc.Root(), localName)
	if result == nil {
		return nil, &TransportError{Operation: operation, Endpoint: endpoint,
			Err: fmt.Errorf("response has no %s element", localName)}
	}
	return result, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// findByLocalName walks the tree for the first element whose tag matches
// localName ignoring any namespace prefix.
func findByLocalName(elem *etree.Element, localName string) *etree.Element {
	if elem == nil {
		return nil
	}
	if localTag(elem.Tag) == localName {
		return elem
	}
	for _, child := range elem.ChildElements() {
		if found := findByLocalName(child, localName); found != nil {
			return found
		}
	}
	return nil
}

func localTag(tag string) string {
	if idx := strings.IndexByte(tag, ':'); idx >= 0 {
		return tag[idx+1:]
	}
	return tag
}

func childText(parent *etree.Element, localName string) string {
	for _, child := range parent.ChildElements() {
		if localTag(child.Tag) == localName {
			return strings.TrimSpace(child.Text())
		}
	}
	return ""
}

func childInt(parent *etree.Element, localName string) int {
	text := childText(parent, localName)
	n := 0
	for i := 0; i < len(text); i++ {
		if text[i] < '0' || text[i] > '9' {
			return 0
		}
		n = n*10 + int(text[i]-'0')
	}
	return n
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
