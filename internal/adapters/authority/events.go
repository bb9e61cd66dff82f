package authority

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/etree"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/fiscal"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/nfe"
)

// Event type codes registered with the authority.
const (
	eventCancellation = "110111"
	eventCorrection   = "110110"

	eventVersion = "1.00"

	// cOrgao 91 routes recipient manifestation events to the national
	// environment instead of a state authority.
	nationalAuthority = "91"

	minJustificationLen = 15
	maxJustificationLen = 255
	maxCorrectionLen    = 1000
)

// ManifestationType is a recipient manifestation event kind.
type ManifestationType string

const (
	ManifestationConfirmation ManifestationType = "210200" // operation confirmed
	ManifestationAwareness    ManifestationType = "210210" // aware of the operation
	ManifestationUnknown      ManifestationType = "210220" // operation unknown
	ManifestationNotPerformed ManifestationType = "210240" // operation not performed
)

var manifestationDescriptions = map[ManifestationType]string{
	ManifestationConfirmation: "Confirmacao da Operacao",
	ManifestationAwareness:    "Ciencia da Operacao",
	ManifestationUnknown:      "Desconhecimento da Operacao",
	ManifestationNotPerformed: "Operacao nao Realizada",
}

// EventResult is the authority's answer to an event registration.
type EventResult struct {
	StatusCode int
	Message    string
	Protocol   string
}

// Accepted reports whether the authority linked the event to the document.
func (r EventResult) Accepted() bool {
	switch r.StatusCode {
	case 135, 136, 155:
		return true
	}
	return false
}

// Cancel registers a cancellation event for an authorized document. The
// authorization protocol number and a justification of at least 15
// characters are required.
func (c *Client) Cancel(ctx context.Context, accessKey, protocol, justification string) (*EventResult, error) {
	if err := validateJustification(justification); err != nil {
		return nil, err
	}
	if protocol == "" {
		return nil, fmt.Errorf("authority: cancellation requires the authorization protocol")
	}
	det := detEvento("Cancelamento")
	det.CreateElement("nProt").SetText(protocol)
	det.CreateElement("xJust").SetText(justification)
	return c.sendEvent(ctx, "cancel", accessKey, eventCancellation, 1, c.cfg.UFCode, det)
}

// Correct registers a correction letter (CC-e) for a document. sequence
// numbers successive corrections of the same document starting at 1.
func (c *Client) Correct(ctx context.Context, accessKey, correctionText string, sequence int) (*EventResult, error) {
	if len(correctionText) < minJustificationLen || len(correctionText) > maxCorrectionLen {
		return nil, fmt.Errorf("authority: correction text must have between %d and %d characters, got %d",
			minJustificationLen, maxCorrectionLen, len(correctionText))
	}
	if sequence < 1 || sequence > 20 {
		return nil, fmt.Errorf("authority: correction sequence must be between 1 and 20, got %d", sequence)
	}
	det := detEvento("Carta de Correcao")
	det.CreateElement("xCorrecao").SetText(correctionText)
	det.CreateElement("xCondUso").SetText("A Carta de Correcao e disciplinada pelo paragrafo 1o-A do art. 7o do Convenio S/N, de 15 de dezembro de 1970 e pode ser utilizada para regularizacao de erro ocorrido na emissao de documento fiscal, desde que o erro nao esteja relacionado com: I - as variaveis que determinam o valor do imposto tais como: base de calculo, aliquota, diferenca de preco, quantidade, valor da operacao ou da prestacao; II - a correcao de dados cadastrais que implique mudanca do remetente ou do destinatario; III - a data de emissao ou de saida.")
	return c.sendEvent(ctx, "correct", accessKey, eventCorrection, sequence, c.cfg.UFCode, det)
}

// RecipientManifestation registers the recipient's position about a
// document addressed to it. The "operation not performed" kind requires a
// justification; the others forbid one.
func (c *Client) RecipientManifestation(ctx context.Context, accessKey string, eventType ManifestationType, justification string) (*EventResult, error) {
	description, ok := manifestationDescriptions[eventType]
	if !ok {
		return nil, fmt.Errorf("authority: unknown manifestation type %q", eventType)
	}
	if eventType == ManifestationNotPerformed {
		if err := validateJustification(justification); err != nil {
			return nil, err
		}
	} else if justification != "" {
		return nil, fmt.Errorf("authority: manifestation %s does not accept a justification", eventType)
	}

	det := detEvento(description)
	if justification != "" {
		det.CreateElement("xJust").SetText(justification)
	}
	return c.sendEvent(ctx, "recipient_manifestation", accessKey, string(eventType), 1, nationalAuthority, det)
}

// sendEvent wraps one event in the envEvento batch envelope, posts it to
// the event reception service and parses the registration outcome.
func (c *Client) sendEvent(ctx context.Context, op, accessKey, eventType string, sequence int, authorityCode string, det *etree.Element) (*EventResult, error) {
	eps, err := c.cfg.endpoints(fiscal.EmissionNormal)
	if err != nil {
		return nil, &TransportError{Operation: op, Err: err}
	}

	payload := etree.NewElement("envEvento")
	payload.CreateAttr("xmlns", nfe.Namespace)
	payload.CreateAttr("versao", eventVersion)
	payload.CreateElement("idLote").SetText(fmt.Sprintf("%d", time.Now().UnixNano()%1000000000000000))

	evento := payload.CreateElement("evento")
	evento.CreateAttr("versao", eventVersion)
	inf := evento.CreateElement("infEvento")
	inf.CreateAttr("Id", fmt.Sprintf("ID%s%s%02d", eventType, accessKey, sequence))
	inf.CreateElement("cOrgao").SetText(authorityCode)
	inf.CreateElement("tpAmb").SetText(string(c.cfg.Environment))
	inf.CreateElement("CNPJ").SetText(c.cfg.CNPJ)
	inf.CreateElement("chNFe").SetText(accessKey)
	inf.CreateElement("dhEvento").SetText(time.Now().Format("2006-01-02T15:04:05-07:00"))
	inf.CreateElement("tpEvento").SetText(eventType)
	inf.CreateElement("nSeqEvento").SetText(fmt.Sprintf("%d", sequence))
	inf.CreateElement("verEvento").SetText(eventVersion)
	inf.AddChild(det)

	resp, err := c.call(ctx, op, eps.EventReception, nsEventReception, payload)
	if err != nil {
		return nil, err
	}
	result, err := c.findResult(op, eps.EventReception, resp, "retEnvEvento")
	if err != nil {
		return nil, err
	}

	batchStat := childInt(result, "cStat")
	if batchStat != cStatEventBatchOK {
		return nil, &AuthorityRejection{Operation: op, StatusCode: batchStat, Message: childText(result, "xMotivo")}
	}

	infRet := findByLocalName(result, "infEvento")
	if infRet == nil {
		return nil, &TransportError{Operation: op, Endpoint: eps.EventReception,
			Err: fmt.Errorf("event response has no infEvento block")}
	}
	return &EventResult{
		StatusCode: childInt(infRet, "cStat"),
		Message:    childText(infRet, "xMotivo"),
		Protocol:   childText(infRet, "nProt"),
	}, nil
}

func detEvento(description string) *etree.Element {
	det := etree.NewElement("detEvento")
	det.CreateAttr("versao", eventVersion)
	det.CreateElement("descEvento").SetText(description)
	return det
}

func validateJustification(justification string) error {
	if len(justification) < minJustificationLen || len(justification) > maxJustificationLen {
		return fmt.Errorf("authority: justification must have between %d and %d characters, got %d",
			minJustificationLen, maxJustificationLen, len(justification))
	}
	return nil
}
