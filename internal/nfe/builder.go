// Package nfe assembles and validates the NF-e XML envelope (layout 4.00).
// Building and validating are pure given their inputs; no I/O happens here.
package nfe

import (
	"fmt"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/accesskey"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/fiscal"
)

const (
	// Namespace is the NF-e XML namespace.
	Namespace = "http://www.portalfiscal.inf.br/nfe"

	// SchemaVersion is the document layout supported by this builder.
	SchemaVersion = "4.00"

	// timeLayout is the emission timestamp format required by the layout
	// (UTC offset mandatory, locale independent).
	timeLayout = "2006-01-02T15:04:05-07:00"

	// contingencyJustification is recorded in dhCont/xJust when the document
	// is rebuilt under a contingency emission mode.
	contingencyJustification = "Falha de comunicacao com o ambiente autorizador"
)

// Builder assembles fiscal documents into their XML envelope.
type Builder struct {
	softwareVersion string
}

// NewBuilder creates a Builder. softwareVersion fills the verProc field.
func NewBuilder(softwareVersion string) *Builder {
	if softwareVersion == "" {
		softwareVersion = "S3E-1.0"
	}
	return &Builder{softwareVersion: softwareVersion}
}

// BuildResult carries the assembled envelope and the access key computed
// for it.
type BuildResult struct {
	AccessKey string
	XML       []byte
}

// Build computes the document totals and access key and assembles the XML
// envelope. The document's NumericCode is generated when absent and kept
// stable across rebuilds so a contingency rebuild only changes the emission
// mode component of the key.
func (b *Builder) Build(doc *fiscal.Document) (*BuildResult, error) {
	if doc == nil {
		return nil, fmt.Errorf("nfe: nil document")
	}
	if len(doc.Items) == 0 {
		return nil, fmt.Errorf("nfe: document has no line items")
	}
	if doc.NumericCode == "" {
		code, err := accesskey.NewRandomCode()
		if err != nil {
			return nil, err
		}
		doc.NumericCode = code
	}

	key, err := accesskey.Generate(doc.UFCode, doc.IssuedAt, doc.Issuer.CNPJ, doc.Model,
		doc.Series, doc.Number, string(doc.EmissionMode), doc.NumericCode)
	if err != nil {
		return nil, err
	}
	doc.AccessKey = key
	doc.Totals = computeTotals(doc)

	xml := etree.NewDocument()
	xml.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := xml.CreateElement("NFe")
	root.CreateAttr("xmlns", Namespace)

	inf := root.CreateElement("infNFe")
	inf.CreateAttr("Id", "NFe"+key)
	inf.CreateAttr("versao", SchemaVersion)

	b.buildIdentification(inf, doc, key)
	b.buildIssuer(inf, doc)
	b.buildRecipient(inf, doc)
	for _, cnpj := range doc.AuthorizedCNPJs {
		aut := inf.CreateElement("autXML")
		setText(aut, "CNPJ", cnpj)
	}
	for i, item := range doc.Items {
		b.buildItem(inf, i+1, item)
	}
	b.buildTotals(inf, doc.Totals)
	b.buildTransport(inf, doc)
	b.buildPayments(inf, doc)
	if doc.AdditionalInfo != "" {
		adic := inf.CreateElement("infAdic")
		setText(adic, "infCpl", doc.AdditionalInfo)
	}
	if doc.TechResponsible != nil {
		b.buildTechResponsible(inf, doc.TechResponsible)
	}

	out, err := xml.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("nfe: serialize envelope: %w", err)
	}
	return &BuildResult{AccessKey: key, XML: out}, nil
}

func (b *Builder) buildIdentification(inf *etree.Element, doc *fiscal.Document, key string) {
	parsed, _ := accesskey.Parse(key)

	ide := inf.CreateElement("ide")
	setText(ide, "cUF", doc.UFCode)
	setText(ide, "cNF", doc.NumericCode)
	setText(ide, "natOp", defaultString(doc.Operation, "VENDA"))
	setText(ide, "mod", doc.Model)
	setText(ide, "serie", fmt.Sprintf("%d", doc.Series))
	setText(ide, "nNF", fmt.Sprintf("%d", doc.Number))
	setText(ide, "dhEmi", doc.IssuedAt.Format(timeLayout))
	setText(ide, "tpNF", "1")
	setText(ide, "idDest", destinationScope(doc))
	setText(ide, "cMunFG", doc.Issuer.Address.CityCode)
	setText(ide, "tpImp", "1")
	setText(ide, "tpEmis", string(doc.EmissionMode))
	setText(ide, "cDV", parsed.CheckDigit)
	setText(ide, "tpAmb", string(doc.Environment))
	setText(ide, "finNFe", "1")
	setText(ide, "indFinal", "1")
	setText(ide, "indPres", "9")
	setText(ide, "procEmi", "0")
	setText(ide, "verProc", b.softwareVersion)
	if doc.EmissionMode != fiscal.EmissionNormal {
		setText(ide, "dhCont", doc.IssuedAt.Format(timeLayout))
		setText(ide, "xJust", contingencyJustification)
	}
}

func (b *Builder) buildIssuer(inf *etree.Element, doc *fiscal.Document) {
	emit := inf.CreateElement("emit")
	setText(emit, "CNPJ", doc.Issuer.CNPJ)
	setText(emit, "xNome", doc.Issuer.Name)
	buildAddress(emit, "enderEmit", doc.Issuer.Address)
	setText(emit, "IE", defaultString(doc.Issuer.StateRegistration, "ISENTO"))
	setText(emit, "CRT", defaultString(doc.Issuer.TaxRegime, "3"))
}

func (b *Builder) buildRecipient(inf *etree.Element, doc *fiscal.Document) {
	dest := inf.CreateElement("dest")
	if doc.Recipient.CNPJ != "" {
		setText(dest, "CNPJ", doc.Recipient.CNPJ)
	} else if doc.Recipient.CPF != "" {
		setText(dest, "CPF", doc.Recipient.CPF)
	}
	name := doc.Recipient.Name
	if doc.Environment == fiscal.EnvironmentHomologation {
		// Mandated fixed recipient name in the test environment.
		name = "NF-E EMITIDA EM AMBIENTE DE HOMOLOGACAO - SEM VALOR FISCAL"
	}
	setText(dest, "xNome", name)
	buildAddress(dest, "enderDest", doc.Recipient.Address)
	setText(dest, "indIEDest", "9")
}

func (b *Builder) buildItem(inf *etree.Element, n int, item fiscal.LineItem) {
	det := inf.CreateElement("det")
	det.CreateAttr("nItem", fmt.Sprintf("%d", n))

	prod := det.CreateElement("prod")
	setText(prod, "cProd", item.Code)
	setText(prod, "cEAN", defaultString(item.EAN, "SEM GTIN"))
	setText(prod, "xProd", item.Description)
	setText(prod, "NCM", item.NCM)
	setText(prod, "CFOP", item.CFOP)
	setText(prod, "uCom", item.Unit)
	setText(prod, "qCom", item.Quantity.StringFixed(4))
	setText(prod, "vUnCom", item.UnitPrice.StringFixed(10))
	setText(prod, "vProd", item.Total().StringFixed(2))
	setText(prod, "cEANTrib", defaultString(item.EAN, "SEM GTIN"))
	setText(prod, "uTrib", item.Unit)
	setText(prod, "qTrib", item.Quantity.StringFixed(4))
	setText(prod, "vUnTrib", item.UnitPrice.StringFixed(10))
	setText(prod, "indTot", "1")

	// Tax rules are owned by the upstream ERP; the envelope carries the
	// structural tax group with zeroed values.
	imposto := det.CreateElement("imposto")
	setText(imposto, "vTotTrib", "0.00")
	icms := imposto.CreateElement("ICMS")
	icms90 := icms.CreateElement("ICMS90")
	setText(icms90, "orig", "0")
	setText(icms90, "CST", "90")
}

func (b *Builder) buildTotals(inf *etree.Element, totals fiscal.Totals) {
	total := inf.CreateElement("total")
	icmsTot := total.CreateElement("ICMSTot")
	setText(icmsTot, "vBC", totals.ICMSBase.StringFixed(2))
	setText(icmsTot, "vICMS", totals.ICMS.StringFixed(2))
	setText(icmsTot, "vICMSDeson", "0.00")
	setText(icmsTot, "vFCP", "0.00")
	setText(icmsTot, "vBCST", "0.00")
	setText(icmsTot, "vST", "0.00")
	setText(icmsTot, "vFCPST", "0.00")
	setText(icmsTot, "vFCPSTRet", "0.00")
	setText(icmsTot, "vProd", totals.Goods.StringFixed(2))
	setText(icmsTot, "vFrete", totals.Freight.StringFixed(2))
	setText(icmsTot, "vSeg", "0.00")
	setText(icmsTot, "vDesc", totals.Discount.StringFixed(2))
	setText(icmsTot, "vII", "0.00")
	setText(icmsTot, "vIPI", totals.IPI.StringFixed(2))
	setText(icmsTot, "vIPIDevol", "0.00")
	setText(icmsTot, "vPIS", totals.PIS.StringFixed(2))
	setText(icmsTot, "vCOFINS", totals.COFINS.StringFixed(2))
	setText(icmsTot, "vOutro", "0.00")
	setText(icmsTot, "vNF", totals.Document.StringFixed(2))
}

func (b *Builder) buildTransport(inf *etree.Element, doc *fiscal.Document) {
	transp := inf.CreateElement("transp")
	setText(transp, "modFrete", defaultString(doc.FreightMode, "9"))
}

func (b *Builder) buildPayments(inf *etree.Element, doc *fiscal.Document) {
	pag := inf.CreateElement("pag")
	if len(doc.Payments) == 0 {
		det := pag.CreateElement("detPag")
		setText(det, "tPag", "90") // no payment
		setText(det, "vPag", "0.00")
		return
	}
	for _, p := range doc.Payments {
		det := pag.CreateElement("detPag")
		setText(det, "tPag", p.Method)
		setText(det, "vPag", p.Amount.StringFixed(2))
	}
}

func (b *Builder) buildTechResponsible(inf *etree.Element, tr *fiscal.TechResponsible) {
	resp := inf.CreateElement("infRespTec")
	setText(resp, "CNPJ", tr.CNPJ)
	setText(resp, "xContato", tr.Contact)
	setText(resp, "email", tr.Email)
	setText(resp, "fone", tr.Phone)
}

func buildAddress(parent *etree.Element, tag string, addr fiscal.Address) {
	e := parent.CreateElement(tag)
	setText(e, "xLgr", addr.Street)
	setText(e, "nro", defaultString(addr.Number, "S/N"))
	setText(e, "xBairro", addr.District)
	setText(e, "cMun", addr.CityCode)
	setText(e, "xMun", addr.CityName)
	setText(e, "UF", addr.UF)
	setText(e, "CEP", addr.ZipCode)
	setText(e, "cPais", defaultString(addr.CountryCode, "1058"))
	setText(e, "xPais", defaultString(addr.CountryName, "BRASIL"))
	if addr.Phone != "" {
		setText(e, "fone", addr.Phone)
	}
}

// computeTotals aggregates line items into the totals block. Totals are
// recomputed on every build so a rebuilt document can never disagree with
// its items.
func computeTotals(doc *fiscal.Document) fiscal.Totals {
	goods := decimal.Zero
	for _, item := range doc.Items {
		goods = goods.Add(item.Total())
	}
	t := doc.Totals
	t.Goods = goods
	t.Document = goods.Add(t.Freight).Add(t.IPI).Sub(t.Discount).Round(2)
	return t
}

func destinationScope(doc *fiscal.Document) string {
	if doc.Recipient.Address.UF != "" && doc.Recipient.Address.UF != doc.Issuer.Address.UF {
		return "2" // interstate
	}
	return "1"
}

func setText(parent *etree.Element, tag, text string) {
	parent.CreateElement(tag).SetText(text)
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
