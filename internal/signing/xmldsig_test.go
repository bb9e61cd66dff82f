package signing

import (
	"crypto/x509"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

const unsignedDocument = `<?xml version="1.0" encoding="UTF-8"?>` +
	`<NFe xmlns="http://www.portalfiscal.inf.br/nfe">` +
	`<infNFe Id="NFe42250312345678000199550010000045821102938471" versao="4.00">` +
	`<ide><cUF>42</cUF><nNF>4582</nNF></ide>` +
	`<emit><CNPJ>12345678000199</CNPJ></emit>` +
	`</infNFe></NFe>`

func freshCredential(t *testing.T) *Credential {
	now := time.Now()
	return testCredential(t, "12345678000199", now.Add(-time.Hour), now.Add(24*time.Hour), true)
}

func TestSigner_Sign(t *testing.T) {
	signer := NewSigner()
	cred := freshCredential(t)

	signed, err := signer.Sign([]byte(unsignedDocument), cred)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signed); err != nil {
		t.Fatalf("signed output is not well-formed: %v", err)
	}
	root := doc.Root()

	sig := findChildByLocalName(root, "Signature")
	if sig == nil {
		t.Fatal("Signature block not found under NFe")
	}
	// Exactly one signature, placed after infNFe.
	count := 0
	for _, child := range root.ChildElements() {
		if strings.HasSuffix(child.Tag, "Signature") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one Signature, got %d", count)
	}

	ref := sig.FindElement("SignedInfo/Reference")
	if ref == nil {
		t.Fatal("SignedInfo/Reference not found")
	}
	uri := ref.SelectAttrValue("URI", "")
	if uri != "#NFe42250312345678000199550010000045821102938471" {
		t.Errorf("reference must target the identification node Id, got %q", uri)
	}

	certNode := sig.FindElement("KeyInfo/X509Data/X509Certificate")
	if certNode == nil {
		t.Fatal("KeyInfo/X509Data/X509Certificate not found")
	}
	certText := strings.TrimSpace(certNode.Text())
	if certText == "" {
		t.Fatal("embedded certificate is empty")
	}
	if strings.Contains(certText, "BEGIN CERTIFICATE") {
		t.Error("embedded certificate must be raw base64 without PEM headers")
	}
	if digest := sig.FindElement("SignedInfo/Reference/DigestValue"); digest == nil || strings.TrimSpace(digest.Text()) == "" {
		t.Error("DigestValue is empty")
	}

	// The signed node must carry the namespace itself: receivers digest it
	// detached from the NFe root.
	inf := root.SelectElement("infNFe")
	if got := inf.SelectAttrValue("xmlns", ""); got != "http://www.portalfiscal.inf.br/nfe" {
		t.Errorf("infNFe must declare the NFe namespace, got %q", got)
	}
}

func TestSigner_SignatureVerifies(t *testing.T) {
	signer := NewSigner()
	cred := freshCredential(t)

	signed, err := signer.Sign([]byte(unsignedDocument), cred)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signed); err != nil {
		t.Fatalf("parse: %v", err)
	}
	root := doc.Root()
	inf := root.SelectElement("infNFe")
	sig := findChildByLocalName(root, "Signature")

	// The validator resolves the reference from within the element that
	// carries the signature, so relocate it for verification purposes.
	root.RemoveChild(sig)
	inf.AddChild(sig)

	validationCtx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cred.Certificate()},
	})
	validationCtx.IdAttribute = "Id"

	if _, err := validationCtx.Validate(inf); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestSigner_Failures(t *testing.T) {
	signer := NewSigner()
	cred := freshCredential(t)

	tests := []struct {
		name string
		xml  string
		cred *Credential
	}{
		{"nil credential", unsignedDocument, nil},
		{"malformed xml", "<NFe><infNFe>", cred},
		{"missing infNFe", `<NFe xmlns="http://www.portalfiscal.inf.br/nfe"><other/></NFe>`, cred},
		{"missing Id attribute", `<NFe xmlns="http://www.portalfiscal.inf.br/nfe"><infNFe versao="4.00"/></NFe>`, cred},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := signer.Sign([]byte(tt.xml), tt.cred)
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsSignatureError(err) {
				t.Errorf("expected SignatureError, got %T", err)
			}
		})
	}
}

func TestSigner_RejectsDoubleSigning(t *testing.T) {
	signer := NewSigner()
	cred := freshCredential(t)

	signed, err := signer.Sign([]byte(unsignedDocument), cred)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := signer.Sign(signed, cred); err == nil {
		t.Error("signing an already signed document must fail")
	}
}
