package signing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// SignatureError is the fatal error kind for signing failures. A document
// that cannot be signed is a build-time defect and is never retried.
type SignatureError struct {
	Err error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("xml signature: %v", e.Err)
}

func (e *SignatureError) Unwrap() error { return e.Err }

// IsSignatureError reports whether err is a SignatureError.
func IsSignatureError(err error) bool {
	var se *SignatureError
	return errors.As(err, &se)
}

// Signer applies the enveloped XML-DSig signature over a fiscal document.
// The reference targets the infNFe node by its Id attribute; the signature
// block is placed inside NFe, after infNFe, as the layout requires, with the
// signing certificate embedded in KeyInfo so the receiver can validate
// without a separate certificate exchange.
type Signer struct{}

// NewSigner creates a Signer.
func NewSigner() *Signer { return &Signer{} }

// Sign returns the document with exactly one signature bound to its
// identification node.
func (s *Signer) Sign(xml []byte, cred *Credential) ([]byte, error) {
	if cred == nil {
		return nil, &SignatureError{Err: errors.New("nil credential")}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xml); err != nil {
		return nil, &SignatureError{Err: fmt.Errorf("parse document: %w", err)}
	}
	root := doc.Root()
	if root == nil {
		return nil, &SignatureError{Err: errors.New("empty document")}
	}
	if findChildByLocalName(root, "Signature") != nil {
		return nil, &SignatureError{Err: errors.New("document is already signed")}
	}

	inf := root.SelectElement("infNFe")
	if inf == nil {
		return nil, &SignatureError{Err: errors.New("infNFe node not found")}
	}
	if inf.SelectAttrValue("Id", "") == "" {
		return nil, &SignatureError{Err: errors.New("infNFe node has no Id attribute")}
	}

	// The digest is computed over infNFe detached from the document, so the
	// default namespace it inherits from NFe must be declared on the node
	// itself to match what a receiver canonicalizes in document context.
	if inf.SelectAttrValue("xmlns", "") == "" {
		if ns := root.SelectAttrValue("xmlns", ""); ns != "" {
			inf.CreateAttr("xmlns", ns)
		}
	}

	ctx := dsig.NewDefaultSigningContext(cred)
	ctx.IdAttribute = "Id"
	ctx.Prefix = ""
	ctx.Canonicalizer = dsig.MakeC14N10RecCanonicalizer()
	if err := ctx.SetSignatureMethod(dsig.RSASHA1SignatureMethod); err != nil {
		return nil, &SignatureError{Err: fmt.Errorf("set signature method: %w", err)}
	}

	signed, err := ctx.SignEnveloped(inf)
	if err != nil {
		return nil, &SignatureError{Err: fmt.Errorf("sign infNFe: %w", err)}
	}

	sig := findChildByLocalName(signed, "Signature")
	if sig == nil {
		return nil, &SignatureError{Err: errors.New("signature block missing from signed output")}
	}
	signed.RemoveChild(sig)

	// The layout places Signature as a sibling of infNFe inside NFe.
	root.AddChild(sig)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, &SignatureError{Err: fmt.Errorf("serialize signed document: %w", err)}
	}
	return out, nil
}

func findChildByLocalName(parent *etree.Element, localName string) *etree.Element {
	for _, child := range parent.ChildElements() {
		tag := child.Tag
		if idx := strings.IndexByte(tag, ':'); idx >= 0 {
			tag = tag[idx+1:]
		}
		if tag == localName {
			return child
		}
	}
	return nil
}
