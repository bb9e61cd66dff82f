// Package signing loads company signing credentials from PKCS#12 containers
// and applies the enveloped XML digital signature required by the authority.
package signing

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// CertificateErrorKind discriminates certificate failures so callers can
// short-circuit without retrying (a wrong password never fixes itself).
type CertificateErrorKind string

const (
	CertificateNotFound      CertificateErrorKind = "not_found"
	CertificateWrongPassword CertificateErrorKind = "wrong_password"
	CertificateMalformed     CertificateErrorKind = "malformed"
	CertificateNotRSA        CertificateErrorKind = "not_rsa"
	CertificateExpired       CertificateErrorKind = "expired"
	CertificateNotYetValid   CertificateErrorKind = "not_yet_valid"
	CertificateCNPJMismatch  CertificateErrorKind = "cnpj_mismatch"
)

// CertificateError is the fatal error kind for credential problems; it
// always requires operator intervention.
type CertificateError struct {
	Kind CertificateErrorKind
	Path string
	Err  error
}

func (e *CertificateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("certificate %s (%s): %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("certificate %s (%s)", e.Kind, e.Path)
}

func (e *CertificateError) Unwrap() error { return e.Err }

// IsCertificateError reports whether err is a CertificateError and returns it.
func IsCertificateError(err error) (*CertificateError, bool) {
	var ce *CertificateError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Credential is a loaded signing key pair. Treat it as a value: load once,
// share read-only across goroutines.
type Credential struct {
	key   *rsa.PrivateKey
	cert  *x509.Certificate
	chain []*x509.Certificate
}

// NewCredential builds a Credential from an already-loaded key pair, for
// key material that does not live in a PKCS#12 container.
func NewCredential(key *rsa.PrivateKey, cert *x509.Certificate, chain ...*x509.Certificate) *Credential {
	return &Credential{key: key, cert: cert, chain: chain}
}

// Certificate returns the leaf certificate.
func (c *Credential) Certificate() *x509.Certificate { return c.cert }

// PrivateKeyPEM returns the PKCS#1 PEM encoding of the private key.
func (c *Credential) PrivateKeyPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(c.key),
	})
}

// CertificatePEM returns the PEM encoding of the leaf certificate.
func (c *Credential) CertificatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: c.cert.Raw,
	})
}

// TLSCertificate returns the credential as a client certificate for the
// mutually authenticated transport channel.
func (c *Credential) TLSCertificate() tls.Certificate {
	chain := [][]byte{c.cert.Raw}
	for _, ca := range c.chain {
		chain = append(chain, ca.Raw)
	}
	return tls.Certificate{
		Certificate: chain,
		PrivateKey:  c.key,
		Leaf:        c.cert,
	}
}

// GetKeyPair implements the XML signature key store contract.
func (c *Credential) GetKeyPair() (*rsa.PrivateKey, []byte, error) {
	return c.key, c.cert.Raw, nil
}

// LoadPKCS12 extracts the signing key and certificate from a PKCS#12
// container. Wrong password, missing file and malformed container are
// surfaced as distinct CertificateError kinds.
func LoadPKCS12(path, password string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &CertificateError{Kind: CertificateNotFound, Path: path, Err: err}
		}
		return nil, &CertificateError{Kind: CertificateMalformed, Path: path, Err: err}
	}

	key, cert, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, &CertificateError{Kind: CertificateWrongPassword, Path: path, Err: err}
		}
		return nil, &CertificateError{Kind: CertificateMalformed, Path: path, Err: err}
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, &CertificateError{Kind: CertificateNotRSA, Path: path,
			Err: fmt.Errorf("container holds a %T key", key)}
	}

	return &Credential{key: rsaKey, cert: cert, chain: chain}, nil
}

// ValidateCertificate checks expiry against now and that the certificate's
// embedded tax id matches the expected issuer. Both are compliance
// obligations of the sending party, not diagnostics.
func ValidateCertificate(cred *Credential, expectedCNPJ string, now time.Time) error {
	cert := cred.Certificate()
	if now.Before(cert.NotBefore) {
		return &CertificateError{Kind: CertificateNotYetValid,
			Err: fmt.Errorf("certificate valid from %s", cert.NotBefore.Format(time.RFC3339))}
	}
	if now.After(cert.NotAfter) {
		return &CertificateError{Kind: CertificateExpired,
			Err: fmt.Errorf("certificate expired at %s", cert.NotAfter.Format(time.RFC3339))}
	}

	embedded := SubjectCNPJ(cert)
	if embedded == "" {
		return &CertificateError{Kind: CertificateCNPJMismatch,
			Err: errors.New("certificate carries no CNPJ")}
	}
	if embedded != expectedCNPJ {
		return &CertificateError{Kind: CertificateCNPJMismatch,
			Err: fmt.Errorf("certificate CNPJ %s does not match issuer %s", embedded, expectedCNPJ)}
	}
	return nil
}

var (
	oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidICPBrasilCNPJ  = asn1.ObjectIdentifier{2, 16, 76, 1, 3, 3}
)

// SubjectCNPJ extracts the issuer tax id embedded in an ICP-Brasil
// certificate: first the otherName SAN entry (2.16.76.1.3.3), then the
// "Name:CNPJ" common-name convention as a fallback.
func SubjectCNPJ(cert *x509.Certificate) string {
	if cnpj := sanCNPJ(cert); cnpj != "" {
		return cnpj
	}
	cn := cert.Subject.CommonName
	if idx := strings.LastIndexByte(cn, ':'); idx >= 0 {
		if candidate := digitsOnly(cn[idx+1:]); len(candidate) == 14 {
			return candidate
		}
	}
	return ""
}

func sanCNPJ(cert *x509.Certificate) string {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(oidSubjectAltName) {
			continue
		}
		var seq asn1.RawValue
		if _, err := asn1.Unmarshal(ext.Value, &seq); err != nil || seq.Class != asn1.ClassUniversal || seq.Tag != asn1.TagSequence {
			return ""
		}
		rest := seq.Bytes
		for len(rest) > 0 {
			var name asn1.RawValue
			var err error
			rest, err = asn1.Unmarshal(rest, &name)
			if err != nil {
				return ""
			}
			// otherName is GeneralName choice [0].
			if name.Class != asn1.ClassContextSpecific || name.Tag != 0 {
				continue
			}
			var oid asn1.ObjectIdentifier
			value, err := asn1.Unmarshal(name.Bytes, &oid)
			if err != nil || !oid.Equal(oidICPBrasilCNPJ) {
				continue
			}
			var wrapper asn1.RawValue
			if _, err := asn1.Unmarshal(value, &wrapper); err != nil {
				continue
			}
			var inner asn1.RawValue
			if _, err := asn1.Unmarshal(wrapper.Bytes, &inner); err != nil {
				continue
			}
			if candidate := digitsOnly(string(inner.Bytes)); len(candidate) == 14 {
				return candidate
			}
		}
	}
	return ""
}

func digitsOnly(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
