package nfe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/beevik/etree"
)

// ValidationError is the fatal, pre-transmission error kind: a document that
// fails validation is never signed or transmitted.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("nfe: document failed validation: %s", strings.Join(e.Errors, "; "))
}

// Result is the outcome of a validation pass. Errors block transmission;
// warnings are logged only.
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Err returns a *ValidationError when the result carries errors, nil otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Errors: r.Errors}
}

// Validator checks the structural shape and required fields of an assembled
// envelope before it is signed. When schemaDir points at the official schema
// artifacts they are consulted as a third tier; their absence downgrades the
// schema tier to a warning, keeping "indeterminate" distinct from "invalid".
type Validator struct {
	schemaDir string
}

// NewValidator creates a Validator. schemaDir may be empty.
func NewValidator(schemaDir string) *Validator {
	return &Validator{schemaDir: schemaDir}
}

// Validate runs the structural and field-level tiers over the envelope.
func (v *Validator) Validate(xml []byte) Result {
	var result Result

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xml); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("malformed XML: %v", err))
		return result
	}

	root := doc.Root()
	if root == nil || localName(root.Tag) != "NFe" {
		result.Errors = append(result.Errors, "root element NFe not found")
		return result
	}

	inf := root.SelectElement("infNFe")
	if inf == nil {
		result.Errors = append(result.Errors, "infNFe block not found")
		return result
	}

	if version := inf.SelectAttrValue("versao", ""); version != SchemaVersion {
		result.Errors = append(result.Errors,
			fmt.Sprintf("unsupported schema version %q, expected %q", version, SchemaVersion))
	}
	if id := inf.SelectAttrValue("Id", ""); len(id) != len("NFe")+44 || !strings.HasPrefix(id, "NFe") {
		result.Errors = append(result.Errors, "infNFe Id attribute must be NFe followed by the 44-digit access key")
	}

	for _, block := range []string{"ide", "emit", "dest", "total", "transp", "pag"} {
		if inf.SelectElement(block) == nil {
			result.Errors = append(result.Errors, fmt.Sprintf("required block %s not found", block))
		}
	}
	if len(inf.SelectElements("det")) == 0 {
		result.Errors = append(result.Errors, "document has no line items (det)")
	}

	v.validateIssuer(inf, &result)
	v.validateRecipient(inf, &result)
	v.validateSchema(&result)

	result.Valid = len(result.Errors) == 0
	return result
}

func (v *Validator) validateIssuer(inf *etree.Element, result *Result) {
	emit := inf.SelectElement("emit")
	if emit == nil {
		return
	}
	cnpj := elementText(emit, "CNPJ")
	if len(cnpj) != 14 || !allDigits(cnpj) {
		result.Errors = append(result.Errors, fmt.Sprintf("issuer CNPJ must be 14 digits, got %q", cnpj))
	}
	if elementText(emit, "xNome") == "" {
		result.Errors = append(result.Errors, "issuer name is empty")
	}
}

func (v *Validator) validateRecipient(inf *etree.Element, result *Result) {
	dest := inf.SelectElement("dest")
	if dest == nil {
		return
	}
	cnpj := elementText(dest, "CNPJ")
	cpf := elementText(dest, "CPF")
	switch {
	case cnpj == "" && cpf == "":
		result.Errors = append(result.Errors, "recipient has neither CNPJ nor CPF")
	case cnpj != "" && (len(cnpj) != 14 || !allDigits(cnpj)):
		result.Errors = append(result.Errors, fmt.Sprintf("recipient CNPJ must be 14 digits, got %q", cnpj))
	case cpf != "" && (len(cpf) != 11 || !allDigits(cpf)):
		result.Errors = append(result.Errors, fmt.Sprintf("recipient CPF must be 11 digits, got %q", cpf))
	}
	if elementText(dest, "xNome") == "" {
		result.Errors = append(result.Errors, "recipient name is empty")
	}
}

func (v *Validator) validateSchema(result *Result) {
	if v.schemaDir == "" {
		result.Warnings = append(result.Warnings, "schema validation skipped: no schema directory configured")
		return
	}
	schemaFile := filepath.Join(v.schemaDir, fmt.Sprintf("nfe_v%s.xsd", SchemaVersion))
	if _, err := os.Stat(schemaFile); err != nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("schema validation skipped: %s not available", schemaFile))
	}
}

func elementText(parent *etree.Element, tag string) string {
	e := parent.SelectElement(tag)
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.Text())
}

func localName(tag string) string {
	if idx := strings.IndexByte(tag, ':'); idx >= 0 {
		return tag[idx+1:]
	}
	return tag
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
