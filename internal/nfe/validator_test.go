package nfe

import (
	"strings"
	"testing"
)

func buildSampleXML(t *testing.T) []byte {
	t.Helper()
	result, err := NewBuilder("").Build(sampleDocument())
	if err != nil {
		t.Fatalf("build sample: %v", err)
	}
	return result.XML
}

func TestValidator_AcceptsBuilderOutput(t *testing.T) {
	validator := NewValidator("")
	result := validator.Validate(buildSampleXML(t))

	if !result.Valid {
		t.Fatalf("expected valid document, got errors: %v", result.Errors)
	}
	if len(result.Errors) != 0 {
		t.Errorf("expected zero errors, got %v", result.Errors)
	}
	// Without schema artifacts the schema tier is indeterminate, not invalid.
	if len(result.Warnings) == 0 {
		t.Error("expected a schema-skipped warning")
	}
	if result.Err() != nil {
		t.Errorf("Err() must be nil for a valid result, got %v", result.Err())
	}
}

func TestValidator_MalformedXML(t *testing.T) {
	result := NewValidator("").Validate([]byte("<NFe><infNFe>"))
	if result.Valid {
		t.Fatal("expected invalid result")
	}
}

func TestValidator_StructuralErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(xml string) string
		wantErr string
	}{
		{
			name:    "wrong root",
			mutate:  func(xml string) string { return strings.ReplaceAll(xml, "NFe", "Invoice") },
			wantErr: "root element NFe not found",
		},
		{
			name:    "missing payment block",
			mutate:  func(xml string) string { return removeBlock(xml, "pag") },
			wantErr: "required block pag not found",
		},
		{
			name:    "missing totals",
			mutate:  func(xml string) string { return removeBlock(xml, "total") },
			wantErr: "required block total not found",
		},
		{
			name:    "no line items",
			mutate:  func(xml string) string { return removeBlock(xml, "det") },
			wantErr: "no line items",
		},
		{
			name:    "unsupported version",
			mutate:  func(xml string) string { return strings.Replace(xml, `versao="4.00"`, `versao="3.10"`, 1) },
			wantErr: "unsupported schema version",
		},
	}

	validator := NewValidator("")
	base := string(buildSampleXML(t))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := validator.Validate([]byte(tt.mutate(base)))
			if result.Valid {
				t.Fatal("expected invalid result")
			}
			if !containsSubstring(result.Errors, tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, result.Errors)
			}
		})
	}
}

func TestValidator_FieldErrors(t *testing.T) {
	validator := NewValidator("")
	base := string(buildSampleXML(t))

	t.Run("issuer cnpj too short", func(t *testing.T) {
		mutated := strings.Replace(base, "<CNPJ>12345678000199</CNPJ>", "<CNPJ>123</CNPJ>", 1)
		result := validator.Validate([]byte(mutated))
		if result.Valid || !containsSubstring(result.Errors, "issuer CNPJ") {
			t.Errorf("expected issuer CNPJ error, got %v", result.Errors)
		}
	})

	t.Run("recipient without id", func(t *testing.T) {
		mutated := strings.Replace(base, "<CNPJ>98765432000188</CNPJ>", "", 1)
		result := validator.Validate([]byte(mutated))
		if result.Valid || !containsSubstring(result.Errors, "neither CNPJ nor CPF") {
			t.Errorf("expected recipient id error, got %v", result.Errors)
		}
	})

	t.Run("recipient cpf wrong length", func(t *testing.T) {
		mutated := strings.Replace(base, "<CNPJ>98765432000188</CNPJ>", "<CPF>123</CPF>", 1)
		result := validator.Validate([]byte(mutated))
		if result.Valid || !containsSubstring(result.Errors, "recipient CPF") {
			t.Errorf("expected recipient CPF error, got %v", result.Errors)
		}
	})
}

func TestValidator_SchemaDirMissingIsWarning(t *testing.T) {
	validator := NewValidator("/nonexistent/schemas")
	result := validator.Validate(buildSampleXML(t))
	if !result.Valid {
		t.Fatalf("missing schema artifacts must not invalidate, got %v", result.Errors)
	}
	if !containsSubstring(result.Warnings, "schema validation skipped") {
		t.Errorf("expected schema-skipped warning, got %v", result.Warnings)
	}
}

// removeBlock strips one element and its content from the serialized XML.
func removeBlock(xml, tag string) string {
	open := "<" + tag + ">"
	if idx := strings.Index(xml, "<"+tag+" "); idx >= 0 {
		open = xml[idx : strings.Index(xml[idx:], ">")+idx+1]
	}
	start := strings.Index(xml, open)
	if start < 0 {
		return xml
	}
	closeTag := "</" + tag + ">"
	end := strings.Index(xml, closeTag)
	if end < 0 {
		return xml
	}
	return xml[:start] + xml[end+len(closeTag):]
}

func containsSubstring(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
