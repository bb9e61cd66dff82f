// Package accesskey builds, parses and validates the 44-digit NF-e access key.
//
// Layout (fixed offsets, 43 digits plus one check digit):
//
//	cUF(2) AAMM(4) CNPJ(14) mod(2) serie(3) nNF(9) tpEmis(1) cNF(8) cDV(1)
//
// All functions are pure and safe for concurrent use.
package accesskey

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// KeyLength is the total length of an access key, check digit included.
const KeyLength = 44

// Key holds the decoded components of an access key.
type Key struct {
	UF           string // IBGE state code, 2 digits
	YearMonth    string // AAMM of emission, 4 digits
	CNPJ         string // issuer tax id, 14 digits
	Model        string // document model, 2 digits (55 = NF-e)
	Series       string // 3 digits
	Number       string // 9 digits
	EmissionMode string // tpEmis, 1 digit
	RandomCode   string // cNF, 8 digits
	CheckDigit   string // cDV, 1 digit
}

// String reassembles the 44-digit key.
func (k Key) String() string {
	return k.UF + k.YearMonth + k.CNPJ + k.Model + k.Series + k.Number + k.EmissionMode + k.RandomCode + k.CheckDigit
}

// Generate builds a complete access key from its components. Numeric fields are
// zero-padded to their fixed widths; the check digit is appended.
func Generate(uf string, issued time.Time, cnpj, model string, series int, number int64, emissionMode, randomCode string) (string, error) {
	if len(uf) != 2 || !isDigits(uf) {
		return "", fmt.Errorf("accesskey: uf must be 2 digits, got %q", uf)
	}
	if len(cnpj) != 14 || !isDigits(cnpj) {
		return "", fmt.Errorf("accesskey: cnpj must be 14 digits, got %q", cnpj)
	}
	if len(model) != 2 || !isDigits(model) {
		return "", fmt.Errorf("accesskey: model must be 2 digits, got %q", model)
	}
	if series < 0 || series > 999 {
		return "", fmt.Errorf("accesskey: series out of range: %d", series)
	}
	if number < 1 || number > 999999999 {
		return "", fmt.Errorf("accesskey: number out of range: %d", number)
	}
	if len(emissionMode) != 1 || !isDigits(emissionMode) {
		return "", fmt.Errorf("accesskey: emission mode must be 1 digit, got %q", emissionMode)
	}
	if len(randomCode) != 8 || !isDigits(randomCode) {
		return "", fmt.Errorf("accesskey: random code must be 8 digits, got %q", randomCode)
	}

	base := uf + issued.Format("0601") + cnpj + model +
		fmt.Sprintf("%03d", series) + fmt.Sprintf("%09d", number) +
		emissionMode + randomCode

	return base + strconv.Itoa(checkDigit(base)), nil
}

// Validate reports whether key is a well-formed access key with a correct
// check digit. The error names both the expected and the given digit on a
// check digit mismatch.
func Validate(key string) error {
	if len(key) != KeyLength {
		return fmt.Errorf("accesskey: key must have %d digits, got %d", KeyLength, len(key))
	}
	if !isDigits(key) {
		return fmt.Errorf("accesskey: key contains non-digit characters")
	}
	expected := checkDigit(key[:KeyLength-1])
	given := int(key[KeyLength-1] - '0')
	if expected != given {
		return fmt.Errorf("accesskey: invalid check digit: expected %d, got %d", expected, given)
	}
	return nil
}

// Parse splits key into its components by fixed offsets. It does not
// recompute the check digit; use Validate for that.
func Parse(key string) (Key, error) {
	if len(key) != KeyLength {
		return Key{}, fmt.Errorf("accesskey: key must have %d digits, got %d", KeyLength, len(key))
	}
	if !isDigits(key) {
		return Key{}, fmt.Errorf("accesskey: key contains non-digit characters")
	}
	return Key{
		UF:           key[0:2],
		YearMonth:    key[2:6],
		CNPJ:         key[6:20],
		Model:        key[20:22],
		Series:       key[22:25],
		Number:       key[25:34],
		EmissionMode: key[34:35],
		RandomCode:   key[35:43],
		CheckDigit:   key[43:44],
	}, nil
}

// NewRandomCode returns a random 8-digit cNF component.
func NewRandomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100000000))
	if err != nil {
		return "", fmt.Errorf("accesskey: random code: %w", err)
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}

// checkDigit computes the Mod-11 check digit over a 43-digit string. Digits
// are weighted right to left with a cycle starting at 2 and wrapping from 9
// back to 2.
func checkDigit(base string) int {
	sum := 0
	weight := 2
	for i := len(base) - 1; i >= 0; i-- {
		sum += int(base[i]-'0') * weight
		weight++
		if weight > 9 {
			weight = 2
		}
	}
	rem := sum % 11
	if rem < 2 {
		return 0
	}
	return 11 - rem
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
