package dataset

import (
	"strings"
	"unicode"

	"github.com/ttacon/libphonenumber"
	"golang.org/x/text/unicode/norm"
)

// phoneRegion is the default region for numbers written without a country code.
const phoneRegion = "JP"

// legalForms are stripped from company keys so "株式会社サンプル" and
// "サンプル(株)" resolve to the same company.
var legalForms = []string{
	"株式会社", "有限会社", "合同会社", "合資会社", "合名会社",
	"(株)", "(有)", "(合)",
}

// CompanyInfo is the parsed form of a dataset company field.
type CompanyInfo struct {
	ID    string
	Name  string
	Phone string // E.164 when parseable, raw token otherwise
}

// ParseCompanyInfo splits "サンプル不動産 03-1234-5678" into name and phone.
// The last whitespace-separated token is taken as the phone only when it
// parses as a possible number; otherwise the whole string is the name.
func ParseCompanyInfo(raw string) CompanyInfo {
	fields := strings.FieldsFunc(strings.TrimSpace(raw), unicode.IsSpace)
	if len(fields) == 0 {
		return CompanyInfo{}
	}

	name := strings.Join(fields, " ")
	phone := ""
	if len(fields) > 1 {
		last := fields[len(fields)-1]
		if p, ok := NormalizePhone(last); ok {
			phone = p
			name = strings.Join(fields[:len(fields)-1], " ")
		}
	}

	return CompanyInfo{
		ID:    CompanyKey(name),
		Name:  name,
		Phone: phone,
	}
}

// NormalizePhone returns the E.164 form of a Japanese phone number.
func NormalizePhone(s string) (string, bool) {
	s = norm.NFKC.String(strings.TrimSpace(s))
	if s == "" {
		return "", false
	}
	if !strings.ContainsAny(s, "0123456789") {
		return "", false
	}
	num, err := libphonenumber.Parse(s, phoneRegion)
	if err != nil || !libphonenumber.IsPossibleNumber(num) {
		return "", false
	}
	return libphonenumber.Format(num, libphonenumber.E164), true
}

// CompanyKey normalizes a company name into the identifier used by the
// knowledge store: NFKC, lower-case, no whitespace, no legal-form markers.
func CompanyKey(name string) string {
	s := strings.ToLower(norm.NFKC.String(name))
	for _, form := range legalForms {
		s = strings.ReplaceAll(s, form, "")
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
