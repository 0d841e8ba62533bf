// Package identity scores extracted business fields against existing
// providers and decides whether to link, ask a human, or create.
package identity

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/provider-ingest/internal/model"
)

// legalSuffixes lists common legal entity suffixes to strip during name normalization.
var legalSuffixes = []string{
	" LLC", " L.L.C.", " L.L.C",
	" INC", " INC.", " INCORPORATED",
	" CORP", " CORP.", " CORPORATION",
	" LTD", " LTD.", " LIMITED",
	" LP", " L.P.", " L.P",
	" LLP", " L.L.P.", " L.L.P",
	" PC", " P.C.", " P.C",
	" PA", " P.A.", " P.A",
	" CO", " CO.",
	" PLC", " P.L.C.",
	" DBA", " D/B/A",
	" PLLC",
}

// Fields are the identity-relevant attributes of an extracted record.
// Phone, Website and LicenseNumber are stored normalized; BusinessName keeps
// its display form.
type Fields struct {
	BusinessName  string
	Phone         string
	Website       string
	LicenseNumber string
}

// FieldsFrom normalizes extracted fields for matching and persistence.
func FieldsFrom(ef *model.ExtractedFields) Fields {
	if ef == nil {
		return Fields{}
	}
	return Fields{
		BusinessName:  strings.Join(strings.Fields(ef.BusinessName), " "),
		Phone:         NormalizePhone(ef.Phone),
		Website:       NormalizeWebsite(ef.Website),
		LicenseNumber: NormalizeLicense(ef.LicenseNumber),
	}
}

// NormalizeName folds a business name for similarity comparison:
//  1. Strip diacritics and uppercase
//  2. Remove one trailing legal suffix (LLC, Inc, Corp, etc.)
//  3. Replace "&" with AND and drop remaining punctuation
//  4. Collapse whitespace
func NormalizeName(name string) string {
	name = strings.TrimSpace(stripDiacritics(name))
	if name == "" {
		return ""
	}
	name = strings.ToUpper(name)

	for _, suffix := range legalSuffixes {
		if strings.HasSuffix(name, suffix) {
			name = strings.TrimSuffix(name, suffix)
			break
		}
	}
	// "Acme Plumbing, LLC" leaves a dangling comma before the suffix.
	name = strings.TrimRight(name, " ,")

	name = strings.ReplaceAll(name, "&", " AND ")
	name = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return r
		case unicode.IsSpace(r), r == '-', r == '/':
			return ' '
		default:
			return -1
		}
	}, name)

	return strings.Join(strings.Fields(name), " ")
}

func stripDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizePhone keeps digits only and drops a leading US country code.
func NormalizePhone(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	return digits
}

// NormalizeWebsite reduces a URL to its lowercase host.
func NormalizeWebsite(rawURL string) string {
	d := strings.ToLower(strings.TrimSpace(rawURL))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndexByte(d, ':'); i >= 0 {
		d = d[:i]
	}
	return strings.TrimSuffix(d, ".")
}

// NormalizeLicense uppercases and keeps letters and digits only.
func NormalizeLicense(license string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9':
			return r
		case unicode.IsLetter(r):
			return unicode.ToUpper(r)
		default:
			return -1
		}
	}, license)
}
