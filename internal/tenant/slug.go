package tenant

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxSlugCandidates is how many slugs are tried for one business name:
// the base slug and base-2 through base-100.
const MaxSlugCandidates = 100

// MaxSlugLength caps the base slug in bytes so "cliente_" + slug + "-100"
// stays inside the 63-byte Postgres identifier limit.
const MaxSlugLength = 50

var (
	slugDisallowed = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugSpaces     = regexp.MustCompile(`\s+`)
	slugHyphens    = regexp.MustCompile(`-+`)
)

// Slugify turns a business name into a URL-safe identifier. Accents are
// stripped ("Café Olé" becomes "cafe-ole"), anything outside [a-z0-9 -] is
// dropped, and runs of whitespace or hyphens collapse to a single hyphen.
// The result is at most MaxSlugLength bytes.
func Slugify(name string) string {
	s := strings.ToLower(name)

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if stripped, _, err := transform.String(t, s); err == nil {
		s = stripped
	}

	s = slugDisallowed.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	s = slugSpaces.ReplaceAllString(s, "-")
	s = slugHyphens.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > MaxSlugLength {
		s = strings.TrimRight(s[:MaxSlugLength], "-")
	}
	return s
}

// SchemaName derives the namespace name for a slug.
func SchemaName(slug string) string {
	return "cliente_" + strings.ReplaceAll(slug, "-", "_")
}

// Candidates returns the slugs tried, in order, for a base slug.
func Candidates(base string, max int) []string {
	if max <= 0 {
		max = MaxSlugCandidates
	}
	out := make([]string, 0, max)
	out = append(out, base)
	for n := 2; n <= max; n++ {
		out = append(out, fmt.Sprintf("%s-%d", base, n))
	}
	return out
}
