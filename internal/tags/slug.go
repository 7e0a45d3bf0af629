// Package tags holds sitewide tag identity and the tag set reconciliation
// used when a mirrored post changes.
package tags

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Slug is a normalized tag identity: lowercase ASCII words joined by hyphens
type Slug string

var (
	nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)
	multipleHyphens = regexp.MustCompile(`-+`)
)

// NormalizeSlug converts a tenant supplied slug or name into a Slug.
//
//	"Slow Burn"      -> "slow-burn"
//	"Café Society"   -> "cafe-society"
//	"--sci_fi--"     -> "sci-fi"
func NormalizeSlug(s string) Slug {
	s = norm.NFKD.String(s)

	// Drop combining marks and anything else outside ASCII.
	s = strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return -1
		}
		return r
	}, s)

	s = strings.ToLower(strings.TrimSpace(s))
	s = nonAlphanumeric.ReplaceAllString(s, "-")
	s = multipleHyphens.ReplaceAllString(s, "-")
	return Slug(strings.Trim(s, "-"))
}
