package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/kicktrack/tracker-cli/internal/model"
)

// NormalizeName lowercases a product name and collapses every run of
// non-alphanumeric characters into a single space. The result is the
// name-based dedup key, so two spellings of the same release normalize to
// the same string ("Air-Jordan 1  'Bred'" and "air jordan 1 bred").
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}
	return b.String()
}

// ParsePrice extracts a numeric price from display text. Currency symbols,
// spaces, and thousands separators are stripped; a decimal comma is folded
// to a point. Empty or unparsable text returns nil, never zero.
func ParsePrice(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, sym := range []string{"$", "€", "£", " ", " "} {
		s = strings.ReplaceAll(s, sym, "")
	}

	// Keep the numeric core: "From170" and "170+" both reduce to "170".
	start := strings.IndexFunc(s, unicode.IsDigit)
	if start < 0 {
		return nil
	}
	s = s[start:]
	end := strings.LastIndexFunc(s, unicode.IsDigit)
	s = s[:end+1]

	if i := strings.LastIndex(s, ","); i >= 0 {
		if !strings.Contains(s, ".") && len(s)-i-1 == 2 {
			// Decimal comma: "189,99".
			s = s[:i] + "." + s[i+1:]
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// brandKeywords maps title substrings to brand names. Order matters:
// "jordan" must match before "nike" and "yeezy" before "adidas".
var brandKeywords = []struct {
	keyword string
	brand   string
}{
	{"jordan", "Jordan"},
	{"yeezy", "adidas"},
	{"nike", "Nike"},
	{"adidas", "adidas"},
	{"new balance", "New Balance"},
	{"asics", "ASICS"},
	{"puma", "Puma"},
	{"reebok", "Reebok"},
	{"converse", "Converse"},
	{"vans", "Vans"},
	{"salomon", "Salomon"},
	{"on running", "On"},
}

// DetectBrand infers the brand from a product title. Returns nil when no
// keyword matches.
func DetectBrand(title string) *string {
	lower := strings.ToLower(title)
	for _, bk := range brandKeywords {
		if strings.Contains(lower, bk.keyword) {
			return model.StrPtr(bk.brand)
		}
	}
	return nil
}

// statusKeywords maps badge or body text to a release status, checked in
// order of specificity.
var statusKeywords = []struct {
	keyword string
	status  string
}{
	{"sold out", model.StatusSoldOut},
	{"sold-out", model.StatusSoldOut},
	{"soldout", model.StatusSoldOut},
	{"coming soon", model.StatusUpcoming},
	{"upcoming", model.StatusUpcoming},
	{"in stock", model.StatusAvailable},
	{"available", model.StatusAvailable},
	{"out now", model.StatusLive},
	{"released", model.StatusLive},
	{"live", model.StatusLive},
	{"announced", model.StatusAnnounced},
}

// DetectStatus infers a release status from badge or body text. Returns the
// empty string when nothing matches; unknown never displaces a recognized
// status during merge.
func DetectStatus(text string) string {
	lower := strings.ToLower(text)
	for _, sk := range statusKeywords {
		if strings.Contains(lower, sk.keyword) {
			return sk.status
		}
	}
	return ""
}

// DetectRaffle reports whether the text or tags signal a raffle entry
// rather than a direct sale.
func DetectRaffle(text string, tags []string) bool {
	lower := strings.ToLower(text)
	for _, k := range []string{"raffle", "entry", "draw"} {
		if strings.Contains(lower, k) {
			return true
		}
	}
	for _, t := range tags {
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "raffle", "giveaway":
			return true
		}
	}
	return false
}

// ContentHash derives the last-resort dedup key from title and URL: the
// first 16 hex characters of their sha256.
func ContentHash(title, url string) string {
	sum := sha256.Sum256([]byte(title + url))
	return hex.EncodeToString(sum[:])[:16]
}

// dateLayouts covers the formats sneaker sites and feeds actually emit.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	"January 2, 2006",
	"Jan 2, 2006",
	"January 2 2006",
	"2 January 2006",
	"02 Jan 2006",
	"01/02/2006",
	"2006/01/02",
}

// ParseDate tries the known layouts and returns the parsed time in UTC, or
// nil when no layout matches. Unparsed dates stay nil rather than defaulting
// to a fake epoch.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}
