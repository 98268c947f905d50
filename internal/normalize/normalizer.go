// Package normalize turns fetched payloads into raw records with dedup key
// candidates. One normalizer exists per source kind; per-item failures are
// skipped and counted so a single malformed item never sinks a batch.
package normalize

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/kicktrack/tracker-cli/internal/model"
)

// Result is the outcome of normalizing one payload.
type Result struct {
	Records []model.RawRecord
	Skipped int
}

// Normalizer converts a source payload into raw records. pageURL is the URL
// the payload was fetched from; relative links resolve against it.
type Normalizer interface {
	Kind() model.SourceKind
	Normalize(payload []byte, src model.Source, pageURL string) (*Result, error)
}

// ForKind returns the normalizer for a source kind.
func ForKind(kind model.SourceKind) (Normalizer, error) {
	switch kind {
	case model.SourceKindShopify:
		return &ShopifyNormalizer{}, nil
	case model.SourceKindHTML:
		return &HTMLNormalizer{}, nil
	case model.SourceKindFeed:
		return &FeedNormalizer{}, nil
	default:
		return nil, eris.Errorf("normalize: unknown source kind %q", kind)
	}
}

// clock returns the injected clock or the wall clock.
func clock(now func() time.Time) func() time.Time {
	if now != nil {
		return now
	}
	return time.Now
}

// keyCandidates builds the dedup key list in priority order. Only non-empty
// candidates are emitted, and every record gets at least the hash candidate.
func keyCandidates(sku, name, title, url string) []model.KeyCandidate {
	keys := make([]model.KeyCandidate, 0, 3)
	if sku != "" {
		keys = append(keys, model.KeyCandidate{Kind: model.KeyKindSKU, Value: sku})
	}
	if normalized := NormalizeName(name); normalized != "" {
		keys = append(keys, model.KeyCandidate{Kind: model.KeyKindName, Value: normalized})
	}
	keys = append(keys, model.KeyCandidate{Kind: model.KeyKindHash, Value: ContentHash(title, url)})
	return keys
}
