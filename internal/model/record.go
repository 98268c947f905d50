package model

import (
	"strings"
	"time"
)

// KeyKind identifies which dedup key a record is clustered by.
type KeyKind string

const (
	KeyKindSKU  KeyKind = "sku"
	KeyKindName KeyKind = "name"
	KeyKindHash KeyKind = "hash"
)

// KeyCandidate is one dedup key option for a raw record. Candidates are
// ordered by priority: sku before name before hash.
type KeyCandidate struct {
	Kind  KeyKind `json:"kind"`
	Value string  `json:"value"`
}

// Release statuses, ordered by rank for merge resolution.
const (
	StatusLive      = "live"
	StatusAvailable = "available"
	StatusUpcoming  = "upcoming"
	StatusAnnounced = "announced"
	StatusSoldOut   = "sold_out"
)

var statusRank = map[string]int{
	StatusLive:      3,
	StatusAvailable: 3,
	StatusUpcoming:  2,
	StatusAnnounced: 1,
	StatusSoldOut:   0,
}

// StatusRank returns the merge rank of a release status. Unrecognized
// statuses rank zero and never displace a recognized one.
func StatusRank(s string) int {
	return statusRank[s]
}

// KnownStatus reports whether s is one of the recognized release statuses.
func KnownStatus(s string) bool {
	_, ok := statusRank[s]
	return ok
}

// Fields is the uniform field set shared by raw and canonical records.
// Pointer fields distinguish absent from zero; absent data stays nil and is
// never filled with placeholder strings.
type Fields struct {
	Name        *string    `json:"name,omitempty"`
	Brand       *string    `json:"brand,omitempty"`
	SKU         *string    `json:"sku,omitempty"`
	Price       *float64   `json:"price,omitempty"`
	Currency    *string    `json:"currency,omitempty"`
	ReleaseDate *time.Time `json:"release_date,omitempty"`
	Status      string     `json:"status,omitempty"`
	ProductURL  *string    `json:"product_url,omitempty"`
	ImageURL    *string    `json:"image_url,omitempty"`
	Excerpt     *string    `json:"excerpt,omitempty"`
	Raffle      bool       `json:"raffle,omitempty"`
	Images      []string   `json:"images,omitempty"`
	Locations   []string   `json:"locations,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
}

// RawRecord is one normalized item from a single source fetch.
type RawRecord struct {
	SourceID  string         `json:"source_id"`
	Weight    float64        `json:"weight"`
	Keys      []KeyCandidate `json:"keys"`
	Fields    Fields         `json:"fields"`
	FetchedAt time.Time      `json:"fetched_at"`
}

// PrimaryKey returns the highest-priority non-empty key candidate.
func (r RawRecord) PrimaryKey() (KeyCandidate, bool) {
	for _, k := range r.Keys {
		if k.Value != "" {
			return k, true
		}
	}
	return KeyCandidate{}, false
}

// FieldOrigin records which source supplied the current winner for a scalar
// field, so later merges resolve conflicts the same way regardless of
// batch boundaries.
type FieldOrigin struct {
	Source    string    `json:"source"`
	Weight    float64   `json:"weight"`
	FetchedAt time.Time `json:"fetched_at"`
}

// CanonicalRecord is a merged release identity.
type CanonicalRecord struct {
	ID        string                 `json:"id"`
	KeyKind   KeyKind                `json:"key_kind"`
	KeyValue  string                 `json:"key_value"`
	Fields    Fields                 `json:"fields"`
	FieldMeta map[string]FieldOrigin `json:"field_meta,omitempty"`
	Sources   []string               `json:"sources,omitempty"`
	MergedAt  time.Time              `json:"merged_at"`
}

// CanonicalID derives the stable record ID for a dedup key. The ID never
// changes once assigned to a cluster.
func CanonicalID(kind KeyKind, value string) string {
	return string(kind) + "::" + strings.ReplaceAll(value, " ", "_")
}

// StrPtr returns a pointer to s, or nil when s is empty.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
