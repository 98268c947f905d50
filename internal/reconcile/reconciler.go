// Package reconcile folds batches of raw records into canonical release
// records. Records cluster by their highest-priority dedup key, each cluster
// maps to one stable canonical ID, and field conflicts resolve through
// per-field rules with recorded provenance so the outcome is independent of
// batch boundaries and arrival order.
package reconcile

import (
	"sort"
	"time"

	"github.com/kicktrack/tracker-cli/internal/model"
)

// Reconciler merges raw records into the canonical record set.
type Reconciler struct {
	now time.Time // injectable for testing
}

// New creates a reconciler stamped with the current time.
func New() *Reconciler {
	return &Reconciler{now: time.Now().UTC()}
}

// WithNow sets a fixed merge timestamp for testing.
func (r *Reconciler) WithNow(t time.Time) *Reconciler {
	r.now = t
	return r
}

// Reconcile returns the canonical set updated with one batch of raw
// records. Inputs are not mutated. Records with no usable dedup key are
// dropped. Existing records untouched by the batch pass through unchanged.
func (r *Reconciler) Reconcile(existing []model.CanonicalRecord, incoming []model.RawRecord) []model.CanonicalRecord {
	canon := make(map[string]*model.CanonicalRecord, len(existing)+len(incoming))
	for _, c := range existing {
		clone := cloneCanonical(c)
		canon[clone.ID] = &clone
	}

	clusters := make(map[string][]model.RawRecord)
	clusterKey := make(map[string]model.KeyCandidate)
	for _, raw := range incoming {
		key, ok := raw.PrimaryKey()
		if !ok {
			continue
		}
		id := model.CanonicalID(key.Kind, key.Value)
		clusters[id] = append(clusters[id], raw)
		clusterKey[id] = key
	}

	for id, members := range clusters {
		sortCluster(members)

		rec, ok := canon[id]
		if !ok {
			key := clusterKey[id]
			rec = &model.CanonicalRecord{
				ID:        id,
				KeyKind:   key.Kind,
				KeyValue:  key.Value,
				FieldMeta: make(map[string]model.FieldOrigin),
			}
			canon[id] = rec
		}
		for _, raw := range members {
			mergeRaw(rec, raw)
		}
		rec.MergedAt = r.now
	}

	out := make([]model.CanonicalRecord, 0, len(canon))
	for _, rec := range canon {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// mergeRaw folds one raw record into a canonical record, field by field.
func mergeRaw(rec *model.CanonicalRecord, raw model.RawRecord) {
	o := model.FieldOrigin{Source: raw.SourceID, Weight: raw.Weight, FetchedAt: raw.FetchedAt}
	f := raw.Fields

	mergeScalar(&rec.Fields.Name, rec.FieldMeta, "name", f.Name, o)
	mergeScalar(&rec.Fields.Brand, rec.FieldMeta, "brand", f.Brand, o)
	mergeScalar(&rec.Fields.SKU, rec.FieldMeta, "sku", f.SKU, o)
	mergeScalar(&rec.Fields.Price, rec.FieldMeta, "price", f.Price, o)
	mergeScalar(&rec.Fields.Currency, rec.FieldMeta, "currency", f.Currency, o)
	mergeScalar(&rec.Fields.ProductURL, rec.FieldMeta, "product_url", f.ProductURL, o)
	mergeScalar(&rec.Fields.ImageURL, rec.FieldMeta, "image_url", f.ImageURL, o)
	mergeScalar(&rec.Fields.Excerpt, rec.FieldMeta, "excerpt", f.Excerpt, o)
	mergeDate(&rec.Fields.ReleaseDate, rec.FieldMeta, "release_date", f.ReleaseDate, o)
	mergeStatus(&rec.Fields.Status, rec.FieldMeta, f.Status, o)

	// A raffle signal from any contributor sticks.
	rec.Fields.Raffle = rec.Fields.Raffle || f.Raffle

	rec.Fields.Images = unionInto(rec.Fields.Images, f.Images)
	rec.Fields.Locations = unionInto(rec.Fields.Locations, f.Locations)
	rec.Fields.Tags = unionInto(rec.Fields.Tags, f.Tags)
	rec.Sources = unionInto(rec.Sources, []string{raw.SourceID})
}

// sortCluster orders cluster members by fetch time then source ID so the
// merge result does not depend on input order.
func sortCluster(members []model.RawRecord) {
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if !a.FetchedAt.Equal(b.FetchedAt) {
			return a.FetchedAt.Before(b.FetchedAt)
		}
		return a.SourceID < b.SourceID
	})
}

// cloneCanonical copies a canonical record deeply enough that merging into
// the copy never mutates the caller's maps or slices.
func cloneCanonical(c model.CanonicalRecord) model.CanonicalRecord {
	meta := make(map[string]model.FieldOrigin, len(c.FieldMeta))
	for k, v := range c.FieldMeta {
		meta[k] = v
	}
	c.FieldMeta = meta
	c.Fields.Images = append([]string(nil), c.Fields.Images...)
	c.Fields.Locations = append([]string(nil), c.Fields.Locations...)
	c.Fields.Tags = append([]string(nil), c.Fields.Tags...)
	c.Sources = append([]string(nil), c.Sources...)
	return c
}
