package reconcile

import (
	"time"

	"github.com/kicktrack/tracker-cli/internal/model"
)

// betterOrigin reports whether candidate a should displace incumbent b as
// the winner of a contested field. Higher trust weight wins; on equal
// weight the earlier fetch wins; the source ID is the final tiebreak so the
// outcome never depends on arrival order.
func betterOrigin(a, b model.FieldOrigin) bool {
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	if !a.FetchedAt.Equal(b.FetchedAt) {
		return a.FetchedAt.Before(b.FetchedAt)
	}
	return a.Source < b.Source
}

// mergeScalar resolves one scalar field. A nil candidate never clears a
// value; a non-nil candidate fills an empty field or displaces the current
// winner when its origin outranks the recorded one.
func mergeScalar[T any](dst **T, meta map[string]model.FieldOrigin, key string, val *T, cand model.FieldOrigin) {
	if val == nil {
		return
	}
	if *dst == nil {
		*dst = val
		meta[key] = cand
		return
	}
	if cur, ok := meta[key]; !ok || betterOrigin(cand, cur) {
		*dst = val
		meta[key] = cand
	}
}

// mergeDate resolves a date field. The latest known date wins regardless of
// source trust; later observations supersede older guesses.
func mergeDate(dst **time.Time, meta map[string]model.FieldOrigin, key string, val *time.Time, cand model.FieldOrigin) {
	if val == nil {
		return
	}
	switch {
	case *dst == nil || val.After(**dst):
		*dst = val
		meta[key] = cand
	case val.Equal(**dst):
		if cur, ok := meta[key]; !ok || betterOrigin(cand, cur) {
			meta[key] = cand
		}
	}
}

// mergeStatus resolves the release status by rank. A recognized status
// always displaces an unrecognized one; among recognized statuses the
// higher rank wins, and rank ties fall back to origin comparison.
func mergeStatus(dst *string, meta map[string]model.FieldOrigin, val string, cand model.FieldOrigin) {
	if val == "" {
		return
	}
	if *dst == "" {
		*dst = val
		meta["status"] = cand
		return
	}
	if !model.KnownStatus(val) && model.KnownStatus(*dst) {
		return
	}
	if model.KnownStatus(val) && !model.KnownStatus(*dst) {
		*dst = val
		meta["status"] = cand
		return
	}
	vr, dr := model.StatusRank(val), model.StatusRank(*dst)
	switch {
	case vr > dr:
		*dst = val
		meta["status"] = cand
	case vr == dr:
		if cur, ok := meta["status"]; !ok || betterOrigin(cand, cur) {
			*dst = val
			meta["status"] = cand
		}
	}
}

// unionInto appends the values of add not already present in dst,
// preserving first-seen order. Empty strings are dropped.
func unionInto(dst, add []string) []string {
	if len(add) == 0 {
		return dst
	}
	seen := make(map[string]struct{}, len(dst)+len(add))
	for _, v := range dst {
		seen[v] = struct{}{}
	}
	for _, v := range add {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}
