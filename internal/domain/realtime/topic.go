package realtime

import (
	"slices"
	"strings"
)

// AlertFilter declares interest in alert updates. An update matches when its
// alert id, product id or alert type appears in the corresponding list.
type AlertFilter struct {
	AlertIDs   []string `json:"alertIds,omitempty"`
	ProductIDs []string `json:"productIds,omitempty"`
	AlertTypes []string `json:"alertTypes,omitempty"`
}

// IsEmpty reports whether the filter names no topics.
func (f AlertFilter) IsEmpty() bool {
	return len(f.AlertIDs) == 0 && len(f.ProductIDs) == 0 && len(f.AlertTypes) == 0
}

// Normalize returns a copy with blank entries removed and each list sorted
// and deduplicated.
func (f AlertFilter) Normalize() AlertFilter {
	return AlertFilter{
		AlertIDs:   normalizeList(f.AlertIDs),
		ProductIDs: normalizeList(f.ProductIDs),
		AlertTypes: normalizeList(f.AlertTypes),
	}
}

// Union returns the normalized union of f and other.
func (f AlertFilter) Union(other AlertFilter) AlertFilter {
	return AlertFilter{
		AlertIDs:   normalizeList(append(slices.Clone(f.AlertIDs), other.AlertIDs...)),
		ProductIDs: normalizeList(append(slices.Clone(f.ProductIDs), other.ProductIDs...)),
		AlertTypes: normalizeList(append(slices.Clone(f.AlertTypes), other.AlertTypes...)),
	}
}

// Subtract returns the normalized entries of f that are not in other.
func (f AlertFilter) Subtract(other AlertFilter) AlertFilter {
	return AlertFilter{
		AlertIDs:   subtractList(f.AlertIDs, other.AlertIDs),
		ProductIDs: subtractList(f.ProductIDs, other.ProductIDs),
		AlertTypes: subtractList(f.AlertTypes, other.AlertTypes),
	}
}

// Matches reports whether p falls under any topic in f.
func (f AlertFilter) Matches(p AlertPayload) bool {
	return (p.AlertID != "" && slices.Contains(f.AlertIDs, p.AlertID)) ||
		(p.ProductID != "" && slices.Contains(f.ProductIDs, p.ProductID)) ||
		(p.AlertType != "" && slices.Contains(f.AlertTypes, p.AlertType))
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func subtractList(from, remove []string) []string {
	from = normalizeList(from)
	var out []string
	for _, s := range from {
		if !slices.Contains(remove, s) {
			out = append(out, s)
		}
	}
	return out
}

// SubscriptionTopic is either an alert filter or the metrics toggle.
type SubscriptionTopic struct {
	Alerts  AlertFilter
	Metrics bool
}
