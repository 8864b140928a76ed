// Package entitlements defines the tier catalogue and the generation policy
// each tier grants.
//
// Policies are a pure function of tier. Callers resolve them on every request
// rather than caching, so a tier change takes effect on the next call.
package entitlements

import (
	"sort"
	"strings"
)

// Feature constants gate optional sections of a generated document.
const (
	FeatureExtendedSections = "extended_sections" // Additional report sections (autopsy detail, incident timeline)
	FeatureBossEntity       = "boss_entity"       // Apex-entity annex appended to the document
)

// Tier represents an entitlement tier.
type Tier string

const (
	TierBase     Tier = "base"
	TierElevated Tier = "elevated"
	TierPremium  Tier = "premium"
)

// RedactionCeiling is how much of the generated content must be masked.
type RedactionCeiling string

const (
	RedactionNone     RedactionCeiling = "none"
	RedactionStandard RedactionCeiling = "standard"
	RedactionStrict   RedactionCeiling = "strict"
)

// orderedTiers lists tiers from least to most privileged.
var orderedTiers = []Tier{TierBase, TierElevated, TierPremium}

// baseFeatures are available to every caller.
var baseFeatures = []string{}

// elevatedFeatures adds extended sections on top of base.
var elevatedFeatures = appendFeatures(baseFeatures,
	FeatureExtendedSections,
)

// premiumFeatures adds the apex entity annex on top of elevated.
var premiumFeatures = appendFeatures(elevatedFeatures,
	FeatureBossEntity,
)

// appendFeatures returns a new slice with extra features appended (no mutation).
func appendFeatures(base []string, extra ...string) []string {
	result := make([]string, len(base), len(base)+len(extra))
	copy(result, base)
	return append(result, extra...)
}

// Tiers returns all known tiers ordered from least to most privileged.
func Tiers() []Tier {
	out := make([]Tier, len(orderedTiers))
	copy(out, orderedTiers)
	return out
}

// ParseTier normalizes a stored or user-supplied tier value.
// Unknown values resolve to TierBase with ok=false so callers can log them.
func ParseTier(raw string) (Tier, bool) {
	normalized := Tier(strings.ToLower(strings.TrimSpace(raw)))
	for _, tier := range orderedTiers {
		if tier == normalized {
			return tier, true
		}
	}
	return TierBase, false
}

// Valid reports whether t is a known tier in canonical form.
func (t Tier) Valid() bool {
	_, ok := tierPolicies[t]
	return ok
}

// Rank orders tiers; unknown tiers rank with base.
func (t Tier) Rank() int {
	parsed, _ := ParseTier(string(t))
	for i, tier := range orderedTiers {
		if tier == parsed {
			return i
		}
	}
	return 0
}

// DisplayName returns a human-readable name for the tier.
func (t Tier) DisplayName() string {
	switch t {
	case TierBase:
		return "Base Clearance"
	case TierElevated:
		return "Elevated Clearance"
	case TierPremium:
		return "Omega Clearance"
	default:
		return "Unknown"
	}
}

// SortFeatures returns a sorted copy of features.
func SortFeatures(features []string) []string {
	out := make([]string, len(features))
	copy(out, features)
	sort.Strings(out)
	return out
}
