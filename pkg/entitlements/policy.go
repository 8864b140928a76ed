package entitlements

// Policy is the generation behaviour granted by a tier.
type Policy struct {
	Tier             Tier             `json:"tier"`
	BatchSize        int              `json:"batch_size"`
	RedactionCeiling RedactionCeiling `json:"redaction_ceiling"`
	Features         []string         `json:"features"`
}

type policyRow struct {
	batchSize int
	redaction RedactionCeiling
	features  []string
}

// tierPolicies is the static resolver table. Every row must keep batchSize >= 1.
var tierPolicies = map[Tier]policyRow{
	TierBase:     {batchSize: 1, redaction: RedactionStrict, features: baseFeatures},
	TierElevated: {batchSize: 2, redaction: RedactionStandard, features: elevatedFeatures},
	TierPremium:  {batchSize: 3, redaction: RedactionNone, features: premiumFeatures},
}

// Resolve derives the policy for tier. A tier that is not in the catalogue
// resolves to the base policy, never to anything more permissive.
func Resolve(tier Tier) Policy {
	row, ok := tierPolicies[tier]
	if !ok {
		tier = TierBase
		row = tierPolicies[TierBase]
	}
	return Policy{
		Tier:             tier,
		BatchSize:        row.batchSize,
		RedactionCeiling: row.redaction,
		Features:         SortFeatures(row.features),
	}
}

// Has reports whether the policy enables feature.
func (p Policy) Has(feature string) bool {
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}
