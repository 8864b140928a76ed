package entitlements

import (
	"reflect"
	"testing"
)

func TestResolveTable(t *testing.T) {
	tests := []struct {
		tier      Tier
		batch     int
		redaction RedactionCeiling
		features  []string
	}{
		{TierBase, 1, RedactionStrict, []string{}},
		{TierElevated, 2, RedactionStandard, []string{FeatureExtendedSections}},
		{TierPremium, 3, RedactionNone, []string{FeatureBossEntity, FeatureExtendedSections}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.tier), func(t *testing.T) {
			got := Resolve(tt.tier)
			if got.BatchSize != tt.batch {
				t.Fatalf("batch size = %d, want %d", got.BatchSize, tt.batch)
			}
			if got.RedactionCeiling != tt.redaction {
				t.Fatalf("redaction = %q, want %q", got.RedactionCeiling, tt.redaction)
			}
			if !reflect.DeepEqual(got.Features, tt.features) {
				t.Fatalf("features = %v, want %v", got.Features, tt.features)
			}
		})
	}
}

func TestEveryTierHasPositiveBatchSize(t *testing.T) {
	for _, tier := range Tiers() {
		if got := Resolve(tier).BatchSize; got < 1 {
			t.Fatalf("tier %q has batch size %d", tier, got)
		}
	}
}

func TestResolveUnknownTierIsBase(t *testing.T) {
	for _, raw := range []Tier{"", "platinum", "PREMIUM ", "admin"} {
		got := Resolve(raw)
		if !reflect.DeepEqual(got, Resolve(TierBase)) {
			t.Fatalf("Resolve(%q) = %+v, want base policy", raw, got)
		}
	}
}

func TestPolicyPermissivenessIsMonotonic(t *testing.T) {
	tiers := Tiers()
	for i := 1; i < len(tiers); i++ {
		lower, higher := Resolve(tiers[i-1]), Resolve(tiers[i])
		if higher.BatchSize < lower.BatchSize {
			t.Fatalf("%s batch size below %s", higher.Tier, lower.Tier)
		}
		for _, f := range lower.Features {
			if !higher.Has(f) {
				t.Fatalf("%s is missing feature %q granted to %s", higher.Tier, f, lower.Tier)
			}
		}
	}
}

func TestParseTier(t *testing.T) {
	cases := []struct {
		raw    string
		want   Tier
		wantOK bool
	}{
		{"premium", TierPremium, true},
		{"  Elevated ", TierElevated, true},
		{"base", TierBase, true},
		{"gold", TierBase, false},
		{"", TierBase, false},
	}
	for _, tc := range cases {
		got, ok := ParseTier(tc.raw)
		if got != tc.want || ok != tc.wantOK {
			t.Fatalf("ParseTier(%q) = (%q, %v), want (%q, %v)", tc.raw, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestTierRankAndValid(t *testing.T) {
	if !(TierBase.Rank() < TierElevated.Rank() && TierElevated.Rank() < TierPremium.Rank()) {
		t.Fatal("expected base < elevated < premium")
	}
	if Tier("bogus").Rank() != TierBase.Rank() {
		t.Fatal("expected unknown tier to rank as base")
	}
	if Tier("Premium").Valid() {
		t.Fatal("expected non-canonical casing to be invalid for writes")
	}
	if !TierPremium.Valid() {
		t.Fatal("expected premium to be valid")
	}
}
