package vendorasync

import (
	"testing"

	"bitbucket.org/mmdatafocus/catalog_backend/models"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestResolveField_EqualValuesAreNoOps(t *testing.T) {
	policies := []models.ConflictPolicy{
		models.ConflictPolicyLocalWins,
		models.ConflictPolicyRemoteWins,
		models.ConflictPolicyHighestWins,
		models.ConflictPolicyLowestWins,
		models.ConflictPolicyDetectOnly,
	}
	for _, policy := range policies {
		res := ResolveField(FieldStock, dec("10"), dec("10"), policy, false)
		if res.Changed || res.Conflict != nil {
			t.Fatalf("policy %s: equal stock values should be a no-op, got changed=%v conflict=%v", policy, res.Changed, res.Conflict)
		}
		if !res.NewValue.Equal(dec("10")) {
			t.Fatalf("policy %s: expected 10, got %s", policy, res.NewValue)
		}
	}
}

func TestResolveField_PriceTolerance(t *testing.T) {
	// Within the tolerance: treated as equal even under RemoteWins.
	res := ResolveField(FieldPrice, dec("99.995"), dec("100.00"), models.ConflictPolicyRemoteWins, false)
	if res.Changed {
		t.Fatalf("0.005 difference is within tolerance, got changed with %s", res.NewValue)
	}

	// Past the tolerance: the policy decides.
	res = ResolveField(FieldPrice, dec("100.00"), dec("100.02"), models.ConflictPolicyRemoteWins, false)
	if !res.Changed || !res.NewValue.Equal(dec("100.02")) {
		t.Fatalf("0.02 difference must resolve, got changed=%v value=%s", res.Changed, res.NewValue)
	}

	// Stock compares exactly; the tolerance is price-only.
	res = ResolveField(FieldStock, dec("100.00"), dec("100.005"), models.ConflictPolicyRemoteWins, false)
	if !res.Changed {
		t.Fatal("stock values differ, expected a change under RemoteWins")
	}
}

func TestResolveField_ExtremumPolicies(t *testing.T) {
	res := ResolveField(FieldStock, dec("10"), dec("15"), models.ConflictPolicyHighestWins, false)
	if !res.Changed || !res.NewValue.Equal(dec("15")) {
		t.Fatalf("HighestWins with higher remote: expected 15 changed, got %s changed=%v", res.NewValue, res.Changed)
	}

	res = ResolveField(FieldStock, dec("15"), dec("10"), models.ConflictPolicyHighestWins, false)
	if res.Changed || !res.NewValue.Equal(dec("15")) {
		t.Fatalf("HighestWins with higher local: expected 15 unchanged, got %s changed=%v", res.NewValue, res.Changed)
	}

	res = ResolveField(FieldStock, dec("15"), dec("10"), models.ConflictPolicyLowestWins, false)
	if !res.Changed || !res.NewValue.Equal(dec("10")) {
		t.Fatalf("LowestWins with lower remote: expected 10 changed, got %s changed=%v", res.NewValue, res.Changed)
	}
}

func TestResolveField_LocalWinsKeepsLocal(t *testing.T) {
	res := ResolveField(FieldStock, dec("3"), dec("8"), models.ConflictPolicyLocalWins, false)
	if res.Changed || !res.NewValue.Equal(dec("3")) {
		t.Fatalf("LocalWins must keep 3, got %s changed=%v", res.NewValue, res.Changed)
	}
	if res.Conflict != nil {
		t.Fatal("LocalWins should not record a conflict")
	}
}

func TestResolveField_DetectOnlyRecordsWithoutChanging(t *testing.T) {
	res := ResolveField(FieldPrice, dec("50"), dec("60"), models.ConflictPolicyDetectOnly, true)
	if res.Changed {
		t.Fatal("DetectOnly must never change a value")
	}
	if res.Conflict == nil {
		t.Fatal("DetectOnly must record the divergence")
	}
	if res.Conflict.LocalValue != "50" || res.Conflict.RemoteValue != "60" {
		t.Fatalf("conflict captured %s/%s, expected 50/60", res.Conflict.LocalValue, res.Conflict.RemoteValue)
	}
	if !res.Conflict.RecentLocalChange {
		t.Fatal("recent local change flag was dropped")
	}
	if res.Conflict.FieldName != FieldPrice {
		t.Fatalf("conflict field is %q", res.Conflict.FieldName)
	}
}

func TestResolveField_ResolutionIsIdempotent(t *testing.T) {
	first := ResolveField(FieldStock, dec("10"), dec("15"), models.ConflictPolicyRemoteWins, false)
	if !first.Changed {
		t.Fatal("expected a change on first resolution")
	}
	second := ResolveField(FieldStock, first.NewValue, dec("15"), models.ConflictPolicyRemoteWins, false)
	if second.Changed || second.Conflict != nil {
		t.Fatal("re-resolving an already-resolved field must be a no-op")
	}
}
