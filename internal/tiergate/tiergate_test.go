package tiergate

import (
	"errors"
	"testing"

	"github.com/nantokaworks/streamlive/internal/domain"
)

func TestCheck_CanonicalPolicyMatrix(t *testing.T) {
	tiers := []domain.TierLevel{domain.TierBasic, domain.TierPremium, domain.TierVIP, domain.TierVVIP}

	for _, user := range tiers {
		for _, required := range tiers {
			result, err := Check(user, required, CanonicalPolicy)
			if err != nil {
				t.Fatalf("Check(%s, %s) failed: %v", user, required, err)
			}

			want := user.Rank() >= required.Rank()
			if result.Allowed != want {
				t.Fatalf("Check(%s, %s): got=%v want=%v", user, required, result.Allowed, want)
			}
			if !result.Allowed && result.Reason == "" {
				t.Fatalf("Check(%s, %s): denied without reason", user, required)
			}
		}
	}
}

func TestCheck_ExactMatchPolicy(t *testing.T) {
	policy := Policy{RequireExactMatch: true}

	result, err := Check(domain.TierVVIP, domain.TierVIP, policy)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if result.Allowed {
		t.Fatalf("higher tier should be denied under exact match")
	}

	result, err = Check(domain.TierVIP, domain.TierVIP, policy)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("equal tier should be allowed under exact match")
	}
}

func TestCheck_HigherTierDeniedWithoutAllowance(t *testing.T) {
	policy := Policy{AllowHigherTier: false}

	result, err := Check(domain.TierVVIP, domain.TierBasic, policy)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if result.Allowed {
		t.Fatalf("higher tier should be denied when AllowHigherTier is false")
	}

	result, err = Check(domain.TierBasic, domain.TierBasic, policy)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("equal tier should always be allowed")
	}
}

func TestCheck_UnknownTier(t *testing.T) {
	if _, err := Check("platinum", domain.TierBasic, CanonicalPolicy); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Check(domain.TierBasic, "platinum", CanonicalPolicy); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("unexpected error: %v", err)
	}
}
