package tiergate

import (
	"errors"
	"fmt"

	"github.com/nantokaworks/streamlive/internal/domain"
)

var ErrUnknownTier = errors.New("unknown tier level")

// Policy controls how a viewer tier is compared against a requirement.
type Policy struct {
	AllowHigherTier   bool
	RequireExactMatch bool
}

// CanonicalPolicy is the policy used everywhere in the app: a user clears the
// gate when their tier rank is at least the required rank.
var CanonicalPolicy = Policy{AllowHigherTier: true, RequireExactMatch: false}

// Result is the outcome of a gate evaluation.
type Result struct {
	Allowed bool
	Reason  string
}

// Check evaluates access between a user tier and a required tier. It is pure:
// no network, no side effects, and results are never cached across attempts
// (a tier can change between attempts via purchase or upgrade).
func Check(userTier, requiredTier domain.TierLevel, policy Policy) (Result, error) {
	if !userTier.Known() {
		return Result{}, fmt.Errorf("%w: user tier %q", ErrUnknownTier, userTier)
	}
	if !requiredTier.Known() {
		return Result{}, fmt.Errorf("%w: required tier %q", ErrUnknownTier, requiredTier)
	}

	if policy.RequireExactMatch {
		if userTier == requiredTier {
			return Result{Allowed: true}, nil
		}
		return Result{
			Allowed: false,
			Reason:  fmt.Sprintf("tier %s required exactly, have %s", requiredTier, userTier),
		}, nil
	}

	userRank := userTier.Rank()
	requiredRank := requiredTier.Rank()

	if userRank == requiredRank {
		return Result{Allowed: true}, nil
	}
	if userRank > requiredRank && policy.AllowHigherTier {
		return Result{Allowed: true}, nil
	}

	return Result{
		Allowed: false,
		Reason:  fmt.Sprintf("tier %s or above required, have %s", requiredTier, userTier),
	}, nil
}
