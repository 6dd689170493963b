package domain

// TierLevel is a ranked account privilege level gating hosting and viewing.
type TierLevel string

const (
	TierBasic   TierLevel = "basic"
	TierPremium TierLevel = "premium"
	TierVIP     TierLevel = "vip"
	TierVVIP    TierLevel = "vvip"
)

var tierRanks = map[TierLevel]int{
	TierBasic:   0,
	TierPremium: 1,
	TierVIP:     2,
	TierVVIP:    3,
}

// Rank returns the tier's position in the Basic < Premium < VIP < VVIP order.
// Unknown tiers rank below Basic so a malformed profile never gains access.
func (t TierLevel) Rank() int {
	if r, ok := tierRanks[t]; ok {
		return r
	}
	return -1
}

// Known reports whether the tier is one of the defined levels.
func (t TierLevel) Known() bool {
	_, ok := tierRanks[t]
	return ok
}
