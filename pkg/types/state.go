package types

// Tier identifies which storage layer owns a memory item.
type Tier string

// Tier constants, ordered from most to least expensive to query.
const (
	TierHot  Tier = "hot"  // Current session, exact recency
	TierWarm Tier = "warm" // Vector index
	TierCold Tier = "cold" // Append-only archive
)

// ValidTiers contains all tiers in promotion order.
var ValidTiers = []Tier{TierHot, TierWarm, TierCold}

// IsValidTier checks if t names a known tier.
func IsValidTier(t Tier) bool {
	for _, v := range ValidTiers {
		if t == v {
			return true
		}
	}
	return false
}

// ParseTier converts a string into a Tier, returning false when unknown.
func ParseTier(s string) (Tier, bool) {
	t := Tier(s)
	return t, IsValidTier(t)
}

// IsValidTierTransition validates ownership changes.
//
// Valid transitions:
//
//	(empty) -> hot
//	hot  -> warm
//	warm -> cold | hot
//	cold -> hot
//
// Movement is monotonic except the reinforcement back-edge into hot.
func IsValidTierTransition(from, to Tier) bool {
	switch from {
	case "":
		return to == TierHot
	case TierHot:
		return to == TierWarm
	case TierWarm:
		return to == TierCold || to == TierHot
	case TierCold:
		return to == TierHot
	default:
		return false
	}
}
