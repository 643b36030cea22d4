package protocol

// Tier is the ordered permission class of a chat user.
type Tier string

const (
	TierEveryone    Tier = "EVERYONE"
	TierSub         Tier = "SUB"
	TierVIP         Tier = "VIP"
	TierMod         Tier = "MOD"
	TierBroadcaster Tier = "BROADCASTER"
)

var tierRank = map[Tier]int{
	TierEveryone:    0,
	TierSub:         1,
	TierVIP:         2,
	TierMod:         3,
	TierBroadcaster: 4,
}

// Rank returns the tier's position in the EVERYONE..BROADCASTER order.
// Unknown tiers rank as EVERYONE.
func (t Tier) Rank() int {
	return tierRank[t]
}

// AtLeast reports whether t grants at least the access of min.
func (t Tier) AtLeast(min Tier) bool {
	return t.Rank() >= min.Rank()
}
