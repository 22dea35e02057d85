package entitlements

import (
	"strings"
	"time"
)

type Tier string

const (
	TierFree         Tier = "free"
	TierBasic        Tier = "basic"
	TierProfessional Tier = "professional"
)

// Unlimited marks a daily limit without a cap.
const Unlimited = -1

// Features describes what a membership tier unlocks.
type Features struct {
	Watermark          bool `json:"watermark"`
	PriorityProcessing bool `json:"priority_processing"`
	SceneFusion        bool `json:"scene_fusion"`
	DailyLimit         int  `json:"daily_limit"`
}

// NormalizeTier maps free-form input to a known tier, defaulting to free.
func NormalizeTier(tier string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(tier))) {
	case TierBasic:
		return TierBasic
	case TierProfessional:
		return TierProfessional
	default:
		return TierFree
	}
}

// FeaturesFor returns the feature set for a tier.
func FeaturesFor(tier Tier) Features {
	switch tier {
	case TierProfessional:
		return Features{Watermark: false, PriorityProcessing: true, SceneFusion: true, DailyLimit: Unlimited}
	case TierBasic:
		return Features{Watermark: false, PriorityProcessing: true, SceneFusion: false, DailyLimit: 100}
	default:
		return Features{Watermark: true, PriorityProcessing: false, SceneFusion: false, DailyLimit: 5}
	}
}

// IsExpired reports whether a paid tier has lapsed. The free tier never
// expires and a paid tier without an expiry is treated as still valid.
func IsExpired(tier Tier, expiry *time.Time, now time.Time) bool {
	if tier == TierFree || expiry == nil {
		return false
	}
	return !expiry.After(now)
}

// Effective returns the tier a user is entitled to right now. A lapsed paid
// tier counts as free until the downgrade task rewrites the row.
func Effective(tier Tier, expiry *time.Time, now time.Time) Tier {
	if IsExpired(tier, expiry, now) {
		return TierFree
	}
	return tier
}
