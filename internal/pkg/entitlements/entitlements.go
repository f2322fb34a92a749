package entitlements

import "strings"

// Tier is the product tier a subscription plan belongs to. Plans are
// resolved either by database ID or by one of these type strings.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Unlimited is the sentinel for "no daily cap". Any limit at or above
// this value never blocks a metered action.
const Unlimited int64 = 999999

// Service identifies one metered generation service.
type Service string

const (
	ServiceWords    Service = "words"
	ServiceImages   Service = "images"
	ServiceVideos   Service = "videos"
	ServiceSearches Service = "searches"
	ServiceMessages Service = "messages"
)

// Services lists every metered service in a stable order.
var Services = []Service{ServiceWords, ServiceImages, ServiceVideos, ServiceSearches, ServiceMessages}

// Limits holds the per-UTC-day caps of a plan. Embedded into the plan
// and subscription models so the snapshot survives later plan edits.
type Limits struct {
	WordsPerDay    int64 `json:"words_per_day"`
	ImagesPerDay   int64 `json:"images_per_day"`
	VideosPerDay   int64 `json:"videos_per_day"`
	SearchesPerDay int64 `json:"searches_per_day"`
	MessagesPerDay int64 `json:"messages_per_day"`
}

// For returns the cap for one service.
func (l Limits) For(svc Service) int64 {
	switch svc {
	case ServiceWords:
		return l.WordsPerDay
	case ServiceImages:
		return l.ImagesPerDay
	case ServiceVideos:
		return l.VideosPerDay
	case ServiceSearches:
		return l.SearchesPerDay
	case ServiceMessages:
		return l.MessagesPerDay
	}
	return 0
}

// IsUnlimited reports whether a limit value means "no cap".
func IsUnlimited(limit int64) bool {
	return limit >= Unlimited
}

// ParseTier normalizes a plan type string. Unknown strings map to free.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierBasic:
		return TierBasic
	case TierPro:
		return TierPro
	case TierEnterprise:
		return TierEnterprise
	default:
		return TierFree
	}
}

// Rank orders tiers for upgrade/downgrade comparisons.
func Rank(t Tier) int {
	switch t {
	case TierEnterprise:
		return 3
	case TierPro:
		return 2
	case TierBasic:
		return 1
	default:
		return 0
	}
}

// ForTier returns the default daily caps a tier ships with. The plan
// catalog seeds from these; the database rows stay authoritative after.
func ForTier(t Tier) Limits {
	switch t {
	case TierEnterprise:
		return Limits{
			WordsPerDay:    Unlimited,
			ImagesPerDay:   Unlimited,
			VideosPerDay:   100,
			SearchesPerDay: Unlimited,
			MessagesPerDay: Unlimited,
		}
	case TierPro:
		return Limits{
			WordsPerDay:    50000,
			ImagesPerDay:   200,
			VideosPerDay:   20,
			SearchesPerDay: 500,
			MessagesPerDay: 1000,
		}
	case TierBasic:
		return Limits{
			WordsPerDay:    10000,
			ImagesPerDay:   50,
			VideosPerDay:   5,
			SearchesPerDay: 100,
			MessagesPerDay: 200,
		}
	default: // free
		return Limits{
			WordsPerDay:    1000,
			ImagesPerDay:   5,
			VideosPerDay:   0,
			SearchesPerDay: 10,
			MessagesPerDay: 20,
		}
	}
}
