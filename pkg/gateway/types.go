package gateway

import (
	"time"
)

// Endpoint identifies an upstream endpoint category. Pricing, cache TTLs and
// usage accounting are all keyed by endpoint category.
type Endpoint string

const (
	// EndpointSearch is the advanced tweet search endpoint.
	EndpointSearch Endpoint = "search"
	// EndpointUserLookup resolves a single user profile by username.
	EndpointUserLookup Endpoint = "user-lookup"
	// EndpointUserBatch resolves many user profiles in one metered call.
	EndpointUserBatch Endpoint = "batched-user-lookup"
	// EndpointFollowers lists the followers of a user.
	EndpointFollowers Endpoint = "followers"
	// EndpointUserTweets lists the most recent tweets of a user.
	EndpointUserTweets Endpoint = "user-tweets"
	// EndpointTweetReplies lists replies to a tweet.
	EndpointTweetReplies Endpoint = "tweet-replies"
	// EndpointListTweets lists tweets from a Twitter list.
	EndpointListTweets Endpoint = "list-tweets"
	// EndpointWebhookRules manages tweet filter rules for webhooks.
	EndpointWebhookRules Endpoint = "webhook-rules"
)

// Endpoints returns every known endpoint category.
func Endpoints() []Endpoint {
	return []Endpoint{
		EndpointSearch,
		EndpointUserLookup,
		EndpointUserBatch,
		EndpointFollowers,
		EndpointUserTweets,
		EndpointTweetReplies,
		EndpointListTweets,
		EndpointWebhookRules,
	}
}

// Valid reports whether e is a known endpoint category.
func (e Endpoint) Valid() bool {
	switch e {
	case EndpointSearch, EndpointUserLookup, EndpointUserBatch, EndpointFollowers,
		EndpointUserTweets, EndpointTweetReplies, EndpointListTweets, EndpointWebhookRules:
		return true
	}
	return false
}

// paginated reports whether the endpoint follows a cursor across pages.
// Lookup-style endpoints return everything in a single call.
func (e Endpoint) paginated() bool {
	switch e {
	case EndpointUserLookup, EndpointUserBatch, EndpointWebhookRules:
		return false
	}
	return true
}

// Priority is the admission priority attached to a request at call time.
// It influences budget admission only, never queue order at the rate limiter.
type Priority string

const (
	// PriorityHigh requests are admitted as long as the budget can cover them.
	PriorityHigh Priority = "high"
	// PriorityMedium requests are throttled once budget pressure rises.
	PriorityMedium Priority = "medium"
	// PriorityLow requests are throttled once budget pressure rises.
	PriorityLow Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Params holds upstream query parameters. Values are passed through to the
// upstream boundary opaquely; query semantics belong to the caller.
type Params map[string]string

// clone returns a copy so the gateway can clamp values without mutating
// caller-owned maps.
func (p Params) clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Request describes one logical gateway request issued by a collection job.
type Request struct {
	// Endpoint selects the upstream endpoint category.
	Endpoint Endpoint

	// Params are the upstream query parameters (opaque to the gateway).
	Params Params

	// Priority drives budget admission. Defaults to PriorityMedium.
	Priority Priority

	// MaxPages caps the pagination loop. 0 uses the configured default;
	// values above the configured maximum are clamped down.
	MaxPages int

	// MaxResults caps the number of returned items. 0 uses the configured
	// default; values above the configured maximum are clamped down.
	MaxResults int

	// Cursor resumes pagination from a previous response.
	Cursor string

	// SkipCache bypasses the response cache for this call.
	SkipCache bool
}

// Tweet is the normalized shape of an upstream tweet. Optional fields are
// zero-valued when the upstream payload omits them.
type Tweet struct {
	ID             string
	Text           string
	AuthorID       string
	AuthorUsername string
	CreatedAt      time.Time
	ReplyCount     int
	RetweetCount   int
	LikeCount      int
	Pinned         bool
}

// User is the normalized shape of an upstream user profile.
type User struct {
	ID          string
	Username    string
	Name        string
	Description string
	Followers   int
	Following   int
	Verified    bool
	CreatedAt   time.Time
}

// WebhookRule is the normalized shape of a tweet filter rule.
type WebhookRule struct {
	ID              string
	Tag             string
	Value           string
	IntervalSeconds int
	Active          bool
}

// Payload is the stable normalized result returned to callers regardless of
// upstream shape variance. Exactly one of the item slices is populated,
// selected by Endpoint.
type Payload struct {
	Endpoint Endpoint

	Tweets []Tweet
	Users  []User
	Rules  []WebhookRule

	// ItemCount is the number of items across whichever slice is populated.
	ItemCount int

	// Cursor is the pagination cursor for the next page, empty when the
	// upstream reported no further data.
	Cursor string

	// HasMore reports whether the upstream indicated additional pages.
	HasMore bool

	// Pages is the number of upstream calls this payload was assembled from.
	Pages int

	// FromCache reports whether the payload was served from the response
	// cache without an upstream call.
	FromCache bool

	FetchedAt time.Time
}

// items returns the populated slice length; used by normalization and tests.
func (p *Payload) items() int {
	switch {
	case p.Tweets != nil:
		return len(p.Tweets)
	case p.Users != nil:
		return len(p.Users)
	case p.Rules != nil:
		return len(p.Rules)
	}
	return 0
}

// BudgetStatus is a read-only snapshot of the daily budget ledger.
type BudgetStatus struct {
	DayKey      string
	DailyBudget int64
	SpentToday  int64
	Reserved    int64
	Remaining   int64
}

// UsageRatio returns spent divided by budget, the input to graduated
// throttling. A zero budget reads as fully used.
func (s BudgetStatus) UsageRatio() float64 {
	if s.DailyBudget <= 0 {
		return 1
	}
	return float64(s.SpentToday+s.Reserved) / float64(s.DailyBudget)
}

// CacheStats holds response cache performance counters.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// PacerStats is a read-only snapshot of the rate limiter.
type PacerStats struct {
	WindowCount    int
	MaxPerMinute   int
	BaseDelay      time.Duration
	EffectiveDelay time.Duration
	BackoffActive  bool
	TotalAcquired  int64
	TotalThrottled int64
	LastCall       time.Time
}
