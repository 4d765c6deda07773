package gateway

// CreditsPerUSD is the fixed conversion rate between display currency and
// credits, the smallest billable unit charged by the upstream API.
const CreditsPerUSD = 100_000

// CreditsToUSD converts a credit amount to display currency. Used only at
// reporting boundaries; all internal accounting stays in integer credits.
func CreditsToUSD(credits int64) float64 {
	return float64(credits) / CreditsPerUSD
}

// USDToCredits converts a display-currency amount to credits.
func USDToCredits(usd float64) int64 {
	return int64(usd*CreditsPerUSD + 0.5)
}

// PricingRate holds the upstream's published rate for one endpoint category.
type PricingRate struct {
	// UnitCostPer1000 is the credit cost per 1000 returned items.
	UnitCostPer1000 int64 `yaml:"unit_cost_per_1000"`

	// MinimumCost is charged per upstream call even for zero-item responses.
	MinimumCost int64 `yaml:"minimum_cost"`
}

// DefaultPricing returns the upstream's published rate table: tweets at
// 15 credits per 1000, user profiles at 18 per 1000, followers at 15 per
// 1000, and a 15 credit minimum per request across the board.
func DefaultPricing() map[Endpoint]PricingRate {
	tweet := PricingRate{UnitCostPer1000: 15, MinimumCost: 15}
	user := PricingRate{UnitCostPer1000: 18, MinimumCost: 15}
	return map[Endpoint]PricingRate{
		EndpointSearch:       tweet,
		EndpointUserLookup:   user,
		EndpointUserBatch:    user,
		EndpointFollowers:    {UnitCostPer1000: 15, MinimumCost: 15},
		EndpointUserTweets:   tweet,
		EndpointTweetReplies: tweet,
		EndpointListTweets:   tweet,
		EndpointWebhookRules: {UnitCostPer1000: 15, MinimumCost: 15},
	}
}

// Pricing maps endpoint categories to their cost in credits. It is immutable
// after construction and safe for concurrent use.
type Pricing struct {
	rates map[Endpoint]PricingRate
}

// NewPricing builds a pricing table. Every known endpoint category must have
// a valid rate; a hole in the table is a startup configuration error, never
// a request-time failure.
func NewPricing(rates map[Endpoint]PricingRate) (*Pricing, error) {
	if rates == nil {
		rates = DefaultPricing()
	}
	table := make(map[Endpoint]PricingRate, len(rates))
	for ep, rate := range rates {
		if !ep.Valid() {
			return nil, &ConfigError{Field: "pricing", Reason: "unknown endpoint category " + string(ep)}
		}
		if rate.UnitCostPer1000 < 0 || rate.MinimumCost < 0 {
			return nil, &ConfigError{Field: "pricing", Reason: "negative rate for " + string(ep)}
		}
		table[ep] = rate
	}
	for _, ep := range Endpoints() {
		if _, ok := table[ep]; !ok {
			return nil, &ConfigError{Field: "pricing", Reason: "no rate for " + string(ep)}
		}
	}
	return &Pricing{rates: table}, nil
}

// Cost returns the credit cost of one upstream call that returned itemCount
// items: max(minimum, ceil(itemCount/1000 * unit)). Costs are never
// fractional credits; rounding is always up.
func (p *Pricing) Cost(endpoint Endpoint, itemCount int) int64 {
	rate, ok := p.rates[endpoint]
	if !ok {
		// NewPricing guarantees full coverage; an unknown endpoint here is a
		// programming error and bills at the most expensive default.
		rate = PricingRate{UnitCostPer1000: 18, MinimumCost: 15}
	}
	if itemCount < 0 {
		itemCount = 0
	}
	unit := (int64(itemCount)*rate.UnitCostPer1000 + 999) / 1000
	if unit < rate.MinimumCost {
		return rate.MinimumCost
	}
	return unit
}

// Rate returns the configured rate for an endpoint category.
func (p *Pricing) Rate(endpoint Endpoint) (PricingRate, bool) {
	rate, ok := p.rates[endpoint]
	return rate, ok
}

// expectedItemsPerPage is the planning estimate used to price a request
// before the upstream call returns. Derived from observed upstream page
// sizes per endpoint category.
func expectedItemsPerPage(endpoint Endpoint, params Params) int {
	switch endpoint {
	case EndpointFollowers:
		return 200
	case EndpointUserLookup:
		return 1
	case EndpointUserBatch:
		ids := params["userIds"]
		if ids == "" {
			return 1
		}
		n := 1
		for i := 0; i < len(ids); i++ {
			if ids[i] == ',' {
				n++
			}
		}
		return n
	case EndpointWebhookRules:
		return 1
	default:
		// Tweet-bearing endpoints page at ~20 items.
		return 20
	}
}
