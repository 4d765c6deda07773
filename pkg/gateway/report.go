package gateway

// DayReport is one day's usage within a report window.
type DayReport struct {
	DayKey     string                     `json:"day"`
	Spent      int64                      `json:"spent_credits"`
	SpentUSD   float64                    `json:"spent_usd"`
	Requests   int64                      `json:"requests"`
	UsageRatio float64                    `json:"usage_ratio"`
	Endpoints  map[Endpoint]EndpointTotals `json:"endpoints,omitempty"`
}

// UsageReport summarizes spend over a trailing window of days, oldest
// first. Totals accumulate across the window; per-endpoint totals fold
// every day together.
type UsageReport struct {
	Days          []DayReport                `json:"days"`
	TotalSpent    int64                      `json:"total_spent_credits"`
	TotalSpentUSD float64                    `json:"total_spent_usd"`
	TotalRequests int64                      `json:"total_requests"`
	PerEndpoint   map[Endpoint]EndpointTotals `json:"per_endpoint"`
}

func buildUsageReport(dailyBudget int64, usage []*DayUsage) *UsageReport {
	report := &UsageReport{
		Days:        make([]DayReport, 0, len(usage)),
		PerEndpoint: make(map[Endpoint]EndpointTotals),
	}
	for _, day := range usage {
		dr := DayReport{
			DayKey:   day.DayKey,
			Spent:    day.Spent,
			SpentUSD: CreditsToUSD(day.Spent),
			Requests: day.Requests,
		}
		if dailyBudget > 0 {
			dr.UsageRatio = float64(day.Spent) / float64(dailyBudget)
		}
		if len(day.PerEndpoint) > 0 {
			dr.Endpoints = make(map[Endpoint]EndpointTotals, len(day.PerEndpoint))
			for ep, totals := range day.PerEndpoint {
				dr.Endpoints[ep] = totals
				agg := report.PerEndpoint[ep]
				agg.Requests += totals.Requests
				agg.Spent += totals.Spent
				report.PerEndpoint[ep] = agg
			}
		}
		report.Days = append(report.Days, dr)
		report.TotalSpent += day.Spent
		report.TotalRequests += day.Requests
	}
	report.TotalSpentUSD = CreditsToUSD(report.TotalSpent)
	return report
}
