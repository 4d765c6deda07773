package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// Gateway mediates every upstream call: it prices work before it runs,
// answers from cache when it can, paces what must go out, and reconciles
// the budget with what actually came back.
type Gateway struct {
	cfg       Config
	pricing   *Pricing
	ledger    *Ledger
	admission *AdmissionController
	cache     ResponseCache
	pacer     *Pacer
	upstream  Upstream
	logger    Logger
	metrics   Metrics

	group singleflight.Group
	now   func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithCache sets the response cache. Defaults to an in-memory LRU.
func WithCache(cache ResponseCache) Option {
	return func(g *Gateway) {
		if cache != nil {
			g.cache = cache
		}
	}
}

// WithLogger sets the logger for the gateway and its components.
func WithLogger(logger Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics Metrics) Option {
	return func(g *Gateway) {
		if metrics != nil {
			g.metrics = metrics
		}
	}
}

// withClock overrides the gateway clock in tests.
func withClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New builds a Gateway from a validated configuration, a ledger store and
// an upstream client. The cfg is validated here, so callers may pass a
// partially filled Config.
func New(cfg Config, store LedgerStore, upstream Upstream, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, &ConfigError{Field: "store", Reason: "ledger store is required"}
	}
	if upstream == nil {
		return nil, &ConfigError{Field: "upstream", Reason: "upstream client is required"}
	}

	pricing, err := cfg.buildPricing()
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:      cfg,
		pricing:  pricing,
		cache:    NewMemoryCache(0),
		pacer:    NewPacer(cfg.MaxPerMinute, cfg.BaseDelay),
		upstream: upstream,
		logger:   &NoopLogger{},
		metrics:  &NoopMetrics{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	ledger, err := NewLedger(store, cfg.DailyBudgetCredits,
		WithLocation(cfg.Location()),
		WithThrottleRatio(cfg.ThrottleRatio),
		WithReservationTTL(cfg.ReservationTTL),
		WithLedgerLogger(g.logger),
		withLedgerClock(func() time.Time { return g.now() }),
	)
	if err != nil {
		return nil, err
	}
	g.ledger = ledger
	g.admission = NewAdmissionController(ledger, g.logger, g.metrics)
	return g, nil
}

// Request runs one collection request through the full pipeline:
// cache lookup, admission, paced pagination, budget reconciliation and
// cache fill. Identical in-flight requests are collapsed into one
// upstream fetch.
func (g *Gateway) Request(ctx context.Context, req Request) (*Payload, error) {
	start := g.now()
	if !req.Endpoint.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, req.Endpoint)
	}
	req.Params = req.Params.clone()
	g.clamp(&req)

	fp := Fingerprint(req.Endpoint, req.Params, req.MaxResults)

	if !req.SkipCache {
		payload, ok, err := g.cache.Lookup(ctx, fp)
		if err != nil {
			g.logger.Warn("cache lookup failed",
				Field{Key: "endpoint", Value: string(req.Endpoint)},
				Field{Key: "error", Value: err.Error()},
			)
		}
		if ok {
			g.metrics.RecordCacheHit(req.Endpoint)
			g.metrics.RecordRequest(req.Endpoint, "cache_hit", g.now().Sub(start))
			return payload, nil
		}
		g.metrics.RecordCacheMiss(req.Endpoint)
	}

	v, err, _ := g.group.Do(fp, func() (interface{}, error) {
		return g.fetch(ctx, req, fp)
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientBudget), errors.Is(err, ErrBudgetThrottled):
			g.metrics.RecordRequest(req.Endpoint, "rejected", g.now().Sub(start))
		default:
			g.metrics.RecordRequest(req.Endpoint, "failed", g.now().Sub(start))
		}
		return nil, err
	}
	g.metrics.RecordRequest(req.Endpoint, "upstream", g.now().Sub(start))
	return v.(*Payload), nil
}

// clamp applies configured defaults and ceilings to a request in place.
func (g *Gateway) clamp(req *Request) {
	if !req.Endpoint.paginated() {
		req.MaxPages = 1
	} else if req.MaxPages <= 0 || req.MaxPages > g.cfg.MaxPages {
		req.MaxPages = g.cfg.MaxPages
	}
	if req.MaxResults <= 0 || req.MaxResults > g.cfg.MaxResults {
		req.MaxResults = g.cfg.MaxResults
	}
}

// fetch is the cache-miss path: reserve budget, paginate, reconcile,
// fill the cache.
func (g *Gateway) fetch(ctx context.Context, req Request, fp string) (*Payload, error) {
	estimate := g.estimate(req)
	reservation, err := g.admission.Admit(ctx, req.Endpoint, req.Priority, estimate)
	if err != nil {
		return nil, err
	}

	payload, actualCost, requests, fetchErr := g.paginate(ctx, req)

	switch {
	case requests > 0:
		// Pages already fetched cost real money even when a later page
		// failed, so spend is committed, never rolled back.
		if err := g.ledger.Commit(ctx, reservation, actualCost, requests); err != nil {
			g.logger.Error("budget commit failed",
				Field{Key: "reservation", Value: reservation.ID},
				Field{Key: "error", Value: err.Error()},
			)
		}
		g.metrics.RecordCharge(req.Endpoint, actualCost)
	default:
		if err := g.ledger.Release(ctx, reservation); err != nil {
			g.logger.Warn("reservation release failed",
				Field{Key: "reservation", Value: reservation.ID},
				Field{Key: "error", Value: err.Error()},
			)
		}
	}

	if fetchErr != nil {
		return nil, fetchErr
	}

	if !req.SkipCache {
		entry := &CacheEntry{
			Fingerprint: fp,
			Endpoint:    req.Endpoint,
			Payload:     payload,
			StoredAt:    g.now(),
			TTL:         g.cfg.CacheTTL(req.Endpoint),
		}
		if err := g.cache.Store(ctx, entry); err != nil {
			g.logger.Warn("cache store failed",
				Field{Key: "endpoint", Value: string(req.Endpoint)},
				Field{Key: "error", Value: err.Error()},
			)
		}
	}

	g.logger.Info("request completed",
		Field{Key: "endpoint", Value: string(req.Endpoint)},
		Field{Key: "pages", Value: payload.Pages},
		Field{Key: "items", Value: payload.ItemCount},
		Field{Key: "credits", Value: actualCost},
	)
	return payload, nil
}

// estimate prices a request before it runs, assuming every allowed page
// comes back full.
func (g *Gateway) estimate(req Request) int64 {
	perPage := g.pricing.Cost(req.Endpoint, expectedItemsPerPage(req.Endpoint, req.Params))
	return perPage * int64(req.MaxPages)
}

// paginate walks upstream pages until a stop condition: page budget
// exhausted, no next cursor, an empty page, or enough items collected.
// Upstream throttling retries the same page after backoff, bounded only
// by ctx.
func (g *Gateway) paginate(ctx context.Context, req Request) (*Payload, int64, int64, error) {
	payload := &Payload{
		Endpoint:  req.Endpoint,
		Tweets:    []Tweet{},
		Users:     []User{},
		Rules:     []WebhookRule{},
		FetchedAt: g.now(),
	}
	cursor := req.Cursor

	var actualCost, requests int64
	for pageNum := 0; pageNum < req.MaxPages; pageNum++ {
		var pg *page
		for {
			waitStart := g.now()
			if err := g.pacer.Acquire(ctx); err != nil {
				return payload, actualCost, requests, err
			}
			g.metrics.RecordPacerWait(g.now().Sub(waitStart))

			callStart := g.now()
			body, err := g.upstream.Fetch(ctx, req.Endpoint, req.Params, cursor, req.MaxResults)
			g.metrics.RecordUpstreamCall(req.Endpoint, g.now().Sub(callStart), err)
			if errors.Is(err, ErrUpstreamThrottled) {
				g.pacer.ReportThrottled()
				g.logger.Warn("upstream throttled, backing off",
					Field{Key: "endpoint", Value: string(req.Endpoint)},
					Field{Key: "page", Value: pageNum + 1},
				)
				continue
			}
			if err != nil {
				return payload, actualCost, requests, err
			}
			g.pacer.ReportSuccess()

			requests++
			pg, err = normalizePage(req.Endpoint, body)
			if err != nil {
				// The call still happened and still costs the minimum.
				actualCost += g.pricing.Cost(req.Endpoint, 0)
				return payload, actualCost, requests, err
			}
			break
		}

		actualCost += g.pricing.Cost(req.Endpoint, pg.itemCount)
		payload.Tweets = append(payload.Tweets, pg.tweets...)
		payload.Users = append(payload.Users, pg.users...)
		payload.Rules = append(payload.Rules, pg.rules...)
		payload.Pages++

		if pg.itemCount == 0 {
			payload.HasMore = false
			payload.Cursor = ""
			break
		}

		payload.HasMore = pg.hasMore
		payload.Cursor = pg.cursor

		if g.truncate(payload, req.MaxResults) {
			break
		}
		if !pg.hasMore || pg.cursor == "" {
			break
		}
		cursor = pg.cursor
	}

	payload.ItemCount = payload.items()
	return payload, actualCost, requests, nil
}

// truncate caps the payload at maxResults items and reports whether the
// cap was reached. Items past the cap were already paid for but are not
// returned.
func (g *Gateway) truncate(payload *Payload, maxResults int) bool {
	if maxResults <= 0 {
		return false
	}
	switch {
	case len(payload.Tweets) >= maxResults:
		payload.Tweets = payload.Tweets[:maxResults]
		return true
	case len(payload.Users) >= maxResults:
		payload.Users = payload.Users[:maxResults]
		return true
	}
	return false
}

// batchLookupSize is the provider's ceiling on ids per batch lookup call.
const batchLookupSize = 100

// LookupUsers resolves user profiles by id, batching up to 100 ids per
// upstream call. Each batch passes through the full pipeline, so cached
// batches cost nothing.
func (g *Gateway) LookupUsers(ctx context.Context, ids []string, priority Priority) ([]User, error) {
	if len(ids) == 0 {
		return []User{}, nil
	}

	users := make([]User, 0, len(ids))
	for start := 0; start < len(ids); start += batchLookupSize {
		end := start + batchLookupSize
		if end > len(ids) {
			end = len(ids)
		}
		payload, err := g.Request(ctx, Request{
			Endpoint: EndpointUserBatch,
			Params:   Params{"userIds": strings.Join(ids[start:end], ",")},
			Priority: priority,
		})
		if err != nil {
			return users, err
		}
		users = append(users, payload.Users...)
	}
	return users, nil
}

// BudgetStatus reports the current day's budget position.
func (g *Gateway) BudgetStatus(ctx context.Context) (*BudgetStatus, error) {
	return g.ledger.Status(ctx)
}

// UsageReport aggregates spend over the trailing number of days,
// including today.
func (g *Gateway) UsageReport(ctx context.Context, days int) (*UsageReport, error) {
	usage, err := g.ledger.Window(ctx, days)
	if err != nil {
		return nil, err
	}
	return buildUsageReport(g.cfg.DailyBudgetCredits, usage), nil
}

// CacheStats returns response cache counters.
func (g *Gateway) CacheStats() CacheStats {
	return g.cache.Stats()
}

// InvalidateCache drops cached responses for one endpoint, or all of them
// when endpoint is empty. It returns the number of entries removed.
func (g *Gateway) InvalidateCache(ctx context.Context, endpoint Endpoint) (int, error) {
	if endpoint == "" {
		return g.cache.InvalidateAll(ctx)
	}
	if !endpoint.Valid() {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}
	return g.cache.Invalidate(ctx, endpoint)
}

// PacerStats returns pacing counters.
func (g *Gateway) PacerStats() PacerStats {
	return g.pacer.Stats()
}

// Ping checks upstream connectivity.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.upstream.Ping(ctx)
}

// Close releases the cache and ledger store resources.
func (g *Gateway) Close() error {
	cacheErr := g.cache.Close()
	storeErr := g.ledger.store.Close()
	if cacheErr != nil {
		return cacheErr
	}
	return storeErr
}
