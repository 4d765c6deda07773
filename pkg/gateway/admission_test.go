package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingMetrics captures rejection reasons for assertions.
type recordingMetrics struct {
	NoopMetrics
	mu         sync.Mutex
	rejections map[string]int
	charges    map[Endpoint]int64
	outcomes   map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		rejections: make(map[string]int),
		charges:    make(map[Endpoint]int64),
		outcomes:   make(map[string]int),
	}
}

func (m *recordingMetrics) RecordRejection(_ Endpoint, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections[reason]++
}

func (m *recordingMetrics) RecordCharge(endpoint Endpoint, credits int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges[endpoint] += credits
}

func (m *recordingMetrics) RecordRequest(_ Endpoint, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *recordingMetrics) rejectionCount(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejections[reason]
}

func (m *recordingMetrics) outcomeCount(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[outcome]
}

func (m *recordingMetrics) chargeTotal(endpoint Endpoint) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.charges[endpoint]
}

// spendToRatio commits spend until the ledger sits at the given ratio.
func spendToRatio(t *testing.T, ledger *Ledger, budget int64, ratio float64) {
	t.Helper()
	ctx := context.Background()
	amount := int64(float64(budget) * ratio)
	resv, err := ledger.Reserve(ctx, EndpointSearch, PriorityHigh, amount)
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(ctx, resv, amount, 1))
}

func TestAdmit_PriorityMatrix(t *testing.T) {
	tests := []struct {
		name     string
		ratio    float64
		priority Priority
		wantErr  error
	}{
		{"low usage admits low priority", 0.10, PriorityLow, nil},
		{"low usage admits medium priority", 0.10, PriorityMedium, nil},
		{"low usage admits high priority", 0.10, PriorityHigh, nil},
		{"at threshold rejects low priority", 0.80, PriorityLow, ErrBudgetThrottled},
		{"at threshold rejects medium priority", 0.80, PriorityMedium, ErrBudgetThrottled},
		{"at threshold admits high priority", 0.80, PriorityHigh, nil},
		{"above threshold rejects medium priority", 0.90, PriorityMedium, ErrBudgetThrottled},
		{"just below threshold admits medium priority", 0.79, PriorityMedium, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			const budget = 10_000
			ledger, _, _ := testLedger(t, budget)
			admission := NewAdmissionController(ledger, nil, nil)

			spendToRatio(t, ledger, budget, tt.ratio)

			_, err := admission.Admit(ctx, EndpointSearch, tt.priority, 100)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAdmit_InsufficientBeatsThrottle(t *testing.T) {
	ctx := context.Background()
	const budget = 1000
	ledger, _, _ := testLedger(t, budget)
	metrics := newRecordingMetrics()
	admission := NewAdmissionController(ledger, nil, metrics)

	spendToRatio(t, ledger, budget, 0.90)

	// Even high priority cannot overdraw the budget.
	_, err := admission.Admit(ctx, EndpointSearch, PriorityHigh, 200)
	assert.ErrorIs(t, err, ErrInsufficientBudget)
	assert.Equal(t, 1, metrics.rejectionCount("insufficient_budget"))

	_, err = admission.Admit(ctx, EndpointSearch, PriorityLow, 50)
	assert.ErrorIs(t, err, ErrBudgetThrottled)
	assert.Equal(t, 1, metrics.rejectionCount("budget_throttled"))
}

func TestAdmit_InvalidPriorityDefaultsToMedium(t *testing.T) {
	ctx := context.Background()
	const budget = 1000
	ledger, _, _ := testLedger(t, budget)
	admission := NewAdmissionController(ledger, nil, nil)

	spendToRatio(t, ledger, budget, 0.85)

	// An unknown priority is treated as medium, which is throttled here.
	_, err := admission.Admit(ctx, EndpointSearch, Priority("urgent"), 10)
	assert.ErrorIs(t, err, ErrBudgetThrottled)
}
