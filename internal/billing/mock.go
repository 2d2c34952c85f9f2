package billing

import (
	"context"
	"fmt"
	"sync"
)

// MockProcessor is a mock processor for testing.
// Calls succeed unless the matching Func field is set.
type MockProcessor struct {
	// RetryChargeFunc allows customizing charge behavior
	RetryChargeFunc func(ctx context.Context, params RetryChargeParams) (*ChargeResult, error)

	// CancelSubscriptionFunc allows customizing cancellation behavior
	CancelSubscriptionFunc func(ctx context.Context, processorSubscriptionID string) error

	// SetCancelAtPeriodEndFunc allows customizing period-end cancellation behavior
	SetCancelAtPeriodEndFunc func(ctx context.Context, processorSubscriptionID string, cancel bool) error

	mu      sync.Mutex
	callLog []string
}

var _ Processor = (*MockProcessor)(nil)

// NewMockProcessor creates a new mock processor.
func NewMockProcessor() *MockProcessor {
	return &MockProcessor{}
}

// RetryCharge records the call and returns a paid result by default.
func (m *MockProcessor) RetryCharge(ctx context.Context, params RetryChargeParams) (*ChargeResult, error) {
	m.record(fmt.Sprintf("RetryCharge(%s, %s)", params.ProcessorSubscriptionID, params.ProcessorInvoiceID))

	if m.RetryChargeFunc != nil {
		return m.RetryChargeFunc(ctx, params)
	}
	return &ChargeResult{ProcessorInvoiceID: params.ProcessorInvoiceID, Status: "paid", Paid: true}, nil
}

// CancelSubscription records the call.
func (m *MockProcessor) CancelSubscription(ctx context.Context, processorSubscriptionID string) error {
	m.record(fmt.Sprintf("CancelSubscription(%s)", processorSubscriptionID))

	if m.CancelSubscriptionFunc != nil {
		return m.CancelSubscriptionFunc(ctx, processorSubscriptionID)
	}
	return nil
}

// SetCancelAtPeriodEnd records the call.
func (m *MockProcessor) SetCancelAtPeriodEnd(ctx context.Context, processorSubscriptionID string, cancel bool) error {
	m.record(fmt.Sprintf("SetCancelAtPeriodEnd(%s, %t)", processorSubscriptionID, cancel))

	if m.SetCancelAtPeriodEndFunc != nil {
		return m.SetCancelAtPeriodEndFunc(ctx, processorSubscriptionID, cancel)
	}
	return nil
}

// CallLog returns a copy of the recorded calls.
func (m *MockProcessor) CallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.callLog...)
}

func (m *MockProcessor) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callLog = append(m.callLog, call)
}
