package billing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(t *testing.T, handler http.HandlerFunc) *StripeProcessor {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewStripeProcessor(StripeConfig{
		APIKey:        "sk_test_123",
		WebhookSecret: "whsec_test",
		MaxRetries:    2,
		Timeout:       200 * time.Millisecond,
		APIURL:        srv.URL,
	}, WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }))
	require.NoError(t, err)
	return p
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestStripeProcessor_RetryCharge(t *testing.T) {
	tests := []struct {
		name         string
		responses    []func(w http.ResponseWriter)
		wantCalls    int32
		wantPaid     bool
		wantErr      bool
		wantDeclined bool
		wantTransien bool
	}{
		{
			name: "paid on first call",
			responses: []func(w http.ResponseWriter){
				func(w http.ResponseWriter) {
					writeJSON(w, 200, `{"id":"in_1","object":"invoice","status":"paid"}`)
				},
			},
			wantCalls: 1,
			wantPaid:  true,
		},
		{
			name: "card declined is not retried",
			responses: []func(w http.ResponseWriter){
				func(w http.ResponseWriter) {
					writeJSON(w, 402, `{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card was declined."}}`)
				},
			},
			wantCalls:    1,
			wantErr:      true,
			wantDeclined: true,
		},
		{
			name: "server error retried then succeeds",
			responses: []func(w http.ResponseWriter){
				func(w http.ResponseWriter) {
					writeJSON(w, 500, `{"error":{"type":"api_error","message":"boom"}}`)
				},
				func(w http.ResponseWriter) {
					writeJSON(w, 200, `{"id":"in_1","object":"invoice","status":"paid"}`)
				},
			},
			wantCalls: 2,
			wantPaid:  true,
		},
		{
			name: "persistent server error gives up after max retries",
			responses: []func(w http.ResponseWriter){
				func(w http.ResponseWriter) {
					writeJSON(w, 503, `{"error":{"type":"api_error","message":"unavailable"}}`)
				},
			},
			wantCalls:    3,
			wantErr:      true,
			wantTransien: true,
		},
		{
			name: "timeout is transient",
			responses: []func(w http.ResponseWriter){
				func(w http.ResponseWriter) {
					time.Sleep(400 * time.Millisecond)
					writeJSON(w, 200, `{"id":"in_1","object":"invoice","status":"paid"}`)
				},
			},
			wantCalls:    3,
			wantErr:      true,
			wantTransien: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			p := newTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/invoices/in_1/pay", r.URL.Path)
				n := calls.Add(1)
				idx := min(int(n)-1, len(tt.responses)-1)
				tt.responses[idx](w)
			})

			res, err := p.RetryCharge(context.Background(), RetryChargeParams{
				ProcessorSubscriptionID: "sub_1",
				ProcessorInvoiceID:      "in_1",
				IdempotencyKey:          "retry-sub_1-2",
			})

			assert.Equal(t, tt.wantCalls, calls.Load())
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantDeclined, IsDeclined(err))
				assert.Equal(t, tt.wantTransien, IsTransient(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPaid, res.Paid)
			assert.Equal(t, "in_1", res.ProcessorInvoiceID)
		})
	}
}

func TestStripeProcessor_RetryChargeUsesLatestInvoice(t *testing.T) {
	p := newTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/subscriptions/sub_1":
			assert.Contains(t, r.URL.RawQuery, "latest_invoice")
			writeJSON(w, 200, `{"id":"sub_1","object":"subscription","latest_invoice":{"id":"in_9","object":"invoice","status":"open"}}`)
		case r.Method == http.MethodPost && r.URL.Path == "/v1/invoices/in_9/pay":
			writeJSON(w, 200, `{"id":"in_9","object":"invoice","status":"open"}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			writeJSON(w, 404, `{"error":{"type":"invalid_request_error","code":"resource_missing"}}`)
		}
	})

	res, err := p.RetryCharge(context.Background(), RetryChargeParams{ProcessorSubscriptionID: "sub_1"})
	require.NoError(t, err)
	assert.Equal(t, "in_9", res.ProcessorInvoiceID)
	assert.False(t, res.Paid)
}

func TestStripeProcessor_CancelSubscription(t *testing.T) {
	t.Run("already cancelled is not an error", func(t *testing.T) {
		p := newTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodDelete, r.Method)
			writeJSON(w, 404, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such subscription"}}`)
		})
		assert.NoError(t, p.CancelSubscription(context.Background(), "sub_gone"))
	})

	t.Run("set cancel at period end", func(t *testing.T) {
		p := newTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "/v1/subscriptions/sub_1", r.URL.Path)
			assert.Equal(t, "true", r.PostForm.Get("cancel_at_period_end"))
			writeJSON(w, 200, `{"id":"sub_1","object":"subscription","cancel_at_period_end":true}`)
		})
		assert.NoError(t, p.SetCancelAtPeriodEnd(context.Background(), "sub_1", true))
	})
}

func TestStripeConfig_Validate(t *testing.T) {
	_, err := NewStripeProcessor(StripeConfig{WebhookSecret: "whsec_x", Timeout: time.Second})
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = NewStripeProcessor(StripeConfig{APIKey: "sk_test_x", WebhookSecret: "whsec_x"})
	assert.Error(t, err)

	cfg := StripeConfig{APIKey: "sk_test_x"}
	assert.True(t, cfg.IsTestMode())
}

func TestProcessorError_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       *ProcessorError
		temporary bool
		declined  bool
	}{
		{"network", &ProcessorError{}, true, false},
		{"timeout", &ProcessorError{Timeout: true, HTTPStatus: 0}, true, false},
		{"rate limit", &ProcessorError{HTTPStatus: 429, Code: "rate_limit"}, true, false},
		{"5xx", &ProcessorError{HTTPStatus: 502}, true, false},
		{"decline", &ProcessorError{HTTPStatus: 402, Code: "card_declined"}, false, true},
		{"bad request", &ProcessorError{HTTPStatus: 400, Code: "parameter_missing"}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.temporary, tt.err.IsTemporary())
			assert.Equal(t, tt.declined, tt.err.IsDeclined())
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.Equal(t, tt.temporary, IsTransient(wrapped))
		})
	}
}

func TestMockProcessor_RecordsCalls(t *testing.T) {
	m := NewMockProcessor()
	_, _ = m.RetryCharge(context.Background(), RetryChargeParams{ProcessorSubscriptionID: "sub_1", ProcessorInvoiceID: "in_1"})
	_ = m.CancelSubscription(context.Background(), "sub_1")

	log := m.CallLog()
	require.Len(t, log, 2)
	assert.True(t, strings.HasPrefix(log[0], "RetryCharge(sub_1"))
	assert.Equal(t, "CancelSubscription(sub_1)", log[1])
}
