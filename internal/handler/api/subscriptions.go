package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/handler"
)

// SubscriptionService is what the API needs from the billing engine.
type SubscriptionService interface {
	domain.SubscriptionService
	StartCheckout(ctx context.Context, params domain.CheckoutParams) (*domain.Subscription, error)
	InvoiceStats(ctx context.Context, userID uuid.UUID) (*domain.InvoiceStats, error)
	History(ctx context.Context, userID uuid.UUID) ([]domain.RetryAttempt, error)
	ProrationPreview(ctx context.Context, userID uuid.UUID) (*domain.Proration, error)
	UpcomingRenewals(ctx context.Context, within time.Duration) ([]domain.Renewal, error)
}

// SubscriptionHandler serves the per-user billing API.
type SubscriptionHandler struct {
	service       SubscriptionService
	renewalWindow time.Duration
	logger        *slog.Logger
}

// defaultRenewalWindow is used when no window is configured or requested.
const defaultRenewalWindow = 7 * 24 * time.Hour

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(service SubscriptionService, logger *slog.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionHandler{
		service:       service,
		renewalWindow: defaultRenewalWindow,
		logger:        logger.With("component", "subscription_api"),
	}
}

// WithRenewalWindow sets the default look-ahead for GET /renewals.
func (h *SubscriptionHandler) WithRenewalWindow(d time.Duration) *SubscriptionHandler {
	if d > 0 {
		h.renewalWindow = d
	}
	return h
}

// Register mounts the API routes on g.
func (h *SubscriptionHandler) Register(g *echo.Group) {
	users := g.Group("/users/:userID")
	users.GET("/subscription", h.GetSubscription)
	users.POST("/subscription/checkout", h.StartCheckout)
	users.POST("/subscription/cancel", h.CancelSubscription)
	users.POST("/subscription/reactivate", h.ReactivateSubscription)
	users.GET("/subscription/proration", h.ProrationPreview)
	users.GET("/subscription/retries", h.RetryHistory)
	users.GET("/invoices", h.ListInvoices)
	users.GET("/billing/stats", h.InvoiceStats)

	g.GET("/renewals", h.UpcomingRenewals)
}

type userRequest struct {
	UserID string `param:"userID" validate:"required,uuid"`
}

type cancelRequest struct {
	UserID    string `param:"userID" validate:"required,uuid"`
	Immediate bool   `json:"immediate"`
}

type reactivateRequest struct {
	UserID        string `param:"userID" validate:"required,uuid"`
	AdminOverride bool   `json:"admin_override"`
}

type checkoutRequest struct {
	UserID      string `param:"userID" validate:"required,uuid"`
	Plan        string `json:"plan" validate:"required"`
	Interval    string `json:"interval" validate:"required,oneof=monthly annual"`
	AmountCents int64  `json:"amount_cents" validate:"gt=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
}

type renewalsRequest struct {
	Within string `query:"within"`
}

// SubscriptionResponse is the API view of a subscription.
type SubscriptionResponse struct {
	ID                 uuid.UUID  `json:"id"`
	UserID             uuid.UUID  `json:"user_id"`
	Plan               string     `json:"plan"`
	Interval           string     `json:"interval"`
	AmountCents        int64      `json:"amount_cents"`
	Currency           string     `json:"currency"`
	Status             string     `json:"status"`
	Role               string     `json:"role"`
	ListingsVisible    bool       `json:"listings_visible"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	RetryCount         int        `json:"retry_count"`
	NextRetryAt        *time.Time `json:"next_retry_at,omitempty"`
	SuspendedAt        *time.Time `json:"suspended_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
}

// InvoiceResponse is the API view of an invoice.
type InvoiceResponse struct {
	ID                 uuid.UUID  `json:"id"`
	Number             string     `json:"number"`
	ProcessorInvoiceID string     `json:"processor_invoice_id"`
	AmountCents        int64      `json:"amount_cents"`
	Currency           string     `json:"currency"`
	Status             string     `json:"status"`
	IssuedAt           time.Time  `json:"issued_at"`
	PaidAt             *time.Time `json:"paid_at,omitempty"`
}

// RetryAttemptResponse is the API view of one logged retry.
type RetryAttemptResponse struct {
	AttemptNumber      int        `json:"attempt_number"`
	ScheduledAt        time.Time  `json:"scheduled_at"`
	Outcome            string     `json:"outcome"`
	ProcessorInvoiceID string     `json:"processor_invoice_id,omitempty"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
}

// RenewalResponse is one entry of the upcoming renewals report.
type RenewalResponse struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	UserID         uuid.UUID `json:"user_id"`
	Plan           string    `json:"plan"`
	AmountCents    int64     `json:"amount_cents"`
	Currency       string    `json:"currency"`
	PeriodEnd      time.Time `json:"period_end"`
	DaysUntilDue   int       `json:"days_until_due"`
}

func toSubscriptionResponse(s *domain.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		ID:                 s.ID,
		UserID:             s.UserID,
		Plan:               s.Plan,
		Interval:           string(s.Interval),
		AmountCents:        s.AmountCents,
		Currency:           s.Currency,
		Status:             string(s.Status),
		Role:               string(domain.RoleForStatus(s.Status)),
		ListingsVisible:    domain.ListingsVisible(s.Status),
		CurrentPeriodStart: optionalTime(s.CurrentPeriodStart),
		CurrentPeriodEnd:   optionalTime(s.CurrentPeriodEnd),
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		RetryCount:         s.RetryCount,
		NextRetryAt:        s.NextRetryAt,
		SuspendedAt:        s.SuspendedAt,
		CancelledAt:        s.CancelledAt,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// bind parses path and body into req and validates it.
func bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return domain.Invalid("request.bind", "malformed request body")
	}
	return c.Validate(req)
}

func parseUser(id string) uuid.UUID {
	// Validated as a uuid by bind.
	return uuid.MustParse(id)
}

// GetSubscription handles GET /api/users/:userID/subscription.
func (h *SubscriptionHandler) GetSubscription(c echo.Context) error {
	var req userRequest
	if err := bind(c, &req); err != nil {
		return handler.ErrorResponse(c, err)
	}
	sub, err := h.service.GetSubscription(c.Request().Context(), parseUser(req.UserID))
	if err != nil {
		return handler.ErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, toSubscriptionResponse(sub))
}

// StartCheckout handles POST /api/users/:userID/subscription/checkout.
func (h *SubscriptionHandler) StartCheckout(c echo.Context) error {
	var req checkoutRequest
	if err := bind(c, &req); err != nil {
		return handler.ErrorResponse(c, err)
	}
	sub, err := h.service.StartCheckout(c.Request().Context(), domain.CheckoutParams{
		UserID:      parseUser(req.UserID),
		Plan:        req.Plan,
		Interval:    domain.Interval(req.Interval),
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
	})
	if err != nil {
		return handler.ErrorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, toSubscriptionResponse(sub))
}

// CancelSubscription handles POST /api/users/:userID/subscription/cancel.
func (h *SubscriptionHandler) CancelSubscription(c echo.Context) error {
	var req cancelRequest
	if err := bind(c, &req); err != nil {
		return handler.ErrorResponse(c, err)
	}
	sub, err := h.service.CancelSubscription(c.Request().Context(), parseUser(req.UserID), req.Immediate)
	if err != nil {
		return handler.ErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, toSubscriptionResponse(sub))
}

// ReactivateSubscription handles POST /api/users/:userID/subscription/reactivate.
//
// Without admin_override the response is 202: the charge was collected and
// the status follows once the processor confirms the payment.
func (h *SubscriptionHandler) ReactivateSubscription(c echo.Context) error {
	var req reactivateRequest
	if err := bind(c, &req); err != nil {
		return handler.ErrorResponse(c, err)
	}
	sub, err := h.service.ReactivateSubscription(c.Request().Context(), parseUser(req.UserID), domain.ReactivateOptions{
		AdminOverride: req.AdminOverride,
	})
	if err != nil {
		return handler.ErrorResponse(c, err)
	}
	if req.AdminOverride {
		h.logger.Warn("admin override reactivation", "user_id", req.UserID, "remote_ip", c.RealIP())
		return c.JSON(http.StatusOK, toSubscriptionResponse(sub))
	}
	return c.JSON(http.StatusAccepted, toSubscriptionResponse(sub))
}

// ListInvoices handles GET /api/users/:userID/invoices.
func (h *SubscriptionHandler) ListInvoices(c echo.Context) error {
	var req userRequest
	if err := bind(c, &req); err != nil {
		return handler.ErrorResponse(c, err)
	}
	invoices, err := h.service.ListInvoices(c.Request().Context(), parseUser(req.UserID))
	if err != nil {
		return handler.ErrorResponse(c, err)
	}

	out := make([]InvoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, InvoiceResponse{
			ID:                 inv.ID,
			Number:             inv.Number,
			ProcessorInvoiceID: inv.ProcessorInvoiceID,
			AmountCents:        inv.AmountCents,
			Currency:           inv.Currency,
			Status:             string(inv.Status),
			IssuedAt:           inv.IssuedAt,
			PaidAt:             inv.PaidAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"invoices": out})
}

// InvoiceStats handles GET /api/users/:userID/billing/stats.
func (h *SubscriptionHandler) InvoiceStats(c echo.Context) error {
	var req userRequest
	if err := bind(c, &req); err != nil {
		return handler.ErrorResponse(c, err)
	}
	stats, err := h.service.InvoiceStats(c.Request().Context(), parseUser(req.UserID))
	if err != nil {
		return handler.ErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// ProrationPreview handles GET /api/users/:userID/subscription/proration.
func (h *SubscriptionHandler) ProrationPreview(c echo.Context) error {
	var req userRequest
	if err := bind(c, &req); err != nil {
		return handler.ErrorResponse(c, err)
	}
	p, err := h.service.ProrationPreview(c.Request().Context(), parseUser(req.UserID))
	if err != nil {
		return handler.ErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// RetryHistory handles GET /api/users/:userID/subscription/retries.
func (h *SubscriptionHandler) RetryHistory(c echo.Context) error {
	var req userRequest
	if err := bind(c, &req); err != nil {
		return handler.ErrorResponse(c, err)
	}
	attempts, err := h.service.History(c.Request().Context(), parseUser(req.UserID))
	if err != nil {
		return handler.ErrorResponse(c, err)
	}

	out := make([]RetryAttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, RetryAttemptResponse{
			AttemptNumber:      a.AttemptNumber,
			ScheduledAt:        a.ScheduledAt,
			Outcome:            string(a.Outcome),
			ProcessorInvoiceID: a.ProcessorInvoiceID,
			ResolvedAt:         a.ResolvedAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"attempts": out})
}

// UpcomingRenewals handles GET /api/renewals?within=168h. Without a
// within parameter the configured renewal window applies.
func (h *SubscriptionHandler) UpcomingRenewals(c echo.Context) error {
	var req renewalsRequest
	if err := c.Bind(&req); err != nil {
		return handler.ErrorResponse(c, domain.Invalid("renewals.list", "malformed query"))
	}
	within := h.renewalWindow
	if req.Within != "" {
		d, err := time.ParseDuration(req.Within)
		if err != nil || d <= 0 {
			return handler.ErrorResponse(c, domain.AddFieldError(nil, "within", "must be a positive duration"))
		}
		within = d
	}

	renewals, err := h.service.UpcomingRenewals(c.Request().Context(), within)
	if err != nil {
		return handler.ErrorResponse(c, err)
	}

	out := make([]RenewalResponse, 0, len(renewals))
	for _, r := range renewals {
		out = append(out, RenewalResponse{
			SubscriptionID: r.Subscription.ID,
			UserID:         r.Subscription.UserID,
			Plan:           r.Subscription.Plan,
			AmountCents:    r.Subscription.AmountCents,
			Currency:       r.Subscription.Currency,
			PeriodEnd:      r.Subscription.CurrentPeriodEnd,
			DaysUntilDue:   r.DaysUntilDue,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"renewals": out})
}
