package domain

import (
	"time"

	"github.com/google/uuid"
)

// InvoiceStatus is the local status of a processor invoice.
type InvoiceStatus string

const (
	InvoiceOpen InvoiceStatus = "open"
	InvoicePaid InvoiceStatus = "paid"
	InvoiceVoid InvoiceStatus = "void"
)

// CanAdvanceTo reports whether status may move to next. Statuses only move
// forward along open -> paid -> void.
func (s InvoiceStatus) CanAdvanceTo(next InvoiceStatus) bool {
	switch s {
	case InvoiceOpen:
		return next == InvoicePaid || next == InvoiceVoid
	case InvoicePaid:
		return next == InvoiceVoid
	}
	return false
}

// Invoice is an immutable financial record of one processor invoice. Only
// Status and PaidAt change after insert.
type Invoice struct {
	ID                 uuid.UUID
	SubscriptionID     uuid.UUID
	UserID             uuid.UUID
	ProcessorInvoiceID string
	Number             string
	AmountCents        int64
	Currency           string
	Status             InvoiceStatus
	IssuedAt           time.Time
	PaidAt             *time.Time
	CreatedAt          time.Time
}

// InvoiceStats summarises a user's billing history.
type InvoiceStats struct {
	PaidCount      int   `json:"paid_count"`
	OpenCount      int   `json:"open_count"`
	VoidCount      int   `json:"void_count"`
	TotalPaidCents int64 `json:"total_paid_cents"`
	TotalOpenCents int64 `json:"total_open_cents"`
}
