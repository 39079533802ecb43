package model

import "time"

// AttemptStatus tracks one gateway payment-order.
type AttemptStatus string

const (
	AttemptCreated   AttemptStatus = "CREATED"
	AttemptCaptured  AttemptStatus = "CAPTURED"
	AttemptFailed    AttemptStatus = "FAILED"
	AttemptAbandoned AttemptStatus = "ABANDONED"
)

// IsLive reports whether the gateway may still capture a payment against the
// attempt. A FAILED attempt stays live until a retry supersedes it, since the
// customer can pay again on the same gateway order.
func (s AttemptStatus) IsLive() bool {
	return s == AttemptCreated || s == AttemptFailed
}

// PaymentAttempt is an append-only record of one gateway order created for an
// Order. Rows are never deleted; identity fields never change.
// Status moves CREATED -> {CAPTURED, FAILED, ABANDONED} and FAILED -> {CAPTURED, ABANDONED}.
type PaymentAttempt struct {
	AttemptID string    `gorm:"primaryKey;size:36" json:"attempt_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID          string        `gorm:"size:36;not null;index;uniqueIndex:idx_attempt_order_seq" json:"order_id"`
	Seq              int           `gorm:"not null;uniqueIndex:idx_attempt_order_seq" json:"seq"`
	GatewayOrderID   string        `gorm:"size:64;not null;uniqueIndex" json:"gateway_order_id"`
	GatewayPaymentID *string       `gorm:"size:64" json:"gateway_payment_id,omitempty"`
	Amount           int64         `gorm:"not null" json:"amount"`
	Status           AttemptStatus `gorm:"size:16;not null;index" json:"status"`
	Reason           string        `gorm:"size:255" json:"reason,omitempty"`
	ResolvedAt       *time.Time    `json:"resolved_at,omitempty"`
}

func (PaymentAttempt) TableName() string { return "payment_attempts" }
