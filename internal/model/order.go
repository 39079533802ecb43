package model

import (
	"time"

	"gorm.io/gorm"
)

// PaymentStatus is owned by the webhook reconciler; checkout only ever
// writes PENDING.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentFailed  PaymentStatus = "FAILED"
)

// LifecycleStatus is the post-payment fulfillment stage.
type LifecycleStatus string

const (
	LifecyclePaid           LifecycleStatus = "PAID"
	LifecycleConfirmed      LifecycleStatus = "CONFIRMED"
	LifecyclePreparing      LifecycleStatus = "PREPARING"
	LifecycleOutForDelivery LifecycleStatus = "OUT_FOR_DELIVERY"
	LifecycleDelivered      LifecycleStatus = "DELIVERED"
)

// Plan is the purchase cadence of a cart line.
type Plan string

const (
	PlanOneTime Plan = "one_time"
	PlanWeekly  Plan = "weekly"
	PlanMonthly Plan = "monthly"
)

// IsSubscription reports whether p repeats.
func (p Plan) IsSubscription() bool { return p == PlanWeekly || p == PlanMonthly }

// Selection is one ingredient picked for a build-your-own line.
type Selection struct {
	ItemID   uint `json:"item_id" binding:"required"`
	Quantity int  `json:"quantity" binding:"required,min=1,max=20"`
}

// CartItem is what a client may send. It deliberately has no price fields.
type CartItem struct {
	ProductID  uint        `json:"product_id" binding:"required_unless=Kind byo"`
	Kind       ProductKind `json:"kind" binding:"required,oneof=meal_pack add_on byo"`
	Quantity   int         `json:"quantity" binding:"required,min=1,max=100"`
	Plan       Plan        `json:"plan,omitempty" binding:"omitempty,oneof=one_time weekly monthly"`
	Trial      bool        `json:"trial,omitempty"`
	Selections []Selection `json:"selections,omitempty" binding:"omitempty,max=20,dive"`
}

// OrderLine is a cart item after server-side pricing.
type OrderLine struct {
	CartItem
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	LineTotal int64  `json:"line_total"`
	Servings  int    `json:"servings"`
}

// Address is the delivery address captured at checkout.
type Address struct {
	Name    string  `json:"name" binding:"required"`
	Phone   string  `json:"phone" binding:"required,max=20"`
	Line1   string  `json:"line1" binding:"required"`
	Line2   string  `json:"line2,omitempty"`
	City    string  `json:"city" binding:"required"`
	Pincode string  `json:"pincode" binding:"required,max=10"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

// QuoteBreakdown is the quote frozen into an order.
type QuoteBreakdown struct {
	Subtotal        int64   `json:"subtotal"`
	DeliveryFee     int64   `json:"delivery_fee"`
	DistanceKm      float64 `json:"distance_km"`
	DeliveryUnits   int     `json:"delivery_units"`
	MinimumRequired int64   `json:"minimum_required"`
	WalletBalance   int64   `json:"wallet_balance"`
	CreditsApplied  int64   `json:"credits_applied"`
	Total           int64   `json:"total"`
}

// Order is a placed checkout. Items, DeliveryAddress and Quote are frozen at
// creation; re-quoting never touches them.
type Order struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UserID int64 `gorm:"not null;index" json:"user_id"`

	Subtotal       int64  `gorm:"not null" json:"subtotal"`
	DeliveryFee    int64  `gorm:"not null" json:"delivery_fee"`
	CreditsApplied int64  `gorm:"not null;default:0" json:"credits_applied"`
	Total          int64  `gorm:"not null" json:"total"`
	Currency       string `gorm:"size:3;not null" json:"currency"`

	GatewayOrderID   string        `gorm:"size:64;index" json:"gateway_order_id"`
	GatewayPaymentID *string       `gorm:"size:64;uniqueIndex" json:"gateway_payment_id,omitempty"`
	PaymentStatus    PaymentStatus `gorm:"size:16;not null;index" json:"payment_status"`
	// LifecycleStatus stays NULL until the payment is captured.
	LifecycleStatus *LifecycleStatus `gorm:"size:24;index" json:"lifecycle_status,omitempty"`
	RetryCount      int              `gorm:"not null;default:0" json:"retry_count"`

	// ReconciliationHold freezes the order after a capture that did not match
	// the order total. Only manual reconciliation clears it.
	ReconciliationHold bool   `gorm:"not null;default:false" json:"reconciliation_hold"`
	HoldReason         string `gorm:"size:255" json:"hold_reason,omitempty"`

	Items           []OrderLine    `gorm:"serializer:json;type:text;not null" json:"items"`
	DeliveryAddress Address        `gorm:"serializer:json;type:text;not null" json:"delivery_address"`
	Quote           QuoteBreakdown `gorm:"serializer:json;type:text;not null" json:"quote"`
	DistanceKm      float64        `gorm:"not null" json:"distance_km"`

	Notes string `gorm:"type:text" json:"notes,omitempty"`

	PaymentAttempts []PaymentAttempt `gorm:"foreignKey:OrderID" json:"payment_attempts"`
}

func (Order) TableName() string { return "orders" }

// ComputeTotal is the only formula for an order total.
func ComputeTotal(subtotal, deliveryFee, credits int64) int64 {
	t := subtotal + deliveryFee - credits
	if t < 0 {
		return 0
	}
	return t
}

// LiveAttempt returns the attempt still awaiting a gateway outcome, if any.
func (o *Order) LiveAttempt() *PaymentAttempt {
	for i := range o.PaymentAttempts {
		if o.PaymentAttempts[i].Status.IsLive() {
			return &o.PaymentAttempts[i]
		}
	}
	return nil
}
