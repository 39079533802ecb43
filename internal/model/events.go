package model

import "time"

// Outbox event types.
const (
	EventOrderPaid          = "order.paid"
	EventOrderPaymentFailed = "order.payment_failed"
	EventOrderStatusChanged = "order.status_changed"
	EventOrderHeld          = "order.reconciliation_hold"
	EventWalletShortfall    = "wallet.credit_shortfall"
)

// OutboxEvent is written in the same transaction as the change it describes
// and relayed to Kafka afterwards.
type OutboxEvent struct {
	ID          uint       `gorm:"primarykey" json:"id"`
	CreatedAt   time.Time  `json:"created_at"`
	EventID     string     `gorm:"size:36;not null;uniqueIndex" json:"event_id"`
	Type        string     `gorm:"size:64;not null" json:"type"`
	OrderID     string     `gorm:"size:36;not null;index" json:"order_id"`
	Payload     []byte     `gorm:"not null" json:"payload"`
	PublishedAt *time.Time `gorm:"index" json:"published_at,omitempty"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	LastError   string     `gorm:"size:255" json:"last_error,omitempty"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

// OrderStatusEvent is the append-only lifecycle history of an order.
type OrderStatusEvent struct {
	ID        uint            `gorm:"primarykey" json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	OrderID   string          `gorm:"size:36;not null;index" json:"order_id"`
	From      string          `gorm:"column:from_status;size:24" json:"from"`
	To        LifecycleStatus `gorm:"column:to_status;size:24;not null" json:"to"`
	Actor     string          `gorm:"size:64" json:"actor"`
}

func (OrderStatusEvent) TableName() string { return "order_status_events" }

// All lists every table for migrations.
func All() []any {
	return []any{
		&Product{},
		&User{},
		&Order{},
		&PaymentAttempt{},
		&TrialUsage{},
		&WalletLedgerEntry{},
		&OutboxEvent{},
		&OrderStatusEvent{},
	}
}
