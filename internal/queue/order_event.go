package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"mealbox/internal/model"

	"github.com/google/uuid"
)

// OrderEvent 是写入 outbox 并转发到 Kafka 的订单事件。
type OrderEvent struct {
	EventID         string                 `json:"event_id"`
	Type            string                 `json:"type"`
	OrderID         string                 `json:"order_id"`
	UserID          int64                  `json:"user_id"`
	Total           int64                  `json:"total"`
	CreditsApplied  int64                  `json:"credits_applied"`
	Currency        string                 `json:"currency"`
	PaymentStatus   model.PaymentStatus    `json:"payment_status"`
	LifecycleStatus *model.LifecycleStatus `json:"lifecycle_status,omitempty"`
	PaymentID       string                 `json:"payment_id,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
	OccurredAt      time.Time              `json:"occurred_at"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (m OrderEvent) Validate() error {
	if m.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if m.Type == "" {
		return fmt.Errorf("type is required")
	}
	if m.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if m.UserID <= 0 {
		return fmt.Errorf("user_id is required")
	}
	if m.Total < 0 || m.CreditsApplied < 0 {
		return fmt.Errorf("amounts must be >= 0")
	}
	return nil
}

// NewOutboxEvent 把订单快照成指定类型的 outbox 记录，o 必须已是变更后的状态。
func NewOutboxEvent(eventType string, o *model.Order, reason string) (*model.OutboxEvent, error) {
	ev := OrderEvent{
		EventID:         uuid.NewString(),
		Type:            eventType,
		OrderID:         o.ID,
		UserID:          o.UserID,
		Total:           o.Total,
		CreditsApplied:  o.CreditsApplied,
		Currency:        o.Currency,
		PaymentStatus:   o.PaymentStatus,
		LifecycleStatus: o.LifecycleStatus,
		Reason:          reason,
		OccurredAt:      time.Now().UTC(),
	}
	if o.GatewayPaymentID != nil {
		ev.PaymentID = *o.GatewayPaymentID
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return &model.OutboxEvent{
		EventID: ev.EventID,
		Type:    eventType,
		OrderID: o.ID,
		Payload: b,
	}, nil
}

// ParseOrderEvent 解码并校验转发过来的消息体。
func ParseOrderEvent(b []byte) (OrderEvent, error) {
	var ev OrderEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return OrderEvent{}, fmt.Errorf("decode order event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return OrderEvent{}, err
	}
	return ev, nil
}

// order 从事件还原订单快照。
func (m OrderEvent) order() *model.Order {
	o := &model.Order{
		ID:              m.OrderID,
		UserID:          m.UserID,
		Total:           m.Total,
		CreditsApplied:  m.CreditsApplied,
		Currency:        m.Currency,
		PaymentStatus:   m.PaymentStatus,
		LifecycleStatus: m.LifecycleStatus,
	}
	if m.PaymentID != "" {
		id := m.PaymentID
		o.GatewayPaymentID = &id
	}
	return o
}
