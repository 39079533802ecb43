package webhook

import (
	"encoding/json"

	"mealbox/internal/apperr"
)

// Gateway event names.
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
)

// Event is the gateway's webhook envelope.
type Event struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity Payment `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// Payment is the payment entity carried by payment.* events.
type Payment struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

func parseEvent(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, apperr.Wrap(apperr.ErrBadRequest, err, "malformed webhook body")
	}
	if ev.Event == "" {
		return nil, apperr.New(apperr.ErrBadRequest, "webhook event name missing")
	}
	switch ev.Event {
	case EventPaymentCaptured, EventPaymentFailed:
		p := ev.Payload.Payment.Entity
		if p.ID == "" || p.OrderID == "" {
			return nil, apperr.New(apperr.ErrBadRequest, "payment entity missing id or order_id")
		}
	}
	return &ev, nil
}

func (p Payment) failureReason() string {
	switch {
	case p.ErrorCode != "" && p.ErrorDescription != "":
		return p.ErrorCode + ": " + p.ErrorDescription
	case p.ErrorCode != "":
		return p.ErrorCode
	case p.ErrorDescription != "":
		return p.ErrorDescription
	}
	return "payment_failed"
}
