// Package lifecycle holds the fulfillment state machine of a paid order.
package lifecycle

import (
	"mealbox/internal/apperr"
	"mealbox/internal/model"
)

var order = []model.LifecycleStatus{
	model.LifecyclePaid,
	model.LifecycleConfirmed,
	model.LifecyclePreparing,
	model.LifecycleOutForDelivery,
	model.LifecycleDelivered,
}

func rank(s model.LifecycleStatus) int {
	for i, v := range order {
		if v == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known lifecycle status.
func Valid(s model.LifecycleStatus) bool { return rank(s) >= 0 }

// Validate checks a manual move from -> to. It returns noop=true when the
// order is already at to. PAID is only ever set by payment reconciliation,
// and only the next stage is reachable.
func Validate(from, to model.LifecycleStatus) (noop bool, err error) {
	if !Valid(to) {
		return false, apperr.New(apperr.ErrInvalidTransition, "unknown lifecycle status %q", to)
	}
	if !Valid(from) {
		return false, apperr.New(apperr.ErrInvalidTransition, "unknown lifecycle status %q", from)
	}
	if from == to {
		return true, nil
	}
	if to == model.LifecyclePaid {
		return false, apperr.New(apperr.ErrInvalidTransition, "PAID is set by payment reconciliation only")
	}
	if from == model.LifecycleDelivered {
		return false, apperr.New(apperr.ErrInvalidTransition, "order already delivered")
	}
	if rank(to) != rank(from)+1 {
		return false, apperr.New(apperr.ErrInvalidTransition, "cannot move from %s to %s", from, to)
	}
	return false, nil
}

// Next returns the stage after s, or "" when s is terminal.
func Next(s model.LifecycleStatus) model.LifecycleStatus {
	r := rank(s)
	if r < 0 || r == len(order)-1 {
		return ""
	}
	return order[r+1]
}
