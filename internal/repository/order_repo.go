// Package repository persists orders. State transitions are conditional
// UPDATEs so the database decides the single winner of a race; callers learn
// whether they won from the returned bool.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mealbox/internal/apperr"
	"mealbox/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var retryableStatuses = []model.PaymentStatus{model.PaymentPending, model.PaymentFailed}

type OrderRepo struct {
	db *gorm.DB
}

func NewOrderRepo(db *gorm.DB) *OrderRepo {
	return &OrderRepo{db: db}
}

// WithTx runs fn inside one transaction. The repo passed to fn is bound to it.
func (r *OrderRepo) WithTx(ctx context.Context, fn func(tx *OrderRepo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&OrderRepo{db: tx})
	})
}

// Create inserts a new order without attempts.
func (r *OrderRepo) Create(ctx context.Context, o *model.Order) error {
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(o).Error; err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// Get loads an order with its attempts in creation order.
func (r *OrderRepo) Get(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	err := r.db.WithContext(ctx).
		Preload("PaymentAttempts", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		Where("id = ?", id).
		First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.ErrNotFound, "order %s not found", id)
		}
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}
	return &o, nil
}

// GetForUser hides other users' orders behind NotFound.
func (r *OrderRepo) GetForUser(ctx context.Context, id string, userID int64) (*model.Order, error) {
	o, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, apperr.New(apperr.ErrNotFound, "order %s not found", id)
	}
	return o, nil
}

// ReserveRetry bumps retry_count from current to current+1 if the order is
// still unpaid, not held and nobody else reserved first.
func (r *OrderRepo) ReserveRetry(ctx context.Context, orderID string, current int) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND retry_count = ? AND payment_status IN ? AND reconciliation_hold = ?",
			orderID, current, retryableStatuses, false).
		Update("retry_count", current+1)
	if res.Error != nil {
		return false, fmt.Errorf("reserve retry: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseRetry undoes a reservation whose gateway call failed.
func (r *OrderRepo) ReleaseRetry(ctx context.Context, orderID string, reserved int) error {
	err := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND retry_count = ?", orderID, reserved).
		Update("retry_count", reserved-1).Error
	if err != nil {
		return fmt.Errorf("release retry: %w", err)
	}
	return nil
}

// AppendAttempt abandons the live attempt, if any, inserts a with the next
// sequence number and points the order at a's gateway order. Run it in a
// transaction.
func (r *OrderRepo) AppendAttempt(ctx context.Context, a *model.PaymentAttempt) error {
	db := r.db.WithContext(ctx)
	now := time.Now()

	err := db.Model(&model.PaymentAttempt{}).
		Where("order_id = ? AND status IN ?", a.OrderID, []model.AttemptStatus{model.AttemptCreated, model.AttemptFailed}).
		Updates(map[string]any{
			"status":      model.AttemptAbandoned,
			"resolved_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("abandon live attempt: %w", err)
	}

	var maxSeq int
	err = db.Model(&model.PaymentAttempt{}).
		Where("order_id = ?", a.OrderID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error
	if err != nil {
		return fmt.Errorf("next attempt seq: %w", err)
	}
	a.Seq = maxSeq + 1
	if err := db.Create(a).Error; err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}

	res := db.Model(&model.Order{}).
		Where("id = ? AND payment_status IN ?", a.OrderID, retryableStatuses).
		Update("gateway_order_id", a.GatewayOrderID)
	if res.Error != nil {
		return fmt.Errorf("point order at attempt: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.ErrInvalidState, "order %s is no longer awaiting payment", a.OrderID)
	}
	return nil
}

// AttemptByGatewayOrder finds the attempt a gateway order belongs to. It
// returns nil, nil when the gateway order is not ours.
func (r *OrderRepo) AttemptByGatewayOrder(ctx context.Context, gatewayOrderID string) (*model.PaymentAttempt, error) {
	var a model.PaymentAttempt
	err := r.db.WithContext(ctx).Where("gateway_order_id = ?", gatewayOrderID).First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load attempt by gateway order: %w", err)
	}
	return &a, nil
}

// OrderIDForPayment returns the order a captured payment is attached to, or "".
func (r *OrderRepo) OrderIDForPayment(ctx context.Context, paymentID string) (string, error) {
	var o model.Order
	err := r.db.WithContext(ctx).Select("id").Where("gateway_payment_id = ?", paymentID).First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("load order by payment: %w", err)
	}
	return o.ID, nil
}

// MarkPaid flips an unpaid, unheld order to PAID and starts its lifecycle at
// PAID in the same statement.
func (r *OrderRepo) MarkPaid(ctx context.Context, orderID, paymentID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND payment_status IN ? AND reconciliation_hold = ?", orderID, retryableStatuses, false).
		Updates(map[string]any{
			"payment_status":     model.PaymentPaid,
			"gateway_payment_id": paymentID,
			"lifecycle_status":   model.LifecyclePaid,
		})
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return false, apperr.Wrap(apperr.ErrDuplicatePayment, res.Error, "payment %s is attached to another order", paymentID)
		}
		return false, fmt.Errorf("mark order paid: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkFailed moves a PENDING order to FAILED. The order stays retryable.
func (r *OrderRepo) MarkFailed(ctx context.Context, orderID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND payment_status = ?", orderID, model.PaymentPending).
		Update("payment_status", model.PaymentFailed)
	if res.Error != nil {
		return false, fmt.Errorf("mark order failed: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Hold freezes an unpaid order for manual reconciliation.
func (r *OrderRepo) Hold(ctx context.Context, orderID, reason string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND payment_status IN ? AND reconciliation_hold = ?", orderID, retryableStatuses, false).
		Updates(map[string]any{
			"reconciliation_hold": true,
			"hold_reason":         reason,
		})
	if res.Error != nil {
		return false, fmt.Errorf("hold order: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ResolveAttempt moves an attempt from one of from to to. paymentID is
// recorded when non-empty.
func (r *OrderRepo) ResolveAttempt(ctx context.Context, attemptID string, from []model.AttemptStatus, to model.AttemptStatus, paymentID, reason string) (bool, error) {
	updates := map[string]any{
		"status":      to,
		"resolved_at": time.Now(),
	}
	if paymentID != "" {
		updates["gateway_payment_id"] = paymentID
	}
	if reason != "" {
		updates["reason"] = reason
	}
	res := r.db.WithContext(ctx).Model(&model.PaymentAttempt{}).
		Where("attempt_id = ? AND status IN ?", attemptID, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("resolve attempt: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ClaimTrials consumes the trial of every trial line on o and returns the
// products whose trial another order already holds. Claiming twice for the
// same order is a no-op.
func (r *OrderRepo) ClaimTrials(ctx context.Context, o *model.Order) ([]uint, error) {
	var taken []uint
	for _, l := range o.Items {
		if !l.Trial {
			continue
		}
		usage := model.TrialUsage{UserID: o.UserID, ProductID: l.ProductID, OrderID: o.ID}
		res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&usage)
		if res.Error != nil {
			return nil, fmt.Errorf("record trial usage: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			continue
		}

		var holder model.TrialUsage
		err := r.db.WithContext(ctx).
			Where("user_id = ? AND product_id = ?", o.UserID, l.ProductID).
			First(&holder).Error
		if err != nil {
			return nil, fmt.Errorf("load trial usage: %w", err)
		}
		if holder.OrderID != o.ID {
			taken = append(taken, l.ProductID)
		}
	}
	return taken, nil
}

// UpdateLifecycle moves lifecycle_status from from to to on a paid, unheld order.
func (r *OrderRepo) UpdateLifecycle(ctx context.Context, orderID string, from, to model.LifecycleStatus) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND payment_status = ? AND lifecycle_status = ? AND reconciliation_hold = ?",
			orderID, model.PaymentPaid, from, false).
		Update("lifecycle_status", to)
	if res.Error != nil {
		return false, fmt.Errorf("update lifecycle: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SetNotes replaces the order's free-text notes.
func (r *OrderRepo) SetNotes(ctx context.Context, orderID, notes string) error {
	res := r.db.WithContext(ctx).Model(&model.Order{}).Where("id = ?", orderID).Update("notes", notes)
	if res.Error != nil {
		return fmt.Errorf("set notes: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.ErrNotFound, "order %s not found", orderID)
	}
	return nil
}

// AddStatusEvent appends lifecycle history.
func (r *OrderRepo) AddStatusEvent(ctx context.Context, ev *model.OrderStatusEvent) error {
	if err := r.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("add status event: %w", err)
	}
	return nil
}

// StatusHistory lists lifecycle history oldest first.
func (r *OrderRepo) StatusHistory(ctx context.Context, orderID string) ([]model.OrderStatusEvent, error) {
	var out []model.OrderStatusEvent
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load status history: %w", err)
	}
	return out, nil
}

// AddOutbox stores an event to be relayed after commit.
func (r *OrderRepo) AddOutbox(ctx context.Context, ev *model.OutboxEvent) error {
	if err := r.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("add outbox event: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "Duplicate entry")
}
