// Package order serves order reads and the admin-driven fulfillment updates.
package order

import (
	"context"
	"strings"

	"mealbox/internal/apperr"
	"mealbox/internal/lifecycle"
	"mealbox/internal/model"
	"mealbox/internal/queue"
	"mealbox/internal/repository"

	"github.com/rs/zerolog"
)

const maxNoteLen = 2000

type Service struct {
	orders *repository.OrderRepo
	log    zerolog.Logger
}

func NewService(orders *repository.OrderRepo, log zerolog.Logger) *Service {
	return &Service{orders: orders, log: log.With().Str("component", "order").Logger()}
}

// Get returns an order with its attempts. Non-admin viewers only see their own.
func (s *Service) Get(ctx context.Context, orderID string, viewerID int64, admin bool) (*model.Order, error) {
	if admin {
		return s.orders.Get(ctx, orderID)
	}
	return s.orders.GetForUser(ctx, orderID, viewerID)
}

// UpdateStatus moves a paid order one lifecycle stage forward. Asking for the
// current stage is a no-op.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, to model.LifecycleStatus, actor string) (*model.Order, error) {
	// One re-read after a lost race: the loser re-validates against the
	// winner's state instead of overwriting it.
	for attempt := 0; attempt < 2; attempt++ {
		o, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if o.PaymentStatus != model.PaymentPaid || o.LifecycleStatus == nil {
			return nil, apperr.New(apperr.ErrInvalidState, "order %s is not paid", orderID)
		}
		if o.ReconciliationHold {
			return nil, apperr.New(apperr.ErrInvalidState, "order %s is on reconciliation hold", orderID)
		}

		from := *o.LifecycleStatus
		noop, err := lifecycle.Validate(from, to)
		if err != nil {
			return nil, err
		}
		if noop {
			return o, nil
		}

		var won bool
		err = s.orders.WithTx(ctx, func(tx *repository.OrderRepo) error {
			won, err = tx.UpdateLifecycle(ctx, o.ID, from, to)
			if err != nil || !won {
				return err
			}
			if err := tx.AddStatusEvent(ctx, &model.OrderStatusEvent{OrderID: o.ID, From: string(from), To: to, Actor: actor}); err != nil {
				return err
			}
			o.LifecycleStatus = &to
			ob, err := queue.NewOutboxEvent(model.EventOrderStatusChanged, o, string(from)+"->"+string(to))
			if err != nil {
				return err
			}
			return tx.AddOutbox(ctx, ob)
		})
		if err != nil {
			return nil, err
		}
		if won {
			s.log.Info().Str("order_id", o.ID).Str("from", string(from)).Str("to", string(to)).Str("actor", actor).Msg("lifecycle updated")
			return s.orders.Get(ctx, o.ID)
		}
	}
	return nil, apperr.New(apperr.ErrInvalidState, "order %s changed concurrently; retry", orderID)
}

// AddNote replaces the order's notes. Notes stay writable after delivery.
func (s *Service) AddNote(ctx context.Context, orderID, note string) (*model.Order, error) {
	note = strings.TrimSpace(note)
	if len(note) > maxNoteLen {
		return nil, apperr.New(apperr.ErrBadRequest, "note is longer than %d bytes", maxNoteLen)
	}
	if err := s.orders.SetNotes(ctx, orderID, note); err != nil {
		return nil, err
	}
	return s.orders.Get(ctx, orderID)
}

// History lists lifecycle changes oldest first.
func (s *Service) History(ctx context.Context, orderID string) ([]model.OrderStatusEvent, error) {
	return s.orders.StatusHistory(ctx, orderID)
}
