package webhook

import (
	"context"

	"mealbox/internal/apperr"
	"mealbox/internal/model"
	"mealbox/internal/queue"
	"mealbox/internal/repository"
	rediskey "mealbox/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Outcome says what a verified event did. Every outcome is acknowledged to
// the gateway with 200.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoop    Outcome = "noop"
	OutcomeIgnored Outcome = "ignored"
	OutcomeHeld    Outcome = "held"
	OutcomeStale   Outcome = "stale"
	// OutcomeDuplicate is a second, different payment captured for an order
	// that is already paid. Nothing changes; support refunds it.
	OutcomeDuplicate Outcome = "duplicate"
)

const (
	reasonAmountMismatch = "amount_mismatch"
	reasonTrialUsed      = "trial_already_used"
	actorWebhook         = "payment_webhook"
)

var liveAttempt = []model.AttemptStatus{model.AttemptCreated, model.AttemptFailed}

// Reconciler is the only writer of PAID. Delivery is at-least-once and
// unordered, so every step is conditional and replays are no-ops.
type Reconciler struct {
	orders *repository.OrderRepo
	rdb    *rd.Client
	secret string
	log    zerolog.Logger
}

// NewReconciler builds a Reconciler. rdb may be nil, which disables the
// event-id fast path.
func NewReconciler(orders *repository.OrderRepo, rdb *rd.Client, secret string, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		orders: orders,
		rdb:    rdb,
		secret: secret,
		log:    log.With().Str("component", "webhook").Logger(),
	}
}

// Handle verifies raw against signature and applies the event. eventID is
// the gateway's delivery id and may be empty.
func (r *Reconciler) Handle(ctx context.Context, raw []byte, signature, eventID string) (Outcome, error) {
	if err := Verify(r.secret, raw, signature); err != nil {
		r.log.Warn().Str("event_id", eventID).Msg("webhook signature rejected")
		return "", err
	}

	if r.seen(ctx, eventID) {
		r.log.Info().Str("event_id", eventID).Msg("webhook event already applied")
		return OutcomeNoop, nil
	}

	ev, err := parseEvent(raw)
	if err != nil {
		return "", err
	}

	var outcome Outcome
	switch ev.Event {
	case EventPaymentCaptured:
		outcome, err = r.captured(ctx, ev.Payload.Payment.Entity)
	case EventPaymentFailed:
		outcome, err = r.failed(ctx, ev.Payload.Payment.Entity)
	default:
		r.log.Info().Str("event", ev.Event).Msg("ignoring webhook event type")
		outcome = OutcomeIgnored
	}
	if err != nil {
		return "", err
	}

	r.remember(ctx, eventID)
	return outcome, nil
}

func (r *Reconciler) seen(ctx context.Context, eventID string) bool {
	if r.rdb == nil || eventID == "" {
		return false
	}
	ok, err := rediskey.EventApplied(ctx, r.rdb, eventID)
	if err != nil {
		r.log.Warn().Err(err).Msg("event marker lookup failed")
		return false
	}
	return ok
}

func (r *Reconciler) remember(ctx context.Context, eventID string) {
	if r.rdb == nil || eventID == "" {
		return
	}
	if _, err := rediskey.MarkEventApplied(ctx, r.rdb, eventID); err != nil {
		r.log.Warn().Err(err).Msg("event marker write failed")
	}
}

func (r *Reconciler) captured(ctx context.Context, p Payment) (Outcome, error) {
	log := r.log.With().Str("gateway_order_id", p.OrderID).Str("payment_id", p.ID).Logger()

	var outcome Outcome
	err := r.orders.WithTx(ctx, func(tx *repository.OrderRepo) error {
		a, err := tx.AttemptByGatewayOrder(ctx, p.OrderID)
		if err != nil {
			return err
		}
		if a == nil {
			log.Warn().Msg("capture for unknown gateway order")
			outcome = OutcomeIgnored
			return nil
		}
		log = log.With().Str("order_id", a.OrderID).Logger()

		owner, err := tx.OrderIDForPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if owner != "" && owner != a.OrderID {
			log.Error().Str("owner_order_id", owner).Msg("payment already attached to another order")
			return apperr.New(apperr.ErrDuplicatePayment, "payment %s belongs to another order", p.ID)
		}

		o, err := tx.Get(ctx, a.OrderID)
		if err != nil {
			return err
		}

		switch {
		case o.PaymentStatus == model.PaymentPaid && o.GatewayPaymentID != nil && *o.GatewayPaymentID == p.ID:
			log.Info().Msg("capture already applied")
			outcome = OutcomeNoop
			return nil
		case a.Status == model.AttemptAbandoned:
			log.Error().Int64("amount", p.Amount).Msg("capture on abandoned attempt; refund required")
			outcome = OutcomeStale
			return nil
		case o.PaymentStatus == model.PaymentPaid:
			log.Error().Int64("amount", p.Amount).Msg("second capture for a paid order; refund required")
			outcome = OutcomeDuplicate
			return nil
		case o.ReconciliationHold:
			log.Warn().Str("hold_reason", o.HoldReason).Msg("capture for held order")
			outcome = OutcomeHeld
			return nil
		}

		if p.Amount != a.Amount || p.Amount != o.Total || p.Currency != o.Currency {
			log.Error().
				Int64("captured", p.Amount).Str("captured_currency", p.Currency).
				Int64("expected", o.Total).Str("expected_currency", o.Currency).
				Msg("captured amount does not match order; holding for manual reconciliation")
			outcome = OutcomeHeld
			return r.hold(ctx, tx, o, a, p, reasonAmountMismatch)
		}

		taken, err := tx.ClaimTrials(ctx, o)
		if err != nil {
			return err
		}
		if len(taken) > 0 {
			log.Error().Interface("products", taken).Msg("trial already consumed by another order; holding for manual reconciliation")
			outcome = OutcomeHeld
			return r.hold(ctx, tx, o, a, p, reasonTrialUsed)
		}

		won, err := tx.MarkPaid(ctx, o.ID, p.ID)
		if err != nil {
			return err
		}
		if !won {
			outcome, err = r.lostCaptureRace(ctx, tx, o.ID, p.ID)
			return err
		}

		if _, err := tx.ResolveAttempt(ctx, a.AttemptID, liveAttempt, model.AttemptCaptured, p.ID, ""); err != nil {
			return err
		}

		paid := model.LifecyclePaid
		o.PaymentStatus = model.PaymentPaid
		o.LifecycleStatus = &paid
		o.GatewayPaymentID = &p.ID

		ob, err := queue.NewOutboxEvent(model.EventOrderPaid, o, "")
		if err != nil {
			return err
		}
		if err := tx.AddOutbox(ctx, ob); err != nil {
			return err
		}
		if err := tx.AddStatusEvent(ctx, &model.OrderStatusEvent{OrderID: o.ID, To: model.LifecyclePaid, Actor: actorWebhook}); err != nil {
			return err
		}
		outcome = OutcomeApplied
		return nil
	})
	if err != nil {
		return "", err
	}
	if outcome == OutcomeApplied {
		log.Info().Int64("amount", p.Amount).Msg("order paid")
	}
	return outcome, nil
}

func (r *Reconciler) hold(ctx context.Context, tx *repository.OrderRepo, o *model.Order, a *model.PaymentAttempt, p Payment, reason string) error {
	if _, err := tx.Hold(ctx, o.ID, reason); err != nil {
		return err
	}
	if _, err := tx.ResolveAttempt(ctx, a.AttemptID, liveAttempt, model.AttemptFailed, p.ID, reason); err != nil {
		return err
	}
	o.ReconciliationHold = true
	o.HoldReason = reason
	ob, err := queue.NewOutboxEvent(model.EventOrderHeld, o, reason)
	if err != nil {
		return err
	}
	return tx.AddOutbox(ctx, ob)
}

// lostCaptureRace re-reads after a conditional update matched nothing.
func (r *Reconciler) lostCaptureRace(ctx context.Context, tx *repository.OrderRepo, orderID, paymentID string) (Outcome, error) {
	cur, err := tx.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	switch {
	case cur.PaymentStatus == model.PaymentPaid && cur.GatewayPaymentID != nil && *cur.GatewayPaymentID != paymentID:
		r.log.Error().Str("order_id", orderID).Str("payment_id", paymentID).Msg("capture raced with another payment; refund required")
		return OutcomeDuplicate, nil
	case cur.ReconciliationHold:
		return OutcomeHeld, nil
	}
	r.log.Info().Str("order_id", orderID).Msg("capture raced with another delivery; no-op")
	return OutcomeNoop, nil
}

func (r *Reconciler) failed(ctx context.Context, p Payment) (Outcome, error) {
	log := r.log.With().Str("gateway_order_id", p.OrderID).Str("payment_id", p.ID).Logger()
	reason := p.failureReason()
	if len(reason) > 255 {
		reason = reason[:255]
	}

	var outcome Outcome
	err := r.orders.WithTx(ctx, func(tx *repository.OrderRepo) error {
		a, err := tx.AttemptByGatewayOrder(ctx, p.OrderID)
		if err != nil {
			return err
		}
		if a == nil {
			log.Warn().Msg("failure for unknown gateway order")
			outcome = OutcomeIgnored
			return nil
		}

		moved, err := tx.ResolveAttempt(ctx, a.AttemptID, []model.AttemptStatus{model.AttemptCreated}, model.AttemptFailed, p.ID, reason)
		if err != nil {
			return err
		}
		if !moved {
			log.Info().Str("attempt_status", string(a.Status)).Msg("failure for resolved attempt; no-op")
			outcome = OutcomeNoop
			return nil
		}

		failed, err := tx.MarkFailed(ctx, a.OrderID)
		if err != nil {
			return err
		}
		if failed {
			o, err := tx.Get(ctx, a.OrderID)
			if err != nil {
				return err
			}
			ob, err := queue.NewOutboxEvent(model.EventOrderPaymentFailed, o, reason)
			if err != nil {
				return err
			}
			if err := tx.AddOutbox(ctx, ob); err != nil {
				return err
			}
		}
		outcome = OutcomeApplied
		return nil
	})
	if err != nil {
		return "", err
	}
	if outcome == OutcomeApplied {
		log.Info().Str("reason", reason).Msg("payment failed")
	}
	return outcome, nil
}

