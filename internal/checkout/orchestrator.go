// Package checkout turns a quoted cart into a pending order with a gateway
// payment-order, and hands out fresh gateway orders on retry. It never marks
// an order paid; only the webhook reconciler does.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mealbox/internal/apperr"
	"mealbox/internal/gateway"
	"mealbox/internal/geo"
	"mealbox/internal/model"
	"mealbox/internal/quote"
	"mealbox/internal/repository"
	rediskey "mealbox/pkg/redis"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Quoter prices a cart.
type Quoter interface {
	Quote(ctx context.Context, req quote.Request) (*quote.Quote, error)
}

// Config is the slice of application config checkout needs.
type Config struct {
	KeyID          string
	MerchantName   string
	Currency       string
	MinAmount      int64
	MaxRetries     int
	LockTTL        time.Duration
	GatewayTimeout time.Duration
}

// Request is the client's checkout submission. Prices are never accepted.
type Request struct {
	Items    []model.CartItem `json:"items" binding:"required,min=1,max=50,dive"`
	Address  model.Address    `json:"address"`
	Delivery *geo.Point       `json:"delivery"`
	Credits  int64            `json:"credits" binding:"min=0"`
}

// Prefill is shown pre-filled in the gateway's payment sheet.
type Prefill struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

// GatewayParams is everything the client needs to open the payment sheet.
// It carries the public key id only.
type GatewayParams struct {
	Key      string  `json:"key"`
	OrderID  string  `json:"order_id"`
	Amount   int64   `json:"amount"`
	Currency string  `json:"currency"`
	Name     string  `json:"name"`
	Prefill  Prefill `json:"prefill"`
}

type Result struct {
	OrderID        string        `json:"order_id"`
	GatewayOrderID string        `json:"gateway_order_id"`
	GatewayParams  GatewayParams `json:"gateway_params"`
}

type Orchestrator struct {
	quotes  Quoter
	orders  *repository.OrderRepo
	gateway gateway.Client
	rdb     *rd.Client
	cfg     Config
	log     zerolog.Logger
}

// NewOrchestrator wires checkout. rdb may be nil; the database reservation
// alone still keeps concurrent retries from both succeeding.
func NewOrchestrator(quotes Quoter, orders *repository.OrderRepo, gw gateway.Client, rdb *rd.Client, cfg Config, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		quotes:  quotes,
		orders:  orders,
		gateway: gw,
		rdb:     rdb,
		cfg:     cfg,
		log:     log.With().Str("component", "checkout").Logger(),
	}
}

// Initiate re-quotes the cart, persists a PENDING order and opens attempt #1.
func (o *Orchestrator) Initiate(ctx context.Context, userID int64, req Request) (*Result, error) {
	if req.Delivery == nil {
		return nil, apperr.New(apperr.ErrInvalidCart, "delivery coordinates are required at checkout")
	}
	req.Address = trimAddress(req.Address)
	if err := binding.Validator.ValidateStruct(req); err != nil {
		return nil, RequestError(err)
	}

	q, err := o.quotes.Quote(ctx, quote.Request{
		Items:            req.Items,
		UserID:           &userID,
		Delivery:         req.Delivery,
		RequestedCredits: req.Credits,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrTrialAlreadyUsed) {
			return nil, apperr.Wrap(apperr.ErrQuoteChanged, err, "trial is no longer available")
		}
		return nil, err
	}
	if err := o.checkQuote(q); err != nil {
		return nil, err
	}

	addr := req.Address
	addr.Lat, addr.Lng = req.Delivery.Lat, req.Delivery.Lng
	order := &model.Order{
		ID:              uuid.NewString(),
		UserID:          userID,
		Subtotal:        q.Subtotal,
		DeliveryFee:     *q.DeliveryFee,
		CreditsApplied:  q.CreditsApplied,
		Total:           q.Total,
		Currency:        q.Currency,
		PaymentStatus:   model.PaymentPending,
		Items:           q.Lines,
		DeliveryAddress: addr,
		Quote:           q.Breakdown(),
		DistanceKm:      *q.DistanceKm,
	}
	if err := o.orders.Create(ctx, order); err != nil {
		return nil, err
	}
	log := o.log.With().Str("order_id", order.ID).Int64("user_id", userID).Logger()
	log.Info().Int64("total", order.Total).Msg("order created")

	res, err := o.openAttempt(ctx, order, 1)
	if err != nil {
		log.Warn().Err(err).Msg("gateway order not created; order stays pending")
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) checkQuote(q *quote.Quote) error {
	if !q.Serviceable() {
		reason := q.UnserviceableReason
		if reason == "" {
			reason = "delivery address is not serviceable"
		}
		return apperr.New(apperr.ErrQuoteChanged, "%s", reason)
	}
	if !q.MeetsMinimum {
		return apperr.New(apperr.ErrQuoteChanged, "build-your-own minimum not met; add %d more", q.MinimumShortfall)
	}
	if q.Total < o.cfg.MinAmount {
		return apperr.New(apperr.ErrQuoteChanged, "order total %d is below the payable minimum %d", q.Total, o.cfg.MinAmount)
	}
	return nil
}

// Retry abandons the live attempt and opens a new gateway order for a
// PENDING or FAILED order.
func (o *Orchestrator) Retry(ctx context.Context, userID int64, orderID string) (*Result, error) {
	order, err := o.orders.GetForUser(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if err := o.checkRetryable(order); err != nil {
		return nil, err
	}

	if o.rdb != nil {
		token, ok, err := rediskey.AcquireOrderLock(ctx, o.rdb, order.ID, o.cfg.LockTTL)
		switch {
		case err != nil:
			o.log.Warn().Err(err).Str("order_id", order.ID).Msg("retry lock unavailable; relying on reservation")
		case !ok:
			return nil, apperr.New(apperr.ErrInvalidState, "a retry for this order is already in progress")
		default:
			defer func() {
				if err := rediskey.ReleaseOrderLockIfMatch(context.WithoutCancel(ctx), o.rdb, order.ID, token); err != nil {
					o.log.Warn().Err(err).Str("order_id", order.ID).Msg("release retry lock")
				}
			}()
		}
	}

	won, err := o.orders.ReserveRetry(ctx, order.ID, order.RetryCount)
	if err != nil {
		return nil, err
	}
	if !won {
		cur, err := o.orders.Get(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if err := o.checkRetryable(cur); err != nil {
			return nil, err
		}
		return nil, apperr.New(apperr.ErrInvalidState, "order changed during retry; try again")
	}
	reserved := order.RetryCount + 1

	res, err := o.openAttempt(ctx, order, len(order.PaymentAttempts)+1)
	if err != nil {
		if relErr := o.orders.ReleaseRetry(context.WithoutCancel(ctx), order.ID, reserved); relErr != nil {
			o.log.Error().Err(relErr).Str("order_id", order.ID).Msg("release retry reservation")
		}
		return nil, err
	}
	o.log.Info().Str("order_id", order.ID).Int("retry", reserved).Msg("payment retry opened")
	return res, nil
}

func (o *Orchestrator) checkRetryable(order *model.Order) error {
	switch {
	case order.PaymentStatus == model.PaymentPaid:
		return apperr.New(apperr.ErrInvalidState, "order is already paid")
	case order.ReconciliationHold:
		return apperr.New(apperr.ErrInvalidState, "order is on hold for payment reconciliation")
	case order.RetryCount >= o.cfg.MaxRetries:
		return apperr.New(apperr.ErrRetryLimitExceeded, "order has used all %d payment retries", o.cfg.MaxRetries)
	}
	return nil
}

// openAttempt creates a gateway order and records it as the live attempt.
func (o *Orchestrator) openAttempt(ctx context.Context, order *model.Order, seq int) (*Result, error) {
	gctx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
	defer cancel()

	gw, err := o.gateway.CreateOrder(gctx, gateway.CreateOrderRequest{
		Amount:   order.Total,
		Currency: order.Currency,
		Receipt:  fmt.Sprintf("%s#%d", order.ID, seq),
		Notes:    map[string]string{"order_id": order.ID},
	})
	if err != nil {
		if errors.Is(err, apperr.ErrGatewayUnavailable) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.ErrGatewayUnavailable, err, "payment gateway rejected the order")
	}

	attempt := &model.PaymentAttempt{
		AttemptID:      uuid.NewString(),
		OrderID:        order.ID,
		GatewayOrderID: gw.ID,
		Amount:         order.Total,
		Status:         model.AttemptCreated,
	}
	err = o.orders.WithTx(ctx, func(tx *repository.OrderRepo) error {
		return tx.AppendAttempt(ctx, attempt)
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		OrderID:        order.ID,
		GatewayOrderID: gw.ID,
		GatewayParams: GatewayParams{
			Key:      o.cfg.KeyID,
			OrderID:  gw.ID,
			Amount:   order.Total,
			Currency: order.Currency,
			Name:     o.cfg.MerchantName,
			Prefill: Prefill{
				Name:    order.DeliveryAddress.Name,
				Contact: order.DeliveryAddress.Phone,
			},
		},
	}, nil
}

func trimAddress(a model.Address) model.Address {
	for _, f := range []*string{&a.Name, &a.Phone, &a.Line1, &a.Line2, &a.City, &a.Pincode} {
		*f = strings.TrimSpace(*f)
	}
	return a
}

// RequestError maps a checkout binding failure: address fields are a bad
// request, everything else is an invalid cart.
func RequestError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.ErrBadRequest, err, "invalid request body: %v", err)
	}
	var missing []string
	for _, fe := range verrs {
		if strings.HasPrefix(fe.StructNamespace(), "Request.Address.") {
			missing = append(missing, strings.ToLower(fe.Field()))
		}
	}
	if len(missing) > 0 {
		return apperr.Wrap(apperr.ErrBadRequest, err, "address is missing or has invalid %s", strings.Join(missing, ", "))
	}
	return quote.CartError(err)
}
