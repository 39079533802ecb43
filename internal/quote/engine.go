// Package quote prices a cart on the server. A quote is rebuilt from the
// catalog, the wallet and the delivery distance on every call and is never
// cached, because prices, trial usage and balances move between calls.
package quote

import (
	"context"
	"fmt"

	"mealbox/internal/apperr"
	"mealbox/internal/config"
	"mealbox/internal/geo"
	"mealbox/internal/model"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Price is a catalog-resolved unit price.
type Price struct {
	Amount   int64
	Name     string
	Servings int
}

// Catalog resolves prices and trial eligibility. It is read-only.
type Catalog interface {
	ResolveUnitPrice(ctx context.Context, item model.CartItem) (Price, error)
	IsTrialEligible(ctx context.Context, userID int64, productID uint) (bool, error)
}

// Wallet reads a user's credit balance.
type Wallet interface {
	Balance(ctx context.Context, userID int64) (int64, error)
}

// Request is a cart to quote. UserID and Delivery are optional.
type Request struct {
	Items            []model.CartItem `binding:"required,min=1,max=50,dive"`
	UserID           *int64
	Delivery         *geo.Point
	RequestedCredits int64 `binding:"min=0"`
}

// Quote is an ephemeral price breakdown. Nil DeliveryFee, DistanceKm and
// IsServiceable mean no coordinate was given, which is not the same as free
// delivery.
type Quote struct {
	Lines    []model.OrderLine `json:"lines"`
	Subtotal int64             `json:"subtotal"`

	DeliveryFee         *int64   `json:"delivery_fee"`
	DistanceKm          *float64 `json:"distance_km"`
	DeliveryUnits       int      `json:"delivery_units"`
	IsServiceable       *bool    `json:"is_serviceable"`
	UnserviceableReason string   `json:"unserviceable_reason,omitempty"`

	MinimumRequired  int64 `json:"minimum_required"`
	MinimumShortfall int64 `json:"minimum_shortfall"`
	MeetsMinimum     bool  `json:"meets_minimum"`

	WalletBalance  int64  `json:"wallet_balance"`
	CreditsApplied int64  `json:"credits_applied"`
	Total          int64  `json:"total"`
	Currency       string `json:"currency"`
}

// Serviceable is true only when a coordinate was given and is in range.
func (q *Quote) Serviceable() bool {
	return q.IsServiceable != nil && *q.IsServiceable
}

// Breakdown freezes the quote for an order snapshot.
func (q *Quote) Breakdown() model.QuoteBreakdown {
	b := model.QuoteBreakdown{
		Subtotal:        q.Subtotal,
		DeliveryUnits:   q.DeliveryUnits,
		MinimumRequired: q.MinimumRequired,
		WalletBalance:   q.WalletBalance,
		CreditsApplied:  q.CreditsApplied,
		Total:           q.Total,
	}
	if q.DeliveryFee != nil {
		b.DeliveryFee = *q.DeliveryFee
	}
	if q.DistanceKm != nil {
		b.DistanceKm = *q.DistanceKm
	}
	return b
}

// Engine computes quotes. It holds no per-request state and is safe for
// concurrent use.
type Engine struct {
	catalog  Catalog
	wallet   Wallet
	fees     config.FeeConfig
	currency string
	log      zerolog.Logger
}

func NewEngine(catalog Catalog, wallet Wallet, fees config.FeeConfig, currency string, log zerolog.Logger) *Engine {
	return &Engine{
		catalog:  catalog,
		wallet:   wallet,
		fees:     fees,
		currency: currency,
		log:      log.With().Str("component", "quote").Logger(),
	}
}

// Quote prices req from fresh catalog, wallet and distance data.
func (e *Engine) Quote(ctx context.Context, req Request) (*Quote, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	q := &Quote{Currency: e.currency, MeetsMinimum: true}

	byoByPlan := map[model.Plan]int64{}
	for _, item := range req.Items {
		if item.Plan == "" {
			item.Plan = model.PlanOneTime
		}
		if item.Trial {
			ok, err := e.catalog.IsTrialEligible(ctx, *req.UserID, item.ProductID)
			if err != nil {
				return nil, fmt.Errorf("trial eligibility for product %d: %w", item.ProductID, err)
			}
			if !ok {
				return nil, apperr.New(apperr.ErrTrialAlreadyUsed, "trial already used for product %d", item.ProductID)
			}
		}

		price, err := e.catalog.ResolveUnitPrice(ctx, item)
		if err != nil {
			return nil, err
		}
		lineTotal, err := MulAmount(price.Amount, item.Quantity)
		if err != nil {
			return nil, err
		}
		line := model.OrderLine{
			CartItem:  item,
			Name:      price.Name,
			UnitPrice: price.Amount,
			LineTotal: lineTotal,
			Servings:  price.Servings,
		}
		q.Lines = append(q.Lines, line)
		if q.Subtotal, err = AddAmount(q.Subtotal, lineTotal); err != nil {
			return nil, err
		}

		if item.Kind == model.KindBYO && item.Plan.IsSubscription() {
			byoByPlan[item.Plan] += lineTotal
		}
	}

	e.applyMinimums(q, byoByPlan)

	if req.Delivery != nil {
		if err := e.applyDelivery(q, *req.Delivery); err != nil {
			return nil, err
		}
	}

	if req.UserID != nil {
		balance, err := e.wallet.Balance(ctx, *req.UserID)
		if err != nil {
			return nil, fmt.Errorf("wallet balance for user %d: %w", *req.UserID, err)
		}
		q.WalletBalance = balance
	}

	var fee int64
	if q.DeliveryFee != nil {
		fee = *q.DeliveryFee
	}
	q.CreditsApplied = applyCredits(req.RequestedCredits, q.WalletBalance, q.Subtotal+fee)
	q.Total = model.ComputeTotal(q.Subtotal, fee, q.CreditsApplied)

	return q, nil
}

// applyMinimums reports build-your-own minimums per subscription plan. It
// never rejects; the client shows a top-up prompt instead.
func (e *Engine) applyMinimums(q *Quote, byoByPlan map[model.Plan]int64) {
	minimums := map[model.Plan]int64{
		model.PlanWeekly:  e.fees.BYOMinWeekly,
		model.PlanMonthly: e.fees.BYOMinMonthly,
	}
	for plan, subtotal := range byoByPlan {
		minimum := minimums[plan]
		if minimum > q.MinimumRequired {
			q.MinimumRequired = minimum
		}
		if subtotal < minimum {
			q.MeetsMinimum = false
			q.MinimumShortfall += minimum - subtotal
		}
	}
}

func (e *Engine) applyDelivery(q *Quote, p geo.Point) error {
	km, err := geo.Distance(p)
	if err != nil {
		return err
	}
	q.DistanceKm = &km

	serviceable := km <= e.fees.MaxRadiusKm
	q.IsServiceable = &serviceable
	if !serviceable {
		q.UnserviceableReason = fmt.Sprintf("address is %.2f km away; delivery is limited to %.2f km", km, e.fees.MaxRadiusKm)
		return nil
	}

	q.DeliveryUnits = deliveryUnits(q.Lines)
	fee, err := MulAmount(e.perDeliveryFee(km), q.DeliveryUnits)
	if err != nil {
		return err
	}
	if _, err := AddAmount(q.Subtotal, fee); err != nil {
		return err
	}
	q.DeliveryFee = &fee

	if q.DeliveryUnits > 1 {
		// Subscription fees scale with total servings, not cart quantity.
		// Kept as-is pending product confirmation.
		e.log.Debug().Int("delivery_units", q.DeliveryUnits).Int64("delivery_fee", fee).Msg("delivery fee multiplied by servings")
	}
	return nil
}

func (e *Engine) perDeliveryFee(km float64) int64 {
	if km <= e.fees.FreeRadiusKm {
		return 0
	}
	extra := decimal.NewFromFloat(km).Sub(decimal.NewFromFloat(e.fees.FreeRadiusKm))
	return extra.Mul(decimal.NewFromInt(e.fees.PerKmFee)).Ceil().IntPart()
}

// deliveryUnits is the total servings of subscription lines, or 1 for a
// cart with no subscription.
func deliveryUnits(lines []model.OrderLine) int {
	units := 0
	for _, l := range lines {
		if l.Plan.IsSubscription() && l.Kind != model.KindAddOn {
			units += l.Servings * l.Quantity
		}
	}
	if units == 0 {
		return 1
	}
	return units
}

func applyCredits(requested, balance, ceiling int64) int64 {
	applied := requested
	if balance < applied {
		applied = balance
	}
	if ceiling < applied {
		applied = ceiling
	}
	if applied < 0 {
		return 0
	}
	return applied
}
