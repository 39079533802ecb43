// Package catalog serves read-only pricing and trial eligibility from the
// catalog tables. Catalog data entry lives in another service.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"mealbox/internal/apperr"
	"mealbox/internal/model"
	"mealbox/internal/quote"

	"gorm.io/gorm"
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// ResolveUnitPrice prices one cart line. Each kind has its own rule: meal
// packs by plan (or trial price), add-ons flat, build-your-own as the sum of
// its selections.
func (s *Store) ResolveUnitPrice(ctx context.Context, item model.CartItem) (quote.Price, error) {
	switch item.Kind {
	case model.KindMealPack:
		return s.mealPackPrice(ctx, item)
	case model.KindAddOn:
		p, err := s.product(ctx, item.ProductID, model.KindAddOn)
		if err != nil {
			return quote.Price{}, err
		}
		return quote.Price{Amount: p.Price, Name: p.Name, Servings: 0}, nil
	case model.KindBYO:
		return s.byoPrice(ctx, item)
	default:
		return quote.Price{}, apperr.New(apperr.ErrInvalidCart, "unknown kind %q", item.Kind)
	}
}

func (s *Store) mealPackPrice(ctx context.Context, item model.CartItem) (quote.Price, error) {
	p, err := s.product(ctx, item.ProductID, model.KindMealPack)
	if err != nil {
		return quote.Price{}, err
	}

	var amount int64
	switch {
	case item.Trial:
		if p.TrialPrice <= 0 {
			return quote.Price{}, apperr.New(apperr.ErrInvalidCart, "%s has no trial", p.Name)
		}
		amount = p.TrialPrice
	case item.Plan == model.PlanWeekly:
		amount = p.WeeklyPrice
	case item.Plan == model.PlanMonthly:
		amount = p.MonthlyPrice
	default:
		amount = p.Price
	}
	if amount <= 0 {
		return quote.Price{}, apperr.New(apperr.ErrInvalidCart, "%s is not sold on the %s plan", p.Name, item.Plan)
	}

	servings := p.Servings
	if servings <= 0 {
		servings = 1
	}
	return quote.Price{Amount: amount, Name: p.Name, Servings: servings}, nil
}

func (s *Store) byoPrice(ctx context.Context, item model.CartItem) (quote.Price, error) {
	ids := make([]uint, 0, len(item.Selections))
	for _, sel := range item.Selections {
		ids = append(ids, sel.ItemID)
	}

	var items []model.Product
	err := s.db.WithContext(ctx).
		Where("id IN ? AND kind = ? AND active = ?", ids, model.KindBYOItem, true).
		Find(&items).Error
	if err != nil {
		return quote.Price{}, fmt.Errorf("load byo items: %w", err)
	}
	byID := make(map[uint]model.Product, len(items))
	for _, p := range items {
		byID[p.ID] = p
	}

	var amount int64
	for _, sel := range item.Selections {
		p, ok := byID[sel.ItemID]
		if !ok {
			return quote.Price{}, apperr.New(apperr.ErrInvalidCart, "unknown build-your-own item %d", sel.ItemID)
		}
		selTotal, err := quote.MulAmount(p.Price, sel.Quantity)
		if err != nil {
			return quote.Price{}, err
		}
		if amount, err = quote.AddAmount(amount, selTotal); err != nil {
			return quote.Price{}, err
		}
	}
	return quote.Price{Amount: amount, Name: "Build your own", Servings: 1}, nil
}

func (s *Store) product(ctx context.Context, id uint, kind model.ProductKind) (model.Product, error) {
	var p model.Product
	err := s.db.WithContext(ctx).
		Where("id = ? AND kind = ? AND active = ?", id, kind, true).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Product{}, apperr.New(apperr.ErrInvalidCart, "unknown product %d", id)
		}
		return model.Product{}, fmt.Errorf("load product %d: %w", id, err)
	}
	return p, nil
}

// IsTrialEligible is false once the user has a paid trial order for the product.
func (s *Store) IsTrialEligible(ctx context.Context, userID int64, productID uint) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.TrialUsage{}).
		Where("user_id = ? AND product_id = ?", userID, productID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("count trial usage: %w", err)
	}
	return n == 0, nil
}
