package quote

import (
	"errors"
	"fmt"
	"strings"

	"mealbox/internal/apperr"
	"mealbox/internal/model"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// validate runs the binding tags on the request and then the rules that
// span more than one field.
func validate(req Request) error {
	if err := binding.Validator.ValidateStruct(req); err != nil {
		return CartError(err)
	}
	if req.Delivery != nil {
		if err := req.Delivery.Validate(); err != nil {
			return err
		}
	}

	trials := map[uint]bool{}
	for i, item := range req.Items {
		switch item.Kind {
		case model.KindMealPack, model.KindAddOn:
			if len(item.Selections) > 0 {
				return apperr.New(apperr.ErrInvalidCart, "item %d: selections are only allowed on build-your-own items", i)
			}
		case model.KindBYO:
			if len(item.Selections) == 0 {
				return apperr.New(apperr.ErrInvalidCart, "item %d: build-your-own needs at least one selection", i)
			}
		}

		if item.Trial {
			if item.Kind != model.KindMealPack {
				return apperr.New(apperr.ErrInvalidCart, "item %d: only meal packs have trials", i)
			}
			if item.Quantity != 1 {
				return apperr.New(apperr.ErrInvalidCart, "item %d: a trial is a single pack", i)
			}
			if req.UserID == nil {
				return apperr.New(apperr.ErrInvalidCart, "item %d: sign in to use a trial", i)
			}
			if trials[item.ProductID] {
				return apperr.New(apperr.ErrInvalidCart, "item %d: trial for product %d requested twice", i, item.ProductID)
			}
			trials[item.ProductID] = true
		}
	}
	return nil
}

// CartError turns a binding failure on cart fields into InvalidCart.
func CartError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.ErrInvalidCart, err, "invalid cart: %v", err)
	}
	return apperr.Wrap(apperr.ErrInvalidCart, err, "invalid cart: %s", describe(verrs))
}

func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s fails %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
