package model

import (
	"time"

	"gorm.io/gorm"
)

// ProductKind separates the three pricing sub-engines of the catalog.
type ProductKind string

const (
	KindMealPack ProductKind = "meal_pack"
	KindAddOn    ProductKind = "add_on"
	KindBYOItem  ProductKind = "byo_item"

	// KindBYO is a cart-only kind: a build-your-own meal assembled from
	// byo_item products. It has no product row of its own.
	KindBYO ProductKind = "byo"
)

// Product is a catalog entry. Prices are in minor units (paise).
// The catalog is maintained elsewhere; this service only reads it.
type Product struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Kind ProductKind `gorm:"size:16;not null;index" json:"kind"`
	Name string      `gorm:"size:128;not null" json:"name"`
	// Price is the one-time price; meal packs also carry subscription prices.
	Price        int64 `gorm:"not null;default:0" json:"price"`
	WeeklyPrice  int64 `gorm:"not null;default:0" json:"weekly_price"`
	MonthlyPrice int64 `gorm:"not null;default:0" json:"monthly_price"`
	// TrialPrice 0 means no trial is offered.
	TrialPrice int64 `gorm:"not null;default:0" json:"trial_price"`
	Servings   int   `gorm:"not null;default:1" json:"servings"`
	Active     bool  `gorm:"not null;default:true" json:"active"`
}

func (Product) TableName() string { return "products" }
