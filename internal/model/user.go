package model

import "time"

// User mirrors the identity service's account row. Only WalletBalance is
// read here; debits go through the wallet ledger.
type User struct {
	ID            int64     `gorm:"primarykey" json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Email         string    `gorm:"size:255;uniqueIndex" json:"email"`
	WalletBalance int64     `gorm:"not null;default:0" json:"wallet_balance"`
}

func (User) TableName() string { return "users" }

// TrialUsage marks a trial as consumed. The unique pair makes a trial
// single-use per user per product.
type TrialUsage struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UserID    int64     `gorm:"not null;uniqueIndex:idx_trial_user_product" json:"user_id"`
	ProductID uint      `gorm:"not null;uniqueIndex:idx_trial_user_product" json:"product_id"`
	OrderID   string    `gorm:"size:36;not null" json:"order_id"`
}

func (TrialUsage) TableName() string { return "trial_usages" }

// WalletLedgerEntry is one wallet debit. OrderID is unique so replayed
// events never debit twice.
type WalletLedgerEntry struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UserID    int64     `gorm:"not null;index" json:"user_id"`
	OrderID   string    `gorm:"size:36;not null;uniqueIndex" json:"order_id"`
	Amount    int64     `gorm:"not null" json:"amount"` // negative for debits
	Reason    string    `gorm:"size:64" json:"reason"`
}

func (WalletLedgerEntry) TableName() string { return "wallet_ledger" }
