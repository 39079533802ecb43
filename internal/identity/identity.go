// Package identity reads who the caller is and what they hold. Tokens are
// issued by the auth service; this package only verifies them.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mealbox/internal/apperr"
	"mealbox/internal/model"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

const RoleAdmin = "admin"

// Claims is the token payload shared with the auth service.
type Claims struct {
	UserID int64  `json:"uid"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) IsAdmin() bool { return c.Role == RoleAdmin }

// Verifier checks HS256 bearer tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses a raw token or an "Authorization: Bearer" header value.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return nil, apperr.New(apperr.ErrUnauthorized, "missing token")
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrUnauthorized, err, "invalid token")
	}
	if claims.UserID <= 0 {
		return nil, apperr.New(apperr.ErrUnauthorized, "token has no user")
	}
	return claims, nil
}

// Issue signs a token the way the auth service does. Used by tests and dev
// tooling; production tokens come from the auth service.
func Issue(secret string, userID int64, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// WalletStore reads wallet balances. It never writes them; debits are
// applied by the wallet ledger consumer.
type WalletStore struct {
	db *gorm.DB
}

func NewWalletStore(db *gorm.DB) *WalletStore {
	return &WalletStore{db: db}
}

// Balance returns 0 for users the identity service has not synced yet.
func (w *WalletStore) Balance(ctx context.Context, userID int64) (int64, error) {
	var u model.User
	err := w.db.WithContext(ctx).Select("wallet_balance").Where("id = ?", userID).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("load wallet for user %d: %w", userID, err)
	}
	if u.WalletBalance < 0 {
		return 0, nil
	}
	return u.WalletBalance, nil
}
