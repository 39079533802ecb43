package middleware

import (
	"mealbox/internal/apperr"
	"mealbox/internal/identity"

	"github.com/gin-gonic/gin"
)

const claimsKey = "mealbox.claims"

// Auth verifies the bearer token. With required=false a missing header is
// allowed, but a present and invalid one is still rejected.
func Auth(v *identity.Verifier, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			if required {
				Abort(c, apperr.New(apperr.ErrUnauthorized, "missing bearer token"))
				return
			}
			c.Next()
			return
		}
		claims, err := v.Verify(raw)
		if err != nil {
			Abort(c, err)
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireAdmin must run after Auth(v, true).
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			Abort(c, apperr.New(apperr.ErrUnauthorized, "missing bearer token"))
			return
		}
		if !claims.IsAdmin() {
			Abort(c, apperr.New(apperr.ErrForbidden, "admin role required"))
			return
		}
		c.Next()
	}
}

// ClaimsFrom returns the verified caller, if any.
func ClaimsFrom(c *gin.Context) (*identity.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*identity.Claims)
	return claims, ok
}
