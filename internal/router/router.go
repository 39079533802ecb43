package router

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"mealbox/internal/apperr"
	"mealbox/internal/checkout"
	"mealbox/internal/geo"
	"mealbox/internal/identity"
	"mealbox/internal/middleware"
	"mealbox/internal/model"
	"mealbox/internal/order"
	"mealbox/internal/quote"
	"mealbox/internal/webhook"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	rd "github.com/redis/go-redis/v9"
)

const (
	signatureHeader = "X-Razorpay-Signature"
	eventIDHeader   = "X-Razorpay-Event-Id"
	maxWebhookBody  = 1 << 20
)

// Deps HTTP 层依赖的全部组件。
type Deps struct {
	Quotes   checkout.Quoter
	Checkout *checkout.Orchestrator
	Webhooks *webhook.Reconciler
	Orders   *order.Service
	Verifier *identity.Verifier
	Redis    *rd.Client

	QuoteRateLimit  int
	QuoteRateWindow time.Duration
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	api := r.Group("/api")
	api.POST("/cart/quote",
		middleware.Auth(d.Verifier, false),
		middleware.RedisRateLimit(d.Redis, d.QuoteRateLimit, d.QuoteRateWindow),
		quoteCart(d.Quotes))

	// 网关回调：必须在任何解析之前保留原始字节用于验签。
	api.POST("/webhooks/payment", middleware.RawBody(maxWebhookBody), paymentWebhook(d.Webhooks))

	authed := api.Group("", middleware.Auth(d.Verifier, true))
	authed.POST("/checkout/initiate", initiateCheckout(d.Checkout))
	authed.POST("/checkout/retry", retryCheckout(d.Checkout))
	authed.GET("/orders/:id", getOrder(d.Orders))

	admin := authed.Group("", middleware.RequireAdmin())
	admin.PATCH("/orders/:id/status", updateStatus(d.Orders))
	admin.PATCH("/orders/:id/notes", updateNotes(d.Orders))
	admin.GET("/orders/:id/history", orderHistory(d.Orders))
}

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

func badRequest(c *gin.Context, err error) {
	middleware.Abort(c, apperr.Wrap(apperr.ErrBadRequest, err, "invalid request body: %v", err))
}

// quoteCart 报价：匿名可用，登录后带上钱包余额与试用资格。
func quoteCart(quotes checkout.Quoter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Items    []model.CartItem `json:"items" binding:"required,min=1,max=50,dive"`
			Delivery *geo.Point       `json:"delivery"`
			Credits  int64            `json:"credits" binding:"min=0"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				middleware.Abort(c, quote.CartError(err))
				return
			}
			badRequest(c, err)
			return
		}

		qr := quote.Request{Items: req.Items, Delivery: req.Delivery, RequestedCredits: req.Credits}
		if claims, ok := middleware.ClaimsFrom(c); ok {
			qr.UserID = &claims.UserID
		}
		q, err := quotes.Quote(c.Request.Context(), qr)
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, q)
	}
}

// initiateCheckout 重新报价后创建订单与网关支付单。
func initiateCheckout(co *checkout.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req checkout.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.Abort(c, checkout.RequestError(err))
			return
		}
		claims, _ := middleware.ClaimsFrom(c)
		res, err := co.Initiate(c.Request.Context(), claims.UserID, req)
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, res)
	}
}

func retryCheckout(co *checkout.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			OrderID string `json:"order_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		claims, _ := middleware.ClaimsFrom(c)
		res, err := co.Retry(c.Request.Context(), claims.UserID, req.OrderID)
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, res)
	}
}

// getOrder 供客户端轮询支付结果；只能看自己的订单，管理员除外。
func getOrder(orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, _ := middleware.ClaimsFrom(c)
		o, err := orders.Get(c.Request.Context(), c.Param("id"), claims.UserID, claims.IsAdmin())
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, o)
	}
}

// paymentWebhook 验签并对账。除验签失败、报文错误、重复支付和基础设施错误外一律 200。
func paymentWebhook(rec *webhook.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		outcome, err := rec.Handle(c.Request.Context(),
			middleware.RawBodyFrom(c),
			c.GetHeader(signatureHeader),
			c.GetHeader(eventIDHeader))
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, gin.H{"outcome": outcome})
	}
}

func updateStatus(orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Status model.LifecycleStatus `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		claims, _ := middleware.ClaimsFrom(c)
		o, err := orders.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status, fmt.Sprintf("admin:%d", claims.UserID))
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, o)
	}
}

func updateNotes(orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Notes string `json:"notes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		o, err := orders.AddNote(c.Request.Context(), c.Param("id"), req.Notes)
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, o)
	}
}

func orderHistory(orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		hist, err := orders.History(c.Request.Context(), c.Param("id"))
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, hist)
	}
}
