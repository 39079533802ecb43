package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"mealbox/internal/catalog"
	"mealbox/internal/checkout"
	"mealbox/internal/config"
	"mealbox/internal/db/dbtest"
	"mealbox/internal/gateway"
	"mealbox/internal/identity"
	"mealbox/internal/model"
	"mealbox/internal/order"
	"mealbox/internal/quote"
	"mealbox/internal/repository"
	"mealbox/internal/webhook"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	jwtSecret     = "jwt-secret"
	webhookSecret = "whsec"
)

type stubGateway struct {
	mu sync.Mutex
	n  int
}

func (g *stubGateway) CreateOrder(_ context.Context, req gateway.CreateOrderRequest) (*gateway.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return &gateway.Order{ID: fmt.Sprintf("order_gw_%d", g.n), Amount: req.Amount, Currency: req.Currency, Status: "created"}, nil
}

type envelope struct {
	Code  int             `json:"code"`
	Error string          `json:"error"`
	Msg   string          `json:"msg"`
	Data  json.RawMessage `json:"data"`
}

type server struct {
	t *testing.T
	h http.Handler
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb := dbtest.New(t)
	require.NoError(t, gdb.Create(&model.Product{ID: 1, Kind: model.KindMealPack, Name: "Protein pack", Price: 49900, Servings: 5, Active: true}).Error)
	require.NoError(t, gdb.Create(&model.User{ID: 7, Email: "a@example.com", WalletBalance: 20000}).Error)

	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := zerolog.Nop()
	fees := config.FeeConfig{FreeRadiusKm: 3, MaxRadiusKm: 15, PerKmFee: 1000, BYOMinWeekly: 150000, BYOMinMonthly: 500000}
	engine := quote.NewEngine(catalog.NewStore(gdb), identity.NewWalletStore(gdb), fees, "INR", log)
	orders := repository.NewOrderRepo(gdb)

	r := gin.New()
	Setup(r, Deps{
		Quotes: engine,
		Checkout: checkout.NewOrchestrator(engine, orders, &stubGateway{}, rdb, checkout.Config{
			KeyID: "rzp_test_key", MerchantName: "Mealbox", Currency: "INR", MinAmount: 100,
			MaxRetries: 1, LockTTL: time.Minute, GatewayTimeout: time.Second,
		}, log),
		Webhooks:        webhook.NewReconciler(orders, rdb, webhookSecret, log),
		Orders:          order.NewService(orders, log),
		Verifier:        identity.NewVerifier(jwtSecret),
		Redis:           rdb,
		QuoteRateLimit:  100,
		QuoteRateWindow: time.Second,
	})
	return &server{t: t, h: r}
}

func (s *server) token(uid int64, role string) string {
	tok, err := identity.Issue(jwtSecret, uid, role, time.Hour)
	require.NoError(s.t, err)
	return tok
}

func (s *server) do(method, path, tok string, body []byte, headers map[string]string) (int, envelope) {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.h.ServeHTTP(w, req)

	var env envelope
	require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func (s *server) checkout(tok string) checkout.Result {
	body := `{"items":[{"product_id":1,"kind":"meal_pack","quantity":1}],
		"address":{"name":"Asha","phone":"9999999999","line1":"12 MG Road","city":"Bengaluru","pincode":"560001"},
		"delivery":{"lat":12.9716,"lng":77.5946}}`
	code, env := s.do(http.MethodPost, "/api/checkout/initiate", tok, []byte(body), nil)
	require.Equal(s.t, http.StatusOK, code, env.Msg)
	var res checkout.Result
	require.NoError(s.t, json.Unmarshal(env.Data, &res))
	return res
}

func (s *server) webhook(body []byte, sig, eventID string) (int, envelope) {
	return s.do(http.MethodPost, "/api/webhooks/payment", "", body, map[string]string{
		signatureHeader: sig,
		eventIDHeader:   eventID,
	})
}

func captured(gatewayOrderID string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":%q,"amount":%d,"currency":"INR"}}}}`, gatewayOrderID, amount))
}

func (s *server) order(tok, id string) model.Order {
	code, env := s.do(http.MethodGet, "/api/orders/"+id, tok, nil, nil)
	require.Equal(s.t, http.StatusOK, code, env.Msg)
	var o model.Order
	require.NoError(s.t, json.Unmarshal(env.Data, &o))
	return o
}

func TestPing(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	s.h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestQuote(t *testing.T) {
	s := newServer(t)

	code, env := s.do(http.MethodPost, "/api/cart/quote", "", []byte(`{"items":[{"product_id":1,"kind":"meal_pack","quantity":2}]}`), nil)
	require.Equal(t, http.StatusOK, code)
	var q quote.Quote
	require.NoError(t, json.Unmarshal(env.Data, &q))
	assert.Equal(t, int64(99800), q.Subtotal)
	assert.Nil(t, q.DeliveryFee, "no coordinate, no fee")
	assert.Nil(t, q.IsServiceable)

	code, env = s.do(http.MethodPost, "/api/cart/quote", s.token(7, ""),
		[]byte(`{"items":[{"product_id":1,"kind":"meal_pack","quantity":1}],"delivery":{"lat":12.9352,"lng":77.6245},"credits":50000}`), nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &q))
	require.NotNil(t, q.DeliveryFee)
	assert.Equal(t, int64(0), *q.DeliveryFee)
	assert.Equal(t, int64(20000), q.CreditsApplied, "credits capped at wallet balance")
	assert.Equal(t, int64(29900), q.Total)

	code, env = s.do(http.MethodPost, "/api/cart/quote", "", []byte(`{"items":[],"delivery":{"lat":12.9,"lng":77.6}}`), nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_CART", env.Error)

	code, env = s.do(http.MethodPost, "/api/cart/quote", "", []byte(`{"items":[{"product_id":1,"kind":"meal_pack","quantity":1}],"delivery":{"lat":91,"lng":77.6}}`), nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_COORDINATES", env.Error)
}

func TestCheckoutRequiresAuth(t *testing.T) {
	s := newServer(t)
	code, env := s.do(http.MethodPost, "/api/checkout/initiate", "", []byte(`{}`), nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "UNAUTHORIZED", env.Error)
}

func TestCheckoutWebhookAndLifecycle(t *testing.T) {
	s := newServer(t)
	user := s.token(7, "")
	admin := s.token(1, identity.RoleAdmin)

	res := s.checkout(user)
	assert.Equal(t, "rzp_test_key", res.GatewayParams.Key)
	assert.Equal(t, int64(53640), res.GatewayParams.Amount)
	assert.Equal(t, model.PaymentPending, s.order(user, res.OrderID).PaymentStatus)

	body := captured(res.GatewayOrderID, 53640)

	// tampered body, valid signature of the original
	code, env := s.webhook(captured(res.GatewayOrderID, 100), webhook.Sign(webhookSecret, body), "evt_1")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_SIGNATURE", env.Error)
	assert.Equal(t, model.PaymentPending, s.order(user, res.OrderID).PaymentStatus)

	code, env = s.webhook(body, webhook.Sign(webhookSecret, body), "evt_1")
	require.Equal(t, http.StatusOK, code, env.Msg)
	assert.JSONEq(t, `{"outcome":"applied"}`, string(env.Data))

	code, env = s.webhook(body, webhook.Sign(webhookSecret, body), "evt_1")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"outcome":"noop"}`, string(env.Data))

	o := s.order(user, res.OrderID)
	assert.Equal(t, model.PaymentPaid, o.PaymentStatus)
	require.NotNil(t, o.LifecycleStatus)
	assert.Equal(t, model.LifecyclePaid, *o.LifecycleStatus)

	// other users cannot see it
	code, _ = s.do(http.MethodGet, "/api/orders/"+res.OrderID, s.token(8, ""), nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	statusPath := "/api/orders/" + res.OrderID + "/status"
	code, env = s.do(http.MethodPatch, statusPath, user, []byte(`{"status":"CONFIRMED"}`), nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, env = s.do(http.MethodPatch, statusPath, admin, []byte(`{"status":"PAID"}`), nil)
	assert.Equal(t, http.StatusOK, code, "PAID to PAID is a no-op")

	code, env = s.do(http.MethodPatch, statusPath, admin, []byte(`{"status":"CONFIRMED"}`), nil)
	require.Equal(t, http.StatusOK, code, env.Msg)

	code, env = s.do(http.MethodPatch, statusPath, admin, []byte(`{"status":"PAID"}`), nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "INVALID_TRANSITION", env.Error)

	code, env = s.do(http.MethodPatch, statusPath, admin, []byte(`{"status":"DELIVERED"}`), nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "INVALID_TRANSITION", env.Error)

	code, _ = s.do(http.MethodPatch, "/api/orders/"+res.OrderID+"/notes", admin, []byte(`{"notes":"ring twice"}`), nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ring twice", s.order(admin, res.OrderID).Notes)

	code, env = s.do(http.MethodGet, "/api/orders/"+res.OrderID+"/history", admin, nil, nil)
	require.Equal(t, http.StatusOK, code)
	var hist []model.OrderStatusEvent
	require.NoError(t, json.Unmarshal(env.Data, &hist))
	assert.Len(t, hist, 2)
}

func TestRetryEndpoint(t *testing.T) {
	s := newServer(t)
	user := s.token(7, "")
	res := s.checkout(user)

	body := []byte(fmt.Sprintf(`{"order_id":%q}`, res.OrderID))
	code, env := s.do(http.MethodPost, "/api/checkout/retry", user, body, nil)
	require.Equal(t, http.StatusOK, code, env.Msg)
	var again checkout.Result
	require.NoError(t, json.Unmarshal(env.Data, &again))
	assert.NotEqual(t, res.GatewayOrderID, again.GatewayOrderID)

	code, env = s.do(http.MethodPost, "/api/checkout/retry", user, body, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "RETRY_LIMIT_EXCEEDED", env.Error)

	code, env = s.do(http.MethodPost, "/api/checkout/retry", user, []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "BAD_REQUEST", env.Error)

	// a capture on the abandoned first gateway order is acknowledged but ignored
	stale := captured(res.GatewayOrderID, 53640)
	code, env = s.webhook(stale, webhook.Sign(webhookSecret, stale), "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"outcome":"stale"}`, string(env.Data))
	assert.Equal(t, model.PaymentPending, s.order(user, res.OrderID).PaymentStatus)
}

func TestCheckoutBindingErrors(t *testing.T) {
	s := newServer(t)
	user := s.token(7, "")

	noAddress := `{"items":[{"product_id":1,"kind":"meal_pack","quantity":1}],"delivery":{"lat":12.9716,"lng":77.5946}}`
	code, env := s.do(http.MethodPost, "/api/checkout/initiate", user, []byte(noAddress), nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "BAD_REQUEST", env.Error)

	huge := `{"items":[{"kind":"byo","quantity":1,"selections":[{"item_id":10,"quantity":4611686018427387906}]}],
		"address":{"name":"Asha","phone":"9999999999","line1":"12 MG Road","city":"Bengaluru","pincode":"560001"},
		"delivery":{"lat":12.9716,"lng":77.5946}}`
	code, env = s.do(http.MethodPost, "/api/checkout/initiate", user, []byte(huge), nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_CART", env.Error)

	code, env = s.do(http.MethodPost, "/api/checkout/initiate", user, []byte(`{"items":`), nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "BAD_REQUEST", env.Error)
}
