// Package gateway talks to the payment gateway. The client is constructed
// once and injected; nothing here is a package-level singleton.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"mealbox/internal/apperr"
)

// Client creates gateway payment-orders. Gateway orders are single-use: a
// retry always asks for a new one.
type Client interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)
}

type CreateOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// Order is the gateway's view of a payment-order.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// HTTPClient is a Razorpay-compatible REST client.
type HTTPClient struct {
	baseURL   string
	keyID     string
	keySecret string
	timeout   time.Duration
	hc        *http.Client
}

func NewHTTPClient(baseURL, keyID, keySecret string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		keyID:     keyID,
		keySecret: keySecret,
		timeout:   timeout,
		hc:        &http.Client{Timeout: timeout},
	}
}

// CreateOrder posts /v1/orders under the configured timeout. Timeouts,
// transport failures and 5xx answers become GatewayUnavailable.
func (c *HTTPClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		if isUnavailable(err) {
			return nil, apperr.Wrap(apperr.ErrGatewayUnavailable, err, "create gateway order")
		}
		return nil, fmt.Errorf("create gateway order: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrGatewayUnavailable, err, "read gateway response")
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, apperr.Wrap(apperr.ErrGatewayUnavailable,
			fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(body)), "create gateway order")
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("gateway rejected order: status=%d body=%s", resp.StatusCode, truncate(body))
	}

	var out Order
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode gateway order: %w", err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("gateway order has no id")
	}
	return &out, nil
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
