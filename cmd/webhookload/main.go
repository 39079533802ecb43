package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"mealbox/internal/identity"
	"mealbox/internal/webhook"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	jwtSecret := flag.String("jwt-secret", "dev-jwt-secret", "JWT_SECRET of the server, used to mint a dev token")
	webhookSecret := flag.String("webhook-secret", "dev-webhook-secret", "WEBHOOK_SECRET of the server")
	userID := flag.Int64("user", 1, "user id to check out as")
	productID := flag.Int("product", 1, "meal pack product id")
	lat := flag.Float64("lat", 12.9716, "delivery latitude")
	lng := flag.Float64("lng", 77.5946, "delivery longitude")

	// 幂等测试参数：同一条 captured 回调并发投递 N 次
	n := flag.Int("n", 200, "duplicate deliveries")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	token, err := identity.Issue(*jwtSecret, *userID, "", time.Hour)
	if err != nil {
		panic(fmt.Sprintf("mint token: %v", err))
	}

	// 1) 下单，拿到网关订单号与金额
	co, err := initiate(client, *baseURL, token, *productID, *lat, *lng)
	if err != nil {
		panic(fmt.Sprintf("checkout failed: %v", err))
	}
	fmt.Printf("order=%s gateway_order=%s amount=%d\n", co.OrderID, co.GatewayOrderID, co.GatewayParams.Amount)

	// 2) 同一条签名回调并发投递：应当恰好一次 applied，其余 noop
	body := []byte(fmt.Sprintf(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_load_%s","order_id":%q,"amount":%d,"currency":%q,"status":"captured"}}}}`,
		co.OrderID[:8], co.GatewayOrderID, co.GatewayParams.Amount, co.GatewayParams.Currency))
	sig := webhook.Sign(*webhookSecret, body)

	fmt.Printf("start duplicate webhook test: deliveries=%d concurrency=%d\n", *n, *concurrency)
	results := runDeliveries(client, *baseURL, body, sig, *n, *concurrency)
	printSummary("duplicate_capture", results)

	// 3) 篡改报文：应当全部 400
	tampered := bytes.Replace(body, []byte(`"amount":`), []byte(`"amount":1`), 1)
	results2 := runDeliveries(client, *baseURL, tampered, sig, 20, 20)
	printSummary("tampered", results2)

	status, err := orderStatus(client, *baseURL, token, co.OrderID)
	if err != nil {
		fmt.Println("order check err:", err)
	} else {
		fmt.Println("final payment status:", status)
	}
}

type checkoutResult struct {
	OrderID        string `json:"order_id"`
	GatewayOrderID string `json:"gateway_order_id"`
	GatewayParams  struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"gateway_params"`
}

func initiate(client *http.Client, baseURL, token string, productID int, lat, lng float64) (checkoutResult, error) {
	req := map[string]any{
		"items": []map[string]any{{"product_id": productID, "kind": "meal_pack", "quantity": 1}},
		"address": map[string]any{
			"name": "Load Test", "phone": "9000000000", "line1": "1 Test Street",
			"city": "Bengaluru", "pincode": "560001",
		},
		"delivery": map[string]float64{"lat": lat, "lng": lng},
	}
	var out struct {
		Data checkoutResult `json:"data"`
	}
	err := doJSON(client, http.MethodPost, baseURL+"/api/checkout/initiate", token, req, &out)
	return out.Data, err
}

func runDeliveries(client *http.Client, baseURL string, body []byte, sig string, total, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = deliverOnce(client, baseURL, body, sig, fmt.Sprintf("evt_load_%d", idx))
		}(i)
	}

	wg.Wait()
	return results
}

func deliverOnce(client *http.Client, baseURL string, body []byte, sig, eventID string) Result {
	httpReq, _ := http.NewRequest(http.MethodPost, baseURL+"/api/webhooks/payment", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Razorpay-Signature", sig)
	httpReq.Header.Set("X-Razorpay-Event-Id", eventID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(b)}
}

// printSummary 聚合输出状态码与对账结果分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	outcomes := map[string]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
		var env struct {
			Data struct {
				Outcome string `json:"outcome"`
			} `json:"data"`
		}
		if json.Unmarshal([]byte(r.Body), &env) == nil && env.Data.Outcome != "" {
			outcomes[env.Data.Outcome]++
		}
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 409, 429, 500, 503} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	for outcome, c := range outcomes {
		fmt.Printf("  outcome %s -> %d\n", outcome, c)
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

func orderStatus(client *http.Client, baseURL, token, orderID string) (string, error) {
	var out struct {
		Data struct {
			PaymentStatus string `json:"payment_status"`
		} `json:"data"`
	}
	if err := doJSON(client, http.MethodGet, baseURL+"/api/orders/"+orderID, token, nil, &out); err != nil {
		return "", err
	}
	return out.Data.PaymentStatus, nil
}

// doJSON 发送请求并解析 JSON 响应（支持 bearer token）。
func doJSON(client *http.Client, method, url, token string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, url, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	return json.Unmarshal(b, out)
}
