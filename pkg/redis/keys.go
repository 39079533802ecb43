package redis

import "fmt"

// OrderRetryLockKey 串行化同一订单的支付重试。
func OrderRetryLockKey(orderID string) string {
	return fmt.Sprintf("mealbox:order:retry:lock:%s", orderID)
}

// WebhookEventKey 标记某个网关事件已完整处理。
func WebhookEventKey(eventID string) string {
	return fmt.Sprintf("mealbox:webhook:event:%s", eventID)
}

// QuoteRateLimitUserKey / QuoteRateLimitIPKey 是报价接口的限流键。
func QuoteRateLimitUserKey(userID int64) string {
	return fmt.Sprintf("mealbox:rate_limit:quote:user:%d", userID)
}

func QuoteRateLimitIPKey(ip string) string {
	return fmt.Sprintf("mealbox:rate_limit:quote:ip:%s", ip)
}
