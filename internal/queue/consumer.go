package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"mealbox/internal/model"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"gorm.io/gorm"
)

const (
	defaultRetryBase = 200 * time.Millisecond
	defaultRetryMax  = 30 * time.Second
)

// LedgerConsumer 在订单支付成功后扣减钱包余额。
type LedgerConsumer struct {
	r   *kafka.Reader
	db  *gorm.DB
	log zerolog.Logger

	retryBase time.Duration
	retryMax  time.Duration
}

func NewLedgerConsumer(brokers []string, topic, groupID string, db *gorm.DB, log zerolog.Logger) *LedgerConsumer {
	return &LedgerConsumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		db:        db,
		log:       log.With().Str("component", "wallet_ledger").Logger(),
		retryBase: defaultRetryBase,
		retryMax:  defaultRetryMax,
	}
}

func (c *LedgerConsumer) Close() error { return c.r.Close() }

// Run 持续消费直到 ctx 结束或 reader 关闭；消息处理成功后才提交 offset。
func (c *LedgerConsumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			c.log.Warn().Err(err).Msg("fetch message")
			if !c.sleep(ctx, c.backoffBase()) {
				return
			}
			continue
		}

		if err := c.handle(ctx, m); err != nil {
			return
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			c.log.Warn().Err(err).Msg("commit offset")
		}
	}
}

// handle 处理单条消息，失败则退避重试同一条，只有 ctx 结束才返回错误。
func (c *LedgerConsumer) handle(ctx context.Context, m kafka.Message) error {
	ev, err := ParseOrderEvent(m.Value)
	if err != nil {
		c.log.Error().Err(err).Int64("offset", m.Offset).Msg("skip malformed event")
		return nil
	}

	backoff := c.backoffBase()
	for {
		err := c.Apply(ctx, ev)
		if err == nil {
			return nil
		}
		c.log.Error().Err(err).Str("order_id", ev.OrderID).Dur("retry_in", backoff).Msg("apply ledger event")
		if !c.sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff *= 2
		if ceiling := c.backoffCap(); backoff > ceiling {
			backoff = ceiling
		}
	}
}

func (c *LedgerConsumer) backoffBase() time.Duration {
	if c.retryBase <= 0 {
		return defaultRetryBase
	}
	return c.retryBase
}

func (c *LedgerConsumer) backoffCap() time.Duration {
	if c.retryMax <= 0 {
		return defaultRetryMax
	}
	return c.retryMax
}

func (c *LedgerConsumer) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Apply 为已支付订单写入钱包扣款，重复消息为 no-op。
// 余额不会变成负数：不足时只扣剩余部分，并写入 wallet.credit_shortfall 事件。
func (c *LedgerConsumer) Apply(ctx context.Context, ev OrderEvent) error {
	if ev.Type != model.EventOrderPaid || ev.CreditsApplied == 0 {
		return nil
	}

	var shortfall int64
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		debit, err := debitWallet(tx, ev.UserID, ev.CreditsApplied)
		if err != nil {
			return err
		}
		entry := &model.WalletLedgerEntry{
			UserID:  ev.UserID,
			OrderID: ev.OrderID,
			Amount:  -debit,
			Reason:  "order_credits",
		}
		if debit < ev.CreditsApplied {
			shortfall = ev.CreditsApplied - debit
			entry.Reason = "order_credits_shortfall"
		}
		// 幂等：重复消息在这里触发 UNIQUE 冲突，整个事务回滚
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		if shortfall == 0 {
			return nil
		}
		ob, err := NewOutboxEvent(model.EventWalletShortfall, ev.order(), fmt.Sprintf("shortfall=%d", shortfall))
		if err != nil {
			return err
		}
		return tx.Create(ob).Error
	})
	if err != nil {
		// 幂等：重复消息导致 UNIQUE 冲突，直接当作成功
		if errorsLikeUnique(err) || errors.Is(err, gorm.ErrDuplicatedKey) {
			c.log.Info().Str("order_id", ev.OrderID).Msg("ledger entry already written")
			return nil
		}
		return err
	}
	if shortfall > 0 {
		c.log.Error().Str("order_id", ev.OrderID).Int64("user_id", ev.UserID).
			Int64("credits", ev.CreditsApplied).Int64("shortfall", shortfall).
			Msg("wallet balance below applied credits; debited what was left")
		return nil
	}
	c.log.Info().Str("order_id", ev.OrderID).Int64("amount", ev.CreditsApplied).Msg("wallet debited")
	return nil
}

// debitWallet 最多扣 amount，返回实际扣减额。两次更新都带条件，并发扣款时返回错误由调用方重试。
func debitWallet(tx *gorm.DB, userID, amount int64) (int64, error) {
	res := tx.Model(&model.User{}).
		Where("id = ? AND wallet_balance >= ?", userID, amount).
		Update("wallet_balance", gorm.Expr("wallet_balance - ?", amount))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 1 {
		return amount, nil
	}

	var u model.User
	if err := tx.Select("id", "wallet_balance").Where("id = ?", userID).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("user %d not found", userID)
		}
		return 0, err
	}
	if u.WalletBalance <= 0 {
		return 0, nil
	}
	res = tx.Model(&model.User{}).
		Where("id = ? AND wallet_balance = ?", userID, u.WalletBalance).
		Update("wallet_balance", 0)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("wallet of user %d changed during debit", userID)
	}
	return u.WalletBalance, nil
}

func errorsLikeUnique(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique") || strings.Contains(s, "Duplicate entry")
}
