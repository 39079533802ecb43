package queue

import (
	"context"
	"time"

	"mealbox/internal/model"

	"github.com/rs/zerolog"
)

// Outbox 是 relay 对 outbox 表的最小依赖。
type Outbox interface {
	Pending(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkPublished(ctx context.Context, ids []uint) error
	MarkFailed(ctx context.Context, ids []uint, cause error) error
}

// Publisher 批量发送事件到 Kafka。
type Publisher interface {
	Publish(ctx context.Context, events []model.OutboxEvent) error
}

const relayBatch = 16

// Relay 将 outbox 表中的事件异步转发到 Kafka。
// 语义：发布 Kafka 成功后才标记 published，失败则保留等待下一轮重试。
type Relay struct {
	outbox    Outbox
	publisher Publisher
	poll      time.Duration
	log       zerolog.Logger
}

func NewRelay(outbox Outbox, publisher Publisher, poll time.Duration, log zerolog.Logger) *Relay {
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		poll:      poll,
		log:       log.With().Str("component", "outbox_relay").Logger(),
	}
}

func (r *Relay) Run(ctx context.Context) {
	t := time.NewTicker(r.poll)
	defer t.Stop()
	for {
		for {
			n, err := r.RelayOnce(ctx)
			if err != nil || n < relayBatch {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// RelayOnce 转发一批事件，返回处理的条数。
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.outbox.Pending(ctx, relayBatch)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Error().Err(err).Msg("load pending outbox")
		}
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	good := make([]model.OutboxEvent, 0, len(events))
	var dropped []uint
	for _, ev := range events {
		if _, err := ParseOrderEvent(ev.Payload); err != nil {
			// 脏消息直接标记，避免阻塞队列。
			r.log.Error().Err(err).Str("event_id", ev.EventID).Msg("dropping malformed outbox event")
			dropped = append(dropped, ev.ID)
			continue
		}
		good = append(good, ev)
	}
	if len(dropped) > 0 {
		if err := r.outbox.MarkPublished(ctx, dropped); err != nil {
			return 0, err
		}
	}

	ids := make([]uint, 0, len(good))
	for _, ev := range good {
		ids = append(ids, ev.ID)
	}
	if len(ids) == 0 {
		return len(events), nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, good); err != nil {
		r.log.Warn().Err(err).Int("events", len(good)).Msg("publish outbox batch")
		if markErr := r.outbox.MarkFailed(ctx, ids, err); markErr != nil {
			r.log.Error().Err(markErr).Msg("record outbox failure")
		}
		return 0, err
	}
	if err := r.outbox.MarkPublished(ctx, ids); err != nil {
		// Kafka 已写入；下一轮会重复投递，消费者按 order_id 幂等。
		r.log.Error().Err(err).Msg("mark outbox published")
		return 0, err
	}
	return len(events), nil
}
