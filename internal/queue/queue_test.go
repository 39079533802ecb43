package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"mealbox/internal/db/dbtest"
	"mealbox/internal/model"
	"mealbox/internal/repository"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func paidOrder() *model.Order {
	paid := model.LifecyclePaid
	pay := "pay_1"
	return &model.Order{
		ID:               "0b6f8a58-0000-4000-8000-000000000001",
		UserID:           7,
		Total:            45000,
		CreditsApplied:   5000,
		Currency:         "INR",
		PaymentStatus:    model.PaymentPaid,
		LifecycleStatus:  &paid,
		GatewayPaymentID: &pay,
	}
}

func TestNewOutboxEventRoundTrip(t *testing.T) {
	ob, err := NewOutboxEvent(model.EventOrderPaid, paidOrder(), "")
	require.NoError(t, err)
	assert.Equal(t, model.EventOrderPaid, ob.Type)

	ev, err := ParseOrderEvent(ob.Payload)
	require.NoError(t, err)
	assert.Equal(t, ob.EventID, ev.EventID)
	assert.Equal(t, "pay_1", ev.PaymentID)
	assert.Equal(t, int64(5000), ev.CreditsApplied)
	require.NotNil(t, ev.LifecycleStatus)
	assert.Equal(t, model.LifecyclePaid, *ev.LifecycleStatus)
}

func TestParseOrderEventRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "nope"},
		{name: "missing event id", payload: `{"type":"order.paid","order_id":"o1","user_id":1}`},
		{name: "missing user", payload: `{"event_id":"e","type":"order.paid","order_id":"o1"}`},
		{name: "negative total", payload: `{"event_id":"e","type":"order.paid","order_id":"o1","user_id":1,"total":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOrderEvent([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

type fakePublisher struct {
	err  error
	sent []model.OutboxEvent
}

func (f *fakePublisher) Publish(_ context.Context, events []model.OutboxEvent) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, events...)
	return nil
}

func TestRelayOnce(t *testing.T) {
	ctx := context.Background()
	gdb := dbtest.New(t)
	orders := repository.NewOrderRepo(gdb)
	outbox := repository.NewOutboxRepo(gdb)

	ob, err := NewOutboxEvent(model.EventOrderPaid, paidOrder(), "")
	require.NoError(t, err)
	require.NoError(t, orders.AddOutbox(ctx, ob))
	require.NoError(t, orders.AddOutbox(ctx, &model.OutboxEvent{EventID: "bad", Type: "x", OrderID: "o", Payload: []byte("{")}))

	pub := &fakePublisher{err: errors.New("broker down")}
	r := NewRelay(outbox, pub, 0, zerolog.Nop())

	_, err = r.RelayOnce(ctx)
	require.Error(t, err)
	pending, err := outbox.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1, "malformed event is dropped, good one kept")
	assert.Equal(t, 1, pending[0].Attempts)

	pub.err = nil
	n, err := r.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, pub.sent, 1)
	assert.Equal(t, ob.EventID, pub.sent[0].EventID)

	pending, err = outbox.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLedgerApplyIdempotent(t *testing.T) {
	ctx := context.Background()
	gdb := dbtest.New(t)
	require.NoError(t, gdb.Create(&model.User{ID: 7, Email: "a@example.com", WalletBalance: 20000}).Error)

	c := &LedgerConsumer{db: gdb, log: zerolog.Nop()}
	ob, err := NewOutboxEvent(model.EventOrderPaid, paidOrder(), "")
	require.NoError(t, err)
	ev, err := ParseOrderEvent(ob.Payload)
	require.NoError(t, err)

	require.NoError(t, c.Apply(ctx, ev))
	require.NoError(t, c.Apply(ctx, ev))

	var u model.User
	require.NoError(t, gdb.First(&u, 7).Error)
	assert.Equal(t, int64(15000), u.WalletBalance)

	var n int64
	require.NoError(t, gdb.Model(&model.WalletLedgerEntry{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func paidEvent(t *testing.T, orderID string, credits int64) OrderEvent {
	t.Helper()
	o := paidOrder()
	o.ID = orderID
	o.CreditsApplied = credits
	ob, err := NewOutboxEvent(model.EventOrderPaid, o, "")
	require.NoError(t, err)
	ev, err := ParseOrderEvent(ob.Payload)
	require.NoError(t, err)
	return ev
}

func TestLedgerNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	gdb := dbtest.New(t)
	require.NoError(t, gdb.Create(&model.User{ID: 7, Email: "a@example.com", WalletBalance: 20000}).Error)
	c := &LedgerConsumer{db: gdb, log: zerolog.Nop()}

	// two checkouts quoted against the same balance
	require.NoError(t, c.Apply(ctx, paidEvent(t, "order-a", 20000)))
	require.NoError(t, c.Apply(ctx, paidEvent(t, "order-b", 20000)))

	var u model.User
	require.NoError(t, gdb.First(&u, 7).Error)
	assert.Equal(t, int64(0), u.WalletBalance)

	var entry model.WalletLedgerEntry
	require.NoError(t, gdb.Where("order_id = ?", "order-b").First(&entry).Error)
	assert.Equal(t, int64(0), entry.Amount)
	assert.Equal(t, "order_credits_shortfall", entry.Reason)

	var alerts []model.OutboxEvent
	require.NoError(t, gdb.Where("type = ?", model.EventWalletShortfall).Find(&alerts).Error)
	require.Len(t, alerts, 1)
	assert.Equal(t, "order-b", alerts[0].OrderID)
	ev, err := ParseOrderEvent(alerts[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "shortfall=20000", ev.Reason)

	// replaying the short event changes nothing
	require.NoError(t, c.Apply(ctx, paidEvent(t, "order-b", 20000)))
	var n int64
	require.NoError(t, gdb.Model(&model.OutboxEvent{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestLedgerPartialShortfall(t *testing.T) {
	gdb := dbtest.New(t)
	require.NoError(t, gdb.Create(&model.User{ID: 7, Email: "a@example.com", WalletBalance: 3000}).Error)
	c := &LedgerConsumer{db: gdb, log: zerolog.Nop()}

	require.NoError(t, c.Apply(context.Background(), paidEvent(t, "order-a", 5000)))

	var u model.User
	require.NoError(t, gdb.First(&u, 7).Error)
	assert.Equal(t, int64(0), u.WalletBalance)
	var entry model.WalletLedgerEntry
	require.NoError(t, gdb.Where("order_id = ?", "order-a").First(&entry).Error)
	assert.Equal(t, int64(-3000), entry.Amount)
}

func TestLedgerHandleRetriesUntilApplied(t *testing.T) {
	gdb := dbtest.New(t)
	require.NoError(t, gdb.Create(&model.User{ID: 7, Email: "a@example.com", WalletBalance: 20000}).Error)

	failures := 2
	require.NoError(t, gdb.Callback().Create().Before("gorm:create").Register("test:flaky_ledger", func(tx *gorm.DB) {
		if tx.Statement.Table == "wallet_ledger" && failures > 0 {
			failures--
			_ = tx.AddError(errors.New("database is locked"))
		}
	}))

	c := &LedgerConsumer{db: gdb, log: zerolog.Nop(), retryBase: time.Millisecond, retryMax: 2 * time.Millisecond}
	ob, err := NewOutboxEvent(model.EventOrderPaid, paidOrder(), "")
	require.NoError(t, err)

	require.NoError(t, c.handle(context.Background(), kafka.Message{Value: ob.Payload}))
	assert.Zero(t, failures)

	var u model.User
	require.NoError(t, gdb.First(&u, 7).Error)
	assert.Equal(t, int64(15000), u.WalletBalance)
}

func TestLedgerHandleStopsWithContext(t *testing.T) {
	gdb := dbtest.New(t)
	// no user row: every attempt fails
	c := &LedgerConsumer{db: gdb, log: zerolog.Nop(), retryBase: time.Millisecond, retryMax: time.Millisecond}
	ob, err := NewOutboxEvent(model.EventOrderPaid, paidOrder(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = c.handle(ctx, kafka.Message{Value: ob.Payload})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLedgerHandleSkipsMalformed(t *testing.T) {
	c := &LedgerConsumer{db: dbtest.New(t), log: zerolog.Nop()}
	assert.NoError(t, c.handle(context.Background(), kafka.Message{Value: []byte("{")}))
}

func TestLedgerIgnoresOtherEvents(t *testing.T) {
	gdb := dbtest.New(t)
	c := &LedgerConsumer{db: gdb, log: zerolog.Nop()}

	o := paidOrder()
	ob, err := NewOutboxEvent(model.EventOrderStatusChanged, o, "")
	require.NoError(t, err)
	ev, err := ParseOrderEvent(ob.Payload)
	require.NoError(t, err)
	require.NoError(t, c.Apply(context.Background(), ev))

	o.CreditsApplied = 0
	ob, err = NewOutboxEvent(model.EventOrderPaid, o, "")
	require.NoError(t, err)
	ev, err = ParseOrderEvent(ob.Payload)
	require.NoError(t, err)
	require.NoError(t, c.Apply(context.Background(), ev))

	var n int64
	require.NoError(t, gdb.Model(&model.WalletLedgerEntry{}).Count(&n).Error)
	assert.Zero(t, n)
}
