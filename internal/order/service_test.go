package order

import (
	"context"
	"errors"
	"testing"

	"mealbox/internal/apperr"
	"mealbox/internal/db/dbtest"
	"mealbox/internal/model"
	"mealbox/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setup(t *testing.T, paid bool) (*Service, *repository.OrderRepo, *gorm.DB, string) {
	t.Helper()
	ctx := context.Background()
	gdb := dbtest.New(t)
	repo := repository.NewOrderRepo(gdb)
	o := &model.Order{
		ID:            uuid.NewString(),
		UserID:        7,
		Subtotal:      49900,
		Total:         49900,
		Currency:      "INR",
		PaymentStatus: model.PaymentPending,
	}
	require.NoError(t, repo.Create(ctx, o))
	if paid {
		ok, err := repo.MarkPaid(ctx, o.ID, "pay_1")
		require.NoError(t, err)
		require.True(t, ok)
	}
	return NewService(repo, zerolog.Nop()), repo, gdb, o.ID
}

func TestUpdateStatusWalksForward(t *testing.T) {
	ctx := context.Background()
	svc, _, gdb, id := setup(t, true)

	for _, to := range []model.LifecycleStatus{
		model.LifecycleConfirmed,
		model.LifecyclePreparing,
		model.LifecycleOutForDelivery,
		model.LifecycleDelivered,
	} {
		o, err := svc.UpdateStatus(ctx, id, to, "admin:1")
		require.NoError(t, err)
		assert.Equal(t, to, *o.LifecycleStatus)
	}

	hist, err := svc.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.Equal(t, "PAID", hist[0].From)
	assert.Equal(t, model.LifecycleDelivered, hist[3].To)

	var events int64
	require.NoError(t, gdb.Model(&model.OutboxEvent{}).Where("type = ?", model.EventOrderStatusChanged).Count(&events).Error)
	assert.Equal(t, int64(4), events)

	_, err = svc.UpdateStatus(ctx, id, model.LifecycleConfirmed, "admin:1")
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition), "delivered is terminal")
}

func TestUpdateStatusRejects(t *testing.T) {
	ctx := context.Background()

	t.Run("manual PAID", func(t *testing.T) {
		svc, _, _, id := setup(t, true)
		_, err := svc.UpdateStatus(ctx, id, model.LifecycleConfirmed, "admin:1")
		require.NoError(t, err)
		_, err = svc.UpdateStatus(ctx, id, model.LifecyclePaid, "admin:1")
		assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
	})

	t.Run("skip ahead", func(t *testing.T) {
		svc, _, _, id := setup(t, true)
		_, err := svc.UpdateStatus(ctx, id, model.LifecycleDelivered, "admin:1")
		assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
	})

	t.Run("unpaid", func(t *testing.T) {
		svc, _, _, id := setup(t, false)
		_, err := svc.UpdateStatus(ctx, id, model.LifecycleConfirmed, "admin:1")
		assert.True(t, errors.Is(err, apperr.ErrInvalidState))
	})

	t.Run("missing", func(t *testing.T) {
		svc, _, _, _ := setup(t, true)
		_, err := svc.UpdateStatus(ctx, "nope", model.LifecycleConfirmed, "admin:1")
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
	})
}

func TestUpdateStatusSameIsNoop(t *testing.T) {
	ctx := context.Background()
	svc, _, _, id := setup(t, true)

	o, err := svc.UpdateStatus(ctx, id, model.LifecyclePaid, "admin:1")
	require.NoError(t, err)
	assert.Equal(t, model.LifecyclePaid, *o.LifecycleStatus)

	hist, err := svc.History(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestAddNoteAfterDelivery(t *testing.T) {
	ctx := context.Background()
	svc, _, _, id := setup(t, true)
	for _, to := range []model.LifecycleStatus{model.LifecycleConfirmed, model.LifecyclePreparing, model.LifecycleOutForDelivery, model.LifecycleDelivered} {
		_, err := svc.UpdateStatus(ctx, id, to, "admin:1")
		require.NoError(t, err)
	}

	o, err := svc.AddNote(ctx, id, "  customer asked for a call  ")
	require.NoError(t, err)
	assert.Equal(t, "customer asked for a call", o.Notes)

	_, err = svc.AddNote(ctx, id, string(make([]byte, maxNoteLen+1)))
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))
}

func TestGetVisibility(t *testing.T) {
	ctx := context.Background()
	svc, _, _, id := setup(t, false)

	_, err := svc.Get(ctx, id, 7, false)
	require.NoError(t, err)

	_, err = svc.Get(ctx, id, 8, false)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = svc.Get(ctx, id, 8, true)
	require.NoError(t, err)
}
