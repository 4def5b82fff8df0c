package orders

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dcarunner/pkg/models"
	"github.com/speedrun-hq/dcarunner/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService() (*Service, *store.Memory) {
	s := store.NewMemory()
	svc := NewService(s, s, nil)
	svc.now = func() time.Time { return now }
	return svc, s
}

func newOrder() models.Order {
	return models.Order{
		UserID:                "user-1",
		WalletOwnerAddress:    "0x1111111111111111111111111111111111111111",
		DepositedTokenAddress: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		DesiredTokenAddress:   "0x6B175474E89094C44Da98b954EedeAC495271d0F",
		DepositedTokenAmount:  decimal.NewFromInt(1000),
		UnitOfTime:            models.Weeks,
		Frequency:             4,
	}
}

func TestCreate(t *testing.T) {
	svc, s := newTestService()
	ctx := context.Background()

	created, err := svc.Create(ctx, newOrder())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.Buy, created.Side)
	assert.Equal(t, now, created.NextUpdateAt)

	due, err := s.DueOrders(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1, "a new order is due immediately")

	history, err := s.GetHistory(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, history.Status)
	assert.Equal(t, "Order was created successfully", history.Message)
}

func TestCreateRejectsInvalidOrders(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *models.Order)
	}{
		{"zero amount", func(o *models.Order) { o.DepositedTokenAmount = decimal.Zero }},
		{"zero frequency", func(o *models.Order) { o.Frequency = 0 }},
		{"bad wallet", func(o *models.Order) { o.WalletOwnerAddress = "0x123" }},
		{"bad cadence", func(o *models.Order) { o.UnitOfTime = "YEARS" }},
		{"limit order without target", func(o *models.Order) { o.IsLimitOrder = true }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, s := newTestService()
			o := newOrder()
			tc.mutate(&o)

			_, err := svc.Create(context.Background(), o)
			assert.Error(t, err)

			due, err := s.DueOrders(context.Background(), now)
			require.NoError(t, err)
			assert.Empty(t, due)
		})
	}
}

func TestUpdate(t *testing.T) {
	svc, s := newTestService()
	ctx := context.Background()
	created, err := svc.Create(ctx, newOrder())
	require.NoError(t, err)

	updated, err := svc.Update(ctx, created.ID, models.FrequencyUpdate{Frequency: 8})
	require.NoError(t, err)
	assert.Equal(t, 8, updated.Frequency)

	history, err := s.GetHistory(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, history.Frequency)

	_, err = svc.Update(ctx, created.ID, models.DepositAmountUpdate{Amount: decimal.NewFromInt(-1)})
	assert.Error(t, err)

	_, err = svc.Update(ctx, "missing", models.CadenceUpdate{Unit: models.Days})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDelete(t *testing.T) {
	svc, s := newTestService()
	ctx := context.Background()
	created, err := svc.Create(ctx, newOrder())
	require.NoError(t, err)

	acquired, err := s.AcquireClaim(ctx, created.ID, now)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, svc.Delete(ctx, created.ID))

	_, err = s.GetOrder(ctx, created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetHistory(ctx, created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	consumed, err := s.ConsumeClaim(ctx, created.ID, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, consumed, "an already queued job must be rejected")

	assert.ErrorIs(t, svc.Delete(ctx, created.ID), store.ErrNotFound)
}

// deleteRecorder logs the order of the delete calls made by the service
type deleteRecorder struct {
	*store.Memory
	calls []string
}

func (d *deleteRecorder) DeleteOrder(ctx context.Context, id string) error {
	d.calls = append(d.calls, "order")
	return d.Memory.DeleteOrder(ctx, id)
}

func (d *deleteRecorder) DeleteHistory(ctx context.Context, id string) error {
	d.calls = append(d.calls, "history")
	return d.Memory.DeleteHistory(ctx, id)
}

func (d *deleteRecorder) ReleaseClaim(ctx context.Context, id string) error {
	d.calls = append(d.calls, "claim")
	return d.Memory.ReleaseClaim(ctx, id)
}

func TestDeleteRemovesOrderFirst(t *testing.T) {
	rec := &deleteRecorder{Memory: store.NewMemory()}
	svc := NewService(rec, rec, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, newOrder())
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, created.ID))

	assert.Equal(t, []string{"order", "history", "claim"}, rec.calls)
}

func TestHistory(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.Create(ctx, newOrder())
		require.NoError(t, err)
	}
	other := newOrder()
	other.UserID = "user-2"
	_, err := svc.Create(ctx, other)
	require.NoError(t, err)

	rows, err := svc.History(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = svc.History(ctx, "")
	assert.Error(t, err)
}
