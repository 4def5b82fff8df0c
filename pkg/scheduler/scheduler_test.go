package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dcarunner/pkg/models"
	"github.com/speedrun-hq/dcarunner/pkg/queue"
	"github.com/speedrun-hq/dcarunner/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	usdc = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	dai  = "0x6B175474E89094C44Da98b954EedeAC495271d0F"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testOrder(id string, next time.Time) models.Order {
	return models.Order{
		ID:                    id,
		UserID:                "user-1",
		WalletOwnerAddress:    "0x1111111111111111111111111111111111111111",
		DepositedTokenAddress: usdc,
		DesiredTokenAddress:   dai,
		DepositedTokenAmount:  decimal.NewFromInt(900),
		UnitOfTime:            models.Days,
		Frequency:             3,
		Side:                  models.Buy,
		CreatedAt:             now.Add(-48 * time.Hour),
		NextUpdateAt:          next,
	}
}

func seed(t *testing.T, s *store.Memory, orders ...models.Order) {
	t.Helper()
	for _, o := range orders {
		require.NoError(t, s.CreateOrder(context.Background(), o))
	}
}

func drain(t *testing.T, q *queue.Memory) []models.DispatchJob {
	t.Helper()
	var jobs []models.DispatchJob
	for {
		d, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		if d == nil {
			return jobs
		}
		jobs = append(jobs, d.Job)
	}
}

type stubMarketCap struct {
	caps map[string]decimal.Decimal
	err  error
}

func (s *stubMarketCap) MarketCap(_ context.Context, tokenAddress string) (decimal.Decimal, error) {
	if s.err != nil {
		return decimal.Zero, s.err
	}
	c, ok := s.caps[strings.ToLower(tokenAddress)]
	if !ok {
		return decimal.Zero, errors.New("unknown token")
	}
	return c, nil
}

type failingQueue struct {
	queue.Queue
	err error
}

func (f *failingQueue) Enqueue(_ context.Context, _ models.DispatchJob) error {
	return f.err
}

type failingStore struct {
	*store.Memory
	failOn string
}

func (f *failingStore) AcquireClaim(ctx context.Context, orderID string, now time.Time) (bool, error) {
	if orderID == f.failOn {
		return false, errors.New("connection reset by peer")
	}
	return f.Memory.AcquireClaim(ctx, orderID, now)
}

func TestSweepEnqueuesDueOrders(t *testing.T) {
	s := store.NewMemory()
	q := queue.NewMemory(10, time.Millisecond)
	seed(t, s,
		testOrder("due-1", now.Add(-time.Hour)),
		testOrder("due-2", now),
		testOrder("future", now.Add(time.Minute)),
	)

	result, err := New(s, s, q, Config{}, nil).Sweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Due: 2, Enqueued: 2}, result)

	jobs := drain(t, q)
	require.Len(t, jobs, 2)
	assert.Equal(t, "due-1", jobs[0].OrderID)
	assert.Equal(t, "due-2", jobs[1].OrderID)
	assert.True(t, decimal.NewFromInt(300).Equal(jobs[0].DepositedTokenAmount), "job carries one installment")
	assert.Equal(t, 3, jobs[0].Frequency)

	claim, err := s.GetClaim(context.Background(), "due-1")
	require.NoError(t, err)
	assert.True(t, claim.InQueue)

	_, err = s.GetClaim(context.Background(), "future")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepIsIdempotentWhileJobOutstanding(t *testing.T) {
	t.Run("claim guards", func(t *testing.T) {
		s := store.NewMemory()
		q := queue.NewMemory(10, time.Millisecond)
		seed(t, s, testOrder("order-1", now.Add(-time.Minute)))

		sched := New(s, s, q, Config{}, nil)
		first, err := sched.Sweep(context.Background(), now)
		require.NoError(t, err)
		assert.Equal(t, 1, first.Enqueued)

		second, err := sched.Sweep(context.Background(), now)
		require.NoError(t, err)
		assert.Equal(t, SweepResult{Due: 1, Skipped: 1}, second)
		assert.Len(t, drain(t, q), 1)
	})

	t.Run("tracker guards before the claim is read", func(t *testing.T) {
		s := store.NewMemory()
		q := queue.NewMemory(10, time.Millisecond)
		seed(t, s, testOrder("order-1", now.Add(-time.Minute)))

		sched := New(s, s, q, Config{}, nil, WithTracker(q))
		_, err := sched.Sweep(context.Background(), now)
		require.NoError(t, err)

		// clear the claim so only the tracker can stop a second dispatch
		require.NoError(t, s.ReleaseClaim(context.Background(), "order-1"))

		second, err := sched.Sweep(context.Background(), now)
		require.NoError(t, err)
		assert.Equal(t, 1, second.Skipped)
		assert.Len(t, drain(t, q), 1)
	})

	t.Run("execution lease guards without a tracker", func(t *testing.T) {
		s := store.NewMemory()
		q := queue.NewMemory(10, time.Millisecond)
		seed(t, s, testOrder("order-1", now.Add(-time.Minute)))

		sched := New(s, s, q, Config{}, nil)
		_, err := sched.Sweep(context.Background(), now)
		require.NoError(t, err)
		require.Len(t, drain(t, q), 1)

		// a worker picked the job up and is still polling the gateway
		consumed, err := s.ConsumeClaim(context.Background(), "order-1", now.Add(15*time.Minute))
		require.NoError(t, err)
		require.True(t, consumed)

		second, err := sched.Sweep(context.Background(), now.Add(10*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, SweepResult{Due: 1, Skipped: 1}, second)
		assert.Empty(t, drain(t, q))

		third, err := sched.Sweep(context.Background(), now.Add(15*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, third.Enqueued, "a lapsed lease belongs to a dead worker")
	})
}

func TestSweepTakesOverIdleClaim(t *testing.T) {
	s := store.NewMemory()
	q := queue.NewMemory(10, time.Millisecond)
	seed(t, s, testOrder("order-1", now.Add(-time.Minute)))
	s.SetClaim("order-1", false)

	result, err := New(s, s, q, Config{}, nil).Sweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Enqueued)
}

func TestSweepLimitOrders(t *testing.T) {
	limit := func(id string, side models.Side, target int64) models.Order {
		o := testOrder(id, now.Add(-time.Minute))
		o.Side = side
		o.IsLimitOrder = true
		o.MarketCapTarget = decimal.NewFromInt(target)
		return o
	}

	provider := &stubMarketCap{caps: map[string]decimal.Decimal{
		strings.ToLower(dai):  decimal.NewFromInt(1_000),
		strings.ToLower(usdc): decimal.NewFromInt(5_000),
	}}

	tests := []struct {
		name     string
		order    models.Order
		enqueued bool
	}{
		{name: "buy below target fires", order: limit("buy-hit", models.Buy, 1_500), enqueued: true},
		{name: "buy at target fires", order: limit("buy-eq", models.Buy, 1_000), enqueued: true},
		{name: "buy above target waits", order: limit("buy-miss", models.Buy, 500), enqueued: false},
		{name: "sell above target fires", order: limit("sell-hit", models.Sell, 4_000), enqueued: true},
		{name: "sell below target waits", order: limit("sell-miss", models.Sell, 6_000), enqueued: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := store.NewMemory()
			q := queue.NewMemory(10, time.Millisecond)
			seed(t, s, tc.order)

			result, err := New(s, s, q, Config{}, nil, WithMarketCap(provider)).Sweep(context.Background(), now)
			require.NoError(t, err)

			if tc.enqueued {
				assert.Equal(t, 1, result.Enqueued)
				return
			}
			assert.Equal(t, 1, result.Skipped)
			_, err = s.GetClaim(context.Background(), tc.order.ID)
			assert.ErrorIs(t, err, store.ErrNotFound, "unmet limit order must not be claimed")

			stored, err := s.GetOrder(context.Background(), tc.order.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.order.NextUpdateAt, stored.NextUpdateAt)
		})
	}

	t.Run("lookup failure only affects that order", func(t *testing.T) {
		s := store.NewMemory()
		q := queue.NewMemory(10, time.Millisecond)
		seed(t, s, limit("limit", models.Buy, 1_000), testOrder("plain", now.Add(-time.Minute)))

		failing := &stubMarketCap{err: errors.New("rate limited")}
		result, err := New(s, s, q, Config{}, nil, WithMarketCap(failing)).Sweep(context.Background(), now)
		require.NoError(t, err)
		assert.Equal(t, SweepResult{Due: 2, Enqueued: 1, Failed: 1}, result)
	})
}

func TestSweepReleasesClaimWhenEnqueueFails(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, testOrder("order-1", now.Add(-time.Minute)))

	q := &failingQueue{err: errors.New("redis: connection pool timeout")}
	result, err := New(s, s, q, Config{}, nil).Sweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Due: 1, Failed: 1}, result)

	_, err = s.GetClaim(context.Background(), "order-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepIsolatesPerOrderFailures(t *testing.T) {
	s := &failingStore{Memory: store.NewMemory(), failOn: "order-1"}
	q := queue.NewMemory(10, time.Millisecond)
	seed(t, s.Memory,
		testOrder("order-1", now.Add(-2*time.Minute)),
		testOrder("order-2", now.Add(-time.Minute)),
	)

	result, err := New(s, s, q, Config{}, nil).Sweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Due: 2, Enqueued: 1, Failed: 1}, result)

	jobs := drain(t, q)
	require.Len(t, jobs, 1)
	assert.Equal(t, "order-2", jobs[0].OrderID)
}

func TestSweepRejectsInvalidJob(t *testing.T) {
	s := store.NewMemory()
	q := queue.NewMemory(10, time.Millisecond)
	broken := testOrder("broken", now.Add(-time.Minute))
	broken.DepositedTokenAmount = decimal.Zero
	seed(t, s, broken)

	result, err := New(s, s, q, Config{}, nil).Sweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	_, err = s.GetClaim(context.Background(), "broken")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type unreachableStore struct {
	*store.Memory
}

func (unreachableStore) DueOrders(_ context.Context, _ time.Time) ([]models.Order, error) {
	return nil, errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
}

func TestSweepFailsWhenStoreUnreachable(t *testing.T) {
	s := unreachableStore{Memory: store.NewMemory()}
	_, err := New(s, s, queue.NewMemory(1, time.Millisecond), Config{}, nil).Sweep(context.Background(), now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load due orders")
}

func TestRunOnceUsesClock(t *testing.T) {
	s := store.NewMemory()
	q := queue.NewMemory(10, time.Millisecond)
	seed(t, s, testOrder("order-1", now.Add(-time.Minute)))

	err := New(s, s, q, Config{}, nil, WithClock(func() time.Time { return now })).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, drain(t, q), 1)
}
