package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dcarunner/pkg/gateway"
	"github.com/speedrun-hq/dcarunner/pkg/models"
	"github.com/speedrun-hq/dcarunner/pkg/orders"
	"github.com/speedrun-hq/dcarunner/pkg/queue"
	"github.com/speedrun-hq/dcarunner/pkg/scheduler"
	"github.com/speedrun-hq/dcarunner/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeGateway answers Submit once and then replays statuses on each Poll.
// onPoll runs once, on the first poll, while the swap is still executing.
type fakeGateway struct {
	mu        sync.Mutex
	submitErr error
	statuses  []gateway.JobStatus
	pollErr   error
	panicMsg  string
	onPoll    func()
	submitted []models.DispatchJob
	polls     int
}

func (f *fakeGateway) Submit(_ context.Context, job models.DispatchJob) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.submitted = append(f.submitted, job)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "job-1", nil
}

func (f *fakeGateway) Poll(_ context.Context, _ string) (*gateway.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.onPoll != nil {
		f.onPoll()
		f.onPoll = nil
	}
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if len(f.statuses) == 0 {
		return &gateway.JobStatus{Status: gateway.StatusPending}, nil
	}
	s := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return &s, nil
}

func succeeded() []gateway.JobStatus {
	return []gateway.JobStatus{
		{Status: gateway.StatusPending},
		{Status: gateway.StatusSucceeded, TransactionHash: "0xfeed"},
	}
}

func failed(message string) []gateway.JobStatus {
	return []gateway.JobStatus{{Status: gateway.StatusFailed, Message: message}}
}

type recordingAnalytics struct {
	mu             sync.Mutex
	buySucceeded   int
	buyFailed      int
	sellSucceeded  int
	sellFailed     int
	tokenIncreases map[string]decimal.Decimal
}

func newRecordingAnalytics() *recordingAnalytics {
	return &recordingAnalytics{tokenIncreases: make(map[string]decimal.Decimal)}
}

func (r *recordingAnalytics) count(counter *int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*counter++
}

func (r *recordingAnalytics) RecordBuyTxSucceeded(context.Context)  { r.count(&r.buySucceeded) }
func (r *recordingAnalytics) RecordBuyTxFailed(context.Context)     { r.count(&r.buyFailed) }
func (r *recordingAnalytics) RecordSellTxSucceeded(context.Context) { r.count(&r.sellSucceeded) }
func (r *recordingAnalytics) RecordSellTxFailed(context.Context)    { r.count(&r.sellFailed) }

func (r *recordingAnalytics) RecordTokenTotalAmountIncrease(_ context.Context, token string, amount decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenIncreases[token] = r.tokenIncreases[token].Add(amount)
}

type fakeGas struct{ calls []string }

func (f *fakeGas) GasUsed(_ context.Context, txHash string) (uint64, error) {
	f.calls = append(f.calls, txHash)
	return 150_000, nil
}

func testConfig() Config {
	return Config{
		PollInterval:     time.Millisecond,
		PollTimeout:      time.Second,
		RetryDelay:       12 * time.Minute,
		AbandonThreshold: 5,
	}
}

func testOrder(frequency int) models.Order {
	return models.Order{
		ID:                    "order-1",
		UserID:                "user-1",
		WalletOwnerAddress:    "0x1111111111111111111111111111111111111111",
		DepositedTokenAddress: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		DesiredTokenAddress:   "0x6B175474E89094C44Da98b954EedeAC495271d0F",
		DepositedTokenAmount:  decimal.NewFromInt(900),
		UnitOfTime:            models.Days,
		Frequency:             frequency,
		Side:                  models.Buy,
		CreatedAt:             now.Add(-time.Hour),
		NextUpdateAt:          now.Add(-time.Minute),
	}
}

// dispatched seeds the order, claims it the way the scheduler does and returns the job
func dispatched(t *testing.T, s *store.Memory, order models.Order) models.DispatchJob {
	t.Helper()
	ctx := context.Background()
	if _, err := s.GetOrder(ctx, order.ID); errors.Is(err, store.ErrNotFound) {
		require.NoError(t, s.CreateOrder(ctx, order))
		require.NoError(t, s.PutHistory(ctx, models.HistoryFromOrder(order, models.StatusCreated, models.MessageCreated)))
	}
	acquired, err := s.AcquireClaim(ctx, order.ID, now)
	require.NoError(t, err)
	require.True(t, acquired)

	current, err := s.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	return current.DispatchJob(now)
}

func newTestProcessor(s *store.Memory, gw gateway.Gateway, opts ...Option) *Processor {
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return NewProcessor(s, s, gw, testConfig(), nil, opts...)
}

func TestProcessAdvancesOrder(t *testing.T) {
	s := store.NewMemory()
	gw := &fakeGateway{statuses: succeeded()}
	recorder := newRecordingAnalytics()
	gas := &fakeGas{}
	job := dispatched(t, s, testOrder(3))

	outcome := newTestProcessor(s, gw, WithAnalytics(recorder), WithGasReader(gas)).Process(context.Background(), job)
	assert.Equal(t, OutcomeSucceeded, outcome)

	require.Len(t, gw.submitted, 1)
	assert.True(t, decimal.NewFromInt(300).Equal(gw.submitted[0].DepositedTokenAmount))

	order, err := s.GetOrder(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, 2, order.Frequency)
	assert.True(t, decimal.NewFromInt(600).Equal(order.DepositedTokenAmount))
	assert.Equal(t, now.AddDate(0, 0, 1), order.NextUpdateAt)
	assert.Equal(t, now, order.LastUpdatedAt)
	assert.Equal(t, 0, order.RetryCount)

	history, err := s.GetHistory(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, history.Status)
	assert.Equal(t, "Latest transaction was successful!", history.Message)
	assert.Equal(t, "0xfeed", history.TransactionHash)
	assert.Equal(t, 2, history.Frequency)

	_, err = s.GetClaim(context.Background(), "order-1")
	assert.ErrorIs(t, err, store.ErrNotFound, "claim is spent once the job starts")

	assert.Equal(t, 1, recorder.buySucceeded)
	assert.True(t, decimal.NewFromInt(300).Equal(recorder.tokenIncreases[job.DepositedTokenAddress]))
	assert.Equal(t, []string{"0xfeed"}, gas.calls)
}

func TestProcessCompletesLastInstallment(t *testing.T) {
	s := store.NewMemory()
	job := dispatched(t, s, testOrder(1))

	outcome := newTestProcessor(s, &fakeGateway{statuses: succeeded()}).Process(context.Background(), job)
	assert.Equal(t, OutcomeCompleted, outcome)

	_, err := s.GetOrder(context.Background(), "order-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	history, err := s.GetHistory(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, history.Status)
	assert.Equal(t, "Order completed successfully.", history.Message)
	assert.True(t, decimal.NewFromInt(900).Equal(history.DepositedTokenAmount))
}

func TestProcessRejectsWithoutClaim(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *store.Memory)
	}{
		{name: "claim missing", setup: func(s *store.Memory) { _ = s.ReleaseClaim(context.Background(), "order-1") }},
		{name: "claim idle", setup: func(s *store.Memory) { s.SetClaim("order-1", false) }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := store.NewMemory()
			gw := &fakeGateway{statuses: succeeded()}
			job := dispatched(t, s, testOrder(3))
			tc.setup(s)

			outcome := newTestProcessor(s, gw).Process(context.Background(), job)
			assert.Equal(t, OutcomeRejected, outcome)
			assert.True(t, outcome.Acked())
			assert.Empty(t, gw.submitted)

			order, err := s.GetOrder(context.Background(), "order-1")
			require.NoError(t, err)
			assert.Equal(t, 3, order.Frequency)
		})
	}
}

func TestProcessDefersFailedInstallment(t *testing.T) {
	tests := []struct {
		name    string
		gateway *fakeGateway
		message string
	}{
		{
			name:    "gateway reports failure",
			gateway: &fakeGateway{statuses: failed("Insufficient reserves. Pool does not have enough liquidity.")},
			message: "Insufficient reserves. Pool does not have enough liquidity.",
		},
		{
			name: "submission rejected",
			gateway: &fakeGateway{submitErr: &gateway.ExecutionError{
				Kind: gateway.KindInsufficientFunds, Message: "Insufficient funds, missing gas fee.", Rejected: true,
			}},
			message: "Insufficient funds, missing gas fee.",
		},
		{
			name:    "gateway unreachable",
			gateway: &fakeGateway{submitErr: &gateway.ExecutionError{Kind: gateway.KindTransport, Err: gateway.ErrCircuitOpen}},
			message: "Could not reach the execution service.",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := store.NewMemory()
			recorder := newRecordingAnalytics()
			job := dispatched(t, s, testOrder(3))

			outcome := newTestProcessor(s, tc.gateway, WithAnalytics(recorder)).Process(context.Background(), job)
			assert.Equal(t, OutcomeRetrying, outcome)

			order, err := s.GetOrder(context.Background(), "order-1")
			require.NoError(t, err)
			assert.Equal(t, 3, order.Frequency, "failed installment is retried, not skipped")
			assert.True(t, decimal.NewFromInt(900).Equal(order.DepositedTokenAmount))
			assert.Equal(t, 1, order.RetryCount)
			assert.Equal(t, now.Add(12*time.Minute), order.NextUpdateAt)

			history, err := s.GetHistory(context.Background(), "order-1")
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, history.Status)
			assert.Equal(t, tc.message, history.Message)
			assert.Equal(t, now.Add(12*time.Minute), history.NextUpdateAt, "history shows when the retry runs")

			assert.Equal(t, 1, recorder.buyFailed)
			assert.Equal(t, 0, recorder.buySucceeded)
		})
	}
}

func TestProcessPollTimeout(t *testing.T) {
	s := store.NewMemory()
	gw := &fakeGateway{pollErr: errors.New("connection reset by peer")}
	job := dispatched(t, s, testOrder(3))

	p := newTestProcessor(s, gw)
	p.config.PollTimeout = 20 * time.Millisecond

	outcome := p.Process(context.Background(), job)
	assert.Equal(t, OutcomeRetrying, outcome)
	assert.Greater(t, gw.polls, 1, "poll errors do not end the wait")

	history, err := s.GetHistory(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, "Timed out waiting for the transaction to complete.", history.Message)
}

func TestProcessAbandonsAfterThreshold(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	p := newTestProcessor(s, &fakeGateway{statuses: failed("Error executing transaction")})

	for i := 1; i <= 4; i++ {
		outcome := p.Process(ctx, dispatched(t, s, testOrder(3)))
		require.Equal(t, OutcomeRetrying, outcome, "failure %d", i)

		order, err := s.GetOrder(ctx, "order-1")
		require.NoError(t, err)
		require.Equal(t, i, order.RetryCount)
	}

	outcome := p.Process(ctx, dispatched(t, s, testOrder(3)))
	assert.Equal(t, OutcomeAbandoned, outcome)

	_, err := s.GetOrder(ctx, "order-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetHistory(ctx, "order-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetClaim(ctx, "order-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessSuccessResetsRetryCount(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	failing := newTestProcessor(s, &fakeGateway{statuses: failed("Error executing transaction")})

	for i := 0; i < 4; i++ {
		require.Equal(t, OutcomeRetrying, failing.Process(ctx, dispatched(t, s, testOrder(3))))
	}

	outcome := newTestProcessor(s, &fakeGateway{statuses: succeeded()}).Process(ctx, dispatched(t, s, testOrder(3)))
	assert.Equal(t, OutcomeSucceeded, outcome)

	order, err := s.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 0, order.RetryCount)
	assert.Equal(t, 2, order.Frequency)
}

// sweepAt runs a scheduler sweep over the store with no queue tracker, as on the SQS backend
func sweepAt(t *testing.T, s *store.Memory, at time.Time) scheduler.SweepResult {
	t.Helper()
	q := queue.NewMemory(10, time.Millisecond)
	result, err := scheduler.New(s, s, q, scheduler.Config{}, nil).Sweep(context.Background(), at)
	require.NoError(t, err)
	return result
}

func TestProcessAdvancesOrderEditedMidRun(t *testing.T) {
	tests := []struct {
		name      string
		frequency int
		edit      models.OrderUpdate
		expFreq   int
		expAmount int64
	}{
		{
			name:      "frequency raised",
			frequency: 3,
			edit:      models.FrequencyUpdate{Frequency: 6},
			expFreq:   5,
			expAmount: 600,
		},
		{
			name:      "frequency lowered to one",
			frequency: 3,
			edit:      models.FrequencyUpdate{Frequency: 1},
			expFreq:   1,
			expAmount: 600,
		},
		{
			name:      "deposit lowered below the slice",
			frequency: 3,
			edit:      models.DepositAmountUpdate{Amount: decimal.NewFromInt(100)},
			expFreq:   2,
			expAmount: 100,
		},
		{
			name:      "last installment gained more",
			frequency: 1,
			edit:      models.FrequencyUpdate{Frequency: 4},
			expFreq:   3,
			expAmount: 0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := store.NewMemory()
			ctx := context.Background()
			job := dispatched(t, s, testOrder(tc.frequency))

			gw := &fakeGateway{statuses: succeeded()}
			gw.onPoll = func() {
				_, err := s.ApplyUpdate(ctx, "order-1", tc.edit)
				require.NoError(t, err)
			}

			outcome := newTestProcessor(s, gw).Process(ctx, job)
			assert.Equal(t, OutcomeSucceeded, outcome)

			order, err := s.GetOrder(ctx, "order-1")
			require.NoError(t, err)
			assert.Equal(t, tc.expFreq, order.Frequency)
			if tc.expAmount > 0 {
				assert.True(t, decimal.NewFromInt(tc.expAmount).Equal(order.DepositedTokenAmount), order.DepositedTokenAmount.String())
			}
			assert.Equal(t, now.AddDate(0, 0, 1), order.NextUpdateAt)

			history, err := s.GetHistory(ctx, "order-1")
			require.NoError(t, err)
			assert.Equal(t, models.StatusSuccess, history.Status)

			assert.Equal(t, 0, sweepAt(t, s, now).Enqueued, "the executed installment is not dispatched again")
			assert.Len(t, gw.submitted, 1)
		})
	}
}

func TestProcessOrderDeletedMidRun(t *testing.T) {
	tests := []struct {
		name     string
		statuses []gateway.JobStatus
	}{
		{name: "swap succeeded", statuses: succeeded()},
		{name: "swap failed", statuses: failed("Error executing transaction")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := store.NewMemory()
			ctx := context.Background()
			job := dispatched(t, s, testOrder(3))
			svc := orders.NewService(s, s, nil)

			gw := &fakeGateway{statuses: tc.statuses}
			gw.onPoll = func() { require.NoError(t, svc.Delete(ctx, "order-1")) }

			outcome := newTestProcessor(s, gw).Process(ctx, job)
			assert.Equal(t, OutcomeStale, outcome)

			_, err := s.GetOrder(ctx, "order-1")
			assert.ErrorIs(t, err, store.ErrNotFound)
			_, err = s.GetHistory(ctx, "order-1")
			assert.ErrorIs(t, err, store.ErrNotFound, "a deleted order gets no new history")
			_, err = s.GetClaim(ctx, "order-1")
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestProcessHoldsLeaseWhilePolling(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	job := dispatched(t, s, testOrder(3))

	var during scheduler.SweepResult
	gw := &fakeGateway{statuses: succeeded()}
	gw.onPoll = func() {
		claim, err := s.GetClaim(ctx, "order-1")
		require.NoError(t, err)
		assert.True(t, claim.Leased(now))
		during = sweepAt(t, s, now)
	}

	outcome := newTestProcessor(s, gw).Process(ctx, job)
	assert.Equal(t, OutcomeSucceeded, outcome)
	assert.Equal(t, scheduler.SweepResult{Due: 1, Skipped: 1}, during, "a running job is not dispatched again")
	assert.Len(t, gw.submitted, 1)

	_, err := s.GetClaim(ctx, "order-1")
	assert.ErrorIs(t, err, store.ErrNotFound, "the lease is released once the job is terminal")
}

func TestRetryManagerThreshold(t *testing.T) {
	rm := NewRetryManager(nil, nil, time.Minute, 5, nil, nil)
	tests := map[int]bool{0: false, 3: false, 4: true, 7: true}
	for retries, expected := range tests {
		assert.Equal(t, expected, rm.ShouldAbandon(retries), "retry count %d", retries)
	}
}

func TestPoolProcessesAndAcks(t *testing.T) {
	s := store.NewMemory()
	q := queue.NewMemory(10, 5*time.Millisecond)
	ctx := context.Background()

	order2 := testOrder(2)
	order2.ID = "order-2"
	for _, o := range []models.Order{testOrder(3), order2} {
		require.NoError(t, q.Enqueue(ctx, dispatched(t, s, o)))
	}

	pool := NewPool(q, newTestProcessor(s, &fakeGateway{statuses: succeeded()}), 2, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(runCtx) }()

	require.Eventually(t, func() bool {
		tracked1, _ := q.IsTracked(ctx, "order-1")
		tracked2, _ := q.IsTracked(ctx, "order-2")
		return !tracked1 && !tracked2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, q.InFlight())

	o1, err := s.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 2, o1.Frequency)
	o2, err := s.GetOrder(ctx, "order-2")
	require.NoError(t, err)
	assert.Equal(t, 1, o2.Frequency)
}

func TestPoolSurvivesPanics(t *testing.T) {
	s := store.NewMemory()
	q := queue.NewMemory(10, 5*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, dispatched(t, s, testOrder(3))))

	pool := NewPool(q, newTestProcessor(s, &fakeGateway{panicMsg: "boom"}), 1, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(runCtx) }()

	require.Eventually(t, func() bool {
		tracked, _ := q.IsTracked(ctx, "order-1")
		return !tracked
	}, 2*time.Second, 5*time.Millisecond, "panicked job is still acked")

	cancel()
	require.NoError(t, <-done)

	order, err := s.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 3, order.Frequency)

	claim, err := s.GetClaim(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, claim.Leased(now), "a crashed job keeps its lease until it lapses")
}
