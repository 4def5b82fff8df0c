package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWallet  = "0x1111111111111111111111111111111111111111"
	testDeposit = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	testDesired = "0x6B175474E89094C44Da98b954EedeAC495271d0F"
)

func testOrder() Order {
	return Order{
		ID:                    "order-1",
		UserID:                "user-1",
		WalletOwnerAddress:    testWallet,
		DepositedTokenAddress: testDeposit,
		DesiredTokenAddress:   testDesired,
		DepositedTokenAmount:  decimal.NewFromInt(900),
		UnitOfTime:            Days,
		Frequency:             3,
		Side:                  Buy,
	}
}

func TestTimeUnitNext(t *testing.T) {
	base := time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		unit     TimeUnit
		expected time.Time
	}{
		{Hours, time.Date(2024, 1, 31, 11, 0, 0, 0, time.UTC)},
		{Days, time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)},
		{Weeks, time.Date(2024, 2, 7, 10, 0, 0, 0, time.UTC)},
		// AddDate normalises Feb 31 to Mar 2
		{Months, time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)},
	}

	for _, tc := range tests {
		t.Run(string(tc.unit), func(t *testing.T) {
			next, err := tc.unit.Next(base)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, next)
		})
	}

	t.Run("invalid", func(t *testing.T) {
		_, err := TimeUnit("YEARS").Next(base)
		assert.ErrorIs(t, err, ErrInvalidTimeUnit)
	})
}

func TestParseTimeUnit(t *testing.T) {
	u, err := ParseTimeUnit(" days ")
	require.NoError(t, err)
	assert.Equal(t, Days, u)

	_, err = ParseTimeUnit("fortnight")
	assert.ErrorIs(t, err, ErrInvalidTimeUnit)
}

func TestParseSide(t *testing.T) {
	s, err := ParseSide("")
	require.NoError(t, err)
	assert.Equal(t, Buy, s)

	s, err = ParseSide("SELL")
	require.NoError(t, err)
	assert.Equal(t, Sell, s)
	assert.Equal(t, "/order/sell", s.Path())
	assert.Equal(t, "/order/buy", Buy.Path())

	_, err = ParseSide("short")
	assert.ErrorIs(t, err, ErrInvalidSide)
}

func TestInstallmentAmount(t *testing.T) {
	o := testOrder()
	assert.Equal(t, "300", o.InstallmentAmount().String())

	o.Frequency = 1
	assert.Equal(t, "900", o.InstallmentAmount().String())
}

func TestDispatchJobSnapshot(t *testing.T) {
	o := testOrder()
	o.RetryCount = 2
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	job := o.DispatchJob(now)
	assert.Equal(t, o.ID, job.OrderID)
	assert.Equal(t, "300", job.DepositedTokenAmount.String())
	assert.Equal(t, 3, job.Frequency)
	assert.Equal(t, 2, job.RetryCount)
	assert.Equal(t, now, job.EnqueuedAt)
	require.NoError(t, job.Validate())

	// mutating the order afterwards must not leak into the job
	o.DepositedTokenAmount = decimal.NewFromInt(1)
	assert.Equal(t, "300", job.DepositedTokenAmount.String())

	payload, err := json.Marshal(job)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"depositedTokenAmount":"300"`)
}

func TestDispatchJobValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(j *DispatchJob)
	}{
		{"missing order id", func(j *DispatchJob) { j.OrderID = "" }},
		{"bad wallet", func(j *DispatchJob) { j.WalletOwnerAddress = "0x123" }},
		{"zero frequency", func(j *DispatchJob) { j.Frequency = 0 }},
		{"bad unit", func(j *DispatchJob) { j.UnitOfTime = "YEARS" }},
		{"bad side", func(j *DispatchJob) { j.Side = "hold" }},
		{"zero amount", func(j *DispatchJob) { j.DepositedTokenAmount = decimal.Zero }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			job := testOrder().DispatchJob(time.Now())
			tc.mutate(&job)
			assert.Error(t, job.Validate())
		})
	}
}

func TestOrderValidate(t *testing.T) {
	o := testOrder()
	require.NoError(t, o.Validate())

	o.IsLimitOrder = true
	assert.Error(t, o.Validate(), "limit order without a target")

	o.MarketCapTarget = decimal.NewFromInt(1_000_000)
	assert.NoError(t, o.Validate())
}

func TestOrderUpdates(t *testing.T) {
	tests := []struct {
		name   string
		update OrderUpdate
		check  func(t *testing.T, o Order, h StatusHistory)
	}{
		{
			name:   "deposit amount",
			update: DepositAmountUpdate{Amount: decimal.NewFromInt(50)},
			check: func(t *testing.T, o Order, h StatusHistory) {
				assert.Equal(t, "50", o.DepositedTokenAmount.String())
				assert.Equal(t, "50", h.DepositedTokenAmount.String())
			},
		},
		{
			name:   "desired token",
			update: DesiredTokenUpdate{Address: testWallet},
			check: func(t *testing.T, o Order, h StatusHistory) {
				assert.Equal(t, testWallet, o.DesiredTokenAddress)
				assert.Equal(t, testWallet, h.DesiredTokenAddress)
			},
		},
		{
			name:   "frequency",
			update: FrequencyUpdate{Frequency: 7},
			check: func(t *testing.T, o Order, h StatusHistory) {
				assert.Equal(t, 7, o.Frequency)
				assert.Equal(t, 7, h.Frequency)
			},
		},
		{
			name:   "cadence",
			update: CadenceUpdate{Unit: Weeks},
			check: func(t *testing.T, o Order, h StatusHistory) {
				assert.Equal(t, Weeks, o.UnitOfTime)
				assert.Equal(t, Weeks, h.UnitOfTime)
			},
		},
		{
			name:   "market cap target",
			update: MarketCapTargetUpdate{Target: decimal.NewFromInt(42)},
			check: func(t *testing.T, o Order, h StatusHistory) {
				assert.Equal(t, "42", o.MarketCapTarget.String())
				assert.Equal(t, "42", h.MarketCapTarget.String())
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.update.Validate())
			o := testOrder()
			h := HistoryFromOrder(o, StatusCreated, MessageCreated)
			tc.update.Apply(&o)
			tc.update.ApplyHistory(&h)
			tc.check(t, o, h)
		})
	}

	t.Run("invalid values", func(t *testing.T) {
		assert.Error(t, DepositAmountUpdate{Amount: decimal.NewFromInt(-1)}.Validate())
		assert.Error(t, DesiredTokenUpdate{Address: "nope"}.Validate())
		assert.Error(t, FrequencyUpdate{Frequency: 0}.Validate())
		assert.Error(t, CadenceUpdate{Unit: "YEARS"}.Validate())
		assert.Error(t, MarketCapTargetUpdate{Target: decimal.Zero}.Validate())
	})
}
