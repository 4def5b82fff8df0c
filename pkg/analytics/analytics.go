// Package analytics keeps the daily swap counters and per-token volume totals.
// Recording is best effort: failures are logged and never reach the caller.
package analytics

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dcarunner/pkg/logger"
)

// Recorder is notified of every terminal job outcome
type Recorder interface {
	RecordBuyTxSucceeded(ctx context.Context)
	RecordBuyTxFailed(ctx context.Context)
	RecordSellTxSucceeded(ctx context.Context)
	RecordSellTxFailed(ctx context.Context)
	RecordTokenTotalAmountIncrease(ctx context.Context, tokenAddress string, amount decimal.Decimal)
}

// Noop discards everything
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) RecordBuyTxSucceeded(context.Context)  {}
func (Noop) RecordBuyTxFailed(context.Context)     {}
func (Noop) RecordSellTxSucceeded(context.Context) {}
func (Noop) RecordSellTxFailed(context.Context)    {}

func (Noop) RecordTokenTotalAmountIncrease(context.Context, string, decimal.Decimal) {}

// execer is the part of pgxpool.Pool used here
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Postgres upserts one analytics row per UTC day and one total per token
type Postgres struct {
	db     execer
	logger logger.Logger
	now    func() time.Time
}

var _ Recorder = (*Postgres)(nil)

// NewPostgres creates a recorder writing through db, usually a *pgxpool.Pool
func NewPostgres(db execer, log logger.Logger) *Postgres {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Postgres{db: db, logger: log, now: time.Now}
}

// counter columns of the analytics table
const (
	columnBuySucceeded  = "buy_tx_succeeded"
	columnBuyFailed     = "buy_tx_failed"
	columnSellSucceeded = "sell_tx_succeeded"
	columnSellFailed    = "sell_tx_failed"
)

func (p *Postgres) RecordBuyTxSucceeded(ctx context.Context)  { p.increment(ctx, columnBuySucceeded) }
func (p *Postgres) RecordBuyTxFailed(ctx context.Context)     { p.increment(ctx, columnBuyFailed) }
func (p *Postgres) RecordSellTxSucceeded(ctx context.Context) { p.increment(ctx, columnSellSucceeded) }
func (p *Postgres) RecordSellTxFailed(ctx context.Context)    { p.increment(ctx, columnSellFailed) }

func (p *Postgres) increment(ctx context.Context, column string) {
	query := `
		INSERT INTO analytics (day, ` + column + `)
		VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE
		SET ` + column + ` = analytics.` + column + ` + 1`

	day := p.now().UTC().Truncate(24 * time.Hour)
	if _, err := p.db.Exec(ctx, query, day); err != nil {
		p.logger.Error("Failed to record analytics counter %s: %v", column, err)
	}
}

// RecordTokenTotalAmountIncrease adds amount to the running total swapped out of the token
func (p *Postgres) RecordTokenTotalAmountIncrease(ctx context.Context, tokenAddress string, amount decimal.Decimal) {
	query := `
		INSERT INTO token_totals (token_address, total_amount, updated_at)
		VALUES ($1, $2::numeric, $3)
		ON CONFLICT (token_address) DO UPDATE
		SET total_amount = token_totals.total_amount + EXCLUDED.total_amount,
		    updated_at = EXCLUDED.updated_at`

	if _, err := p.db.Exec(ctx, query, strings.ToLower(tokenAddress), amount.String(), p.now().UTC()); err != nil {
		p.logger.Error("Failed to record token total for %s: %v", tokenAddress, err)
	}
}
