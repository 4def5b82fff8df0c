package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dcarunner/pkg/models"
	"github.com/speedrun-hq/dcarunner/pkg/store"
)

const orderColumns = `
    id, user_id, wallet_owner_address, deposited_token_address, desired_token_address,
    deposited_token_amount::text, is_native_eth, unit_of_time, frequency, side,
    is_limit_order, market_cap_target::text, retry_count,
    created_at, last_updated_at, next_update_at`

// scanOrder populates an Order from orderColumns.
// The column order must match orderColumns exactly.
func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		o              models.Order
		amount, target string
		unit, side     string
	)
	err := row.Scan(
		&o.ID,
		&o.UserID,
		&o.WalletOwnerAddress,
		&o.DepositedTokenAddress,
		&o.DesiredTokenAddress,
		&amount,
		&o.IsNativeETH,
		&unit,
		&o.Frequency,
		&side,
		&o.IsLimitOrder,
		&target,
		&o.RetryCount,
		&o.CreatedAt,
		&o.LastUpdatedAt,
		&o.NextUpdateAt,
	)
	if err != nil {
		return nil, err
	}

	if o.DepositedTokenAmount, err = parseDecimal("deposited_token_amount", amount); err != nil {
		return nil, err
	}
	if o.MarketCapTarget, err = parseDecimal("market_cap_target", target); err != nil {
		return nil, err
	}
	o.UnitOfTime = models.TimeUnit(unit)
	o.Side = models.Side(side)
	o.CreatedAt = o.CreatedAt.UTC()
	o.LastUpdatedAt = o.LastUpdatedAt.UTC()
	o.NextUpdateAt = o.NextUpdateAt.UTC()
	return &o, nil
}

func (s *Store) DueOrders(ctx context.Context, now time.Time) ([]models.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE next_update_at <= $1 ORDER BY next_update_at, id`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due orders: %w", err)
	}
	defer rows.Close()

	orders := make([]models.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate due orders: %w", err)
	}
	return orders, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	return o, nil
}

func (s *Store) CreateOrder(ctx context.Context, o models.Order) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (
			id, user_id, wallet_owner_address, deposited_token_address, desired_token_address,
			deposited_token_amount, is_native_eth, unit_of_time, frequency, side,
			is_limit_order, market_cap_target, retry_count,
			created_at, last_updated_at, next_update_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12::numeric, $13, $14, $15, $16)`,
		o.ID, o.UserID, o.WalletOwnerAddress, o.DepositedTokenAddress, o.DesiredTokenAddress,
		o.DepositedTokenAmount.String(), o.IsNativeETH, string(o.UnitOfTime), o.Frequency, string(o.Side),
		o.IsLimitOrder, o.MarketCapTarget.String(), o.RetryCount,
		o.CreatedAt, o.LastUpdatedAt, o.NextUpdateAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create order %s: %w", o.ID, err)
	}
	return nil
}

func (s *Store) AdvanceOrder(ctx context.Context, id string, slice decimal.Decimal, now, next time.Time) (*models.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `
		UPDATE orders SET
			deposited_token_amount = CASE
				WHEN deposited_token_amount > $2::numeric THEN deposited_token_amount - $2::numeric
				ELSE deposited_token_amount
			END,
			last_updated_at        = $3,
			next_update_at         = $4,
			frequency              = GREATEST(frequency - 1, 1),
			retry_count            = 0
		WHERE id = $1
		RETURNING `+orderColumns,
		id, slice.String(), now, next,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to advance order %s: %w", id, err)
	}
	return o, nil
}

func (s *Store) CompleteOrder(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1 AND frequency = 1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to complete order %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeferOrder(ctx context.Context, id string, next time.Time, retryCount int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET next_update_at = $2, retry_count = $3 WHERE id = $1`,
		id, next, retryCount)
	if err != nil {
		return false, fmt.Errorf("failed to defer order %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeleteOrder(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete order %s: %w", id, err)
	}
	return nil
}

func (s *Store) ApplyUpdate(ctx context.Context, id string, update models.OrderUpdate) (*models.Order, error) {
	query, arg, err := updateAssignment(update)
	if err != nil {
		return nil, err
	}

	o, err := scanOrder(s.pool.QueryRow(ctx,
		`UPDATE orders SET `+query+` WHERE id = $1 RETURNING `+orderColumns, id, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update %s of order %s: %w", update.Field(), id, err)
	}
	return o, nil
}

// updateAssignment maps an update variant onto its SET clause and argument.
// Orders and history rows share column names.
func updateAssignment(update models.OrderUpdate) (string, interface{}, error) {
	switch u := update.(type) {
	case models.DepositAmountUpdate:
		return `deposited_token_amount = $2::numeric`, u.Amount.String(), nil
	case models.DesiredTokenUpdate:
		return `desired_token_address = $2`, u.Address, nil
	case models.FrequencyUpdate:
		return `frequency = $2`, u.Frequency, nil
	case models.CadenceUpdate:
		return `unit_of_time = $2`, string(u.Unit), nil
	case models.MarketCapTargetUpdate:
		return `market_cap_target = $2::numeric`, u.Target.String(), nil
	}
	return "", nil, fmt.Errorf("%w: %T", models.ErrUnknownUpdate, update)
}
