// Package orders implements the user facing order lifecycle on top of the store:
// registering, editing, deleting orders and reading their status history.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/speedrun-hq/dcarunner/pkg/logger"
	"github.com/speedrun-hq/dcarunner/pkg/models"
	"github.com/speedrun-hq/dcarunner/pkg/store"
)

// Service manages orders and keeps their status history in step
type Service struct {
	orders store.OrderStore
	ledger store.Ledger
	logger logger.Logger
	now    func() time.Time
}

// NewService creates an order service
func NewService(orders store.OrderStore, ledger store.Ledger, log logger.Logger) *Service {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Service{orders: orders, ledger: ledger, logger: log, now: time.Now}
}

// Create registers an order due immediately and writes its Created history row
func (s *Service) Create(ctx context.Context, order models.Order) (*models.Order, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.Side == "" {
		order.Side = models.Buy
	}
	now := s.now().UTC()
	order.CreatedAt = now
	order.LastUpdatedAt = now
	order.NextUpdateAt = now
	order.RetryCount = 0

	if err := order.Validate(); err != nil {
		return nil, err
	}

	if err := s.orders.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	history := models.HistoryFromOrder(order, models.StatusCreated, models.MessageCreated)
	if err := s.ledger.PutHistory(ctx, history); err != nil {
		return nil, fmt.Errorf("failed to write history for order %s: %w", order.ID, err)
	}

	s.logger.InfoWithOrder(order.ID, "Created %s order of %s over %d installments (%s)",
		order.Side, order.DepositedTokenAmount, order.Frequency, order.UnitOfTime)
	return &order, nil
}

// Update applies one field change to the order and mirrors it on the history row
func (s *Service) Update(ctx context.Context, id string, update models.OrderUpdate) (*models.Order, error) {
	if update == nil {
		return nil, models.ErrUnknownUpdate
	}
	if err := update.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s update: %w", update.Field(), err)
	}

	order, err := s.orders.ApplyUpdate(ctx, id, update)
	if err != nil {
		return nil, err
	}

	err = s.ledger.UpdateHistory(ctx, id, update)
	if errors.Is(err, store.ErrNotFound) {
		err = s.ledger.PutHistory(ctx, models.HistoryFromOrder(*order, models.StatusCreated, models.MessageCreated))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update history for order %s: %w", id, err)
	}

	s.logger.InfoWithOrder(id, "Updated %s", update.Field())
	return order, nil
}

// Delete removes the order with its history and claim. A job already queued
// for it is rejected by the worker because the claim is gone. The order goes
// first so a failing job can no longer load it and write a fresh history row.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.orders.GetOrder(ctx, id); err != nil {
		return err
	}
	if err := s.orders.DeleteOrder(ctx, id); err != nil {
		return fmt.Errorf("failed to delete order %s: %w", id, err)
	}
	if err := s.ledger.DeleteHistory(ctx, id); err != nil {
		return fmt.Errorf("failed to delete history for order %s: %w", id, err)
	}
	if err := s.ledger.ReleaseClaim(ctx, id); err != nil {
		return fmt.Errorf("failed to release claim for order %s: %w", id, err)
	}

	s.logger.InfoWithOrder(id, "Deleted order")
	return nil
}

// History lists the status rows of every order owned by the user, most recent first
func (s *Service) History(ctx context.Context, userID string) ([]models.StatusHistory, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	return s.ledger.ListHistoryByUser(ctx, userID)
}
