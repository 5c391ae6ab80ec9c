package repository

import (
	"context"
	"time"

	"github.com/Khin-96/Nova/internal/domain"
)

// PaymentUpdate is the payload for the atomic payment-outcome transition.
type PaymentUpdate struct {
	OrderID       string
	Status        string // processing or cancelled
	ReceiptNumber string
	PaymentResult string
	Note          string
}

// OrderRepository defines the interface for order persistence operations.
type OrderRepository interface {
	// Create inserts a new order into the store.
	Create(ctx context.Context, order *domain.Order) error

	// GetByOrderID retrieves an order by its human-shareable reference.
	GetByOrderID(ctx context.Context, orderID string) (*domain.Order, error)

	// GetByCheckoutRequestID retrieves the order holding the given gateway
	// correlation id.
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.Order, error)

	// List returns orders with pagination and an optional status filter.
	// Returns the order slice, the total count, and any error.
	List(ctx context.Context, status string, offset, limit int) ([]domain.Order, int, error)

	// AttachCorrelation records the gateway correlation pair on an order that
	// does not yet carry one. An order that already has a correlation id is a
	// conflict; the pair is immutable once set.
	AttachCorrelation(ctx context.Context, orderID, checkoutRequestID, merchantRequestID string) error

	// ApplyPaymentOutcome performs the conditional payment transition: the
	// order moves out of pending only if it is still pending when the update
	// lands. Returns whether the transition was applied. A lost race or an
	// already-resolved order is (false, nil), not an error.
	ApplyPaymentOutcome(ctx context.Context, upd *PaymentUpdate) (bool, error)

	// RefreshPaymentResult overwrites the informational payment_result field
	// without touching status, receipt, or history.
	RefreshPaymentResult(ctx context.Context, orderID, paymentResult string) error

	// UpdateStatus sets the order status and appends a history entry. The
	// caller is responsible for transition validation.
	UpdateStatus(ctx context.Context, orderID, status, note string) error

	// Delete removes an order permanently.
	Delete(ctx context.Context, orderID string) error

	// ListAbandonedPending returns pending orders whose push was initiated
	// before the cutoff, for the reconciliation sweeper.
	ListAbandonedPending(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
}
