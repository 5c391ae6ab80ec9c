package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Khin-96/Nova/internal/domain"
	"github.com/Khin-96/Nova/internal/repository"
	"github.com/Khin-96/Nova/pkg/database"
	apperrors "github.com/Khin-96/Nova/pkg/errors"
)

const orderColumns = `id, order_id, customer_name, phone, email, delivery_location, delivery_address,
	       items, subtotal, delivery_fee, total, status,
	       checkout_request_id, merchant_request_id, mpesa_receipt_number, payment_result,
	       status_history, created_at, updated_at`

// OrderRepository implements repository.OrderRepository using PostgreSQL.
type OrderRepository struct {
	db database.DBTX
}

// NewOrderRepository creates a new PostgreSQL-backed order repository.
func NewOrderRepository(db database.DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts a new order into the database.
func (r *OrderRepository) Create(ctx context.Context, o *domain.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	historyJSON, err := json.Marshal(o.StatusHistory)
	if err != nil {
		return fmt.Errorf("marshal status history: %w", err)
	}

	query := `
		INSERT INTO orders (id, order_id, customer_name, phone, email, delivery_location, delivery_address,
		                    items, subtotal, delivery_fee, total, status,
		                    checkout_request_id, merchant_request_id, mpesa_receipt_number, payment_result,
		                    status_history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err = r.db.Exec(ctx, query,
		o.ID,
		o.OrderID,
		o.CustomerName,
		o.Phone,
		o.Email,
		o.DeliveryLocation,
		o.DeliveryAddress,
		itemsJSON,
		o.Subtotal,
		o.DeliveryFee,
		o.Total,
		o.Status,
		o.CheckoutRequestID,
		o.MerchantRequestID,
		o.MpesaReceiptNumber,
		o.PaymentResult,
		historyJSON,
		o.CreatedAt,
		o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	return nil
}

// GetByOrderID retrieves an order by its human-shareable reference.
func (r *OrderRepository) GetByOrderID(ctx context.Context, orderID string) (*domain.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE order_id = $1`

	return r.scanOrder(ctx, query, orderID)
}

// GetByCheckoutRequestID retrieves the order carrying the given correlation id.
func (r *OrderRepository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE checkout_request_id = $1`

	return r.scanOrder(ctx, query, checkoutRequestID)
}

// List returns orders with pagination and an optional status filter.
func (r *OrderRepository) List(ctx context.Context, status string, offset, limit int) ([]domain.Order, int, error) {
	query := `
		SELECT ` + orderColumns + `,
		       count(*) OVER() AS total_count
		FROM orders
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var (
		orders     []domain.Order
		totalCount int
	)

	for rows.Next() {
		var (
			o           domain.Order
			itemsJSON   []byte
			historyJSON []byte
		)

		if err := rows.Scan(
			&o.ID,
			&o.OrderID,
			&o.CustomerName,
			&o.Phone,
			&o.Email,
			&o.DeliveryLocation,
			&o.DeliveryAddress,
			&itemsJSON,
			&o.Subtotal,
			&o.DeliveryFee,
			&o.Total,
			&o.Status,
			&o.CheckoutRequestID,
			&o.MerchantRequestID,
			&o.MpesaReceiptNumber,
			&o.PaymentResult,
			&historyJSON,
			&o.CreatedAt,
			&o.UpdatedAt,
			&totalCount,
		); err != nil {
			return nil, 0, fmt.Errorf("scan order row: %w", err)
		}

		if err := unmarshalOrderJSON(&o, itemsJSON, historyJSON); err != nil {
			return nil, 0, err
		}

		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate order rows: %w", err)
	}

	if orders == nil {
		orders = []domain.Order{}
	}

	return orders, totalCount, nil
}

// AttachCorrelation records the gateway correlation pair on an order that does
// not yet carry one. The guard makes the pair immutable: a second attach on
// the same order is a conflict, never an overwrite.
func (r *OrderRepository) AttachCorrelation(ctx context.Context, orderID, checkoutRequestID, merchantRequestID string) error {
	query := `
		UPDATE orders
		SET checkout_request_id = $2, merchant_request_id = $3, updated_at = $4
		WHERE order_id = $1 AND checkout_request_id = ''`

	ct, err := r.db.Exec(ctx, query, orderID, checkoutRequestID, merchantRequestID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("attach correlation: %w", err)
	}

	if ct.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM orders WHERE order_id = $1)`, orderID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check order existence: %w", err)
		}
		if exists {
			return apperrors.Conflict("payment already initiated for this order")
		}
		return apperrors.NotFound("order", orderID)
	}

	return nil
}

// ApplyPaymentOutcome performs the single conditional transition out of
// pending. Whichever of the callback and the poll lands second sees zero rows
// affected and reports not-applied.
func (r *OrderRepository) ApplyPaymentOutcome(ctx context.Context, upd *repository.PaymentUpdate) (bool, error) {
	entry, err := json.Marshal([]domain.StatusChange{{
		Status: upd.Status,
		Note:   upd.Note,
		At:     time.Now().UTC(),
	}})
	if err != nil {
		return false, fmt.Errorf("marshal history entry: %w", err)
	}

	query := `
		UPDATE orders
		SET status = $2,
		    mpesa_receipt_number = CASE WHEN $3 <> '' THEN $3 ELSE mpesa_receipt_number END,
		    payment_result = $4,
		    status_history = status_history || $5::jsonb,
		    updated_at = $6
		WHERE order_id = $1 AND status = 'pending'`

	ct, err := r.db.Exec(ctx, query,
		upd.OrderID,
		upd.Status,
		upd.ReceiptNumber,
		upd.PaymentResult,
		entry,
		time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("apply payment outcome: %w", err)
	}

	return ct.RowsAffected() == 1, nil
}

// RefreshPaymentResult overwrites the informational payment_result field only.
func (r *OrderRepository) RefreshPaymentResult(ctx context.Context, orderID, paymentResult string) error {
	query := `
		UPDATE orders
		SET payment_result = $2, updated_at = $3
		WHERE order_id = $1`

	ct, err := r.db.Exec(ctx, query, orderID, paymentResult, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("refresh payment result: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("order", orderID)
	}

	return nil
}

// UpdateStatus sets the order status and appends a history entry.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID, status, note string) error {
	entry, err := json.Marshal([]domain.StatusChange{{
		Status: status,
		Note:   note,
		At:     time.Now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	query := `
		UPDATE orders
		SET status = $2, status_history = status_history || $3::jsonb, updated_at = $4
		WHERE order_id = $1`

	ct, err := r.db.Exec(ctx, query, orderID, status, entry, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("order", orderID)
	}

	return nil
}

// Delete removes an order permanently.
func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	ct, err := r.db.Exec(ctx, `DELETE FROM orders WHERE order_id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("order", orderID)
	}

	return nil
}

// ListAbandonedPending returns pending orders whose push has been unresolved
// since before the cutoff. Orders without a correlation id are excluded; with
// no push in flight there is nothing to reconcile or expire.
func (r *OrderRepository) ListAbandonedPending(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = 'pending' AND checkout_request_id <> '' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list abandoned pending orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var (
			o           domain.Order
			itemsJSON   []byte
			historyJSON []byte
		)

		if err := rows.Scan(
			&o.ID,
			&o.OrderID,
			&o.CustomerName,
			&o.Phone,
			&o.Email,
			&o.DeliveryLocation,
			&o.DeliveryAddress,
			&itemsJSON,
			&o.Subtotal,
			&o.DeliveryFee,
			&o.Total,
			&o.Status,
			&o.CheckoutRequestID,
			&o.MerchantRequestID,
			&o.MpesaReceiptNumber,
			&o.PaymentResult,
			&historyJSON,
			&o.CreatedAt,
			&o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}

		if err := unmarshalOrderJSON(&o, itemsJSON, historyJSON); err != nil {
			return nil, err
		}

		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	if orders == nil {
		orders = []domain.Order{}
	}

	return orders, nil
}

// scanOrder executes a query expected to return a single order row.
func (r *OrderRepository) scanOrder(ctx context.Context, query string, args ...any) (*domain.Order, error) {
	var (
		o           domain.Order
		itemsJSON   []byte
		historyJSON []byte
	)

	err := r.db.QueryRow(ctx, query, args...).Scan(
		&o.ID,
		&o.OrderID,
		&o.CustomerName,
		&o.Phone,
		&o.Email,
		&o.DeliveryLocation,
		&o.DeliveryAddress,
		&itemsJSON,
		&o.Subtotal,
		&o.DeliveryFee,
		&o.Total,
		&o.Status,
		&o.CheckoutRequestID,
		&o.MerchantRequestID,
		&o.MpesaReceiptNumber,
		&o.PaymentResult,
		&historyJSON,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	if err := unmarshalOrderJSON(&o, itemsJSON, historyJSON); err != nil {
		return nil, err
	}

	return &o, nil
}

func unmarshalOrderJSON(o *domain.Order, itemsJSON, historyJSON []byte) error {
	if itemsJSON != nil {
		if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
			return fmt.Errorf("unmarshal items: %w", err)
		}
	}
	if historyJSON != nil {
		if err := json.Unmarshal(historyJSON, &o.StatusHistory); err != nil {
			return fmt.Errorf("unmarshal status history: %w", err)
		}
	}
	return nil
}
