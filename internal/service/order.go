package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Khin-96/Nova/internal/domain"
	"github.com/Khin-96/Nova/internal/event"
	"github.com/Khin-96/Nova/internal/gateway"
	"github.com/Khin-96/Nova/internal/reconcile"
	"github.com/Khin-96/Nova/internal/repository"
	apperrors "github.com/Khin-96/Nova/pkg/errors"
)

// moneyEpsilon absorbs float representation noise when comparing shilling
// amounts submitted by clients.
const moneyEpsilon = 0.01

// Pricing holds the delivery fee schedule.
type Pricing struct {
	// StandardFee is the flat delivery fee in shillings.
	StandardFee float64

	// FreeLocations lists delivery locations with free delivery,
	// matched case-insensitively.
	FreeLocations []string
}

// FeeFor returns the delivery fee for the given location.
func (p Pricing) FeeFor(location string) float64 {
	loc := strings.ToLower(strings.TrimSpace(location))
	for _, free := range p.FreeLocations {
		if strings.ToLower(free) == loc {
			return 0
		}
	}
	return p.StandardFee
}

// OrderService implements the business logic for orders and their payments.
type OrderService struct {
	repo    repository.OrderRepository
	gw      gateway.Gateway
	engine  *reconcile.Engine
	events  event.Publisher
	pricing Pricing
	logger  *slog.Logger
}

// NewOrderService creates a new order service.
func NewOrderService(
	repo repository.OrderRepository,
	gw gateway.Gateway,
	engine *reconcile.Engine,
	events event.Publisher,
	pricing Pricing,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		repo:    repo,
		gw:      gw,
		engine:  engine,
		events:  events,
		pricing: pricing,
		logger:  logger,
	}
}

// OrderItemInput is one line of a new order.
type OrderItemInput struct {
	ProductID string  `json:"product_id" validate:"required"`
	Name      string  `json:"name" validate:"required"`
	UnitPrice float64 `json:"unit_price" validate:"required,gt=0"`
	Quantity  int     `json:"quantity" validate:"required,gte=1"`
	Size      string  `json:"size" validate:"required,oneof=S M L XL"`
}

// CreateOrderInput holds the parameters for creating an order.
type CreateOrderInput struct {
	CustomerName     string           `json:"customer_name" validate:"required,min=2"`
	Phone            string           `json:"phone" validate:"required"`
	Email            string           `json:"email" validate:"omitempty,email"`
	DeliveryLocation string           `json:"delivery_location" validate:"required"`
	DeliveryAddress  string           `json:"delivery_address"`
	Items            []OrderItemInput `json:"items" validate:"required,min=1,dive"`
	Subtotal         float64          `json:"subtotal" validate:"required,gt=0"`
	DeliveryFee      float64          `json:"delivery_fee" validate:"gte=0"`
	Total            float64          `json:"total" validate:"required,gt=0"`
}

// CreateOrder creates a new order in the pending state. Monetary fields are
// recomputed server-side; client-supplied totals that disagree are rejected.
func (s *OrderService) CreateOrder(ctx context.Context, input *CreateOrderInput) (*domain.Order, error) {
	if len(input.Items) == 0 {
		return nil, apperrors.InvalidInput("order must contain at least one item")
	}

	phone, err := gateway.NormalizePhone(input.Phone)
	if err != nil {
		return nil, err
	}

	var subtotal float64
	items := make([]domain.OrderItem, 0, len(input.Items))
	for i, it := range input.Items {
		if it.Quantity < 1 {
			return nil, apperrors.InvalidInput(fmt.Sprintf("item %d: quantity must be at least 1", i))
		}
		if it.UnitPrice <= 0 {
			return nil, apperrors.InvalidInput(fmt.Sprintf("item %d: unit price must be positive", i))
		}
		if !domain.IsValidSize(it.Size) {
			return nil, apperrors.InvalidInput(fmt.Sprintf("item %d: invalid size %q", i, it.Size))
		}
		items = append(items, domain.OrderItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
			Size:      it.Size,
		})
		subtotal += it.UnitPrice * float64(it.Quantity)
	}

	deliveryFee := s.pricing.FeeFor(input.DeliveryLocation)

	if math.Abs(subtotal-input.Subtotal) > moneyEpsilon {
		return nil, apperrors.InvalidInput(fmt.Sprintf("subtotal mismatch: expected %.2f", subtotal))
	}
	if math.Abs(deliveryFee-input.DeliveryFee) > moneyEpsilon {
		return nil, apperrors.InvalidInput(fmt.Sprintf("delivery fee mismatch: expected %.2f for %s", deliveryFee, input.DeliveryLocation))
	}
	total := subtotal + deliveryFee
	if math.Abs(total-input.Total) > moneyEpsilon {
		return nil, apperrors.InvalidInput(fmt.Sprintf("total mismatch: expected %.2f", total))
	}

	now := time.Now().UTC()
	order := &domain.Order{
		ID:               uuid.New().String(),
		OrderID:          domain.NewOrderID(),
		CustomerName:     strings.TrimSpace(input.CustomerName),
		Phone:            phone,
		Email:            strings.TrimSpace(input.Email),
		DeliveryLocation: strings.ToLower(strings.TrimSpace(input.DeliveryLocation)),
		DeliveryAddress:  strings.TrimSpace(input.DeliveryAddress),
		Items:            items,
		Subtotal:         subtotal,
		DeliveryFee:      deliveryFee,
		Total:            total,
		Status:           domain.OrderStatusPending,
		StatusHistory: []domain.StatusChange{
			{Status: domain.OrderStatusPending, Note: "order placed", At: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.logger.InfoContext(ctx, "order created",
		slog.String("order_id", order.OrderID),
		slog.Float64("total", order.Total),
		slog.String("delivery_location", order.DeliveryLocation),
	)

	if s.events != nil {
		if pubErr := s.events.PublishOrderCreated(ctx, order); pubErr != nil {
			s.logger.ErrorContext(ctx, "failed to publish order.created event",
				slog.String("order_id", order.OrderID),
				slog.String("error", pubErr.Error()),
			)
		}
	}

	return order, nil
}

// GetOrder retrieves an order for tracking. A pending order with a push in
// flight is opportunistically refreshed first, so shoppers polling their
// order page see the settled state even if the callback was missed. Refresh
// failure never fails the read.
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.repo.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}

	if order.AwaitingPayment() {
		if err := s.engine.Refresh(ctx, order); err != nil {
			s.logger.WarnContext(ctx, "opportunistic refresh failed",
				slog.String("order_id", order.OrderID),
				slog.String("error", err.Error()),
			)
			return order, nil
		}
		order, err = s.repo.GetByOrderID(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("re-read order after refresh: %w", err)
		}
	}

	return order, nil
}

// ListOrders returns a paginated list of orders with an optional status filter.
func (s *OrderService) ListOrders(ctx context.Context, status string, page, perPage int) ([]domain.Order, int, error) {
	if status != "" && !domain.IsValidStatus(status) {
		return nil, 0, apperrors.InvalidInput(fmt.Sprintf("invalid status %q", status))
	}
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}

	offset := (page - 1) * perPage

	orders, total, err := s.repo.List(ctx, status, offset, perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}

	return orders, total, nil
}

// InitiatePayment starts an STK push for a pending order. The correlation
// pair is recorded before returning; an order that already carries one is
// rejected so a customer cannot be double-prompted for the same order.
func (s *OrderService) InitiatePayment(ctx context.Context, orderID, phone string) (*gateway.PushResult, error) {
	order, err := s.repo.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order for payment: %w", err)
	}

	if order.Status != domain.OrderStatusPending {
		return nil, apperrors.Conflict(fmt.Sprintf("order is %s and cannot be paid", order.Status))
	}
	if order.CheckoutRequestID != "" {
		return nil, apperrors.Conflict("payment already initiated for this order")
	}

	if phone == "" {
		phone = order.Phone
	}
	normalized, err := gateway.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	result, err := s.gw.InitiatePush(ctx, gateway.PushRequest{
		Phone:            normalized,
		Amount:           order.Total,
		AccountReference: order.OrderID,
		Description:      "Order payment",
	})
	if err != nil {
		return nil, fmt.Errorf("initiate stk push: %w", err)
	}

	if err := s.repo.AttachCorrelation(ctx, order.OrderID, result.CheckoutRequestID, result.MerchantRequestID); err != nil {
		// The push is already on the customer's phone. An orphaned prompt
		// either expires at the provider or lands as an unknown-correlation
		// callback, which the reconciler swallows.
		s.logger.ErrorContext(ctx, "failed to attach correlation after push",
			slog.String("order_id", order.OrderID),
			slog.String("checkout_request_id", result.CheckoutRequestID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("attach correlation: %w", err)
	}

	s.logger.InfoContext(ctx, "payment initiated",
		slog.String("order_id", order.OrderID),
		slog.String("checkout_request_id", result.CheckoutRequestID),
	)

	return result, nil
}

// ProcessCallback feeds an asynchronous gateway outcome to the reconciler.
func (s *OrderService) ProcessCallback(ctx context.Context, outcome domain.PaymentOutcome) error {
	return s.engine.Apply(ctx, outcome)
}

// QueryPayment polls the gateway for a checkout request, reconciles any
// definitive outcome, and returns the raw status plus the current order.
func (s *OrderService) QueryPayment(ctx context.Context, checkoutRequestID string) (*gateway.StatusResult, *domain.Order, error) {
	if checkoutRequestID == "" {
		return nil, nil, apperrors.InvalidInput("checkout_request_id is required")
	}

	order, err := s.repo.GetByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil {
		return nil, nil, fmt.Errorf("get order by checkout request id: %w", err)
	}

	status, err := s.gw.QueryStatus(ctx, checkoutRequestID)
	if err != nil {
		return nil, nil, fmt.Errorf("query payment status: %w", err)
	}

	if !status.Pending {
		if err := s.engine.Apply(ctx, domain.PaymentOutcome{
			CheckoutRequestID: checkoutRequestID,
			MerchantRequestID: status.MerchantRequestID,
			ResultCode:        status.ResultCode,
			ResultDesc:        status.ResultDesc,
		}); err != nil {
			return nil, nil, fmt.Errorf("reconcile queried outcome: %w", err)
		}
		order, err = s.repo.GetByCheckoutRequestID(ctx, checkoutRequestID)
		if err != nil {
			return nil, nil, fmt.Errorf("re-read order after reconcile: %w", err)
		}
	}

	return status, order, nil
}

// UpdateFulfillment advances the fulfillment status of an order.
func (s *OrderService) UpdateFulfillment(ctx context.Context, orderID, status, note string) (*domain.Order, error) {
	if !domain.IsValidStatus(status) {
		return nil, apperrors.InvalidInput(fmt.Sprintf("invalid status %q", status))
	}

	order, err := s.repo.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order for status update: %w", err)
	}

	if order.Status == status {
		// Idempotent re-delivery of the same transition: no history entry.
		return order, nil
	}

	if !order.CanTransitionTo(status) {
		return nil, apperrors.Conflict(fmt.Sprintf("cannot transition order from %s to %s", order.Status, status))
	}

	if err := s.repo.UpdateStatus(ctx, orderID, status, note); err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}

	s.logger.InfoContext(ctx, "order status updated",
		slog.String("order_id", orderID),
		slog.String("from", order.Status),
		slog.String("to", status),
	)

	return s.repo.GetByOrderID(ctx, orderID)
}

// DeleteOrder removes an order permanently.
func (s *OrderService) DeleteOrder(ctx context.Context, orderID string) error {
	if err := s.repo.Delete(ctx, orderID); err != nil {
		return fmt.Errorf("delete order: %w", err)
	}

	s.logger.InfoContext(ctx, "order deleted",
		slog.String("order_id", orderID),
	)
	return nil
}
