package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Khin-96/Nova/internal/domain"
	pkgkafka "github.com/Khin-96/Nova/pkg/kafka"
)

// Kafka topic constants for order domain events.
const (
	TopicOrderCreated       = "storefront.order.created"
	TopicOrderPaid          = "storefront.order.paid"
	TopicOrderPaymentFailed = "storefront.order.payment_failed"
)

// Aggregate type constant.
const AggregateTypeOrder = "order"

// Source identifier for events originating from this service.
const SourceOrderService = "order-service"

// OrderCreatedData is the payload for an order.created event.
type OrderCreatedData struct {
	OrderID          string  `json:"order_id"`
	CustomerName     string  `json:"customer_name"`
	Phone            string  `json:"phone"`
	DeliveryLocation string  `json:"delivery_location"`
	ItemCount        int     `json:"item_count"`
	Subtotal         float64 `json:"subtotal"`
	DeliveryFee      float64 `json:"delivery_fee"`
	Total            float64 `json:"total"`
}

// OrderPaidData is the payload for an order.paid event.
type OrderPaidData struct {
	OrderID            string  `json:"order_id"`
	CheckoutRequestID  string  `json:"checkout_request_id"`
	MpesaReceiptNumber string  `json:"mpesa_receipt_number"`
	Total              float64 `json:"total"`
}

// OrderPaymentFailedData is the payload for an order.payment_failed event.
type OrderPaymentFailedData struct {
	OrderID           string `json:"order_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	ResultCode        int    `json:"result_code"`
	Reason            string `json:"reason"`
}

// Publisher is the interface the reconciler and service publish through.
type Publisher interface {
	PublishOrderCreated(ctx context.Context, order *domain.Order) error
	PublishOrderPaid(ctx context.Context, order *domain.Order, receipt string) error
	PublishOrderPaymentFailed(ctx context.Context, order *domain.Order, resultCode int, reason string) error
}

// Producer publishes order domain events to Kafka. A nil *Producer is a
// valid no-op publisher, so the service runs without Kafka in development.
type Producer struct {
	kafka  *pkgkafka.Producer
	logger *slog.Logger
}

// NewProducer creates a new event producer.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishOrderCreated publishes an order.created event.
func (p *Producer) PublishOrderCreated(ctx context.Context, order *domain.Order) error {
	if p == nil || p.kafka == nil {
		return nil
	}

	data := OrderCreatedData{
		OrderID:          order.OrderID,
		CustomerName:     order.CustomerName,
		Phone:            order.Phone,
		DeliveryLocation: order.DeliveryLocation,
		ItemCount:        len(order.Items),
		Subtotal:         order.Subtotal,
		DeliveryFee:      order.DeliveryFee,
		Total:            order.Total,
	}

	event, err := pkgkafka.NewEvent(TopicOrderCreated, order.OrderID, AggregateTypeOrder, SourceOrderService, data)
	if err != nil {
		return fmt.Errorf("create order.created event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicOrderCreated, event); err != nil {
		return fmt.Errorf("publish order.created event: %w", err)
	}

	p.logger.DebugContext(ctx, "published order.created event",
		slog.String("order_id", order.OrderID),
	)

	return nil
}

// PublishOrderPaid publishes an order.paid event.
func (p *Producer) PublishOrderPaid(ctx context.Context, order *domain.Order, receipt string) error {
	if p == nil || p.kafka == nil {
		return nil
	}

	data := OrderPaidData{
		OrderID:            order.OrderID,
		CheckoutRequestID:  order.CheckoutRequestID,
		MpesaReceiptNumber: receipt,
		Total:              order.Total,
	}

	event, err := pkgkafka.NewEvent(TopicOrderPaid, order.OrderID, AggregateTypeOrder, SourceOrderService, data)
	if err != nil {
		return fmt.Errorf("create order.paid event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicOrderPaid, event); err != nil {
		return fmt.Errorf("publish order.paid event: %w", err)
	}

	p.logger.DebugContext(ctx, "published order.paid event",
		slog.String("order_id", order.OrderID),
		slog.String("receipt", receipt),
	)

	return nil
}

// PublishOrderPaymentFailed publishes an order.payment_failed event.
func (p *Producer) PublishOrderPaymentFailed(ctx context.Context, order *domain.Order, resultCode int, reason string) error {
	if p == nil || p.kafka == nil {
		return nil
	}

	data := OrderPaymentFailedData{
		OrderID:           order.OrderID,
		CheckoutRequestID: order.CheckoutRequestID,
		ResultCode:        resultCode,
		Reason:            reason,
	}

	event, err := pkgkafka.NewEvent(TopicOrderPaymentFailed, order.OrderID, AggregateTypeOrder, SourceOrderService, data)
	if err != nil {
		return fmt.Errorf("create order.payment_failed event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicOrderPaymentFailed, event); err != nil {
		return fmt.Errorf("publish order.payment_failed event: %w", err)
	}

	p.logger.DebugContext(ctx, "published order.payment_failed event",
		slog.String("order_id", order.OrderID),
		slog.Int("result_code", resultCode),
	)

	return nil
}
