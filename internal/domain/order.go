package domain

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Order status constants.
const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
)

// Valid item sizes.
const (
	SizeSmall      = "S"
	SizeMedium     = "M"
	SizeLarge      = "L"
	SizeExtraLarge = "XL"
)

// Order represents a customer order with its payment state.
type Order struct {
	ID                 string         `json:"id"`
	OrderID            string         `json:"order_id"`
	CustomerName       string         `json:"customer_name"`
	Phone              string         `json:"phone"`
	Email              string         `json:"email,omitempty"`
	DeliveryLocation   string         `json:"delivery_location"`
	DeliveryAddress    string         `json:"delivery_address,omitempty"`
	Items              []OrderItem    `json:"items"`
	Subtotal           float64        `json:"subtotal"`
	DeliveryFee        float64        `json:"delivery_fee"`
	Total              float64        `json:"total"`
	Status             string         `json:"status"`
	CheckoutRequestID  string         `json:"checkout_request_id,omitempty"`
	MerchantRequestID  string         `json:"merchant_request_id,omitempty"`
	MpesaReceiptNumber string         `json:"mpesa_receipt_number,omitempty"`
	PaymentResult      string         `json:"payment_result,omitempty"`
	StatusHistory      []StatusChange `json:"status_history"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// OrderItem is an immutable snapshot of a purchased product line.
type OrderItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unit_price"`
	Quantity  int     `json:"quantity"`
	Size      string  `json:"size"`
}

// StatusChange is one entry of the append-only status history.
type StatusChange struct {
	Status string    `json:"status"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

// PaymentOutcome is a normalized gateway verdict fed to the reconciler,
// from either the asynchronous callback or a status query.
type PaymentOutcome struct {
	CheckoutRequestID string
	MerchantRequestID string
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
	Amount            float64
	Phone             string
	TransactionDate   string
}

// Paid reports whether the outcome is a successful payment.
func (o PaymentOutcome) Paid() bool {
	return o.ResultCode == 0
}

// Cancelled reports whether the customer dismissed the STK prompt.
func (o PaymentOutcome) Cancelled() bool {
	return o.ResultCode == 1032
}

const orderIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewOrderID generates a human-shareable order reference like ORD-7K2MQ4XZ.
// The alphabet omits easily confused characters (0/O, 1/I).
func NewOrderID() string {
	b := make([]byte, 8)
	max := big.NewInt(int64(len(orderIDAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is broken.
			panic(err)
		}
		b[i] = orderIDAlphabet[n.Int64()]
	}
	return "ORD-" + string(b)
}

// ValidStatuses returns all valid order statuses.
func ValidStatuses() []string {
	return []string{
		OrderStatusPending,
		OrderStatusProcessing,
		OrderStatusShipped,
		OrderStatusDelivered,
		OrderStatusCancelled,
	}
}

// IsValidStatus checks if a status string is valid.
func IsValidStatus(status string) bool {
	for _, s := range ValidStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

// ValidSizes returns all valid item sizes.
func ValidSizes() []string {
	return []string{SizeSmall, SizeMedium, SizeLarge, SizeExtraLarge}
}

// IsValidSize checks if a size string is valid.
func IsValidSize(size string) bool {
	for _, s := range ValidSizes() {
		if s == size {
			return true
		}
	}
	return false
}

// AllowedTransitions defines which status transitions are valid.
// Pending orders move only through payment reconciliation or cancellation;
// fulfillment advances processing orders toward delivered.
func AllowedTransitions() map[string][]string {
	return map[string][]string{
		OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
		OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
		OrderStatusShipped:    {OrderStatusDelivered},
		OrderStatusDelivered:  {},
		OrderStatusCancelled:  {},
	}
}

// CanTransitionTo checks if the order can transition to the target status.
func (o *Order) CanTransitionTo(target string) bool {
	allowed, ok := AllowedTransitions()[o.Status]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == target {
			return true
		}
	}
	return false
}

// PaymentResolved reports whether the order has left the payment-pending state.
func (o *Order) PaymentResolved() bool {
	return o.Status != OrderStatusPending
}

// AwaitingPayment reports whether the order is pending with an STK push in flight.
func (o *Order) AwaitingPayment() bool {
	return o.Status == OrderStatusPending && o.CheckoutRequestID != ""
}
