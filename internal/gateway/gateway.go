package gateway

import (
	"context"
	"errors"
	"regexp"
	"strings"

	apperrors "github.com/Khin-96/Nova/pkg/errors"
)

// Sentinel errors for distinguishing gateway failure modes.
var (
	// ErrAuthentication indicates the provider rejected our credentials or
	// none were configured.
	ErrAuthentication = errors.New("gateway authentication failed")

	// ErrRejected indicates the provider refused to accept the request
	// (non-zero response code).
	ErrRejected = errors.New("gateway rejected request")
)

// PushRequest holds the parameters for initiating an STK push.
type PushRequest struct {
	// Phone is the payer's number in canonical 254XXXXXXXXX form.
	Phone string

	// Amount in Kenyan shillings. Rounded to a whole amount on the wire.
	Amount float64

	// AccountReference appears on the customer's payment prompt and statement.
	AccountReference string

	// Description is a short free-text label for the transaction.
	Description string
}

// PushResult holds the provider's acknowledgement of an accepted push.
type PushResult struct {
	CheckoutRequestID   string
	MerchantRequestID   string
	ResponseDescription string
	CustomerMessage     string
}

// StatusResult is the provider's answer to a status query.
//
// Pending means the transaction is still being processed on the provider
// side; ResultCode and ResultDesc are only meaningful when Pending is false.
type StatusResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	Pending           bool
	ResultCode        int
	ResultDesc        string
}

// Gateway is the payment provider abstraction. Implementations hold no
// durable state; all persistence belongs to the caller.
type Gateway interface {
	// InitiatePush asks the provider to prompt the customer for payment.
	InitiatePush(ctx context.Context, req PushRequest) (*PushResult, error)

	// QueryStatus asks the provider for the outcome of an earlier push.
	QueryStatus(ctx context.Context, checkoutRequestID string) (*StatusResult, error)
}

var canonicalPhone = regexp.MustCompile(`^254\d{9}$`)

// NormalizePhone converts the accepted local formats (07XXXXXXXX, 01XXXXXXXX,
// +254XXXXXXXXX, 254XXXXXXXXX) to the canonical 254XXXXXXXXX form. Spaces and
// dashes are tolerated. Anything else is a validation error.
func NormalizePhone(raw string) (string, error) {
	p := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	switch {
	case strings.HasPrefix(p, "+254"):
		p = p[1:]
	case strings.HasPrefix(p, "0") && len(p) == 10:
		p = "254" + p[1:]
	}

	if !canonicalPhone.MatchString(p) {
		return "", apperrors.InvalidInput("invalid phone number: must be a Kenyan mobile number")
	}
	return p, nil
}
