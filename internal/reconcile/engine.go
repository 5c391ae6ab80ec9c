// Package reconcile applies payment gateway outcomes to orders.
//
// Outcomes arrive on two independent paths: the asynchronous provider
// callback and on-demand status polls. Both funnel into Engine.Apply, which
// delegates the race to a single conditional update in the store. Applying
// the same outcome twice, or applying to an already-resolved order, is a
// no-op by construction.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Khin-96/Nova/internal/domain"
	"github.com/Khin-96/Nova/internal/event"
	"github.com/Khin-96/Nova/internal/gateway"
	"github.com/Khin-96/Nova/internal/repository"
	apperrors "github.com/Khin-96/Nova/pkg/errors"
)

// resultCodeTimeout is the Daraja code for a push that timed out without the
// customer completing it. Used for sweeper-expired orders.
const resultCodeTimeout = 1037

const expiredResultDesc = "payment request expired"

// Engine reconciles gateway payment outcomes against stored orders.
type Engine struct {
	repo   repository.OrderRepository
	gw     gateway.Gateway
	events event.Publisher
	logger *slog.Logger
}

// NewEngine creates a reconciliation engine. events may be nil.
func NewEngine(repo repository.OrderRepository, gw gateway.Gateway, events event.Publisher, logger *slog.Logger) *Engine {
	return &Engine{
		repo:   repo,
		gw:     gw,
		events: events,
		logger: logger,
	}
}

// Apply reconciles one gateway outcome. An outcome for an unknown correlation
// id is logged and swallowed; the provider is acknowledged regardless.
func (e *Engine) Apply(ctx context.Context, outcome domain.PaymentOutcome) error {
	if outcome.CheckoutRequestID == "" {
		e.logger.WarnContext(ctx, "payment outcome without checkout request id, ignoring")
		return nil
	}

	order, err := e.repo.GetByCheckoutRequestID(ctx, outcome.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			e.logger.WarnContext(ctx, "payment outcome for unknown order, ignoring",
				slog.String("checkout_request_id", outcome.CheckoutRequestID),
				slog.Int("result_code", outcome.ResultCode),
			)
			return nil
		}
		return fmt.Errorf("resolve order for outcome: %w", err)
	}

	if order.PaymentResolved() {
		return e.recordLateOutcome(ctx, order, outcome)
	}

	upd := &repository.PaymentUpdate{
		OrderID:       order.OrderID,
		PaymentResult: outcome.ResultDesc,
	}
	if outcome.Paid() {
		upd.Status = domain.OrderStatusProcessing
		upd.ReceiptNumber = outcome.ReceiptNumber
		upd.Note = "payment received"
	} else {
		upd.Status = domain.OrderStatusCancelled
		upd.Note = "payment failed: " + outcome.ResultDesc
	}

	applied, err := e.repo.ApplyPaymentOutcome(ctx, upd)
	if err != nil {
		return fmt.Errorf("apply payment outcome: %w", err)
	}

	if !applied {
		// Lost the race: another path resolved the order between our read
		// and write. Re-read and treat this as a late outcome.
		current, err := e.repo.GetByCheckoutRequestID(ctx, outcome.CheckoutRequestID)
		if err != nil {
			return fmt.Errorf("re-read order after lost race: %w", err)
		}
		return e.recordLateOutcome(ctx, current, outcome)
	}

	e.logger.InfoContext(ctx, "payment outcome applied",
		slog.String("order_id", order.OrderID),
		slog.String("status", upd.Status),
		slog.Int("result_code", outcome.ResultCode),
	)

	e.publishTransition(ctx, order, outcome, upd.Status)
	return nil
}

// Refresh polls the gateway for a pending order and applies any definitive
// outcome. A still-processing answer is a no-op.
func (e *Engine) Refresh(ctx context.Context, order *domain.Order) error {
	if !order.AwaitingPayment() {
		return nil
	}

	status, err := e.gw.QueryStatus(ctx, order.CheckoutRequestID)
	if err != nil {
		return fmt.Errorf("query payment status: %w", err)
	}

	if status.Pending {
		return nil
	}

	return e.Apply(ctx, domain.PaymentOutcome{
		CheckoutRequestID: order.CheckoutRequestID,
		MerchantRequestID: status.MerchantRequestID,
		ResultCode:        status.ResultCode,
		ResultDesc:        status.ResultDesc,
	})
}

// Expire cancels a pending order whose push has been unresolved past the
// configured timeout. A lost race with a concurrent outcome is a no-op.
func (e *Engine) Expire(ctx context.Context, order *domain.Order) error {
	applied, err := e.repo.ApplyPaymentOutcome(ctx, &repository.PaymentUpdate{
		OrderID:       order.OrderID,
		Status:        domain.OrderStatusCancelled,
		PaymentResult: expiredResultDesc,
		Note:          expiredResultDesc,
	})
	if err != nil {
		return fmt.Errorf("expire order: %w", err)
	}
	if !applied {
		return nil
	}

	e.logger.InfoContext(ctx, "pending payment expired",
		slog.String("order_id", order.OrderID),
		slog.String("checkout_request_id", order.CheckoutRequestID),
	)

	e.publishTransition(ctx, order, domain.PaymentOutcome{
		CheckoutRequestID: order.CheckoutRequestID,
		ResultCode:        resultCodeTimeout,
		ResultDesc:        expiredResultDesc,
	}, domain.OrderStatusCancelled)
	return nil
}

// recordLateOutcome handles an outcome arriving after the order left pending.
// The informational payment_result is refreshed; status, receipt, and history
// stay untouched. A success outcome whose receipt disagrees with the stored
// one is flagged at elevated severity for manual review.
func (e *Engine) recordLateOutcome(ctx context.Context, order *domain.Order, outcome domain.PaymentOutcome) error {
	if outcome.Paid() && outcome.ReceiptNumber != "" &&
		order.MpesaReceiptNumber != "" && order.MpesaReceiptNumber != outcome.ReceiptNumber {
		e.logger.ErrorContext(ctx, "reconciliation conflict: receipt mismatch on resolved order",
			slog.String("order_id", order.OrderID),
			slog.String("stored_receipt", order.MpesaReceiptNumber),
			slog.String("outcome_receipt", outcome.ReceiptNumber),
		)
	}

	if err := e.repo.RefreshPaymentResult(ctx, order.OrderID, outcome.ResultDesc); err != nil {
		return fmt.Errorf("refresh payment result: %w", err)
	}

	e.logger.InfoContext(ctx, "late payment outcome recorded",
		slog.String("order_id", order.OrderID),
		slog.String("order_status", order.Status),
		slog.Int("result_code", outcome.ResultCode),
	)
	return nil
}

// publishTransition emits the domain event for an effective transition.
// Publish failures are logged, never surfaced: the order state is already
// durable and the provider must still be acknowledged.
func (e *Engine) publishTransition(ctx context.Context, order *domain.Order, outcome domain.PaymentOutcome, newStatus string) {
	if e.events == nil {
		return
	}

	var err error
	if newStatus == domain.OrderStatusProcessing {
		err = e.events.PublishOrderPaid(ctx, order, outcome.ReceiptNumber)
	} else {
		err = e.events.PublishOrderPaymentFailed(ctx, order, outcome.ResultCode, outcome.ResultDesc)
	}
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to publish order event",
			slog.String("order_id", order.OrderID),
			slog.String("error", err.Error()),
		)
	}
}
