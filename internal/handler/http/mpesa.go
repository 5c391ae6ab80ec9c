package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Khin-96/Nova/internal/domain"
	"github.com/Khin-96/Nova/internal/service"
	"github.com/Khin-96/Nova/pkg/httputil"
	"github.com/Khin-96/Nova/pkg/validator"
)

// MpesaHandler handles HTTP requests for the M-Pesa payment endpoints.
type MpesaHandler struct {
	service *service.OrderService
	logger  *slog.Logger
}

// NewMpesaHandler creates a new M-Pesa HTTP handler.
func NewMpesaHandler(svc *service.OrderService, logger *slog.Logger) *MpesaHandler {
	return &MpesaHandler{
		service: svc,
		logger:  logger,
	}
}

// --- Request DTOs ---

// STKPushRequest is the JSON request body for initiating a payment prompt.
type STKPushRequest struct {
	OrderID string `json:"order_id" validate:"required"`
	Phone   string `json:"phone" validate:"omitempty,min=9"`
}

// QueryRequest is the JSON request body for polling a payment's status.
type QueryRequest struct {
	CheckoutRequestID string `json:"checkout_request_id" validate:"required"`
}

// --- Callback wire format ---

// Daraja delivers the STK result nested under Body.stkCallback. Metadata item
// values are mixed-type: receipts are strings, amount/phone/date are numbers.
type callbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []callbackItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type callbackItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

// --- Handlers ---

// STKPush handles POST /api/v1/mpesa/stkpush
// @Summary Initiate an STK push
// @Description Sends a payment prompt to the customer's phone for a pending order.
// @Tags mpesa
// @Accept json
// @Produce json
// @Param request body STKPushRequest true "Push data"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Failure 502 {object} map[string]interface{}
// @Router /api/v1/mpesa/stkpush [post]
func (h *MpesaHandler) STKPush(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit

	var req STKPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}

	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	result, err := h.service.InitiatePayment(r.Context(), req.OrderID, req.Phone)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: result})
}

// Callback handles POST /api/v1/mpesa/callback
// @Summary Receive the Daraja payment result
// @Description Consumes the asynchronous STK result from Safaricom. Always acknowledges with ResultCode 0 so the provider does not retry.
// @Tags mpesa
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/mpesa/callback [post]
func (h *MpesaHandler) Callback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	// The provider retries unacknowledged callbacks, so every exit from this
	// handler acks. Failures are logged and handled out of band.
	defer ackCallback(w)

	var env callbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		h.logger.ErrorContext(r.Context(), "malformed mpesa callback payload",
			slog.String("error", err.Error()),
		)
		return
	}

	cb := env.Body.StkCallback
	outcome := domain.PaymentOutcome{
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			outcome.ReceiptNumber = itemString(item.Value)
		case "Amount":
			if f, ok := item.Value.(float64); ok {
				outcome.Amount = f
			}
		case "PhoneNumber":
			outcome.Phone = itemString(item.Value)
		case "TransactionDate":
			outcome.TransactionDate = itemString(item.Value)
		}
	}

	if err := h.service.ProcessCallback(r.Context(), outcome); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to process mpesa callback",
			slog.String("checkout_request_id", outcome.CheckoutRequestID),
			slog.Int("result_code", outcome.ResultCode),
			slog.String("error", err.Error()),
		)
	}
}

// Query handles POST /api/v1/mpesa/query
// @Summary Poll a payment's status
// @Description Queries the gateway for a checkout request and reconciles any definitive outcome before responding.
// @Tags mpesa
// @Accept json
// @Produce json
// @Param request body QueryRequest true "Query data"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Failure 502 {object} map[string]interface{}
// @Router /api/v1/mpesa/query [post]
func (h *MpesaHandler) Query(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}

	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	status, order, err := h.service.QueryPayment(r.Context(), req.CheckoutRequestID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]any{
		"checkout_request_id": status.CheckoutRequestID,
		"pending":             status.Pending,
		"result_code":         status.ResultCode,
		"result_desc":         status.ResultDesc,
		"order":               order,
	}})
}

// ackCallback writes the acknowledgement shape Daraja expects.
func ackCallback(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ResultCode":0,"ResultDesc":"Accepted"}`))
}

// itemString renders a metadata value that may arrive as a string or a JSON
// number. Numbers are integers on the wire (phone, date) so the float notation
// is stripped.
func itemString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
