package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Khin-96/Nova/internal/domain"
	"github.com/Khin-96/Nova/internal/gateway"
	"github.com/Khin-96/Nova/internal/repository"
	apperrors "github.com/Khin-96/Nova/pkg/errors"
)

// successCallbackJSON is a Daraja success callback as delivered on the wire:
// amount, phone, and date are JSON numbers, the receipt is a string.
func successCallbackJSON(checkoutRequestID string) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": %q,
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 2950.00},
						{"Name": "MpesaReceiptNumber", "Value": "SGH4X8P2QT"},
						{"Name": "TransactionDate", "Value": 20260831143022},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`, checkoutRequestID))
}

// cancelledCallbackJSON is a user-cancelled callback; no metadata is present.
func cancelledCallbackJSON(checkoutRequestID string) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": %q,
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user"
			}
		}
	}`, checkoutRequestID))
}

func assertAcked(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, http.StatusOK, rec.Code)

	var ack struct {
		ResultCode int    `json:"ResultCode"`
		ResultDesc string `json:"ResultDesc"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ack))
	assert.Equal(t, 0, ack.ResultCode)
	assert.Equal(t, "Accepted", ack.ResultDesc)
}

// ============================================================================
// POST /api/v1/mpesa/stkpush - STKPush
// ============================================================================

func TestSTKPush_Success(t *testing.T) {
	repo := new(mockOrderRepository)
	gw := new(mockGateway)
	router := setupRouter(repo, gw)

	order := sampleOrder()
	repo.On("GetByOrderID", mock.Anything, order.OrderID).Return(order, nil)
	gw.On("InitiatePush", mock.Anything, mock.MatchedBy(func(req gateway.PushRequest) bool {
		return req.AccountReference == order.OrderID && req.Amount == order.Total
	})).Return(&gateway.PushResult{
		CheckoutRequestID:   "ws_CO_1",
		MerchantRequestID:   "m-1",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	}, nil)
	repo.On("AttachCorrelation", mock.Anything, order.OrderID, "ws_CO_1", "m-1").Return(nil)

	body, _ := json.Marshal(STKPushRequest{OrderID: order.OrderID})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mpesa/stkpush", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResp(t, rec)
	assert.Nil(t, resp.Error)
	assert.NotNil(t, resp.Data)
	repo.AssertExpectations(t)
	gw.AssertExpectations(t)
}

func TestSTKPush_ValidationError_MissingOrderID(t *testing.T) {
	repo := new(mockOrderRepository)
	router := setupRouter(repo, new(mockGateway))

	body, _ := json.Marshal(STKPushRequest{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mpesa/stkpush", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResp(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
}

func TestSTKPush_AlreadyInitiated_Conflict(t *testing.T) {
	repo := new(mockOrderRepository)
	gw := new(mockGateway)
	router := setupRouter(repo, gw)

	order := sampleOrder()
	order.CheckoutRequestID = "ws_CO_existing"
	repo.On("GetByOrderID", mock.Anything, order.OrderID).Return(order, nil)

	body, _ := json.Marshal(STKPushRequest{OrderID: order.OrderID})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mpesa/stkpush", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeResp(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CONFLICT", resp.Error.Code)
	gw.AssertNotCalled(t, "InitiatePush", mock.Anything, mock.Anything)
}

func TestSTKPush_GatewayUnavailable(t *testing.T) {
	repo := new(mockOrderRepository)
	gw := new(mockGateway)
	router := setupRouter(repo, gw)

	order := sampleOrder()
	repo.On("GetByOrderID", mock.Anything, order.OrderID).Return(order, nil)
	gw.On("InitiatePush", mock.Anything, mock.Anything).
		Return(nil, apperrors.GatewayUnavailable("payment gateway request failed", nil))

	body, _ := json.Marshal(STKPushRequest{OrderID: order.OrderID})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mpesa/stkpush", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decodeResp(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "GATEWAY_ERROR", resp.Error.Code)
}

// ============================================================================
// POST /api/v1/mpesa/callback - Callback
// ============================================================================

func TestCallback_Success_AppliesOutcome(t *testing.T) {
	repo := new(mockOrderRepository)
	router := setupRouter(repo, new(mockGateway))

	order := sampleOrder()
	order.CheckoutRequestID = "ws_CO_1"

	repo.On("GetByCheckoutRequestID", mock.Anything, "ws_CO_1").Return(order, nil)
	repo.On("ApplyPaymentOutcome", mock.Anything, mock.MatchedBy(func(u *repository.PaymentUpdate) bool {
		return u.OrderID == order.OrderID &&
			u.Status == domain.OrderStatusProcessing &&
			u.ReceiptNumber == "SGH4X8P2QT"
	})).Return(true, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/mpesa/callback", bytes.NewReader(successCallbackJSON("ws_CO_1")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assertAcked(t, rec)
	repo.AssertExpectations(t)
}

func TestCallback_Cancelled_AppliesOutcome(t *testing.T) {
	repo := new(mockOrderRepository)
	router := setupRouter(repo, new(mockGateway))

	order := sampleOrder()
	order.CheckoutRequestID = "ws_CO_1"

	repo.On("GetByCheckoutRequestID", mock.Anything, "ws_CO_1").Return(order, nil)
	repo.On("ApplyPaymentOutcome", mock.Anything, mock.MatchedBy(func(u *repository.PaymentUpdate) bool {
		return u.Status == domain.OrderStatusCancelled
	})).Return(true, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/mpesa/callback", bytes.NewReader(cancelledCallbackJSON("ws_CO_1")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assertAcked(t, rec)
	repo.AssertExpectations(t)
}

func TestCallback_MalformedPayload_StillAcked(t *testing.T) {
	repo := new(mockOrderRepository)
	router := setupRouter(repo, new(mockGateway))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/mpesa/callback", bytes.NewReader([]byte(`{not json at all`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assertAcked(t, rec)
	repo.AssertNotCalled(t, "ApplyPaymentOutcome", mock.Anything, mock.Anything)
}

func TestCallback_NonJSONContentType_StillAcked(t *testing.T) {
	repo := new(mockOrderRepository)
	router := setupRouter(repo, new(mockGateway))

	order := sampleOrder()
	order.CheckoutRequestID = "ws_CO_1"

	repo.On("GetByCheckoutRequestID", mock.Anything, "ws_CO_1").Return(order, nil)
	repo.On("ApplyPaymentOutcome", mock.Anything, mock.MatchedBy(func(u *repository.PaymentUpdate) bool {
		return u.Status == domain.OrderStatusProcessing
	})).Return(true, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/mpesa/callback", bytes.NewReader(successCallbackJSON("ws_CO_1")))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assertAcked(t, rec)
	repo.AssertExpectations(t)
}

func TestCallback_UnknownCorrelation_StillAcked(t *testing.T) {
	repo := new(mockOrderRepository)
	router := setupRouter(repo, new(mockGateway))

	repo.On("GetByCheckoutRequestID", mock.Anything, "ws_CO_unknown").Return(nil, apperrors.ErrNotFound)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/mpesa/callback", bytes.NewReader(successCallbackJSON("ws_CO_unknown")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assertAcked(t, rec)
	repo.AssertNotCalled(t, "ApplyPaymentOutcome", mock.Anything, mock.Anything)
}

func TestCallback_RepositoryError_StillAcked(t *testing.T) {
	repo := new(mockOrderRepository)
	router := setupRouter(repo, new(mockGateway))

	repo.On("GetByCheckoutRequestID", mock.Anything, "ws_CO_1").Return(nil, fmt.Errorf("db connection lost"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/mpesa/callback", bytes.NewReader(successCallbackJSON("ws_CO_1")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assertAcked(t, rec)
}

// ============================================================================
// POST /api/v1/mpesa/query - Query
// ============================================================================

func TestQuery_Pending(t *testing.T) {
	repo := new(mockOrderRepository)
	gw := new(mockGateway)
	router := setupRouter(repo, gw)

	order := sampleOrder()
	order.CheckoutRequestID = "ws_CO_1"

	repo.On("GetByCheckoutRequestID", mock.Anything, "ws_CO_1").Return(order, nil)
	gw.On("QueryStatus", mock.Anything, "ws_CO_1").Return(&gateway.StatusResult{
		CheckoutRequestID: "ws_CO_1",
		Pending:           true,
	}, nil)

	body, _ := json.Marshal(QueryRequest{CheckoutRequestID: "ws_CO_1"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mpesa/query", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Pending bool `json:"pending"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Data.Pending)
	repo.AssertNotCalled(t, "ApplyPaymentOutcome", mock.Anything, mock.Anything)
}

func TestQuery_Definitive_Reconciles(t *testing.T) {
	repo := new(mockOrderRepository)
	gw := new(mockGateway)
	router := setupRouter(repo, gw)

	order := sampleOrder()
	order.CheckoutRequestID = "ws_CO_1"
	cancelled := *order
	cancelled.Status = domain.OrderStatusCancelled

	repo.On("GetByCheckoutRequestID", mock.Anything, "ws_CO_1").Return(order, nil).Twice()
	gw.On("QueryStatus", mock.Anything, "ws_CO_1").Return(&gateway.StatusResult{
		CheckoutRequestID: "ws_CO_1",
		ResultCode:        1032,
		ResultDesc:        "Request cancelled by user",
	}, nil)
	repo.On("ApplyPaymentOutcome", mock.Anything, mock.Anything).Return(true, nil)
	repo.On("GetByCheckoutRequestID", mock.Anything, "ws_CO_1").Return(&cancelled, nil).Once()

	body, _ := json.Marshal(QueryRequest{CheckoutRequestID: "ws_CO_1"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mpesa/query", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Pending    bool         `json:"pending"`
			ResultCode int          `json:"result_code"`
			Order      domain.Order `json:"order"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Data.Pending)
	assert.Equal(t, 1032, resp.Data.ResultCode)
	assert.Equal(t, domain.OrderStatusCancelled, resp.Data.Order.Status)
	repo.AssertExpectations(t)
}

func TestQuery_UnknownCheckoutRequestID(t *testing.T) {
	repo := new(mockOrderRepository)
	router := setupRouter(repo, new(mockGateway))

	repo.On("GetByCheckoutRequestID", mock.Anything, "ws_CO_unknown").Return(nil, apperrors.NotFound("order", "ws_CO_unknown"))

	body, _ := json.Marshal(QueryRequest{CheckoutRequestID: "ws_CO_unknown"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mpesa/query", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeResp(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestQuery_ValidationError_MissingID(t *testing.T) {
	repo := new(mockOrderRepository)
	router := setupRouter(repo, new(mockGateway))

	body, _ := json.Marshal(QueryRequest{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mpesa/query", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResp(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
}
