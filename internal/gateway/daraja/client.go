// Package daraja implements the M-Pesa Daraja STK-Push gateway.
package daraja

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/Khin-96/Nova/internal/gateway"
	apperrors "github.com/Khin-96/Nova/pkg/errors"
)

const (
	tokenPath    = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"

	// stillProcessingCode is the Daraja error code returned by the query
	// endpoint while the customer has not yet acted on the prompt.
	stillProcessingCode = "500.001.1001"

	timestampLayout = "20060102150405"
)

// Config holds the Daraja API credentials and endpoints. All values are
// injected; the client never reads the environment.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

// Doer executes HTTP requests. Satisfied by httpclient.CircuitBreakerClient.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Client talks to the Daraja API. It holds no durable state; the OAuth token
// cache is a pure optimization.
type Client struct {
	cfg    Config
	http   Doer
	tokens TokenCache
	logger *slog.Logger
}

// New creates a Daraja client. A nil cache falls back to an in-process one.
func New(cfg Config, httpClient Doer, cache TokenCache, logger *slog.Logger) *Client {
	if cache == nil {
		cache = NewMemoryTokenCache()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		tokens: cache,
		logger: logger,
	}
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int    `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

type darajaError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// InitiatePush asks Daraja to send the customer an STK prompt.
func (c *Client) InitiatePush(ctx context.Context, req gateway.PushRequest) (*gateway.PushResult, error) {
	amount := int(math.Round(req.Amount))
	if amount < 1 {
		return nil, apperrors.InvalidInput("amount must be at least 1 shilling")
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().Format(timestampLayout)
	payload := stkPushRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            req.Phone,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	}

	var resp stkPushResponse
	if err := c.post(ctx, stkPushPath, token, payload, &resp); err != nil {
		return nil, err
	}

	if resp.ResponseCode != "0" {
		return nil, apperrors.GatewayUnavailable(
			fmt.Sprintf("payment request not accepted: %s", resp.ResponseDescription),
			gateway.ErrRejected,
		)
	}

	c.logger.InfoContext(ctx, "stk push accepted",
		slog.String("checkout_request_id", resp.CheckoutRequestID),
		slog.String("merchant_request_id", resp.MerchantRequestID),
	)

	return &gateway.PushResult{
		CheckoutRequestID:   resp.CheckoutRequestID,
		MerchantRequestID:   resp.MerchantRequestID,
		ResponseDescription: resp.ResponseDescription,
		CustomerMessage:     resp.CustomerMessage,
	}, nil
}

// QueryStatus asks Daraja for the outcome of an earlier push. A transaction
// the customer has not yet acted on comes back as Pending, not as an error.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*gateway.StatusResult, error) {
	if checkoutRequestID == "" {
		return nil, apperrors.InvalidInput("checkout request id is required")
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().Format(timestampLayout)
	payload := stkQueryRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var resp stkQueryResponse
	if err := c.post(ctx, stkQueryPath, token, payload, &resp); err != nil {
		var derr *darajaError
		if errors.As(err, &derr) && derr.ErrorCode == stillProcessingCode {
			return &gateway.StatusResult{
				CheckoutRequestID: checkoutRequestID,
				Pending:           true,
			}, nil
		}
		return nil, err
	}

	resultCode, err := strconv.Atoi(resp.ResultCode)
	if err != nil {
		return nil, apperrors.GatewayUnavailable(
			fmt.Sprintf("unexpected result code %q from status query", resp.ResultCode), nil,
		)
	}

	return &gateway.StatusResult{
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		ResultCode:        resultCode,
		ResultDesc:        resp.ResultDesc,
	}, nil
}

// password computes base64(shortcode + passkey + timestamp) per the Daraja
// signing scheme.
func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(c.cfg.Shortcode + c.cfg.Passkey + timestamp),
	)
}

// accessToken returns a cached OAuth token or fetches a fresh one.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	if c.cfg.ConsumerKey == "" || c.cfg.ConsumerSecret == "" {
		return "", apperrors.GatewayUnavailable("payment gateway credentials missing", gateway.ErrAuthentication)
	}

	if token, ok := c.tokens.Get(ctx); ok {
		return token, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return "", apperrors.GatewayUnavailable("payment gateway unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.ErrorContext(ctx, "daraja token request failed",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)),
		)
		return "", apperrors.GatewayUnavailable("payment gateway authentication failed", gateway.ErrAuthentication)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", apperrors.GatewayUnavailable("malformed token response", err)
	}
	if tokenResp.AccessToken == "" {
		return "", apperrors.GatewayUnavailable("empty access token", gateway.ErrAuthentication)
	}

	ttl := time.Hour
	if secs, err := strconv.Atoi(tokenResp.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	// Refresh a minute early so in-flight requests never carry a stale token.
	if ttl > 2*time.Minute {
		ttl -= time.Minute
	}
	c.tokens.Set(ctx, tokenResp.AccessToken, ttl)

	return tokenResp.AccessToken, nil
}

// post sends an authorized JSON request and decodes the 200 response into out.
// Non-200 responses are returned as a *darajaError wrapped in a gateway error.
func (c *Client) post(ctx context.Context, path, token string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return apperrors.GatewayUnavailable("payment gateway unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperrors.GatewayUnavailable("read gateway response", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return apperrors.GatewayUnavailable("payment gateway authentication failed", gateway.ErrAuthentication)
	}

	if resp.StatusCode != http.StatusOK {
		var derr darajaError
		if jsonErr := json.Unmarshal(raw, &derr); jsonErr == nil && derr.ErrorCode != "" {
			return apperrors.GatewayUnavailable(
				fmt.Sprintf("gateway error %s: %s", derr.ErrorCode, derr.ErrorMessage),
				&derr,
			)
		}
		return apperrors.GatewayUnavailable(
			fmt.Sprintf("gateway returned status %d", resp.StatusCode), nil,
		)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.GatewayUnavailable("malformed gateway response", err)
	}
	return nil
}

func (e *darajaError) Error() string {
	return fmt.Sprintf("daraja %s: %s", e.ErrorCode, e.ErrorMessage)
}
