package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayGate/app/models"
	"github.com/ManuelReschke/PayGate/internal/pkg/apperrors"
	"github.com/ManuelReschke/PayGate/internal/pkg/config"
	"github.com/ManuelReschke/PayGate/internal/pkg/signature"
)

const maxResponseBytes = 1 << 20

// Client talks to the upstream finance provider. Each attempt is signed
// afresh, bounded by its own timeout and reported to the CallRecorder.
type Client struct {
	BaseURL    string
	APIKey     string
	Secret     string
	Timeout    time.Duration
	MaxRetries int
	Backoff    Backoff

	HTTPClient *http.Client
	Codec      *signature.Codec
	Recorder   CallRecorder

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Response is the final successful upstream answer.
type Response struct {
	StatusCode int
	Body       []byte
	Attempts   int
}

// Decode unmarshals the response body into out.
func (r *Response) Decode(out any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return errors.New("empty response body")
	}
	return json.Unmarshal(r.Body, out)
}

// NewClient builds a client from the gateway settings.
func NewClient(cfg config.Gateway, recorder CallRecorder) *Client {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:     cfg.APIKey,
		Secret:     cfg.Secret,
		Timeout:    timeout,
		MaxRetries: cfg.MaxRetries,
		Backoff: Backoff{
			Base:   cfg.RetryBase,
			Max:    30 * time.Second,
			Jitter: cfg.RetryJitter,
		},
		HTTPClient: &http.Client{},
		Codec:      signature.NewCodec(signature.DefaultTolerance),
		Recorder:   recorder,
		Now:        time.Now,
		Sleep:      sleepContext,
	}
}

type call struct {
	endpoint       string
	method         string
	body           any
	idempotencyKey string
	paymentMethod  string
}

// Request performs a signed call to endpoint (relative to BaseURL). Network
// errors, timeouts, 429 and 5xx are retried with exponential backoff up to
// MaxRetries times. Any other 4xx fails at once as a validation error.
func (c *Client) Request(ctx context.Context, endpoint, method string, body any, idempotencyKey string) (*Response, error) {
	return c.do(ctx, call{
		endpoint:       endpoint,
		method:         method,
		body:           body,
		idempotencyKey: idempotencyKey,
	})
}

func (c *Client) do(ctx context.Context, cl call) (*Response, error) {
	payload, err := encodeBody(cl.body)
	if err != nil {
		return nil, apperrors.Validation(fmt.Sprintf("encode request body: %v", err), nil)
	}

	maxAttempts := c.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		lastErr    error
		lastStatus int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.Backoff.Delay(attempt - 1)
			log.Debugf("[GatewayClient] Retrying %s %s in %s (attempt %d/%d)", cl.method, cl.endpoint, delay, attempt, maxAttempts)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, apperrors.Gateway(err, "gateway call cancelled", lastStatus, false)
			}
		}

		resp, retryable, err := c.attempt(ctx, cl, payload, attempt)
		if err == nil {
			return resp, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		if resp != nil {
			lastStatus = resp.StatusCode
		}
		if ctx.Err() != nil {
			break
		}
	}

	return nil, apperrors.Gateway(lastErr,
		fmt.Sprintf("gateway %s %s failed after %d attempts", cl.method, cl.endpoint, maxAttempts),
		lastStatus, true)
}

// attempt performs one HTTP exchange and reports whether a failure may be
// retried. The returned Response is set whenever an HTTP status was received.
func (c *Client) attempt(ctx context.Context, cl call, payload []byte, attempt int) (*Response, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	started := time.Now()
	entry := &models.GatewayCallLog{
		Endpoint:      cl.endpoint,
		Method:        cl.method,
		TransactionID: cl.idempotencyKey,
		PaymentMethod: cl.paymentMethod,
		Attempt:       attempt,
	}
	defer func() {
		entry.LatencyMs = time.Since(started).Milliseconds()
		c.Recorder.RecordCall(ctx, entry)
	}()

	req, err := c.newRequest(attemptCtx, cl, payload)
	if err != nil {
		entry.ErrorMessage = err.Error()
		return nil, false, apperrors.Validation(err.Error(), nil)
	}

	httpResp, err := c.httpClient().Do(req)
	if err != nil {
		entry.ErrorMessage = err.Error()
		// The caller gave up; retrying cannot help.
		if ctx.Err() != nil {
			return nil, false, apperrors.Gateway(err, "gateway call cancelled", 0, false)
		}
		return nil, true, apperrors.Gateway(err, "gateway network error", 0, true)
	}
	defer httpResp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	resp := &Response{StatusCode: httpResp.StatusCode, Body: body, Attempts: attempt}
	entry.StatusCode = httpResp.StatusCode

	switch {
	case readErr != nil:
		entry.ErrorMessage = readErr.Error()
		return resp, true, apperrors.Gateway(readErr, "gateway response read failed", httpResp.StatusCode, true)
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		entry.Success = true
		return resp, false, nil
	case httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500:
		entry.ErrorMessage = upstreamMessage(body, httpResp.Status)
		return resp, true, apperrors.Gateway(nil,
			fmt.Sprintf("gateway returned %d: %s", httpResp.StatusCode, entry.ErrorMessage),
			httpResp.StatusCode, true)
	case httpResp.StatusCode >= 400:
		entry.ErrorMessage = upstreamMessage(body, httpResp.Status)
		return resp, false, apperrors.Validation(
			fmt.Sprintf("gateway rejected request: %s", entry.ErrorMessage),
			map[string]any{"upstream_status": httpResp.StatusCode})
	default:
		entry.ErrorMessage = "unexpected status " + httpResp.Status
		return resp, false, apperrors.Gateway(nil, entry.ErrorMessage, httpResp.StatusCode, false)
	}
}

func (c *Client) newRequest(ctx context.Context, cl call, payload []byte) (*http.Request, error) {
	timestamp := signature.Timestamp(c.now())
	sig, err := c.Codec.Sign(payload, c.Secret, timestamp)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	var reader io.Reader
	if len(payload) > 0 {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.BaseURL+"/"+strings.TrimLeft(cl.endpoint, "/"), reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Timestamp", timestamp)
	if cl.idempotencyKey != "" {
		req.Header.Set("X-Transaction-ID", cl.idempotencyKey)
	}
	req.Header.Set("Accept", "application/json")
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

func (c *Client) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep == nil {
		return sleepContext(ctx, d)
	}
	return c.Sleep(ctx, d)
}

// encodeBody returns the canonical JSON that is both signed and sent, so the
// provider can verify the signature against the raw body.
func encodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	return signature.CanonicalJSON(body)
}

func upstreamMessage(body []byte, fallback string) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fallback
	}
	if len(text) > 256 {
		text = text[:256]
	}
	return text
}

// PaymentRequest is the body of POST /deposits and POST /withdrawals.
type PaymentRequest struct {
	TransactionID string          `json:"transaction_id"`
	UserID        uint            `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method"`
	CallbackURL   string          `json:"callback_url,omitempty"`
}

// ProviderTransaction is the provider's view of a transaction.
type ProviderTransaction struct {
	ID            string `json:"id"`
	ExternalTxID  string `json:"external_tx_id"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	ErrorMessage  string `json:"error_message"`
}

// ExternalID returns the provider id under either field name.
func (p ProviderTransaction) ExternalID() string {
	if p.ExternalTxID != "" {
		return p.ExternalTxID
	}
	return p.ID
}

// Result pairs the decoded provider view with the raw response.
type Result struct {
	Transaction ProviderTransaction
	Raw         []byte
	Attempts    int
}

// CreateDeposit calls POST /deposits.
func (c *Client) CreateDeposit(ctx context.Context, req PaymentRequest) (*Result, error) {
	return c.create(ctx, "/deposits", req)
}

// CreateWithdrawal calls POST /withdrawals.
func (c *Client) CreateWithdrawal(ctx context.Context, req PaymentRequest) (*Result, error) {
	return c.create(ctx, "/withdrawals", req)
}

func (c *Client) create(ctx context.Context, endpoint string, req PaymentRequest) (*Result, error) {
	resp, err := c.do(ctx, call{
		endpoint:       endpoint,
		method:         http.MethodPost,
		body:           req,
		idempotencyKey: req.TransactionID,
		paymentMethod:  req.PaymentMethod,
	})
	if err != nil {
		return nil, err
	}
	return decodeResult(resp)
}

// GetTransaction calls GET /transactions/{externalTxId}.
func (c *Client) GetTransaction(ctx context.Context, externalTxID, transactionID, paymentMethod string) (*Result, error) {
	if strings.TrimSpace(externalTxID) == "" {
		return nil, apperrors.Validation("external transaction id is required", nil)
	}
	resp, err := c.do(ctx, call{
		endpoint:       "/transactions/" + externalTxID,
		method:         http.MethodGet,
		idempotencyKey: transactionID,
		paymentMethod:  paymentMethod,
	})
	if err != nil {
		return nil, err
	}
	return decodeResult(resp)
}

func decodeResult(resp *Response) (*Result, error) {
	var pt ProviderTransaction
	if err := resp.Decode(&pt); err != nil {
		return nil, apperrors.Gateway(err, "gateway returned an unreadable body", resp.StatusCode, false)
	}
	return &Result{Transaction: pt, Raw: resp.Body, Attempts: resp.Attempts}, nil
}
