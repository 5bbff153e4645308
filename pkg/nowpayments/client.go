package nowpayments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"chanpass/pkg/config"
	pkgerrors "chanpass/pkg/errors"
	"chanpass/pkg/retry"
)

const (
	defaultBaseURL             = "https://api.nowpayments.io/v1"
	responseBodyReadLimit int64 = 1 << 20
)

var (
	errAPIKeyRequired = errors.New("processor api key is required")

	// ErrPaymentNotFound is returned when the processor has no record of the
	// invoice.
	ErrPaymentNotFound = errors.New("payment not found")
)

// Client wraps the payment processor's REST API used for invoice creation and
// reconciliation polling.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	policy     retry.Policy
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the configured API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		trimmed := strings.TrimSpace(baseURL)
		if trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithRetryPolicy overrides the retry policy applied to every call.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(c *Client) {
		c.policy = policy
	}
}

// NewClient builds the processor client from config.
func NewClient(cfg config.ProcessorConfig, opts ...Option) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	client := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: timeout},
		policy:     retry.Default(),
	}
	if trimmed := strings.TrimSpace(cfg.BaseURL); trimmed != "" {
		client.baseURL = trimmed
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// InvoiceParams describes the payload sent to the invoice-creation API.
type InvoiceParams struct {
	PriceAmount      decimal.Decimal `json:"price_amount"`
	PriceCurrency    string          `json:"price_currency"`
	OrderID          string          `json:"order_id"`
	OrderDescription string          `json:"order_description,omitempty"`
}

// Invoice is the processor-issued payment request tied 1:1 to a transaction.
type Invoice struct {
	ID         string `json:"id"`
	InvoiceURL string `json:"invoice_url"`
}

// PaymentAttempt is one entry of the processor's authoritative payment list
// for an invoice.
type PaymentAttempt struct {
	PaymentID     int64           `json:"payment_id"`
	PaymentStatus string          `json:"payment_status"`
	ActuallyPaid  decimal.Decimal `json:"actually_paid"`
	PayCurrency   string          `json:"pay_currency"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CreateInvoice asks the processor for a hosted invoice.
func (c *Client) CreateInvoice(ctx context.Context, params InvoiceParams) (*Invoice, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode invoice params: %w", err)
	}

	var invoice Invoice
	err = c.policy.Do(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, "/invoice", body, &invoice)
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(invoice.ID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "processor returned invoice without id")
	}
	return &invoice, nil
}

// GetPayment returns the most recent payment attempt recorded for the invoice.
// This is the reconciliation sweep's independent failure domain: it never
// touches the webhook path.
func (c *Client) GetPayment(ctx context.Context, invoiceID string) (*PaymentAttempt, error) {
	trimmed := strings.TrimSpace(invoiceID)
	if trimmed == "" {
		return nil, errors.New("invoice id is required")
	}

	var payload struct {
		Data []PaymentAttempt `json:"data"`
	}
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/payment/"+trimmed, nil, &payload)
	})
	if err != nil {
		return nil, err
	}
	if len(payload.Data) == 0 {
		return nil, ErrPaymentNotFound
	}

	latest := payload.Data[0]
	for _, attempt := range payload.Data[1:] {
		if attempt.UpdatedAt.After(latest.UpdatedAt) {
			latest = attempt
		}
	}
	return &latest, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, dest any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("x-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "processor request failed")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read processor response")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &retry.RateLimitError{
			RetryAfter: retryAfter(resp),
			Err:        fmt.Errorf("processor rate limited: %s", strings.TrimSpace(string(payload))),
		}
	case resp.StatusCode == http.StatusNotFound:
		return retry.Permanent(ErrPaymentNotFound)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(pkgerrors.New(
			pkgerrors.CodeDependency,
			fmt.Sprintf("processor rejected request (%d)", resp.StatusCode),
		).WithDetails(strings.TrimSpace(string(payload))))
	case resp.StatusCode >= 500:
		return pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("processor unavailable (%d)", resp.StatusCode))
	}

	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return retry.Permanent(pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode processor response"))
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return time.Second
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return time.Second
	}
	return time.Duration(seconds) * time.Second
}

// VerifyIPNSignature reports whether signature matches HMAC-SHA512(secret,
// rawBody). The comparison is constant time and fails closed when either the
// secret or the signature is missing.
func VerifyIPNSignature(secret string, rawBody []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}
