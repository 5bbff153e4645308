package nowpayments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanpass/pkg/config"
	"chanpass/pkg/retry"
)

func noSleepPolicy() retry.Policy {
	policy := retry.Default()
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	return policy
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(
		config.ProcessorConfig{APIKey: "test-key", BaseURL: server.URL},
		WithRetryPolicy(noSleepPolicy()),
	)
	require.NoError(t, err)
	return client, server
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(config.ProcessorConfig{})
	assert.ErrorIs(t, err, errAPIKeyRequired)
}

func TestCreateInvoice(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/invoice", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		w.Write([]byte(`{"id":"5078265000","invoice_url":"https://pay.example/i/5078265000"}`))
	}))

	invoice, err := client.CreateInvoice(context.Background(), InvoiceParams{
		PriceAmount:   decimal.RequireFromString("9.99"),
		PriceCurrency: "usd",
		OrderID:       "tx-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "5078265000", invoice.ID)
	assert.Equal(t, "https://pay.example/i/5078265000", invoice.InvoiceURL)
}

func TestGetPayment_ReturnsLatestAttempt(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payment/inv-42", r.URL.Path)
		w.Write([]byte(`{"data":[
			{"payment_id":1,"payment_status":"expired","actually_paid":"0","pay_currency":"btc","updated_at":"2026-08-01T10:00:00Z"},
			{"payment_id":2,"payment_status":"finished","actually_paid":"0.0005","pay_currency":"btc","updated_at":"2026-08-02T10:00:00Z"}
		]}`))
	}))

	attempt, err := client.GetPayment(context.Background(), "inv-42")
	require.NoError(t, err)
	assert.Equal(t, int64(2), attempt.PaymentID)
	assert.Equal(t, "finished", attempt.PaymentStatus)
	assert.True(t, attempt.ActuallyPaid.Equal(decimal.RequireFromString("0.0005")))
}

func TestGetPayment_NotFound(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.GetPayment(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
	assert.Equal(t, 1, calls, "4xx must not be retried")
}

func TestGetPayment_EmptyAttemptList(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))

	_, err := client.GetPayment(context.Background(), "inv-42")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestGetPayment_RetriesServerErrors(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":[{"payment_id":7,"payment_status":"waiting","actually_paid":"0","pay_currency":"btc","updated_at":"2026-08-02T10:00:00Z"}]}`))
	}))

	attempt, err := client.GetPayment(context.Background(), "inv-42")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "waiting", attempt.PaymentStatus)
}

func TestGetPayment_HonorsRetryAfter(t *testing.T) {
	var slept []time.Duration
	policy := retry.Default()
	policy.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"data":[{"payment_id":7,"payment_status":"confirming","actually_paid":"0","pay_currency":"btc","updated_at":"2026-08-02T10:00:00Z"}]}`))
	}))
	defer server.Close()

	client, err := NewClient(
		config.ProcessorConfig{APIKey: "test-key", BaseURL: server.URL},
		WithRetryPolicy(policy),
	)
	require.NoError(t, err)

	_, err = client.GetPayment(context.Background(), "inv-42")
	require.NoError(t, err)
	require.Len(t, slept, 1)
	assert.GreaterOrEqual(t, slept[0], 2*time.Second)
}

func TestVerifyIPNSignature(t *testing.T) {
	secret := "ipn-secret"
	body := []byte(`{"invoice_id":"inv-1","payment_status":"finished"}`)

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	assert.True(t, VerifyIPNSignature(secret, body, signature))

	// Verification is over the exact raw bytes, so any mutation fails.
	assert.False(t, VerifyIPNSignature(secret, append(body, ' '), signature))
	assert.False(t, VerifyIPNSignature(secret, body, signature[:len(signature)-2]))
	assert.False(t, VerifyIPNSignature("", body, signature))
	assert.False(t, VerifyIPNSignature(secret, body, ""))
}

func TestCreateInvoice_SurfacesRejection(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"price_amount is required"}`))
	}))

	_, err := client.CreateInvoice(context.Background(), InvoiceParams{})
	require.Error(t, err)
	var permanent *retry.PermanentError
	assert.False(t, errors.As(err, &permanent), "policy should unwrap the permanent marker")
}
