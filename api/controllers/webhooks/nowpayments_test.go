package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chanpass/internal/settlement"
	pkgerrors "chanpass/pkg/errors"
	"chanpass/pkg/logger"
	"chanpass/pkg/types"
)

type fakeIPNService struct {
	rawBody   []byte
	signature string
	result    *settlement.Result
	err       error
}

func (f *fakeIPNService) Handle(_ context.Context, rawBody []byte, signature string) (*settlement.Result, error) {
	f.rawBody = rawBody
	f.signature = signature
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "webhooks-test", Output: io.Discard})
}

func postIPN(handler http.HandlerFunc, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/nowpayments", strings.NewReader(body))
	if signature != "" {
		req.Header.Set("x-nowpayments-sig", signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestPaymentIPNForwardsBodyAndSignature(t *testing.T) {
	svc := &fakeIPNService{result: &settlement.Result{Outcome: settlement.OutcomeUpdated, Action: "confirmed"}}
	rec := postIPN(PaymentIPN(svc, testLogger()), `{"invoice_id":"inv-1"}`, "aabbcc")

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if string(svc.rawBody) != `{"invoice_id":"inv-1"}` {
		t.Fatalf("raw body must reach the service unmodified, got %q", svc.rawBody)
	}
	if svc.signature != "aabbcc" {
		t.Fatalf("unexpected signature %q", svc.signature)
	}

	var envelope struct {
		Data map[string]string `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Data["outcome"] != "updated" || envelope.Data["action"] != "confirmed" {
		t.Fatalf("unexpected body %v", envelope.Data)
	}
}

func TestPaymentIPNUnknownInvoiceAcknowledgedWith200(t *testing.T) {
	svc := &fakeIPNService{err: pkgerrors.New(pkgerrors.CodeNotFound, "unknown invoice")}
	rec := postIPN(PaymentIPN(svc, testLogger()), `{"invoice_id":"inv-x"}`, "sig")

	if rec.Code != http.StatusOK {
		t.Fatalf("unknown invoice must not trigger processor retries, got %d", rec.Code)
	}
	var envelope types.ErrorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != string(pkgerrors.CodeNotFound) {
		t.Fatalf("unexpected code %q", envelope.Error.Code)
	}
}

func TestPaymentIPNBadSignatureRejectedWith403(t *testing.T) {
	svc := &fakeIPNService{err: pkgerrors.New(pkgerrors.CodeSignature, "signature mismatch")}
	rec := postIPN(PaymentIPN(svc, testLogger()), `{}`, "bad")

	if rec.Code != http.StatusForbidden {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestPaymentIPNStaleDeliveryRejectedWith400(t *testing.T) {
	svc := &fakeIPNService{err: pkgerrors.New(pkgerrors.CodeReplay, "stale notification")}
	rec := postIPN(PaymentIPN(svc, testLogger()), `{}`, "sig")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestPaymentIPNUnderpaymentReturnsPartialPaymentEnvelope(t *testing.T) {
	svc := &fakeIPNService{err: pkgerrors.New(pkgerrors.CodePartialPayment, "underpaid: received 4 of 9.99 usd")}
	rec := postIPN(PaymentIPN(svc, testLogger()), `{"invoice_id":"inv-1"}`, "sig")

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var envelope types.ErrorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != string(pkgerrors.CodePartialPayment) {
		t.Fatalf("unexpected code %q", envelope.Error.Code)
	}
	if envelope.Error.Message != "underpaid: received 4 of 9.99 usd" {
		t.Fatalf("shortfall detail must surface, got %q", envelope.Error.Message)
	}
}

func TestPaymentIPNDependencyFailureKeepsRetryableStatus(t *testing.T) {
	svc := &fakeIPNService{err: pkgerrors.New(pkgerrors.CodeDependency, "database unavailable")}
	rec := postIPN(PaymentIPN(svc, testLogger()), `{}`, "sig")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("transient failures must stay non-2xx so the processor retries, got %d", rec.Code)
	}
}
