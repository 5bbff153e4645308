package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"chanpass/api/middleware"
	"chanpass/internal/settlement"
	"chanpass/pkg/db/models"
	"chanpass/pkg/enums"
	pkgerrors "chanpass/pkg/errors"
	"chanpass/pkg/logger"
	"chanpass/pkg/nowpayments"
	"chanpass/pkg/types"
)

type fakeSettlementService struct {
	createInput settlement.CreatePendingInput
	createRow   *models.Transaction
	createErr   error

	overrideTransactionID uuid.UUID
	overrideAdminID       uuid.UUID
	overrideResult        *settlement.Result
	overrideErr           error
}

func (f *fakeSettlementService) CreatePendingTransaction(_ context.Context, input settlement.CreatePendingInput) (*models.Transaction, *nowpayments.Invoice, error) {
	f.createInput = input
	if f.createErr != nil {
		return nil, nil, f.createErr
	}
	return f.createRow, &nowpayments.Invoice{ID: f.createRow.InvoiceID, InvoiceURL: "https://pay.example/i/" + f.createRow.InvoiceID}, nil
}

func (f *fakeSettlementService) ManualOverride(_ context.Context, transactionID, adminID uuid.UUID) (*settlement.Result, error) {
	f.overrideTransactionID = transactionID
	f.overrideAdminID = adminID
	if f.overrideErr != nil {
		return nil, f.overrideErr
	}
	return f.overrideResult, nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "controllers-test", Output: io.Discard})
}

func pendingRow(payeeID, planID uuid.UUID) *models.Transaction {
	return &models.Transaction{
		ID:        uuid.New(),
		InvoiceID: "inv-100",
		PayeeKind: enums.PayeeKindSubscriber,
		PayeeID:   payeeID,
		PlanID:    planID,
		AmountDue: decimal.RequireFromString("25"),
		Currency:  "usd",
		Status:    enums.PaymentStatusPending,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestCreateTransactionHappyPath(t *testing.T) {
	payeeID := uuid.New()
	planID := uuid.New()
	svc := &fakeSettlementService{createRow: pendingRow(payeeID, planID)}

	body := `{"payee_kind":"subscriber","payee_id":"` + payeeID.String() + `","plan_id":"` + planID.String() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/admin/v1/transactions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	CreateTransaction(svc, testLogger())(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if svc.createInput.PayeeKind != enums.PayeeKindSubscriber || svc.createInput.PayeeID != payeeID {
		t.Fatalf("unexpected engine input %+v", svc.createInput)
	}

	var envelope struct {
		Data transactionResponse `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Data.InvoiceID != "inv-100" || envelope.Data.InvoiceURL != "https://pay.example/i/inv-100" {
		t.Fatalf("unexpected body %+v", envelope.Data)
	}
}

func TestCreateTransactionRejectsUnknownPayeeKind(t *testing.T) {
	svc := &fakeSettlementService{}
	body := `{"payee_kind":"merchant","payee_id":"` + uuid.NewString() + `","plan_id":"` + uuid.NewString() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/admin/v1/transactions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	CreateTransaction(svc, testLogger())(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestCreateTransactionRejectsMissingFields(t *testing.T) {
	svc := &fakeSettlementService{}
	req := httptest.NewRequest(http.MethodPost, "/api/admin/v1/transactions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	CreateTransaction(svc, testLogger())(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if svc.createInput.PayeeID != uuid.Nil {
		t.Fatalf("engine must not be called on invalid input")
	}
}

func overrideRequest(t *testing.T, transactionID string, adminID uuid.UUID) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/admin/v1/transactions/"+transactionID+"/override", nil)
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add("id", transactionID)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	if adminID != uuid.Nil {
		ctx = middleware.WithAdminID(ctx, adminID.String())
	}
	return req.WithContext(ctx)
}

func TestOverrideTransactionUsesAdminFromContext(t *testing.T) {
	transactionID := uuid.New()
	adminID := uuid.New()
	svc := &fakeSettlementService{overrideResult: &settlement.Result{
		Outcome: settlement.OutcomeUpdated,
		Action:  "confirmed",
		Status:  enums.PaymentStatusConfirmed,
	}}

	rec := httptest.NewRecorder()
	OverrideTransaction(svc, testLogger())(rec, overrideRequest(t, transactionID.String(), adminID))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if svc.overrideTransactionID != transactionID || svc.overrideAdminID != adminID {
		t.Fatalf("unexpected override call: tx=%s admin=%s", svc.overrideTransactionID, svc.overrideAdminID)
	}
}

func TestOverrideTransactionRejectsBadID(t *testing.T) {
	svc := &fakeSettlementService{}
	rec := httptest.NewRecorder()
	OverrideTransaction(svc, testLogger())(rec, overrideRequest(t, "not-a-uuid", uuid.New()))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestOverrideTransactionRequiresAdminIdentity(t *testing.T) {
	svc := &fakeSettlementService{}
	rec := httptest.NewRecorder()
	OverrideTransaction(svc, testLogger())(rec, overrideRequest(t, uuid.NewString(), uuid.Nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestOverrideTransactionPropagatesEngineErrors(t *testing.T) {
	svc := &fakeSettlementService{overrideErr: pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found")}
	rec := httptest.NewRecorder()
	OverrideTransaction(svc, testLogger())(rec, overrideRequest(t, uuid.NewString(), uuid.New()))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var envelope types.ErrorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != string(pkgerrors.CodeNotFound) {
		t.Fatalf("unexpected code %q", envelope.Error.Code)
	}
}
