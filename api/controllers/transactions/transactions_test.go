package transactions

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/rampledger/api/middleware"
	internaladmin "github.com/angelmondragon/rampledger/internal/admin"
	"github.com/angelmondragon/rampledger/internal/ledger"
	internaltx "github.com/angelmondragon/rampledger/internal/transactions"
	"github.com/angelmondragon/rampledger/pkg/db/models"
	"github.com/angelmondragon/rampledger/pkg/enums"
	"github.com/angelmondragon/rampledger/pkg/types"
)

type recordingRefunder struct {
	mu    sync.Mutex
	calls []internaltx.RefundRequest
}

func (r *recordingRefunder) Refund(_ context.Context, req internaltx.RefundRequest) (internaltx.RefundReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	return internaltx.RefundReceipt{Reference: "RF-1"}, nil
}

type testAPI struct {
	store    *ledger.MemoryStore
	refunder *recordingRefunder
	router   http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := ledger.NewMemoryStore()
	refunder := &recordingRefunder{}
	machine, err := internaltx.NewMachine(internaltx.MachineParams{Store: store, Refunder: refunder})
	if err != nil {
		t.Fatalf("machine: %v", err)
	}
	svc, err := internaladmin.NewService(internaladmin.ServiceParams{Store: store, Machine: machine})
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	r := chi.NewRouter()
	r.Get("/api/transactions", List(svc, nil))
	r.Route("/api/tx/{id}", func(r chi.Router) {
		r.Get("/", Get(svc, nil))
		r.Post("/approve", Approve(svc, nil))
		r.Post("/freeze", Freeze(svc, nil))
		r.Post("/unfreeze", Unfreeze(svc, nil))
		r.Post("/refund", Refund(svc, nil))
		r.Post("/toggle-flag", ToggleFlag(svc, nil))
	})
	return &testAPI{store: store, refunder: refunder, router: r}
}

func (a *testAPI) seed(t *testing.T, txID string, status enums.TransactionStatus, provider enums.Provider) {
	t.Helper()
	_, created, err := a.store.CreateIfAbsent(context.Background(), &models.Transaction{
		TxID:             txID,
		Provider:         provider,
		Coin:             "USDT.TRC20",
		Currency:         enums.CurrencyUSD,
		Amount:           decimal.NewFromInt(102),
		MerchantReceived: decimal.NewFromInt(100),
		AdminFee:         decimal.NewFromInt(2),
		Address:          "TWallet1",
		BuyerEmail:       "buyer@example.com",
		Status:           status,
		PaymentMethodRef: "mq-" + txID,
		History: []models.TransactionHistory{
			{Status: status, UpdatedBy: string(provider), Reason: "webhook received"},
		},
	})
	if err != nil || !created {
		t.Fatalf("seed %s: created=%v err=%v", txID, created, err)
	}
}

func (a *testAPI) do(method, path, operator string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if operator != "" {
		req = req.WithContext(middleware.WithOperator(req.Context(), operator, string(enums.OperatorRoleAdmin)))
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeAction(t *testing.T, rec *httptest.ResponseRecorder) internaladmin.ActionResult {
	t.Helper()
	var env struct {
		Data internaladmin.ActionResult `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode action: %v (%s)", err, rec.Body.String())
	}
	return env.Data
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env types.ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error: %v (%s)", err, rec.Body.String())
	}
	return env.Error.Code
}

func TestApproveOnConfirmedIsRejected(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t, "TX1", enums.TransactionStatusConfirmed, enums.ProviderMercuryo)

	rec := api.do(http.MethodPost, "/api/tx/TX1/approve", "ops@ramp.test", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestFreezeBlocksApproveUntilUnfrozen(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t, "TX2", enums.TransactionStatusPending, enums.ProviderMercuryo)

	if rec := api.do(http.MethodPost, "/api/tx/TX2/freeze", "ops@ramp.test", nil); rec.Code != http.StatusOK {
		t.Fatalf("freeze: %d %s", rec.Code, rec.Body.String())
	}
	if rec := api.do(http.MethodPost, "/api/tx/TX2/approve", "ops@ramp.test", nil); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("approve while frozen: expected 422, got %d", rec.Code)
	}
	if rec := api.do(http.MethodPost, "/api/tx/TX2/unfreeze", "ops@ramp.test", nil); rec.Code != http.StatusOK {
		t.Fatalf("unfreeze: %d", rec.Code)
	}

	rec := api.do(http.MethodPost, "/api/tx/TX2/approve", "ops@ramp.test", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", rec.Code, rec.Body.String())
	}
	result := decodeAction(t, rec)
	if !result.Applied || result.Transaction.Status != enums.TransactionStatusConfirmed {
		t.Fatalf("expected confirmed, got %+v", result)
	}
	if got := len(result.Transaction.History); got != 4 {
		t.Fatalf("expected 4 history entries, got %d", got)
	}
}

func TestRepeatedFreezeIsNoop(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t, "TX3", enums.TransactionStatusPending, enums.ProviderMercuryo)

	api.do(http.MethodPost, "/api/tx/TX3/freeze", "ops@ramp.test", nil)
	rec := api.do(http.MethodPost, "/api/tx/TX3/freeze", "ops@ramp.test", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	result := decodeAction(t, rec)
	if result.Applied {
		t.Fatal("second freeze should not apply")
	}
	if got := len(result.Transaction.History); got != 2 {
		t.Fatalf("expected 2 history entries, got %d", got)
	}
}

func TestUnknownTransactionIsNotFound(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/api/tx/NOPE", "/api/tx/NOPE/approve", "/api/tx/NOPE/freeze"} {
		method := http.MethodPost
		if path == "/api/tx/NOPE" {
			method = http.MethodGet
		}
		rec := api.do(method, path, "ops@ramp.test", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestActionsRequireOperator(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t, "TX4", enums.TransactionStatusPending, enums.ProviderMercuryo)

	rec := api.do(http.MethodPost, "/api/tx/TX4/freeze", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRefundDestinations(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t, "TX5", enums.TransactionStatusConfirmed, enums.ProviderMercuryo)
	api.seed(t, "TX6", enums.TransactionStatusConfirmed, enums.ProviderMercuryo)

	rec := api.do(http.MethodPost, "/api/tx/TX5/refund", "ops@ramp.test", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refund original: %d %s", rec.Code, rec.Body.String())
	}
	if result := decodeAction(t, rec); result.Transaction.Status != enums.TransactionStatusRefunded {
		t.Fatalf("expected refunded, got %s", result.Transaction.Status)
	}

	rec = api.do(http.MethodPost, "/api/tx/TX6/refund", "ops@ramp.test", []byte(`{"cardNumber":"4242 4242 4242 4242","expiryDate":"12/99"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("refund alternate: %d %s", rec.Code, rec.Body.String())
	}

	if len(api.refunder.calls) != 2 {
		t.Fatalf("expected 2 refund calls, got %d", len(api.refunder.calls))
	}
	if api.refunder.calls[0].PaymentMethodRef != "mq-TX5" || api.refunder.calls[0].Card != nil {
		t.Fatalf("unexpected original refund %+v", api.refunder.calls[0])
	}
	if card := api.refunder.calls[1].Card; card == nil || card.Number != "4242424242424242" {
		t.Fatalf("unexpected alternate card %+v", card)
	}
}

func TestRefundRejectsInvalidCard(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t, "TX7", enums.TransactionStatusConfirmed, enums.ProviderMercuryo)

	rec := api.do(http.MethodPost, "/api/tx/TX7/refund", "ops@ramp.test", []byte(`{"cardNumber":"1234","expiryDate":"01/20"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(api.refunder.calls) != 0 {
		t.Fatal("invalid card must not reach the provider")
	}
}

func TestToggleFlag(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t, "TX8", enums.TransactionStatusPending, enums.ProviderMercuryo)

	rec := api.do(http.MethodPost, "/api/tx/TX8/toggle-flag", "ops@ramp.test", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	tx, _ := api.store.FindByExternalID(context.Background(), "TX8")
	if !tx.IsFlagged || len(tx.History) != 1 {
		t.Fatalf("expected flagged with unchanged history, got %+v", tx)
	}
}

func TestListFiltersAndValidatesQuery(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t, "TX9", enums.TransactionStatusPending, enums.ProviderMercuryo)
	api.seed(t, "TX10", enums.TransactionStatusConfirmed, enums.ProviderCoinPayments)

	rec := api.do(http.MethodGet, "/api/transactions?status=confirmed&limit=10", "ops@ramp.test", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"TX10"`) || strings.Contains(rec.Body.String(), `"TX9"`) {
		t.Fatalf("unexpected page %s", rec.Body.String())
	}

	for _, query := range []string{"status=bogus", "provider=busha", "limit=1000", "page=0"} {
		rec := api.do(http.MethodGet, "/api/transactions?"+query, "ops@ramp.test", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, rec.Code)
		}
		if code := errorCode(t, rec); code != "VALIDATION_ERROR" {
			t.Fatalf("%s: unexpected code %s", query, code)
		}
	}
}
