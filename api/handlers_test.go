/*
handlers_test.go - HTTP-level tests for the API

Tests for:
- Caller identity and ownership isolation
- Target CRUD and the delete-with-history conflict
- Manual deposit / withdrawal status codes and bodies
- History filtering and pagination
- QRIS initiate + status polling through a fake gateway
*/
package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celengan/savings-ledger/payment"
	"github.com/celengan/savings-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type stubGateway struct {
	mu     sync.Mutex
	status payment.Status
}

func (g *stubGateway) CreatePayment(_ context.Context, _ decimal.Decimal, reference string) (payment.Created, error) {
	return payment.Created{ExternalID: "trx-" + reference, PaymentData: "https://qr.example/img.png"}, nil
}

func (g *stubGateway) PaymentStatus(context.Context, string) (payment.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status, nil
}

func (g *stubGateway) set(s payment.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = s
}

type testServer struct {
	t       *testing.T
	handler http.Handler
	gateway *stubGateway
	user    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gw := &stubGateway{status: payment.StatusPending}
	h := NewHandler(store, nil, zerolog.Nop())
	h.Payments = payment.NewService(gw, store, store, h.Mutator, zerolog.Nop())

	return &testServer{
		t:       t,
		handler: NewRouter(h, RouterOptions{}),
		gateway: gw,
		user:    gofakeit.Username(),
	}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	return s.doAs(s.user, method, path, body)
}

func (s *testServer) doAs(user, method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createTarget(goal string) TargetDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/targets", map[string]any{
		"name":        gofakeit.Word() + " fund",
		"goal_amount": goal,
		"target_date": "2027-06-30",
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[TargetDTO](s.t, rec)
}

// =============================================================================
// IDENTITY
// =============================================================================

func TestServiceInfo_NoAuthRequired(t *testing.T) {
	s := newTestServer(t)
	rec := s.doAs("", http.MethodGet, "/api", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestMissingUserHeader(t *testing.T) {
	s := newTestServer(t)
	rec := s.doAs("", http.MethodGet, "/api/targets", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOtherUsersTargetIsNotFound(t *testing.T) {
	s := newTestServer(t)
	target := s.createTarget("1000")

	intruder := gofakeit.Username() + "-x"
	rec := s.doAs(intruder, http.MethodGet, "/api/targets/"+target.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.doAs(intruder, http.MethodPost, "/api/transactions/deposit-manual", map[string]any{
		"target_id": target.ID, "amount": 10,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// TARGETS
// =============================================================================

func TestTargetLifecycle(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: a new target
	target := s.createTarget("2500000")
	assert.Equal(t, "2500000.00", target.GoalAmount)
	assert.Equal(t, "0.00", target.Accumulated)
	assert.Equal(t, "active", target.Status)
	require.NotNil(t, target.TargetDate)
	assert.Equal(t, "2027-06-30", *target.TargetDate)

	// WHEN: it is renamed and its date cleared
	rec := s.do(http.MethodPut, "/api/targets/"+target.ID, map[string]any{
		"name":        "Emergency fund",
		"target_date": nil,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[TargetDTO](t, rec)

	// THEN: only those fields change
	assert.Equal(t, "Emergency fund", updated.Name)
	assert.Nil(t, updated.TargetDate)
	assert.Equal(t, "2500000.00", updated.GoalAmount)

	list := decode[[]TargetDTO](t, s.do(http.MethodGet, "/api/targets", nil))
	require.Len(t, list, 1)

	rec = s.do(http.MethodDelete, "/api/targets/"+target.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(http.MethodGet, "/api/targets/"+target.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTarget_Invalid(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"goal_amount": 100}},
		{"zero goal", map[string]any{"name": "x", "goal_amount": 0}},
		{"sub-cent goal", map[string]any{"name": "x", "goal_amount": "10.001"}},
		{"bad date", map[string]any{"name": "x", "goal_amount": 10, "target_date": "31/12/2026"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/targets", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestDeleteTarget_WithHistoryConflicts(t *testing.T) {
	s := newTestServer(t)
	target := s.createTarget("1000")

	rec := s.do(http.MethodPost, "/api/transactions/deposit-manual", map[string]any{
		"target_id": target.ID, "amount": "100",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(http.MethodDelete, "/api/targets/"+target.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// DEPOSIT / WITHDRAW
// =============================================================================

func TestDepositAndWithdraw(t *testing.T) {
	s := newTestServer(t)
	target := s.createTarget("100000")

	rec := s.do(http.MethodPost, "/api/transactions/deposit-manual", map[string]any{
		"target_id": target.ID, "amount": 100000, "description": "salary",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dep := decode[MutationResponse](t, rec)
	assert.Equal(t, "100000.00", dep.NewAccumulated)
	assert.Equal(t, "achieved", dep.TargetStatus)
	assert.NotEmpty(t, dep.TransactionID)

	rec = s.do(http.MethodPost, "/api/transactions/withdraw", map[string]any{
		"target_id": target.ID, "amount": "30000.50", "reason": "rent",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wd := decode[MutationResponse](t, rec)
	assert.Equal(t, "69999.50", wd.NewAccumulated)
	assert.Equal(t, "active", wd.TargetStatus)

	got := decode[TargetDTO](t, s.do(http.MethodGet, "/api/targets/"+target.ID, nil))
	assert.Equal(t, "69999.50", got.Accumulated)
	assert.InDelta(t, 70.0, got.ProgressPercentage, 0.01)

	audit := decode[AuditDTO](t, s.do(http.MethodGet, "/api/targets/"+target.ID+"/audit", nil))
	assert.True(t, audit.Consistent)
	assert.Equal(t, 2, audit.TransactionCount)
}

func TestWithdraw_Rejections(t *testing.T) {
	s := newTestServer(t)
	target := s.createTarget("1000")
	s.do(http.MethodPost, "/api/transactions/deposit-manual", map[string]any{"target_id": target.ID, "amount": 50})

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"overdraw", map[string]any{"target_id": target.ID, "amount": 50.01, "reason": "x"}, http.StatusBadRequest},
		{"no reason", map[string]any{"target_id": target.ID, "amount": 10, "reason": "  "}, http.StatusBadRequest},
		{"negative", map[string]any{"target_id": target.ID, "amount": -5, "reason": "x"}, http.StatusBadRequest},
		{"unknown target", map[string]any{"target_id": "nope", "amount": 1, "reason": "x"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/transactions/withdraw", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	got := decode[TargetDTO](t, s.do(http.MethodGet, "/api/targets/"+target.ID, nil))
	assert.Equal(t, "50.00", got.Accumulated)
}

func TestDepositManual_ClientReferenceIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	target := s.createTarget("1000")
	body := map[string]any{"target_id": target.ID, "amount": 25, "reference": "client-retry-1"}

	first := s.do(http.MethodPost, "/api/transactions/deposit-manual", body)
	require.Equal(t, http.StatusCreated, first.Code)
	second := s.do(http.MethodPost, "/api/transactions/deposit-manual", body)
	require.Equal(t, http.StatusOK, second.Code)

	assert.True(t, decode[MutationResponse](t, second).Replayed)
	got := decode[TargetDTO](t, s.do(http.MethodGet, "/api/targets/"+target.ID, nil))
	assert.Equal(t, "25.00", got.Accumulated)
}

// =============================================================================
// HISTORY
// =============================================================================

func TestListTransactions(t *testing.T) {
	s := newTestServer(t)
	a := s.createTarget("100000")
	b := s.createTarget("100000")

	for i := 0; i < 12; i++ {
		rec := s.do(http.MethodPost, "/api/transactions/deposit-manual", map[string]any{
			"target_id": a.ID, "amount": gofakeit.Number(1, 500),
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	s.do(http.MethodPost, "/api/transactions/deposit-manual", map[string]any{"target_id": b.ID, "amount": 1})
	s.do(http.MethodPost, "/api/transactions/withdraw", map[string]any{"target_id": b.ID, "amount": 1, "reason": "oops"})

	page := decode[TransactionListResponse](t, s.do(http.MethodGet, "/api/transactions", nil))
	assert.Equal(t, 14, page.Pagination.Total)
	assert.Equal(t, 10, page.Pagination.Limit, "default page size")
	assert.Equal(t, 2, page.Pagination.TotalPages)
	assert.Len(t, page.Transactions, 10)
	assert.Equal(t, "WITHDRAWAL", page.Transactions[0].Kind)

	page = decode[TransactionListResponse](t, s.do(http.MethodGet,
		fmt.Sprintf("/api/transactions?target_id=%s&page=2&limit=5", a.ID), nil))
	assert.Equal(t, 12, page.Pagination.Total)
	assert.Len(t, page.Transactions, 5)
	for _, tx := range page.Transactions {
		assert.Equal(t, a.ID, tx.TargetID)
		assert.Equal(t, a.Name, tx.TargetName)
	}

	page = decode[TransactionListResponse](t, s.do(http.MethodGet, "/api/transactions?kind=withdrawal", nil))
	assert.Equal(t, 1, page.Pagination.Total)

	rec := s.do(http.MethodGet, "/api/transactions?start_date=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	other := decode[TransactionListResponse](t, s.doAs("stranger", http.MethodGet, "/api/transactions", nil))
	assert.Zero(t, other.Pagination.Total)
	assert.NotNil(t, other.Transactions)
}

// =============================================================================
// QRIS
// =============================================================================

func TestQRISFlow(t *testing.T) {
	s := newTestServer(t)
	target := s.createTarget("200000")

	// GIVEN: an initiated payment
	rec := s.do(http.MethodPost, "/api/transactions/qris/initiate", map[string]any{
		"target_id": target.ID, "amount": 150000,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	attempt := decode[PaymentAttemptDTO](t, rec)
	assert.Equal(t, "PENDING", attempt.Status)
	assert.NotEmpty(t, attempt.PaymentData)

	statusPath := "/api/transactions/qris/status/" + attempt.Reference
	pending := decode[PaymentStatusResponse](t, s.do(http.MethodGet, statusPath, nil))
	assert.Equal(t, "PENDING", pending.Payment.Status)
	assert.Nil(t, pending.Deposit)

	// WHEN: the gateway reports success
	s.gateway.set(payment.StatusSuccess)
	done := decode[PaymentStatusResponse](t, s.do(http.MethodGet, statusPath, nil))

	// THEN: the target is credited once, however often the client polls
	assert.Equal(t, "SUCCESS", done.Payment.Status)
	require.NotNil(t, done.Deposit)
	assert.Equal(t, "150000.00", done.Deposit.NewAccumulated)

	s.do(http.MethodGet, statusPath, nil)
	got := decode[TargetDTO](t, s.do(http.MethodGet, "/api/targets/"+target.ID, nil))
	assert.Equal(t, "150000.00", got.Accumulated)

	rec = s.doAs("stranger", http.MethodGet, statusPath, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQRIS_NotConfigured(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	router := NewRouter(NewHandler(store, nil, zerolog.Nop()), RouterOptions{})
	req := httptest.NewRequest(http.MethodPost, "/api/transactions/qris/initiate", bytes.NewBufferString(`{}`))
	req.Header.Set(UserIDHeader, "u")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
