package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"orema/backend/internal/domain"
	"orema/backend/internal/service"
	"orema/backend/internal/store/memory"
)

const testCronSecret = "cron-secret-for-tests-0123456789"

type testServer struct {
	api     *API
	handler http.Handler
	repo    *memory.Store
}

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) testServer {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, service.Deps{}, service.Options{AllowNegativeStock: true})
	auth := NewAuthManager("test-secret-key", time.Hour, "482913", repo)
	api := New(svc, auth, "*", testCronSecret, nil)
	return testServer{api: api, handler: api.Handler(), repo: repo}
}

func (s testServer) token(t *testing.T, userID string, role string) string {
	t.Helper()
	token, err := s.api.auth.sign(&domain.UserAccount{
		ID:              userID,
		Username:        strings.TrimPrefix(userID, "user-"),
		Role:            role,
		EstablishmentID: memory.DemoEstablishmentID,
	}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (s testServer) do(t *testing.T, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (raw %q)", err, rec.Body.String())
	}
}

func syncBody(key string) domain.SyncSaleRequest {
	return domain.SyncSaleRequest{
		IdempotencyKey: key,
		SaleType:       domain.SaleTypeDirect,
		Lines:          []domain.SaleLineInput{{ProductID: "prod-cafe", Quantity: 2, UnitPriceCents: 1000}},
		PaymentMode:    domain.PaymentCash,
		ReceivedCents:  5000,
		ChangeCents:    2640,
	}
}

func TestHandleHealth(t *testing.T) {
	srv := newTestAPI(t)
	rec := srv.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestLoginWithSeededAccount(t *testing.T) {
	srv := newTestAPI(t)
	rec := srv.do(t, http.MethodPost, "/api/auth/login", "", domain.LoginRequest{Username: "caissier", Password: "caissier123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	decodeBody(t, rec, &resp)
	if resp.AccessToken == "" || resp.Role != domain.RoleCashier || resp.EstablishmentID != memory.DemoEstablishmentID {
		t.Fatalf("unexpected login response %+v", resp)
	}

	// The issued token is accepted on a protected route.
	active := srv.do(t, http.MethodGet, "/api/sessions/active", resp.AccessToken, nil)
	if active.Code != http.StatusOK {
		t.Fatalf("expected 200 with issued token, got %d", active.Code)
	}

	bad := srv.do(t, http.MethodPost, "/api/auth/login", "", domain.LoginRequest{Username: "caissier", Password: "wrong"})
	if bad.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", bad.Code)
	}
}

func TestSyncRequiresToken(t *testing.T) {
	srv := newTestAPI(t)
	rec := srv.do(t, http.MethodPost, "/api/ventes/sync", "", syncBody("idem-anon"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["success"] != false || body["error"] == "" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestSyncTwiceReturnsIdempotentReplay(t *testing.T) {
	srv := newTestAPI(t)
	token := srv.token(t, "user-caissier", domain.RoleCashier)

	first := srv.do(t, http.MethodPost, "/api/ventes/sync", token, syncBody("idem-http-1"))
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	var created domain.SyncSaleResponse
	decodeBody(t, first, &created)
	if !created.Success || created.Idempotent || created.Data.TicketNumber == "" {
		t.Fatalf("unexpected first response %+v", created)
	}

	second := srv.do(t, http.MethodPost, "/api/ventes/sync", token, syncBody("idem-http-1"))
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", second.Code)
	}
	var replayed domain.SyncSaleResponse
	decodeBody(t, second, &replayed)
	if !replayed.Idempotent || replayed.Data != created.Data {
		t.Fatalf("expected replay of %+v, got %+v", created.Data, replayed)
	}
	if got := *srv.repo.ProductStock("prod-cafe"); got != 48 {
		t.Fatalf("expected stock 48, got %d", got)
	}

	lookup := srv.do(t, http.MethodGet, "/api/ventes/idempotency/idem-http-1", token, nil)
	var found domain.IdempotencyLookupResponse
	decodeBody(t, lookup, &found)
	if !found.Found || found.Data == nil || found.Data.ID != created.Data.ID {
		t.Fatalf("unexpected lookup %+v", found)
	}

	sale := srv.do(t, http.MethodGet, "/api/ventes/"+created.Data.ID, token, nil)
	if sale.Code != http.StatusOK {
		t.Fatalf("expected 200 for sale, got %d", sale.Code)
	}
}

func TestSyncErrorStatuses(t *testing.T) {
	srv := newTestAPI(t)
	token := srv.token(t, "user-caissier", domain.RoleCashier)

	noKey := syncBody("")
	if rec := srv.do(t, http.MethodPost, "/api/ventes/sync", token, noKey); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without key, got %d", rec.Code)
	}

	unknown := syncBody("idem-unknown")
	unknown.Lines[0].ProductID = "prod-inconnu"
	if rec := srv.do(t, http.MethodPost, "/api/ventes/sync", token, unknown); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown product, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/ventes/sync", strings.NewReader(`{"idempotencyKey":"x","champInconnu":1}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestSweepAcceptsAdminOrCronSecret(t *testing.T) {
	srv := newTestAPI(t)

	cashier := srv.token(t, "user-caissier", domain.RoleCashier)
	if rec := srv.do(t, http.MethodDelete, "/api/ventes/sync", cashier, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}

	admin := srv.token(t, "user-admin", domain.RoleAdmin)
	rec := srv.do(t, http.MethodDelete, "/api/ventes/sync", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", rec.Code)
	}
	var swept domain.SweepResponse
	decodeBody(t, rec, &swept)
	if !swept.Success {
		t.Fatalf("unexpected sweep response %+v", swept)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/ventes/sync", nil)
	req.Header.Set("X-Cron-Secret", testCronSecret)
	cron := httptest.NewRecorder()
	srv.handler.ServeHTTP(cron, req)
	if cron.Code != http.StatusOK {
		t.Fatalf("expected 200 with cron secret, got %d", cron.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/ventes/sync", nil)
	req.Header.Set("X-Cron-Secret", "wrong")
	denied := httptest.NewRecorder()
	srv.handler.ServeHTTP(denied, req)
	if denied.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong cron secret, got %d", denied.Code)
	}
}

func TestSessionFlowOverHTTP(t *testing.T) {
	srv := newTestAPI(t)
	token := srv.token(t, "user-caissier", domain.RoleCashier)

	open := srv.do(t, http.MethodPost, "/api/sessions", token, domain.OpenSessionRequest{OpeningFloatCents: 50000})
	if open.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", open.Code, open.Body.String())
	}
	var opened struct {
		Data domain.SessionView `json:"data"`
	}
	decodeBody(t, open, &opened)
	sessionID := opened.Data.Session.ID
	if sessionID == "" || opened.Data.Status != domain.SessionStatusOpen {
		t.Fatalf("unexpected open response %+v", opened)
	}

	if again := srv.do(t, http.MethodPost, "/api/sessions", token, domain.OpenSessionRequest{}); again.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second open, got %d", again.Code)
	}

	body := syncBody("idem-session")
	body.CashSessionID = sessionID
	if rec := srv.do(t, http.MethodPost, "/api/ventes/sync", token, body); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	closeRec := srv.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/close", token, domain.CloseSessionRequest{CountedCashCents: 52360})
	if closeRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on close, got %d: %s", closeRec.Code, closeRec.Body.String())
	}
	var closed struct {
		Data domain.SessionView `json:"data"`
	}
	decodeBody(t, closeRec, &closed)
	if closed.Data.Status != domain.SessionStatusClosed || *closed.Data.Session.VarianceCents != 0 {
		t.Fatalf("unexpected close response %+v", closed.Data)
	}

	if rec := srv.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/close", token, domain.CloseSessionRequest{}); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second close, got %d", rec.Code)
	}

	late := syncBody("idem-late")
	late.CashSessionID = sessionID
	if rec := srv.do(t, http.MethodPost, "/api/ventes/sync", token, late); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for closed session, got %d", rec.Code)
	}

	active := srv.do(t, http.MethodGet, "/api/sessions/active", token, nil)
	var none struct {
		Data *domain.SessionView `json:"data"`
	}
	decodeBody(t, active, &none)
	if none.Data != nil {
		t.Fatalf("expected no active session, got %+v", none.Data)
	}
}

func TestCancelRequiresManagerPINForCashier(t *testing.T) {
	srv := newTestAPI(t)
	cashier := srv.token(t, "user-caissier", domain.RoleCashier)

	rec := srv.do(t, http.MethodPost, "/api/ventes/sync", cashier, syncBody("idem-cancel"))
	var created domain.SyncSaleResponse
	decodeBody(t, rec, &created)
	path := "/api/ventes/" + created.Data.ID + "/annuler"

	if res := srv.do(t, http.MethodPost, path, cashier, domain.CancelSaleRequest{Reason: "erreur"}); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without PIN, got %d", res.Code)
	}
	if res := srv.do(t, http.MethodPost, path, cashier, domain.CancelSaleRequest{Reason: "erreur", ManagerPIN: "000000"}); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong PIN, got %d", res.Code)
	}
	res := srv.do(t, http.MethodPost, path, cashier, domain.CancelSaleRequest{Reason: "erreur", ManagerPIN: "482913"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 with PIN, got %d: %s", res.Code, res.Body.String())
	}
	if got := *srv.repo.ProductStock("prod-cafe"); got != 50 {
		t.Fatalf("expected stock restored to 50, got %d", got)
	}
}

func TestManagerRoutesRejectCashier(t *testing.T) {
	srv := newTestAPI(t)
	cashier := srv.token(t, "user-caissier", domain.RoleCashier)
	manager := srv.token(t, "user-manager", domain.RoleManager)

	for _, path := range []string{"/api/rapports/journalier", "/api/audit-logs", "/api/stock/mouvements"} {
		if rec := srv.do(t, http.MethodGet, path, cashier, nil); rec.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403 for cashier, got %d", path, rec.Code)
		}
		if rec := srv.do(t, http.MethodGet, path, manager, nil); rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 for manager, got %d", path, rec.Code)
		}
	}

	if rec := srv.do(t, http.MethodGet, "/api/rapports/journalier?date=hier", manager, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed date, got %d", rec.Code)
	}
}

func TestDailyReportCSV(t *testing.T) {
	srv := newTestAPI(t)
	cashier := srv.token(t, "user-caissier", domain.RoleCashier)
	manager := srv.token(t, "user-manager", domain.RoleManager)

	if rec := srv.do(t, http.MethodPost, "/api/ventes/sync", cashier, syncBody("idem-csv")); rec.Code != http.StatusCreated {
		t.Fatalf("sync failed: %d", rec.Code)
	}

	rec := srv.do(t, http.MethodGet, "/api/rapports/journalier?format=csv", manager, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("expected csv content type, got %q", ct)
	}
	if body := rec.Body.String(); !strings.Contains(body, "resume,nombre_ventes,1") || !strings.Contains(body, "paiement,ESPECES_montant,2360") {
		t.Fatalf("unexpected csv body %q", body)
	}
}
