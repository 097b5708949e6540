package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fintrack/internal/core"
	"fintrack/internal/log"
	"fintrack/internal/middleware/account"
	"fintrack/internal/middleware/auth"
	"fintrack/internal/services"
	"fintrack/internal/storage/memory"
)

const testSecret = "test-secret-with-at-least-32-bytes!!"

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

type testServer struct {
	srv   *Server
	auth  *auth.Authenticator
	store *memory.Store
}

func newTestServer(t *testing.T, rpm int, ready ReadyFunc) *testServer {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	seed := []struct {
		acct    core.Account
		members []string
	}{
		{core.Account{ID: "acc-alice", Type: core.PersonalAccount, OwnerUserID: "alice"}, nil},
		{core.Account{ID: "acc-home", Type: core.SharedAccount, OwnerUserID: "alice"}, []string{"bob"}},
	}
	for _, s := range seed {
		if err := store.SaveAccount(ctx, s.acct, s.members...); err != nil {
			t.Fatalf("seed account: %v", err)
		}
	}

	clock := func() time.Time { return testNow }
	authenticator := auth.NewAuthenticator(testSecret, "fintrack", auth.WithClock(clock))
	ledger := services.NewLedgerService(store, nil, services.WithClock(clock))

	srv := NewServer(":0", Deps{
		Ledger:            ledger,
		Auth:              authenticator,
		Accounts:          account.NewResolver(store, time.UTC, nil),
		Ready:             ready,
		RequestsPerMinute: rpm,
	})
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return &testServer{srv: srv, auth: authenticator, store: store}
}

// do sends a request as user in accountID. An empty user sends no token.
func (ts *testServer) do(t *testing.T, method, path, user, accountID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		token, err := ts.auth.Sign(user, time.Hour)
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if accountID != "" {
		req.Header.Set(account.AccountHeader, accountID)
	}
	rr := httptest.NewRecorder()
	ts.srv.Handler.ServeHTTP(rr, req)
	return rr
}

type txBody struct {
	ID              string `json:"id"`
	AccountID       string `json:"account_id"`
	CreatedByUserID string `json:"created_by_user_id"`
	Kind            string `json:"kind"`
	Label           string `json:"label"`
	Amount          int64  `json:"amount"`
	AmountDisplay   string `json:"amount_display"`
	Date            string `json:"date"`
	Tags            []string
	Recurrence      string `json:"recurrence"`
	Mutable         bool   `json:"mutable"`
}

type listBody struct {
	Transactions []txBody `json:"transactions"`
	Count        int      `json:"count"`
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status = %d, want %d; body %s", rr.Code, want, rr.Body.String())
	}
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, 1000, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := ts.do(t, http.MethodGet, path, "", "", "")
		expectStatus(t, rr, http.StatusOK)
	}

	down := newTestServer(t, 1000, func(context.Context) error { return errors.New("db closed") })
	rr := down.do(t, http.MethodGet, "/readyz", "", "", "")
	expectStatus(t, rr, http.StatusServiceUnavailable)
	if body := decode[ErrorBody](t, rr); body.Code != CodeUnavailable {
		t.Errorf("code = %q, want %q", body.Code, CodeUnavailable)
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	ts := newTestServer(t, 1000, nil)
	rr := ts.do(t, http.MethodGet, "/healthz", "", "", "")

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rr.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}
}

func TestAPIRequiresToken(t *testing.T) {
	ts := newTestServer(t, 1000, nil)

	rr := ts.do(t, http.MethodGet, "/api/transactions", "", "", "")
	expectStatus(t, rr, http.StatusUnauthorized)
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Error("WWW-Authenticate not set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/transactions", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr = httptest.NewRecorder()
	ts.srv.Handler.ServeHTTP(rr, req)
	expectStatus(t, rr, http.StatusUnauthorized)
}

func TestAccountResolution(t *testing.T) {
	ts := newTestServer(t, 1000, nil)

	expectStatus(t, ts.do(t, http.MethodGet, "/api/transactions", "carol", "acc-home", ""), http.StatusForbidden)
	expectStatus(t, ts.do(t, http.MethodGet, "/api/transactions", "alice", "acc-missing", ""), http.StatusNotFound)
	expectStatus(t, ts.do(t, http.MethodGet, "/api/transactions", "bob", "acc-home", ""), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodGet, "/api/transactions", "carol", "", ""), http.StatusOK)

	req := httptest.NewRequest(http.MethodGet, "/api/transactions", nil)
	token, _ := ts.auth.Sign("alice", time.Hour)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(account.TimezoneHeader, "Mars/Olympus")
	rr := httptest.NewRecorder()
	ts.srv.Handler.ServeHTTP(rr, req)
	expectStatus(t, rr, http.StatusUnprocessableEntity)
}

func TestTransactionLifecycle(t *testing.T) {
	ts := newTestServer(t, 1000, nil)

	rr := ts.do(t, http.MethodPost, "/api/transactions", "alice", "acc-alice",
		`{"kind":"expense","label":"Groceries","amount":"12,50","date":"2024-06-10","tags":["Food"," food "]}`)
	expectStatus(t, rr, http.StatusCreated)
	created := decode[listBody](t, rr)
	if created.Count != 1 {
		t.Fatalf("created %d records, want 1", created.Count)
	}
	tx := created.Transactions[0]
	if loc := rr.Header().Get("Location"); loc != "/api/transactions/"+tx.ID {
		t.Errorf("Location = %q", loc)
	}
	if tx.Amount != 1250 || tx.AmountDisplay != "12.50" || tx.Date != "2024-06-10" || !tx.Mutable {
		t.Errorf("unexpected record %+v", tx)
	}
	if tx.Recurrence != string(core.Once) || tx.AccountID != "acc-alice" {
		t.Errorf("unexpected record %+v", tx)
	}

	rr = ts.do(t, http.MethodGet, "/api/transactions/"+tx.ID, "alice", "acc-alice", "")
	expectStatus(t, rr, http.StatusOK)
	if got := decode[txBody](t, rr); got.Label != "Groceries" {
		t.Errorf("label = %q", got.Label)
	}

	rr = ts.do(t, http.MethodPatch, "/api/transactions/"+tx.ID, "alice", "acc-alice", `{"label":"Market","amount":900}`)
	expectStatus(t, rr, http.StatusOK)
	if got := decode[txBody](t, rr); got.Label != "Market" || got.Amount != 900 {
		t.Errorf("patched record %+v", got)
	}

	rr = ts.do(t, http.MethodGet, "/api/transactions?kind=expense", "alice", "acc-alice", "")
	expectStatus(t, rr, http.StatusOK)
	if got := decode[listBody](t, rr); got.Count != 1 {
		t.Errorf("list count = %d, want 1", got.Count)
	}

	expectStatus(t, ts.do(t, http.MethodDelete, "/api/transactions/"+tx.ID, "alice", "acc-alice", ""), http.StatusNoContent)
	expectStatus(t, ts.do(t, http.MethodGet, "/api/transactions/"+tx.ID, "alice", "acc-alice", ""), http.StatusNotFound)
}

func TestListMaterializesMonthlySeries(t *testing.T) {
	ts := newTestServer(t, 1000, nil)

	rr := ts.do(t, http.MethodPost, "/api/transactions", "alice", "acc-alice",
		`{"kind":"income","label":"Salary","amount":250000,"date":"2024-04-01","recurrence":"monthly"}`)
	expectStatus(t, rr, http.StatusCreated)

	rr = ts.do(t, http.MethodGet, "/api/transactions?kind=income", "alice", "acc-alice", "")
	expectStatus(t, rr, http.StatusOK)
	got := decode[listBody](t, rr)
	if got.Count != 3 {
		t.Fatalf("count = %d, want 3 (April to June)", got.Count)
	}
	if got.Transactions[0].Date != "2024-06-01" || got.Transactions[2].Date != "2024-04-01" {
		t.Errorf("unexpected order: %s .. %s", got.Transactions[0].Date, got.Transactions[2].Date)
	}

	rr = ts.do(t, http.MethodGet, "/api/summary?year=2024", "alice", "acc-alice", "")
	expectStatus(t, rr, http.StatusOK)
	summary := decode[core.YearSummary](t, rr)
	if summary.Income.Cents != 750000 || summary.Balance.Cents != 750000 {
		t.Errorf("summary income=%d balance=%d", summary.Income.Cents, summary.Balance.Cents)
	}
}

func TestSharedAccountPermissions(t *testing.T) {
	ts := newTestServer(t, 1000, nil)

	rr := ts.do(t, http.MethodPost, "/api/transactions", "alice", "acc-home",
		`{"kind":"expense","label":"Rent","amount":"800","date":"2024-06-01"}`)
	expectStatus(t, rr, http.StatusCreated)
	aliceTx := decode[listBody](t, rr).Transactions[0]

	rr = ts.do(t, http.MethodPost, "/api/transactions", "bob", "acc-home",
		`{"kind":"expense","label":"Pizza","amount":"20","date":"2024-06-02"}`)
	expectStatus(t, rr, http.StatusCreated)
	bobTx := decode[listBody](t, rr).Transactions[0]

	// bob sees alice's record but may not change it
	rr = ts.do(t, http.MethodGet, "/api/transactions/"+aliceTx.ID, "bob", "acc-home", "")
	expectStatus(t, rr, http.StatusOK)
	if decode[txBody](t, rr).Mutable {
		t.Error("alice's record should not be mutable for bob")
	}
	rr = ts.do(t, http.MethodPatch, "/api/transactions/"+aliceTx.ID, "bob", "acc-home", `{"label":"Mine"}`)
	expectStatus(t, rr, http.StatusForbidden)
	if body := decode[ErrorBody](t, rr); body.Code != CodeNotAllowed {
		t.Errorf("code = %q, want %q", body.Code, CodeNotAllowed)
	}

	// the account owner may change anything in it
	expectStatus(t, ts.do(t, http.MethodPatch, "/api/transactions/"+bobTx.ID, "alice", "acc-home", `{"label":"Pizza night"}`), http.StatusOK)

	// the shared record is invisible from alice's personal account
	rr = ts.do(t, http.MethodGet, "/api/transactions/"+aliceTx.ID, "alice", "acc-alice", "")
	expectStatus(t, rr, http.StatusForbidden)

	rr = ts.do(t, http.MethodGet, "/api/transactions?created_by=bob", "alice", "acc-home", "")
	expectStatus(t, rr, http.StatusOK)
	if got := decode[listBody](t, rr); got.Count != 1 || got.Transactions[0].Label != "Pizza night" {
		t.Errorf("created_by filter = %+v", got)
	}
}

func TestAPIErrors(t *testing.T) {
	ts := newTestServer(t, 1000, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		field  string
	}{
		{"malformed JSON", http.MethodPost, "/api/transactions", `{"kind":`, http.StatusBadRequest, ""},
		{"unknown field", http.MethodPost, "/api/transactions", `{"kind":"expense","colour":"red"}`, http.StatusBadRequest, ""},
		{"empty label", http.MethodPost, "/api/transactions", `{"kind":"expense","label":" ","amount":100,"date":"2024-06-01"}`, http.StatusUnprocessableEntity, "label"},
		{"bad date", http.MethodPost, "/api/transactions", `{"kind":"expense","label":"x","amount":100,"date":"June"}`, http.StatusUnprocessableEntity, "date"},
		{"end date on once", http.MethodPost, "/api/transactions", `{"kind":"expense","label":"x","amount":100,"date":"2024-06-01","end_date":"2024-12-01"}`, http.StatusUnprocessableEntity, "end_date"},
		{"range with start", http.MethodGet, "/api/transactions?range=3m&start=2024-01-01", "", http.StatusUnprocessableEntity, "range"},
		{"unknown range", http.MethodGet, "/api/transactions?range=2y", "", http.StatusUnprocessableEntity, "range"},
		{"summary without year", http.MethodGet, "/api/summary", "", http.StatusBadRequest, ""},
		{"missing record", http.MethodGet, "/api/transactions/nope", "", http.StatusNotFound, ""},
		{"delete missing record", http.MethodDelete, "/api/transactions/nope", "", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, tt.method, tt.path, "alice", "acc-alice", tt.body)
			expectStatus(t, rr, tt.status)
			body := decode[ErrorBody](t, rr)
			if body.Error == "" {
				t.Error("error message is empty")
			}
			if tt.field != "" && body.Field != tt.field {
				t.Errorf("field = %q, want %q", body.Field, tt.field)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, 2, nil)

	for i := 0; i < 2; i++ {
		expectStatus(t, ts.do(t, http.MethodGet, "/healthz", "", "", ""), http.StatusOK)
	}
	rr := ts.do(t, http.MethodGet, "/healthz", "", "", "")
	expectStatus(t, rr, http.StatusTooManyRequests)
	if body := decode[ErrorBody](t, rr); body.Code != CodeRateLimited {
		t.Errorf("code = %q, want %q", body.Code, CodeRateLimited)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("Retry-After not set")
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMutationsAreLoggedOnce(t *testing.T) {
	out := &lockedBuffer{}
	logger := log.New(log.Config{Handler: slog.NewTextHandler(out, nil)})

	store := memory.New()
	if err := store.SaveAccount(context.Background(), core.Account{ID: "acc-alice", Type: core.PersonalAccount, OwnerUserID: "alice"}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	clock := func() time.Time { return testNow }
	ts := &testServer{
		auth:  auth.NewAuthenticator(testSecret, "fintrack", auth.WithClock(clock)),
		store: store,
	}
	ts.srv = NewServer(":0", Deps{
		Ledger:            services.NewLedgerService(store, logger, services.WithClock(clock)),
		Auth:              ts.auth,
		Accounts:          account.NewResolver(store, time.UTC, logger),
		RequestsPerMinute: 1000,
		Logger:            logger,
	})
	t.Cleanup(func() { ts.srv.Shutdown(context.Background()) })

	rr := ts.do(t, http.MethodPost, "/api/transactions", "alice", "acc-alice",
		`{"kind":"expense","label":"Books","amount":1500,"date":"2024-06-01"}`)
	expectStatus(t, rr, http.StatusCreated)
	id := decode[listBody](t, rr).Transactions[0].ID
	expectStatus(t, ts.do(t, http.MethodPatch, "/api/transactions/"+id, "alice", "acc-alice", `{"label":"Novels"}`), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodDelete, "/api/transactions/"+id, "alice", "acc-alice", ""), http.StatusNoContent)

	logs := out.String()
	for _, msg := range []string{"Transaction created", "Transaction updated", "Transaction deleted"} {
		if n := strings.Count(logs, `msg="`+msg+`"`); n != 1 {
			t.Errorf("%q logged %d times, want 1", msg, n)
		}
	}
}
