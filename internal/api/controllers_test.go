package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"autotrade-core/internal/broker"
	"autotrade-core/internal/engine"
	"autotrade-core/internal/events"
	"autotrade-core/internal/market"
	"autotrade-core/internal/monitor"
	"autotrade-core/internal/notify"
	"autotrade-core/internal/plan"
	"autotrade-core/internal/session"
	"autotrade-core/pkg/crypto"
	"autotrade-core/pkg/db"
)

const testJWTSecret = "test-secret"

// Each harness gets its own client address so the per-IP rate limiter does
// not bleed between tests.
var harnessSeq atomic.Int32

type apiHarness struct {
	server   *Server
	queries  *db.UserQueries
	sessions *session.Manager
	paper    *broker.Paper
	addr     string
}

func newTestServer(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	queries := database.Queries()

	ctx := context.Background()
	if err := plan.SyncToDB(ctx, queries, plan.Defaults()); err != nil {
		t.Fatalf("SyncToDB: %v", err)
	}

	cal, err := market.NewCalendar(market.CalendarConfig{
		Venue:    "TEST",
		Timezone: "UTC",
		Open:     "00:00",
		Close:    "23:59",
		Weekdays: []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"},
	})
	if err != nil {
		t.Fatalf("NewCalendar: %v", err)
	}

	bus := events.NewBus()
	publisher := notify.NewPublisher(bus)
	sessions := session.NewManager(queries, publisher)

	paper := broker.NewPaper(broker.PaperConfig{InitialBalance: 100000})
	funds := broker.NewFundsService(paper, queries, time.Millisecond)

	key := bytes.Repeat([]byte{0x42}, crypto.KeySize)
	enc, err := crypto.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	svc := engine.NewImpl(queries, sessions, cal, engine.Config{
		BrokerMode:       "paper",
		UseMockPredictor: true,
		WatchSymbols:     []string{"RELIANCE"},
	})

	server := NewServer(bus, queries, svc, funds, monitor.NewSystemMetrics(), enc, testJWTSecret)
	addr := fmt.Sprintf("10.9.%d.1:52000", harnessSeq.Add(1))
	return &apiHarness{server: server, queries: queries, sessions: sessions, paper: paper, addr: addr}
}

func (h *apiHarness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = h.addr
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.server.Router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

// registerAndLogin creates a user on the given plan and returns a bearer token.
func (h *apiHarness) registerAndLogin(t *testing.T, email, planID string) string {
	t.Helper()
	w := h.do(t, http.MethodPost, "/api/auth/register", "", map[string]any{
		"email":    email,
		"password": "s3cret-pass",
		"plan_id":  planID,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register = %d: %s", w.Code, w.Body.String())
	}

	w = h.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email":    email,
		"password": "s3cret-pass",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", w.Code, w.Body.String())
	}
	token, _ := decodeBody(t, w)["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}
	return token
}

func TestRegisterAndLogin(t *testing.T) {
	h := newTestServer(t)

	t.Run("RegisterDefaultsToFreePlan", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/api/auth/register", "", map[string]any{
			"email":    "alice@example.com",
			"password": "s3cret-pass",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("status = %d: %s", w.Code, w.Body.String())
		}
		if got := decodeBody(t, w)["plan_id"]; got != "free" {
			t.Fatalf("plan_id = %v, want free", got)
		}
	})

	t.Run("DuplicateEmailRejected", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/api/auth/register", "", map[string]any{
			"email":    "alice@example.com",
			"password": "another-pass",
		})
		if w.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", w.Code)
		}
	})

	t.Run("InvalidEmailRejected", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/api/auth/register", "", map[string]any{
			"email":    "not-an-email",
			"password": "s3cret-pass",
		})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
	})

	t.Run("UnknownPlanRejected", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/api/auth/register", "", map[string]any{
			"email":    "bob@example.com",
			"password": "s3cret-pass",
			"plan_id":  "platinum",
		})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
	})

	t.Run("WrongPasswordRejected", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
			"email":    "alice@example.com",
			"password": "wrong",
		})
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
	})

	t.Run("LoginIssuesUsableToken", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
			"email":    "alice@example.com",
			"password": "s3cret-pass",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", w.Code, w.Body.String())
		}
		token := decodeBody(t, w)["token"].(string)
		w = h.do(t, http.MethodGet, "/api/autotrading/status", token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status with token = %d: %s", w.Code, w.Body.String())
		}
	})
}

func TestAuthRequired(t *testing.T) {
	h := newTestServer(t)

	t.Run("MissingToken", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/api/autotrading/status", "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
		if got := decodeBody(t, w)["code"]; got != "MISSING_TOKEN" {
			t.Fatalf("code = %v", got)
		}
	})

	t.Run("GarbageToken", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/api/autotrading/status", "not.a.jwt", nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
	})
}

func TestEnableDisableFlow(t *testing.T) {
	h := newTestServer(t)
	token := h.registerAndLogin(t, "trader@example.com", "basic")

	t.Run("FreePlanForbidden", func(t *testing.T) {
		freeToken := h.registerAndLogin(t, "freeloader@example.com", "free")
		w := h.do(t, http.MethodPost, "/api/autotrading/enable", freeToken, map[string]any{"mode": "conservative"})
		if w.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403: %s", w.Code, w.Body.String())
		}
		if got := decodeBody(t, w)["code"]; got != "PLAN_NOT_ELIGIBLE" {
			t.Fatalf("code = %v", got)
		}
	})

	t.Run("ModeOutsidePlanForbidden", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/api/autotrading/enable", token, map[string]any{"mode": "aggressive"})
		if w.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403: %s", w.Code, w.Body.String())
		}
	})

	t.Run("UnknownModeRejectedByBinding", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/api/autotrading/enable", token, map[string]any{"mode": "yolo"})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
	})

	t.Run("EnableActivates", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/api/autotrading/enable", token, map[string]any{"mode": "moderate"})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", w.Code, w.Body.String())
		}

		w = h.do(t, http.MethodGet, "/api/autotrading/status", token, nil)
		body := decodeBody(t, w)
		if body["status"] != string(db.SessionActive) || body["mode"] != "moderate" {
			t.Fatalf("status body = %v", body)
		}
	})

	t.Run("DoubleEnableConflicts", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/api/autotrading/enable", token, map[string]any{"mode": "moderate"})
		if w.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", w.Code)
		}
	})

	t.Run("DisableThenDoubleDisable", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/api/autotrading/disable", token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("disable = %d: %s", w.Code, w.Body.String())
		}
		w = h.do(t, http.MethodPost, "/api/autotrading/disable", token, nil)
		if w.Code != http.StatusConflict {
			t.Fatalf("second disable = %d, want 409", w.Code)
		}
	})
}

func TestPauseResumeEndpoints(t *testing.T) {
	h := newTestServer(t)
	token := h.registerAndLogin(t, "trader@example.com", "basic")
	enable := func() {
		w := h.do(t, http.MethodPost, "/api/autotrading/enable", token, map[string]any{"mode": "conservative"})
		if w.Code != http.StatusOK {
			t.Fatalf("enable = %d: %s", w.Code, w.Body.String())
		}
	}
	enable()

	t.Run("DurationOutOfRange", func(t *testing.T) {
		for _, minutes := range []int{0, 1441} {
			w := h.do(t, http.MethodPost, "/api/autotrading/pause", token, map[string]any{"duration_minutes": minutes})
			if w.Code != http.StatusBadRequest {
				t.Fatalf("pause %d minutes = %d, want 400", minutes, w.Code)
			}
		}
	})

	t.Run("ResumeWithoutPauseConflicts", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/api/autotrading/resume", token, nil)
		if w.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", w.Code)
		}
	})

	t.Run("PauseThenResume", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/api/autotrading/pause", token, map[string]any{
			"duration_minutes": 30,
			"reason":           "lunch",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("pause = %d: %s", w.Code, w.Body.String())
		}

		w = h.do(t, http.MethodGet, "/api/autotrading/status", token, nil)
		if got := decodeBody(t, w)["status"]; got != string(db.SessionPaused) {
			t.Fatalf("status = %v, want paused", got)
		}

		w = h.do(t, http.MethodPost, "/api/autotrading/resume", token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("resume = %d: %s", w.Code, w.Body.String())
		}
	})
}

func TestEmergencyStopEndpoint(t *testing.T) {
	h := newTestServer(t)
	token := h.registerAndLogin(t, "trader@example.com", "basic")
	w := h.do(t, http.MethodPost, "/api/autotrading/enable", token, map[string]any{"mode": "conservative"})
	if w.Code != http.StatusOK {
		t.Fatalf("enable = %d: %s", w.Code, w.Body.String())
	}

	t.Run("BareRequestStops", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/api/autotrading/emergency-stop", token, map[string]any{})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
		}
		w = h.do(t, http.MethodGet, "/api/autotrading/status", token, nil)
		body := decodeBody(t, w)
		if body["status"] != string(db.SessionEmergencyStopped) {
			t.Fatalf("status = %v, want emergency_stopped", body["status"])
		}
		if body["last_reason"] != "manual_stop" {
			t.Fatalf("last_reason = %v, want manual_stop", body["last_reason"])
		}
	})

	t.Run("StopsSessionWithReason", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/api/autotrading/enable", token, map[string]any{"mode": "conservative"})
		if w.Code != http.StatusOK {
			t.Fatalf("re-enable = %d: %s", w.Code, w.Body.String())
		}
		w = h.do(t, http.MethodPost, "/api/autotrading/emergency-stop", token, map[string]any{"reason": "fat finger"})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", w.Code, w.Body.String())
		}
		w = h.do(t, http.MethodGet, "/api/autotrading/status", token, nil)
		if got := decodeBody(t, w)["status"]; got != string(db.SessionEmergencyStopped) {
			t.Fatalf("status = %v, want emergency_stopped", got)
		}
	})

	t.Run("SecondStopStillOK", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/api/autotrading/emergency-stop", token, map[string]any{"reason": "again"})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", w.Code, w.Body.String())
		}
	})
}

func TestUpdateSettings(t *testing.T) {
	h := newTestServer(t)
	token := h.registerAndLogin(t, "trader@example.com", "basic")

	t.Run("ModeOutsidePlanForbidden", func(t *testing.T) {
		w := h.do(t, http.MethodPut, "/api/autotrading/settings", token, map[string]any{"mode": "aggressive"})
		if w.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403: %s", w.Code, w.Body.String())
		}
	})

	t.Run("AllowedModePersists", func(t *testing.T) {
		w := h.do(t, http.MethodPut, "/api/autotrading/settings", token, map[string]any{"mode": "moderate"})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", w.Code, w.Body.String())
		}
		w = h.do(t, http.MethodGet, "/api/autotrading/status", token, nil)
		if got := decodeBody(t, w)["mode"]; got != "moderate" {
			t.Fatalf("mode = %v, want moderate", got)
		}
	})

	t.Run("EnableViaSettings", func(t *testing.T) {
		w := h.do(t, http.MethodPut, "/api/autotrading/settings", token, map[string]any{
			"enabled": true,
			"mode":    "conservative",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", w.Code, w.Body.String())
		}
		w = h.do(t, http.MethodGet, "/api/autotrading/status", token, nil)
		body := decodeBody(t, w)
		if body["status"] != string(db.SessionActive) {
			t.Fatalf("status = %v, want active", body["status"])
		}
		if body["mode"] != "conservative" {
			t.Fatalf("mode = %v, want conservative", body["mode"])
		}
	})

	t.Run("EnabledTrueWhileActiveChangesMode", func(t *testing.T) {
		w := h.do(t, http.MethodPut, "/api/autotrading/settings", token, map[string]any{
			"enabled": true,
			"mode":    "moderate",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", w.Code, w.Body.String())
		}
		w = h.do(t, http.MethodGet, "/api/autotrading/status", token, nil)
		body := decodeBody(t, w)
		if body["status"] != string(db.SessionActive) {
			t.Fatalf("status = %v, want active", body["status"])
		}
		if body["mode"] != "moderate" {
			t.Fatalf("mode = %v, want moderate", body["mode"])
		}
	})

	t.Run("DisableViaSettings", func(t *testing.T) {
		payload := map[string]any{"enabled": false, "mode": "moderate"}
		w := h.do(t, http.MethodPut, "/api/autotrading/settings", token, payload)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", w.Code, w.Body.String())
		}
		w = h.do(t, http.MethodGet, "/api/autotrading/status", token, nil)
		body := decodeBody(t, w)
		if body["status"] != string(db.SessionDisabled) {
			t.Fatalf("status = %v, want disabled", body["status"])
		}
		if body["enabled"] != false {
			t.Fatalf("enabled = %v, want false", body["enabled"])
		}

		// The write is declarative: repeating it is not a conflict.
		w = h.do(t, http.MethodPut, "/api/autotrading/settings", token, payload)
		if w.Code != http.StatusOK {
			t.Fatalf("repeat disable via settings = %d, want 200: %s", w.Code, w.Body.String())
		}
	})
}

func TestListTradesEndpoint(t *testing.T) {
	h := newTestServer(t)
	token := h.registerAndLogin(t, "trader@example.com", "basic")

	// Seed a couple of settled trades directly.
	ctx := context.Background()
	w := h.do(t, http.MethodGet, "/api/autotrading/status", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	user, err := h.queries.GetUserByEmail(ctx, "trader@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	for i, symbol := range []string{"RELIANCE", "TCS"} {
		trade := db.AutoTrade{
			ID:             fmt.Sprintf("t-%d", i),
			UserID:         user.ID,
			Symbol:         symbol,
			Side:           "BUY",
			Qty:            10,
			RequestedPrice: 100,
			Confidence:     0.9,
			ExpectedReturn: 0.03,
			CreatedAt:      time.Now().UTC(),
		}
		if err := h.queries.InsertPendingTrade(ctx, trade); err != nil {
			t.Fatalf("InsertPendingTrade: %v", err)
		}
	}
	if err := h.queries.MarkTradeFailed(ctx, user.ID, "t-1", "rejected by broker"); err != nil {
		t.Fatalf("MarkTradeFailed: %v", err)
	}

	t.Run("ListAll", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/api/trades", token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", w.Code, w.Body.String())
		}
		if got := decodeBody(t, w)["count"]; got != float64(2) {
			t.Fatalf("count = %v, want 2", got)
		}
	})

	t.Run("FilterByStatus", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/api/trades?status=failed", token, nil)
		if got := decodeBody(t, w)["count"]; got != float64(1) {
			t.Fatalf("count = %v, want 1", got)
		}
	})

	t.Run("StatusFilterAlias", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/api/trades?status_filter=failed", token, nil)
		if got := decodeBody(t, w)["count"]; got != float64(1) {
			t.Fatalf("count = %v, want 1", got)
		}
	})

	t.Run("BadDateRejected", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/api/trades?start_date=yesterday", token, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
	})
}

func TestBalanceAndBrokerLink(t *testing.T) {
	h := newTestServer(t)
	token := h.registerAndLogin(t, "trader@example.com", "basic")

	t.Run("BalanceWithoutLinkUnavailable", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/api/balance", token, nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503: %s", w.Code, w.Body.String())
		}
	})

	t.Run("LinkBrokerThenBalance", func(t *testing.T) {
		w := h.do(t, http.MethodPost, "/api/broker/link", token, map[string]any{
			"broker_id":  "paper",
			"api_key":    "key-123",
			"api_secret": "secret-456",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("link = %d: %s", w.Code, w.Body.String())
		}

		w = h.do(t, http.MethodGet, "/api/balance", token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("balance = %d: %s", w.Code, w.Body.String())
		}
		if got := decodeBody(t, w)["available"]; got != float64(100000) {
			t.Fatalf("available = %v, want 100000", got)
		}
	})

	t.Run("CredentialsStoredEncrypted", func(t *testing.T) {
		user, err := h.queries.GetUserByEmail(context.Background(), "trader@example.com")
		if err != nil {
			t.Fatalf("GetUserByEmail: %v", err)
		}
		link, err := h.queries.GetPrimaryBrokerLink(context.Background(), user.ID)
		if err != nil {
			t.Fatalf("GetPrimaryBrokerLink: %v", err)
		}
		if !crypto.IsEncrypted(link.APIKeyEncrypted) || !crypto.IsEncrypted(link.APISecretEncrypted) {
			t.Fatalf("credentials stored in the clear: %+v", link)
		}
	})
}

func TestPublicEndpoints(t *testing.T) {
	h := newTestServer(t)

	t.Run("Health", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/health", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
	})

	t.Run("MarketStatus", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/api/market-status", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["venue"] != "TEST" {
			t.Fatalf("venue = %v", body["venue"])
		}
	})

	t.Run("SystemStatus", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/api/system/status", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if got := decodeBody(t, w)["broker_mode"]; got != "paper" {
			t.Fatalf("broker_mode = %v", got)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/api/metrics", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
	})
}
