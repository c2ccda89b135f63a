package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"autotrade-core/internal/api"
	"autotrade-core/internal/broker"
	"autotrade-core/internal/engine"
	"autotrade-core/internal/events"
	"autotrade-core/internal/market"
	"autotrade-core/internal/monitor"
	"autotrade-core/internal/notify"
	"autotrade-core/internal/orchestrator"
	"autotrade-core/internal/plan"
	"autotrade-core/internal/prediction"
	"autotrade-core/internal/session"
	"autotrade-core/pkg/cache"
	"autotrade-core/pkg/crypto"
	"autotrade-core/pkg/db"
)

// helper to create a test server wiring most components similar to main.go
func newMultiUserTestServer(t *testing.T) (*httptest.Server, *orchestrator.Orchestrator, *db.Database, func()) {
	t.Helper()

	// Setup in-memory DB
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	queries := database.Queries()

	ctx := context.Background()
	if err := plan.SyncToDB(ctx, queries, plan.Defaults()); err != nil {
		t.Fatalf("failed to seed plans: %v", err)
	}

	cal, err := market.NewCalendar(market.CalendarConfig{
		Venue:    "TEST",
		Timezone: "UTC",
		Open:     "00:00",
		Close:    "23:59",
		Weekdays: []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"},
	})
	if err != nil {
		t.Fatalf("failed to build calendar: %v", err)
	}

	// Events bus
	bus := events.NewBus()
	publisher := notify.NewPublisher(bus)
	sessions := session.NewManager(queries, publisher)

	paper := broker.NewPaper(broker.PaperConfig{InitialBalance: 100000})
	funds := broker.NewFundsService(paper, queries, time.Millisecond)
	predictor := &fixedPredictor{pred: prediction.Prediction{
		Confidence:     0.9,
		ExpectedReturn: 0.03,
		Price:          100,
	}}

	orch := orchestrator.New(queries, sessions, cal, predictor, paper, funds, publisher,
		cache.NewShardedQuoteCache(), monitor.NewSystemMetrics(), orchestrator.Config{
			WatchSymbols:    []string{"RELIANCE"},
			FillPollTimeout: 2 * time.Second,
			RetryBackoff:    []time.Duration{10 * time.Millisecond},
		})

	keyStr, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	enc, err := crypto.NewEncryptorFromBase64(keyStr)
	if err != nil {
		t.Fatalf("failed to init encryptor: %v", err)
	}

	engService := engine.NewImpl(queries, sessions, cal, engine.Config{
		BrokerMode:       "paper",
		UseMockPredictor: true,
		WatchSymbols:     []string{"RELIANCE"},
	})

	server := api.NewServer(bus, queries, engService, funds, monitor.NewSystemMetrics(), enc, "test-jwt-secret")
	httpServer := httptest.NewServer(server.Router)

	cleanup := func() {
		httpServer.Close()
		_ = database.Close()
	}
	return httpServer, orch, database, cleanup
}

// doRequest helps sending JSON HTTP requests and returning status + decoded body.
func doRequest(t *testing.T, client *http.Client, method, url, token string, body any, out any) int {
	t.Helper()

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		respBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("failed to read response body: %v", err)
		}
		if len(respBytes) > 0 {
			if err := json.Unmarshal(respBytes, out); err != nil {
				t.Fatalf("failed to unmarshal response: %v\nbody=%s", err, string(respBytes))
			}
		}
	}

	return resp.StatusCode
}

// TestMultiUserEndToEnd registers two users over HTTP and asserts that session
// state, trades, and balances stay isolated between them.
func TestMultiUserEndToEnd(t *testing.T) {
	srv, orch, database, cleanup := newMultiUserTestServer(t)
	defer cleanup()
	client := srv.Client()
	baseURL := srv.URL
	queries := database.Queries()
	ctx := context.Background()

	type registerResp struct {
		UserID string `json:"user_id"`
		PlanID string `json:"plan_id"`
	}
	type loginResp struct {
		Token string `json:"token"`
	}

	// 1) Register two users on the basic plan
	var regA, regB registerResp
	status := doRequest(t, client, http.MethodPost, baseURL+"/api/auth/register", "",
		map[string]string{
			"email":    "userA@example.com",
			"password": "PassA123!",
			"plan_id":  "basic",
		}, &regA)
	if status != http.StatusCreated || regA.UserID == "" {
		t.Fatalf("register userA failed, status=%d, resp=%+v", status, regA)
	}
	status = doRequest(t, client, http.MethodPost, baseURL+"/api/auth/register", "",
		map[string]string{
			"email":    "userB@example.com",
			"password": "PassB123!",
			"plan_id":  "basic",
		}, &regB)
	if status != http.StatusCreated || regB.UserID == "" {
		t.Fatalf("register userB failed, status=%d, resp=%+v", status, regB)
	}

	// 2) Login to get tokens
	var loginA, loginB loginResp
	status = doRequest(t, client, http.MethodPost, baseURL+"/api/auth/login", "",
		map[string]string{"email": "userA@example.com", "password": "PassA123!"}, &loginA)
	if status != http.StatusOK || loginA.Token == "" {
		t.Fatalf("login userA failed, status=%d", status)
	}
	status = doRequest(t, client, http.MethodPost, baseURL+"/api/auth/login", "",
		map[string]string{"email": "userB@example.com", "password": "PassB123!"}, &loginB)
	if status != http.StatusOK || loginB.Token == "" {
		t.Fatalf("login userB failed, status=%d", status)
	}

	// 3) Link brokers and enable both users
	for _, token := range []string{loginA.Token, loginB.Token} {
		status = doRequest(t, client, http.MethodPost, baseURL+"/api/broker/link", token,
			map[string]string{"broker_id": "paper", "api_key": "k", "api_secret": "s"}, nil)
		if status != http.StatusCreated {
			t.Fatalf("broker link failed, status=%d", status)
		}
		status = doRequest(t, client, http.MethodPost, baseURL+"/api/autotrading/enable", token,
			map[string]string{"mode": "conservative"}, nil)
		if status != http.StatusOK {
			t.Fatalf("enable failed, status=%d", status)
		}
	}

	// 4) Pause user A; user B must stay active
	status = doRequest(t, client, http.MethodPost, baseURL+"/api/autotrading/pause", loginA.Token,
		map[string]any{"duration_minutes": 30, "reason": "isolation test"}, nil)
	if status != http.StatusOK {
		t.Fatalf("pause userA failed, status=%d", status)
	}

	var statusB map[string]any
	doRequest(t, client, http.MethodGet, baseURL+"/api/autotrading/status", loginB.Token, nil, &statusB)
	if statusB["status"] != string(db.SessionActive) {
		t.Fatalf("userB status = %v, want active after userA pause", statusB["status"])
	}

	// 5) Tick both users: only B trades
	if err := orch.Tick(ctx, regA.UserID); err != nil {
		t.Fatalf("tick userA failed: %v", err)
	}
	if err := orch.Tick(ctx, regB.UserID); err != nil {
		t.Fatalf("tick userB failed: %v", err)
	}

	tradesA, _ := queries.ListTradesByUser(ctx, regA.UserID, db.TradeFilter{Limit: 10})
	tradesB, _ := queries.ListTradesByUser(ctx, regB.UserID, db.TradeFilter{Limit: 10})
	if len(tradesA) != 0 {
		t.Fatalf("paused userA traded: %d trades", len(tradesA))
	}
	if len(tradesB) != 1 {
		t.Fatalf("userB trades = %d, want 1", len(tradesB))
	}

	// 6) Emergency stop user B; user A's paused session is untouched
	status = doRequest(t, client, http.MethodPost, baseURL+"/api/autotrading/emergency-stop", loginB.Token,
		map[string]string{"reason": "isolation test"}, nil)
	if status != http.StatusOK {
		t.Fatalf("emergency stop userB failed, status=%d", status)
	}

	sessionA, err := queries.GetSession(ctx, regA.UserID)
	if err != nil {
		t.Fatalf("GetSession userA: %v", err)
	}
	if sessionA.Status != db.SessionPaused {
		t.Fatalf("userA session = %s, want still paused", sessionA.Status)
	}

	// 7) Trade history stays per-user over HTTP as well
	var listA map[string]any
	doRequest(t, client, http.MethodGet, baseURL+"/api/trades", loginA.Token, nil, &listA)
	if listA["count"] != float64(0) {
		t.Fatalf("userA sees %v trades over HTTP, want 0", listA["count"])
	}
}
