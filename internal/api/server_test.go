package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/config"
	"tradedesk/internal/hub"
	"tradedesk/internal/rules"
	"tradedesk/internal/sim"
	"tradedesk/internal/tracker"
	"tradedesk/internal/webhook"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := discardLogger()

	receiver := webhook.New(config.WebhookConfig{
		Sources:     map[string]string{"tv": "topsecret"},
		RatePerMin:  600,
		DedupWindow: time.Hour,
		QueueSize:   16,
	}, logger)

	engine := sim.New(config.SimulatorConfig{
		InitialBalance:        300000,
		BuyingPowerMultiplier: 4,
		TickInterval:          time.Second,
		Accounts:              []string{"paper_sim"},
	}, logger)

	tr := tracker.New([]config.StrategyConfig{{
		ID: "s1", Name: "breakout", Mode: "live", MinWinRate: 0.5, EvaluationPeriod: 20,
	}}, logger)

	re, err := rules.NewEngine(config.RulesConfig{
		RiskPct:          0.01,
		RolloverTimezone: "UTC",
		Accounts: []config.FundedAccountConfig{{
			AccountID:    "funded-1",
			MaxDailyLoss: 1000,
			MaxContracts: 3,
		}},
	}, logger)
	require.NoError(t, err)

	h := hub.New(time.Second, 64, logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	return NewServer(":0", receiver, h, engine, re, tr, []string{"funded-1"}, logger)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSnapshotBundlesState(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))

	require.Len(t, snap.Accounts, 1)
	assert.Equal(t, "paper_sim", snap.Accounts[0].Account.ID)
	require.Len(t, snap.Strategies, 1)
	assert.Equal(t, "s1", snap.Strategies[0].ID)
	require.Len(t, snap.Rules, 1)
	assert.Equal(t, "funded-1", snap.Rules[0].AccountID)
}

func TestWebhookRouteWired(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"strategyId":"s1","accountGroup":"paper_sim","symbol":"ES","side":"buy","quantity":1,"orderType":"market","clientNonce":"n1"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook/tv", strings.NewReader(string(body)))
	req.Header.Set("X-Signature", webhook.Sign("topsecret", body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/tv", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStreamRouteUpgrades(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "session")
}
