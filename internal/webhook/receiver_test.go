package webhook

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/config"
	"tradedesk/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestReceiver(opts ...Option) *Receiver {
	return New(config.WebhookConfig{
		Sources:     map[string]string{"tv": "topsecret"},
		RatePerMin:  600,
		DedupWindow: 24 * time.Hour,
		QueueSize:   16,
	}, discardLogger(), opts...)
}

func validBody() map[string]any {
	return map[string]any{
		"strategyId":   "s1",
		"accountGroup": "paper_sim",
		"symbol":       "ES",
		"side":         "buy",
		"quantity":     1,
		"orderType":    "market",
		"clientNonce":  "n1",
	}
}

func post(t *testing.T, r *Receiver, body map[string]any, sign func([]byte) string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook/tv", bytes.NewReader(raw))
	req.SetPathValue("source", "tv")
	req.Header.Set("Content-Type", "application/json")
	if sign != nil {
		req.Header.Set("X-Signature", sign(raw))
	}

	rec := httptest.NewRecorder()
	r.Handle(rec, req)
	return rec
}

func goodSign(raw []byte) string { return Sign("topsecret", raw) }

func TestAcceptedAlertIsNormalizedAndQueued(t *testing.T) {
	r := newTestReceiver()

	rec := post(t, r, validBody(), goodSign)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["id"])

	select {
	case alert := <-r.Alerts():
		assert.Equal(t, resp["id"], alert.ID)
		assert.Equal(t, "tv", alert.Source)
		assert.Equal(t, "s1", alert.StrategyID)
		assert.Equal(t, types.SideBuy, alert.Side)
		assert.Equal(t, types.TIFDay, alert.TimeInForce, "time in force defaults to day")
		assert.False(t, alert.ReceivedAt.IsZero())
	default:
		t.Fatal("expected an alert on the queue")
	}
}

func TestBadSignatureRejectedWithoutStateChange(t *testing.T) {
	r := newTestReceiver()

	rec := post(t, r, validBody(), func([]byte) string { return Sign("wrong", []byte("x")) })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, r.Alerts(), "nothing may be enqueued")

	// The nonce was not consumed: the genuine request still goes through.
	rec = post(t, r, validBody(), goodSign)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMissingSignatureRejected(t *testing.T) {
	r := newTestReceiver()
	rec := post(t, r, validBody(), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownSourceRejected(t *testing.T) {
	r := newTestReceiver()
	raw, _ := json.Marshal(validBody())
	req := httptest.NewRequest(http.MethodPost, "/webhook/ghost", bytes.NewReader(raw))
	req.SetPathValue("source", "ghost")
	rec := httptest.NewRecorder()
	r.Handle(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDuplicateNonceReturnsOriginalID(t *testing.T) {
	r := newTestReceiver()

	first := post(t, r, validBody(), goodSign)
	require.Equal(t, http.StatusAccepted, first.Code)
	var firstResp map[string]string
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))

	second := post(t, r, validBody(), goodSign)
	require.Equal(t, http.StatusOK, second.Code)
	var secondResp map[string]string
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))
	assert.Equal(t, "duplicate", secondResp["status"])
	assert.Equal(t, firstResp["id"], secondResp["id"])

	assert.Len(t, r.queue, 1, "the duplicate must not enqueue")
}

func TestNonceExpiresAfterWindow(t *testing.T) {
	clock := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	r := newTestReceiver(WithClock(func() time.Time { return clock }))

	require.Equal(t, http.StatusAccepted, post(t, r, validBody(), goodSign).Code)

	clock = clock.Add(25 * time.Hour)
	assert.Equal(t, http.StatusAccepted, post(t, r, validBody(), goodSign).Code,
		"nonce outside the window is fresh again")
}

func TestSchemaValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing strategy", func(b map[string]any) { delete(b, "strategyId") }},
		{"missing group", func(b map[string]any) { delete(b, "accountGroup") }},
		{"missing symbol", func(b map[string]any) { delete(b, "symbol") }},
		{"missing nonce", func(b map[string]any) { delete(b, "clientNonce") }},
		{"zero quantity", func(b map[string]any) { b["quantity"] = 0 }},
		{"negative quantity", func(b map[string]any) { b["quantity"] = -2 }},
		{"bad side", func(b map[string]any) { b["side"] = "hold" }},
		{"bad order type", func(b map[string]any) { b["orderType"] = "trailing" }},
		{"limit without price", func(b map[string]any) { b["orderType"] = "limit" }},
		{"stop without stop price", func(b map[string]any) { b["orderType"] = "stop" }},
		{"bad tif", func(b map[string]any) { b["timeInForce"] = "forever" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestReceiver()
			body := validBody()
			tc.mutate(body)
			rec := post(t, r, body, goodSign)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, r.queue)
		})
	}
}

func TestMalformedJSONRejected(t *testing.T) {
	r := newTestReceiver()
	raw := []byte("{not json")
	req := httptest.NewRequest(http.MethodPost, "/webhook/tv", bytes.NewReader(raw))
	req.SetPathValue("source", "tv")
	req.Header.Set("X-Signature", Sign("topsecret", raw))
	rec := httptest.NewRecorder()
	r.Handle(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitReturns429(t *testing.T) {
	r := New(config.WebhookConfig{
		Sources:     map[string]string{"tv": "topsecret"},
		RatePerMin:  60, // burst of one
		DedupWindow: time.Hour,
		QueueSize:   16,
	}, discardLogger())

	body := validBody()
	require.Equal(t, http.StatusAccepted, post(t, r, body, goodSign).Code)

	body["clientNonce"] = "n2"
	assert.Equal(t, http.StatusTooManyRequests, post(t, r, body, goodSign).Code)
}

func TestQueueFullSheds(t *testing.T) {
	r := New(config.WebhookConfig{
		Sources:     map[string]string{"tv": "topsecret"},
		RatePerMin:  600,
		DedupWindow: time.Hour,
		QueueSize:   1,
	}, discardLogger())

	body := validBody()
	require.Equal(t, http.StatusAccepted, post(t, r, body, goodSign).Code)

	body["clientNonce"] = "n2"
	assert.Equal(t, http.StatusServiceUnavailable, post(t, r, body, goodSign).Code)
}

func TestLimitOrderCarriesPrice(t *testing.T) {
	r := newTestReceiver()
	body := validBody()
	body["orderType"] = "limit"
	body["price"] = 4990.25
	body["timeInForce"] = "gtc"

	require.Equal(t, http.StatusAccepted, post(t, r, body, goodSign).Code)
	alert := <-r.Alerts()
	require.NotNil(t, alert.Price)
	assert.Equal(t, "4990.25", alert.Price.String())
	assert.Equal(t, types.TIFGTC, alert.TimeInForce)
}
