// Package webhook receives signed alert posts from external charting
// platforms and turns them into normalized Alerts on a bounded queue.
//
// The receiver is a producer only: every request is answered immediately
// from local state (signature check, rate limit, schema validation, nonce
// dedup) and never waits on downstream execution.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradedesk/internal/broker"
	"tradedesk/internal/config"
	"tradedesk/pkg/types"
)

const maxBodyBytes = 64 << 10

// alertBody is the inbound wire schema.
type alertBody struct {
	StrategyID   string   `json:"strategyId"`
	AccountGroup string   `json:"accountGroup"`
	Symbol       string   `json:"symbol"`
	Side         string   `json:"side"`
	Quantity     int64    `json:"quantity"`
	OrderType    string   `json:"orderType"`
	Price        *float64 `json:"price"`
	StopPrice    *float64 `json:"stopPrice"`
	TimeInForce  string   `json:"timeInForce"`
	ClientNonce  string   `json:"clientNonce"`
}

// Receiver handles POST /webhook/{source}.
type Receiver struct {
	secrets map[string]string
	buckets map[string]*broker.TokenBucket
	window  time.Duration
	queue   chan types.Alert
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]seenAlert // "source|nonce" -> first accepted alert
}

type seenAlert struct {
	id string
	at time.Time
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithClock overrides the receiver clock (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Receiver) { r.now = now }
}

// New builds a receiver from config. One token bucket per source.
func New(cfg config.WebhookConfig, logger *slog.Logger, opts ...Option) *Receiver {
	r := &Receiver{
		secrets: cfg.Sources,
		buckets: make(map[string]*broker.TokenBucket, len(cfg.Sources)),
		window:  cfg.DedupWindow,
		queue:   make(chan types.Alert, cfg.QueueSize),
		logger:  logger.With("component", "webhook"),
		now:     time.Now,
		seen:    make(map[string]seenAlert),
	}
	for _, opt := range opts {
		opt(r)
	}
	for source := range cfg.Sources {
		r.buckets[source] = broker.NewPerMinuteBucket(cfg.RatePerMin)
	}
	return r
}

// Alerts is the normalized alert queue the coordinator consumes.
func (r *Receiver) Alerts() <-chan types.Alert { return r.queue }

// Handle serves POST /webhook/{source}.
func (r *Receiver) Handle(w http.ResponseWriter, req *http.Request) {
	source := req.PathValue("source")
	secret, known := r.secrets[source]
	if !known {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unknown source"})
		return
	}

	// Signature runs over the raw body, before any parsing.
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	if !verifySignature(secret, body, req.Header.Get("X-Signature")) {
		r.logger.Warn("signature mismatch", "source", source)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad signature"})
		return
	}

	if !r.buckets[source].Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}

	var in alertBody
	if err := json.Unmarshal(body, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed json"})
		return
	}
	alert, err := r.normalize(source, in)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if firstID, dup := r.checkNonce(source, in.ClientNonce, alert.ID); dup {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "id": firstID})
		return
	}

	select {
	case r.queue <- alert:
	default:
		// Consumer is wedged; shedding beats blocking the webhook.
		r.logger.Error("alert queue full, shedding", "source", source, "alert", alert.ID)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue full"})
		return
	}

	r.logger.Info("alert accepted",
		"source", source,
		"alert", alert.ID,
		"strategy", alert.StrategyID,
		"symbol", alert.Symbol,
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": alert.ID})
}

// verifySignature compares the hex HMAC-SHA256 of the body in constant time.
func verifySignature(secret string, body []byte, header string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := mac.Sum(nil)

	got, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

// Sign computes the signature header value for a body. Exported for clients
// and tests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// normalize validates the schema and produces the server-side Alert.
func (r *Receiver) normalize(source string, in alertBody) (types.Alert, error) {
	switch {
	case in.StrategyID == "":
		return types.Alert{}, fmt.Errorf("strategyId is required")
	case in.AccountGroup == "":
		return types.Alert{}, fmt.Errorf("accountGroup is required")
	case in.Symbol == "":
		return types.Alert{}, fmt.Errorf("symbol is required")
	case in.ClientNonce == "":
		return types.Alert{}, fmt.Errorf("clientNonce is required")
	case in.Quantity <= 0:
		return types.Alert{}, fmt.Errorf("quantity must be a positive integer")
	}

	side := types.Side(in.Side)
	if !side.Valid() {
		return types.Alert{}, fmt.Errorf("side %q is not buy, sell, or close", in.Side)
	}
	orderType := types.OrderType(in.OrderType)
	if !orderType.Valid() {
		return types.Alert{}, fmt.Errorf("orderType %q is not recognized", in.OrderType)
	}
	if orderType.NeedsPrice() && in.Price == nil {
		return types.Alert{}, fmt.Errorf("orderType %s requires price", orderType)
	}
	if orderType.NeedsStopPrice() && in.StopPrice == nil {
		return types.Alert{}, fmt.Errorf("orderType %s requires stopPrice", orderType)
	}

	tif := types.TimeInForce(in.TimeInForce)
	if in.TimeInForce == "" {
		tif = types.TIFDay
	} else if tif != types.TIFDay && tif != types.TIFGTC && tif != types.TIFIOC && tif != types.TIFFOK {
		return types.Alert{}, fmt.Errorf("timeInForce %q is not recognized", in.TimeInForce)
	}

	alert := types.Alert{
		ID:           uuid.NewString(),
		Source:       source,
		ReceivedAt:   r.now().UTC(),
		StrategyID:   in.StrategyID,
		AccountGroup: in.AccountGroup,
		Symbol:       in.Symbol,
		Side:         side,
		Quantity:     in.Quantity,
		OrderType:    orderType,
		TimeInForce:  tif,
		ClientNonce:  in.ClientNonce,
	}
	if in.Price != nil {
		p := decimal.NewFromFloat(*in.Price)
		alert.Price = &p
	}
	if in.StopPrice != nil {
		p := decimal.NewFromFloat(*in.StopPrice)
		alert.StopPrice = &p
	}
	return alert, nil
}

// checkNonce registers (source, nonce) in the sliding window, returning the
// first accepted alert's id when this is a replay.
func (r *Receiver) checkNonce(source, nonce, alertID string) (string, bool) {
	key := source + "|" + nonce
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.seen[key]; ok && now.Sub(prev.at) < r.window {
		return prev.id, true
	}
	r.seen[key] = seenAlert{id: alertID, at: now}

	// Opportunistic prune keeps the table bounded without a sweeper task.
	if len(r.seen) > 4096 {
		for k, v := range r.seen {
			if now.Sub(v.at) >= r.window {
				delete(r.seen, k)
			}
		}
	}
	return alertID, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
