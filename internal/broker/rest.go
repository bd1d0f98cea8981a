// rest.go implements the Adapter contract over a venue's REST API.
//
// Every request is rate limited through a per-adapter token bucket, retried
// on 5xx by the underlying HTTP client, and authenticated with a bearer
// token resolved from the environment. Dry-run mode short-circuits mutating
// calls with synthetic acks so routing can be exercised without a live
// venue.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"tradedesk/internal/config"
	"tradedesk/pkg/types"
)

// RESTAdapter talks to an external venue over HTTP, with account updates
// arriving on a companion WebSocket feed.
type RESTAdapter struct {
	name   string
	http   *resty.Client
	rl     *TokenBucket
	feed   *updateFeed
	dryRun bool
	logger *slog.Logger
}

// venue wire shapes. Kept private; the adapter converts to pkg/types at the
// boundary.
type wireOrderAck struct {
	OrderID    string    `json:"order_id"`
	AcceptedAt time.Time `json:"accepted_at"`
	Duplicate  bool      `json:"duplicate"`
}

type wireReject struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireAccount struct {
	AccountID      string    `json:"account_id"`
	InitialBalance string    `json:"initial_balance"`
	CashBalance    string    `json:"cash_balance"`
	BuyingPower    string    `json:"buying_power"`
	DailyPnL       string    `json:"daily_pnl"`
	TotalPnL       string    `json:"total_pnl"`
	OpenPositions  int       `json:"open_positions"`
	Currency       string    `json:"currency"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type wirePosition struct {
	AccountID     string    `json:"account_id"`
	Symbol        string    `json:"symbol"`
	NetQty        int64     `json:"net_qty"`
	AvgCost       string    `json:"avg_cost"`
	RealizedPnL   string    `json:"realized_pnl"`
	UnrealizedPnL string    `json:"unrealized_pnl"`
	MarketPrice   string    `json:"market_price"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewRESTAdapter creates an adapter from its config block. The bearer token
// is read from the environment variable named by credentials_ref; dry-run
// adapters work without one.
func NewRESTAdapter(cfg config.AdapterConfig, logger *slog.Logger) (*RESTAdapter, error) {
	token := ""
	if cfg.CredentialsRef != "" {
		token = os.Getenv(cfg.CredentialsRef)
		if token == "" && !cfg.DryRun {
			return nil, fmt.Errorf("adapter %s: credential env %s is empty", cfg.Name, cfg.CredentialsRef)
		}
	}

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		httpClient.SetAuthToken(token)
	}

	a := &RESTAdapter{
		name:   cfg.Name,
		http:   httpClient,
		rl:     NewPerMinuteBucket(cfg.RateLimitPerMin),
		dryRun: cfg.DryRun,
		logger: logger.With("adapter", cfg.Name),
	}
	a.feed = newUpdateFeed(cfg.BaseURL, token, a.logger)
	return a, nil
}

// Name returns the configured adapter name.
func (a *RESTAdapter) Name() string { return a.name }

// PlaceOrder submits an order. The venue deduplicates on client_tag, so a
// retried placement after a timeout never double-submits.
func (a *RESTAdapter) PlaceOrder(ctx context.Context, spec types.OrderSpec) (OrderAck, error) {
	if a.dryRun {
		a.logger.Info("dry-run place",
			"account", spec.AccountID, "symbol", spec.Instrument.Symbol,
			"side", spec.Side, "qty", spec.Quantity)
		return OrderAck{BrokerRef: "dry-" + uuid.NewString(), AcceptedAt: time.Now().UTC()}, nil
	}

	if err := a.rl.Wait(ctx); err != nil {
		return OrderAck{}, err
	}

	var ack wireOrderAck
	var rej wireReject
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(spec).
		SetResult(&ack).
		SetError(&rej).
		Post("/orders")
	if err != nil {
		return OrderAck{}, fmt.Errorf("place order: %w", err)
	}
	if resp.IsError() {
		return OrderAck{}, a.classify(resp, rej)
	}
	return OrderAck{BrokerRef: ack.OrderID, AcceptedAt: ack.AcceptedAt, Duplicate: ack.Duplicate}, nil
}

// CancelOrder cancels by broker reference.
func (a *RESTAdapter) CancelOrder(ctx context.Context, brokerRef string) error {
	if a.dryRun {
		a.logger.Info("dry-run cancel", "ref", brokerRef)
		return nil
	}

	if err := a.rl.Wait(ctx); err != nil {
		return err
	}

	var rej wireReject
	resp, err := a.http.R().
		SetContext(ctx).
		SetError(&rej).
		Delete("/orders/" + brokerRef)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.IsError() {
		return a.classify(resp, rej)
	}
	return nil
}

// GetAccount fetches the venue's view of an account.
func (a *RESTAdapter) GetAccount(ctx context.Context, accountID string) (types.Account, error) {
	if err := a.rl.Wait(ctx); err != nil {
		return types.Account{}, err
	}

	var wire wireAccount
	var rej wireReject
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&wire).
		SetError(&rej).
		Get("/accounts/" + accountID)
	if err != nil {
		return types.Account{}, fmt.Errorf("get account: %w", err)
	}
	if resp.IsError() {
		return types.Account{}, a.classify(resp, rej)
	}
	return decodeAccount(wire)
}

// GetPositions fetches open positions for an account.
func (a *RESTAdapter) GetPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	if err := a.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var wire []wirePosition
	var rej wireReject
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&wire).
		SetError(&rej).
		Get("/accounts/" + accountID + "/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.IsError() {
		return nil, a.classify(resp, rej)
	}

	out := make([]types.Position, 0, len(wire))
	for _, w := range wire {
		p, err := decodePosition(w)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// StreamUpdates subscribes to the venue's account event feed.
func (a *RESTAdapter) StreamUpdates(ctx context.Context, accountID string) (<-chan Update, error) {
	if a.dryRun {
		// No feed in dry-run; return a channel that closes with the context.
		ch := make(chan Update)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}
	return a.feed.subscribe(ctx, accountID)
}

// classify converts an HTTP error response into a typed adapter error. A
// venue rejection with a recognizable code becomes a RejectError; anything
// else keeps its status for the Retryable classifier.
func (a *RESTAdapter) classify(resp *resty.Response, rej wireReject) error {
	if resp.StatusCode() == http.StatusUnprocessableEntity && rej.Code != "" {
		return &RejectError{Code: ReasonCode(rej.Code), Message: rej.Message}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return &RejectError{Code: ReasonNotFound, Message: rej.Message}
	}
	return &StatusError{Status: resp.StatusCode(), Body: resp.String()}
}
