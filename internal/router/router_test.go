package router

import (
	"context"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/broker"
	"tradedesk/internal/config"
	"tradedesk/internal/registry"
	"tradedesk/internal/tracker"
	"tradedesk/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// stubAdapter is a destination that records nothing and serves canned
// positions.
type stubAdapter struct {
	name      string
	positions []types.Position
}

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) PlaceOrder(context.Context, types.OrderSpec) (broker.OrderAck, error) {
	return broker.OrderAck{}, nil
}
func (s *stubAdapter) CancelOrder(context.Context, string) error { return nil }
func (s *stubAdapter) GetAccount(context.Context, string) (types.Account, error) {
	return types.Account{}, nil
}
func (s *stubAdapter) GetPositions(context.Context, string) ([]types.Position, error) {
	return s.positions, nil
}
func (s *stubAdapter) StreamUpdates(ctx context.Context, _ string) (<-chan broker.Update, error) {
	ch := make(chan broker.Update)
	go func() { <-ctx.Done(); close(ch) }()
	return ch, nil
}

func newTestRouter(t *testing.T, modes map[string]string, sim, live, sandbox *stubAdapter) *Router {
	t.Helper()

	var cfgs []config.StrategyConfig
	for id, mode := range modes {
		cfgs = append(cfgs, config.StrategyConfig{
			ID: id, Name: id, Mode: mode, MinWinRate: 0.5, EvaluationPeriod: 20,
		})
	}
	tr := tracker.New(cfgs, discardLogger())

	liveMap := map[string]broker.Adapter{}
	if live != nil {
		liveMap["main"] = live
	}
	sandboxMap := map[string]broker.Adapter{}
	if sandbox != nil {
		sandboxMap[sandbox.name] = sandbox
	}
	return New(registry.New(), tr, sim, liveMap, sandboxMap, discardLogger())
}

func alertFor(strategy, group string) types.Alert {
	return types.Alert{
		ID:           "alert-1",
		Source:       "tv",
		StrategyID:   strategy,
		AccountGroup: group,
		Symbol:       "ES1!",
		Side:         types.SideBuy,
		Quantity:     1,
		OrderType:    types.OrderMarket,
		TimeInForce:  types.TIFDay,
		ClientNonce:  "n1",
	}
}

func TestPaperGroupRoutesToSim(t *testing.T) {
	sim := &stubAdapter{name: "sim"}
	r := newTestRouter(t, map[string]string{"s1": "live"}, sim, nil, nil)

	d, err := r.Route(context.Background(), alertFor("s1", "paper_sim"))
	require.NoError(t, err)
	assert.Equal(t, "sim", d.Adapter.Name())
	assert.Equal(t, "paper_sim", d.Spec.AccountID)
	assert.Equal(t, "alert-1", d.Spec.ClientTag, "client tag pins idempotency to the alert")
	assert.Equal(t, types.AssetFuture, d.Spec.Instrument.AssetClass)
}

func TestPaperModeForcesSimRegardlessOfGroup(t *testing.T) {
	sim := &stubAdapter{name: "sim"}
	live := &stubAdapter{name: "tradier"}
	r := newTestRouter(t, map[string]string{"s1": "paper"}, sim, live, nil)

	d, err := r.Route(context.Background(), alertFor("s1", "main"))
	require.NoError(t, err)
	assert.Equal(t, "sim", d.Adapter.Name())
}

func TestSuspendedStrategyRejected(t *testing.T) {
	sim := &stubAdapter{name: "sim"}
	r := newTestRouter(t, map[string]string{"s1": "suspended"}, sim, nil, nil)

	_, err := r.Route(context.Background(), alertFor("s1", "paper_sim"))
	assert.Equal(t, broker.ReasonSuspended, broker.ReasonOf(err))
}

func TestLiveGroupRoutesToAdapter(t *testing.T) {
	sim := &stubAdapter{name: "sim"}
	live := &stubAdapter{name: "tradier"}
	r := newTestRouter(t, map[string]string{"s1": "live"}, sim, live, nil)

	d, err := r.Route(context.Background(), alertFor("s1", "main"))
	require.NoError(t, err)
	assert.Equal(t, "tradier", d.Adapter.Name())

	_, err = r.Route(context.Background(), alertFor("s1", "other-desk"))
	assert.Equal(t, broker.ReasonNotFound, broker.ReasonOf(err))
}

func TestNamedSandboxSuffix(t *testing.T) {
	sim := &stubAdapter{name: "sim"}
	sandbox := &stubAdapter{name: "tradier-sandbox"}
	r := newTestRouter(t, map[string]string{"s1": "live"}, sim, nil, sandbox)

	d, err := r.Route(context.Background(), alertFor("s1", "paper_tradier-sandbox"))
	require.NoError(t, err)
	assert.Equal(t, "tradier-sandbox", d.Adapter.Name())

	// Unknown sandbox suffix degrades to the simulator.
	d, err = r.Route(context.Background(), alertFor("s1", "paper_ghost"))
	require.NoError(t, err)
	assert.Equal(t, "sim", d.Adapter.Name())
}

func TestLimitPriceTickRounded(t *testing.T) {
	sim := &stubAdapter{name: "sim"}
	r := newTestRouter(t, map[string]string{"s1": "live"}, sim, nil, nil)

	alert := alertFor("s1", "paper_sim")
	alert.OrderType = types.OrderLimit
	price := decimal.RequireFromString("5005.13")
	alert.Price = &price

	d, err := r.Route(context.Background(), alert)
	require.NoError(t, err)
	require.NotNil(t, d.Spec.Price)
	assert.True(t, d.Spec.Price.Equal(decimal.RequireFromString("5005.25")),
		"price snaps to the ES tick grid, got %s", d.Spec.Price)
}

func TestCloseWithNoPositionIgnored(t *testing.T) {
	sim := &stubAdapter{name: "sim"}
	r := newTestRouter(t, map[string]string{"s1": "live"}, sim, nil, nil)

	alert := alertFor("s1", "paper_sim")
	alert.Side = types.SideClose

	d, err := r.Route(context.Background(), alert)
	require.NoError(t, err)
	assert.True(t, d.Ignored)
	assert.Nil(t, d.Adapter)
}

func TestCloseExpandsToOpposingOrder(t *testing.T) {
	reg := registry.New()
	inst, err := reg.Resolve("ES1!")
	require.NoError(t, err)

	sim := &stubAdapter{name: "sim", positions: []types.Position{{
		AccountID:  "paper_sim",
		Instrument: inst,
		NetQty:     2,
	}}}
	r := newTestRouter(t, map[string]string{"s1": "live"}, sim, nil, nil)

	alert := alertFor("s1", "paper_sim")
	alert.Side = types.SideClose
	alert.Quantity = 99 // requested quantity is irrelevant for closes

	d, err := r.Route(context.Background(), alert)
	require.NoError(t, err)
	assert.False(t, d.Ignored)
	assert.Equal(t, types.SideSell, d.Spec.Side)
	assert.Equal(t, int64(2), d.Spec.Quantity)
	assert.Equal(t, types.OrderMarket, d.Spec.OrderType)
}

func TestCloseShortExpandsToBuy(t *testing.T) {
	reg := registry.New()
	inst, err := reg.Resolve("ES1!")
	require.NoError(t, err)

	sim := &stubAdapter{name: "sim", positions: []types.Position{{
		AccountID:  "paper_sim",
		Instrument: inst,
		NetQty:     -3,
	}}}
	r := newTestRouter(t, map[string]string{"s1": "live"}, sim, nil, nil)

	alert := alertFor("s1", "paper_sim")
	alert.Side = types.SideClose

	d, err := r.Route(context.Background(), alert)
	require.NoError(t, err)
	assert.Equal(t, types.SideBuy, d.Spec.Side)
	assert.Equal(t, int64(3), d.Spec.Quantity)
}
