package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/broker"
	"tradedesk/internal/config"
	"tradedesk/internal/hub"
	"tradedesk/internal/ledger"
	"tradedesk/internal/registry"
	"tradedesk/internal/router"
	"tradedesk/internal/rules"
	"tradedesk/internal/sim"
	"tradedesk/internal/tracker"
	"tradedesk/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

type fixture struct {
	c      *Coordinator
	engine *sim.Engine
	reg    *registry.Registry
	tr     *tracker.Tracker
	led    *ledger.Ledger
	alerts chan types.Alert
}

func newFixture(t *testing.T, mode string, live map[string]broker.Adapter, rulesCfg config.RulesConfig) *fixture {
	t.Helper()
	logger := discardLogger()

	reg := registry.New()
	engine := sim.New(config.SimulatorConfig{
		InitialBalance:        300000,
		BuyingPowerMultiplier: 4,
		CommissionPerSide:     2.5,
		TickInterval:          time.Second,
		Accounts:              []string{"paper_sim"},
	}, logger)

	tr := tracker.New([]config.StrategyConfig{{
		ID: "s1", Name: "breakout", Mode: mode, MinWinRate: 0.5, EvaluationPeriod: 20,
	}}, logger)

	re, err := rules.NewEngine(rulesCfg, logger)
	require.NoError(t, err)

	h := hub.New(time.Second, 64, logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	led, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	rt := router.New(reg, tr, sim.NewAdapter(engine), live, nil, logger)

	alerts := make(chan types.Alert, 16)
	c := New(config.CoordinatorConfig{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		PlaceTimeout:   time.Second,
	}, alerts, rt, re, tr, engine, h, led, logger)

	return &fixture{c: c, engine: engine, reg: reg, tr: tr, led: led, alerts: alerts}
}

func newAlert(strategy, group string, side types.Side, qty int64) types.Alert {
	return types.Alert{
		ID:           uuid.NewString(),
		Source:       "tv",
		ReceivedAt:   time.Now().UTC(),
		StrategyID:   strategy,
		AccountGroup: group,
		Symbol:       "ES1!",
		Side:         side,
		Quantity:     qty,
		OrderType:    types.OrderMarket,
		TimeInForce:  types.TIFDay,
		ClientNonce:  uuid.NewString(),
	}
}

// waitTerminal polls the ledger until the alert reaches a terminal state.
func waitTerminal(t *testing.T, led *ledger.Ledger, alertID string) ledger.Record {
	t.Helper()
	var out ledger.Record
	require.Eventually(t, func() bool {
		recs, err := led.ReadAll()
		if err != nil {
			return false
		}
		for _, r := range recs {
			if r.ID == alertID && r.TerminalStatus != "" {
				out = r
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	return out
}

func TestMarketAlertFillsAndResolves(t *testing.T) {
	f := newFixture(t, "live", nil, config.RulesConfig{})
	inst, err := f.reg.Resolve("ES1!")
	require.NoError(t, err)
	f.engine.SetMid(inst, 5000)

	a := newAlert("s1", "paper_sim", types.SideBuy, 1)
	f.c.Process(context.Background(), a)

	rec := waitTerminal(t, f.led, a.ID)
	assert.Equal(t, "filled", rec.TerminalStatus)
	assert.Equal(t, "sim", rec.Destination)

	positions, err := f.engine.Positions("paper_sim")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(1), positions[0].NetQty)
}

func TestClosingFillRecordsStrategyTrade(t *testing.T) {
	f := newFixture(t, "live", nil, config.RulesConfig{})
	inst, err := f.reg.Resolve("ES1!")
	require.NoError(t, err)
	f.engine.SetMid(inst, 5000)

	buy := newAlert("s1", "paper_sim", types.SideBuy, 1)
	f.c.Process(context.Background(), buy)
	waitTerminal(t, f.led, buy.ID)

	f.engine.SetMid(inst, 5010)
	sell := newAlert("s1", "paper_sim", types.SideSell, 1)
	f.c.Process(context.Background(), sell)
	waitTerminal(t, f.led, sell.ID)

	require.Eventually(t, func() bool {
		snap, err := f.tr.Snapshot("s1")
		return err == nil && snap.CurrentTrades == 1
	}, 3*time.Second, 10*time.Millisecond, "closing trade reaches the tracker")
}

func TestSuspendedStrategyRejected(t *testing.T) {
	f := newFixture(t, "suspended", nil, config.RulesConfig{})

	a := newAlert("s1", "paper_sim", types.SideBuy, 1)
	f.c.Process(context.Background(), a)

	rec := waitTerminal(t, f.led, a.ID)
	assert.Equal(t, "rejected", rec.TerminalStatus)
}

func TestCloseWithNoPositionIgnored(t *testing.T) {
	f := newFixture(t, "live", nil, config.RulesConfig{})

	a := newAlert("s1", "paper_sim", types.SideClose, 1)
	f.c.Process(context.Background(), a)

	rec := waitTerminal(t, f.led, a.ID)
	assert.Equal(t, "ignored", rec.TerminalStatus)
}

func TestRuleRejectionPreventsPlacement(t *testing.T) {
	f := newFixture(t, "live", nil, config.RulesConfig{
		RiskPct:          0.01,
		RolloverTimezone: "UTC",
		Accounts: []config.FundedAccountConfig{{
			AccountID:    "paper_sim",
			MaxDailyLoss: 1000,
			MaxContracts: 0, // nothing may open
		}},
	})
	inst, err := f.reg.Resolve("ES1!")
	require.NoError(t, err)
	f.engine.SetMid(inst, 5000)

	a := newAlert("s1", "paper_sim", types.SideBuy, 1)
	f.c.Process(context.Background(), a)

	rec := waitTerminal(t, f.led, a.ID)
	assert.Equal(t, "rejected", rec.TerminalStatus)

	positions, err := f.engine.Positions("paper_sim")
	require.NoError(t, err)
	assert.Empty(t, positions, "validation failure must block placement")
}

// flakyAdapter fails placements with a configurable error and counts
// attempts.
type flakyAdapter struct {
	name     string
	err      error
	attempts atomic.Int64
}

func (s *flakyAdapter) Name() string { return s.name }
func (s *flakyAdapter) PlaceOrder(context.Context, types.OrderSpec) (broker.OrderAck, error) {
	s.attempts.Add(1)
	return broker.OrderAck{}, s.err
}
func (s *flakyAdapter) CancelOrder(context.Context, string) error { return nil }
func (s *flakyAdapter) GetAccount(context.Context, string) (types.Account, error) {
	return types.Account{}, nil
}
func (s *flakyAdapter) GetPositions(context.Context, string) ([]types.Position, error) {
	return nil, nil
}
func (s *flakyAdapter) StreamUpdates(context.Context, string) (<-chan broker.Update, error) {
	ch := make(chan broker.Update)
	close(ch)
	return ch, nil
}

func TestVenueRejectionIsNotRetried(t *testing.T) {
	ad := &flakyAdapter{name: "tradier", err: broker.Reject(broker.ReasonNoBuyingPower, "no bp")}
	f := newFixture(t, "live", map[string]broker.Adapter{"main": ad}, config.RulesConfig{})

	a := newAlert("s1", "main", types.SideBuy, 1)
	f.c.Process(context.Background(), a)

	rec := waitTerminal(t, f.led, a.ID)
	assert.Equal(t, "rejected", rec.TerminalStatus)
	assert.Equal(t, int64(1), ad.attempts.Load(), "rejections are deterministic")
}

func TestTransportFailureRetriesThenFails(t *testing.T) {
	ad := &flakyAdapter{name: "tradier", err: &broker.StatusError{Status: 502, Body: "bad gateway"}}
	f := newFixture(t, "live", map[string]broker.Adapter{"main": ad}, config.RulesConfig{})

	a := newAlert("s1", "main", types.SideBuy, 1)
	f.c.Process(context.Background(), a)

	rec := waitTerminal(t, f.led, a.ID)
	assert.Equal(t, "failed", rec.TerminalStatus)
	assert.Equal(t, int64(2), ad.attempts.Load(), "one retry after the initial attempt")
}

// recordingAdapter logs placement order and can stall one tagged order to
// tempt a reordering.
type recordingAdapter struct {
	name string
	slow string
	mu   sync.Mutex
	tags []string
}

func (r *recordingAdapter) Name() string { return r.name }
func (r *recordingAdapter) PlaceOrder(_ context.Context, spec types.OrderSpec) (broker.OrderAck, error) {
	if spec.ClientTag == r.slow {
		time.Sleep(100 * time.Millisecond)
	}
	r.mu.Lock()
	r.tags = append(r.tags, spec.ClientTag)
	r.mu.Unlock()
	return broker.OrderAck{BrokerRef: spec.ClientTag, AcceptedAt: time.Now().UTC()}, nil
}
func (r *recordingAdapter) CancelOrder(context.Context, string) error { return nil }
func (r *recordingAdapter) GetAccount(context.Context, string) (types.Account, error) {
	return types.Account{}, nil
}
func (r *recordingAdapter) GetPositions(context.Context, string) ([]types.Position, error) {
	return nil, nil
}
func (r *recordingAdapter) StreamUpdates(context.Context, string) (<-chan broker.Update, error) {
	ch := make(chan broker.Update)
	close(ch)
	return ch, nil
}

func (r *recordingAdapter) placed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tags...)
}

func TestSameSourceAlertsKeepReceiveOrder(t *testing.T) {
	ad := &recordingAdapter{name: "tradier"}
	f := newFixture(t, "live", map[string]broker.Adapter{"main": ad}, config.RulesConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.c.Run(ctx)

	first := newAlert("s1", "main", types.SideBuy, 1)
	second := newAlert("s1", "main", types.SideBuy, 1)
	ad.slow = first.ID

	f.alerts <- first
	f.alerts <- second

	require.Eventually(t, func() bool {
		return len(ad.placed()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{first.ID, second.ID}, ad.placed(),
		"a stalled placement must not let a later alert from the same source jump ahead")
}

func TestFlattenAccountClosesOpenPositions(t *testing.T) {
	f := newFixture(t, "live", nil, config.RulesConfig{})
	inst, err := f.reg.Resolve("ES1!")
	require.NoError(t, err)
	f.engine.SetMid(inst, 5000)

	a := newAlert("s1", "paper_sim", types.SideBuy, 2)
	f.c.Process(context.Background(), a)
	waitTerminal(t, f.led, a.ID)

	f.c.FlattenAccount(context.Background(), "paper_sim")

	require.Eventually(t, func() bool {
		positions, err := f.engine.Positions("paper_sim")
		return err == nil && len(positions) == 0
	}, 3*time.Second, 10*time.Millisecond, "flatten closes every open position")
}

func TestClosingPnLAttribution(t *testing.T) {
	inst := types.Instrument{Symbol: "ESM5", Multiplier: dec("50")}
	long2 := types.Position{NetQty: 2, AvgCost: dec("5000"), Instrument: inst}

	fill := func(side types.Side, qty int64, price string) types.Fill {
		return types.Fill{
			Instrument: inst,
			Side:       side,
			Quantity:   qty,
			Price:      dec(price),
			Commission: dec("2.5"),
		}
	}

	pnl, closing := closingPnL(long2, fill(types.SideSell, 2, "5010"))
	require.True(t, closing)
	assert.True(t, pnl.Equal(dec("997.5")), "got %s", pnl)

	_, closing = closingPnL(long2, fill(types.SideBuy, 1, "5010"))
	assert.False(t, closing, "scaling in is not a close")

	_, closing = closingPnL(types.Position{Instrument: inst}, fill(types.SideSell, 1, "5010"))
	assert.False(t, closing, "no prior position means opening")

	short3 := types.Position{NetQty: -3, AvgCost: dec("5000"), Instrument: inst}
	pnl, closing = closingPnL(short3, fill(types.SideBuy, 2, "4990"))
	require.True(t, closing)
	assert.True(t, pnl.Equal(dec("997.5")), "got %s", pnl)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
