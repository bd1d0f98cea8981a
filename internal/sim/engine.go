// Package sim is the paper-trading engine: simulated quotes, fill
// generation with configurable friction, account bookkeeping, and
// performance metrics, all behind the same adapter surface live venues
// implement.
//
// The engine owns its accounts outright. A background tick advances every
// armed instrument's quote, marks open positions, and matches the resting
// order queue; placements interact with the freshest quote synchronously.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradedesk/internal/broker"
	"tradedesk/internal/config"
	"tradedesk/pkg/types"
)

// ErrUnknownAccount is returned for operations on accounts the engine does
// not own.
var ErrUnknownAccount = fmt.Errorf("sim: unknown account")

const (
	updateBuffer = 256
	quoteBuffer  = 256
)

// Engine simulates execution for paper accounts.
type Engine struct {
	cfg    config.SimulatorConfig
	logger *slog.Logger

	bpMultiplier decimal.Decimal
	commission   decimal.Decimal
	slippage     decimal.Decimal // fractional, e.g. 10 bps -> 0.001

	mu        sync.Mutex
	accounts  map[string]*simAccount
	quotes    map[string]*quoteState
	orders    map[string]*types.Order
	tags      map[string]broker.OrderAck // client tag -> original ack
	book      book
	subs      map[string][]chan broker.Update
	quoteSubs []chan types.Quote

	rng *rand.Rand
	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRand overrides the randomness source (tests).
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

// New creates an engine and seeds the configured accounts.
func New(cfg config.SimulatorConfig, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:          cfg,
		logger:       logger.With("component", "sim"),
		bpMultiplier: decimal.NewFromFloat(cfg.BuyingPowerMultiplier),
		commission:   decimal.NewFromFloat(cfg.CommissionPerSide),
		slippage:     decimal.NewFromInt(int64(cfg.SlippageBps)).Div(decimal.NewFromInt(10000)),
		accounts:     make(map[string]*simAccount),
		quotes:       make(map[string]*quoteState),
		orders:       make(map[string]*types.Order),
		tags:         make(map[string]broker.OrderAck),
		subs:         make(map[string][]chan broker.Update),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, id := range cfg.Accounts {
		e.accounts[id] = newSimAccount(id, decimal.NewFromFloat(cfg.InitialBalance))
	}
	return e
}

// Run drives the quote walk until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.logger.Info("simulator running",
		"accounts", len(e.accounts),
		"tick", e.cfg.TickInterval,
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick()
		}
	}
}

// EnsureAccount creates an account on first use with the default balance.
func (e *Engine) EnsureAccount(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensureAccountLocked(id)
}

func (e *Engine) ensureAccountLocked(id string) *simAccount {
	if a, ok := e.accounts[id]; ok {
		return a
	}
	bal := e.cfg.DefaultSimAccountBalance
	if bal == 0 {
		bal = e.cfg.InitialBalance
	}
	a := newSimAccount(id, decimal.NewFromFloat(bal))
	e.accounts[id] = a
	e.logger.Info("sim account created", "account", id, "balance", bal)
	return a
}

// SetMid arms an instrument at a specific mid. Placements arm instruments
// automatically at seed levels; this pins the walk for deterministic runs.
func (e *Engine) SetMid(inst types.Instrument, mid float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.armLocked(inst)
	q.mid = mid
	q.base = mid
}

func (e *Engine) armLocked(inst types.Instrument) *quoteState {
	if q, ok := e.quotes[inst.Symbol]; ok {
		return q
	}
	q := newQuoteState(inst)
	e.quotes[inst.Symbol] = q
	return q
}

// Quote returns the current simulated quote for an instrument, arming it
// at the seed level on first use.
func (e *Engine) Quote(inst types.Instrument) types.Quote {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.armLocked(inst).quote(e.cfg.SpreadBps, e.now())
}

// Tick advances every armed quote one walk step, marks positions, matches
// the resting queue, and publishes the fresh quotes. Exposed so tests can
// drive time explicitly.
func (e *Engine) Tick() {
	e.mu.Lock()
	now := e.now()

	marks := make(map[string]decimal.Decimal, len(e.quotes))
	fresh := make([]types.Quote, 0, len(e.quotes))
	for _, qs := range e.quotes {
		qs.step(e.rng, e.cfg.WalkBps)
		q := qs.quote(e.cfg.SpreadBps, now)
		marks[q.Symbol] = q.Mid
		fresh = append(fresh, q)
	}

	for _, a := range e.accounts {
		a.markPositions(marks, now)
	}

	sessionClosed := func(inst types.Instrument) bool {
		return !inst.Session.Contains(now)
	}
	for _, q := range fresh {
		for _, ev := range e.book.onQuote(q, now, sessionClosed) {
			e.applyBookEventLocked(ev, now)
		}
	}
	e.mu.Unlock()

	for _, q := range fresh {
		e.publishQuote(q)
	}
}

func (e *Engine) applyBookEventLocked(ev bookEvent, now time.Time) {
	o := ev.ro.order
	switch ev.kind {
	case eventExpire:
		e.transitionLocked(o, types.StatusCancelled, "DAY_EXPIRED", now)
	case eventTriggerMarket:
		price := e.marketPriceLocked(o.Instrument, o.Side)
		e.fillLocked(o, o.Quantity-o.FilledQty, price, now)
	case eventFill:
		e.fillLocked(o, o.Quantity-o.FilledQty, ev.price, now)
	}
}

// PlaceOrder validates and executes or rests an order.
func (e *Engine) PlaceOrder(ctx context.Context, spec types.OrderSpec) (broker.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	if spec.ClientTag != "" {
		if ack, ok := e.tags[spec.ClientTag]; ok {
			ack.Duplicate = true
			return ack, nil
		}
	}

	if spec.Instrument.Symbol == "" || spec.Instrument.Multiplier.IsZero() {
		return broker.OrderAck{}, broker.Reject(broker.ReasonSymbol, "unresolvable instrument %q", spec.Instrument.Symbol)
	}
	if e.cfg.MarketHoursOnly && !spec.Instrument.Session.Contains(now) {
		return broker.OrderAck{}, broker.Reject(broker.ReasonClosed, "session closed for %s", spec.Instrument.Symbol)
	}

	acct := e.ensureAccountLocked(spec.AccountID)
	qs := e.armLocked(spec.Instrument)
	ref := tickRound(spec.Instrument, decimal.NewFromFloat(qs.mid))

	if e.cfg.RejectOnInsufficientBP {
		signed := spec.Quantity * spec.Side.Sign()
		if addQty := acct.marginIncrease(spec.Instrument.Symbol, signed); addQty > 0 {
			required := decimal.NewFromInt(addQty).Mul(ref).Mul(spec.Instrument.Multiplier)
			if bp := acct.buyingPower(e.bpMultiplier); required.GreaterThan(bp) {
				return broker.OrderAck{}, broker.Reject(broker.ReasonNoBuyingPower,
					"need %s, have %s", required.StringFixed(2), bp.StringFixed(2))
			}
		}
	}

	o := &types.Order{
		ID:         uuid.NewString(),
		AccountID:  spec.AccountID,
		Instrument: spec.Instrument,
		Side:       spec.Side,
		Quantity:   spec.Quantity,
		OrderType:  spec.OrderType,
		Price:      spec.Price,
		StopPrice:  spec.StopPrice,
		TimeInForce: func() types.TimeInForce {
			if spec.TimeInForce == "" {
				return types.TIFDay
			}
			return spec.TimeInForce
		}(),
		Status:    types.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ClientTag: spec.ClientTag,
	}
	o.BrokerRef = o.ID
	e.orders[o.ID] = o

	ack := broker.OrderAck{BrokerRef: o.ID, AcceptedAt: now}
	if spec.ClientTag != "" {
		e.tags[spec.ClientTag] = ack
	}

	e.executeLocked(o, qs, now)
	return ack, nil
}

// executeLocked runs the placement-time execution model against the current
// quote: market orders fill with slippage, marketable limits fill at their
// limit, the rest rest or cancel per time in force.
func (e *Engine) executeLocked(o *types.Order, qs *quoteState, now time.Time) {
	q := qs.quote(e.cfg.SpreadBps, now)

	switch o.OrderType {
	case types.OrderMarket:
		e.transitionLocked(o, types.StatusWorking, "", now)
		e.fillMarketLocked(o, now)

	case types.OrderLimit:
		if limitCrossed(o, q) {
			e.transitionLocked(o, types.StatusWorking, "", now)
			e.fillLocked(o, o.Quantity, *o.Price, now)
			return
		}
		switch o.TimeInForce {
		case types.TIFIOC:
			// Accepted, nothing marketable, remainder cancelled same tick.
			e.transitionLocked(o, types.StatusWorking, "", now)
			e.transitionLocked(o, types.StatusCancelled, "IOC_UNFILLED", now)
		case types.TIFFOK:
			e.transitionLocked(o, types.StatusRejected, "FOK_UNFILLED", now)
		default:
			e.transitionLocked(o, types.StatusWorking, "", now)
			e.book.add(&restingOrder{order: o})
		}

	case types.OrderStop, types.OrderStopLimit:
		e.transitionLocked(o, types.StatusWorking, "", now)
		e.book.add(&restingOrder{order: o})
	}
}

// fillMarketLocked fills a market order at the slipped reference price,
// optionally in two halves.
func (e *Engine) fillMarketLocked(o *types.Order, now time.Time) {
	price := e.marketPriceLocked(o.Instrument, o.Side)
	remaining := o.Quantity - o.FilledQty

	split := remaining > 1 &&
		o.TimeInForce != types.TIFFOK &&
		e.rng.Float64() < e.cfg.PartialFillProbability
	if split {
		half := remaining / 2
		e.fillLocked(o, half, price, now)
		remaining -= half
	}
	e.fillLocked(o, remaining, price, now)
}

// marketPriceLocked is mid shifted against the taker by slippage, on grid.
func (e *Engine) marketPriceLocked(inst types.Instrument, side types.Side) decimal.Decimal {
	qs := e.armLocked(inst)
	ref := decimal.NewFromFloat(qs.mid)
	slip := ref.Mul(e.slippage).Mul(decimal.NewFromInt(int64(side.Sign())))
	return tickRound(inst, ref.Add(slip))
}

// fillLocked books one execution and emits fill, order, position, and
// account updates in that order.
func (e *Engine) fillLocked(o *types.Order, qty int64, price decimal.Decimal, now time.Time) {
	if qty <= 0 {
		return
	}
	acct := e.accounts[o.AccountID]

	f := types.Fill{
		ID:         uuid.NewString(),
		OrderID:    o.ID,
		AccountID:  o.AccountID,
		Instrument: o.Instrument,
		Side:       o.Side,
		Quantity:   qty,
		Price:      price,
		Commission: e.commission.Mul(decimal.NewFromInt(qty)),
		Timestamp:  now,
	}
	netRealized, _ := acct.applyFill(f, now)

	prevNotional := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQty))
	o.FilledQty += qty
	o.AvgFillPrice = prevNotional.Add(price.Mul(decimal.NewFromInt(qty))).
		Div(decimal.NewFromInt(o.FilledQty))
	if o.FilledQty >= o.Quantity {
		e.transitionLocked(o, types.StatusFilled, "", now)
	} else {
		e.transitionLocked(o, types.StatusPartiallyFilled, "", now)
	}

	e.logger.Info("sim fill",
		"account", o.AccountID,
		"symbol", o.Instrument.Symbol,
		"side", o.Side,
		"qty", qty,
		"price", price,
		"realized", netRealized,
	)

	e.emitLocked(broker.Update{
		Kind: broker.UpdateFill, AccountID: o.AccountID, Timestamp: now, Fill: &f,
	})
	if pos, ok := acct.positions[o.Instrument.Symbol]; ok {
		p := *pos
		e.emitLocked(broker.Update{
			Kind: broker.UpdatePosition, AccountID: o.AccountID, Timestamp: now, Position: &p,
		})
	} else {
		flat := types.Position{AccountID: o.AccountID, Instrument: o.Instrument, MarketPrice: price, UpdatedAt: now}
		e.emitLocked(broker.Update{
			Kind: broker.UpdatePosition, AccountID: o.AccountID, Timestamp: now, Position: &flat,
		})
	}
	snap := acct.snapshot(e.bpMultiplier, now)
	e.emitLocked(broker.Update{
		Kind: broker.UpdateAccount, AccountID: o.AccountID, Timestamp: now, Account: &snap,
	})
}

// transitionLocked applies a lifecycle step and broadcasts the order state.
// Invalid steps are dropped; the lifecycle is monotonic.
func (e *Engine) transitionLocked(o *types.Order, next types.OrderStatus, reason string, now time.Time) {
	if !o.Status.CanTransitionTo(next) {
		return
	}
	o.Status = next
	o.RejectReason = reason
	o.UpdatedAt = now
	cp := *o
	e.emitLocked(broker.Update{
		Kind: broker.UpdateOrder, AccountID: o.AccountID, Timestamp: now, Order: &cp,
	})
}

// CancelOrder cancels a pending or working order by its broker reference.
func (e *Engine) CancelOrder(ctx context.Context, brokerRef string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[brokerRef]
	if !ok {
		return broker.Reject(broker.ReasonNotFound, "no order %s", brokerRef)
	}
	if o.Status.Terminal() {
		return broker.Reject(broker.ReasonTerminal, "order %s is %s", brokerRef, o.Status)
	}
	e.book.remove(o.ID)
	e.transitionLocked(o, types.StatusCancelled, "CANCELLED", e.now())
	return nil
}

// CancelAll cancels every live order for an account. Used by emergency
// flatten and account reset.
func (e *Engine) CancelAll(ctx context.Context, accountID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelAllLocked(accountID)
}

func (e *Engine) cancelAllLocked(accountID string) int {
	now := e.now()
	n := 0
	for _, ro := range e.book.byAccount(accountID) {
		e.book.remove(ro.order.ID)
		e.transitionLocked(ro.order, types.StatusCancelled, "CANCELLED", now)
		n++
	}
	for _, o := range e.orders {
		if o.AccountID == accountID && !o.Status.Terminal() {
			e.transitionLocked(o, types.StatusCancelled, "CANCELLED", now)
			n++
		}
	}
	return n
}

// AccountIDs lists every account the engine currently owns, sorted.
func (e *Engine) AccountIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.accounts))
	for id := range e.accounts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Account returns the engine's authoritative account snapshot.
func (e *Engine) Account(id string) (types.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.accounts[id]
	if !ok {
		return types.Account{}, ErrUnknownAccount
	}
	return a.snapshot(e.bpMultiplier, e.now()), nil
}

// Positions returns the open positions for an account.
func (e *Engine) Positions(id string) ([]types.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.accounts[id]
	if !ok {
		return nil, ErrUnknownAccount
	}
	out := make([]types.Position, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, *p)
	}
	return out, nil
}

// AccountMetrics returns the performance snapshot for an account.
func (e *Engine) AccountMetrics(id string) (Metrics, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.accounts[id]
	if !ok {
		return Metrics{}, ErrUnknownAccount
	}
	return a.metrics.snapshot(), nil
}

// ResetAccount cancels working orders, discards positions and history, and
// restores the initial balance. Safe to call repeatedly.
func (e *Engine) ResetAccount(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.accounts[id]
	if !ok {
		return ErrUnknownAccount
	}
	now := e.now()
	e.cancelAllLocked(id)
	for oid, o := range e.orders {
		if o.AccountID == id {
			if o.ClientTag != "" {
				delete(e.tags, o.ClientTag)
			}
			delete(e.orders, oid)
		}
	}
	a.reset()
	e.logger.Info("sim account reset", "account", id)

	e.emitLocked(broker.Update{Kind: broker.UpdateReset, AccountID: id, Timestamp: now})
	snap := a.snapshot(e.bpMultiplier, now)
	e.emitLocked(broker.Update{
		Kind: broker.UpdateAccount, AccountID: id, Timestamp: now, Account: &snap,
	})
	return nil
}

// Subscribe registers a consumer for an account's update stream. The
// channel closes when ctx is cancelled.
func (e *Engine) Subscribe(ctx context.Context, accountID string) (<-chan broker.Update, error) {
	ch := make(chan broker.Update, updateBuffer)

	e.mu.Lock()
	e.ensureAccountLocked(accountID)
	e.subs[accountID] = append(e.subs[accountID], ch)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		defer e.mu.Unlock()
		chans := e.subs[accountID]
		for i, c := range chans {
			if c == ch {
				e.subs[accountID] = append(chans[:i], chans[i+1:]...)
				close(c)
				break
			}
		}
	}()
	return ch, nil
}

// SubscribeQuotes registers a consumer for every simulated quote.
func (e *Engine) SubscribeQuotes(ctx context.Context) <-chan types.Quote {
	ch := make(chan types.Quote, quoteBuffer)

	e.mu.Lock()
	e.quoteSubs = append(e.quoteSubs, ch)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, c := range e.quoteSubs {
			if c == ch {
				e.quoteSubs = append(e.quoteSubs[:i], e.quoteSubs[i+1:]...)
				close(c)
				break
			}
		}
	}()
	return ch
}

func (e *Engine) emitLocked(upd broker.Update) {
	for _, ch := range e.subs[upd.AccountID] {
		select {
		case ch <- upd:
		default:
			e.logger.Warn("sim update channel full, dropping",
				"account", upd.AccountID, "kind", upd.Kind)
		}
	}
}

func (e *Engine) publishQuote(q types.Quote) {
	e.mu.Lock()
	subs := make([]chan types.Quote, len(e.quoteSubs))
	copy(subs, e.quoteSubs)
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- q:
		default:
			// Quotes are a firehose; stale ones are worthless.
		}
	}
}
