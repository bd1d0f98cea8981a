// Package coordinator orchestrates alert execution end to end: it drains
// the webhook queue, validates against funded-account rules, routes to a
// destination, places with retry behind a per-adapter circuit breaker,
// and folds adapter update streams back into the rule engine, the
// strategy tracker, and the broadcast hub.
//
// Alert lifecycle: received, validating, routing, placing, working, then
// one terminal state. Every transition is broadcast on the alertStatus
// topic and the terminal one is written to the ledger.
package coordinator

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"tradedesk/internal/broker"
	"tradedesk/internal/config"
	"tradedesk/internal/hub"
	"tradedesk/internal/ledger"
	"tradedesk/internal/router"
	"tradedesk/internal/rules"
	"tradedesk/internal/sim"
	"tradedesk/internal/tracker"
	"tradedesk/pkg/types"
)

// AlertStatus is the alertStatus topic payload.
type AlertStatus struct {
	AlertID string           `json:"alert_id"`
	State   types.AlertState `json:"state"`
	Reason  string           `json:"reason,omitempty"`
}

// placement ties a client order tag back to the alert and strategy that
// produced it. It is registered before the order goes out, so stream
// updates arriving mid-placement always find their attribution.
type placement struct {
	alertID    string
	strategyID string
	adapter    string
	accountID  string
	ref        string // broker ref, known after the ack
	resolved   bool
}

// accountState is per-destination-account stream bookkeeping. Positions
// hold the last snapshot seen before the current fill, which is what
// closing-trade attribution needs. Fills wait here until the account
// snapshot that follows them arrives, so the rule engine always sees
// post-fill balances.
type accountState struct {
	positions    map[string]types.Position
	pendingFills []types.Fill
}

// Coordinator drains the alert queue and owns cross-component error
// handling.
type Coordinator struct {
	cfg     config.CoordinatorConfig
	alerts  <-chan types.Alert
	router  *router.Router
	rules   *rules.Engine
	tracker *tracker.Tracker
	engine  *sim.Engine
	simAd   broker.Adapter
	hub     *hub.Hub
	ledger  *ledger.Ledger
	logger  *slog.Logger
	rng     *rand.Rand

	runCtx context.Context

	bmu      sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	mu       sync.Mutex
	orders   map[string]placement      // client tag -> attribution
	refTags  map[string]string         // broker order ref -> client tag
	owners   map[string]broker.Adapter // account -> adapter that placed there
	accounts map[string]*accountState
	streams  map[string]bool
}

// New wires a coordinator. The sim engine doubles as the internal
// reference-price source for rule validation.
func New(cfg config.CoordinatorConfig, alerts <-chan types.Alert, rt *router.Router,
	re *rules.Engine, tr *tracker.Tracker, engine *sim.Engine, h *hub.Hub,
	led *ledger.Ledger, logger *slog.Logger) *Coordinator {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.PlaceTimeout == 0 {
		cfg.PlaceTimeout = 5 * time.Second
	}
	return &Coordinator{
		cfg:      cfg,
		alerts:   alerts,
		router:   rt,
		rules:    re,
		tracker:  tr,
		engine:   engine,
		simAd:    sim.NewAdapter(engine),
		hub:      h,
		ledger:   led,
		logger:   logger.With("component", "coordinator"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		runCtx:   context.Background(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		orders:   make(map[string]placement),
		refTags:  make(map[string]string),
		owners:   make(map[string]broker.Adapter),
		accounts: make(map[string]*accountState),
		streams:  make(map[string]bool),
	}
}

// laneDepth bounds how many alerts a single source can queue behind a
// slow placement before intake backpressures.
const laneDepth = 64

// Run drains the alert queue until ctx is cancelled. Each source gets its
// own worker, so alerts from one source are processed strictly in receive
// order while a stalled venue cannot hold up the others.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runCtx = ctx
	go c.watchFlatten(ctx)

	var wg sync.WaitGroup
	lanes := make(map[string]chan types.Alert)
	defer func() {
		for _, lane := range lanes {
			close(lane)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case alert, open := <-c.alerts:
			if !open {
				return nil
			}
			lane, ok := lanes[alert.Source]
			if !ok {
				lane = make(chan types.Alert, laneDepth)
				lanes[alert.Source] = lane
				wg.Add(1)
				go func() {
					defer wg.Done()
					for a := range lane {
						c.Process(ctx, a)
					}
				}()
			}
			select {
			case lane <- alert:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Process executes one alert through its full lifecycle. Exported so the
// pipeline can be driven synchronously in tests.
func (c *Coordinator) Process(ctx context.Context, alert types.Alert) {
	if err := c.ledger.Append(alert); err != nil {
		c.logger.Error("ledger append failed", "alert", alert.ID, "error", err)
	}
	c.setStatus(alert.ID, types.AlertReceived, "")
	c.setStatus(alert.ID, types.AlertValidating, "")

	d, err := c.router.Route(ctx, alert)
	if err != nil {
		c.terminate(alert.ID, "", types.AlertRejected, err.Error())
		return
	}
	if d.Ignored {
		c.terminate(alert.ID, "", types.AlertIgnored, d.Reason)
		return
	}

	if err := c.rules.Validate(d.Spec, c.referencePrice(d.Spec)); err != nil {
		c.terminate(alert.ID, d.Adapter.Name(), types.AlertRejected, err.Error())
		return
	}

	c.setStatus(alert.ID, types.AlertRouting, "")
	c.ensureStream(d.Adapter, d.Spec.AccountID)

	// Attribution must exist before the order does: the sim delivers its
	// updates during the PlaceOrder call.
	c.mu.Lock()
	c.orders[d.Spec.ClientTag] = placement{
		alertID:    alert.ID,
		strategyID: alert.StrategyID,
		adapter:    d.Adapter.Name(),
		accountID:  d.Spec.AccountID,
	}
	c.owners[d.Spec.AccountID] = d.Adapter
	c.pruneOrdersLocked()
	c.mu.Unlock()

	c.setStatus(alert.ID, types.AlertPlacing, "")
	ack, err := c.place(ctx, d.Adapter, d.Spec)

	c.mu.Lock()
	pl := c.orders[d.Spec.ClientTag]
	if err != nil {
		pl.resolved = true
	} else {
		pl.ref = ack.BrokerRef
	}
	c.orders[d.Spec.ClientTag] = pl
	c.mu.Unlock()

	if err != nil {
		state := types.AlertFailed
		if broker.ReasonOf(err) != "" {
			state = types.AlertRejected
		}
		c.terminate(alert.ID, d.Adapter.Name(), state, err.Error())
		return
	}
	if ack.Duplicate {
		c.logger.Info("duplicate placement collapsed",
			"alert", alert.ID, "ref", ack.BrokerRef)
	}
	c.setStatus(alert.ID, types.AlertWorking, "")
}

// referencePrice picks the price the worst-case-loss probe runs against:
// the order's own limit price when it has one, otherwise the simulated
// mid. The simulator is the only internal quote source.
func (c *Coordinator) referencePrice(spec types.OrderSpec) decimal.Decimal {
	if spec.Price != nil {
		return *spec.Price
	}
	return c.engine.Quote(spec.Instrument).Mid
}

// place retries retryable failures with jittered exponential backoff,
// inside the destination's circuit breaker. The stable client tag makes
// resends idempotent on the venue side.
func (c *Coordinator) place(ctx context.Context, ad broker.Adapter, spec types.OrderSpec) (broker.OrderAck, error) {
	cb := c.breaker(ad.Name())
	backoff := c.cfg.InitialBackoff

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(c.rng.Int63n(int64(backoff) / 2))
			select {
			case <-ctx.Done():
				return broker.OrderAck{}, ctx.Err()
			case <-time.After(backoff + jitter):
			}
			backoff = min(backoff*2, c.cfg.MaxBackoff)
		}

		res, err := cb.Execute(func() (any, error) {
			placeCtx, cancel := context.WithTimeout(ctx, c.cfg.PlaceTimeout)
			defer cancel()
			return ad.PlaceOrder(placeCtx, spec)
		})
		if err == nil {
			return res.(broker.OrderAck), nil
		}
		lastErr = err
		if !broker.Retryable(err) {
			return broker.OrderAck{}, err
		}
		c.logger.Warn("placement attempt failed",
			"adapter", ad.Name(),
			"tag", spec.ClientTag,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return broker.OrderAck{}, lastErr
}

// breaker returns the destination's circuit breaker, creating it on first
// use. Venue rejections are deterministic and never trip the breaker;
// only transport-level failures count.
func (c *Coordinator) breaker(name string) *gobreaker.CircuitBreaker {
	c.bmu.Lock()
	defer c.bmu.Unlock()
	if cb, ok := c.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !broker.Retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"adapter", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[name] = cb
	return cb
}

// ensureStream starts consuming an adapter's update stream for an account
// exactly once.
func (c *Coordinator) ensureStream(ad broker.Adapter, accountID string) {
	key := ad.Name() + "|" + accountID
	c.mu.Lock()
	if c.streams[key] {
		c.mu.Unlock()
		return
	}
	c.streams[key] = true
	c.mu.Unlock()

	ch, err := ad.StreamUpdates(c.runCtx, accountID)
	if err != nil {
		c.logger.Error("stream subscribe failed",
			"adapter", ad.Name(), "account", accountID, "error", err)
		c.mu.Lock()
		delete(c.streams, key)
		c.mu.Unlock()
		return
	}
	go func() {
		for upd := range ch {
			c.handleUpdate(upd)
		}
	}()
}

func (c *Coordinator) handleUpdate(upd broker.Update) {
	switch upd.Kind {
	case broker.UpdateOrder:
		o := *upd.Order
		c.learnRef(o)
		c.hub.Broadcast(types.TopicOrder, o.AccountID, o)
		if o.Status.Terminal() {
			c.resolveOrder(o)
		}
	case broker.UpdateFill:
		c.onFill(*upd.Fill)
	case broker.UpdatePosition:
		p := *upd.Position
		c.rules.OnPositionUpdate(p)
		c.mu.Lock()
		c.stateLocked(p.AccountID).positions[p.Instrument.Symbol] = p
		c.mu.Unlock()
		c.hub.Broadcast(types.TopicPosition, p.AccountID, p)
	case broker.UpdateAccount:
		c.onAccount(*upd.Account)
	case broker.UpdateReset:
		c.mu.Lock()
		delete(c.accounts, upd.AccountID)
		c.mu.Unlock()
	}
}

// learnRef maps the venue's order ref to our client tag so fills, which
// only carry the ref, can reach their placement.
func (c *Coordinator) learnRef(o types.Order) {
	if o.ClientTag == "" {
		return
	}
	ref := o.BrokerRef
	if ref == "" {
		ref = o.ID
	}
	c.mu.Lock()
	c.refTags[ref] = o.ClientTag
	c.mu.Unlock()
}

func (c *Coordinator) stateLocked(accountID string) *accountState {
	st, ok := c.accounts[accountID]
	if !ok {
		st = &accountState{positions: make(map[string]types.Position)}
		c.accounts[accountID] = st
	}
	return st
}

// resolveOrder maps a terminal order back to its alert and finishes the
// alert lifecycle. The placement record stays behind for fill attribution
// until pruned.
func (c *Coordinator) resolveOrder(o types.Order) {
	c.mu.Lock()
	pl, ok := c.orders[o.ClientTag]
	if ok && !pl.resolved {
		pl.resolved = true
		c.orders[o.ClientTag] = pl
	} else {
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	var state types.AlertState
	switch o.Status {
	case types.StatusFilled:
		state = types.AlertFilled
	case types.StatusCancelled:
		state = types.AlertCancelled
	case types.StatusRejected:
		state = types.AlertRejected
	}
	c.terminate(pl.alertID, pl.adapter, state, o.RejectReason)
}

// onFill attributes closing PnL to the owning strategy, then parks the
// fill until the trailing account snapshot arrives for rule evaluation.
func (c *Coordinator) onFill(f types.Fill) {
	c.mu.Lock()
	st := c.stateLocked(f.AccountID)
	prev, hasPrev := st.positions[f.Instrument.Symbol]
	st.pendingFills = append(st.pendingFills, f)
	var pl placement
	hasPl := false
	if tag, ok := c.refTags[f.OrderID]; ok {
		pl, hasPl = c.orders[tag]
	}
	c.mu.Unlock()

	if hasPl && hasPrev {
		if pnl, closing := closingPnL(prev, f); closing {
			c.tracker.Record(pl.strategyID, pnl)
		}
	}
	c.hub.Broadcast(types.TopicFill, f.AccountID, f)
}

func (c *Coordinator) onAccount(a types.Account) {
	c.mu.Lock()
	st := c.stateLocked(a.ID)
	fills := st.pendingFills
	st.pendingFills = nil
	c.mu.Unlock()

	for _, f := range fills {
		for _, v := range c.rules.OnFill(f, a) {
			c.hub.Broadcast(types.TopicViolation, v.AccountID, v)
		}
	}
	c.hub.Broadcast(types.TopicAccount, a.ID, a)
}

// closingPnL computes the net realized PnL a fill contributes by closing
// against the pre-fill position. Scaling in or opening returns false.
func closingPnL(prev types.Position, f types.Fill) (decimal.Decimal, bool) {
	if prev.NetQty == 0 {
		return decimal.Zero, false
	}
	fillDir := int64(1)
	if f.Side == types.SideSell {
		fillDir = -1
	}
	posSign := int64(1)
	if prev.NetQty < 0 {
		posSign = -1
	}
	if fillDir == posSign {
		return decimal.Zero, false
	}

	open := prev.NetQty
	if open < 0 {
		open = -open
	}
	closed := min(open, f.Quantity)

	gross := f.Price.Sub(prev.AvgCost).
		Mul(decimal.NewFromInt(closed)).
		Mul(f.Instrument.Multiplier).
		Mul(decimal.NewFromInt(posSign))
	return gross.Sub(f.Commission), true
}

// watchFlatten reacts to emergency-flatten signals from the rule engine.
func (c *Coordinator) watchFlatten(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-c.rules.Flatten():
			c.hub.Broadcast(types.TopicViolation, sig.AccountID, sig.Violation)
			c.FlattenAccount(ctx, sig.AccountID)
		}
	}
}

// FlattenAccount cancels the account's outstanding orders and issues
// synthetic market closes for every open position via the owning adapter.
func (c *Coordinator) FlattenAccount(ctx context.Context, accountID string) {
	c.mu.Lock()
	ad := c.owners[accountID]
	var open []string
	for _, pl := range c.orders {
		if pl.accountID == accountID && !pl.resolved && pl.ref != "" {
			open = append(open, pl.ref)
		}
	}
	c.mu.Unlock()
	if ad == nil {
		ad = c.simAd
	}

	c.logger.Warn("flattening account", "account", accountID, "open_orders", len(open))
	for _, ref := range open {
		if err := ad.CancelOrder(ctx, ref); err != nil {
			c.logger.Error("flatten cancel failed",
				"account", accountID, "ref", ref, "error", err)
		}
	}

	positions, err := ad.GetPositions(ctx, accountID)
	if err != nil {
		c.logger.Error("flatten position lookup failed",
			"account", accountID, "error", err)
		return
	}
	for _, p := range positions {
		if p.NetQty == 0 {
			continue
		}
		spec := types.OrderSpec{
			AccountID:   accountID,
			Instrument:  p.Instrument,
			Quantity:    p.NetQty,
			OrderType:   types.OrderMarket,
			TimeInForce: types.TIFDay,
			ClientTag:   "flatten-" + uuid.NewString(),
		}
		if p.NetQty > 0 {
			spec.Side = types.SideSell
		} else {
			spec.Side = types.SideBuy
			spec.Quantity = -p.NetQty
		}
		if _, err := ad.PlaceOrder(ctx, spec); err != nil {
			c.logger.Error("flatten close failed",
				"account", accountID, "symbol", p.Instrument.Symbol, "error", err)
		}
	}
}

func (c *Coordinator) setStatus(alertID string, state types.AlertState, reason string) {
	c.hub.Broadcast(types.TopicAlertStatus, alertID, AlertStatus{
		AlertID: alertID,
		State:   state,
		Reason:  reason,
	})
	c.logger.Debug("alert state", "alert", alertID, "state", state, "reason", reason)
}

func (c *Coordinator) terminate(alertID, destination string, state types.AlertState, reason string) {
	c.setStatus(alertID, state, reason)
	if err := c.ledger.Resolve(alertID, destination, string(state)); err != nil {
		c.logger.Error("ledger resolve failed", "alert", alertID, "error", err)
	}
	if state == types.AlertFailed || state == types.AlertRejected {
		c.logger.Warn("alert did not execute",
			"alert", alertID, "state", state, "reason", reason)
	}
}

// pruneOrdersLocked bounds the attribution tables by discarding resolved
// placements once they grow large.
func (c *Coordinator) pruneOrdersLocked() {
	if len(c.orders) <= 4096 {
		return
	}
	for tag, pl := range c.orders {
		if pl.resolved {
			delete(c.orders, tag)
			if pl.ref != "" {
				delete(c.refTags, pl.ref)
			}
		}
	}
}
