// engine.go owns the per-account runtime state behind the rule checks: the
// daily P&L accumulator, the monotonic equity peak, open contract counts,
// and the suspended-for-day flag. The flatten channel follows the same
// pattern as a kill switch: buffered, non-blocking send, one consumer.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/broker"
	"tradedesk/internal/config"
	"tradedesk/pkg/types"
)

type accountState struct {
	rules AccountRules

	dailyPnL    decimal.Decimal
	equity      decimal.Decimal
	peakEquity  decimal.Decimal
	netBySymbol map[string]int64 // symbol -> signed netQty
	baselined   bool             // an equity baseline has been observed

	wins          int64
	closingTrades int64
	grossProfit   decimal.Decimal
	grossLoss     decimal.Decimal

	suspendedForDay bool
	tradedToday     bool
	tradingDays     int

	violations []types.Violation
}

func (s *accountState) totalContracts() int64 {
	var n int64
	for _, q := range s.netBySymbol {
		if q < 0 {
			q = -q
		}
		n += q
	}
	return n
}

// closedQuantity reconstructs how much of a fill closed existing exposure.
// The position update for a fill lands before the trailing account
// snapshot, so the stored net quantity is post-fill.
func (s *accountState) closedQuantity(f types.Fill) int64 {
	signed := f.Quantity * f.Side.Sign()
	if signed == 0 {
		return 0
	}
	pre := s.netBySymbol[f.Instrument.Symbol] - signed
	if pre == 0 || (pre > 0) == (signed > 0) {
		return 0
	}
	if pre < 0 {
		pre = -pre
	}
	if f.Quantity < pre {
		return f.Quantity
	}
	return pre
}

func (s *accountState) drawdown() decimal.Decimal {
	return s.peakEquity.Sub(s.equity)
}

// Engine is the funded-account rule engine.
type Engine struct {
	riskPct decimal.Decimal
	loc     *time.Location
	logger  *slog.Logger

	mu       sync.Mutex
	accounts map[string]*accountState
	lastDay  string // YYYY-MM-DD in rollover timezone

	flattenCh  chan FlattenSignal
	checkEvery time.Duration

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds the engine from config. Accounts not listed are
// unmanaged and pass validation untouched.
func NewEngine(cfg config.RulesConfig, logger *slog.Logger, opts ...Option) (*Engine, error) {
	loc, err := time.LoadLocation(cfg.RolloverTimezone)
	if err != nil {
		return nil, fmt.Errorf("rollover timezone: %w", err)
	}

	e := &Engine{
		riskPct:    decimal.NewFromFloat(cfg.RiskPct),
		loc:        loc,
		logger:     logger.With("component", "rules"),
		accounts:   make(map[string]*accountState),
		flattenCh:  make(chan FlattenSignal, 16),
		checkEvery: cfg.CheckInterval,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, fc := range cfg.Accounts {
		r, err := parseRules(fc)
		if err != nil {
			return nil, err
		}
		e.accounts[fc.AccountID] = &accountState{
			rules:       r,
			netBySymbol: make(map[string]int64),
		}
	}
	e.lastDay = e.now().In(e.loc).Format("2006-01-02")
	return e, nil
}

// Flatten returns the emergency-flatten signal channel.
func (e *Engine) Flatten() <-chan FlattenSignal { return e.flattenCh }

// Managed reports whether an account is under funded rules.
func (e *Engine) Managed(accountID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.accounts[accountID]
	return ok
}

// Validate runs every pre-trade check against a proposed order and returns
// a ValidationError listing all failures, or nil. refPrice is the current
// reference price used for the worst-case-loss probe. Unmanaged accounts
// always pass.
func (e *Engine) Validate(spec types.OrderSpec, refPrice decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.accounts[spec.AccountID]
	if !ok {
		return nil
	}
	now := e.now()

	if s.suspendedForDay {
		return &ValidationError{Reasons: []Reason{{
			Code:    broker.ReasonSuspended,
			Message: "account suspended for the day after a rule violation",
		}}}
	}

	var reasons []Reason

	if open := s.totalContracts(); open+spec.Quantity > s.rules.MaxContracts {
		reasons = append(reasons, Reason{
			Code: broker.ReasonContractLimit,
			Message: fmt.Sprintf("%d open + %d proposed exceeds limit %d",
				open, spec.Quantity, s.rules.MaxContracts),
		})
	}

	if s.rules.Restricted[spec.Instrument.Symbol] {
		reasons = append(reasons, Reason{
			Code:    broker.ReasonSymbol,
			Message: fmt.Sprintf("%s is restricted for this account", spec.Instrument.Symbol),
		})
	}

	if !s.rules.windowAdmits(now) {
		reasons = append(reasons, Reason{
			Code:    broker.ReasonWindow,
			Message: "outside the account trading window",
		})
	}

	if !s.rules.AllowOvernight && opensExposure(spec) && nearSessionClose(spec.Instrument, now) {
		reasons = append(reasons, Reason{
			Code:    broker.ReasonOvernight,
			Message: "position would be held past session close",
		})
	}

	worst := worstCaseLoss(spec, refPrice, e.riskPct)
	if s.dailyPnL.Sub(worst).LessThan(s.rules.MaxDailyLoss.Neg()) {
		reasons = append(reasons, Reason{
			Code: broker.ReasonDailyLoss,
			Message: fmt.Sprintf("daily P&L %s minus worst case %s breaches limit %s",
				s.dailyPnL.StringFixed(2), worst.StringFixed(2), s.rules.MaxDailyLoss.StringFixed(2)),
		})
	}

	if s.drawdown().Add(worst).GreaterThan(s.rules.TrailingDrawdown) {
		reasons = append(reasons, Reason{
			Code: broker.ReasonDrawdown,
			Message: fmt.Sprintf("drawdown %s plus worst case %s breaches limit %s",
				s.drawdown().StringFixed(2), worst.StringFixed(2), s.rules.TrailingDrawdown.StringFixed(2)),
		})
	}

	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}

// worstCaseLoss = quantity · multiplier · referencePrice · riskPct.
func worstCaseLoss(spec types.OrderSpec, refPrice, riskPct decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(spec.Quantity).
		Mul(spec.Instrument.Multiplier).
		Mul(refPrice).
		Mul(riskPct)
}

// opensExposure is true for buy/sell orders; closes reduce exposure and are
// always allowed near the close.
func opensExposure(spec types.OrderSpec) bool {
	return spec.Side != types.SideClose
}

func nearSessionClose(inst types.Instrument, now time.Time) bool {
	if inst.Session.AllDay {
		return false
	}
	return !inst.Session.Contains(now.Add(overnightBuffer))
}

// OnFill folds one execution into the account's running state using the
// authoritative account snapshot that accompanied it. Breaches raise a
// Violation, suspend the account for the day, and signal a flatten.
func (e *Engine) OnFill(fill types.Fill, acct types.Account) []types.Violation {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.accounts[fill.AccountID]
	if !ok {
		return nil
	}
	now := e.now()

	newEquity := acct.InitialBalance.Add(acct.TotalPnL)
	if s.baselined {
		if closed := s.closedQuantity(fill); closed > 0 {
			delta := newEquity.Sub(s.equity)
			s.closingTrades++
			if delta.IsPositive() {
				s.wins++
				s.grossProfit = s.grossProfit.Add(delta)
			} else {
				s.grossLoss = s.grossLoss.Add(delta.Neg())
			}
		}
	}

	s.tradedToday = true
	s.dailyPnL = acct.DailyPnL
	s.equity = newEquity
	s.baselined = true
	if s.equity.GreaterThan(s.peakEquity) {
		s.peakEquity = s.equity
	}

	var raised []types.Violation

	if s.dailyPnL.LessThanOrEqual(s.rules.MaxDailyLoss.Neg()) {
		raised = append(raised, newViolation(fill.AccountID, types.ViolationDailyLoss,
			s.rules.MaxDailyLoss, s.dailyPnL, now,
			"daily loss limit breached"))
	}
	if s.drawdown().GreaterThanOrEqual(s.rules.TrailingDrawdown) && s.rules.TrailingDrawdown.IsPositive() {
		raised = append(raised, newViolation(fill.AccountID, types.ViolationDrawdown,
			s.rules.TrailingDrawdown, s.drawdown(), now,
			"trailing drawdown breached"))
	}

	for _, v := range raised {
		s.violations = append(s.violations, v)
		e.logger.Warn("rule violation",
			"account", v.AccountID,
			"kind", v.Kind,
			"limit", v.RuleLimit,
			"actual", v.ActualValue,
		)
	}
	if len(raised) > 0 && !s.suspendedForDay {
		s.suspendedForDay = true
		select {
		case e.flattenCh <- FlattenSignal{AccountID: fill.AccountID, Violation: raised[0]}:
		default:
			e.logger.Error("flatten channel full, signal dropped", "account", fill.AccountID)
		}
	}
	return raised
}

// OnPositionUpdate keeps the open-contract count current for the
// contract-limit check.
func (e *Engine) OnPositionUpdate(pos types.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.accounts[pos.AccountID]
	if !ok {
		return
	}
	if pos.NetQty == 0 {
		delete(s.netBySymbol, pos.Instrument.Symbol)
		return
	}
	s.netBySymbol[pos.Instrument.Symbol] = pos.NetQty
}

// DayState is the per-account rule state exposed to the API. WinRate and
// ProfitFactor cover closing trades across the account's whole history;
// ProfitFactorInf flags a positive gross profit with zero gross loss.
type DayState struct {
	AccountID       string            `json:"account_id"`
	DailyPnL        decimal.Decimal   `json:"daily_pnl"`
	PeakEquity      decimal.Decimal   `json:"peak_equity"`
	Drawdown        decimal.Decimal   `json:"drawdown"`
	OpenContracts   int64             `json:"open_contracts"`
	ClosingTrades   int64             `json:"closing_trades"`
	WinRate         decimal.Decimal   `json:"win_rate"`
	ProfitFactor    decimal.Decimal   `json:"profit_factor"`
	ProfitFactorInf bool              `json:"profit_factor_inf"`
	SuspendedForDay bool              `json:"suspended_for_day"`
	TradingDays     int               `json:"trading_days"`
	Violations      []types.Violation `json:"violations"`
}

// State returns a copy of an account's rule state.
func (e *Engine) State(accountID string) (DayState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.accounts[accountID]
	if !ok {
		return DayState{}, fmt.Errorf("rules: unmanaged account %s", accountID)
	}
	ds := DayState{
		AccountID:       accountID,
		DailyPnL:        s.dailyPnL,
		PeakEquity:      s.peakEquity,
		Drawdown:        s.drawdown(),
		OpenContracts:   s.totalContracts(),
		ClosingTrades:   s.closingTrades,
		SuspendedForDay: s.suspendedForDay,
		TradingDays:     s.tradingDays,
		Violations:      append([]types.Violation(nil), s.violations...),
	}
	if s.closingTrades > 0 {
		ds.WinRate = decimal.NewFromInt(s.wins).Div(decimal.NewFromInt(s.closingTrades))
	}
	switch {
	case s.grossLoss.IsPositive():
		ds.ProfitFactor = s.grossProfit.Div(s.grossLoss)
	case s.grossProfit.IsPositive():
		ds.ProfitFactorInf = true
	}
	return ds, nil
}

// Run drives the periodic rollover check until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.checkEvery
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.CheckRollover()
		}
	}
}

// CheckRollover resets daily state when the session-local calendar day
// changes: dailyPnL and suspension clear, and tradingDays advances for
// every account that traded.
func (e *Engine) CheckRollover() {
	e.mu.Lock()
	defer e.mu.Unlock()

	day := e.now().In(e.loc).Format("2006-01-02")
	if day == e.lastDay {
		return
	}
	e.lastDay = day

	for id, s := range e.accounts {
		if s.tradedToday {
			s.tradingDays++
		}
		s.dailyPnL = decimal.Zero
		s.tradedToday = false
		s.suspendedForDay = false
		e.logger.Info("daily rollover", "account", id, "trading_days", s.tradingDays)
	}
}
