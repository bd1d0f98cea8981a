// Package tracker scores strategies on their closing trades and moves them
// between live, paper, and suspended routing modes.
//
// Outcomes accumulate in fixed-size evaluation sets. Closing a set computes
// its win rate, appends a SetResult, and evaluates the transition rules: a
// failing set demotes live to paper, two consecutive passing sets promote
// paper back to live, and two consecutive failing sets in paper suspend the
// strategy until a manual override.
package tracker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/config"
	"tradedesk/pkg/types"
)

const defaultSetSize = 20

// SetResult is one completed evaluation set.
type SetResult struct {
	Sequence int             `json:"sequence"`
	Trades   int             `json:"trades"`
	Wins     int             `json:"wins"`
	WinRate  decimal.Decimal `json:"win_rate"`
	Passed   bool            `json:"passed"`
	ClosedAt time.Time       `json:"closed_at"`
	NetPnL   decimal.Decimal `json:"net_pnl"`
}

// Transition records one mode change and why it happened.
type Transition struct {
	From   types.StrategyMode `json:"from"`
	To     types.StrategyMode `json:"to"`
	Reason string             `json:"reason"`
	At     time.Time          `json:"at"`
}

type strategyRecord struct {
	id         string
	name       string
	mode       types.StrategyMode
	minWinRate decimal.Decimal
	setSize    int

	currentWins   int
	currentTrades int
	currentPnL    decimal.Decimal

	completed   []SetResult
	transitions []Transition
}

// Snapshot is a strategy's externally visible state.
type Snapshot struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Mode          types.StrategyMode `json:"mode"`
	MinWinRate    decimal.Decimal    `json:"min_win_rate"`
	SetSize       int                `json:"set_size"`
	CurrentTrades int                `json:"current_trades"`
	CurrentWins   int                `json:"current_wins"`
	CompletedSets []SetResult        `json:"completed_sets"`
	Transitions   []Transition       `json:"transitions"`
}

// ModeChange is published when a strategy's routing mode moves.
type ModeChange struct {
	StrategyID string             `json:"strategy_id"`
	From       types.StrategyMode `json:"from"`
	To         types.StrategyMode `json:"to"`
	Reason     string             `json:"reason"`
}

// Tracker owns every strategy record. Safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	strategies map[string]*strategyRecord
	logger     *slog.Logger
	now        func() time.Time

	// onChange, when set, receives every mode transition.
	onChange func(ModeChange)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the tracker clock (tests).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithModeChangeHook registers a callback invoked (under no lock) for every
// transition, manual or automatic.
func WithModeChangeHook(fn func(ModeChange)) Option {
	return func(t *Tracker) { t.onChange = fn }
}

// New seeds the tracker from config.
func New(cfgs []config.StrategyConfig, logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		strategies: make(map[string]*strategyRecord, len(cfgs)),
		logger:     logger.With("component", "tracker"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	for _, c := range cfgs {
		size := c.EvaluationPeriod
		if size <= 0 {
			size = defaultSetSize
		}
		t.strategies[c.ID] = &strategyRecord{
			id:         c.ID,
			name:       c.Name,
			mode:       types.StrategyMode(c.Mode),
			minWinRate: decimal.NewFromFloat(c.MinWinRate),
			setSize:    size,
		}
	}
	return t
}

// Mode returns a strategy's routing mode. Unknown strategies route live so
// unregistered signal sources are not silently paper-traded.
func (t *Tracker) Mode(strategyID string) types.StrategyMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.strategies[strategyID]; ok {
		return r.mode
	}
	return types.ModeLive
}

// Known reports whether a strategy is registered.
func (t *Tracker) Known(strategyID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.strategies[strategyID]
	return ok
}

// Record books one closing trade outcome. Closing the Nth trade of a set
// evaluates the transition rules atomically with the set close.
func (t *Tracker) Record(strategyID string, netPnL decimal.Decimal) {
	t.mu.Lock()
	r, ok := t.strategies[strategyID]
	if !ok {
		t.mu.Unlock()
		return
	}

	r.currentTrades++
	r.currentPnL = r.currentPnL.Add(netPnL)
	if netPnL.IsPositive() {
		r.currentWins++
	}

	var change *ModeChange
	if r.currentTrades >= r.setSize {
		change = t.closeSetLocked(r)
	}
	t.mu.Unlock()

	if change != nil && t.onChange != nil {
		t.onChange(*change)
	}
}

// closeSetLocked finalizes the current set and applies the transition rules.
func (t *Tracker) closeSetLocked(r *strategyRecord) *ModeChange {
	now := t.now()
	winRate := decimal.NewFromInt(int64(r.currentWins)).
		Div(decimal.NewFromInt(int64(r.currentTrades)))
	result := SetResult{
		Sequence: len(r.completed) + 1,
		Trades:   r.currentTrades,
		Wins:     r.currentWins,
		WinRate:  winRate,
		Passed:   winRate.GreaterThanOrEqual(r.minWinRate),
		ClosedAt: now,
		NetPnL:   r.currentPnL,
	}
	r.completed = append(r.completed, result)
	r.currentTrades = 0
	r.currentWins = 0
	r.currentPnL = decimal.Zero

	t.logger.Info("evaluation set closed",
		"strategy", r.id,
		"sequence", result.Sequence,
		"win_rate", result.WinRate,
		"passed", result.Passed,
	)

	switch r.mode {
	case types.ModeLive:
		if !result.Passed {
			return t.transitionLocked(r, types.ModePaper,
				fmt.Sprintf("set %d win rate %s below minimum %s",
					result.Sequence, winRate.StringFixed(2), r.minWinRate.StringFixed(2)))
		}
	case types.ModePaper:
		n := len(r.completed)
		if n >= 2 {
			prev := r.completed[n-2]
			switch {
			case result.Passed && prev.Passed:
				return t.transitionLocked(r, types.ModeLive,
					fmt.Sprintf("sets %d and %d both passed", prev.Sequence, result.Sequence))
			case !result.Passed && !prev.Passed:
				return t.transitionLocked(r, types.ModeSuspended,
					fmt.Sprintf("sets %d and %d both failed", prev.Sequence, result.Sequence))
			}
		}
	}
	return nil
}

// transitionLocked applies a mode change. Same-mode transitions are no-ops,
// which makes repeated evaluations idempotent.
func (t *Tracker) transitionLocked(r *strategyRecord, to types.StrategyMode, reason string) *ModeChange {
	if r.mode == to {
		return nil
	}
	from := r.mode
	r.mode = to
	r.transitions = append(r.transitions, Transition{
		From: from, To: to, Reason: reason, At: t.now(),
	})
	t.logger.Info("strategy mode transition",
		"strategy", r.id,
		"from", from,
		"to", to,
		"reason", reason,
	)
	return &ModeChange{StrategyID: r.id, From: from, To: to, Reason: reason}
}

// SetMode is the manual override. The reason is recorded with the
// transition.
func (t *Tracker) SetMode(strategyID string, mode types.StrategyMode, reason string) error {
	switch mode {
	case types.ModeLive, types.ModePaper, types.ModeSuspended:
	default:
		return fmt.Errorf("tracker: invalid mode %q", mode)
	}

	t.mu.Lock()
	r, ok := t.strategies[strategyID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("tracker: unknown strategy %s", strategyID)
	}
	change := t.transitionLocked(r, mode, "manual: "+reason)
	t.mu.Unlock()

	if change != nil && t.onChange != nil {
		t.onChange(*change)
	}
	return nil
}

// Snapshot returns a copy of one strategy's state.
func (t *Tracker) Snapshot(strategyID string) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.strategies[strategyID]
	if !ok {
		return Snapshot{}, fmt.Errorf("tracker: unknown strategy %s", strategyID)
	}
	return r.snapshot(), nil
}

// Snapshots returns every strategy's state, for the API bootstrap payload.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Snapshot, 0, len(t.strategies))
	for _, r := range t.strategies {
		out = append(out, r.snapshot())
	}
	return out
}

func (r *strategyRecord) snapshot() Snapshot {
	return Snapshot{
		ID:            r.id,
		Name:          r.name,
		Mode:          r.mode,
		MinWinRate:    r.minWinRate,
		SetSize:       r.setSize,
		CurrentTrades: r.currentTrades,
		CurrentWins:   r.currentWins,
		CompletedSets: append([]SetResult(nil), r.completed...),
		Transitions:   append([]Transition(nil), r.transitions...),
	}
}
