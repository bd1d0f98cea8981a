// Package rules enforces funded-account constraints in two roles: pre-trade
// validation of proposed orders and post-trade monitoring of the fill
// stream. A hard breach (daily loss, trailing drawdown) raises a Violation,
// suspends the account for the rest of the trading day, and signals an
// emergency flatten on the engine's flatten channel.
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradedesk/internal/broker"
	"tradedesk/internal/config"
	"tradedesk/pkg/types"
)

// AccountRules is one account's immutable rule set for the funded period.
type AccountRules struct {
	AccountID        string
	MaxDailyLoss     decimal.Decimal
	TrailingDrawdown decimal.Decimal
	MaxContracts     int64
	ProfitTarget     decimal.Decimal
	MinTradingDays   int
	Restricted       map[string]bool
	AllowOvernight   bool
	// Trading window in UTC minutes from midnight; open == close means no
	// window restriction.
	WindowOpen  int
	WindowClose int
}

// windowAdmits reports whether the rule window allows trading at ts,
// handling windows that wrap midnight.
func (r AccountRules) windowAdmits(ts time.Time) bool {
	if r.WindowOpen == r.WindowClose {
		return true
	}
	m := ts.UTC().Hour()*60 + ts.UTC().Minute()
	if r.WindowOpen < r.WindowClose {
		return m >= r.WindowOpen && m < r.WindowClose
	}
	return m >= r.WindowOpen || m < r.WindowClose
}

// Opening orders inside this buffer before session close count as overnight
// exposure when the account disallows it.
const overnightBuffer = 15 * time.Minute

// ValidationError carries every failed pre-trade check so callers can show
// all violations at once.
type ValidationError struct {
	Reasons []Reason
}

// Reason is one failed check.
type Reason struct {
	Code    broker.ReasonCode
	Message string
}

func (e *ValidationError) Error() string {
	codes := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		codes[i] = string(r.Code)
	}
	return "rule validation failed: " + strings.Join(codes, ",")
}

// Codes returns the failing reason codes in check order.
func (e *ValidationError) Codes() []broker.ReasonCode {
	out := make([]broker.ReasonCode, len(e.Reasons))
	for i, r := range e.Reasons {
		out[i] = r.Code
	}
	return out
}

// FlattenSignal asks the owning adapter to cancel all working orders and
// close every open position at market.
type FlattenSignal struct {
	AccountID string
	Violation types.Violation
}

// parseRules converts a config block, resolving the HH:MM window.
func parseRules(fc config.FundedAccountConfig) (AccountRules, error) {
	r := AccountRules{
		AccountID:        fc.AccountID,
		MaxDailyLoss:     decimal.NewFromFloat(fc.MaxDailyLoss),
		TrailingDrawdown: decimal.NewFromFloat(fc.TrailingDrawdown),
		MaxContracts:     fc.MaxContracts,
		ProfitTarget:     decimal.NewFromFloat(fc.ProfitTarget),
		MinTradingDays:   fc.MinTradingDays,
		Restricted:       make(map[string]bool, len(fc.RestrictedSymbols)),
		AllowOvernight:   fc.AllowOvernight,
	}
	for _, s := range fc.RestrictedSymbols {
		r.Restricted[strings.ToUpper(s)] = true
	}

	var err error
	if r.WindowOpen, err = parseHHMM(fc.WindowOpen); err != nil {
		return r, fmt.Errorf("account %s window_open: %w", fc.AccountID, err)
	}
	if r.WindowClose, err = parseHHMM(fc.WindowClose); err != nil {
		return r, fmt.Errorf("account %s window_close: %w", fc.AccountID, err)
	}
	return r, nil
}

func parseHHMM(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func newViolation(accountID string, kind types.ViolationKind, limit, actual decimal.Decimal, now time.Time, msg string) types.Violation {
	return types.Violation{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Kind:        kind,
		TriggeredAt: now,
		RuleLimit:   limit,
		ActualValue: actual,
		Message:     msg,
	}
}
