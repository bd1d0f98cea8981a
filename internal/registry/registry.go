// Package registry normalizes user-facing symbols to canonical instrument
// descriptors and answers tick-rounding and session questions for them.
//
// Continuous-futures notations ("ES1!", "NQ1!", plain roots) resolve to the
// front month of a static quarterly calendar. Unknown symbols pass through
// as equities with default tick 0.01 and multiplier 1.
package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/pkg/types"
)

// ErrNotFound is returned when a symbol cannot be resolved and equity
// pass-through is disabled.
var ErrNotFound = fmt.Errorf("registry: symbol not found")

// futuresContract is the static per-root contract definition.
type futuresContract struct {
	tickSize   decimal.Decimal
	multiplier decimal.Decimal
	session    types.Session
}

// CME equity index futures trade nearly around the clock with a one-hour
// maintenance break 22:00-23:00 UTC.
var globexSession = types.Session{OpenMinute: 23 * 60, CloseMinute: 22 * 60}

// Quarterly expiry month codes in calendar order.
var quarterlyCodes = []struct {
	month time.Month
	code  byte
}{
	{time.March, 'H'},
	{time.June, 'M'},
	{time.September, 'U'},
	{time.December, 'Z'},
}

var futuresRoots = map[string]futuresContract{
	"ES":  {decimal.NewFromFloat(0.25), decimal.NewFromInt(50), globexSession},
	"NQ":  {decimal.NewFromFloat(0.25), decimal.NewFromInt(20), globexSession},
	"YM":  {decimal.NewFromInt(1), decimal.NewFromInt(5), globexSession},
	"RTY": {decimal.NewFromFloat(0.1), decimal.NewFromInt(50), globexSession},
	"MES": {decimal.NewFromFloat(0.25), decimal.NewFromInt(5), globexSession},
	"MNQ": {decimal.NewFromFloat(0.25), decimal.NewFromInt(2), globexSession},
	"CL":  {decimal.NewFromFloat(0.01), decimal.NewFromInt(1000), globexSession},
	"GC":  {decimal.NewFromFloat(0.1), decimal.NewFromInt(100), globexSession},
	"SI":  {decimal.NewFromFloat(0.005), decimal.NewFromInt(5000), globexSession},
}

// US cash equity session, 14:30-21:00 UTC.
var equitySession = types.Session{OpenMinute: 14*60 + 30, CloseMinute: 21 * 60}

var cryptoSession = types.Session{AllDay: true}

// Registry resolves user symbols to canonical instruments. Safe for
// concurrent use; the tables are immutable after construction.
type Registry struct {
	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the front-month clock (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry.
func New(opts ...Option) *Registry {
	r := &Registry{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve normalizes a user symbol to a canonical Instrument.
// Matching is case-insensitive; continuous-futures suffixes ("1!", "!")
// are stripped before the root lookup.
func (r *Registry) Resolve(userSymbol string) (types.Instrument, error) {
	sym := strings.ToUpper(strings.TrimSpace(userSymbol))
	if sym == "" {
		return types.Instrument{}, ErrNotFound
	}

	root := strings.TrimSuffix(strings.TrimSuffix(sym, "1!"), "!")
	if c, ok := futuresRoots[root]; ok {
		return types.Instrument{
			Symbol:     root + frontMonthCode(r.now().UTC()),
			AssetClass: types.AssetFuture,
			TickSize:   c.tickSize,
			Multiplier: c.multiplier,
			Session:    c.session,
		}, nil
	}

	if strings.HasSuffix(sym, "USD") || strings.HasSuffix(sym, "USDT") {
		return types.Instrument{
			Symbol:     sym,
			AssetClass: types.AssetCrypto,
			TickSize:   decimal.NewFromFloat(0.01),
			Multiplier: decimal.NewFromInt(1),
			Session:    cryptoSession,
		}, nil
	}

	// Unknown symbols pass through verbatim as equities.
	return types.Instrument{
		Symbol:     sym,
		AssetClass: types.AssetEquity,
		TickSize:   decimal.NewFromFloat(0.01),
		Multiplier: decimal.NewFromInt(1),
		Session:    equitySession,
	}, nil
}

// TickRound rounds a price to the instrument's tick size using
// half-away-from-zero rounding.
func (r *Registry) TickRound(inst types.Instrument, price decimal.Decimal) decimal.Decimal {
	if inst.TickSize.IsZero() {
		return price
	}
	// decimal.Round rounds half away from zero, which is exactly the
	// rounding the tick grid needs.
	return price.Div(inst.TickSize).Round(0).Mul(inst.TickSize)
}

// SessionOpen reports whether the instrument trades at the given UTC time.
func (r *Registry) SessionOpen(inst types.Instrument, ts time.Time) bool {
	return inst.Session.Contains(ts)
}

// frontMonthCode returns the quarterly contract suffix (month code + year
// digit) for the front month at the given time. Contracts roll mid-month of
// the expiry month; after the 14th the next quarter is front.
func frontMonthCode(now time.Time) string {
	year := now.Year()
	for _, q := range quarterlyCodes {
		if now.Month() < q.month || (now.Month() == q.month && now.Day() <= 14) {
			return fmt.Sprintf("%c%d", q.code, year%10)
		}
	}
	// Past the December roll: next front month is March of next year.
	return fmt.Sprintf("H%d", (year+1)%10)
}
