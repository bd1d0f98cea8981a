// quotes.go simulates top-of-book prices.
//
// Each armed instrument carries a mid advancing by a bounded random walk on
// the engine tick. The walk runs on float64 internally; published prices are
// converted to decimal and snapped to the instrument's tick grid, and the
// engine is authoritative on them.
package sim

import (
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/pkg/types"
)

// Seed mids for common roots so a fresh engine quotes plausible levels.
// Unknown symbols start at 100.
var seedMids = map[string]float64{
	"ES":  5000,
	"NQ":  18000,
	"YM":  40000,
	"RTY": 2100,
	"MES": 5000,
	"MNQ": 18000,
	"CL":  75,
	"GC":  2400,
	"SI":  30,
}

type quoteState struct {
	inst types.Instrument
	mid  float64
	base float64 // walk is bounded to base ± 5%
}

func newQuoteState(inst types.Instrument) *quoteState {
	base := 100.0
	for root, m := range seedMids {
		if len(inst.Symbol) >= len(root) && inst.Symbol[:len(root)] == root {
			base = m
			break
		}
	}
	return &quoteState{inst: inst, mid: base, base: base}
}

// step advances the walk one tick: a uniform move within ±walkBps of the
// current mid, clamped to ±5% of the seed so simulated prices stay sane
// overnight.
func (q *quoteState) step(rng *rand.Rand, walkBps int) {
	move := q.mid * float64(walkBps) / 10000 * (2*rng.Float64() - 1)
	next := q.mid + move
	if lo := q.base * 0.95; next < lo {
		next = lo
	}
	if hi := q.base * 1.05; next > hi {
		next = hi
	}
	q.mid = next
}

// quote renders the current bid/ask/mid as tick-rounded decimals.
func (q *quoteState) quote(spreadBps int, now time.Time) types.Quote {
	mid := decimal.NewFromFloat(q.mid)
	half := mid.Mul(decimal.NewFromInt(int64(spreadBps))).Div(decimal.NewFromInt(20000))
	return types.Quote{
		Symbol:    q.inst.Symbol,
		Bid:       tickRound(q.inst, mid.Sub(half)),
		Ask:       tickRound(q.inst, mid.Add(half)),
		Mid:       tickRound(q.inst, mid),
		Timestamp: now,
	}
}

// tickRound snaps a price to the instrument grid, half away from zero.
func tickRound(inst types.Instrument, price decimal.Decimal) decimal.Decimal {
	if inst.TickSize.IsZero() {
		return price
	}
	return price.Div(inst.TickSize).Round(0).Mul(inst.TickSize)
}
