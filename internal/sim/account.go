// account.go holds per-account bookkeeping: cash, positions, and the fill
// history the metrics derive from. All money flows through decimal; fills
// debit or credit full notional so cash plus open cost basis always equals
// initial balance plus realized P&L minus commission.
package sim

import (
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/pkg/types"
)

type simAccount struct {
	id             string
	initialBalance decimal.Decimal
	cash           decimal.Decimal
	realizedPnL    decimal.Decimal
	dailyPnL       decimal.Decimal
	commissionPaid decimal.Decimal

	positions map[string]*types.Position // by symbol
	fills     []types.Fill

	metrics metricsState
}

func newSimAccount(id string, initialBalance decimal.Decimal) *simAccount {
	a := &simAccount{
		id:             id,
		initialBalance: initialBalance,
		cash:           initialBalance,
		positions:      make(map[string]*types.Position),
	}
	a.metrics.peakEquity = initialBalance
	return a
}

// reset restores the account to its initial state.
func (a *simAccount) reset() {
	a.cash = a.initialBalance
	a.realizedPnL = decimal.Zero
	a.dailyPnL = decimal.Zero
	a.commissionPaid = decimal.Zero
	a.positions = make(map[string]*types.Position)
	a.fills = nil
	a.metrics = metricsState{peakEquity: a.initialBalance}
}

// equity is cash plus marked open positions.
func (a *simAccount) equity() decimal.Decimal {
	eq := a.cash
	for _, p := range a.positions {
		notional := decimal.NewFromInt(p.NetQty).Mul(p.MarketPrice).Mul(p.Instrument.Multiplier)
		eq = eq.Add(notional)
	}
	return eq
}

// buyingPower = equity · multiplier − Σ |netQty| · mark · instrument
// multiplier. Equity, not raw cash: fills debit full notional, so cash
// alone goes negative while a position is open and would count the same
// exposure twice.
func (a *simAccount) buyingPower(bpMultiplier decimal.Decimal) decimal.Decimal {
	bp := a.equity().Mul(bpMultiplier)
	for _, p := range a.positions {
		used := decimal.NewFromInt(abs64(p.NetQty)).Mul(p.MarketPrice).Mul(p.Instrument.Multiplier)
		bp = bp.Sub(used)
	}
	return bp
}

func (a *simAccount) openContracts() int64 {
	var n int64
	for _, p := range a.positions {
		n += abs64(p.NetQty)
	}
	return n
}

// marginIncrease is the portion of a prospective signed fill quantity that
// grows the position's absolute size. Exposure-reducing quantity is free,
// so a close is always placeable no matter how levered the account is.
func (a *simAccount) marginIncrease(symbol string, signedQty int64) int64 {
	var net int64
	if p, ok := a.positions[symbol]; ok {
		net = p.NetQty
	}
	inc := abs64(net+signedQty) - abs64(net)
	if inc < 0 {
		return 0
	}
	return inc
}

// applyFill books one execution: cash moves by signed notional plus
// commission, the position updates with side-aware average cost, and any
// closing quantity realizes P&L. Returns the realized P&L net of commission
// for the closing portion, and whether the fill closed quantity at all.
func (a *simAccount) applyFill(f types.Fill, now time.Time) (netRealized decimal.Decimal, closing bool) {
	sign := decimal.NewFromInt(int64(f.Side.Sign()))
	qty := decimal.NewFromInt(f.Quantity)
	mult := f.Instrument.Multiplier

	// Cash: buys debit notional, sells credit it. Commission always debits.
	notional := f.Price.Mul(qty).Mul(mult)
	a.cash = a.cash.Sub(notional.Mul(sign)).Sub(f.Commission)
	a.commissionPaid = a.commissionPaid.Add(f.Commission)

	pos, ok := a.positions[f.Instrument.Symbol]
	if !ok {
		pos = &types.Position{
			AccountID:  a.id,
			Instrument: f.Instrument,
			AvgCost:    f.Price,
		}
		a.positions[f.Instrument.Symbol] = pos
	}

	fillQty := f.Quantity * int64(f.Side.Sign())
	gross := decimal.Zero

	switch {
	case pos.NetQty == 0:
		pos.AvgCost = f.Price
		pos.NetQty = fillQty

	case sameDirection(pos.NetQty, fillQty):
		// Scaling in: weighted average cost.
		oldAbs := decimal.NewFromInt(abs64(pos.NetQty))
		addAbs := decimal.NewFromInt(abs64(fillQty))
		totalAbs := oldAbs.Add(addAbs)
		pos.AvgCost = pos.AvgCost.Mul(oldAbs).Add(f.Price.Mul(addAbs)).Div(totalAbs)
		pos.NetQty += fillQty

	default:
		// Reducing, closing, or flipping.
		closedQty := min64(abs64(pos.NetQty), abs64(fillQty))
		posSign := decimal.NewFromInt(int64(sign64(pos.NetQty)))
		gross = f.Price.Sub(pos.AvgCost).
			Mul(decimal.NewFromInt(closedQty)).
			Mul(mult).
			Mul(posSign)
		pos.RealizedPnL = pos.RealizedPnL.Add(gross)

		remaining := pos.NetQty + fillQty
		pos.NetQty = remaining
		if remaining != 0 && !sameDirection(remaining, fillQty*-1) {
			// Flipped through zero: the surviving quantity opened at the
			// fill price.
			pos.AvgCost = f.Price
		}
		closing = true
	}

	pos.MarketPrice = f.Price
	pos.UpdatedAt = now
	if pos.NetQty == 0 {
		delete(a.positions, f.Instrument.Symbol)
	}

	// realizedPnL stays gross so cash − initial == realized − commission
	// holds exactly once the account is flat. Daily P&L is net of every
	// commission paid.
	netRealized = gross.Sub(f.Commission)
	a.realizedPnL = a.realizedPnL.Add(gross)
	a.dailyPnL = a.dailyPnL.Add(netRealized)
	a.fills = append(a.fills, f)

	if closing {
		a.metrics.recordClose(netRealized)
	}
	a.metrics.observeEquity(a.equity())
	return netRealized, closing
}

// markPositions refreshes unrealized P&L against the latest quotes.
func (a *simAccount) markPositions(marks map[string]decimal.Decimal, now time.Time) {
	for sym, p := range a.positions {
		mark, ok := marks[sym]
		if !ok {
			continue
		}
		p.MarketPrice = mark
		p.UnrealizedPnL = mark.Sub(p.AvgCost).
			Mul(decimal.NewFromInt(p.NetQty)).
			Mul(p.Instrument.Multiplier)
		p.UpdatedAt = now
	}
	a.metrics.observeEquity(a.equity())
}

// snapshot renders the account in the shared wire shape.
func (a *simAccount) snapshot(bpMultiplier decimal.Decimal, now time.Time) types.Account {
	return types.Account{
		ID:             a.id,
		Kind:           types.AccountSimulator,
		Broker:         "sim",
		InitialBalance: a.initialBalance,
		CurrentBalance: a.cash,
		BuyingPower:    a.buyingPower(bpMultiplier),
		DailyPnL:       a.dailyPnL,
		TotalPnL:       a.realizedPnL.Sub(a.commissionPaid),
		OpenPositions:  len(a.positions),
		Currency:       "USD",
		UpdatedAt:      now,
	}
}

func sameDirection(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func sign64(v int64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
