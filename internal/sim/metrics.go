// metrics.go derives per-account performance statistics from the closing
// trade stream and the running equity curve.
package sim

import (
	"github.com/shopspring/decimal"
)

// Metrics is the per-account performance snapshot consumed by the rule
// engine, the tracker, and the UI.
type Metrics struct {
	ClosingTrades int             `json:"closing_trades"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
	WinRate       decimal.Decimal `json:"win_rate"`
	ProfitFactor  decimal.Decimal `json:"profit_factor"`
	// ProfitFactorInf is set when gross loss is zero and gross profit is
	// positive; ProfitFactor is left at zero in that case.
	ProfitFactorInf bool            `json:"profit_factor_inf"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown"`
	AvgWin          decimal.Decimal `json:"avg_win"`
	AvgLoss         decimal.Decimal `json:"avg_loss"`
	PeakEquity      decimal.Decimal `json:"peak_equity"`
	Equity          decimal.Decimal `json:"equity"`
}

// metricsState is the running accumulator behind Metrics.
type metricsState struct {
	wins        int
	losses      int
	grossProfit decimal.Decimal
	grossLoss   decimal.Decimal // stored positive

	peakEquity  decimal.Decimal
	equity      decimal.Decimal
	maxDrawdown decimal.Decimal
}

// recordClose books one closing trade's net realized P&L. Zero P&L counts
// as a loss: a scratch trade does not advance the win rate.
func (m *metricsState) recordClose(netRealized decimal.Decimal) {
	if netRealized.IsPositive() {
		m.wins++
		m.grossProfit = m.grossProfit.Add(netRealized)
	} else {
		m.losses++
		m.grossLoss = m.grossLoss.Add(netRealized.Neg())
	}
}

// observeEquity updates the peak and the max peak-to-trough drawdown.
func (m *metricsState) observeEquity(equity decimal.Decimal) {
	m.equity = equity
	if equity.GreaterThan(m.peakEquity) {
		m.peakEquity = equity
	}
	if dd := m.peakEquity.Sub(equity); dd.GreaterThan(m.maxDrawdown) {
		m.maxDrawdown = dd
	}
}

// snapshot computes the derived ratios.
func (m *metricsState) snapshot() Metrics {
	out := Metrics{
		ClosingTrades: m.wins + m.losses,
		Wins:          m.wins,
		Losses:        m.losses,
		MaxDrawdown:   m.maxDrawdown,
		PeakEquity:    m.peakEquity,
		Equity:        m.equity,
	}
	if out.ClosingTrades > 0 {
		out.WinRate = decimal.NewFromInt(int64(m.wins)).
			Div(decimal.NewFromInt(int64(out.ClosingTrades)))
	}
	switch {
	case m.grossLoss.IsPositive():
		out.ProfitFactor = m.grossProfit.Div(m.grossLoss)
	case m.grossProfit.IsPositive():
		out.ProfitFactorInf = true
	}
	if m.wins > 0 {
		out.AvgWin = m.grossProfit.Div(decimal.NewFromInt(int64(m.wins)))
	}
	if m.losses > 0 {
		out.AvgLoss = m.grossLoss.Div(decimal.NewFromInt(int64(m.losses)))
	}
	return out
}
