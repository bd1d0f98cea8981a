package broker

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradedesk/pkg/types"
)

// Venues serialize money as strings. Decoding goes through decimal so no
// float truncation sneaks into balances.

func parseMoney(field, raw string, dst *decimal.Decimal) error {
	if raw == "" {
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("decode %s: %w", field, err)
	}
	*dst = d
	return nil
}

func decodeAccount(w wireAccount) (types.Account, error) {
	acct := types.Account{
		ID:            w.AccountID,
		Kind:          types.AccountLive,
		OpenPositions: w.OpenPositions,
		Currency:      w.Currency,
		UpdatedAt:     w.UpdatedAt,
	}
	if err := parseMoney("initial_balance", w.InitialBalance, &acct.InitialBalance); err != nil {
		return types.Account{}, err
	}
	if err := parseMoney("cash_balance", w.CashBalance, &acct.CurrentBalance); err != nil {
		return types.Account{}, err
	}
	if err := parseMoney("buying_power", w.BuyingPower, &acct.BuyingPower); err != nil {
		return types.Account{}, err
	}
	if err := parseMoney("daily_pnl", w.DailyPnL, &acct.DailyPnL); err != nil {
		return types.Account{}, err
	}
	if err := parseMoney("total_pnl", w.TotalPnL, &acct.TotalPnL); err != nil {
		return types.Account{}, err
	}
	return acct, nil
}

func decodePosition(w wirePosition) (types.Position, error) {
	pos := types.Position{
		AccountID:  w.AccountID,
		Instrument: types.Instrument{Symbol: w.Symbol},
		NetQty:     w.NetQty,
		UpdatedAt:  w.UpdatedAt,
	}
	if err := parseMoney("avg_cost", w.AvgCost, &pos.AvgCost); err != nil {
		return types.Position{}, err
	}
	if err := parseMoney("realized_pnl", w.RealizedPnL, &pos.RealizedPnL); err != nil {
		return types.Position{}, err
	}
	if err := parseMoney("unrealized_pnl", w.UnrealizedPnL, &pos.UnrealizedPnL); err != nil {
		return types.Position{}, err
	}
	if err := parseMoney("market_price", w.MarketPrice, &pos.MarketPrice); err != nil {
		return types.Position{}, err
	}
	return pos, nil
}
