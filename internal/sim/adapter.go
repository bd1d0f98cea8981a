package sim

import (
	"context"

	"tradedesk/internal/broker"
	"tradedesk/pkg/types"
)

// Adapter presents the engine through the venue adapter contract so the
// router treats the simulator like any other destination.
type Adapter struct {
	engine *Engine
}

// NewAdapter wraps an engine.
func NewAdapter(engine *Engine) *Adapter {
	return &Adapter{engine: engine}
}

func (a *Adapter) Name() string { return "sim" }

func (a *Adapter) PlaceOrder(ctx context.Context, spec types.OrderSpec) (broker.OrderAck, error) {
	return a.engine.PlaceOrder(ctx, spec)
}

func (a *Adapter) CancelOrder(ctx context.Context, brokerRef string) error {
	return a.engine.CancelOrder(ctx, brokerRef)
}

func (a *Adapter) GetAccount(ctx context.Context, accountID string) (types.Account, error) {
	return a.engine.Account(accountID)
}

func (a *Adapter) GetPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	return a.engine.Positions(accountID)
}

func (a *Adapter) StreamUpdates(ctx context.Context, accountID string) (<-chan broker.Update, error) {
	return a.engine.Subscribe(ctx, accountID)
}

var _ broker.Adapter = (*Adapter)(nil)
