// Package router chooses the execution destination for each alert and
// materializes the order the destination will receive.
//
// Destination precedence: a suspended strategy routes nowhere, a
// paper-moded strategy always routes to the simulator regardless of the
// alert's account group, a "paper_" group prefix picks the simulator or a
// named sandbox, and anything else routes to the live adapter registered
// for the group.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"tradedesk/internal/broker"
	"tradedesk/internal/registry"
	"tradedesk/internal/tracker"
	"tradedesk/pkg/types"
)

// Decision is the routing outcome for one alert.
type Decision struct {
	Adapter broker.Adapter
	Spec    types.OrderSpec
	// Ignored marks a close alert with no position to close. No order is
	// placed and the alert terminates as ignored.
	Ignored bool
	Reason  string
}

// Router resolves alerts to destinations.
type Router struct {
	registry  *registry.Registry
	tracker   *tracker.Tracker
	sim       broker.Adapter
	live      map[string]broker.Adapter // account group -> adapter
	sandboxes map[string]broker.Adapter // sandbox name -> adapter
	logger    *slog.Logger
}

// New builds a router. live maps account groups to their adapters;
// sandboxes maps names usable as "paper_<name>" suffixes.
func New(reg *registry.Registry, tr *tracker.Tracker, sim broker.Adapter,
	live, sandboxes map[string]broker.Adapter, logger *slog.Logger) *Router {
	return &Router{
		registry:  reg,
		tracker:   tr,
		sim:       sim,
		live:      live,
		sandboxes: sandboxes,
		logger:    logger.With("component", "router"),
	}
}

// Route picks the destination and materializes the order spec.
func (r *Router) Route(ctx context.Context, alert types.Alert) (Decision, error) {
	mode := r.tracker.Mode(alert.StrategyID)
	if mode == types.ModeSuspended {
		return Decision{}, broker.Reject(broker.ReasonSuspended,
			"strategy %s is suspended", alert.StrategyID)
	}

	dest, err := r.destination(alert, mode)
	if err != nil {
		return Decision{}, err
	}

	inst, err := r.registry.Resolve(alert.Symbol)
	if err != nil {
		return Decision{}, broker.Reject(broker.ReasonSymbol,
			"cannot resolve %q", alert.Symbol)
	}

	spec := types.OrderSpec{
		AccountID:   alert.AccountGroup,
		Instrument:  inst,
		Side:        alert.Side,
		Quantity:    alert.Quantity,
		OrderType:   alert.OrderType,
		TimeInForce: alert.TimeInForce,
		ClientTag:   alert.ID,
	}
	if alert.Price != nil {
		p := r.registry.TickRound(inst, *alert.Price)
		spec.Price = &p
	}
	if alert.StopPrice != nil {
		p := r.registry.TickRound(inst, *alert.StopPrice)
		spec.StopPrice = &p
	}

	if alert.Side == types.SideClose {
		return r.expandClose(ctx, dest, spec)
	}

	r.logger.Info("alert routed",
		"alert", alert.ID,
		"strategy", alert.StrategyID,
		"mode", mode,
		"destination", dest.Name(),
		"symbol", inst.Symbol,
	)
	return Decision{Adapter: dest, Spec: spec}, nil
}

func (r *Router) destination(alert types.Alert, mode types.StrategyMode) (broker.Adapter, error) {
	if mode == types.ModePaper {
		return r.sim, nil
	}

	if suffix, ok := strings.CutPrefix(alert.AccountGroup, "paper_"); ok {
		if suffix == "" || suffix == "sim" {
			return r.sim, nil
		}
		if sb, ok := r.sandboxes[suffix]; ok {
			return sb, nil
		}
		// Unknown sandbox names degrade to the simulator rather than
		// failing the alert.
		r.logger.Warn("unknown sandbox, routing to simulator",
			"group", alert.AccountGroup)
		return r.sim, nil
	}

	if a, ok := r.live[alert.AccountGroup]; ok {
		return a, nil
	}
	return nil, broker.Reject(broker.ReasonNotFound,
		"no adapter for account group %q", alert.AccountGroup)
}

// expandClose turns a close into an opposing order for the full open
// quantity, or an ignored no-op when the account is flat in the symbol.
func (r *Router) expandClose(ctx context.Context, dest broker.Adapter, spec types.OrderSpec) (Decision, error) {
	positions, err := dest.GetPositions(ctx, spec.AccountID)
	if err != nil {
		return Decision{}, fmt.Errorf("close expansion: %w", err)
	}

	for _, p := range positions {
		if p.Instrument.Symbol != spec.Instrument.Symbol || p.NetQty == 0 {
			continue
		}
		if p.NetQty > 0 {
			spec.Side = types.SideSell
			spec.Quantity = p.NetQty
		} else {
			spec.Side = types.SideBuy
			spec.Quantity = -p.NetQty
		}
		// Closes always go out as marketable orders.
		spec.OrderType = types.OrderMarket
		spec.Price = nil
		spec.StopPrice = nil
		return Decision{Adapter: dest, Spec: spec}, nil
	}

	return Decision{Ignored: true, Reason: "no open position to close"}, nil
}
