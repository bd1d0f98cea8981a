package api

import (
	"time"

	"tradedesk/internal/rules"
	"tradedesk/internal/sim"
	"tradedesk/internal/tracker"
	"tradedesk/pkg/types"
)

// Snapshot is the one-shot state bundle UIs load before subscribing to
// the stream.
type Snapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Accounts    []AccountView      `json:"accounts"`
	Strategies  []tracker.Snapshot `json:"strategies"`
	Rules       []rules.DayState   `json:"rules"`
}

// AccountView bundles one simulated account with its open positions and
// performance metrics.
type AccountView struct {
	Account   types.Account    `json:"account"`
	Positions []types.Position `json:"positions"`
	Metrics   sim.Metrics      `json:"metrics"`
}

func (s *Server) buildSnapshot() Snapshot {
	snap := Snapshot{
		GeneratedAt: time.Now().UTC(),
		Strategies:  s.tracker.Snapshots(),
	}

	for _, id := range s.engine.AccountIDs() {
		acct, err := s.engine.Account(id)
		if err != nil {
			continue
		}
		positions, _ := s.engine.Positions(id)
		metrics, _ := s.engine.AccountMetrics(id)
		snap.Accounts = append(snap.Accounts, AccountView{
			Account:   acct,
			Positions: positions,
			Metrics:   metrics,
		})
	}

	for _, id := range s.ruleIDs {
		state, err := s.rules.State(id)
		if err != nil {
			continue
		}
		snap.Rules = append(snap.Rules, state)
	}
	return snap
}
