// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading core — instruments,
// alerts, orders, fills, positions, accounts, and stream topics. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of an inbound signal or order.
// "close" is only valid on an Alert; the router expands it into the
// opposing buy/sell before anything reaches an adapter.
type Side string

const (
	SideBuy   Side = "buy"
	SideSell  Side = "sell"
	SideClose Side = "close"
)

// Sign returns +1 for buy, -1 for sell, 0 for close.
func (s Side) Sign() int64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	default:
		return 0
	}
}

// Opposite returns the opposing executable side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether the side is one of the three accepted values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell || s == SideClose
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderMarket    OrderType = "market"
	OrderLimit     OrderType = "limit"
	OrderStop      OrderType = "stop"
	OrderStopLimit OrderType = "stop_limit"
)

// Valid reports whether the order type is recognized.
func (o OrderType) Valid() bool {
	switch o {
	case OrderMarket, OrderLimit, OrderStop, OrderStopLimit:
		return true
	}
	return false
}

// NeedsPrice reports whether a limit price is required for this order type.
func (o OrderType) NeedsPrice() bool {
	return o == OrderLimit || o == OrderStopLimit
}

// NeedsStopPrice reports whether a stop trigger price is required.
func (o OrderType) NeedsStopPrice() bool {
	return o == OrderStop || o == OrderStopLimit
}

// TimeInForce controls how long an order stays eligible for matching.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// Valid reports whether the TIF is recognized.
func (t TimeInForce) Valid() bool {
	switch t {
	case TIFDay, TIFGTC, TIFIOC, TIFFOK:
		return true
	}
	return false
}

// OrderStatus is the lifecycle state of an order. Transitions are monotonic:
// pending → working → (partially_filled)* → {filled | cancelled}; rejected is
// terminal and reachable only from pending.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusWorking         OrderStatus = "working"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// CanTransitionTo validates a single lifecycle step.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s == next && s == StatusPartiallyFilled {
		// Repeated partial fills stay in the same state.
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusWorking || next == StatusRejected || next == StatusCancelled
	case StatusWorking:
		return next == StatusPartiallyFilled || next == StatusFilled || next == StatusCancelled
	case StatusPartiallyFilled:
		return next == StatusFilled || next == StatusCancelled
	default:
		return false
	}
}

// AssetClass categorizes an instrument for session and multiplier defaults.
type AssetClass string

const (
	AssetEquity AssetClass = "equity"
	AssetOption AssetClass = "option"
	AssetFuture AssetClass = "future"
	AssetCrypto AssetClass = "crypto"
	AssetFX     AssetClass = "fx"
)

// AccountKind distinguishes the execution venue owning an account.
type AccountKind string

const (
	AccountLive      AccountKind = "live"
	AccountSandbox   AccountKind = "sandbox"
	AccountSimulator AccountKind = "simulator"
	AccountFunded    AccountKind = "funded"
)

// StrategyMode is the routing mode of a strategy.
type StrategyMode string

const (
	ModeLive      StrategyMode = "live"
	ModePaper     StrategyMode = "paper"
	ModeSuspended StrategyMode = "suspended"
)

// AlertState tracks an alert through the execution pipeline.
type AlertState string

const (
	AlertReceived   AlertState = "received"
	AlertValidating AlertState = "validating"
	AlertRouting    AlertState = "routing"
	AlertPlacing    AlertState = "placing"
	AlertWorking    AlertState = "working"
	AlertFilled     AlertState = "filled"
	AlertCancelled  AlertState = "cancelled"
	AlertRejected   AlertState = "rejected"
	AlertFailed     AlertState = "failed"
	AlertIgnored    AlertState = "ignored"
	AlertDuplicate  AlertState = "duplicate"
)

// Terminal reports whether the alert has reached a final state.
func (s AlertState) Terminal() bool {
	switch s {
	case AlertFilled, AlertCancelled, AlertRejected, AlertFailed, AlertIgnored, AlertDuplicate:
		return true
	}
	return false
}

// ViolationKind names the funded-account rule that was breached.
type ViolationKind string

const (
	ViolationDailyLoss     ViolationKind = "dailyLoss"
	ViolationDrawdown      ViolationKind = "drawdown"
	ViolationContractLimit ViolationKind = "contractLimit"
	ViolationSymbol        ViolationKind = "symbol"
	ViolationWindow        ViolationKind = "window"
	ViolationOvernight     ViolationKind = "overnight"
)

// ————————————————————————————————————————————————————————————————————————
// Instruments and sessions
// ————————————————————————————————————————————————————————————————————————

// Session is an instrument's active trading interval in UTC minutes from
// midnight. AllDay covers 24h venues (crypto, fx).
type Session struct {
	OpenMinute  int  `json:"open_minute"`
	CloseMinute int  `json:"close_minute"`
	AllDay      bool `json:"all_day"`
}

// Contains reports whether ts falls inside the session.
func (s Session) Contains(ts time.Time) bool {
	if s.AllDay {
		return true
	}
	m := ts.UTC().Hour()*60 + ts.UTC().Minute()
	if s.OpenMinute <= s.CloseMinute {
		return m >= s.OpenMinute && m < s.CloseMinute
	}
	// Overnight session wrapping midnight (e.g. futures globex).
	return m >= s.OpenMinute || m < s.CloseMinute
}

// Instrument is the canonical descriptor a user symbol resolves to.
// Immutable once created by the registry.
type Instrument struct {
	Symbol     string          `json:"symbol"`
	AssetClass AssetClass      `json:"asset_class"`
	TickSize   decimal.Decimal `json:"tick_size"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Session    Session         `json:"session"`
}

// ————————————————————————————————————————————————————————————————————————
// Alerts
// ————————————————————————————————————————————————————————————————————————

// Alert is the canonical inbound signal, produced by the webhook receiver
// and consumed by the coordinator. Never mutated after creation.
type Alert struct {
	ID           string           `json:"id"`
	Source       string           `json:"source"`
	ReceivedAt   time.Time        `json:"received_at"`
	StrategyID   string           `json:"strategy_id"`
	AccountGroup string           `json:"account_group"`
	Symbol       string           `json:"symbol"`
	Side         Side             `json:"side"`
	Quantity     int64            `json:"quantity"`
	OrderType    OrderType        `json:"order_type"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	StopPrice    *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce  TimeInForce      `json:"time_in_force"`
	ClientNonce  string           `json:"client_nonce"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders, fills, positions, accounts
// ————————————————————————————————————————————————————————————————————————

// OrderSpec is what the router materializes from an alert and hands to an
// adapter. Side is always buy or sell here. ClientTag is the idempotency
// key derived from the alert id; resending the same tag must not create a
// second order.
type OrderSpec struct {
	AccountID   string           `json:"account_id"`
	Instrument  Instrument       `json:"instrument"`
	Side        Side             `json:"side"`
	Quantity    int64            `json:"quantity"`
	OrderType   OrderType        `json:"order_type"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	StopPrice   *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce TimeInForce      `json:"time_in_force"`
	ClientTag   string           `json:"client_tag"`
}

// Order is the engine-side record of a placed order.
type Order struct {
	ID           string           `json:"id"`
	AccountID    string           `json:"account_id"`
	BrokerRef    string           `json:"broker_ref,omitempty"`
	Instrument   Instrument       `json:"instrument"`
	Side         Side             `json:"side"`
	Quantity     int64            `json:"quantity"`
	OrderType    OrderType        `json:"order_type"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	StopPrice    *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce  TimeInForce      `json:"time_in_force"`
	Status       OrderStatus      `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	FilledQty    int64            `json:"filled_qty"`
	AvgFillPrice decimal.Decimal  `json:"avg_fill_price"`
	RejectReason string           `json:"reject_reason,omitempty"`
	ClientTag    string           `json:"client_tag,omitempty"`
}

// Fill is an immutable execution record.
type Fill struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	AccountID  string          `json:"account_id"`
	Instrument Instrument      `json:"instrument"`
	Side       Side            `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Position is derived from the fill stream. NetQty is signed: positive is
// long, negative is short. A zero NetQty means the position is closed.
type Position struct {
	AccountID     string          `json:"account_id"`
	Instrument    Instrument      `json:"instrument"`
	NetQty        int64           `json:"net_qty"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	MarketPrice   decimal.Decimal `json:"market_price"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Account is either engine-owned (simulator) or a cached broker projection.
type Account struct {
	ID             string          `json:"id"`
	Kind           AccountKind     `json:"kind"`
	Broker         string          `json:"broker"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	DailyPnL       decimal.Decimal `json:"daily_pnl"`
	TotalPnL       decimal.Decimal `json:"total_pnl"`
	OpenPositions  int             `json:"open_positions"`
	Currency       string          `json:"currency"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Quote is a simulated top-of-book snapshot. The simulator is authoritative
// on these prices.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Mid       decimal.Decimal `json:"mid"`
	Timestamp time.Time       `json:"timestamp"`
}

// Violation records a funded-account rule breach raised at runtime.
type Violation struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	Kind        ViolationKind   `json:"kind"`
	TriggeredAt time.Time       `json:"triggered_at"`
	RuleLimit   decimal.Decimal `json:"rule_limit"`
	ActualValue decimal.Decimal `json:"actual_value"`
	Resolved    bool            `json:"resolved"`
	Message     string          `json:"message"`
}

// ————————————————————————————————————————————————————————————————————————
// Stream topics
// ————————————————————————————————————————————————————————————————————————

// TopicKind enumerates the broadcast message categories clients subscribe to.
type TopicKind string

const (
	TopicQuote        TopicKind = "quote"
	TopicAccount      TopicKind = "account"
	TopicPosition     TopicKind = "position"
	TopicOrder        TopicKind = "order"
	TopicFill         TopicKind = "fill"
	TopicAlertStatus  TopicKind = "alertStatus"
	TopicViolation    TopicKind = "violation"
	TopicStrategyMode TopicKind = "strategyMode"
)

// Valid reports whether the topic kind is recognized.
func (k TopicKind) Valid() bool {
	switch k {
	case TopicQuote, TopicAccount, TopicPosition, TopicOrder, TopicFill,
		TopicAlertStatus, TopicViolation, TopicStrategyMode:
		return true
	}
	return false
}

// Topic is a typed selector. An empty selector matches every message of the
// kind; otherwise the selector must equal the message's selector (a symbol,
// account id, or strategy id depending on kind).
type Topic struct {
	Kind     TopicKind `json:"kind"`
	Selector string    `json:"selector,omitempty"`
}

// Key returns the canonical "kind:selector" form used in subscribe messages.
func (t Topic) Key() string {
	if t.Selector == "" {
		return string(t.Kind)
	}
	return string(t.Kind) + ":" + t.Selector
}

// ParseTopic parses "kind" or "kind:selector".
func ParseTopic(s string) (Topic, error) {
	kind, sel, _ := strings.Cut(s, ":")
	t := Topic{Kind: TopicKind(kind), Selector: sel}
	if !t.Kind.Valid() {
		return Topic{}, fmt.Errorf("unknown topic kind %q", kind)
	}
	return t, nil
}

// Matches reports whether a message with the given kind and selector should
// be delivered to a subscriber of this topic.
func (t Topic) Matches(kind TopicKind, selector string) bool {
	if t.Kind != kind {
		return false
	}
	return t.Selector == "" || t.Selector == selector
}
