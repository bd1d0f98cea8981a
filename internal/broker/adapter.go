// Package broker defines the uniform adapter contract every execution venue
// implements — live brokers, broker sandboxes, and the paper-trading
// simulator — plus the REST/WebSocket implementation used for external
// venues.
//
// Adding a venue means implementing the Adapter capability set. Callers
// classify failures with Retryable: typed rejections are fatal, transport
// faults are retried by the coordinator.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"tradedesk/pkg/types"
)

// ReasonCode is a stable rejection classifier carried by every rejection so
// the routing layer can distinguish retryable from fatal without parsing
// message text.
type ReasonCode string

const (
	ReasonNoBuyingPower ReasonCode = "NO_BP"
	ReasonClosed        ReasonCode = "CLOSED"
	ReasonSymbol        ReasonCode = "SYMBOL"
	ReasonContractLimit ReasonCode = "CONTRACT_LIMIT"
	ReasonDailyLoss     ReasonCode = "DAILY_LOSS"
	ReasonDrawdown      ReasonCode = "DRAWDOWN"
	ReasonWindow        ReasonCode = "WINDOW"
	ReasonOvernight     ReasonCode = "OVERNIGHT"
	ReasonSuspended     ReasonCode = "SUSPENDED"
	ReasonNotFound      ReasonCode = "NOT_FOUND"
	ReasonTerminal      ReasonCode = "TERMINAL"
	ReasonDuplicate     ReasonCode = "DUPLICATE"
)

// RejectError is a fatal, venue-originated rejection. Never retried.
type RejectError struct {
	Code    ReasonCode
	Message string
}

func (e *RejectError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rejected: %s", e.Code)
	}
	return fmt.Sprintf("rejected: %s: %s", e.Code, e.Message)
}

// Reject builds a RejectError.
func Reject(code ReasonCode, format string, args ...any) error {
	return &RejectError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the reason code from an error chain, or "" if the error
// is not a rejection.
func ReasonOf(err error) ReasonCode {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej.Code
	}
	return ""
}

// StatusError is an HTTP-level failure from a venue's REST API.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("venue returned status %d: %s", e.Status, e.Body)
}

// Retryable classifies an adapter error. Timeouts, connection faults, and
// 5xx/429 responses are transient; typed rejections and other 4xx responses
// are fatal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var rej *RejectError
	if errors.As(err, &rej) {
		return false
	}
	var st *StatusError
	if errors.As(err, &st) {
		return st.Status >= 500 || st.Status == 429
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unknown transport-level failure: assume transient.
	return true
}

// OrderAck is the venue's acceptance of a placed order.
type OrderAck struct {
	BrokerRef  string    `json:"broker_ref"`
	AcceptedAt time.Time `json:"accepted_at"`
	// Duplicate is set when the venue matched ClientTag to an existing
	// order instead of creating a new one.
	Duplicate bool `json:"duplicate,omitempty"`
}

// UpdateKind tags the Update union.
type UpdateKind string

const (
	UpdateOrder    UpdateKind = "order"
	UpdateFill     UpdateKind = "fill"
	UpdateAccount  UpdateKind = "account"
	UpdatePosition UpdateKind = "position"
	UpdateReset    UpdateKind = "reset"
)

// Update is one event on an account's update stream. Exactly one payload
// field is set, per Kind. Ordering is total per account; across accounts it
// is unordered, and reconnects carry no replay guarantee.
type Update struct {
	Kind      UpdateKind      `json:"kind"`
	AccountID string          `json:"account_id"`
	Timestamp time.Time       `json:"timestamp"`
	Order     *types.Order    `json:"order,omitempty"`
	Fill      *types.Fill     `json:"fill,omitempty"`
	Account   *types.Account  `json:"account,omitempty"`
	Position  *types.Position `json:"position,omitempty"`
}

// Adapter is the capability set a venue must provide.
type Adapter interface {
	// Name identifies the venue for routing and logging.
	Name() string

	// PlaceOrder submits an order. The spec's ClientTag is an idempotency
	// key: placing the same tag twice must return the original ack with
	// Duplicate set rather than creating a second order.
	PlaceOrder(ctx context.Context, spec types.OrderSpec) (OrderAck, error)

	// CancelOrder cancels by broker reference. Returns a RejectError with
	// ReasonNotFound for unknown refs and ReasonTerminal when the order has
	// already reached a terminal state.
	CancelOrder(ctx context.Context, brokerRef string) error

	// GetAccount returns the venue's view of an account.
	GetAccount(ctx context.Context, accountID string) (types.Account, error)

	// GetPositions returns open positions for an account.
	GetPositions(ctx context.Context, accountID string) ([]types.Position, error)

	// StreamUpdates delivers account events until ctx is cancelled. The
	// channel is closed when the stream terminates.
	StreamUpdates(ctx context.Context, accountID string) (<-chan Update, error)
}
