// book.go keeps the resting order queue: working limit orders and armed
// stops. The queue is time-ordered, so simultaneous crossings fill in FIFO
// placement order. Liquidity is unlimited; a crossed limit always fills
// fully at its limit price.
package sim

import (
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/pkg/types"
)

type restingOrder struct {
	order *types.Order
	// triggered flips when a stop's trigger price trades; the order then
	// behaves as a market (stop) or limit (stop_limit) order.
	triggered bool
}

// bookEvent is one consequence of a quote tick.
type bookEvent struct {
	ro    *restingOrder
	price decimal.Decimal // fill price; zero value for expiries
	kind  bookEventKind
}

type bookEventKind int

const (
	eventFill bookEventKind = iota
	eventExpire
	eventTriggerMarket // stop crossed, fill at market with slippage
)

type book struct {
	resting []*restingOrder
}

func (b *book) add(ro *restingOrder) {
	b.resting = append(b.resting, ro)
}

func (b *book) remove(orderID string) *restingOrder {
	for i, ro := range b.resting {
		if ro.order.ID == orderID {
			b.resting = append(b.resting[:i], b.resting[i+1:]...)
			return ro
		}
	}
	return nil
}

func (b *book) byAccount(accountID string) []*restingOrder {
	var out []*restingOrder
	for _, ro := range b.resting {
		if ro.order.AccountID == accountID {
			out = append(out, ro)
		}
	}
	return out
}

// onQuote walks the queue in FIFO order against a fresh quote and returns
// the resulting events. Filled and expired orders leave the queue; stop
// limits that trigger stay resting as plain limits.
func (b *book) onQuote(q types.Quote, now time.Time, sessionClosed func(types.Instrument) bool) []bookEvent {
	var events []bookEvent
	keep := b.resting[:0]

	for _, ro := range b.resting {
		o := ro.order
		if o.Instrument.Symbol != q.Symbol {
			keep = append(keep, ro)
			continue
		}

		if o.TimeInForce == types.TIFDay && sessionClosed(o.Instrument) {
			events = append(events, bookEvent{ro: ro, kind: eventExpire})
			continue
		}

		if (o.OrderType == types.OrderStop || o.OrderType == types.OrderStopLimit) && !ro.triggered {
			if stopCrossed(o, q) {
				ro.triggered = true
				if o.OrderType == types.OrderStop {
					events = append(events, bookEvent{ro: ro, kind: eventTriggerMarket})
					continue
				}
				// Stop limit converts to a resting limit and may cross on
				// this same quote below.
			} else {
				keep = append(keep, ro)
				continue
			}
		}

		if limitCrossed(o, q) {
			events = append(events, bookEvent{ro: ro, price: *o.Price, kind: eventFill})
			continue
		}
		keep = append(keep, ro)
	}

	b.resting = keep
	return events
}

// stopCrossed reports whether the quote has traded through the stop price.
// Buy stops trigger on the ask, sell stops on the bid.
func stopCrossed(o *types.Order, q types.Quote) bool {
	if o.StopPrice == nil {
		return false
	}
	if o.Side == types.SideBuy {
		return q.Ask.GreaterThanOrEqual(*o.StopPrice)
	}
	return q.Bid.LessThanOrEqual(*o.StopPrice)
}

// limitCrossed reports whether a limit order is marketable at the quote.
func limitCrossed(o *types.Order, q types.Quote) bool {
	if o.Price == nil {
		return false
	}
	if o.OrderType != types.OrderLimit && o.OrderType != types.OrderStopLimit {
		return false
	}
	if o.Side == types.SideBuy {
		return q.Ask.LessThanOrEqual(*o.Price)
	}
	return q.Bid.GreaterThanOrEqual(*o.Price)
}
