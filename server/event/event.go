// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package event defines the history and message sinks that the engine emits
// to, and the Emitter that gates emission on live versus replay execution.
package event

import (
	"encoding/json"
	"time"

	"github.com/openexch/matchengine/dex/order"
	"github.com/shopspring/decimal"
)

// BusinessTrade is the business name of balance changes caused by trades.
const BusinessTrade = "trade"

// BalanceChange is a single balance history record.
type BalanceChange struct {
	Time     time.Time
	User     uint32
	Asset    string
	Business string
	// Change is signed. Debits are negative.
	Change decimal.Decimal
	// Balance is the user's total balance of Asset after the change.
	Balance decimal.Decimal
	// Detail is a JSON object describing the cause.
	Detail json.RawMessage
}

// HistorySink receives audit records. Implementations must preserve
// submission order, must not block the caller, and must not retain the
// passed pointers after returning.
type HistorySink interface {
	AppendOrderHistory(o *order.Order) error
	AppendDealHistory(d *order.Deal) error
	AppendBalanceHistory(b *BalanceChange) error
	// IsBlocked reports whether the sink's queue is saturated. Mutating
	// commands are refused while it is.
	IsBlocked() bool
}

// MessageSink receives message-bus events, with the same contract as
// HistorySink.
type MessageSink interface {
	PushOrderMessage(ev order.Event, o *order.Order, stock, money string) error
	PushDealMessage(d *order.Deal) error
	PushBalanceMessage(b *BalanceChange) error
	IsBlocked() bool
}

// Sink is what the matching code emits through. It is obtained from
// Emitter.For and is a no-op during replay.
type Sink interface {
	AppendOrderHistory(o *order.Order) error
	AppendDealHistory(d *order.Deal) error
	AppendBalanceHistory(b *BalanceChange) error
	PushOrderMessage(ev order.Event, o *order.Order, stock, money string) error
	PushDealMessage(d *order.Deal) error
	PushBalanceMessage(b *BalanceChange) error
}

// Emitter holds the live sinks.
type Emitter struct {
	History  HistorySink
	Messages MessageSink
}

// NewEmitter creates an Emitter. A nil sink is replaced with a no-op.
func NewEmitter(history HistorySink, messages MessageSink) *Emitter {
	if history == nil {
		history = NopHistory{}
	}
	if messages == nil {
		messages = NopMessages{}
	}
	return &Emitter{History: history, Messages: messages}
}

// For returns the sink to emit through for the given mode. Replay gets a sink
// that discards everything, so live and replay execution share every other
// line of code.
func (e *Emitter) For(real bool) Sink {
	if !real {
		return nopSink{}
	}
	return liveSink{e}
}

// IsBlocked reports whether either sink is saturated.
func (e *Emitter) IsBlocked() bool {
	return e.History.IsBlocked() || e.Messages.IsBlocked()
}

type liveSink struct {
	*Emitter
}

func (s liveSink) AppendOrderHistory(o *order.Order) error {
	return s.History.AppendOrderHistory(o)
}

func (s liveSink) AppendDealHistory(d *order.Deal) error {
	return s.History.AppendDealHistory(d)
}

func (s liveSink) AppendBalanceHistory(b *BalanceChange) error {
	return s.History.AppendBalanceHistory(b)
}

func (s liveSink) PushOrderMessage(ev order.Event, o *order.Order, stock, money string) error {
	return s.Messages.PushOrderMessage(ev, o, stock, money)
}

func (s liveSink) PushDealMessage(d *order.Deal) error {
	return s.Messages.PushDealMessage(d)
}

func (s liveSink) PushBalanceMessage(b *BalanceChange) error {
	return s.Messages.PushBalanceMessage(b)
}

type nopSink struct{}

func (nopSink) AppendOrderHistory(*order.Order) error                            { return nil }
func (nopSink) AppendDealHistory(*order.Deal) error                              { return nil }
func (nopSink) AppendBalanceHistory(*BalanceChange) error                        { return nil }
func (nopSink) PushOrderMessage(order.Event, *order.Order, string, string) error { return nil }
func (nopSink) PushDealMessage(*order.Deal) error                                { return nil }
func (nopSink) PushBalanceMessage(*BalanceChange) error                          { return nil }

// NopHistory is a HistorySink that drops everything. It is used when the
// history archiver is disabled.
type NopHistory struct{}

// AppendOrderHistory does nothing.
func (NopHistory) AppendOrderHistory(*order.Order) error { return nil }

// AppendDealHistory does nothing.
func (NopHistory) AppendDealHistory(*order.Deal) error { return nil }

// AppendBalanceHistory does nothing.
func (NopHistory) AppendBalanceHistory(*BalanceChange) error { return nil }

// IsBlocked is always false.
func (NopHistory) IsBlocked() bool { return false }

// NopMessages is a MessageSink that drops everything. It is used when the
// message producer is disabled.
type NopMessages struct{}

// PushOrderMessage does nothing.
func (NopMessages) PushOrderMessage(order.Event, *order.Order, string, string) error { return nil }

// PushDealMessage does nothing.
func (NopMessages) PushDealMessage(*order.Deal) error { return nil }

// PushBalanceMessage does nothing.
func (NopMessages) PushBalanceMessage(*BalanceChange) error { return nil }

// IsBlocked is always false.
func (NopMessages) IsBlocked() bool { return false }
