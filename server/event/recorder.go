// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package event

import (
	"sync"

	"github.com/openexch/matchengine/dex/order"
)

// OrderMessage is an order event captured by a Recorder.
type OrderMessage struct {
	Event order.Event
	Order *order.Order
	Stock string
	Money string
}

// Recorder is an in-memory HistorySink and MessageSink. It keeps copies of
// everything it receives.
type Recorder struct {
	mtx             sync.Mutex
	blocked         bool
	Orders          []*order.Order
	Deals           []*order.Deal
	Balances        []*BalanceChange
	OrderMessages   []*OrderMessage
	DealMessages    []*order.Deal
	BalanceMessages []*BalanceChange
}

var (
	_ HistorySink = (*Recorder)(nil)
	_ MessageSink = (*Recorder)(nil)
)

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func copyDeal(d *order.Deal) *order.Deal {
	c := *d
	c.Ask, c.Bid = d.Ask.Copy(), d.Bid.Copy()
	return &c
}

func copyBalance(b *BalanceChange) *BalanceChange {
	c := *b
	c.Detail = append([]byte(nil), b.Detail...)
	return &c
}

// AppendOrderHistory records a copy of o.
func (r *Recorder) AppendOrderHistory(o *order.Order) error {
	r.mtx.Lock()
	r.Orders = append(r.Orders, o.Copy())
	r.mtx.Unlock()
	return nil
}

// AppendDealHistory records a copy of d.
func (r *Recorder) AppendDealHistory(d *order.Deal) error {
	r.mtx.Lock()
	r.Deals = append(r.Deals, copyDeal(d))
	r.mtx.Unlock()
	return nil
}

// AppendBalanceHistory records a copy of b.
func (r *Recorder) AppendBalanceHistory(b *BalanceChange) error {
	r.mtx.Lock()
	r.Balances = append(r.Balances, copyBalance(b))
	r.mtx.Unlock()
	return nil
}

// PushOrderMessage records the order event.
func (r *Recorder) PushOrderMessage(ev order.Event, o *order.Order, stock, money string) error {
	r.mtx.Lock()
	r.OrderMessages = append(r.OrderMessages, &OrderMessage{ev, o.Copy(), stock, money})
	r.mtx.Unlock()
	return nil
}

// PushDealMessage records a copy of d.
func (r *Recorder) PushDealMessage(d *order.Deal) error {
	r.mtx.Lock()
	r.DealMessages = append(r.DealMessages, copyDeal(d))
	r.mtx.Unlock()
	return nil
}

// PushBalanceMessage records a copy of b.
func (r *Recorder) PushBalanceMessage(b *BalanceChange) error {
	r.mtx.Lock()
	r.BalanceMessages = append(r.BalanceMessages, copyBalance(b))
	r.mtx.Unlock()
	return nil
}

// SetBlocked sets the value reported by IsBlocked.
func (r *Recorder) SetBlocked(blocked bool) {
	r.mtx.Lock()
	r.blocked = blocked
	r.mtx.Unlock()
}

// IsBlocked reports the value last passed to SetBlocked.
func (r *Recorder) IsBlocked() bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.blocked
}

// Count returns the total number of records and messages received.
func (r *Recorder) Count() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.Orders) + len(r.Deals) + len(r.Balances) +
		len(r.OrderMessages) + len(r.DealMessages) + len(r.BalanceMessages)
}

// Reset drops everything recorded.
func (r *Recorder) Reset() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.Orders, r.Deals, r.Balances = nil, nil, nil
	r.OrderMessages, r.DealMessages, r.BalanceMessages = nil, nil, nil
}
