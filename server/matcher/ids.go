// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package matcher

import "sync/atomic"

// IDs allocates process-wide monotonic order and deal ids. Allocation happens
// only on the engine's command loop. The counters are atomic so that status
// reporting may read them from other goroutines.
type IDs struct {
	order atomic.Uint64
	deal  atomic.Uint64
}

// NextOrder allocates an order id.
func (ids *IDs) NextOrder() uint64 {
	return ids.order.Add(1)
}

// NextDeal allocates a deal id.
func (ids *IDs) NextDeal() uint64 {
	return ids.deal.Add(1)
}

// LastOrder is the most recently allocated order id.
func (ids *IDs) LastOrder() uint64 {
	return ids.order.Load()
}

// LastDeal is the most recently allocated deal id.
func (ids *IDs) LastDeal() uint64 {
	return ids.deal.Load()
}

// Restore raises the counters to at least the given values. Counters never
// move backward.
func (ids *IDs) Restore(lastOrder, lastDeal uint64) {
	raise := func(v *atomic.Uint64, to uint64) {
		for {
			cur := v.Load()
			if cur >= to || v.CompareAndSwap(cur, to) {
				return
			}
		}
	}
	raise(&ids.order, lastOrder)
	raise(&ids.deal, lastDeal)
}
