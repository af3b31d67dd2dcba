// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package matcher

import "github.com/openexch/matchengine/dex/order"

// Booker should be implemented by the order book.
type Booker interface {
	AskCount() int
	BidCount() int
	BestAsk() *order.Order
	BestBid() *order.Order
	Insert(*order.Order) bool
	Remove(id uint64) (*order.Order, bool)
}
