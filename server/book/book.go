// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package book defines the order book used by each Market.
package book

import (
	"sort"

	"github.com/openexch/matchengine/dex/calc"
	"github.com/openexch/matchengine/dex/order"
	"github.com/shopspring/decimal"
)

// Book is a market's order book. Asks and bids are held in separate ordered
// queues giving log time insertion, removal and access to the best order.
// Every resting order is also indexed by id and by owner. A Book is not safe
// for concurrent use; it is owned by the engine's command loop.
type Book struct {
	asks   *OrderPQ
	bids   *OrderPQ
	orders map[uint64]*order.Order
	users  *userTracker
}

// New creates an empty order book.
func New() *Book {
	return &Book{
		asks:   NewMinOrderPQ(),
		bids:   NewMaxOrderPQ(),
		orders: make(map[uint64]*order.Order),
		users:  newUserTracker(),
	}
}

func (b *Book) side(s order.Side) *OrderPQ {
	if s == order.Ask {
		return b.asks
	}
	return b.bids
}

// AskCount returns the number of resting asks.
func (b *Book) AskCount() int {
	return b.asks.Count()
}

// BidCount returns the number of resting bids.
func (b *Book) BidCount() int {
	return b.bids.Count()
}

// Count returns the number of resting orders on a side.
func (b *Book) Count(s order.Side) int {
	return b.side(s).Count()
}

// Len returns the total number of resting orders.
func (b *Book) Len() int {
	return len(b.orders)
}

// BestAsk returns the lowest priced, earliest ask, or nil. The order is NOT
// removed from the book.
func (b *Book) BestAsk() *order.Order {
	return b.asks.PeekBest()
}

// BestBid returns the highest priced, earliest bid, or nil. The order is NOT
// removed from the book.
func (b *Book) BestBid() *order.Order {
	return b.bids.PeekBest()
}

// Best returns the best order on a side, or nil.
func (b *Book) Best(s order.Side) *order.Order {
	return b.side(s).PeekBest()
}

// Insert adds a resting order to its side, the id index and its owner's
// index. It returns false, changing nothing, if the side is invalid or the id
// is already in the book.
func (b *Book) Insert(o *order.Order) bool {
	if !o.Side.Valid() {
		log.Warnf("Refusing to insert order %d with invalid side %d", o.ID, o.Side)
		return false
	}
	if _, found := b.orders[o.ID]; found {
		log.Warnf("Refusing to insert order %d, already in the book", o.ID)
		return false
	}
	if !b.side(o.Side).Insert(o) {
		return false
	}
	b.orders[o.ID] = o
	b.users.add(o)
	return true
}

// Remove takes the order with the given id out of every index.
func (b *Book) Remove(id uint64) (*order.Order, bool) {
	o, found := b.orders[id]
	if !found {
		return nil, false
	}
	if !b.side(o.Side).Remove(o) {
		log.Errorf("Order %d was indexed but not on the %s side", id, o.Side)
	}
	delete(b.orders, id)
	b.users.remove(o)
	return o, true
}

// Order returns the resting order with the given id, or nil.
func (b *Book) Order(id uint64) *order.Order {
	return b.orders[id]
}

// SideOrders returns the number of orders on the side and up to limit of
// them starting at offset, in match priority.
func (b *Book) SideOrders(s order.Side, offset, limit int) (int, []*order.Order) {
	pq := b.side(s)
	return pq.Count(), pq.OrdersN(offset, limit)
}

// UserOrders returns the number of the user's resting orders and up to limit
// of them starting at offset, newest first.
func (b *Book) UserOrders(user uint32, offset, limit int) (int, []*order.Order) {
	return b.users.count(user), b.users.orders(user, offset, limit)
}

// UserCount is the number of users with resting orders.
func (b *Book) UserCount() int {
	return b.users.userCount()
}

// Amount sums the unfilled quantity of the orders on a side.
func (b *Book) Amount(s order.Side) decimal.Decimal {
	return b.side(s).Amount()
}

// Orders returns every resting order, ordered by id.
func (b *Book) Orders() []*order.Order {
	orders := make([]*order.Order, 0, len(b.orders))
	for _, o := range b.orders {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].ID < orders[j].ID
	})
	return orders
}

// Level is an aggregated price level.
type Level struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Depth aggregates up to limit price levels of a side, best first. With a
// zero interval each distinct price is a level. Otherwise asks are merged up
// to the next multiple of interval and bids down to the previous one, so a
// merged level never improves on the prices it contains.
func (b *Book) Depth(s order.Side, limit int, interval decimal.Decimal) []*Level {
	if limit <= 0 {
		return []*Level{}
	}
	levels := make([]*Level, 0, min(limit, b.side(s).Count()))

	levelPrice := func(o *order.Order) decimal.Decimal { return o.Price }
	if interval.IsPositive() {
		if s == order.Ask {
			levelPrice = func(o *order.Order) decimal.Decimal { return calc.CeilTo(o.Price, interval) }
		} else {
			levelPrice = func(o *order.Order) decimal.Decimal { return calc.FloorTo(o.Price, interval) }
		}
	}

	var cur *Level
	b.side(s).Each(func(o *order.Order) bool {
		p := levelPrice(o)
		if cur != nil && cur.Price.Equal(p) {
			cur.Amount = cur.Amount.Add(o.Left)
			return true
		}
		if len(levels) == limit {
			return false
		}
		cur = &Level{Price: p, Amount: o.Left}
		levels = append(levels, cur)
		return true
	})
	return levels
}
