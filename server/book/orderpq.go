// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package book

import (
	"github.com/google/btree"
	"github.com/openexch/matchengine/dex/order"
	"github.com/shopspring/decimal"
)

// btreeDegree is the branching factor of the side trees.
const btreeDegree = 32

// LessByPriceThenID orders asks: lowest price first, then earliest id.
func LessByPriceThenID(a, b *order.Order) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}

// GreaterByPriceThenID orders bids: highest price first, then earliest id.
func GreaterByPriceThenID(a, b *order.Order) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c > 0
	}
	return a.ID < b.ID
}

// OrderPQ is one side of a book, kept in match priority order. The key of a
// resting order, its price and id, never changes while it rests, so fills may
// update an order in place. OrderPQ is not safe for concurrent use.
type OrderPQ struct {
	tree *btree.BTreeG[*order.Order]
}

// NewMinOrderPQ creates the ask side of a book.
func NewMinOrderPQ() *OrderPQ {
	return newOrderPQ(LessByPriceThenID)
}

// NewMaxOrderPQ creates the bid side of a book.
func NewMaxOrderPQ() *OrderPQ {
	return newOrderPQ(GreaterByPriceThenID)
}

func newOrderPQ(less btree.LessFunc[*order.Order]) *OrderPQ {
	return &OrderPQ{
		tree: btree.NewG(btreeDegree, less),
	}
}

// Count returns the number of orders in the queue.
func (pq *OrderPQ) Count() int {
	return pq.tree.Len()
}

// Insert adds the order. It returns false if an order with the same price and
// id is already present.
func (pq *OrderPQ) Insert(o *order.Order) bool {
	if _, found := pq.tree.Get(o); found {
		return false
	}
	pq.tree.ReplaceOrInsert(o)
	return true
}

// Remove deletes the order, returning false if it was not present.
func (pq *OrderPQ) Remove(o *order.Order) bool {
	_, found := pq.tree.Delete(o)
	return found
}

// PeekBest returns the highest priority order without removing it, or nil if
// the queue is empty.
func (pq *OrderPQ) PeekBest() *order.Order {
	o, _ := pq.tree.Min()
	return o
}

// Each calls f for each order in priority order until f returns false. f must
// not insert or remove orders.
func (pq *OrderPQ) Each(f func(o *order.Order) bool) {
	pq.tree.Ascend(f)
}

// OrdersN returns up to n orders starting at offset, in priority order.
func (pq *OrderPQ) OrdersN(offset, n int) []*order.Order {
	if n <= 0 || offset >= pq.Count() {
		return []*order.Order{}
	}
	orders := make([]*order.Order, 0, min(n, pq.Count()-offset))
	var i int
	pq.Each(func(o *order.Order) bool {
		if i++; i <= offset {
			return true
		}
		orders = append(orders, o)
		return len(orders) < n
	})
	return orders
}

// Amount sums the unfilled quantity of every order in the queue.
func (pq *OrderPQ) Amount() decimal.Decimal {
	sum := decimal.Zero
	pq.Each(func(o *order.Order) bool {
		sum = sum.Add(o.Left)
		return true
	})
	return sum
}
