// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package book

import (
	"github.com/huandu/skiplist"
	"github.com/openexch/matchengine/dex/order"
)

// newestFirst is a skiplist.Comparable for order ids that sorts the most
// recent order first.
type newestFirst struct{}

var _ skiplist.Comparable = newestFirst{}

func (newestFirst) Compare(lhs, rhs interface{}) int {
	l, r := lhs.(uint64), rhs.(uint64)
	switch {
	case l > r:
		return -1
	case l < r:
		return 1
	}
	return 0
}

func (newestFirst) CalcScore(key interface{}) float64 {
	return -float64(key.(uint64))
}

// userTracker indexes resting orders by owner. Each user's orders are kept
// newest first. Empty lists are dropped. The userTracker is not thread-safe.
type userTracker struct {
	users map[uint32]*skiplist.SkipList
}

func newUserTracker() *userTracker {
	return &userTracker{
		users: make(map[uint32]*skiplist.SkipList),
	}
}

// add an order to tracking.
func (u *userTracker) add(o *order.Order) {
	list, found := u.users[o.User]
	if !found {
		list = skiplist.New(newestFirst{})
		u.users[o.User] = list
	}
	list.Set(o.ID, o)
}

// remove an order from tracking.
func (u *userTracker) remove(o *order.Order) {
	list, found := u.users[o.User]
	if !found {
		return
	}
	list.Remove(o.ID)
	if list.Len() == 0 {
		delete(u.users, o.User)
	}
}

// count returns the number of resting orders of the user.
func (u *userTracker) count(user uint32) int {
	list, found := u.users[user]
	if !found {
		return 0
	}
	return list.Len()
}

// orders returns up to n of the user's orders starting at offset, newest
// first.
func (u *userTracker) orders(user uint32, offset, n int) []*order.Order {
	list, found := u.users[user]
	if !found || n <= 0 {
		return []*order.Order{}
	}
	orders := make([]*order.Order, 0, min(n, max(list.Len()-offset, 0)))
	var i int
	for elem := list.Front(); elem != nil && len(orders) < n; elem = elem.Next() {
		if i++; i <= offset {
			continue
		}
		orders = append(orders, elem.Value.(*order.Order))
	}
	return orders
}

// userCount is the number of users with resting orders.
func (u *userTracker) userCount() int {
	return len(u.users)
}
