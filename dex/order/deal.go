// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is the part an order played in a deal.
type Role uint8

// The Role values match the encoding used in deal history.
const (
	UnknownRole Role = iota
	Maker
	Taker
)

// String returns a string representation of the Role.
func (r Role) String() string {
	switch r {
	case Maker:
		return "maker"
	case Taker:
		return "taker"
	default:
		return "unknown"
	}
}

// Deal is a single fill between an ask and a bid. Price is always the maker's
// price. AskFee is charged in the money asset to the ask order's owner, and
// BidFee in the stock asset to the bid order's owner.
type Deal struct {
	ID     uint64
	Time   time.Time
	Market string
	Stock  string
	Money  string

	// Ask and Bid are copies of the two orders taken immediately after the
	// fill was applied.
	Ask     *Order
	AskRole Role
	Bid     *Order
	BidRole Role

	Price  decimal.Decimal
	Amount decimal.Decimal
	// Deal is Price * Amount, denominated in the money asset.
	Deal   decimal.Decimal
	AskFee decimal.Decimal
	BidFee decimal.Decimal

	// Side is the taker's side.
	Side Side
}

// Taker returns the taker order of the deal.
func (d *Deal) Taker() *Order {
	if d.AskRole == Taker {
		return d.Ask
	}
	return d.Bid
}

// Maker returns the maker order of the deal.
func (d *Deal) Maker() *Order {
	if d.AskRole == Maker {
		return d.Ask
	}
	return d.Bid
}
