// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"encoding/json"
	"time"

	"github.com/openexch/matchengine/dex/order"
	"github.com/openexch/matchengine/server/event"
	"github.com/shopspring/decimal"
)

// OrderRecord is a finished order as archived.
type OrderRecord struct {
	ID         uint64
	CreateTime time.Time
	FinishTime time.Time
	User       uint32
	Market     string
	Source     string
	Type       order.Type
	Side       order.Side
	Price      decimal.Decimal
	Amount     decimal.Decimal
	TakerFee   decimal.Decimal
	MakerFee   decimal.Decimal
	DealStock  decimal.Decimal
	DealMoney  decimal.Decimal
	DealFee    decimal.Decimal
}

// NewOrderRecord copies the archived fields of a finished order.
func NewOrderRecord(o *order.Order) *OrderRecord {
	return &OrderRecord{
		ID:         o.ID,
		CreateTime: o.CreateTime,
		FinishTime: o.UpdateTime,
		User:       o.User,
		Market:     o.Market,
		Source:     o.Source,
		Type:       o.Type,
		Side:       o.Side,
		Price:      o.Price,
		Amount:     o.Amount,
		TakerFee:   o.TakerFee,
		MakerFee:   o.MakerFee,
		DealStock:  o.DealStock,
		DealMoney:  o.DealMoney,
		DealFee:    o.DealFee,
	}
}

// UserDeal is one order's view of a deal. Every deal is archived as two of
// these, one per user.
type UserDeal struct {
	Time        time.Time
	User        uint32
	Market      string
	DealID      uint64
	OrderID     uint64
	DealOrderID uint64
	Side        order.Side
	Role        order.Role
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Deal        decimal.Decimal
	// Fee is charged to User, in the asset User received.
	Fee decimal.Decimal
	// DealFee is charged to the counterparty.
	DealFee decimal.Decimal
}

// NewUserDeals splits a deal into the ask's and the bid's records, in that
// order.
func NewUserDeals(d *order.Deal) (ask, bid *UserDeal) {
	ask = &UserDeal{
		Time:        d.Time,
		User:        d.Ask.User,
		Market:      d.Market,
		DealID:      d.ID,
		OrderID:     d.Ask.ID,
		DealOrderID: d.Bid.ID,
		Side:        order.Ask,
		Role:        d.AskRole,
		Price:       d.Price,
		Amount:      d.Amount,
		Deal:        d.Deal,
		Fee:         d.AskFee,
		DealFee:     d.BidFee,
	}
	bid = &UserDeal{
		Time:        d.Time,
		User:        d.Bid.User,
		Market:      d.Market,
		DealID:      d.ID,
		OrderID:     d.Bid.ID,
		DealOrderID: d.Ask.ID,
		Side:        order.Bid,
		Role:        d.BidRole,
		Price:       d.Price,
		Amount:      d.Amount,
		Deal:        d.Deal,
		Fee:         d.BidFee,
		DealFee:     d.AskFee,
	}
	return ask, bid
}

// BalanceRecord is an archived balance change.
type BalanceRecord struct {
	Time     time.Time
	User     uint32
	Asset    string
	Business string
	Change   decimal.Decimal
	Balance  decimal.Decimal
	Detail   json.RawMessage
}

// NewBalanceRecord copies a balance change. A missing detail is archived as
// an empty object.
func NewBalanceRecord(b *event.BalanceChange) *BalanceRecord {
	detail := json.RawMessage(`{}`)
	if len(b.Detail) > 0 {
		detail = append(json.RawMessage(nil), b.Detail...)
	}
	return &BalanceRecord{
		Time:     b.Time,
		User:     b.User,
		Asset:    b.Asset,
		Business: b.Business,
		Change:   b.Change,
		Balance:  b.Balance,
		Detail:   detail,
	}
}
