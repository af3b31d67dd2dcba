// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package order defines the Order and Deal types used throughout the engine.
package order

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/openexch/matchengine/dex/calc"
	"github.com/shopspring/decimal"
)

// Side is the side of the book an order rests on.
type Side uint8

// The Side values match the wire encoding of the side parameter.
const (
	UnknownSide Side = iota
	Ask
	Bid
)

// String returns a string representation of the Side.
func (s Side) String() string {
	switch s {
	case Ask:
		return "ask"
	case Bid:
		return "bid"
	default:
		return "unknown"
	}
}

// Valid reports whether s is Ask or Bid.
func (s Side) Valid() bool {
	return s == Ask || s == Bid
}

// Opposite returns the side a taker on s matches against.
func (s Side) Opposite() Side {
	if s == Ask {
		return Bid
	}
	return Ask
}

// Value implements the sql/driver.Valuer interface.
func (s Side) Value() (driver.Value, error) {
	return int64(s), nil
}

// Scan implements the sql.Scanner interface.
func (s *Side) Scan(src any) error {
	v := new(sql.NullInt32)
	if err := v.Scan(src); err != nil {
		return err
	}
	*s = Side(v.Int32)
	return nil
}

// Type distinguishes limit and market orders.
type Type uint8

// The Type values match the wire encoding of the order info type field.
const (
	UnknownType Type = iota
	Limit
	Market
)

// String returns a string representation of the Type.
func (t Type) String() string {
	switch t {
	case Limit:
		return "limit"
	case Market:
		return "market"
	default:
		return "unknown"
	}
}

// Value implements the sql/driver.Valuer interface.
func (t Type) Value() (driver.Value, error) {
	return int64(t), nil
}

// Scan implements the sql.Scanner interface.
func (t *Type) Scan(src any) error {
	v := new(sql.NullInt32)
	if err := v.Scan(src); err != nil {
		return err
	}
	*t = Type(v.Int32)
	return nil
}

// Event is the kind of order notification pushed to the message bus.
type Event uint8

// Order events. PUT is sent when an order rests, UPDATE when a resting order
// is partially filled, and FINISH when an order leaves the engine.
const (
	EventPut Event = iota + 1
	EventUpdate
	EventFinish
)

// String returns a string representation of the Event.
func (e Event) String() string {
	switch e {
	case EventPut:
		return "put"
	case EventUpdate:
		return "update"
	case EventFinish:
		return "finish"
	default:
		return "unknown"
	}
}

// Order is a limit or market order. A resting order is owned by its market's
// book. A taker exists only for the duration of a matching call unless it
// rests afterward.
type Order struct {
	ID     uint64
	Type   Type
	Side   Side
	Market string
	Source string
	User   uint32

	Price    decimal.Decimal
	Amount   decimal.Decimal
	TakerFee decimal.Decimal
	MakerFee decimal.Decimal

	// Left is the unfilled quantity. For a market bid it is denominated in
	// the money asset, otherwise in the stock asset.
	Left decimal.Decimal
	// Freeze is the collateral currently held in the FROZEN balance for this
	// order.
	Freeze decimal.Decimal

	DealStock decimal.Decimal
	DealMoney decimal.Decimal
	DealFee   decimal.Decimal

	CreateTime time.Time
	UpdateTime time.Time
}

// String is a compact description for logging.
func (o *Order) String() string {
	return fmt.Sprintf("%s %s %d (user %d, %s @ %s, left %s)", o.Market, o.Side,
		o.ID, o.User, o.Amount, o.Price, o.Left)
}

// Filled reports whether the order has nothing left to fill.
func (o *Order) Filled() bool {
	return o.Left.IsZero()
}

// Copy returns a copy of the order. Decimals are immutable values, so a
// shallow copy is a full one.
func (o *Order) Copy() *Order {
	c := *o
	return &c
}

// Info is the wire form of an order, as returned by the order commands and
// pushed to the message bus.
type Info struct {
	ID        uint64          `json:"id"`
	Market    string          `json:"market"`
	Source    string          `json:"source"`
	Type      Type            `json:"type"`
	Side      Side            `json:"side"`
	User      uint32          `json:"user"`
	CTime     float64         `json:"ctime"`
	MTime     float64         `json:"mtime"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	TakerFee  decimal.Decimal `json:"taker_fee"`
	MakerFee  decimal.Decimal `json:"maker_fee"`
	Left      decimal.Decimal `json:"left"`
	DealStock decimal.Decimal `json:"deal_stock"`
	DealMoney decimal.Decimal `json:"deal_money"`
	DealFee   decimal.Decimal `json:"deal_fee"`

	prec Precision
}

// Precision is the number of fractional digits a market shows for each kind
// of value.
type Precision struct {
	Stock int32
	Money int32
	Fee   int32
}

// WithPrecision sets the precision the info's decimals are rendered at.
func (i *Info) WithPrecision(p Precision) *Info {
	i.prec = p
	return i
}

// MarshalJSON renders the decimals with at least the market's precision.
// The ask pays its fee in money and the bid in stock.
func (i Info) MarshalJSON() ([]byte, error) {
	type info Info
	feePrec := i.prec.Stock
	if i.Side == Ask {
		feePrec = i.prec.Money
	}
	return json.Marshal(&struct {
		info
		Price     string `json:"price"`
		Amount    string `json:"amount"`
		TakerFee  string `json:"taker_fee"`
		MakerFee  string `json:"maker_fee"`
		Left      string `json:"left"`
		DealStock string `json:"deal_stock"`
		DealMoney string `json:"deal_money"`
		DealFee   string `json:"deal_fee"`
	}{
		info:      info(i),
		Price:     calc.Show(i.Price, i.prec.Money),
		Amount:    calc.Show(i.Amount, i.prec.Stock),
		TakerFee:  calc.Show(i.TakerFee, i.prec.Fee),
		MakerFee:  calc.Show(i.MakerFee, i.prec.Fee),
		Left:      calc.Show(i.Left, i.prec.Stock),
		DealStock: calc.Show(i.DealStock, i.prec.Stock),
		DealMoney: calc.Show(i.DealMoney, i.prec.Money),
		DealFee:   calc.Show(i.DealFee, feePrec),
	})
}

// Info creates the wire form of the order.
func (o *Order) Info() *Info {
	return &Info{
		ID:        o.ID,
		Market:    o.Market,
		Source:    o.Source,
		Type:      o.Type,
		Side:      o.Side,
		User:      o.User,
		CTime:     Seconds(o.CreateTime),
		MTime:     Seconds(o.UpdateTime),
		Price:     o.Price,
		Amount:    o.Amount,
		TakerFee:  o.TakerFee,
		MakerFee:  o.MakerFee,
		Left:      o.Left,
		DealStock: o.DealStock,
		DealMoney: o.DealMoney,
		DealFee:   o.DealFee,
	}
}

// Seconds converts t to fractional seconds since the unix epoch, the time
// encoding used on the wire.
func Seconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMicro()) / 1e6
}

// FromSeconds is the inverse of Seconds at microsecond resolution.
func FromSeconds(s float64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(math.Round(s * 1e6)))
}
