// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package market accepts, cancels and queries orders for the configured
// markets. A Market validates an order against the ledger and the book, hands
// it to the matcher, and books whatever a limit order leaves unfilled.
package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/dex/order"
	"github.com/openexch/matchengine/server/balance"
	"github.com/openexch/matchengine/server/book"
	"github.com/openexch/matchengine/server/event"
	"github.com/openexch/matchengine/server/matcher"
	"github.com/shopspring/decimal"
)

// Order placement errors. They are returned before any state is changed.
const (
	ErrBalanceNotEnough = dex.ErrorKind("balance not enough")
	ErrAmountTooSmall   = dex.ErrorKind("amount too small")
	ErrNoEnoughTrader   = dex.ErrorKind("no enough trader")
	ErrInvalidSide      = dex.ErrorKind("invalid side")
)

// Config is a market definition.
type Config struct {
	Name      string          `json:"name"`
	Stock     string          `json:"stock"`
	Money     string          `json:"money"`
	StockPrec int32           `json:"stock_prec"`
	MoneyPrec int32           `json:"money_prec"`
	FeePrec   int32           `json:"fee_prec"`
	MinAmount decimal.Decimal `json:"min_amount"`
}

// Precision is the precision the market's orders are shown at.
func (cfg *Config) Precision() order.Precision {
	return order.Precision{Stock: cfg.StockPrec, Money: cfg.MoneyPrec, Fee: cfg.FeePrec}
}

// Summary is a snapshot of the book's size.
type Summary struct {
	Name      string
	AskCount  int
	AskAmount decimal.Decimal
	BidCount  int
	BidAmount decimal.Decimal
}

// Market is a trading pair and its order book. It is owned by the engine's
// command loop and is not safe for concurrent use.
type Market struct {
	cfg     Config
	book    *book.Book
	ledger  *balance.Ledger
	emitter *event.Emitter
	matcher *matcher.Matcher
	ids     *matcher.IDs
	now     func() time.Time
}

func newMarket(cfg *Config, ledger *balance.Ledger, ids *matcher.IDs, emitter *event.Emitter, now func() time.Time) *Market {
	b := book.New()
	mcfg := matcher.Config{
		Market:    cfg.Name,
		Stock:     cfg.Stock,
		Money:     cfg.Money,
		StockPrec: cfg.StockPrec,
	}
	return &Market{
		cfg:     *cfg,
		book:    b,
		ledger:  ledger,
		emitter: emitter,
		matcher: matcher.New(mcfg, b, ledger, ids, emitter, now),
		ids:     ids,
		now:     now,
	}
}

// Name is the market name, e.g. BTCUSDT.
func (m *Market) Name() string {
	return m.cfg.Name
}

// Config returns a copy of the market definition.
func (m *Market) Config() Config {
	return m.cfg
}

func (m *Market) newOrder(typ order.Type, side order.Side, user uint32, amount, price,
	takerFee, makerFee decimal.Decimal, source string) *order.Order {
	now := m.now()
	return &order.Order{
		ID:         m.ids.NextOrder(),
		Type:       typ,
		Side:       side,
		Market:     m.cfg.Name,
		Source:     source,
		User:       user,
		Price:      price,
		Amount:     amount,
		TakerFee:   takerFee,
		MakerFee:   makerFee,
		Left:       amount,
		CreateTime: now,
		UpdateTime: now,
	}
}

func (m *Market) available(user uint32, assetName string) decimal.Decimal {
	return m.ledger.Get(user, balance.Available, assetName)
}

// PutLimit executes a limit order and books any unfilled remainder. The
// returned order is a live reference into the book when it rests; callers
// must not retain it across commands.
//
// An error wrapping dex.ErrInvariant means the order WAS processed and the
// returned order reflects it, but a ledger or history operation failed along
// the way. Any other error means nothing changed.
func (m *Market) PutLimit(real bool, user uint32, side order.Side, amount, price,
	takerFee, makerFee decimal.Decimal, source string) (*order.Order, error) {

	switch side {
	case order.Ask:
		if m.available(user, m.cfg.Stock).LessThan(amount) {
			return nil, ErrBalanceNotEnough
		}
	case order.Bid:
		if m.available(user, m.cfg.Money).LessThan(amount.Mul(price)) {
			return nil, ErrBalanceNotEnough
		}
	default:
		return nil, ErrInvalidSide
	}
	if amount.LessThan(m.cfg.MinAmount) {
		return nil, ErrAmountTooSmall
	}

	o := m.newOrder(order.Limit, side, user, amount, price, takerFee, makerFee, source)
	var errs []error
	if err := m.matcher.MatchLimit(real, o); err != nil {
		errs = append(errs, err)
	}

	sink := m.emitter.For(real)
	if o.Left.IsZero() {
		if err := sink.AppendOrderHistory(o); err != nil {
			log.Criticalf("Order %d history refused: %v", o.ID, err)
			errs = append(errs, dex.NewError(dex.ErrInvariant, err.Error()))
		}
		m.pushOrder(sink, order.EventFinish, o)
		return o, errors.Join(errs...)
	}

	m.pushOrder(sink, order.EventPut, o)
	if err := m.matcher.Rest(o); err != nil {
		errs = append(errs, err)
	}
	return o, errors.Join(errs...)
}

// PutMarket executes a market order. It never rests. The amount of a market
// bid is the money to spend; the amount of a market ask is the stock to sell.
// Errors are as for PutLimit.
func (m *Market) PutMarket(real bool, user uint32, side order.Side, amount,
	takerFee decimal.Decimal, source string) (*order.Order, error) {

	switch side {
	case order.Ask:
		if m.available(user, m.cfg.Stock).LessThan(amount) {
			return nil, ErrBalanceNotEnough
		}
		if m.book.BidCount() == 0 {
			return nil, ErrNoEnoughTrader
		}
		if amount.LessThan(m.cfg.MinAmount) {
			return nil, ErrAmountTooSmall
		}
	case order.Bid:
		if m.available(user, m.cfg.Money).LessThan(amount) {
			return nil, ErrBalanceNotEnough
		}
		best := m.book.BestAsk()
		if best == nil {
			return nil, ErrNoEnoughTrader
		}
		if amount.LessThan(best.Price.Mul(m.cfg.MinAmount)) {
			return nil, ErrAmountTooSmall
		}
	default:
		return nil, ErrInvalidSide
	}

	o := m.newOrder(order.Market, side, user, amount, decimal.Zero, takerFee, decimal.Zero, source)
	var errs []error
	if err := m.matcher.MatchMarket(real, o); err != nil {
		errs = append(errs, err)
	}

	sink := m.emitter.For(real)
	if err := sink.AppendOrderHistory(o); err != nil {
		log.Criticalf("Order %d history refused: %v", o.ID, err)
		errs = append(errs, dex.NewError(dex.ErrInvariant, err.Error()))
	}
	m.pushOrder(sink, order.EventFinish, o)
	return o, errors.Join(errs...)
}

// Cancel removes a resting order and releases its collateral.
func (m *Market) Cancel(real bool, o *order.Order) error {
	m.pushOrder(m.emitter.For(real), order.EventFinish, o)
	return m.matcher.Finish(real, o)
}

func (m *Market) pushOrder(sink event.Sink, ev order.Event, o *order.Order) {
	if err := sink.PushOrderMessage(ev, o, m.cfg.Stock, m.cfg.Money); err != nil {
		log.Errorf("Failed to push %s message for order %d: %v", ev, o.ID, err)
	}
}

// Order returns the resting order with the given id, or nil.
func (m *Market) Order(id uint64) *order.Order {
	return m.book.Order(id)
}

// UserOrders returns the number of the user's resting orders and a page of
// them, newest first.
func (m *Market) UserOrders(user uint32, offset, limit int) (int, []*order.Order) {
	return m.book.UserOrders(user, offset, limit)
}

// BookOrders returns the number of resting orders on a side and a page of
// them in match priority.
func (m *Market) BookOrders(side order.Side, offset, limit int) (int, []*order.Order) {
	return m.book.SideOrders(side, offset, limit)
}

// Orders returns every resting order ordered by id.
func (m *Market) Orders() []*order.Order {
	return m.book.Orders()
}

// Depth returns up to limit aggregated levels per side. A positive interval
// merges prices into multiples of interval.
func (m *Market) Depth(limit int, interval decimal.Decimal) (asks, bids []*book.Level) {
	return m.book.Depth(order.Ask, limit, interval), m.book.Depth(order.Bid, limit, interval)
}

// Summary reports the number and total unfilled quantity of orders per side.
func (m *Market) Summary() *Summary {
	return &Summary{
		Name:      m.cfg.Name,
		AskCount:  m.book.AskCount(),
		AskAmount: m.book.Amount(order.Ask),
		BidCount:  m.book.BidCount(),
		BidAmount: m.book.Amount(order.Bid),
	}
}

// RestoreOrder books an order loaded from a snapshot. Its frozen collateral
// is restored with the balances, so the ledger is not touched.
func (m *Market) RestoreOrder(o *order.Order) error {
	if o.Market != m.cfg.Name {
		return fmt.Errorf("order %d belongs to market %q, not %q", o.ID, o.Market, m.cfg.Name)
	}
	if o.Type != order.Limit || !o.Side.Valid() {
		return fmt.Errorf("order %d is not a restable limit order", o.ID)
	}
	return m.matcher.Restore(o)
}
