// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package matcher executes limit and market orders against a market's book,
// settling every fill in the balance ledger and emitting the resulting
// history and messages.
package matcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/dex/calc"
	"github.com/openexch/matchengine/dex/order"
	"github.com/openexch/matchengine/server/balance"
	"github.com/openexch/matchengine/server/event"
	"github.com/shopspring/decimal"
)

// Config describes the market a Matcher trades.
type Config struct {
	Market    string
	Stock     string
	Money     string
	StockPrec int32
}

// Matcher executes takers against one market's book. It is not safe for
// concurrent use.
type Matcher struct {
	cfg     Config
	book    Booker
	ledger  *balance.Ledger
	ids     *IDs
	emitter *event.Emitter
	now     func() time.Time
}

// New creates a Matcher. now may be nil to use the wall clock.
func New(cfg Config, book Booker, ledger *balance.Ledger, ids *IDs, emitter *event.Emitter, now func() time.Time) *Matcher {
	if now == nil {
		now = time.Now
	}
	return &Matcher{
		cfg:     cfg,
		book:    book,
		ledger:  ledger,
		ids:     ids,
		emitter: emitter,
		now:     now,
	}
}

// violations collects invariant failures during a matching pass. Matching is
// not interrupted by them, since the mutations already applied cannot be
// rolled back.
type violations []error

func (v *violations) add(format string, args ...any) {
	err := fmt.Errorf(format, args...)
	log.Criticalf("%v", err)
	*v = append(*v, err)
}

func (v violations) err() error {
	if len(v) == 0 {
		return nil
	}
	return dex.NewError(dex.ErrInvariant, errors.Join(v...).Error())
}

// MatchLimit executes a limit taker against the opposite side while the
// maker's price is acceptable to the taker.
func (m *Matcher) MatchLimit(real bool, taker *order.Order) error {
	return m.match(real, taker, func(maker *order.Order) bool {
		if taker.Side == order.Ask {
			return taker.Price.LessThanOrEqual(maker.Price)
		}
		return taker.Price.GreaterThanOrEqual(maker.Price)
	})
}

// MatchMarket executes a market taker against the opposite side until the
// taker is filled or the side is exhausted. A market bid's Left is its money
// budget.
func (m *Matcher) MatchMarket(real bool, taker *order.Order) error {
	return m.match(real, taker, func(*order.Order) bool { return true })
}

func (m *Matcher) match(real bool, taker *order.Order, acceptable func(maker *order.Order) bool) error {
	sink := m.emitter.For(real)
	var errs violations

	best := m.book.BestBid
	if taker.Side == order.Bid {
		best = m.book.BestAsk
	}

	for !taker.Left.IsZero() {
		maker := best()
		if maker == nil || !acceptable(maker) {
			break
		}

		amount := calc.Min(taker.Left, maker.Left)
		if taker.Type == order.Market && taker.Side == order.Bid {
			amount = m.marketBidAmount(taker.Left, maker)
			if amount.IsZero() {
				break
			}
		}

		m.fill(sink, taker, maker, amount, &errs)

		if maker.Left.IsZero() {
			if err := sink.PushOrderMessage(order.EventFinish, maker, m.cfg.Stock, m.cfg.Money); err != nil {
				log.Errorf("Failed to push finish message for order %d: %v", maker.ID, err)
			}
			if err := m.Finish(real, maker); err != nil {
				errs = append(errs, err)
			}
		} else if err := sink.PushOrderMessage(order.EventUpdate, maker, m.cfg.Stock, m.cfg.Money); err != nil {
			log.Errorf("Failed to push update message for order %d: %v", maker.ID, err)
		}
	}

	return errs.err()
}

// marketBidAmount is the stock quantity a money budget buys from maker. The
// quotient is rounded to the stock precision, lowered by one unit if rounding
// put it over budget, and capped at the maker's remaining quantity.
func (m *Matcher) marketBidAmount(budget decimal.Decimal, maker *order.Order) decimal.Decimal {
	amount := calc.Quo(budget, maker.Price, m.cfg.StockPrec)
	if amount.Mul(maker.Price).GreaterThan(budget) {
		amount = amount.Sub(calc.Unit(m.cfg.StockPrec))
	}
	if amount.GreaterThan(maker.Left) {
		amount = maker.Left
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}

// fill settles one trade of amount at the maker's price.
func (m *Matcher) fill(sink event.Sink, taker, maker *order.Order, amount decimal.Decimal, errs *violations) {
	price := maker.Price
	deal := price.Mul(amount)

	// The ask side pays its fee in money on the deal value, the bid side in
	// stock on the amount. Each side pays its own role's rate.
	ask, bid := taker, maker
	if taker.Side == order.Bid {
		ask, bid = maker, taker
	}
	askRate, bidRate := taker.TakerFee, maker.MakerFee
	if taker.Side == order.Bid {
		askRate, bidRate = maker.MakerFee, taker.TakerFee
	}
	askFee := deal.Mul(askRate)
	bidFee := amount.Mul(bidRate)

	now := m.now()
	taker.UpdateTime, maker.UpdateTime = now, now
	dealID := m.ids.NextDeal()

	if taker.Type == order.Market && taker.Side == order.Bid {
		taker.Left = taker.Left.Sub(deal)
	} else {
		taker.Left = taker.Left.Sub(amount)
	}
	maker.Left = maker.Left.Sub(amount)
	if maker.Side == order.Bid {
		maker.Freeze = maker.Freeze.Sub(deal)
	} else {
		maker.Freeze = maker.Freeze.Sub(amount)
	}
	for _, o := range []*order.Order{taker, maker} {
		o.DealStock = o.DealStock.Add(amount)
		o.DealMoney = o.DealMoney.Add(deal)
	}
	ask.DealFee = ask.DealFee.Add(askFee)
	bid.DealFee = bid.DealFee.Add(bidFee)

	d := &order.Deal{
		ID:      dealID,
		Time:    now,
		Market:  m.cfg.Market,
		Stock:   m.cfg.Stock,
		Money:   m.cfg.Money,
		Ask:     ask.Copy(),
		AskRole: order.Maker,
		Bid:     bid.Copy(),
		BidRole: order.Maker,
		Price:   price,
		Amount:  amount,
		Deal:    deal,
		AskFee:  askFee,
		BidFee:  bidFee,
		Side:    taker.Side,
	}
	if taker.Side == order.Ask {
		d.AskRole = order.Taker
	} else {
		d.BidRole = order.Taker
	}
	if err := sink.AppendDealHistory(d); err != nil {
		errs.add("deal %d history refused: %v", dealID, err)
	}
	if err := sink.PushDealMessage(d); err != nil {
		log.Errorf("Failed to push deal %d message: %v", dealID, err)
	}

	// The ask gives stock and receives money; the bid gives money and
	// receives stock. The taker gives from its available balance, the maker
	// from the collateral frozen when it rested.
	giveType := func(o *order.Order) balance.Type {
		if o == maker {
			return balance.Freeze
		}
		return balance.Available
	}
	s := &settlement{m: m, sink: sink, price: price, amount: amount, errs: errs, now: now}
	for _, o := range []*order.Order{taker, maker} {
		if o.Side == order.Ask {
			s.sub(o, giveType(o), m.cfg.Stock, amount)
			s.add(o, m.cfg.Money, deal)
			s.fee(o, m.cfg.Money, askFee, askRate)
		} else {
			s.sub(o, giveType(o), m.cfg.Money, deal)
			s.add(o, m.cfg.Stock, amount)
			s.fee(o, m.cfg.Stock, bidFee, bidRate)
		}
	}
}

// settlement applies the ledger side of a fill and records each balance
// change as trade history.
type settlement struct {
	m      *Matcher
	sink   event.Sink
	price  decimal.Decimal
	amount decimal.Decimal
	errs   *violations
	now    time.Time
}

func (s *settlement) record(o *order.Order, assetName string, change decimal.Decimal, feeRate *decimal.Decimal) {
	detail := map[string]any{
		"m": o.Market,
		"i": o.ID,
		"p": s.price,
		"a": s.amount,
	}
	if feeRate != nil {
		detail["f"] = *feeRate
	}
	b, _ := json.Marshal(detail) // keys sorted
	err := s.sink.AppendBalanceHistory(&event.BalanceChange{
		Time:     s.now,
		User:     o.User,
		Asset:    assetName,
		Business: event.BusinessTrade,
		Change:   change,
		Balance:  s.m.ledger.Total(o.User, assetName),
		Detail:   b,
	})
	if err != nil {
		s.errs.add("balance history for order %d refused: %v", o.ID, err)
	}
}

func (s *settlement) sub(o *order.Order, typ balance.Type, assetName string, amount decimal.Decimal) {
	if _, err := s.m.ledger.Sub(o.User, typ, assetName, amount); err != nil {
		s.errs.add("order %d: debit %s %s %s from user %d: %v", o.ID, amount, typ, assetName, o.User, err)
	}
	s.record(o, assetName, amount.Neg(), nil)
}

func (s *settlement) add(o *order.Order, assetName string, amount decimal.Decimal) {
	if _, err := s.m.ledger.Add(o.User, balance.Available, assetName, amount); err != nil {
		s.errs.add("order %d: credit %s %s to user %d: %v", o.ID, amount, assetName, o.User, err)
	}
	s.record(o, assetName, amount, nil)
}

func (s *settlement) fee(o *order.Order, assetName string, fee, rate decimal.Decimal) {
	if !fee.IsPositive() {
		return
	}
	if _, err := s.m.ledger.Sub(o.User, balance.Available, assetName, fee); err != nil {
		s.errs.add("order %d: fee %s %s from user %d: %v", o.ID, fee, assetName, o.User, err)
	}
	s.record(o, assetName, fee.Neg(), &rate)
}

// Rest books a limit order that was not completely filled and freezes its
// collateral: the remaining stock of an ask, or the money value of the
// remaining quantity of a bid.
func (m *Matcher) Rest(o *order.Order) error {
	if o.Type != order.Limit {
		return dex.NewError(dex.ErrInvariant, fmt.Sprintf("cannot rest %s order %d", o.Type, o.ID))
	}
	assetName := m.cfg.Stock
	freeze := o.Left
	if o.Side == order.Bid {
		assetName = m.cfg.Money
		freeze = o.Price.Mul(o.Left)
	}
	if _, err := m.ledger.Freeze(o.User, assetName, freeze); err != nil {
		log.Criticalf("Freezing %s %s for order %d: %v", freeze, assetName, o.ID, err)
		return dex.NewError(dex.ErrInvariant, fmt.Sprintf("freeze for order %d: %v", o.ID, err))
	}
	o.Freeze = freeze
	if !m.book.Insert(o) {
		if _, err := m.ledger.Unfreeze(o.User, assetName, freeze); err != nil {
			log.Criticalf("Releasing %s %s for order %d: %v", freeze, assetName, o.ID, err)
		}
		o.Freeze = decimal.Zero
		return dex.NewError(dex.ErrInvariant, fmt.Sprintf("order %d could not be booked", o.ID))
	}
	return nil
}

// Finish removes a resting order from the book and releases any collateral
// still frozen for it. When real, an order that traded is archived.
func (m *Matcher) Finish(real bool, o *order.Order) error {
	if _, found := m.book.Remove(o.ID); !found {
		log.Warnf("Finishing order %d that is not in the book", o.ID)
	}
	var errs violations
	if o.Freeze.IsPositive() {
		assetName := m.cfg.Stock
		if o.Side == order.Bid {
			assetName = m.cfg.Money
		}
		if _, err := m.ledger.Unfreeze(o.User, assetName, o.Freeze); err != nil {
			errs.add("unfreeze %s %s for order %d: %v", o.Freeze, assetName, o.ID, err)
		}
	}
	if real && o.DealStock.IsPositive() {
		if err := m.emitter.For(real).AppendOrderHistory(o); err != nil {
			errs.add("order %d history refused: %v", o.ID, err)
		}
	}
	return errs.err()
}

// Restore books an order loaded from a snapshot. Its collateral is already
// part of the restored ledger, so nothing is frozen.
func (m *Matcher) Restore(o *order.Order) error {
	if !m.book.Insert(o) {
		return fmt.Errorf("order %d could not be booked", o.ID)
	}
	return nil
}
