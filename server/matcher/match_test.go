// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package matcher

import (
	"os"
	"testing"
	"time"

	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/dex/order"
	"github.com/openexch/matchengine/server/asset"
	"github.com/openexch/matchengine/server/balance"
	"github.com/openexch/matchengine/server/book"
	"github.com/openexch/matchengine/server/event"
	"github.com/shopspring/decimal"
)

func TestMain(m *testing.M) {
	UseLogger(dex.StdOutLogger("MATCHTEST", dex.LevelTrace))
	os.Exit(m.Run())
}

var testTime = time.UnixMicro(1700000000000000)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testHarness struct {
	t       *testing.T
	m       *Matcher
	book    *book.Book
	ledger  *balance.Ledger
	ids     *IDs
	rec     *event.Recorder
	assets  *asset.Registry
	initial map[string]decimal.Decimal
}

func newHarness(t *testing.T, stockPrec int32) *testHarness {
	t.Helper()
	assets, err := asset.NewRegistry([]*asset.Asset{
		{Name: "BTC", PrecSave: stockPrec, PrecShow: stockPrec},
		{Name: "USDT", PrecSave: 8, PrecShow: 4},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h := &testHarness{
		t:       t,
		book:    book.New(),
		ledger:  balance.NewLedger(assets),
		ids:     new(IDs),
		rec:     event.NewRecorder(),
		assets:  assets,
		initial: make(map[string]decimal.Decimal),
	}
	cfg := Config{Market: "BTCUSDT", Stock: "BTC", Money: "USDT", StockPrec: stockPrec}
	h.m = New(cfg, h.book, h.ledger, h.ids, event.NewEmitter(h.rec, h.rec), func() time.Time { return testTime })
	return h
}

func (h *testHarness) fund(user uint32, assetName, amount string) {
	h.t.Helper()
	if _, err := h.ledger.Add(user, balance.Available, assetName, d(amount)); err != nil {
		h.t.Fatalf("fund: %v", err)
	}
	h.initial[assetName] = h.initial[assetName].Add(d(amount))
}

func (h *testHarness) newOrder(typ order.Type, side order.Side, user uint32, price, amount, takerFee, makerFee string) *order.Order {
	o := &order.Order{
		ID:         h.ids.NextOrder(),
		Type:       typ,
		Side:       side,
		Market:     "BTCUSDT",
		Source:     "test",
		User:       user,
		Amount:     d(amount),
		Left:       d(amount),
		TakerFee:   d(takerFee),
		MakerFee:   d(makerFee),
		CreateTime: testTime,
		UpdateTime: testTime,
	}
	if typ == order.Limit {
		o.Price = d(price)
	}
	return o
}

// limit runs a limit order the way the market does: match, then rest any
// remainder.
func (h *testHarness) limit(real bool, o *order.Order) {
	h.t.Helper()
	if err := h.m.MatchLimit(real, o); err != nil {
		h.t.Fatalf("MatchLimit(%d): %v", o.ID, err)
	}
	if o.Left.IsPositive() {
		if err := h.m.Rest(o); err != nil {
			h.t.Fatalf("Rest(%d): %v", o.ID, err)
		}
	}
}

func (h *testHarness) checkBalance(user uint32, typ balance.Type, assetName, want string) {
	h.t.Helper()
	if got := h.ledger.Get(user, typ, assetName); !got.Equal(d(want)) {
		h.t.Fatalf("user %d %s %s = %s, want %s", user, typ, assetName, got, want)
	}
}

func (h *testHarness) totals() map[string]decimal.Decimal {
	sums := make(map[string]decimal.Decimal)
	for _, e := range h.ledger.Entries() {
		sums[e.Asset] = sums[e.Asset].Add(e.Amount)
	}
	return sums
}

func TestExactFill(t *testing.T) {
	h := newHarness(t, 8)
	h.fund(1, "USDT", "100")
	h.fund(2, "BTC", "1")

	bid := h.newOrder(order.Limit, order.Bid, 1, "9000", "0.01", "0", "0")
	h.limit(true, bid)
	h.checkBalance(1, balance.Available, "USDT", "10")
	h.checkBalance(1, balance.Freeze, "USDT", "90")
	if h.book.BestBid() != bid || !bid.Freeze.Equal(d("90")) {
		t.Fatalf("bid not resting with 90 frozen")
	}
	if h.rec.Count() != 0 {
		t.Fatalf("resting without a trade emitted %d events", h.rec.Count())
	}

	ask := h.newOrder(order.Limit, order.Ask, 2, "8000", "0.01", "0", "0")
	h.limit(true, ask)

	if h.book.Len() != 0 {
		t.Fatalf("book not empty, %d orders", h.book.Len())
	}
	h.checkBalance(1, balance.Available, "USDT", "10")
	h.checkBalance(1, balance.Freeze, "USDT", "0")
	h.checkBalance(1, balance.Available, "BTC", "0.01")
	h.checkBalance(2, balance.Available, "BTC", "0.99")
	h.checkBalance(2, balance.Available, "USDT", "90")

	if len(h.rec.Deals) != 1 || len(h.rec.DealMessages) != 1 {
		t.Fatalf("got %d deals, %d deal messages", len(h.rec.Deals), len(h.rec.DealMessages))
	}
	deal := h.rec.Deals[0]
	if deal.ID != 1 || !deal.Price.Equal(d("9000")) || !deal.Amount.Equal(d("0.01")) || !deal.Deal.Equal(d("90")) {
		t.Fatalf("wrong deal %+v", deal)
	}
	if deal.Side != order.Ask || deal.Taker().ID != ask.ID || deal.Maker().ID != bid.ID {
		t.Fatalf("wrong deal roles")
	}
	if len(h.rec.Orders) != 1 || h.rec.Orders[0].ID != bid.ID {
		t.Fatalf("maker was not archived")
	}
	if len(h.rec.OrderMessages) != 1 || h.rec.OrderMessages[0].Event != order.EventFinish {
		t.Fatalf("expected a single finish message")
	}
	// No fees, so two entries per side and no balance messages.
	if len(h.rec.Balances) != 4 || len(h.rec.BalanceMessages) != 0 {
		t.Fatalf("got %d balance history entries, %d messages", len(h.rec.Balances), len(h.rec.BalanceMessages))
	}
	first := h.rec.Balances[0]
	if first.User != 2 || first.Asset != "BTC" || !first.Change.Equal(d("-0.01")) ||
		!first.Balance.Equal(d("0.99")) || first.Business != event.BusinessTrade {
		t.Fatalf("wrong first balance change %+v", first)
	}
	if want := `{"a":"0.01","i":2,"m":"BTCUSDT","p":"9000"}`; string(first.Detail) != want {
		t.Fatalf("detail %s, want %s", first.Detail, want)
	}
}

func TestFees(t *testing.T) {
	h := newHarness(t, 8)
	h.fund(1, "USDT", "100")
	h.fund(2, "BTC", "1")

	bid := h.newOrder(order.Limit, order.Bid, 1, "9000", "0.01", "0.002", "0.001")
	h.limit(true, bid)
	ask := h.newOrder(order.Limit, order.Ask, 2, "9000", "0.01", "0.002", "0.001")
	h.limit(true, ask)

	// The ask taker pays 0.2% of 90 USDT, the bid maker 0.1% of 0.01 BTC.
	h.checkBalance(2, balance.Available, "USDT", "89.82")
	h.checkBalance(1, balance.Available, "BTC", "0.00999")
	if !ask.DealFee.Equal(d("0.18")) || !bid.DealFee.Equal(d("0.00001")) {
		t.Fatalf("deal fees %s / %s", ask.DealFee, bid.DealFee)
	}
	if !ask.DealMoney.Equal(d("90")) || !bid.DealStock.Equal(d("0.01")) {
		t.Fatalf("deal totals not accumulated")
	}

	if len(h.rec.Balances) != 6 {
		t.Fatalf("got %d balance history entries, want 6", len(h.rec.Balances))
	}
	fee := h.rec.Balances[2]
	if fee.User != 2 || fee.Asset != "USDT" || !fee.Change.Equal(d("-0.18")) {
		t.Fatalf("wrong taker fee entry %+v", fee)
	}
	if want := `{"a":"0.01","f":"0.002","i":2,"m":"BTCUSDT","p":"9000"}`; string(fee.Detail) != want {
		t.Fatalf("fee detail %s, want %s", fee.Detail, want)
	}

	// Fees leave the ledger; everything else is conserved.
	totals := h.totals()
	if !totals["BTC"].Equal(d("0.99999")) || !totals["USDT"].Equal(d("99.82")) {
		t.Fatalf("totals %v", totals)
	}
}

func TestPriceTimePriority(t *testing.T) {
	h := newHarness(t, 8)
	h.fund(1, "BTC", "10")
	h.fund(2, "BTC", "10")
	h.fund(3, "USDT", "100")

	a1 := h.newOrder(order.Limit, order.Ask, 1, "10", "1", "0", "0")
	a2 := h.newOrder(order.Limit, order.Ask, 2, "10", "1", "0", "0")
	a3 := h.newOrder(order.Limit, order.Ask, 1, "9", "1", "0", "0")
	for _, o := range []*order.Order{a1, a2, a3} {
		h.limit(true, o)
	}

	bid := h.newOrder(order.Limit, order.Bid, 3, "10", "2.5", "0", "0")
	h.limit(true, bid)

	if len(h.rec.Deals) != 3 {
		t.Fatalf("got %d deals, want 3", len(h.rec.Deals))
	}
	for i, want := range []uint64{a3.ID, a1.ID, a2.ID} {
		if got := h.rec.Deals[i].Maker().ID; got != want {
			t.Fatalf("deal %d maker %d, want %d", i, got, want)
		}
		if h.rec.Deals[i].ID != uint64(i+1) {
			t.Fatalf("deal ids not sequential")
		}
	}
	if !bid.Left.IsZero() || h.book.Order(bid.ID) != nil {
		t.Fatalf("taker not filled")
	}
	if rest := h.book.BestAsk(); rest != a2 || !rest.Left.Equal(d("0.5")) || !rest.Freeze.Equal(d("0.5")) {
		t.Fatalf("partial maker not left resting")
	}
	// 9 + 10 + 5 USDT spent.
	h.checkBalance(3, balance.Available, "USDT", "76")
	h.checkBalance(3, balance.Available, "BTC", "2.5")
	h.checkBalance(2, balance.Freeze, "BTC", "0.5")
	if last := h.rec.OrderMessages[len(h.rec.OrderMessages)-1]; last.Event != order.EventUpdate || last.Order.ID != a2.ID {
		t.Fatalf("partial fill did not push an update")
	}

	totals := h.totals()
	for name, want := range h.initial {
		if !totals[name].Equal(want) {
			t.Fatalf("%s total %s, want %s", name, totals[name], want)
		}
	}
}

// rawDeals keeps the deals it is handed without copying them.
type rawDeals struct {
	*event.Recorder
	deals []*order.Deal
}

func (r *rawDeals) AppendDealHistory(deal *order.Deal) error {
	r.deals = append(r.deals, deal)
	return nil
}

func TestDealOrdersAreSnapshots(t *testing.T) {
	h := newHarness(t, 8)
	raw := &rawDeals{Recorder: event.NewRecorder()}
	cfg := Config{Market: "BTCUSDT", Stock: "BTC", Money: "USDT", StockPrec: 8}
	h.m = New(cfg, h.book, h.ledger, h.ids, event.NewEmitter(raw, h.rec), func() time.Time { return testTime })
	h.fund(1, "USDT", "100")
	h.fund(2, "BTC", "2")

	bid := h.newOrder(order.Limit, order.Bid, 1, "10", "2", "0", "0")
	h.limit(true, bid)
	h.limit(true, h.newOrder(order.Limit, order.Ask, 2, "10", "1", "0", "0"))
	h.limit(true, h.newOrder(order.Limit, order.Ask, 2, "10", "1", "0", "0"))

	if len(raw.deals) != 2 {
		t.Fatalf("got %d deals, want 2", len(raw.deals))
	}
	for i, wantLeft := range []string{"1", "0"} {
		deal := raw.deals[i]
		if deal.Bid == bid {
			t.Fatalf("deal %d holds the live bid", deal.ID)
		}
		if !deal.Bid.Left.Equal(d(wantLeft)) || !deal.Bid.DealStock.Equal(d("2").Sub(d(wantLeft))) {
			t.Fatalf("deal %d bid left %s, dealt %s, want left %s", deal.ID, deal.Bid.Left, deal.Bid.DealStock, wantLeft)
		}
	}
	if !bid.Left.IsZero() {
		t.Fatalf("bid left %s", bid.Left)
	}
}

func TestNoCross(t *testing.T) {
	h := newHarness(t, 8)
	h.fund(1, "BTC", "1")
	h.fund(2, "USDT", "100")

	h.limit(true, h.newOrder(order.Limit, order.Ask, 1, "11", "1", "0", "0"))
	h.limit(true, h.newOrder(order.Limit, order.Bid, 2, "10", "1", "0", "0"))
	if h.book.Len() != 2 || len(h.rec.Deals) != 0 {
		t.Fatalf("orders crossed")
	}
	h.checkBalance(2, balance.Freeze, "USDT", "10")
}

func TestMarketBid(t *testing.T) {
	h := newHarness(t, 8)
	h.fund(1, "BTC", "2")
	h.fund(2, "USDT", "100")

	h.limit(true, h.newOrder(order.Limit, order.Ask, 1, "10", "1", "0", "0"))
	a2 := h.newOrder(order.Limit, order.Ask, 1, "20", "1", "0", "0")
	h.limit(true, a2)

	mkt := h.newOrder(order.Market, order.Bid, 2, "", "25", "0", "0")
	if err := h.m.MatchMarket(true, mkt); err != nil {
		t.Fatalf("MatchMarket: %v", err)
	}
	if !mkt.Left.IsZero() || !mkt.DealStock.Equal(d("1.75")) || !mkt.DealMoney.Equal(d("25")) {
		t.Fatalf("market bid left %s, stock %s, money %s", mkt.Left, mkt.DealStock, mkt.DealMoney)
	}
	if !a2.Left.Equal(d("0.25")) {
		t.Fatalf("second maker left %s", a2.Left)
	}
	h.checkBalance(2, balance.Available, "USDT", "75")
	h.checkBalance(2, balance.Available, "BTC", "1.75")

	// A budget larger than the book exhausts it.
	big := h.newOrder(order.Market, order.Bid, 2, "", "70", "0", "0")
	if err := h.m.MatchMarket(true, big); err != nil {
		t.Fatalf("MatchMarket: %v", err)
	}
	if h.book.AskCount() != 0 || !big.Left.Equal(d("65")) {
		t.Fatalf("book not exhausted, left %s", big.Left)
	}
}

func TestMarketAsk(t *testing.T) {
	h := newHarness(t, 8)
	h.fund(1, "USDT", "100")
	h.fund(2, "BTC", "2")

	h.limit(true, h.newOrder(order.Limit, order.Bid, 1, "10", "1", "0", "0"))
	b2 := h.newOrder(order.Limit, order.Bid, 1, "9", "1", "0", "0")
	h.limit(true, b2)

	mkt := h.newOrder(order.Market, order.Ask, 2, "", "1.5", "0", "0")
	if err := h.m.MatchMarket(true, mkt); err != nil {
		t.Fatalf("MatchMarket: %v", err)
	}
	if !mkt.Left.IsZero() || !mkt.DealMoney.Equal(d("14.5")) {
		t.Fatalf("market ask left %s, money %s", mkt.Left, mkt.DealMoney)
	}
	if !b2.Left.Equal(d("0.5")) || !b2.Freeze.Equal(d("4.5")) {
		t.Fatalf("bid maker left %s freeze %s", b2.Left, b2.Freeze)
	}
	h.checkBalance(1, balance.Freeze, "USDT", "4.5")
	h.checkBalance(2, balance.Available, "USDT", "14.5")
}

func TestMarketBidAmount(t *testing.T) {
	h := newHarness(t, 2)
	tests := []struct {
		name   string
		budget string
		price  string
		left   string
		want   string
	}{
		{"exact", "30", "10", "5", "3"},
		{"rounded down", "1", "3", "5", "0.33"},
		{"rounded up then corrected", "2", "3", "5", "0.66"},
		{"capped by maker", "100", "10", "2", "2"},
		{"too small", "0.01", "3", "5", "0"},
	}
	for _, tt := range tests {
		maker := &order.Order{Price: d(tt.price), Left: d(tt.left)}
		got := h.m.marketBidAmount(d(tt.budget), maker)
		if !got.Equal(d(tt.want)) {
			t.Fatalf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestFinish(t *testing.T) {
	h := newHarness(t, 8)
	h.fund(1, "USDT", "100")

	bid := h.newOrder(order.Limit, order.Bid, 1, "10", "2", "0", "0")
	h.limit(true, bid)
	h.checkBalance(1, balance.Freeze, "USDT", "20")

	if err := h.m.Finish(true, bid); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	h.checkBalance(1, balance.Freeze, "USDT", "0")
	h.checkBalance(1, balance.Available, "USDT", "100")
	if h.book.Len() != 0 {
		t.Fatalf("order still booked")
	}
	// Untraded orders are not archived.
	if len(h.rec.Orders) != 0 {
		t.Fatalf("untraded order archived")
	}

	// Resting without collateral is an invariant violation.
	broke := h.newOrder(order.Limit, order.Bid, 9, "10", "1", "0", "0")
	if err := h.m.Rest(broke); !dex.IsInvariant(err) {
		t.Fatalf("expected invariant error, got %v", err)
	}
	if err := h.m.Rest(h.newOrder(order.Market, order.Ask, 1, "", "1", "0", "0")); !dex.IsInvariant(err) {
		t.Fatalf("rested a market order")
	}
}

func TestReplayDeterminism(t *testing.T) {
	run := func(real bool) *testHarness {
		h := newHarness(t, 8)
		h.fund(1, "BTC", "5")
		h.fund(2, "USDT", "500")
		h.fund(3, "BTC", "5")
		h.limit(real, h.newOrder(order.Limit, order.Ask, 1, "10", "2", "0.002", "0.001"))
		h.limit(real, h.newOrder(order.Limit, order.Ask, 3, "10.5", "3", "0.002", "0.001"))
		h.limit(real, h.newOrder(order.Limit, order.Bid, 2, "10.2", "2.5", "0.002", "0.001"))
		if err := h.m.MatchMarket(real, h.newOrder(order.Market, order.Bid, 2, "", "21", "0.002", "0.001")); err != nil {
			t.Fatalf("MatchMarket: %v", err)
		}
		return h
	}
	live, replay := run(true), run(false)

	if replay.rec.Count() != 0 {
		t.Fatalf("replay emitted %d events", replay.rec.Count())
	}
	if live.rec.Count() == 0 {
		t.Fatalf("live run emitted nothing")
	}
	le, re := live.ledger.Entries(), replay.ledger.Entries()
	if len(le) != len(re) {
		t.Fatalf("ledger sizes differ %d / %d", len(le), len(re))
	}
	for i := range le {
		if le[i].User != re[i].User || le[i].Type != re[i].Type || le[i].Asset != re[i].Asset ||
			!le[i].Amount.Equal(re[i].Amount) {
			t.Fatalf("ledger entry %d differs: %+v / %+v", i, le[i], re[i])
		}
	}
	lo, ro := live.book.Orders(), replay.book.Orders()
	if len(lo) != len(ro) {
		t.Fatalf("book sizes differ")
	}
	for i := range lo {
		if lo[i].ID != ro[i].ID || !lo[i].Left.Equal(ro[i].Left) || !lo[i].Freeze.Equal(ro[i].Freeze) {
			t.Fatalf("order %d differs", lo[i].ID)
		}
	}
	if live.ids.LastDeal() != replay.ids.LastDeal() {
		t.Fatalf("deal counters differ")
	}
}

func TestIDsRestore(t *testing.T) {
	var ids IDs
	ids.NextOrder()
	ids.Restore(10, 4)
	if ids.NextOrder() != 11 || ids.NextDeal() != 5 {
		t.Fatalf("restore did not raise counters")
	}
	ids.Restore(3, 3)
	if ids.LastOrder() != 11 || ids.LastDeal() != 5 {
		t.Fatalf("restore moved counters backward")
	}
}
