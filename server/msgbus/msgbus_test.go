// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package msgbus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/dex/order"
	"github.com/openexch/matchengine/server/event"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

func TestMain(m *testing.M) {
	UseLogger(dex.StdOutLogger("MSGB_TEST", dex.LevelTrace))
	os.Exit(m.Run())
}

// TWriter is a Writer that records what it is sent.
type TWriter struct {
	mtx     sync.Mutex
	written []kafka.Message
	writes  int
	err     error
	closed  bool
}

func (w *TWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.writes++
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *TWriter) Close() error {
	w.mtx.Lock()
	w.closed = true
	w.mtx.Unlock()
	return nil
}

func (w *TWriter) setErr(err error) {
	w.mtx.Lock()
	w.err = err
	w.mtx.Unlock()
}

func (w *TWriter) messages() []kafka.Message {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return append([]kafka.Message(nil), w.written...)
}

var tStamp = time.Unix(1700000000, 500000000)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func tDeal() *order.Deal {
	return &order.Deal{
		ID:      9,
		Time:    tStamp,
		Market:  "BTCUSDT",
		Stock:   "BTC",
		Money:   "USDT",
		Ask:     &order.Order{ID: 1, User: 20},
		AskRole: order.Maker,
		Bid:     &order.Order{ID: 2, User: 10},
		BidRole: order.Taker,
		Price:   dec("9000"),
		Amount:  dec("0.5"),
		Deal:    dec("4500"),
		AskFee:  dec("4.5"),
		BidFee:  dec("0.001"),
		Side:    order.Bid,
	}
}

func newTBus() (*Bus, *TWriter, uuid.UUID) {
	w := new(TWriter)
	instance := uuid.New()
	precs := map[string]order.Precision{"BTCUSDT": {Stock: 4, Money: 2, Fee: 4}}
	return New(&Config{Instance: instance, Precisions: precs}, w), w, instance
}

func TestPayloads(t *testing.T) {
	bus, w, instance := newTBus()

	o := &order.Order{
		ID:         1,
		Type:       order.Limit,
		Side:       order.Ask,
		Market:     "BTCUSDT",
		User:       20,
		Price:      dec("9000"),
		Amount:     dec("1"),
		Left:       dec("1"),
		CreateTime: tStamp,
		UpdateTime: tStamp,
	}
	if err := bus.PushOrderMessage(order.EventPut, o, "BTC", "USDT"); err != nil {
		t.Fatal(err)
	}
	if err := bus.PushDealMessage(tDeal()); err != nil {
		t.Fatal(err)
	}
	bc := &event.BalanceChange{Time: tStamp, User: 10, Asset: "USDT", Business: "deposit", Change: dec("-1.5")}
	if err := bus.PushBalanceMessage(bc); err != nil {
		t.Fatal(err)
	}
	if n, err := bus.flush(context.Background()); n != 3 || err != nil {
		t.Fatalf("flushed %d, err = %v", n, err)
	}

	msgs := w.messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, topic := range []string{TopicOrders, TopicDeals, TopicBalances} {
		if msgs[i].Topic != topic {
			t.Fatalf("message %d: topic %s, expected %s", i, msgs[i].Topic, topic)
		}
		if len(msgs[i].Headers) != 1 || string(msgs[i].Headers[0].Value) != instance.String() {
			t.Fatalf("message %d: wrong headers %v", i, msgs[i].Headers)
		}
	}

	var om struct {
		Event order.Event     `json:"event"`
		Order json.RawMessage `json:"order"`
		Stock string          `json:"stock"`
		Money string          `json:"money"`
	}
	if err := json.Unmarshal(msgs[0].Value, &om); err != nil {
		t.Fatal(err)
	}
	if om.Event != order.EventPut || om.Stock != "BTC" || om.Money != "USDT" || string(msgs[0].Key) != "BTCUSDT" {
		t.Fatalf("wrong order message %s", msgs[0].Value)
	}
	var info order.Info
	if err := json.Unmarshal(om.Order, &info); err != nil {
		t.Fatal(err)
	}
	if info.ID != 1 || !info.Left.Equal(dec("1")) {
		t.Fatalf("wrong order info %s", om.Order)
	}
	// Order decimals are shown at the market's precision.
	var shown struct {
		Price  string `json:"price"`
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(om.Order, &shown); err != nil {
		t.Fatal(err)
	}
	if shown.Price != "9000.00" || shown.Amount != "1.0000" {
		t.Fatalf("wrong order decimals %s", om.Order)
	}

	wantDeal := `[1700000000.5,"BTCUSDT",1,2,20,10,"9000","0.5","4.5","0.001",2,9,"BTC","USDT"]`
	if string(msgs[1].Value) != wantDeal {
		t.Fatalf("wrong deal message\nwanted %s\ngot    %s", wantDeal, msgs[1].Value)
	}

	wantBalance := `[1700000000.5,10,"USDT","deposit","-1.5"]`
	if string(msgs[2].Value) != wantBalance || string(msgs[2].Key) != "10" {
		t.Fatalf("wrong balance message %s (key %s)", msgs[2].Value, msgs[2].Key)
	}
}

func TestRetryAndBlocked(t *testing.T) {
	bus, w, _ := newTBus()
	bc := &event.BalanceChange{Time: tStamp, User: 1, Asset: "BTC", Business: "trade", Change: dec("1")}
	for i := 0; i < BlockedQueueLen-1; i++ {
		bus.PushBalanceMessage(bc)
	}
	if bus.IsBlocked() {
		t.Fatalf("blocked below the limit")
	}
	bus.PushBalanceMessage(bc)
	if !bus.IsBlocked() {
		t.Fatalf("not blocked at the limit")
	}

	w.setErr(errors.New("broker down"))
	bus.flushAll(context.Background())
	if n := bus.Pending(); n != BlockedQueueLen {
		t.Fatalf("failed send dropped messages, %d pending", n)
	}

	w.setErr(nil)
	bus.flushAll(context.Background())
	if bus.Pending() != 0 || bus.IsBlocked() {
		t.Fatalf("queue not drained")
	}
	if n := len(w.messages()); n != BlockedQueueLen {
		t.Fatalf("sent %d messages", n)
	}
}

func TestRun(t *testing.T) {
	w := new(TWriter)
	bus := New(&Config{FlushInterval: 10 * time.Millisecond}, w)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		bus.Run(ctx)
	}()

	bus.PushDealMessage(tDeal())
	deadline := time.Now().Add(5 * time.Second)
	for len(w.messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("message not sent")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	wg.Wait()
	if !w.closed {
		t.Fatalf("writer not closed")
	}
	if err := bus.PushDealMessage(tDeal()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
