// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openexch/matchengine/dex/msgjson"
	"github.com/openexch/matchengine/dex/order"
	"github.com/openexch/matchengine/server/balance"
	"github.com/openexch/matchengine/server/snapshot"
)

// tStore is a snapshot store that can be told to drop slices, so that a
// restart has operations to replay.
type tStore struct {
	*snapshot.Store
	dropSlices atomic.Bool
}

func (s *tStore) SaveSlice(sl *snapshot.Slice) (<-chan error, error) {
	if s.dropSlices.Load() {
		done := make(chan error, 1)
		done <- nil
		return done, nil
	}
	return s.Store.SaveSlice(sl)
}

type tRunningStore struct {
	*tStore
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func openTStore(t *testing.T, path string) *tRunningStore {
	t.Helper()
	st, err := snapshot.Open(&snapshot.Config{Path: path, SliceKeep: 2})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	rs := &tRunningStore{tStore: &tStore{Store: st}, cancel: cancel}
	rs.wg.Add(1)
	go func() {
		defer rs.wg.Done()
		st.Run(ctx)
	}()
	return rs
}

func (rs *tRunningStore) stop() {
	rs.cancel()
	rs.wg.Wait()
}

// stateDump is the engine state that must survive a restart.
type stateDump struct {
	LastOrder uint64
	LastDeal  uint64
	Balances  []*balance.Entry
	Orders    []*order.Info
	Updates   []*balance.AppliedUpdate
}

func dumpState(t *testing.T, te *tEngine) string {
	t.Helper()
	var d stateDump
	err := te.do(context.Background(), func() {
		d.LastOrder = te.ids.LastOrder()
		d.LastDeal = te.ids.LastDeal()
		d.Balances = te.ledger.Entries()
		for _, mkt := range te.markets.List() {
			for _, o := range mkt.Orders() {
				d.Orders = append(d.Orders, o.Info())
			}
		}
		d.Updates = te.updater.Applied()
	})
	if err != nil {
		t.Fatalf("dump error: %v", err)
	}
	b, err := json.MarshalIndent(&d, "", "  ")
	if err != nil {
		t.Fatalf("dump encoding error: %v", err)
	}
	return string(b)
}

func TestRecover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matchengine.db")

	store := openTStore(t, path)
	te := newTEngine(t, func(cfg *Config) { cfg.Store = store.tStore })
	if err := te.Recover(); err != nil {
		t.Fatalf("Recover on an empty store error: %v", err)
	}
	te.start()

	te.deposit(1, "USDT", "100000")
	te.deposit(2, "BTC", "10")
	te.putLimit(2, order.Ask, "1", "9000")
	te.putLimit(2, order.Ask, "2", "9100")
	te.putLimit(1, order.Bid, "1.5", "9050")
	if err := te.SaveSnapshot(context.Background()); err != nil {
		t.Fatalf("SaveSnapshot error: %v", err)
	}
	// Operations after the snapshot are replayed from the log.
	store.dropSlices.Store(true)
	te.deposit(3, "USDT", "500")
	te.putLimit(3, order.Bid, "0.05", "8000")
	te.ok(nil, msgjson.OrderCancelRoute, 2, tMkt, 2)
	te.putLimit(2, order.Ask, "0.5", "9200")
	te.ok(nil, msgjson.OrderPutMarketRoute, 2, tMkt, order.Ask, "0.01", "0.001", "app")
	te.ok(nil, msgjson.OrderPutMarketRoute, 1, tMkt, order.Bid, "1000", "0.001", "app")
	te.ok(nil, msgjson.BalanceUpdateRoute, 1, "USDT", "withdraw", 7, "-10", map[string]any{})
	// Rejected commands are not logged.
	te.fails(msgjson.UpdateBalanceNotEnough, msgjson.BalanceUpdateRoute, 3, "BTC", "withdraw", 8, "-1", map[string]any{})

	want := dumpState(t, te)
	lastOperlog := store.LastOperlogID()
	te.stop()
	store.stop()

	store = openTStore(t, path)
	defer store.stop()
	if store.LastOperlogID() != lastOperlog {
		t.Fatalf("last operation %d after reopen, expected %d", store.LastOperlogID(), lastOperlog)
	}
	sl, err := store.LoadLatest()
	if err != nil || sl == nil {
		t.Fatalf("LoadLatest: %v, %v", sl, err)
	}
	if sl.LastOperlog != 5 {
		t.Fatalf("snapshot taken after operation %d, expected 5", sl.LastOperlog)
	}

	te2 := newTEngine(t, func(cfg *Config) { cfg.Store = store.tStore })
	if err := te2.Recover(); err != nil {
		t.Fatalf("Recover error: %v", err)
	}
	te2.start()
	defer te2.stop()

	if got := dumpState(t, te2); got != want {
		t.Fatalf("recovered state differs.\nwanted:\n%s\ngot:\n%s", want, got)
	}
	if n := te2.hist.Count() + te2.msgs.Count(); n != 0 {
		t.Fatalf("replay emitted %d records", n)
	}

	// Dedupe keys from both the snapshot and the replayed log are remembered.
	te2.fails(msgjson.RepeatUpdate, msgjson.BalanceUpdateRoute, 1, "USDT", "deposit", 1, "1", map[string]any{})
	te2.fails(msgjson.RepeatUpdate, msgjson.BalanceUpdateRoute, 1, "USDT", "withdraw", 7, "-10", map[string]any{})

	// Ids continue where they left off.
	info := te2.putLimit(2, order.Ask, "0.1", "9999")
	st, err := te2.Status(context.Background())
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if info.ID != st.LastOrder || info.ID <= sl.LastOrder {
		t.Fatalf("new order id %d, last order %d", info.ID, st.LastOrder)
	}
}

func TestRecoverBadOperation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matchengine.db")
	store := openTStore(t, path)
	if _, err := store.AppendOperlog(time.Now(), "limit_order", json.RawMessage(`[1,"BTCUSDT",2,"1","100","0","0",""]`)); err != nil {
		t.Fatalf("AppendOperlog error: %v", err)
	}
	store.stop()

	store = openTStore(t, path)
	defer store.stop()
	te := newTEngine(t, func(cfg *Config) { cfg.Store = store.tStore })
	// User 1 has no money, so the logged order can't be replayed.
	if err := te.Recover(); err == nil {
		t.Fatalf("no error replaying an inapplicable operation")
	}
}

func TestRecoverAfterHalt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matchengine.db")

	store := openTStore(t, path)
	halted := make(chan struct{})
	te := newTEngine(t, func(cfg *Config) {
		cfg.Store = store.tStore
		cfg.FatalPolicy = FatalHalt
		cfg.Halt = func() { close(halted) }
	})
	if err := te.Recover(); err != nil {
		t.Fatalf("Recover on an empty store error: %v", err)
	}
	te.start()

	te.deposit(1, "USDT", "1000")
	te.deposit(2, "BTC", "1")
	te.putLimit(1, order.Bid, "1", "100")
	// The crossing ask trades and publishes its deal before the balance
	// history is refused.
	te.hist.setFail(true)
	te.fails(msgjson.RPCInternalError, msgjson.OrderPutLimitRoute, 2, tMkt, order.Ask, "1", "100", "0.001", "0.001", "test")
	select {
	case <-halted:
	case <-time.After(5 * time.Second):
		t.Fatalf("halt not requested")
	}
	if len(te.hist.Deals) != 1 {
		t.Fatalf("expected 1 published deal, got %d", len(te.hist.Deals))
	}
	published := te.hist.Deals[0]
	want := dumpState(t, te)
	te.stop()
	store.stop()

	store = openTStore(t, path)
	defer store.stop()
	if sl, err := store.LoadLatest(); err != nil || sl != nil {
		t.Fatalf("halted engine saved a snapshot: %v, %v", sl, err)
	}
	te2 := newTEngine(t, func(cfg *Config) { cfg.Store = store.tStore })
	if err := te2.Recover(); err != nil {
		t.Fatalf("Recover error: %v", err)
	}
	te2.start()
	defer te2.stop()

	if got := dumpState(t, te2); got != want {
		t.Fatalf("recovered state differs.\nwanted:\n%s\ngot:\n%s", want, got)
	}

	// Published ids are not handed out again.
	te2.businessID = 100
	te2.deposit(2, "BTC", "1")
	bid := te2.putLimit(1, order.Bid, "1", "100")
	ask := te2.putLimit(2, order.Ask, "1", "100")
	if bid.ID <= published.Ask.ID || ask.ID != bid.ID+1 {
		t.Fatalf("new order ids %d, %d after published order %d", bid.ID, ask.ID, published.Ask.ID)
	}
	if len(te2.hist.Deals) != 1 || te2.hist.Deals[0].ID != published.ID+1 {
		t.Fatalf("new deals %d after published deal %d", len(te2.hist.Deals), published.ID)
	}
}
