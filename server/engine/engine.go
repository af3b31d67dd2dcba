// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package engine is the command processor. An Engine owns the balance ledger,
// the markets and the id counters, and applies commands to them one at a time
// from a single goroutine. Mutating commands are recorded in the operation log
// so a restart can rebuild the same state from the latest snapshot.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/dex/msgjson"
	"github.com/openexch/matchengine/server/asset"
	"github.com/openexch/matchengine/server/balance"
	"github.com/openexch/matchengine/server/event"
	"github.com/openexch/matchengine/server/market"
	"github.com/openexch/matchengine/server/matcher"
	"github.com/openexch/matchengine/server/snapshot"
)

const (
	// purgeInterval is the period of the reply cache sweep and the balance
	// update dedupe purge.
	purgeInterval = time.Minute
	// DefaultRequestTimeout is how long Submit waits for a reply when the
	// caller's context has no deadline.
	DefaultRequestTimeout = 10 * time.Second
)

// ErrStopped is returned for requests made after Run has returned.
const ErrStopped = dex.ErrorKind("engine stopped")

// FatalPolicy decides what happens after an invariant violation.
type FatalPolicy string

const (
	// FatalLog logs the violation, replies normally and keeps serving.
	FatalLog FatalPolicy = "log"
	// FatalHalt replies with an internal error, refuses further mutations
	// and requests shutdown. The next start recovers from the snapshot and
	// operation log.
	FatalHalt FatalPolicy = "halt"
)

// Store is the operation log and snapshot storage.
type Store interface {
	AppendOperlog(t time.Time, method string, params json.RawMessage) (uint64, error)
	LastOperlogID() uint64
	IsBlocked() bool
	SaveSlice(sl *snapshot.Slice) (<-chan error, error)
	LoadLatest() (*snapshot.Slice, error)
	Operlogs(after uint64, fn func(*snapshot.Entry) error) error
}

// Config is the configuration of the Engine.
type Config struct {
	Assets  []*asset.Asset
	Markets []*market.Config
	// History and Messages receive the engine's output. Either may be nil
	// to discard it.
	History  event.HistorySink
	Messages event.MessageSink
	// Store may be nil to run without an operation log or snapshots.
	Store Store
	// CacheTimeout is the lifetime of cached order.depth replies. Zero
	// disables the cache.
	CacheTimeout time.Duration
	// CacheSize bounds the number of cached replies.
	CacheSize uint
	// PersistInterval is the period between snapshots. Zero disables
	// periodic snapshots.
	PersistInterval time.Duration
	FatalPolicy     FatalPolicy
	// Halt is called once when FatalHalt stops the engine.
	Halt func()
}

// clock is the engine's time source. It is pinned for the duration of each
// command, and during replay to the logged time of the operation, so orders,
// deals and dedupe keys get the timestamps they had originally.
type clock struct {
	pinned time.Time
}

func (c *clock) now() time.Time {
	if !c.pinned.IsZero() {
		return c.pinned
	}
	return time.Now()
}

// Engine applies commands to the ledger and markets. All state is confined
// to the goroutine running Run. Other goroutines reach it with Submit,
// Status and SaveSnapshot.
type Engine struct {
	cfg     Config
	clock   clock
	assets  *asset.Registry
	ledger  *balance.Ledger
	updater *balance.Updater
	ids     *matcher.IDs
	emitter *event.Emitter
	markets *market.Registry
	store   Store
	cache   *replyCache
	routes  map[string]*route
	// operlogRoutes maps an operation log name back to its route.
	operlogRoutes map[string]*route

	reqs    chan func()
	stopped chan struct{}
	halted  atomic.Bool
}

// New creates an Engine from the asset and market tables.
func New(cfg *Config) (*Engine, error) {
	switch cfg.FatalPolicy {
	case "":
		cfg.FatalPolicy = FatalLog
	case FatalLog, FatalHalt:
	default:
		return nil, fmt.Errorf("unknown fatal policy %q", cfg.FatalPolicy)
	}
	if cfg.PersistInterval < 0 || cfg.CacheTimeout < 0 {
		return nil, fmt.Errorf("negative interval")
	}

	assets, err := asset.NewRegistry(cfg.Assets)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     *cfg,
		assets:  assets,
		ids:     new(matcher.IDs),
		emitter: event.NewEmitter(cfg.History, cfg.Messages),
		store:   cfg.Store,
		cache:   newReplyCache(cfg.CacheTimeout, cfg.CacheSize),
		reqs:    make(chan func()),
		stopped: make(chan struct{}),
	}
	if e.store == nil {
		e.store = nopStore{}
	}
	e.ledger = balance.NewLedger(assets)
	e.updater = balance.NewUpdater(e.ledger, e.emitter, e.clock.now)
	e.markets, err = market.NewRegistry(assets, cfg.Markets, e.ledger, e.ids, e.emitter, e.clock.now)
	if err != nil {
		return nil, err
	}
	e.registerRoutes()
	return e, nil
}

// Recover restores the newest snapshot, if any, and replays the operations
// logged after it. It must be called before Run. Any failure means the state
// cannot be trusted and the process must not start.
func (e *Engine) Recover() error {
	sl, err := e.store.LoadLatest()
	if err != nil {
		return fmt.Errorf("error loading snapshot: %w", err)
	}
	var after uint64
	if sl != nil {
		if err := e.Restore(sl); err != nil {
			return fmt.Errorf("error restoring snapshot: %w", err)
		}
		after = sl.LastOperlog
		log.Infof("Restored snapshot from %s: %d balances, %d orders, last order %d, last deal %d",
			sl.Time.Format(time.RFC3339), len(sl.Balances), len(sl.Orders), sl.LastOrder, sl.LastDeal)
	}

	var n int
	err = e.store.Operlogs(after, func(entry *snapshot.Entry) error {
		n++
		return e.Replay(entry)
	})
	if err != nil {
		return fmt.Errorf("error replaying operations: %w", err)
	}
	log.Infof("Replayed %d operations after operation %d", n, after)
	return nil
}

// Restore loads a snapshot into an engine that has not processed any
// commands. Resting orders are booked first, then the balances, which
// already include the orders' frozen collateral, are set.
func (e *Engine) Restore(sl *snapshot.Slice) error {
	lastOrder := sl.LastOrder
	for _, o := range sl.Orders {
		mkt := e.markets.Get(o.Market)
		if mkt == nil {
			return fmt.Errorf("order %d: unknown market %q", o.ID, o.Market)
		}
		if err := mkt.RestoreOrder(o); err != nil {
			return err
		}
		lastOrder = max(lastOrder, o.ID)
	}
	e.ids.Restore(lastOrder, sl.LastDeal)
	for _, b := range sl.Balances {
		if _, err := e.ledger.Set(b.User, b.Type, b.Asset, b.Amount); err != nil {
			return fmt.Errorf("balance of user %d %s: %w", b.User, b.Asset, err)
		}
	}
	e.updater.Restore(sl.Updates)
	return nil
}

// Replay applies a logged operation without emitting history or messages.
func (e *Engine) Replay(entry *snapshot.Entry) error {
	r := e.operlogRoutes[entry.Method]
	if r == nil {
		return fmt.Errorf("operation %d: unknown method %q", entry.ID, entry.Method)
	}
	msg := &msgjson.Message{Method: r.method, Params: entry.Params, ID: entry.ID}
	resp := e.handle(false, msg, entry.Time)
	if resp.Error != nil {
		return fmt.Errorf("operation %d (%s %s): %s", entry.ID, entry.Method, entry.Params, resp.Error.Message)
	}
	return nil
}

// Run processes requests until ctx is canceled, then saves a final
// snapshot.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.stopped)

	purge := time.NewTicker(purgeInterval)
	defer purge.Stop()
	var persist <-chan time.Time
	if e.cfg.PersistInterval > 0 {
		t := time.NewTicker(e.cfg.PersistInterval)
		defer t.Stop()
		persist = t.C
	}

	for {
		select {
		case fn := <-e.reqs:
			fn()
		case <-purge.C:
			now := e.clock.now()
			if n := e.cache.sweep(now); n > 0 {
				log.Debugf("Swept %d expired cached replies", n)
			}
			e.updater.Purge()
		case <-persist:
			e.persist()
		case <-ctx.Done():
			e.persist()
			log.Infof("Engine stopped at order %d, deal %d, operation %d",
				e.ids.LastOrder(), e.ids.LastDeal(), e.store.LastOperlogID())
			return
		}
	}
}

func (e *Engine) slice() *snapshot.Slice {
	sl := &snapshot.Slice{
		Time:        e.clock.now(),
		LastOrder:   e.ids.LastOrder(),
		LastDeal:    e.ids.LastDeal(),
		LastOperlog: e.store.LastOperlogID(),
		Balances:    e.ledger.Entries(),
		Updates:     e.updater.Applied(),
	}
	for _, mkt := range e.markets.List() {
		sl.Orders = append(sl.Orders, mkt.Orders()...)
	}
	return sl
}

// persist queues a snapshot. A halted engine's state is suspect and is not
// saved.
func (e *Engine) persist() (<-chan error, error) {
	if e.halted.Load() {
		log.Warnf("Not saving a snapshot of a halted engine")
		return nil, ErrHalted
	}
	done, err := e.store.SaveSlice(e.slice())
	if err != nil {
		log.Errorf("Error saving snapshot: %v", err)
	}
	return done, err
}

// ErrHalted is returned when a snapshot of a halted engine is requested.
const ErrHalted = dex.ErrorKind("engine halted")

// do runs fn on the engine's goroutine and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	req := func() {
		fn()
		close(done)
	}
	select {
	case e.reqs <- req:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit executes a command and returns its reply. Submit is safe for
// concurrent use.
func (e *Engine) Submit(ctx context.Context, msg *msgjson.Message) *msgjson.Response {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}
	respC := make(chan *msgjson.Response, 1)
	err := e.do(ctx, func() {
		respC <- e.handle(true, msg, time.Now())
	})
	if err != nil {
		code, text := msgjson.RPCServiceTimeout, "service timeout"
		if errors.Is(err, ErrStopped) {
			code, text = msgjson.RPCServiceUnavailable, "service unavailable"
		}
		log.Warnf("Request %d (%s) not served: %v", msg.ID, msg.Method, err)
		return errorResponse(msg.ID, msgjson.NewError(code, "%s", text))
	}
	return <-respC
}

// Status is a summary of the engine's state.
type Status struct {
	LastOrder       uint64                   `json:"last_order"`
	LastDeal        uint64                   `json:"last_deal"`
	LastOperlog     uint64                   `json:"last_operlog"`
	Balances        int                      `json:"balances"`
	DedupeKeys      int                      `json:"dedupe_keys"`
	CachedReplies   int                      `json:"cached_replies"`
	OperlogBlocked  bool                     `json:"operlog_blocked"`
	HistoryBlocked  bool                     `json:"history_blocked"`
	MessagesBlocked bool                     `json:"messages_blocked"`
	Halted          bool                     `json:"halted"`
	Markets         []*msgjson.MarketSummary `json:"markets"`
}

// Status reports the engine's counters and queue states.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	var st *Status
	err := e.do(ctx, func() {
		st = &Status{
			LastOrder:       e.ids.LastOrder(),
			LastDeal:        e.ids.LastDeal(),
			LastOperlog:     e.store.LastOperlogID(),
			Balances:        e.ledger.Len(),
			DedupeKeys:      e.updater.Len(),
			CachedReplies:   e.cache.len(),
			OperlogBlocked:  e.store.IsBlocked(),
			HistoryBlocked:  e.emitter.History.IsBlocked(),
			MessagesBlocked: e.emitter.Messages.IsBlocked(),
			Halted:          e.halted.Load(),
		}
		for _, mkt := range e.markets.List() {
			st.Markets = append(st.Markets, marketSummary(mkt))
		}
	})
	return st, err
}

// SaveSnapshot saves a snapshot now and waits until it is written.
func (e *Engine) SaveSnapshot(ctx context.Context) error {
	var done <-chan error
	var err error
	if doErr := e.do(ctx, func() { done, err = e.persist() }); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}
	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// halt stops mutations after an invariant violation under FatalHalt.
func (e *Engine) halt() {
	if e.halted.Swap(true) {
		return
	}
	log.Criticalf("Halting the engine after an invariant violation")
	if e.cfg.Halt != nil {
		go e.cfg.Halt()
	}
}

// nopStore is used when the engine runs without persistence.
type nopStore struct{}

func (nopStore) AppendOperlog(time.Time, string, json.RawMessage) (uint64, error) { return 0, nil }
func (nopStore) LastOperlogID() uint64                                            { return 0 }
func (nopStore) IsBlocked() bool                                                  { return false }
func (nopStore) LoadLatest() (*snapshot.Slice, error)                             { return nil, nil }
func (nopStore) Operlogs(uint64, func(*snapshot.Entry) error) error               { return nil }
func (nopStore) SaveSlice(*snapshot.Slice) (<-chan error, error) {
	done := make(chan error, 1)
	done <- nil
	return done, nil
}
