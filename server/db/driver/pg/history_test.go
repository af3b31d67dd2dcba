//go:build !pgonline

// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/dex/order"
	"github.com/openexch/matchengine/server/db"
	"github.com/openexch/matchengine/server/event"
	"github.com/shopspring/decimal"
)

func TestMain(m *testing.M) {
	UseLogger(dex.StdOutLogger("PG_DB_TEST", dex.LevelTrace))
	sql.Register("stub", &dbStub{})
	os.Exit(m.Run())
}

// execRecord is a statement executed on the stub.
type execRecord struct {
	query string
	args  []driver.Value
}

var (
	stubMtx       sync.Mutex
	stubCommitted []*execRecord
	stubFailExec  atomic.Bool
)

func resetStub() []*execRecord {
	stubMtx.Lock()
	defer stubMtx.Unlock()
	recs := stubCommitted
	stubCommitted = nil
	return recs
}

// driver.Driver
type dbStub struct{}

var _ driver.Driver = (*dbStub)(nil)

func (db *dbStub) Open(name string) (driver.Conn, error) {
	return &dbStubConn{}, nil
}

// driver.Conn
type dbStubConn struct {
	pending []*execRecord
}

var _ driver.Conn = (*dbStubConn)(nil)

func (dbc *dbStubConn) Prepare(query string) (driver.Stmt, error) {
	re := regexp.MustCompile(`\$\d+`)
	matches := re.FindAllStringIndex(query, -1)
	return &dbStubStmt{dbc, query, len(matches)}, nil
}
func (dbc *dbStubConn) Close() error { return nil }
func (dbc *dbStubConn) Begin() (driver.Tx, error) {
	dbc.pending = nil
	return &dbStubTx{dbc}, nil
}

// driver.Tx
type dbStubTx struct {
	conn *dbStubConn
}

var _ driver.Tx = (*dbStubTx)(nil)

func (dbt *dbStubTx) Commit() error {
	stubMtx.Lock()
	stubCommitted = append(stubCommitted, dbt.conn.pending...)
	stubMtx.Unlock()
	dbt.conn.pending = nil
	return nil
}

func (dbt *dbStubTx) Rollback() error {
	dbt.conn.pending = nil
	return nil
}

// driver.Stmt
type dbStubStmt struct {
	conn            *dbStubConn
	query           string
	numPlaceholders int
}

var _ driver.Stmt = (*dbStubStmt)(nil)

func (dbs *dbStubStmt) Close() error  { return nil }
func (dbs *dbStubStmt) NumInput() int { return dbs.numPlaceholders }
func (dbs *dbStubStmt) Exec(args []driver.Value) (driver.Result, error) {
	if stubFailExec.Load() {
		return nil, errors.New("stub exec failure")
	}
	dbs.conn.pending = append(dbs.conn.pending, &execRecord{dbs.query, args})
	return &dbStubResult{}, nil
}
func (dbs *dbStubStmt) Query(args []driver.Value) (driver.Rows, error) {
	return nil, errors.New("not supported")
}

// driver.Result
type dbStubResult struct{}

var _ driver.Result = (*dbStubResult)(nil)

func (dbs *dbStubResult) LastInsertId() (int64, error) { return 0, nil }
func (dbs *dbStubResult) RowsAffected() (int64, error) { return 1, nil }

func newStubArchiver(t *testing.T, cfg *Config) *Archiver {
	t.Helper()
	stub, err := sql.Open("stub", "discardedConnectString")
	if err != nil {
		t.Fatal(err)
	}
	resetStub()
	stubFailExec.Store(false)
	a := newArchiver(stub, cfg)
	t.Cleanup(func() { a.Close() })
	return a
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var tStamp = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func tOrder(id uint64, user uint32, side order.Side) *order.Order {
	return &order.Order{
		ID:         id,
		Type:       order.Limit,
		Side:       side,
		Market:     "BTCUSDT",
		Source:     "web",
		User:       user,
		Price:      dec("9000"),
		Amount:     dec("0.5"),
		TakerFee:   dec("0.002"),
		MakerFee:   dec("0.001"),
		DealStock:  dec("0.5"),
		DealMoney:  dec("4500"),
		DealFee:    dec("0.001"),
		CreateTime: tStamp,
		UpdateTime: tStamp,
	}
}

func tDeal() *order.Deal {
	return &order.Deal{
		ID:      1,
		Time:    tStamp,
		Market:  "BTCUSDT",
		Ask:     tOrder(1, 2, order.Ask),
		AskRole: order.Maker,
		Bid:     tOrder(2, 1, order.Bid),
		BidRole: order.Taker,
		Price:   dec("9000"),
		Amount:  dec("0.5"),
		Deal:    dec("4500"),
		AskFee:  dec("4.5"),
		BidFee:  dec("0.001"),
		Side:    order.Bid,
	}
}

func tBalanceChange() *event.BalanceChange {
	return &event.BalanceChange{
		Time:     tStamp,
		User:     1,
		Asset:    "USDT",
		Business: "deposit",
		Change:   dec("100"),
		Balance:  dec("100"),
		Detail:   json.RawMessage(`{"tx":"abc"}`),
	}
}

func TestArchiverWrite(t *testing.T) {
	a := newStubArchiver(t, &Config{})

	if err := a.AppendOrderHistory(tOrder(2, 1, order.Bid)); err != nil {
		t.Fatal(err)
	}
	if err := a.AppendDealHistory(tDeal()); err != nil {
		t.Fatal(err)
	}
	if err := a.AppendBalanceHistory(tBalanceChange()); err != nil {
		t.Fatal(err)
	}
	if err := a.AppendDealHistory(&order.Deal{}); !errors.Is(err, db.ErrInvalidRecord) {
		t.Fatalf("expected invalid record error, got %v", err)
	}
	if n := a.Pending(); n != 4 {
		t.Fatalf("expected 4 pending rows, got %d", n)
	}

	n, err := a.flush(context.Background())
	if err != nil {
		t.Fatalf("flush error: %v", err)
	}
	if n != 4 || a.Pending() != 0 {
		t.Fatalf("flushed %d, %d pending", n, a.Pending())
	}

	recs := resetStub()
	if len(recs) != 4 {
		t.Fatalf("expected 4 committed rows, got %d", len(recs))
	}
	wantTables := []string{"order_history", "user_deal_history", "user_deal_history", "balance_history"}
	for i, rec := range recs {
		if !strings.Contains(rec.query, "INSERT INTO "+wantTables[i]+" ") {
			t.Fatalf("row %d: expected insert into %s, got %s", i, wantTables[i], rec.query)
		}
	}
	// The ask's record comes first.
	if user := recs[1].args[1]; user != int64(2) {
		t.Fatalf("first deal record is for user %v", user)
	}
	if role := recs[2].args[7]; role != int64(order.Taker) {
		t.Fatalf("bid role %v", role)
	}
	if price := recs[0].args[8]; price != "9000" {
		t.Fatalf("order price encoded as %v", price)
	}
	if detail := recs[3].args[6]; detail != `{"tx":"abc"}` {
		t.Fatalf("balance detail encoded as %v", detail)
	}
}

func TestArchiverRetry(t *testing.T) {
	a := newStubArchiver(t, &Config{})
	for i := 0; i < 3; i++ {
		if err := a.AppendBalanceHistory(tBalanceChange()); err != nil {
			t.Fatal(err)
		}
	}

	stubFailExec.Store(true)
	if _, err := a.flush(context.Background()); !errors.Is(err, errWriteFailed) {
		t.Fatalf("expected write failure, got %v", err)
	}
	if n := a.Pending(); n != 3 {
		t.Fatalf("failed batch dropped rows, %d pending", n)
	}
	if recs := resetStub(); len(recs) != 0 {
		t.Fatalf("%d rows committed from a failed batch", len(recs))
	}

	stubFailExec.Store(false)
	if n, err := a.flush(context.Background()); err != nil || n != 3 {
		t.Fatalf("retry wrote %d rows, err = %v", n, err)
	}
	if recs := resetStub(); len(recs) != 3 {
		t.Fatalf("expected 3 committed rows, got %d", len(recs))
	}
}

func TestArchiverBlocked(t *testing.T) {
	a := newStubArchiver(t, &Config{})
	for i := 0; i < db.BlockedQueueLen-1; i++ {
		a.AppendBalanceHistory(tBalanceChange())
	}
	if a.IsBlocked() {
		t.Fatalf("blocked below the limit")
	}
	a.AppendBalanceHistory(tBalanceChange())
	if !a.IsBlocked() {
		t.Fatalf("not blocked at the limit")
	}
	if _, err := a.flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.IsBlocked() {
		t.Fatalf("still blocked after flush")
	}
}

func TestArchiverBatches(t *testing.T) {
	a := newStubArchiver(t, &Config{})
	for i := 0; i < maxBatchRows+10; i++ {
		a.AppendBalanceHistory(tBalanceChange())
	}
	a.flushAll(context.Background())
	if n := a.Pending(); n != 0 {
		t.Fatalf("%d rows left after flushAll", n)
	}
	if recs := resetStub(); len(recs) != maxBatchRows+10 {
		t.Fatalf("committed %d rows", len(recs))
	}
}

func TestArchiverRun(t *testing.T) {
	a := newStubArchiver(t, &Config{FlushInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Run(ctx)
	}()

	a.AppendBalanceHistory(tBalanceChange())
	deadline := time.Now().Add(5 * time.Second)
	for a.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue not written")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	wg.Wait()
	if err := a.AppendBalanceHistory(tBalanceChange()); !errors.Is(err, db.ErrArchiverStopped) {
		t.Fatalf("expected archiver stopped error, got %v", err)
	}
	if recs := resetStub(); len(recs) != 1 {
		t.Fatalf("expected 1 committed row, got %d", len(recs))
	}
}

func TestDriverOpen(t *testing.T) {
	if _, err := db.Open(context.Background(), "pg", "bad config"); err == nil {
		t.Fatalf("no error for a bad config type")
	}
	if _, err := db.Open(context.Background(), "mysql", &Config{}); err == nil {
		t.Fatalf("no error for an unknown driver")
	}
}
