//go:build pgonline

// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/dex/order"
	"github.com/openexch/matchengine/server/event"
	"github.com/shopspring/decimal"
)

const (
	PGTestsHost   = "localhost" // "/run/postgresql" for UNIX socket
	PGTestsPort   = "5432"      // "" for UNIX socket
	PGTestsUser   = "matchengine"
	PGTestsPass   = ""
	PGTestsDBName = "matchengine_test"
)

var archie *Archiver

func TestMain(m *testing.M) {
	UseLogger(dex.StdOutLogger("PG_DB_TEST", dex.LevelTrace))

	doIt := func() int {
		var err error
		archie, err = NewArchiver(context.Background(), &Config{
			Host:         PGTestsHost,
			Port:         PGTestsPort,
			User:         PGTestsUser,
			Pass:         PGTestsPass,
			DBName:       PGTestsDBName,
			HidePGConfig: true,
		})
		if err != nil {
			fmt.Println("no db for testing:", err)
			return 1
		}
		defer archie.Close()
		return m.Run()
	}

	os.Exit(doIt())
}

func nukeAll(t *testing.T) {
	t.Helper()
	for _, ts := range createPublicTableStatements {
		if ts.name == metaTableName {
			continue
		}
		if _, err := archie.db.Exec(`TRUNCATE ` + ts.name + `;`); err != nil {
			t.Fatal(err)
		}
	}
}

func countRows(t *testing.T, table string) int {
	t.Helper()
	var n int
	if err := archie.db.QueryRow(`SELECT COUNT(*) FROM ` + table + `;`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestSessionSettings(t *testing.T) {
	// Every pooled connection gets the session parameters.
	for i := 0; i < 3; i++ {
		conn, err := archie.db.Conn(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		var tz, syncCommit string
		if err = conn.QueryRowContext(context.Background(), `SHOW TIME ZONE;`).Scan(&tz); err == nil {
			err = conn.QueryRowContext(context.Background(), `SHOW synchronous_commit;`).Scan(&syncCommit)
		}
		conn.Close()
		if err != nil {
			t.Fatal(err)
		}
		if tz != "UTC" || syncCommit != "off" {
			t.Fatalf("time zone %q, synchronous_commit %q", tz, syncCommit)
		}
	}
	if err := archie.checkSession(context.Background(), true); err != nil {
		t.Fatal(err)
	}
}

func TestPrepareTables(t *testing.T) {
	// Existing tables are fine.
	if err := PrepareTables(archie.db); err != nil {
		t.Fatal(err)
	}
	if err := checkVersion(archie.db); err != nil {
		t.Fatal(err)
	}
}

func TestArchiveHistory(t *testing.T) {
	nukeAll(t)
	stamp := time.Now().UTC().Truncate(time.Microsecond)
	d := decimal.RequireFromString
	ask := &order.Order{ID: 1, Type: order.Limit, Side: order.Ask, Market: "BTCUSDT", User: 2,
		Price: d("9000"), Amount: d("1"), DealStock: d("1"), DealMoney: d("9000"), DealFee: d("9"),
		CreateTime: stamp, UpdateTime: stamp}
	bid := &order.Order{ID: 2, Type: order.Market, Side: order.Bid, Market: "BTCUSDT", User: 1,
		Amount: d("9000"), DealStock: d("1"), DealMoney: d("9000"), DealFee: d("0.001"),
		CreateTime: stamp, UpdateTime: stamp}

	archie.AppendOrderHistory(ask)
	archie.AppendOrderHistory(bid)
	// Archiving an order twice is harmless.
	archie.AppendOrderHistory(ask)
	archie.AppendDealHistory(&order.Deal{ID: 1, Time: stamp, Market: "BTCUSDT",
		Ask: ask, AskRole: order.Maker, Bid: bid, BidRole: order.Taker,
		Price: d("9000"), Amount: d("1"), Deal: d("9000"), AskFee: d("9"), BidFee: d("0.001"), Side: order.Bid})
	archie.AppendBalanceHistory(&event.BalanceChange{Time: stamp, User: 1, Asset: "USDT",
		Business: "deposit", Change: d("9000"), Balance: d("9000"), Detail: json.RawMessage(`{"id":5}`)})

	archie.flushAll(context.Background())
	if n := archie.Pending(); n != 0 {
		t.Fatalf("%d rows pending", n)
	}
	if n := countRows(t, orderHistoryTableName); n != 2 {
		t.Fatalf("%d orders archived", n)
	}
	if n := countRows(t, userDealHistoryTableName); n != 2 {
		t.Fatalf("%d deal rows archived", n)
	}

	var change string
	var detail []byte
	err := archie.db.QueryRow(`SELECT change, detail FROM balance_history WHERE user_id = $1;`, 1).Scan(&change, &detail)
	if err != nil {
		t.Fatal(err)
	}
	if change != "9000" || string(detail) != `{"id": 5}` {
		t.Fatalf("wrong balance row: %s %s", change, detail)
	}
}
