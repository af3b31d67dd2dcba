// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/dex/msgjson"
	"github.com/openexch/matchengine/server/asset"
	"github.com/openexch/matchengine/server/market"
	"github.com/shopspring/decimal"
)

var logger = dex.StdOutLogger("TEST", dex.LevelTrace)

func TestMain(m *testing.M) {
	UseLogger(logger)
	os.Exit(m.Run())
}

func tConf(path string) *DexConf {
	return &DexConf{
		Assets: []*asset.Asset{
			{Name: "BTC", PrecSave: 8, PrecShow: 6},
			{Name: "USDT", PrecSave: 8, PrecShow: 2},
		},
		Markets: []*market.Config{{
			Name:      "BTCUSDT",
			Stock:     "BTC",
			Money:     "USDT",
			StockPrec: 4,
			MoneyPrec: 2,
			FeePrec:   4,
			MinAmount: decimal.RequireFromString("0.001"),
		}},
		SnapshotPath: path,
		SliceKeep:    2,
		CacheTimeout: time.Second,
		CacheSize:    100,
		CommsCfg: &RPCConfig{
			ListenAddrs: []string{"127.0.0.1:0"},
			IPRate:      -1,
		},
	}
}

// post sends a request to the manager's RPC server.
func post(t *testing.T, dm *DEX, id uint64, method string, params ...any) *msgjson.Response {
	t.Helper()
	req, err := msgjson.NewRequest(id, method, params...)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := json.Marshal(req)
	url := "http://" + dm.server.Addrs()[0].String() + "/"
	var httpResp *http.Response
	deadline := time.Now().Add(5 * time.Second)
	for {
		httpResp, err = http.Post(url, "application/json", bytes.NewReader(b))
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s request error: %v", method, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer httpResp.Body.Close()
	resp := new(msgjson.Response)
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		t.Fatalf("error decoding %s response: %v", method, err)
	}
	return resp
}

func TestDEXLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.db")
	ctx := context.Background()

	dm, err := NewDEX(ctx, tConf(path))
	if err != nil {
		t.Fatalf("NewDEX error: %v", err)
	}
	resp := post(t, dm, 1, msgjson.BalanceUpdateRoute, 1, "USDT", "deposit", 1, "1000", map[string]any{})
	if resp.Error != nil {
		t.Fatalf("deposit error: %v", resp.Error)
	}
	resp = post(t, dm, 2, msgjson.OrderPutLimitRoute, 1, "BTCUSDT", 2, "1", "100", "0.001", "0.001", "test")
	if resp.Error != nil {
		t.Fatalf("put_limit error: %v", resp.Error)
	}

	sizes := dm.QueueSizes()
	if _, found := sizes["operlog"]; !found || len(sizes) != 1 {
		t.Fatalf("wrong queues %v", sizes)
	}
	if err := dm.SaveSnapshot(ctx); err != nil {
		t.Fatalf("SaveSnapshot error: %v", err)
	}
	// One more operation after the snapshot is replayed from the log.
	resp = post(t, dm, 3, msgjson.BalanceUpdateRoute, 1, "USDT", "deposit", 2, "5", map[string]any{})
	if resp.Error != nil {
		t.Fatalf("deposit error: %v", resp.Error)
	}
	st, err := dm.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.LastOperlog != 3 || st.LastOrder != 1 {
		t.Fatalf("wrong status %+v", st)
	}
	dm.Stop()

	dm, err = NewDEX(ctx, tConf(path))
	if err != nil {
		t.Fatalf("NewDEX error on restart: %v", err)
	}
	defer dm.Stop()
	resp = post(t, dm, 4, msgjson.BalanceQueryRoute, 1, "USDT")
	var bals map[string]*msgjson.BalanceInfo
	if err := resp.UnmarshalResult(&bals); err != nil {
		t.Fatalf("balance.query error: %v", err)
	}
	if bals["USDT"].Available != "905.00" || bals["USDT"].Freeze != "100.00" {
		t.Fatalf("wrong balance after restart %+v", bals["USDT"])
	}
	// The deposit is a repeat.
	resp = post(t, dm, 5, msgjson.BalanceUpdateRoute, 1, "USDT", "deposit", 2, "5", map[string]any{})
	if resp.Error == nil || resp.Error.Code != msgjson.RepeatUpdate {
		t.Fatalf("expected a repeat update error, got %+v", resp.Error)
	}
	if st, err = dm.Status(ctx); err != nil || st.LastOrder != 1 || st.LastOperlog != 3 {
		t.Fatalf("wrong status after restart %+v, %v", st, err)
	}
}

func TestDEXBadConfig(t *testing.T) {
	cfg := tConf(filepath.Join(t.TempDir(), "snapshot.db"))
	cfg.Markets[0].Money = "EUR"
	if _, err := NewDEX(context.Background(), cfg); err == nil {
		t.Fatalf("no error for a market with an unknown asset")
	}
	// The store was closed, so it opens again.
	cfg = tConf(cfg.SnapshotPath)
	cfg.CommsCfg.ListenAddrs = []string{"not an address"}
	if _, err := NewDEX(context.Background(), cfg); err == nil {
		t.Fatalf("no error for a bad listen address")
	}
	dm, err := NewDEX(context.Background(), tConf(cfg.SnapshotPath))
	if err != nil {
		t.Fatalf("NewDEX error after failures: %v", err)
	}
	dm.Stop()
}
