// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const tMarketsJSON = `{
	"assets": [
		{"name": "BTC", "prec_save": 8, "prec_show": 6},
		{"name": "USDT", "prec_save": 8, "prec_show": 2}
	],
	"markets": [
		{"name": "BTCUSDT", "stock": "BTC", "money": "USDT",
		 "stock_prec": 4, "money_prec": 2, "fee_prec": 4, "min_amount": "0.001"}
	]
}`

func TestLoadMarketConf(t *testing.T) {
	assets, markets, err := LoadMarketConf(strings.NewReader(tMarketsJSON))
	if err != nil {
		t.Fatalf("LoadMarketConf error: %v", err)
	}
	if len(assets) != 2 || assets[1].Name != "USDT" || assets[1].PrecShow != 2 {
		t.Fatalf("wrong assets %+v", assets)
	}
	if len(markets) != 1 {
		t.Fatalf("expected 1 market, got %d", len(markets))
	}
	mkt := markets[0]
	if mkt.Stock != "BTC" || mkt.Money != "USDT" || mkt.StockPrec != 4 || mkt.MinAmount.String() != "0.001" {
		t.Fatalf("wrong market %+v", mkt)
	}
	if err := ValidateMarketConf(assets, markets); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	// Precisions that do not fit the money asset are rejected.
	mkt.MoneyPrec = 6
	if err := ValidateMarketConf(assets, markets); err == nil {
		t.Fatalf("no error for excessive money precision")
	}

	tests := []struct {
		name, json string
	}{
		{"malformed", `{"assets": [`},
		{"unknown field", `{"assets": [{"name": "BTC", "prec": 8}], "markets": []}`},
		{"no assets", `{"markets": [{"name": "BTCUSDT"}]}`},
		{"no markets", `{"assets": [{"name": "BTC", "prec_save": 8}]}`},
	}
	for _, tt := range tests {
		if _, _, err := LoadMarketConf(strings.NewReader(tt.json)); err == nil {
			t.Errorf("%s: no error", tt.name)
		}
	}
}

func TestValidateConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markets.json")
	if err := ValidateConfigFile(path, logger); err == nil {
		t.Fatalf("no error for missing file")
	}
	if err := os.WriteFile(path, []byte(tMarketsJSON), 0600); err != nil {
		t.Fatal(err)
	}
	if err := ValidateConfigFile(path, logger); err != nil {
		t.Fatalf("ValidateConfigFile error: %v", err)
	}
}
