// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package asset

import (
	"errors"
	"testing"
)

func TestNewRegistry(t *testing.T) {
	tests := []struct {
		name    string
		assets  []*Asset
		wantErr bool
	}{
		{"ok", []*Asset{{"BTC", 8, 8}, {"USDT", 8, 2}}, false},
		{"empty", nil, false},
		{"duplicate", []*Asset{{"BTC", 8, 8}, {"BTC", 8, 8}}, true},
		{"no name", []*Asset{{" ", 8, 8}}, true},
		{"negative save", []*Asset{{"BTC", -1, 0}}, true},
		{"show above save", []*Asset{{"BTC", 4, 8}}, true},
		{"too precise", []*Asset{{"BTC", MaxPrecision + 1, 2}}, true},
	}
	for _, tt := range tests {
		_, err := NewRegistry(tt.assets)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: wantErr = %v, got %v", tt.name, tt.wantErr, err)
		}
	}
}

func TestRegistryLookup(t *testing.T) {
	r, err := NewRegistry([]*Asset{{"USDT", 8, 2}, {"BTC", 8, 8}})
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	if !r.Exists("BTC") || r.Exists("ETH") {
		t.Fatalf("Exists is wrong")
	}
	if a := r.Get("USDT"); a == nil || a.PrecShow != 2 {
		t.Fatalf("Get(USDT) = %+v", a)
	}
	if r.Get("ETH") != nil {
		t.Fatalf("Get(ETH) should be nil")
	}
	if _, err = r.SavePrec("ETH"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
	list := r.List()
	if len(list) != 2 || list[0].Name != "USDT" || list[1].Name != "BTC" {
		t.Fatalf("List lost configuration order")
	}
}
