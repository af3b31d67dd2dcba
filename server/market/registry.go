// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/openexch/matchengine/server/asset"
	"github.com/openexch/matchengine/server/balance"
	"github.com/openexch/matchengine/server/event"
	"github.com/openexch/matchengine/server/matcher"
)

// Registry holds the configured markets. It is built once at startup.
type Registry struct {
	markets map[string]*Market
	order   []*Market
}

// NewRegistry validates the market definitions against the asset table and
// creates a Market for each. All markets share the ledger, the id counters
// and the emitter.
func NewRegistry(assets *asset.Registry, confs []*Config, ledger *balance.Ledger,
	ids *matcher.IDs, emitter *event.Emitter, now func() time.Time) (*Registry, error) {

	if now == nil {
		now = time.Now
	}
	r := &Registry{
		markets: make(map[string]*Market, len(confs)),
		order:   make([]*Market, 0, len(confs)),
	}
	for _, cfg := range confs {
		if err := validate(assets, cfg); err != nil {
			return nil, err
		}
		if _, dup := r.markets[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate market %s", cfg.Name)
		}
		mkt := newMarket(cfg, ledger, ids, emitter, now)
		r.markets[cfg.Name] = mkt
		r.order = append(r.order, mkt)
		log.Infof("Market %s: %s/%s, precisions stock %d money %d fee %d, min amount %s",
			cfg.Name, cfg.Stock, cfg.Money, cfg.StockPrec, cfg.MoneyPrec, cfg.FeePrec, cfg.MinAmount)
	}
	return r, nil
}

// validate checks that a market's precisions fit the storage precisions of
// its assets, so that every product the matcher forms is exactly storable.
func validate(assets *asset.Registry, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil market config")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("empty market name")
	}
	stockSave, err := assets.SavePrec(cfg.Stock)
	if err != nil {
		return fmt.Errorf("market %s: stock: %w", cfg.Name, err)
	}
	moneySave, err := assets.SavePrec(cfg.Money)
	if err != nil {
		return fmt.Errorf("market %s: money: %w", cfg.Name, err)
	}
	if cfg.StockPrec < 0 || cfg.MoneyPrec < 0 || cfg.FeePrec < 0 {
		return fmt.Errorf("market %s: negative precision", cfg.Name)
	}
	if cfg.StockPrec+cfg.MoneyPrec > moneySave {
		return fmt.Errorf("market %s: stock_prec + money_prec (%d) exceeds %s precision %d",
			cfg.Name, cfg.StockPrec+cfg.MoneyPrec, cfg.Money, moneySave)
	}
	if cfg.StockPrec+cfg.FeePrec > stockSave {
		return fmt.Errorf("market %s: stock_prec + fee_prec (%d) exceeds %s precision %d",
			cfg.Name, cfg.StockPrec+cfg.FeePrec, cfg.Stock, stockSave)
	}
	if cfg.MoneyPrec+cfg.FeePrec > moneySave {
		return fmt.Errorf("market %s: money_prec + fee_prec (%d) exceeds %s precision %d",
			cfg.Name, cfg.MoneyPrec+cfg.FeePrec, cfg.Money, moneySave)
	}
	if cfg.MinAmount.IsNegative() {
		return fmt.Errorf("market %s: negative min_amount", cfg.Name)
	}
	return nil
}

// Get returns the named market, or nil.
func (r *Registry) Get(name string) *Market {
	return r.markets[name]
}

// List returns the markets in configuration order.
func (r *Registry) List() []*Market {
	return r.order
}

// Len is the number of markets.
func (r *Registry) Len() int {
	return len(r.order)
}
