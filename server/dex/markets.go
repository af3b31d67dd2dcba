// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/server/asset"
	"github.com/openexch/matchengine/server/engine"
	"github.com/openexch/matchengine/server/market"
)

// MarketsFile is the layout of the markets configuration file.
type MarketsFile struct {
	Assets  []*asset.Asset   `json:"assets"`
	Markets []*market.Config `json:"markets"`
}

// LoadMarketConfFile reads the asset and market definitions from the JSON file
// at path.
func LoadMarketConfFile(path string) ([]*asset.Asset, []*market.Config, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer src.Close()
	return LoadMarketConf(src)
}

// LoadMarketConf reads the asset and market definitions. It only decodes,
// see ValidateMarketConf for the checks the engine applies.
func LoadMarketConf(src io.Reader) ([]*asset.Asset, []*market.Config, error) {
	var conf MarketsFile
	dec := json.NewDecoder(src)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&conf); err != nil {
		return nil, nil, fmt.Errorf("error decoding markets file: %w", err)
	}
	if len(conf.Assets) == 0 {
		return nil, nil, fmt.Errorf("no assets configured")
	}
	if len(conf.Markets) == 0 {
		return nil, nil, fmt.Errorf("no markets configured")
	}

	log.Debug("-------------------- BEGIN parsed markets.json --------------------")
	log.Debug("ASSETS")
	log.Debug("               PrecSave   PrecShow")
	for _, a := range conf.Assets {
		if a == nil {
			continue
		}
		log.Debugf("%-12s % 8d % 10d", a.Name, a.PrecSave, a.PrecShow)
	}
	log.Debug("")
	log.Debug("MARKETS")
	log.Debug("                 Stock     Money  StockPrec MoneyPrec FeePrec   MinAmount")
	for _, m := range conf.Markets {
		if m == nil {
			continue
		}
		log.Debugf("%-12s % 8s % 9s % 10d % 9d % 7d % 11s", m.Name, m.Stock, m.Money,
			m.StockPrec, m.MoneyPrec, m.FeePrec, m.MinAmount)
	}
	log.Debug("--------------------- END parsed markets.json ---------------------")

	return conf.Assets, conf.Markets, nil
}

// ValidateMarketConf checks the definitions the way the engine does at
// startup, without opening any storage.
func ValidateMarketConf(assets []*asset.Asset, markets []*market.Config) error {
	_, err := engine.New(&engine.Config{
		Assets:  assets,
		Markets: markets,
	})
	return err
}

// ValidateConfigFile loads and validates a markets file, logging what was
// found.
func ValidateConfigFile(path string, logger dex.Logger) error {
	assets, markets, err := LoadMarketConfFile(path)
	if err != nil {
		return err
	}
	if err := ValidateMarketConf(assets, markets); err != nil {
		return err
	}
	for _, a := range assets {
		logger.Infof("Asset %s: storage precision %d, display precision %d", a.Name, a.PrecSave, a.PrecShow)
	}
	for _, m := range markets {
		logger.Infof("Market %s: %s/%s, min amount %s", m.Name, m.Stock, m.Money, m.MinAmount)
	}
	logger.Infof("%s: %d assets and %d markets are valid", path, len(assets), len(markets))
	return nil
}
