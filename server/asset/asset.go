// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package asset holds the static table of tradeable assets.
package asset

import (
	"fmt"
	"strings"

	"github.com/openexch/matchengine/dex"
)

// MaxPrecision bounds both precisions of an asset.
const MaxPrecision = 24

// Asset is a tradeable asset. Balances are stored rounded to PrecSave
// fractional digits and displayed with PrecShow.
type Asset struct {
	Name     string `json:"name"`
	PrecSave int32  `json:"prec_save"`
	PrecShow int32  `json:"prec_show"`
}

// Registry is an immutable lookup table of assets, built once at startup.
type Registry struct {
	assets map[string]*Asset
	order  []*Asset
}

// NewRegistry validates the asset definitions and creates a Registry. The
// list order is preserved for asset.list.
func NewRegistry(assets []*Asset) (*Registry, error) {
	r := &Registry{
		assets: make(map[string]*Asset, len(assets)),
		order:  make([]*Asset, 0, len(assets)),
	}
	for _, a := range assets {
		if a == nil {
			return nil, fmt.Errorf("nil asset")
		}
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return nil, fmt.Errorf("empty asset name")
		}
		if _, dup := r.assets[name]; dup {
			return nil, fmt.Errorf("duplicate asset %s", name)
		}
		if a.PrecSave < 0 || a.PrecSave > MaxPrecision {
			return nil, fmt.Errorf("asset %s: storage precision %d out of range", name, a.PrecSave)
		}
		if a.PrecShow < 0 || a.PrecShow > a.PrecSave {
			return nil, fmt.Errorf("asset %s: display precision %d out of range [0, %d]",
				name, a.PrecShow, a.PrecSave)
		}
		cp := &Asset{Name: name, PrecSave: a.PrecSave, PrecShow: a.PrecShow}
		r.assets[name] = cp
		r.order = append(r.order, cp)
	}
	return r, nil
}

// Get returns the named asset, or nil if it is not registered.
func (r *Registry) Get(name string) *Asset {
	return r.assets[name]
}

// Exists reports whether the named asset is registered.
func (r *Registry) Exists(name string) bool {
	_, ok := r.assets[name]
	return ok
}

// SavePrec returns the storage precision of the named asset.
func (r *Registry) SavePrec(name string) (int32, error) {
	a := r.assets[name]
	if a == nil {
		return 0, dex.NewError(ErrUnknownAsset, name)
	}
	return a.PrecSave, nil
}

// List returns the assets in configuration order.
func (r *Registry) List() []*Asset {
	return r.order
}

// ErrUnknownAsset is returned when a lookup names an unregistered asset.
const ErrUnknownAsset = dex.ErrorKind("unknown asset")
