// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package balance implements the user balance ledger and the idempotent
// balance update service built on it.
package balance

import (
	"fmt"
	"sort"

	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/dex/calc"
	"github.com/openexch/matchengine/server/asset"
	"github.com/shopspring/decimal"
)

// Type is the balance type.
type Type uint8

// Balance types. Frozen balance is collateral held for resting orders.
const (
	Available Type = 1
	Freeze    Type = 2
)

// String returns a string representation of the Type.
func (t Type) String() string {
	switch t {
	case Available:
		return "available"
	case Freeze:
		return "freeze"
	default:
		return "unknown"
	}
}

// Ledger errors.
const (
	ErrNegativeAmount = dex.ErrorKind("negative amount")
	ErrNotEnough      = dex.ErrorKind("balance not enough")
)

type key struct {
	user  uint32
	typ   Type
	asset string
}

// Ledger stores decimal balances keyed by (user, type, asset). Zero balances
// are not stored, so a missing entry reads as zero. Stored values are always
// positive and rounded to the asset's storage precision.
//
// Ledger is not safe for concurrent use. It is owned by the engine's command
// loop.
type Ledger struct {
	assets   *asset.Registry
	balances map[key]decimal.Decimal
}

// NewLedger creates an empty Ledger for the registered assets.
func NewLedger(assets *asset.Registry) *Ledger {
	return &Ledger{
		assets:   assets,
		balances: make(map[key]decimal.Decimal),
	}
}

// Get returns the balance, or zero if there is none.
func (l *Ledger) Get(user uint32, typ Type, assetName string) decimal.Decimal {
	return l.balances[key{user, typ, assetName}]
}

func (l *Ledger) prec(assetName string) (int32, error) {
	return l.assets.SavePrec(assetName)
}

// Set stores amount as the balance. A zero amount deletes the entry.
func (l *Ledger) Set(user uint32, typ Type, assetName string, amount decimal.Decimal) (decimal.Decimal, error) {
	prec, err := l.prec(assetName)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.IsNegative() {
		return decimal.Zero, dex.NewError(ErrNegativeAmount, amount.String())
	}
	k := key{user, typ, assetName}
	if amount.IsZero() {
		delete(l.balances, k)
		return decimal.Zero, nil
	}
	amount = calc.Rescale(amount, prec)
	if amount.IsZero() {
		delete(l.balances, k)
		return decimal.Zero, nil
	}
	l.balances[k] = amount
	return amount, nil
}

// Add credits amount to the balance.
func (l *Ledger) Add(user uint32, typ Type, assetName string, amount decimal.Decimal) (decimal.Decimal, error) {
	prec, err := l.prec(assetName)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.IsNegative() {
		return decimal.Zero, dex.NewError(ErrNegativeAmount, amount.String())
	}
	k := key{user, typ, assetName}
	result := calc.Rescale(l.balances[k].Add(amount), prec)
	if result.IsZero() {
		delete(l.balances, k)
		return decimal.Zero, nil
	}
	l.balances[k] = result
	return result, nil
}

// Sub debits amount from the balance. It fails rather than produce a negative
// balance, and removes the entry if the result is zero.
func (l *Ledger) Sub(user uint32, typ Type, assetName string, amount decimal.Decimal) (decimal.Decimal, error) {
	prec, err := l.prec(assetName)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.IsNegative() {
		return decimal.Zero, dex.NewError(ErrNegativeAmount, amount.String())
	}
	k := key{user, typ, assetName}
	current, found := l.balances[k]
	if !found {
		return decimal.Zero, dex.NewError(ErrNotEnough, fmt.Sprintf("user %d has no %s %s balance", user, typ, assetName))
	}
	if current.LessThan(amount) {
		return decimal.Zero, dex.NewError(ErrNotEnough, fmt.Sprintf("user %d %s %s balance %s < %s",
			user, typ, assetName, current, amount))
	}
	result := calc.Rescale(current.Sub(amount), prec)
	if result.IsZero() {
		delete(l.balances, k)
		return decimal.Zero, nil
	}
	l.balances[k] = result
	return result, nil
}

// move transfers amount between two balance types of the same asset.
func (l *Ledger) move(user uint32, from, to Type, assetName string, amount decimal.Decimal) (decimal.Decimal, error) {
	prec, err := l.prec(assetName)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.IsNegative() {
		return decimal.Zero, dex.NewError(ErrNegativeAmount, amount.String())
	}
	src, found := l.balances[key{user, from, assetName}]
	if !found || src.LessThan(amount) {
		return decimal.Zero, dex.NewError(ErrNotEnough, fmt.Sprintf("user %d %s %s balance %s < %s",
			user, from, assetName, src, amount))
	}
	dstKey := key{user, to, assetName}
	if dst := calc.Rescale(l.balances[dstKey].Add(amount), prec); dst.IsZero() {
		delete(l.balances, dstKey)
	} else {
		l.balances[dstKey] = dst
	}
	return l.Sub(user, from, assetName, amount)
}

// Freeze moves amount from the available to the frozen balance. It returns
// the remaining available balance.
func (l *Ledger) Freeze(user uint32, assetName string, amount decimal.Decimal) (decimal.Decimal, error) {
	return l.move(user, Available, Freeze, assetName, amount)
}

// Unfreeze moves amount from the frozen to the available balance. It returns
// the remaining frozen balance.
func (l *Ledger) Unfreeze(user uint32, assetName string, amount decimal.Decimal) (decimal.Decimal, error) {
	return l.move(user, Freeze, Available, assetName, amount)
}

// Total returns the sum of the available and frozen balances.
func (l *Ledger) Total(user uint32, assetName string) decimal.Decimal {
	return l.Get(user, Available, assetName).Add(l.Get(user, Freeze, assetName))
}

// Status is an aggregate of all balances of one asset.
type Status struct {
	Total          decimal.Decimal
	AvailableCount int
	Available      decimal.Decimal
	FreezeCount    int
	Freeze         decimal.Decimal
}

// Status scans the whole ledger and aggregates the balances of the asset. It
// is intended for reporting, not for the matching path.
func (l *Ledger) Status(assetName string) *Status {
	st := &Status{
		Total:     decimal.Zero,
		Available: decimal.Zero,
		Freeze:    decimal.Zero,
	}
	for k, v := range l.balances {
		if k.asset != assetName {
			continue
		}
		st.Total = st.Total.Add(v)
		switch k.typ {
		case Available:
			st.AvailableCount++
			st.Available = st.Available.Add(v)
		case Freeze:
			st.FreezeCount++
			st.Freeze = st.Freeze.Add(v)
		}
	}
	return st
}

// Entry is one stored balance.
type Entry struct {
	User   uint32          `json:"user"`
	Type   Type            `json:"type"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Entries returns every stored balance ordered by user, asset and type, for
// snapshots and deterministic comparison.
func (l *Ledger) Entries() []*Entry {
	entries := make([]*Entry, 0, len(l.balances))
	for k, v := range l.balances {
		entries = append(entries, &Entry{k.user, k.typ, k.asset, v})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.User != b.User {
			return a.User < b.User
		}
		if a.Asset != b.Asset {
			return a.Asset < b.Asset
		}
		return a.Type < b.Type
	})
	return entries
}

// Len is the number of stored balances.
func (l *Ledger) Len() int {
	return len(l.balances)
}

// Reset drops every balance. Used before restoring a snapshot.
func (l *Ledger) Reset() {
	l.balances = make(map[key]decimal.Decimal)
}
