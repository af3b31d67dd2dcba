// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package balance

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/server/event"
	"github.com/shopspring/decimal"
)

// DedupeWindow is how long an applied (user, asset, business, business id)
// key is remembered.
const DedupeWindow = 24 * time.Hour

// ErrRepeatUpdate is returned for an update whose key was already applied.
const ErrRepeatUpdate = dex.ErrorKind("repeat update")

type updateKey struct {
	user       uint32
	asset      string
	business   string
	businessID uint64
}

// Updater applies external balance adjustments (deposits, withdrawals and
// similar) exactly once per business id.
type Updater struct {
	ledger  *Ledger
	emitter *event.Emitter
	now     func() time.Time
	applied map[updateKey]time.Time
}

// NewUpdater creates an Updater. now may be nil to use the wall clock.
func NewUpdater(ledger *Ledger, emitter *event.Emitter, now func() time.Time) *Updater {
	if now == nil {
		now = time.Now
	}
	return &Updater{
		ledger:  ledger,
		emitter: emitter,
		now:     now,
		applied: make(map[updateKey]time.Time),
	}
}

// Update credits a non-negative change, or debits the magnitude of a negative
// change, from the available balance. A key that was already applied yields
// ErrRepeatUpdate, and an insufficient balance yields ErrNotEnough. Neither
// has any effect. When real, the change is recorded in balance history and
// pushed to the message bus.
func (u *Updater) Update(real bool, user uint32, assetName, business string, businessID uint64,
	change decimal.Decimal, detail json.RawMessage) error {

	k := updateKey{user, assetName, business, businessID}
	if _, found := u.applied[k]; found {
		return dex.NewError(ErrRepeatUpdate, fmt.Sprintf("%s %d", business, businessID))
	}

	var err error
	if change.Sign() >= 0 {
		_, err = u.ledger.Add(user, Available, assetName, change)
	} else {
		_, err = u.ledger.Sub(user, Available, assetName, change.Neg())
	}
	if err != nil {
		return err
	}

	now := u.now()
	u.applied[k] = now

	sink := u.emitter.For(real)
	bc := &event.BalanceChange{
		Time:     now,
		User:     user,
		Asset:    assetName,
		Business: business,
		Change:   change,
		Balance:  u.ledger.Total(user, assetName),
		Detail:   detail,
	}
	if err = sink.AppendBalanceHistory(bc); err != nil {
		return dex.NewError(dex.ErrInvariant, fmt.Sprintf("balance history refused after update: %v", err))
	}
	if err = sink.PushBalanceMessage(bc); err != nil {
		log.Errorf("Failed to push balance message for user %d %s: %v", user, assetName, err)
	}
	return nil
}

// Purge forgets keys applied more than DedupeWindow ago. It returns the number
// of keys removed.
func (u *Updater) Purge() int {
	cutoff := u.now().Add(-DedupeWindow)
	var n int
	for k, t := range u.applied {
		if t.Before(cutoff) {
			delete(u.applied, k)
			n++
		}
	}
	if n > 0 {
		log.Debugf("Purged %d expired balance update keys, %d remain", n, len(u.applied))
	}
	return n
}

// Len is the number of remembered keys.
func (u *Updater) Len() int {
	return len(u.applied)
}

// AppliedUpdate is a remembered update key, as saved in snapshots.
type AppliedUpdate struct {
	User       uint32    `json:"user"`
	Asset      string    `json:"asset"`
	Business   string    `json:"business"`
	BusinessID uint64    `json:"business_id"`
	Time       time.Time `json:"time"`
}

// Applied lists the remembered keys, oldest first.
func (u *Updater) Applied() []*AppliedUpdate {
	applied := make([]*AppliedUpdate, 0, len(u.applied))
	for k, t := range u.applied {
		applied = append(applied, &AppliedUpdate{k.user, k.asset, k.business, k.businessID, t})
	}
	sort.Slice(applied, func(i, j int) bool {
		a, b := applied[i], applied[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		if a.User != b.User {
			return a.User < b.User
		}
		if a.Asset != b.Asset {
			return a.Asset < b.Asset
		}
		if a.Business != b.Business {
			return a.Business < b.Business
		}
		return a.BusinessID < b.BusinessID
	})
	return applied
}

// Restore replaces the remembered keys with those from a snapshot.
func (u *Updater) Restore(applied []*AppliedUpdate) {
	u.applied = make(map[updateKey]time.Time, len(applied))
	for _, a := range applied {
		u.applied[updateKey{a.User, a.Asset, a.Business, a.BusinessID}] = a.Time
	}
}
