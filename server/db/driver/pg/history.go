// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/dex/order"
	"github.com/openexch/matchengine/server/db"
	"github.com/openexch/matchengine/server/db/driver/pg/internal"
	"github.com/openexch/matchengine/server/event"
)

// errWriteFailed wraps the error of a batch that was rolled back.
const errWriteFailed = dex.ErrorKind("history write failed")

// row is a queued insert.
type row struct {
	table string
	stmt  string
	args  []any
}

func orderRow(r *db.OrderRecord) *row {
	return &row{orderHistoryTableName, internal.InsertOrderHistory, []any{
		r.ID, r.CreateTime, r.FinishTime, r.User, r.Market, r.Source,
		int16(r.Type), int16(r.Side), r.Price, r.Amount, r.TakerFee, r.MakerFee,
		r.DealStock, r.DealMoney, r.DealFee,
	}}
}

func userDealRow(r *db.UserDeal) *row {
	return &row{userDealHistoryTableName, internal.InsertUserDealHistory, []any{
		r.Time, r.User, r.Market, r.DealID, r.OrderID, r.DealOrderID,
		int16(r.Side), int16(r.Role), r.Price, r.Amount, r.Deal, r.Fee, r.DealFee,
	}}
}

func balanceRow(r *db.BalanceRecord) *row {
	return &row{balanceHistoryTableName, internal.InsertBalanceHistory, []any{
		r.Time, r.User, r.Asset, r.Business, r.Change, r.Balance, string(r.Detail),
	}}
}

func (a *Archiver) enqueue(rows ...*row) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.stopped {
		return db.ErrArchiverStopped
	}
	a.queue = append(a.queue, rows...)
	return nil
}

// AppendOrderHistory queues a finished order.
func (a *Archiver) AppendOrderHistory(o *order.Order) error {
	return a.enqueue(orderRow(db.NewOrderRecord(o)))
}

// AppendDealHistory queues both users' records of a deal, ask first.
func (a *Archiver) AppendDealHistory(d *order.Deal) error {
	if d.Ask == nil || d.Bid == nil {
		return dex.NewError(db.ErrInvalidRecord, "deal without orders")
	}
	ask, bid := db.NewUserDeals(d)
	return a.enqueue(userDealRow(ask), userDealRow(bid))
}

// AppendBalanceHistory queues a balance change.
func (a *Archiver) AppendBalanceHistory(b *event.BalanceChange) error {
	return a.enqueue(balanceRow(db.NewBalanceRecord(b)))
}

// Pending is the number of rows not yet written.
func (a *Archiver) Pending() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.queue)
}

// IsBlocked reports whether the write queue has backed up.
func (a *Archiver) IsBlocked() bool {
	return a.Pending() >= db.BlockedQueueLen
}

// Run writes the queue every flush interval. A failed batch stays queued and
// is retried on the next tick. When ctx is canceled, appends are refused and
// the remaining rows get one final write attempt.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.flushAll(ctx)
		case <-ctx.Done():
			a.mtx.Lock()
			a.stopped = true
			a.mtx.Unlock()
			a.flushAll(context.Background())
			if n := a.Pending(); n > 0 {
				log.Errorf("History archiver stopped with %d unwritten rows", n)
			} else {
				log.Infof("History archiver stopped")
			}
			return
		}
	}
}

// flushAll writes batches until the queue is empty or a write fails.
func (a *Archiver) flushAll(ctx context.Context) {
	for {
		n, err := a.flush(ctx)
		if err != nil {
			log.Errorf("Error writing history, %d rows pending: %v", a.Pending(), err)
			return
		}
		if n < maxBatchRows {
			return
		}
	}
}

// flush writes the oldest rows in one transaction and removes them from the
// queue. Only flush removes rows, so the head of the queue is stable while
// the batch is written.
func (a *Archiver) flush(ctx context.Context) (int, error) {
	a.mtx.Lock()
	n := min(len(a.queue), maxBatchRows)
	batch := a.queue[:n:n]
	a.mtx.Unlock()
	if n == 0 {
		return 0, nil
	}

	if err := a.writeBatch(ctx, batch); err != nil {
		return 0, err
	}

	a.mtx.Lock()
	// Let the written rows be collected.
	clear(a.queue[:n])
	a.queue = a.queue[n:]
	a.mtx.Unlock()
	log.Tracef("Wrote %d history rows", n)
	return n, nil
}

func (a *Archiver) writeBatch(ctx context.Context, batch []*row) error {
	ctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmts := make(map[string]*sql.Stmt, 3)
	fail := func(r *row, err error) error {
		if errR := tx.Rollback(); errR != nil {
			log.Errorf("Rollback failed: %v", errR)
		}
		return dex.NewError(errWriteFailed, r.table+": "+err.Error())
	}
	for _, r := range batch {
		stmt := stmts[r.stmt]
		if stmt == nil {
			if stmt, err = tx.PrepareContext(ctx, r.stmt); err != nil {
				return fail(r, err)
			}
			stmts[r.stmt] = stmt
		}
		if _, err = stmt.ExecContext(ctx, r.args...); err != nil {
			return fail(r, err)
		}
	}
	return tx.Commit()
}
