// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package db defines the history archiver that persists the engine's order,
// deal and balance history, and the registry of archiver drivers.
package db

import (
	"context"

	"github.com/openexch/matchengine/server/event"
)

// BlockedQueueLen is the number of unwritten records at which an archiver
// reports itself blocked.
const BlockedQueueLen = 1000

// Archiver is a HistorySink backed by a database. Appends only queue a copy
// of the record. Run writes the queue in batches, in submission order.
type Archiver interface {
	event.HistorySink
	// Run writes queued records until ctx is canceled. Records still queued
	// are then written before it returns.
	Run(ctx context.Context)
	// Pending is the number of queued records.
	Pending() int
	// Close closes the database connection.
	Close() error
}
