// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import "github.com/openexch/matchengine/dex"

// Errors an Archiver returns from its Append methods. They may be wrapped
// with details, so test for them with errors.Is.
const (
	// ErrArchiverStopped is returned for records appended after the
	// archiver's writer has stopped.
	ErrArchiverStopped = dex.ErrorKind("archiver stopped")
	// ErrInvalidRecord is returned for a record that can't be archived.
	ErrInvalidRecord = dex.ErrorKind("invalid record")
)
