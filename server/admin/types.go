// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"time"

	"github.com/openexch/matchengine/server/engine"
)

// StatusResult is the result of the status request.
type StatusResult struct {
	Started APITime        `json:"started"`
	Engine  *engine.Status `json:"engine"`
	// Queues are the pending write counts of the operation log, the history
	// archiver and the message bus.
	Queues map[string]int `json:"queues"`
}

// SnapshotResult is the result of a snapshot request.
type SnapshotResult struct {
	LastOperlog uint64  `json:"last_operlog"`
	Saved       APITime `json:"saved"`
}

// APITime marshals and unmarshals a time value in time.RFC3339Nano format.
type APITime struct {
	time.Time
}

// RFC3339Milli is the RFC3339 time formatting with millisecond precision.
const RFC3339Milli = "2006-01-02T15:04:05.999Z07:00"

// MarshalJSON marshals APITime to a JSON string in RFC3339 format except with
// millisecond precision.
func (at APITime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + at.Time.Format(RFC3339Milli) + `"`), nil
}

// UnmarshalJSON unmarshals JSON string containing a time in RFC3339 format with
// millisecond precision into an APITime.
func (at *APITime) UnmarshalJSON(b []byte) error {
	t, err := time.Parse(`"`+RFC3339Milli+`"`, string(b))
	if err != nil {
		return err
	}
	at.Time = t
	return nil
}
