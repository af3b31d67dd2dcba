// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"encoding/json"
	"net/http"
	"time"
)

const pongStr = "pong"

// writeJSON marshals the provided interface and writes the bytes to the
// ResponseWriter. The response code is assumed to be StatusOK.
func writeJSON(w http.ResponseWriter, thing any) {
	writeJSONWithStatus(w, thing, http.StatusOK)
}

// writeJSONWithStatus marshals the provided interface and writes the bytes to
// the ResponseWriter with the specified response code.
func writeJSONWithStatus(w http.ResponseWriter, thing any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(thing); err != nil {
		log.Errorf("JSON encode error: %v", err)
	}
}

// apiPing is the handler for the '/ping' API request.
func apiPing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, pongStr)
}

// apiStatus is the handler for the '/status' API request.
func (s *Server) apiStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.core.Status(r.Context())
	if err != nil {
		log.Errorf("Status error: %v", err)
		http.Error(w, "engine status unavailable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, &StatusResult{
		Started: APITime{s.started},
		Engine:  st,
		Queues:  s.core.QueueSizes(),
	})
}

// apiSnapshot is the handler for the '/snapshot' API request. It returns when
// the snapshot is written.
func (s *Server) apiSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.core.SaveSnapshot(r.Context()); err != nil {
		log.Errorf("Snapshot error: %v", err)
		http.Error(w, "failed to save snapshot: "+err.Error(), http.StatusInternalServerError)
		return
	}
	res := &SnapshotResult{Saved: APITime{time.Now()}}
	if st, err := s.core.Status(r.Context()); err == nil {
		res.LastOperlog = st.LastOperlog
	}
	writeJSON(w, res)
}
