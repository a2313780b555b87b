package ratepolicy

import (
	"encoding/json"
	"net/http"
	"time"
)

type routeStatus struct {
	Policy
	// Buckets is the live bucket count, only known for in-process limiters.
	Buckets *int `json:"buckets,omitempty"`
}

type statusResponse struct {
	AppliedAt      time.Time              `json:"applied_at"`
	ClientIDHeader string                 `json:"client_id_header,omitempty"`
	Routes         map[string]routeStatus `json:"routes"`
}

// StatusHandler reports the active policies for the admin listener.
func StatusHandler(reg *Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		snap := reg.Snapshot()
		resp := statusResponse{
			AppliedAt:      snap.AppliedAt,
			ClientIDHeader: reg.ClientIDHeader(),
			Routes:         make(map[string]routeStatus, len(snap.Document.Routes)),
		}
		for route, p := range snap.Document.Routes {
			rs := routeStatus{Policy: p}
			if l, ok := snap.Limiters[route]; ok {
				n := l.Len()
				rs.Buckets = &n
			}
			resp.Routes[route] = rs
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(resp)
	})
}
