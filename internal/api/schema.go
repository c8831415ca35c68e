package api

import (
	"log/slog"
	"net/http"
)

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schema == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema source is not configured", false, nil)
		return
	}
	snapshot, err := deps.Schema.Snapshot(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SCHEMA_FETCH_FAILED", "failed to load schema", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleMetrics always answers 200; unreadable counters are reported as zero.
func handleMetrics(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Metrics == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "METRICS_NOT_CONFIGURED", "metrics service is not configured", false, nil)
		return
	}
	snapshot, err := deps.Metrics.Snapshot(r.Context())
	if err != nil && deps.Logger != nil {
		deps.Logger.WarnContext(r.Context(), "serving zeroed cache metrics", slog.Any("error", err))
	}
	writeJSON(w, http.StatusOK, snapshot)
}
