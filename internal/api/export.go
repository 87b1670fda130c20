package api

import "net/http"

func handleExport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Audit == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "audit export is not configured", false, nil)
		return
	}
	if err := requireRole(r, "export"); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	if err := deps.Audit.Flush(r.Context()); err != nil {
		writeError(r.Context(), w, http.StatusBadGateway, "EXPORT_FAILED", "failed to flush audit batch", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "flushed"})
}
