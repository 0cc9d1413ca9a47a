package admin

import "net/http"

// handleStats returns engine cache, keep-alive and resolver gauges
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.engine.Stats(), false)
}
