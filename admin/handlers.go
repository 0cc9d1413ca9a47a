package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/maxpert/sitxn/telemetry"
	"github.com/maxpert/sitxn/txn"
	"github.com/rs/zerolog/log"
)

// Engine is the slice of the transaction engine the admin endpoints need
type Engine interface {
	Transaction(ctx context.Context, id uint64) (*txn.TxnView, error)
	ScanActive(ctx context.Context, fn func(*txn.TxnView) bool) error
	RollbackID(ctx context.Context, id uint64) error
	Stats() telemetry.EngineStats
}

// AdminHandlers serves operator endpoints over the transaction engine
type AdminHandlers struct {
	engine Engine
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(engine Engine) *AdminHandlers {
	return &AdminHandlers{engine: engine}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool) {
	response := map[string]interface{}{
		"data": data,
	}
	if hasMore {
		response["has_more"] = true
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

// parseTxnID parses a transaction id path parameter
func parseTxnID(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("transaction ID is required")
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid transaction ID %q", s)
	}
	return id, nil
}

// formatMillis converts unix milliseconds to ISO 8601 string
func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}
