package admin

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/sitxn/txn"
)

func viewResponse(v *txn.TxnView) map[string]interface{} {
	return map[string]interface{}{
		"txn_id":             v.ID(),
		"begin_ts":           v.BeginTimestamp(),
		"parent_id":          v.ParentID(),
		"isolation":          v.IsolationLevel().String(),
		"additive":           v.Additive(),
		"state":              v.State().String(),
		"commit_ts":          v.CommitTimestamp(),
		"global_commit_ts":   v.GlobalCommitTimestamp(),
		"last_keep_alive":    formatMillis(v.KeepAliveTimestamp()),
		"destination_tables": v.DestinationTables(),
	}
}

// handleTransaction returns a specific transaction by ID
func (h *AdminHandlers) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txnID, err := parseTxnID(chi.URLParam(r, "txnID"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	v, err := h.engine.Transaction(r.Context(), txnID)
	if errors.Is(err, txn.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("failed to get transaction: %v", err))
		return
	}

	writeJSONResponse(w, viewResponse(v), false)
}

// handleActiveTransactions lists transactions that are not yet terminal,
// optionally restricted to those writing tables matching ?table=<glob>
func (h *AdminHandlers) handleActiveTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	filter, err := NewTableFilter(r.URL.Query()["table"]...)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	results := make([]map[string]interface{}, 0)
	hasMore := false
	err = h.engine.ScanActive(r.Context(), func(v *txn.TxnView) bool {
		if !filter.Match(v.DestinationTables()) {
			return true
		}
		if len(results) == limit {
			hasMore = true
			return false
		}
		results = append(results, viewResponse(v))
		return true
	})
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("failed to scan transactions: %v", err))
		return
	}

	writeJSONResponse(w, results, hasMore)
}

// handleRollbackTransaction rolls back an in-flight transaction on behalf of an operator
func (h *AdminHandlers) handleRollbackTransaction(w http.ResponseWriter, r *http.Request) {
	txnID, err := parseTxnID(chi.URLParam(r, "txnID"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	err = h.engine.RollbackID(r.Context(), txnID)
	switch {
	case errors.Is(err, txn.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, "transaction not found")
		return
	case txn.IsNotActive(err):
		writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("failed to roll back: %v", err))
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"txn_id": txnID,
		"state":  txn.StateRolledBack.String(),
	}, false)
}
