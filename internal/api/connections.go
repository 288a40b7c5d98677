package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/askdb/askdb/internal/catalog"
	"github.com/askdb/askdb/internal/connections"
)

type patchTablesRequest struct {
	Tables  []catalog.TableRef `json:"tables"`
	Enabled *bool              `json:"enabled"`
}

func handleCreateConnection(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !connectionsConfigured(deps, w, r) {
		return
	}
	var request connections.CreateInput
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid connection request body", false, map[string]any{"details": err.Error()})
		return
	}
	summary, err := deps.Connections.Create(r.Context(), request)
	if err != nil {
		writeConnectionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func handleListConnections(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !connectionsConfigured(deps, w, r) {
		return
	}
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))
	items, err := deps.Connections.List(r.Context(), includeInactive)
	if err != nil {
		writeConnectionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": items})
}

func handleGetConnection(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !connectionsConfigured(deps, w, r) {
		return
	}
	summary, err := deps.Connections.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeConnectionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleDeleteConnection deactivates by default. hard=true removes the
// connection with its tables and usage history.
func handleDeleteConnection(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !connectionsConfigured(deps, w, r) {
		return
	}
	connectionID := r.PathValue("id")
	hard, _ := strconv.ParseBool(r.URL.Query().Get("hard"))

	var err error
	if hard {
		err = deps.Connections.Delete(r.Context(), connectionID)
	} else {
		err = deps.Connections.Deactivate(r.Context(), connectionID)
	}
	if err != nil {
		writeConnectionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection_id": connectionID, "deleted": hard, "active": false})
}

func handleTestConnection(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !connectionsConfigured(deps, w, r) {
		return
	}
	result, err := deps.Connections.Test(r.Context(), r.PathValue("id"))
	if err != nil {
		writeConnectionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func handleListTables(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !connectionsConfigured(deps, w, r) {
		return
	}
	tables, err := deps.Connections.Tables(r.Context(), r.PathValue("id"))
	if err != nil {
		writeConnectionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection_id": r.PathValue("id"), "tables": tables})
}

func handlePatchTables(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !connectionsConfigured(deps, w, r) {
		return
	}
	var request patchTablesRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid tables request body", false, map[string]any{"details": err.Error()})
		return
	}
	if request.Enabled == nil {
		writeError(r.Context(), w, http.StatusBadRequest, "ENABLED_REQUIRED", "enabled is required", false, nil)
		return
	}
	for i := range request.Tables {
		request.Tables[i].SchemaName = strings.TrimSpace(request.Tables[i].SchemaName)
		request.Tables[i].TableName = strings.TrimSpace(request.Tables[i].TableName)
	}
	updated, err := deps.Connections.SetTablesEnabled(r.Context(), r.PathValue("id"), request.Tables, *request.Enabled)
	if err != nil {
		writeConnectionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection_id": r.PathValue("id"), "updated": updated, "enabled": *request.Enabled})
}

func handleRefreshSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !connectionsConfigured(deps, w, r) {
		return
	}
	count, err := deps.Connections.RefreshSchema(r.Context(), r.PathValue("id"))
	if err != nil {
		writeConnectionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection_id": r.PathValue("id"), "table_count": count})
}

func handleUsage(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !connectionsConfigured(deps, w, r) {
		return
	}
	summary, err := deps.Connections.Usage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeConnectionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func connectionsConfigured(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.Connections == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CONNECTIONS_NOT_CONFIGURED", "connection management is not configured", false, nil)
		return false
	}
	return true
}

func writeConnectionError(w http.ResponseWriter, r *http.Request, err error) {
	var testErr *connections.TestFailedError
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeError(r.Context(), w, http.StatusNotFound, "CONNECTION_NOT_FOUND", "connection was not found", false, nil)
	case errors.Is(err, catalog.ErrConflict):
		writeError(r.Context(), w, http.StatusConflict, "CONNECTION_EXISTS", "connection already exists", false, nil)
	case errors.Is(err, connections.ErrInvalidInput):
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_CONNECTION", err.Error(), false, nil)
	case errors.As(err, &testErr):
		writeError(r.Context(), w, http.StatusBadRequest, "CONNECTION_TEST_FAILED", "Connection test failed: "+testErr.Message, true, nil)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "connection operation failed", true, map[string]any{"details": err.Error()})
	}
}
