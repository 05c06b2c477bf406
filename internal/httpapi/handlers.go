package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"orema/backend/internal/domain"
	"orema/backend/internal/service"
)

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	rc, _ := requestContextFrom(r.Context())

	var req domain.SyncSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.SyncSale(r.Context(), rc, req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if resp.Idempotent {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	rc, _ := requestContextFrom(r.Context())
	resp, err := a.service.SweepIdempotency(r.Context(), rc)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleIdempotencyLookup(w http.ResponseWriter, r *http.Request) {
	rc, _ := requestContextFrom(r.Context())
	resp, err := a.service.LookupByIdempotency(r.Context(), rc, chi.URLParam(r, "key"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	rc, _ := requestContextFrom(r.Context())
	sale, err := a.service.GetSale(r.Context(), rc, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": sale})
}

func (a *API) handleCancelSale(w http.ResponseWriter, r *http.Request) {
	rc, _ := requestContextFrom(r.Context())

	var req domain.CancelSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	approved := false
	if strings.TrimSpace(req.ManagerPIN) != "" {
		if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
			writeError(w, http.StatusForbidden, fmt.Errorf("%w: code manager invalide", service.ErrForbidden))
			return
		}
		approved = true
	}

	sale, err := a.service.CancelSale(r.Context(), rc, chi.URLParam(r, "id"), req, approved)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": sale})
}

func (a *API) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	rc, _ := requestContextFrom(r.Context())

	var req domain.OpenSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	view, err := a.service.OpenSession(r.Context(), rc, req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": view})
}

func (a *API) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	rc, _ := requestContextFrom(r.Context())

	var req domain.CloseSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	view, err := a.service.CloseSession(r.Context(), rc, chi.URLParam(r, "id"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": view})
}

func (a *API) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	rc, _ := requestContextFrom(r.Context())
	view, err := a.service.GetActiveSession(r.Context(), rc)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": view})
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rc, _ := requestContextFrom(r.Context())
	view, err := a.service.GetSession(r.Context(), rc, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": view})
}

func (a *API) handleStockMovements(w http.ResponseWriter, r *http.Request) {
	rc, _ := requestContextFrom(r.Context())
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	movements, err := a.service.ListStockMovements(r.Context(), rc, r.URL.Query().Get("produitId"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": movements})
}

func (a *API) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	rc, _ := requestContextFrom(r.Context())
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))

	report, err := a.service.DailyReport(r.Context(), rc, r.URL.Query().Get("date"))
	if err != nil {
		a.fail(w, r, err)
		return
	}

	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"rapport-journalier-%s.csv\"", report.Date))
		_, _ = w.Write([]byte(dailyReportToCSV(report)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": report})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	rc, _ := requestContextFrom(r.Context())
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	logs, err := a.service.ListAuditLogs(r.Context(), rc, r.URL.Query().Get("date"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": logs})
}
