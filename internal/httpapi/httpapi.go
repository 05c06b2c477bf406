package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"orema/backend/internal/domain"
	"orema/backend/internal/service"
	"orema/backend/internal/store"
)

const maxBodyBytes = 1 << 20

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	cronSecret    string
	logger        *slog.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, cronSecret string, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(allowedOrigin) == "" {
		allowedOrigin = "*"
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		cronSecret:    cronSecret,
		logger:        logger,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(a.allowedOrigin, ","),
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Cron-Secret"},
		MaxAge:         300,
	}))

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.With(httprate.LimitByIP(5, time.Minute)).Post("/api/auth/login", a.handleLogin)
	r.With(a.requireAdminOrCron).Delete("/api/ventes/sync", a.handleSweep)

	r.Group(func(pr chi.Router) {
		pr.Use(a.requireAuth)

		pr.Group(func(sr chi.Router) {
			sr.Use(RequireRole(domain.RoleAdmin, domain.RoleManager, domain.RoleCashier, domain.RoleWaiter))
			sr.Post("/api/ventes/sync", a.handleSync)
			sr.Get("/api/ventes/idempotency/{key}", a.handleIdempotencyLookup)
			sr.Get("/api/ventes/{id}", a.handleGetSale)
		})

		pr.Group(func(cr chi.Router) {
			cr.Use(RequireRole(domain.RoleAdmin, domain.RoleManager, domain.RoleCashier))
			cr.With(httprate.LimitByIP(8, time.Minute)).Post("/api/ventes/{id}/annuler", a.handleCancelSale)
			cr.Post("/api/sessions", a.handleOpenSession)
			cr.Get("/api/sessions/active", a.handleActiveSession)
			cr.Get("/api/sessions/{id}", a.handleGetSession)
			cr.Post("/api/sessions/{id}/close", a.handleCloseSession)
		})

		pr.Group(func(mr chi.Router) {
			mr.Use(RequireRole(domain.RoleAdmin, domain.RoleManager))
			mr.Get("/api/stock/mouvements", a.handleStockMovements)
			mr.Get("/api/rapports/journalier", a.handleDailyReport)
			mr.Get("/api/audit-logs", a.handleAuditLogs)
		})
	})

	return r
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(startedAt),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodDelete) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// statusFor maps service errors onto HTTP statuses. Anything unrecognised is a server fault.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
	}
	writeError(w, status, err)
}

func dailyReportToCSV(report domain.DailyReport) string {
	lines := []string{
		"section,cle,valeur",
		fmt.Sprintf("resume,date,%s", report.Date),
		fmt.Sprintf("resume,etablissement_id,%s", report.EstablishmentID),
		fmt.Sprintf("resume,nombre_ventes,%d", report.Sales),
		fmt.Sprintf("resume,nombre_annulees,%d", report.Cancelled),
		fmt.Sprintf("resume,sous_total,%d", report.SubtotalCents),
		fmt.Sprintf("resume,total_tva,%d", report.VatCents),
		fmt.Sprintf("resume,total_remise,%d", report.DiscountCents),
		fmt.Sprintf("resume,total_final,%d", report.TotalCents),
	}
	for _, payment := range report.ByPayment {
		lines = append(lines, fmt.Sprintf("paiement,%s_nombre,%d", payment.Mode, payment.Payments))
		lines = append(lines, fmt.Sprintf("paiement,%s_montant,%d", payment.Mode, payment.AmountCents))
	}
	return strings.Join(lines, "\n") + "\n"
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("%w: corps JSON invalide: %v", store.ErrInvalid, err)
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause is logged server side.
	msg := err.Error()
	if status >= 500 {
		msg = "erreur interne du serveur"
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
