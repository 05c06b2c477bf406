package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"orema/backend/internal/cache"
	"orema/backend/internal/domain"
	"orema/backend/internal/events"
	"orema/backend/internal/lock"
	"orema/backend/internal/metrics"
	"orema/backend/internal/pricing"
	"orema/backend/internal/store"
	"orema/backend/internal/ticket"
	"orema/backend/internal/xid"
)

// ErrForbidden is returned when the caller's role does not allow the operation.
var ErrForbidden = errors.New("operation non autorisee")

const maxIdempotencyKeyLength = 128

type Options struct {
	IdempotencyTTL     time.Duration
	Location           *time.Location
	AllowNegativeStock bool
	PaymentTolerance   int64
}

type Deps struct {
	Cache     cache.IdempotencyCache
	Locker    lock.Locker
	Publisher events.Publisher
	Logger    *slog.Logger
	Clock     func() time.Time
}

type Service struct {
	repo      store.Repository
	cache     cache.IdempotencyCache
	locker    lock.Locker
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	opts      Options
}

func New(repo store.Repository, deps Deps, opts Options) *Service {
	if deps.Cache == nil {
		deps.Cache = cache.NoopIdempotencyCache{}
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewKeyedMutex()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NoopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.PaymentTolerance < 0 {
		opts.PaymentTolerance = 0
	}

	return &Service{
		repo:      repo,
		cache:     deps.Cache,
		locker:    deps.Locker,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		now:       deps.Clock,
		opts:      opts,
	}
}

// SyncSale materializes a sale submitted by a terminal, possibly long after it
// was rung up offline. Submitting the same idempotency key again returns the
// first result without any side effect.
func (s *Service) SyncSale(ctx context.Context, rc domain.RequestContext, req domain.SyncSaleRequest) (domain.SyncSaleResponse, error) {
	started := time.Now()
	defer func() { metrics.SyncDuration.Observe(time.Since(started).Seconds()) }()

	if rc.EstablishmentID == "" {
		return s.reject(fmt.Errorf("%w: etablissement inconnu", store.ErrInvalid))
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return s.reject(fmt.Errorf("%w: idempotencyKey requis", store.ErrInvalid))
	}
	if len(key) > maxIdempotencyKeyLength {
		return s.reject(fmt.Errorf("%w: idempotencyKey trop long", store.ErrInvalid))
	}

	if data, ok, err := s.cache.Get(ctx, rc.EstablishmentID, key); err != nil {
		s.logger.Warn("idempotency cache read failed", "key", key, "err", err)
	} else if ok {
		metrics.SalesSynced.WithLabelValues(metrics.OutcomeReplayed).Inc()
		return domain.SyncSaleResponse{Success: true, Idempotent: true, Data: *data}, nil
	}

	unlock, err := s.locker.Acquire(ctx, "vente:sync:"+rc.EstablishmentID+":"+key)
	if err != nil {
		if ctx.Err() != nil {
			return domain.SyncSaleResponse{}, err
		}
		// The transaction still serializes on the key; the lock only avoids wasted work.
		s.logger.Warn("sync lock unavailable, continuing without it", "key", key, "err", err)
		unlock = func() {}
	}
	defer unlock()

	now := s.now()
	if rec, err := s.repo.FindIdempotency(ctx, rc.EstablishmentID, key, now); err == nil {
		data := domain.SyncSaleData{ID: rec.SaleID, TicketNumber: rec.TicketNumber}
		s.remember(ctx, rc.EstablishmentID, key, data, rec.ExpiresAt.Sub(now))
		metrics.SalesSynced.WithLabelValues(metrics.OutcomeReplayed).Inc()
		return domain.SyncSaleResponse{Success: true, Idempotent: true, Data: data}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.SyncSaleResponse{}, err
	}

	draft, err := s.buildDraft(ctx, rc, key, req, now)
	if err != nil {
		return s.reject(err)
	}

	commit, err := s.repo.CreateSale(ctx, draft, store.SaleOptions{AllowNegativeStock: s.opts.AllowNegativeStock})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientStock):
			return s.reject(fmt.Errorf("%w: stock insuffisant", err))
		case errors.Is(err, store.ErrConflict):
			return s.reject(fmt.Errorf("%w: session de caisse fermee ou numero de ticket deja attribue", err))
		case errors.Is(err, store.ErrNotFound):
			return s.reject(fmt.Errorf("%w: produit ou session de caisse introuvable", err))
		case errors.Is(err, store.ErrInvalid):
			return s.reject(fmt.Errorf("%w: vente invalide", err))
		}
		return domain.SyncSaleResponse{}, err
	}

	data := domain.SyncSaleData{ID: commit.Sale.ID, TicketNumber: commit.Sale.TicketNumber}
	if commit.Replayed {
		s.remember(ctx, rc.EstablishmentID, key, data, s.opts.IdempotencyTTL)
		metrics.SalesSynced.WithLabelValues(metrics.OutcomeReplayed).Inc()
		return domain.SyncSaleResponse{Success: true, Idempotent: true, Data: data}, nil
	}

	metrics.SalesSynced.WithLabelValues(metrics.OutcomeCreated).Inc()
	for _, m := range commit.Movements {
		metrics.StockMovements.WithLabelValues(m.Type).Inc()
	}
	s.remember(ctx, rc.EstablishmentID, key, data, s.opts.IdempotencyTTL)
	s.logAudit(ctx, rc, "vente_sync", "vente", commit.Sale.ID, fmt.Sprintf(
		"ticket=%s,total=%d,type=%s,paiements=%d,mouvements=%d",
		commit.Sale.TicketNumber, commit.Sale.TotalCents, commit.Sale.Type, len(commit.Sale.Payments), len(commit.Movements),
	))
	s.publish(ctx, events.SaleSynced, rc.EstablishmentID, data)

	return domain.SyncSaleResponse{Success: true, Idempotent: false, Data: data}, nil
}

func (s *Service) buildDraft(ctx context.Context, rc domain.RequestContext, key string, req domain.SyncSaleRequest, now time.Time) (domain.SaleDraft, error) {
	saleType := strings.ToUpper(strings.TrimSpace(req.SaleType))
	if saleType == "" {
		saleType = domain.SaleTypeDirect
	}
	if !isSaleType(saleType) {
		return domain.SaleDraft{}, fmt.Errorf("%w: type de vente inconnu %q", store.ErrInvalid, req.SaleType)
	}
	if len(req.Lines) == 0 {
		return domain.SaleDraft{}, fmt.Errorf("%w: au moins une ligne est requise", store.ErrInvalid)
	}
	if len(req.Lines) > pricing.MaxLines {
		return domain.SaleDraft{}, fmt.Errorf("%w: trop de lignes (%d max)", store.ErrInvalid, pricing.MaxLines)
	}

	ids := make([]string, 0, len(req.Lines))
	for i, line := range req.Lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return domain.SaleDraft{}, fmt.Errorf("%w: ligne %d sans produit", store.ErrInvalid, i+1)
		}
		if line.Quantity < 1 || line.Quantity > pricing.MaxLineQuantity {
			return domain.SaleDraft{}, fmt.Errorf("%w: quantite invalide ligne %d", store.ErrInvalid, i+1)
		}
		if line.UnitPriceCents < 0 || line.UnitPriceCents > pricing.MaxUnitPriceCents {
			return domain.SaleDraft{}, fmt.Errorf("%w: prix invalide ligne %d", store.ErrInvalid, i+1)
		}
		ids = append(ids, line.ProductID)
	}

	products, err := s.repo.GetProductsByIDs(ctx, rc.EstablishmentID, ids)
	if err != nil {
		return domain.SaleDraft{}, err
	}

	lines := make([]domain.SaleLine, 0, len(req.Lines))
	amounts := make([]pricing.LineAmounts, 0, len(req.Lines))
	for _, in := range req.Lines {
		product, ok := products[in.ProductID]
		if !ok || !product.Active {
			return domain.SaleDraft{}, fmt.Errorf("%w: produit introuvable %s", store.ErrNotFound, in.ProductID)
		}
		vatClass := strings.ToUpper(strings.TrimSpace(in.VatClass))
		if vatClass == "" {
			vatClass = product.VatClass
		}
		amount := pricing.ComputeLine(in.UnitPriceCents, in.Quantity, vatClass)
		amounts = append(amounts, amount)
		lines = append(lines, domain.SaleLine{
			ID:             xid.New("ligne"),
			ProductID:      product.ID,
			ProductName:    product.Name,
			Quantity:       in.Quantity,
			UnitPriceCents: in.UnitPriceCents,
			VatClass:       vatClass,
			VatRatePercent: amount.RatePercent,
			SubtotalCents:  amount.SubtotalCents,
			VatCents:       amount.VatCents,
			TotalCents:     amount.TotalCents,
			Notes:          strings.TrimSpace(in.Notes),
		})
	}

	totals, err := pricing.ComputeTotals(amounts, req.Discount)
	if err != nil {
		return domain.SaleDraft{}, fmt.Errorf("%w: %v", store.ErrInvalid, err)
	}

	payments, err := s.buildPayments(req, totals.FinalCents)
	if err != nil {
		return domain.SaleDraft{}, err
	}

	sessionID := strings.TrimSpace(req.CashSessionID)
	if sessionID != "" {
		session, err := s.repo.GetCashSession(ctx, rc.EstablishmentID, sessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.SaleDraft{}, fmt.Errorf("%w: session de caisse introuvable", err)
			}
			return domain.SaleDraft{}, err
		}
		if !session.IsOpen() {
			return domain.SaleDraft{}, fmt.Errorf("%w: session de caisse fermee", store.ErrConflict)
		}
	}

	return domain.SaleDraft{
		IdempotencyKey: key,
		BusinessDate:   ticket.BusinessDate(now, s.opts.Location),
		ExpiresAt:      now.Add(s.opts.IdempotencyTTL),
		Sale: domain.Sale{
			ID:              xid.New("vente"),
			EstablishmentID: rc.EstablishmentID,
			Status:          domain.SaleStatusPaid,
			Type:            saleType,
			SubtotalCents:   totals.SubtotalCents,
			VatCents:        totals.VatCents,
			DiscountCents:   totals.DiscountCents,
			TotalCents:      totals.FinalCents,
			TableID:         strings.TrimSpace(req.TableID),
			ClientID:        strings.TrimSpace(req.ClientID),
			CashSessionID:   sessionID,
			DeliveryAddress: strings.TrimSpace(req.DeliveryAddress),
			DeliveryNotes:   strings.TrimSpace(req.DeliveryNotes),
			CreatedBy:       rc.UserID,
			CreatedAt:       now,
			Lines:           lines,
			Payments:        payments,
		},
	}, nil
}

func (s *Service) buildPayments(req domain.SyncSaleRequest, finalCents int64) ([]domain.Payment, error) {
	mode := strings.ToUpper(strings.TrimSpace(req.PaymentMode))
	if mode == "" {
		return nil, fmt.Errorf("%w: modePaiement requis", store.ErrInvalid)
	}
	if !pricing.ValidMode(mode) {
		return nil, fmt.Errorf("%w: mode de paiement inconnu %q", store.ErrInvalid, req.PaymentMode)
	}

	if mode == domain.PaymentMixed {
		normalized := make([]domain.PaymentInput, 0, len(req.Payments))
		for _, p := range req.Payments {
			p.Mode = strings.ToUpper(strings.TrimSpace(p.Mode))
			normalized = append(normalized, p)
		}
		if err := pricing.CheckMixed(normalized, finalCents, s.opts.PaymentTolerance); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalid, err)
		}
		payments := make([]domain.Payment, 0, len(normalized))
		for _, p := range normalized {
			payments = append(payments, domain.Payment{
				ID:          xid.New("paiement"),
				Mode:        p.Mode,
				AmountCents: p.AmountCents,
				Reference:   strings.TrimSpace(p.Reference),
			})
		}
		return payments, nil
	}

	if req.ReceivedCents < 0 || req.ChangeCents < 0 {
		return nil, fmt.Errorf("%w: montants recu/rendu invalides", store.ErrInvalid)
	}
	return []domain.Payment{{
		ID:            xid.New("paiement"),
		Mode:          mode,
		AmountCents:   finalCents,
		Reference:     strings.TrimSpace(req.Reference),
		ReceivedCents: req.ReceivedCents,
		ChangeCents:   req.ChangeCents,
	}}, nil
}

func (s *Service) reject(err error) (domain.SyncSaleResponse, error) {
	metrics.SalesSynced.WithLabelValues(metrics.OutcomeRejected).Inc()
	return domain.SyncSaleResponse{}, err
}

func (s *Service) remember(ctx context.Context, establishmentID string, key string, data domain.SyncSaleData, ttl time.Duration) {
	if err := s.cache.Set(ctx, establishmentID, key, data, ttl); err != nil {
		s.logger.Warn("idempotency cache write failed", "key", key, "err", err)
	}
}

// SweepIdempotency deletes every expired idempotency record. Sales are final
// when their record is written, so expiry is the only condition.
func (s *Service) SweepIdempotency(ctx context.Context, rc domain.RequestContext) (domain.SweepResponse, error) {
	deleted, err := s.repo.DeleteExpiredIdempotency(ctx, s.now())
	if err != nil {
		return domain.SweepResponse{}, err
	}
	metrics.IdempotencySwept.Add(float64(deleted))
	if deleted > 0 {
		s.logAudit(ctx, rc, "idempotency_sweep", "idempotency_key", "*", fmt.Sprintf("deleted=%d", deleted))
	}
	return domain.SweepResponse{Success: true, Deleted: deleted}, nil
}

func (s *Service) LookupByIdempotency(ctx context.Context, rc domain.RequestContext, key string) (domain.IdempotencyLookupResponse, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyLookupResponse{}, fmt.Errorf("%w: cle requise", store.ErrInvalid)
	}

	rec, err := s.repo.FindIdempotency(ctx, rc.EstablishmentID, key, s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.IdempotencyLookupResponse{Found: false}, nil
		}
		return domain.IdempotencyLookupResponse{}, err
	}
	return domain.IdempotencyLookupResponse{
		Found:     true,
		Data:      &domain.SyncSaleData{ID: rec.SaleID, TicketNumber: rec.TicketNumber},
		ExpiresAt: rec.ExpiresAt.Format(time.RFC3339),
	}, nil
}

func (s *Service) GetSale(ctx context.Context, rc domain.RequestContext, id string) (domain.Sale, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Sale{}, fmt.Errorf("%w: identifiant requis", store.ErrInvalid)
	}
	sale, err := s.repo.FindSaleByID(ctx, rc.EstablishmentID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Sale{}, fmt.Errorf("%w: vente introuvable", err)
		}
		return domain.Sale{}, err
	}
	return *sale, nil
}

// CancelSale moves a paid sale to ANNULEE and restocks its tracked products.
// Cashiers need a manager approval, checked by the caller.
func (s *Service) CancelSale(ctx context.Context, rc domain.RequestContext, id string, req domain.CancelSaleRequest, managerApproved bool) (domain.Sale, error) {
	switch rc.Role {
	case domain.RoleAdmin, domain.RoleManager:
	case domain.RoleCashier:
		if !managerApproved {
			return domain.Sale{}, fmt.Errorf("%w: code manager requis", ErrForbidden)
		}
	default:
		return domain.Sale{}, ErrForbidden
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.Sale{}, fmt.Errorf("%w: motif d'annulation requis", store.ErrInvalid)
	}

	sale, movements, err := s.repo.CancelSale(ctx, rc.EstablishmentID, id, reason, s.now())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return domain.Sale{}, fmt.Errorf("%w: vente introuvable", err)
		case errors.Is(err, store.ErrConflict):
			return domain.Sale{}, fmt.Errorf("%w: seule une vente payee peut etre annulee", err)
		}
		return domain.Sale{}, err
	}

	for _, m := range movements {
		metrics.StockMovements.WithLabelValues(m.Type).Inc()
	}
	s.logAudit(ctx, rc, "vente_annulation", "vente", sale.ID, fmt.Sprintf("ticket=%s,motif=%s,manager_pin=%t", sale.TicketNumber, reason, managerApproved))
	s.publish(ctx, events.SaleCancelled, rc.EstablishmentID, map[string]any{
		"id":           sale.ID,
		"numeroTicket": sale.TicketNumber,
		"motif":        reason,
		"total":        sale.TotalCents,
	})
	return *sale, nil
}

func (s *Service) ListStockMovements(ctx context.Context, rc domain.RequestContext, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListStockMovements(ctx, rc.EstablishmentID, strings.TrimSpace(productID), limit)
}

func (s *Service) DailyReport(ctx context.Context, rc domain.RequestContext, date string) (domain.DailyReport, error) {
	day, err := s.businessDay(date)
	if err != nil {
		return domain.DailyReport{}, err
	}
	from, to, err := ticket.DayBounds(day, s.opts.Location)
	if err != nil {
		return domain.DailyReport{}, fmt.Errorf("%w: date invalide", store.ErrInvalid)
	}

	report, err := s.repo.GetDailyReport(ctx, rc.EstablishmentID, from, to)
	if err != nil {
		return domain.DailyReport{}, err
	}
	report.EstablishmentID = rc.EstablishmentID
	report.Date = from.In(s.opts.Location).Format("2006-01-02")
	return report, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, rc domain.RequestContext, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	day, err := s.businessDay(date)
	if err != nil {
		return nil, err
	}
	from, to, err := ticket.DayBounds(day, s.opts.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: date invalide", store.ErrInvalid)
	}
	return s.repo.ListAuditLogs(ctx, rc.EstablishmentID, from, to, limit)
}

// businessDay turns an optional YYYY-MM-DD into the compact ticket date, today by default.
func (s *Service) businessDay(date string) (string, error) {
	if strings.TrimSpace(date) == "" {
		return ticket.BusinessDate(s.now(), s.opts.Location), nil
	}
	parsed, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(date), s.opts.Location)
	if err != nil {
		return "", fmt.Errorf("%w: date invalide, format attendu AAAA-MM-JJ", store.ErrInvalid)
	}
	return parsed.Format(ticket.DateLayout), nil
}

func (s *Service) logAudit(ctx context.Context, rc domain.RequestContext, action string, entityType string, entityID string, detail string) {
	userID, role := rc.UserID, rc.Role
	if userID == "" {
		userID, role = "system", "system"
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:              xid.New("audit"),
		EstablishmentID: rc.EstablishmentID,
		UserID:          userID,
		Role:            role,
		Action:          action,
		EntityType:      entityType,
		EntityID:        entityID,
		Detail:          detail,
		CreatedAt:       s.now(),
	}); err != nil {
		s.logger.Warn("audit log write failed", "action", action, "entity", entityType+"/"+entityID, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, eventType string, establishmentID string, payload any) {
	err := s.publisher.Publish(ctx, events.Event{
		ID:              xid.New("evt"),
		Type:            eventType,
		EstablishmentID: establishmentID,
		OccurredAt:      s.now(),
		Payload:         payload,
	})
	if err != nil {
		s.logger.Warn("event publish failed", "type", eventType, "err", err)
	}
}

func isSaleType(t string) bool {
	switch t {
	case domain.SaleTypeDirect, domain.SaleTypeTable, domain.SaleTypeDelivery, domain.SaleTypeTakeaway:
		return true
	default:
		return false
	}
}
