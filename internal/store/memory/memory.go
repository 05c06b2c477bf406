package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"orema/backend/internal/domain"
	"orema/backend/internal/pricing"
	"orema/backend/internal/store"
	"orema/backend/internal/ticket"
	"orema/backend/internal/xid"
)

// DemoEstablishmentID is the establishment seeded by NewSeeded.
const DemoEstablishmentID = "etab-demo"

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	salesByID       map[string]*domain.Sale
	saleByTicket    map[string]string
	idempotency     map[string]domain.IdempotencyRecord
	counters        map[string]domain.TicketCounter
	movements       []domain.StockMovement
	sessionsByID    map[string]domain.CashSession
	openSessionKey  map[string]string
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		salesByID:       make(map[string]*domain.Sale),
		saleByTicket:    make(map[string]string),
		idempotency:     make(map[string]domain.IdempotencyRecord),
		counters:        make(map[string]domain.TicketCounter),
		movements:       make([]domain.StockMovement, 0, 128),
		sessionsByID:    make(map[string]domain.CashSession),
		openSessionKey:  make(map[string]string),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the demo accounts. Passwords come from SEED_ADMIN_PASSWORD,
// SEED_MANAGER_PASSWORD and SEED_CAISSIER_PASSWORD, with dev defaults otherwise.
// The memory store is never used when DATABASE_URL is set.
func seedUsers() []domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	cashierPwd := envOr("SEED_CAISSIER_PASSWORD", "caissier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CAISSIER_PASSWORD") == "" {
		slog.Warn("memory store: using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_CAISSIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := make([]domain.UserAccount, 0, 3)
	for _, u := range []struct {
		id       string
		username string
		password string
		role     string
	}{
		{"user-admin", "admin", adminPwd, domain.RoleAdmin},
		{"user-manager", "manager", managerPwd, domain.RoleManager},
		{"user-caissier", "caissier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			panic(fmt.Sprintf("memory store: hash seed password for %s: %v", u.username, err))
		}
		users = append(users, domain.UserAccount{
			ID:              u.id,
			Username:        u.username,
			Password:        string(hash),
			Role:            u.role,
			EstablishmentID: DemoEstablishmentID,
			Active:          true,
			CreatedAt:       now,
		})
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	stock := func(n int) *int { return &n }
	for _, p := range []domain.Product{
		{ID: "prod-cafe", Name: "Cafe expresso", PriceCents: 1000, VatClass: domain.VatClassStandard, TrackStock: true, Stock: stock(50), Active: true},
		{ID: "prod-bissap", Name: "Jus de bissap", PriceCents: 1500, VatClass: domain.VatClassReduced, TrackStock: true, Stock: stock(50), Active: true},
		{ID: "prod-eau", Name: "Eau minerale 1,5L", PriceCents: 800, VatClass: domain.VatClassExempt, TrackStock: true, Stock: stock(100), Active: true},
		{ID: "prod-attieke", Name: "Attieke poisson", PriceCents: 5000, VatClass: domain.VatClassStandard, Active: true},
		{ID: "prod-alloco", Name: "Alloco", PriceCents: 2000, VatClass: domain.VatClassReduced, Active: true},
		{ID: "prod-garba", Name: "Garba", PriceCents: 1500, VatClass: domain.VatClassStandard, Active: false},
	} {
		p.EstablishmentID = DemoEstablishmentID
		s.PutProduct(p)
	}
	for _, u := range seedUsers() {
		s.PutUser(u)
	}
	return s
}

// PutProduct inserts or replaces a product. Product management has no API; this
// exists for seeding.
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = cloneProduct(p)
}

func (s *Store) PutUser(u domain.UserAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Username = strings.ToLower(strings.TrimSpace(u.Username))
	s.usersByUsername[u.Username] = u
}

// ProductStock returns the tracked stock of a product, or nil when untracked.
func (s *Store) ProductStock(id string) *int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok || p.Stock == nil {
		return nil
	}
	v := *p.Stock
	return &v
}

func (s *Store) GetProductsByIDs(_ context.Context, establishmentID string, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		p, ok := s.products[id]
		if !ok || p.EstablishmentID != establishmentID {
			continue
		}
		result[id] = cloneProduct(p)
	}
	return result, nil
}

func (s *Store) FindIdempotency(_ context.Context, establishmentID string, key string, now time.Time) (*domain.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.idempotency[idemMapKey(establishmentID, key)]
	if !ok || !rec.ExpiresAt.After(now) {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) DeleteExpiredIdempotency(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := int64(0)
	for k, rec := range s.idempotency {
		if !rec.ExpiresAt.After(now) {
			delete(s.idempotency, k)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) CreateSale(_ context.Context, draft domain.SaleDraft, opts store.SaleOptions) (*domain.SaleCommit, error) {
	sale := draft.Sale
	if draft.IdempotencyKey == "" || sale.EstablishmentID == "" || len(sale.Lines) == 0 || draft.BusinessDate == "" {
		return nil, store.ErrInvalid
	}
	now := sale.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
		sale.CreatedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idemKey := idemMapKey(sale.EstablishmentID, draft.IdempotencyKey)
	if rec, ok := s.idempotency[idemKey]; ok {
		if rec.ExpiresAt.After(now) {
			existing, found := s.salesByID[rec.SaleID]
			if !found {
				return nil, fmt.Errorf("idempotency record %s points to missing sale %s", draft.IdempotencyKey, rec.SaleID)
			}
			return &domain.SaleCommit{Sale: cloneSale(existing), Replayed: true}, nil
		}
		delete(s.idempotency, idemKey)
	}

	if sale.CashSessionID != "" {
		session, ok := s.sessionsByID[sale.CashSessionID]
		if !ok || session.EstablishmentID != sale.EstablishmentID {
			return nil, store.ErrNotFound
		}
		if !session.IsOpen() {
			return nil, store.ErrConflict
		}
	}

	// Validate every line against a scratch copy before touching shared state.
	pending := map[string]int{}
	for _, line := range sale.Lines {
		if line.Quantity < 1 {
			return nil, store.ErrInvalid
		}
		p, ok := s.products[line.ProductID]
		if !ok || p.EstablishmentID != sale.EstablishmentID || !p.Active {
			return nil, store.ErrNotFound
		}
		if !p.TrackStock || p.Stock == nil {
			continue
		}
		if _, seen := pending[p.ID]; !seen {
			pending[p.ID] = *p.Stock
		}
		pending[p.ID] -= line.Quantity
		if pending[p.ID] < 0 && !opts.AllowNegativeStock {
			return nil, store.ErrInsufficientStock
		}
	}

	counter := s.counters[sale.EstablishmentID]
	date, seq := ticket.Next(counter.LastDate, counter.LastSequence, draft.BusinessDate)
	number := ticket.Format(date, seq)
	ticketKey := sale.EstablishmentID + "|" + number
	if _, taken := s.saleByTicket[ticketKey]; taken {
		return nil, store.ErrConflict
	}
	if sale.ID == "" {
		sale.ID = xid.New("vente")
	}
	if _, taken := s.salesByID[sale.ID]; taken {
		return nil, store.ErrConflict
	}

	s.counters[sale.EstablishmentID] = domain.TicketCounter{
		EstablishmentID: sale.EstablishmentID,
		LastSequence:    seq,
		LastDate:        date,
	}
	sale.TicketNumber = number
	sale.Status = domain.SaleStatusPaid

	movements := make([]domain.StockMovement, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		p := s.products[line.ProductID]
		if !p.TrackStock || p.Stock == nil {
			continue
		}
		before := *p.Stock
		after := before - line.Quantity
		p.Stock = &after
		s.products[p.ID] = p

		movements = append(movements, domain.StockMovement{
			ID:              xid.New("mvt"),
			ProductID:       p.ID,
			EstablishmentID: sale.EstablishmentID,
			Type:            domain.StockMovementOut,
			Quantity:        line.Quantity,
			QuantityBefore:  before,
			QuantityAfter:   after,
			Motif:           "Vente " + number,
			Reference:       number,
			CreatedAt:       now,
		})
	}
	s.movements = append(s.movements, movements...)

	saved := cloneSale(&sale)
	s.salesByID[sale.ID] = saved
	s.saleByTicket[ticketKey] = sale.ID
	s.idempotency[idemKey] = domain.IdempotencyRecord{
		Key:             draft.IdempotencyKey,
		EstablishmentID: sale.EstablishmentID,
		SaleID:          sale.ID,
		TicketNumber:    number,
		CreatedAt:       now,
		ExpiresAt:       draft.ExpiresAt,
	}

	return &domain.SaleCommit{Sale: cloneSale(saved), Movements: movements}, nil
}

func (s *Store) FindSaleByID(_ context.Context, establishmentID string, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok || sale.EstablishmentID != establishmentID {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) CancelSale(_ context.Context, establishmentID string, id string, reason string, at time.Time) (*domain.Sale, []domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok || sale.EstablishmentID != establishmentID {
		return nil, nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusPaid {
		return nil, nil, store.ErrConflict
	}

	movements := make([]domain.StockMovement, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		p, ok := s.products[line.ProductID]
		if !ok || !p.TrackStock || p.Stock == nil {
			continue
		}
		before := *p.Stock
		after := before + line.Quantity
		p.Stock = &after
		s.products[p.ID] = p

		movements = append(movements, domain.StockMovement{
			ID:              xid.New("mvt"),
			ProductID:       p.ID,
			EstablishmentID: establishmentID,
			Type:            domain.StockMovementIn,
			Quantity:        line.Quantity,
			QuantityBefore:  before,
			QuantityAfter:   after,
			Motif:           "Annulation vente " + sale.TicketNumber,
			Reference:       sale.TicketNumber,
			CreatedAt:       at,
		})
	}
	s.movements = append(s.movements, movements...)

	sale.Status = domain.SaleStatusCancelled
	sale.CancelReason = reason
	cancelledAt := at
	sale.CancelledAt = &cancelledAt

	return cloneSale(sale), movements, nil
}

func (s *Store) GetTicketCounter(_ context.Context, establishmentID string) (*domain.TicketCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counter, ok := s.counters[establishmentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &counter, nil
}

func (s *Store) ListStockMovements(_ context.Context, establishmentID string, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0, 32)
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if m.EstablishmentID != establishmentID {
			continue
		}
		if productID != "" && m.ProductID != productID {
			continue
		}
		result = append(result, m)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateCashSession(_ context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if strings.TrimSpace(session.EstablishmentID) == "" || strings.TrimSpace(session.UserID) == "" {
		return nil, store.ErrInvalid
	}
	if session.OpeningFloatCents < 0 {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionMapKey(session.EstablishmentID, session.UserID)
	if _, exists := s.openSessionKey[key]; exists {
		return nil, store.ErrConflict
	}
	if session.ID == "" {
		session.ID = xid.New("session")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.ClosedAt = nil
	session.CountedCashCents = nil
	session.ExpectedCashCents = nil
	session.VarianceCents = nil

	s.sessionsByID[session.ID] = session
	s.openSessionKey[key] = session.ID
	saved := session
	return &saved, nil
}

func (s *Store) GetCashSession(_ context.Context, establishmentID string, id string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[id]
	if !ok || session.EstablishmentID != establishmentID {
		return nil, store.ErrNotFound
	}
	return &session, nil
}

func (s *Store) GetOpenCashSession(_ context.Context, establishmentID string, userID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.openSessionKey[sessionMapKey(establishmentID, userID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	session, ok := s.sessionsByID[id]
	if !ok || !session.IsOpen() {
		return nil, store.ErrNotFound
	}
	return &session, nil
}

func (s *Store) GetSessionTotals(_ context.Context, sessionID string) (domain.SessionTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionTotalsLocked(sessionID), nil
}

func (s *Store) sessionTotalsLocked(sessionID string) domain.SessionTotals {
	var totals domain.SessionTotals
	for _, sale := range s.salesByID {
		if sale.CashSessionID != sessionID || sale.Status == domain.SaleStatusCancelled {
			continue
		}
		totals.SalesCount++
		totals.TotalSalesCents += sale.TotalCents
		for _, p := range sale.Payments {
			pricing.Accumulate(&totals, p.Mode, p.AmountCents)
		}
	}
	return totals
}

func (s *Store) CloseCashSession(_ context.Context, establishmentID string, id string, countedCashCents int64, notes string, closedBy string, at time.Time) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[id]
	if !ok || session.EstablishmentID != establishmentID {
		return nil, store.ErrNotFound
	}
	if !session.IsOpen() {
		return nil, store.ErrConflict
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	totals := s.sessionTotalsLocked(id)
	expected := session.OpeningFloatCents + totals.CashCents
	variance := countedCashCents - expected
	counted := countedCashCents

	session.ClosedAt = &at
	session.ClosedBy = closedBy
	session.CountedCashCents = &counted
	session.ExpectedCashCents = &expected
	session.VarianceCents = &variance
	session.Notes = notes

	s.sessionsByID[id] = session
	delete(s.openSessionKey, sessionMapKey(session.EstablishmentID, session.UserID))
	saved := session
	return &saved, nil
}

func (s *Store) GetDailyReport(_ context.Context, establishmentID string, from time.Time, to time.Time) (domain.DailyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.DailyReport{
		EstablishmentID: establishmentID,
		ByPayment:       make([]domain.DailyReportPayment, 0, 4),
	}
	byPayment := map[string]*domain.DailyReportPayment{}

	for _, sale := range s.salesByID {
		if sale.EstablishmentID != establishmentID {
			continue
		}
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		if sale.Status == domain.SaleStatusCancelled {
			report.Cancelled++
			continue
		}
		if sale.Status != domain.SaleStatusPaid {
			continue
		}

		report.Sales++
		report.SubtotalCents += sale.SubtotalCents
		report.VatCents += sale.VatCents
		report.DiscountCents += sale.DiscountCents
		report.TotalCents += sale.TotalCents

		for _, p := range sale.Payments {
			entry := byPayment[p.Mode]
			if entry == nil {
				entry = &domain.DailyReportPayment{Mode: p.Mode}
				byPayment[p.Mode] = entry
			}
			entry.Payments++
			entry.AmountCents += p.AmountCents
		}
	}

	for _, entry := range byPayment {
		report.ByPayment = append(report.ByPayment, *entry)
	}
	slices.SortFunc(report.ByPayment, func(a, b domain.DailyReportPayment) int {
		return strings.Compare(a.Mode, b.Mode)
	})
	return report, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, establishmentID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if establishmentID != "" && entry.EstablishmentID != establishmentID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortStableFunc(result, func(a, b domain.AuditLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func idemMapKey(establishmentID string, key string) string {
	return establishmentID + "|" + key
}

func sessionMapKey(establishmentID string, userID string) string {
	return establishmentID + "|" + userID
}

func cloneProduct(src domain.Product) domain.Product {
	dst := src
	if src.Stock != nil {
		v := *src.Stock
		dst.Stock = &v
	}
	return dst
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Lines = append([]domain.SaleLine(nil), src.Lines...)
	dst.Payments = append([]domain.Payment(nil), src.Payments...)
	if src.CancelledAt != nil {
		at := *src.CancelledAt
		dst.CancelledAt = &at
	}
	return &dst
}
