package store

import (
	"context"
	"errors"
	"time"

	"orema/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalid           = errors.New("invalid request")
	ErrConflict          = errors.New("state conflict")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// SaleOptions tunes how a draft is materialized.
type SaleOptions struct {
	AllowNegativeStock bool
}

type Repository interface {
	GetProductsByIDs(ctx context.Context, establishmentID string, ids []string) (map[string]domain.Product, error)

	FindIdempotency(ctx context.Context, establishmentID string, key string, now time.Time) (*domain.IdempotencyRecord, error)
	DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)

	// CreateSale commits the idempotency record, allocates the ticket number,
	// writes the sale with its lines and payments, and applies stock, all or nothing.
	CreateSale(ctx context.Context, draft domain.SaleDraft, opts SaleOptions) (*domain.SaleCommit, error)
	FindSaleByID(ctx context.Context, establishmentID string, id string) (*domain.Sale, error)
	CancelSale(ctx context.Context, establishmentID string, id string, reason string, at time.Time) (*domain.Sale, []domain.StockMovement, error)
	GetTicketCounter(ctx context.Context, establishmentID string) (*domain.TicketCounter, error)

	ListStockMovements(ctx context.Context, establishmentID string, productID string, limit int) ([]domain.StockMovement, error)

	CreateCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	GetCashSession(ctx context.Context, establishmentID string, id string) (*domain.CashSession, error)
	GetOpenCashSession(ctx context.Context, establishmentID string, userID string) (*domain.CashSession, error)
	GetSessionTotals(ctx context.Context, sessionID string) (domain.SessionTotals, error)
	// CloseCashSession locks the session, recomputes its cash total and stores
	// the counted amount, expected cash and variance.
	CloseCashSession(ctx context.Context, establishmentID string, id string, countedCashCents int64, notes string, closedBy string, at time.Time) (*domain.CashSession, error)

	GetDailyReport(ctx context.Context, establishmentID string, from time.Time, to time.Time) (domain.DailyReport, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, establishmentID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
}
