package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"orema/backend/internal/domain"
	"orema/backend/internal/pricing"
	"orema/backend/internal/store"
	"orema/backend/internal/ticket"
	"orema/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureEstablishment creates the establishment row if it does not exist yet.
func (s *Store) EnsureEstablishment(ctx context.Context, id string, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO establishments (id, name, created_at)
		VALUES ($1,$2,now())
		ON CONFLICT (id) DO NOTHING
	`, id, name)
	return err
}

// EnsureUser inserts a bootstrap account. An existing username is left untouched.
func (s *Store) EnsureUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" || user.EstablishmentID == "" {
		return store.ErrInvalid
	}
	if user.ID == "" {
		user.ID = xid.New("user")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (id, username, password, role, establishment_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,true,now(),now())
		ON CONFLICT (username) DO NOTHING
	`, user.ID, user.Username, user.Password, user.Role, user.EstablishmentID)
	return err
}

func (s *Store) GetProductsByIDs(ctx context.Context, establishmentID string, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	unique := uniqueStrings(ids)
	if len(unique) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, establishment_id, name, price_cents, vat_class, track_stock, stock_quantity, active
		FROM products
		WHERE establishment_id = $1 AND id = ANY($2)
	`, establishmentID, unique)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		var stock sql.NullInt64
		if err := rows.Scan(&p.ID, &p.EstablishmentID, &p.Name, &p.PriceCents, &p.VatClass, &p.TrackStock, &stock, &p.Active); err != nil {
			return nil, err
		}
		if stock.Valid {
			v := int(stock.Int64)
			p.Stock = &v
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) FindIdempotency(ctx context.Context, establishmentID string, key string, now time.Time) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT establishment_id, idempotency_key, sale_id, ticket_number, created_at, expires_at
		FROM idempotency_keys
		WHERE establishment_id = $1 AND idempotency_key = $2 AND expires_at > $3
	`, establishmentID, key, now).Scan(&rec.EstablishmentID, &rec.Key, &rec.SaleID, &rec.TicketNumber, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return &rec, nil
}

func (s *Store) DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateSale runs the whole sync in one READ COMMITTED transaction. Lock order is
// idempotency key, cash session, ticket counter, then products sorted by id.
func (s *Store) CreateSale(ctx context.Context, draft domain.SaleDraft, opts store.SaleOptions) (*domain.SaleCommit, error) {
	sale := draft.Sale
	if draft.IdempotencyKey == "" || sale.EstablishmentID == "" || len(sale.Lines) == 0 || draft.BusinessDate == "" {
		return nil, store.ErrInvalid
	}
	if sale.ID == "" {
		sale.ID = xid.New("vente")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	now := sale.CreatedAt

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE establishment_id = $1 AND idempotency_key = $2 AND expires_at <= $3
	`, sale.EstablishmentID, draft.IdempotencyKey, now)
	if err != nil {
		return nil, err
	}

	var claimed string
	err = pgTx.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (establishment_id, idempotency_key, sale_id, ticket_number, created_at, expires_at)
		VALUES ($1,$2,$3,'',$4,$5)
		ON CONFLICT (establishment_id, idempotency_key) DO NOTHING
		RETURNING idempotency_key
	`, sale.EstablishmentID, draft.IdempotencyKey, sale.ID, now, draft.ExpiresAt).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		_ = pgTx.Rollback()
		return s.replay(ctx, sale.EstablishmentID, draft.IdempotencyKey, now)
	}
	if err != nil {
		return nil, err
	}

	if sale.CashSessionID != "" {
		var closedAt sql.NullTime
		err = pgTx.QueryRowContext(ctx, `
			SELECT closed_at
			FROM cash_sessions
			WHERE id = $1 AND establishment_id = $2
			FOR SHARE
		`, sale.CashSessionID, sale.EstablishmentID).Scan(&closedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		if closedAt.Valid {
			return nil, store.ErrConflict
		}
	}

	var activeCount int
	productIDs := uniqueLineProducts(sale.Lines)
	err = pgTx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM products
		WHERE establishment_id = $1 AND id = ANY($2) AND active = true
	`, sale.EstablishmentID, productIDs).Scan(&activeCount)
	if err != nil {
		return nil, err
	}
	if activeCount != len(productIDs) {
		return nil, store.ErrNotFound
	}

	// The stored date never moves backwards; a late draft is numbered on the stored day.
	var (
		seq     int
		seqDate string
	)
	err = pgTx.QueryRowContext(ctx, `
		INSERT INTO ticket_counters (establishment_id, last_sequence, last_sequence_date)
		VALUES ($1, 1, $2)
		ON CONFLICT (establishment_id) DO UPDATE SET
			last_sequence = CASE
				WHEN ticket_counters.last_sequence_date >= EXCLUDED.last_sequence_date
				THEN ticket_counters.last_sequence + 1
				ELSE 1
			END,
			last_sequence_date = GREATEST(ticket_counters.last_sequence_date, EXCLUDED.last_sequence_date)
		RETURNING last_sequence, last_sequence_date
	`, sale.EstablishmentID, draft.BusinessDate).Scan(&seq, &seqDate)
	if err != nil {
		return nil, err
	}
	sale.TicketNumber = ticket.Format(seqDate, seq)
	sale.Status = domain.SaleStatusPaid

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, ticket_number, establishment_id, status, sale_type,
			subtotal_cents, vat_cents, discount_cents, total_cents,
			table_id, client_id, cash_session_id, delivery_address, delivery_notes,
			created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, sale.ID, sale.TicketNumber, sale.EstablishmentID, sale.Status, sale.Type,
		sale.SubtotalCents, sale.VatCents, sale.DiscountCents, sale.TotalCents,
		nullIfEmpty(sale.TableID), nullIfEmpty(sale.ClientID), nullIfEmpty(sale.CashSessionID),
		nullIfEmpty(sale.DeliveryAddress), nullIfEmpty(sale.DeliveryNotes),
		sale.CreatedBy, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	for i, line := range sale.Lines {
		if line.ID == "" {
			line.ID = xid.New("ligne")
			sale.Lines[i].ID = line.ID
		}
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_lines (
				id, sale_id, position, product_id, product_name, quantity, unit_price_cents,
				vat_class, vat_rate_percent, subtotal_cents, vat_cents, total_cents, notes
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, line.ID, sale.ID, i, line.ProductID, line.ProductName, line.Quantity, line.UnitPriceCents,
			line.VatClass, line.VatRatePercent, line.SubtotalCents, line.VatCents, line.TotalCents, nullIfEmpty(line.Notes))
		if err != nil {
			return nil, err
		}
	}

	for i, p := range sale.Payments {
		if p.ID == "" {
			p.ID = xid.New("paiement")
			sale.Payments[i].ID = p.ID
		}
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_payments (id, sale_id, position, mode, amount_cents, reference, received_cents, change_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, p.ID, sale.ID, i, p.Mode, p.AmountCents, nullIfEmpty(p.Reference), p.ReceivedCents, p.ChangeCents)
		if err != nil {
			return nil, err
		}
	}

	movements := make([]domain.StockMovement, 0, len(sale.Lines))
	for _, idx := range linesByProduct(sale.Lines) {
		line := sale.Lines[idx]
		var after int
		err := pgTx.QueryRowContext(ctx, `
			UPDATE products
			SET stock_quantity = stock_quantity - $1, updated_at = now()
			WHERE id = $2 AND establishment_id = $3 AND track_stock = true AND stock_quantity IS NOT NULL
			RETURNING stock_quantity
		`, line.Quantity, line.ProductID, sale.EstablishmentID).Scan(&after)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if after < 0 && !opts.AllowNegativeStock {
			return nil, store.ErrInsufficientStock
		}

		movement := domain.StockMovement{
			ID:              xid.New("mvt"),
			ProductID:       line.ProductID,
			EstablishmentID: sale.EstablishmentID,
			Type:            domain.StockMovementOut,
			Quantity:        line.Quantity,
			QuantityBefore:  after + line.Quantity,
			QuantityAfter:   after,
			Motif:           "Vente " + sale.TicketNumber,
			Reference:       sale.TicketNumber,
			CreatedAt:       now,
		}
		if err := insertMovement(ctx, pgTx, movement); err != nil {
			return nil, err
		}
		movements = append(movements, movement)
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET ticket_number = $3
		WHERE establishment_id = $1 AND idempotency_key = $2
	`, sale.EstablishmentID, draft.IdempotencyKey, sale.TicketNumber)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return &domain.SaleCommit{Sale: &sale, Movements: movements}, nil
}

func (s *Store) replay(ctx context.Context, establishmentID string, key string, now time.Time) (*domain.SaleCommit, error) {
	rec, err := s.FindIdempotency(ctx, establishmentID, key, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	sale, err := s.FindSaleByID(ctx, establishmentID, rec.SaleID)
	if err != nil {
		return nil, err
	}
	return &domain.SaleCommit{Sale: sale, Replayed: true}, nil
}

func (s *Store) FindSaleByID(ctx context.Context, establishmentID string, id string) (*domain.Sale, error) {
	var sale domain.Sale
	var tableID, clientID, sessionID, address, notes, cancelReason sql.NullString
	var cancelledAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, ticket_number, establishment_id, status, sale_type,
			subtotal_cents, vat_cents, discount_cents, total_cents,
			table_id, client_id, cash_session_id, delivery_address, delivery_notes,
			created_by, cancel_reason, cancelled_at, created_at
		FROM sales
		WHERE id = $1 AND establishment_id = $2
	`, id, establishmentID).Scan(
		&sale.ID, &sale.TicketNumber, &sale.EstablishmentID, &sale.Status, &sale.Type,
		&sale.SubtotalCents, &sale.VatCents, &sale.DiscountCents, &sale.TotalCents,
		&tableID, &clientID, &sessionID, &address, &notes,
		&sale.CreatedBy, &cancelReason, &cancelledAt, &sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.TableID = tableID.String
	sale.ClientID = clientID.String
	sale.CashSessionID = sessionID.String
	sale.DeliveryAddress = address.String
	sale.DeliveryNotes = notes.String
	sale.CancelReason = cancelReason.String
	sale.CreatedAt = sale.CreatedAt.UTC()
	if cancelledAt.Valid {
		at := cancelledAt.Time.UTC()
		sale.CancelledAt = &at
	}

	lineRows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, product_name, quantity, unit_price_cents, vat_class,
			vat_rate_percent, subtotal_cents, vat_cents, total_cents, notes
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, err
	}
	sale.Lines = make([]domain.SaleLine, 0, 8)
	for lineRows.Next() {
		var line domain.SaleLine
		var lineNotes sql.NullString
		if err := lineRows.Scan(&line.ID, &line.ProductID, &line.ProductName, &line.Quantity, &line.UnitPriceCents,
			&line.VatClass, &line.VatRatePercent, &line.SubtotalCents, &line.VatCents, &line.TotalCents, &lineNotes); err != nil {
			_ = lineRows.Close()
			return nil, err
		}
		line.Notes = lineNotes.String
		sale.Lines = append(sale.Lines, line)
	}
	if err := lineRows.Err(); err != nil {
		_ = lineRows.Close()
		return nil, err
	}
	_ = lineRows.Close()

	paymentRows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, amount_cents, reference, received_cents, change_cents
		FROM sale_payments
		WHERE sale_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, err
	}
	sale.Payments = make([]domain.Payment, 0, 2)
	for paymentRows.Next() {
		var p domain.Payment
		var reference sql.NullString
		if err := paymentRows.Scan(&p.ID, &p.Mode, &p.AmountCents, &reference, &p.ReceivedCents, &p.ChangeCents); err != nil {
			_ = paymentRows.Close()
			return nil, err
		}
		p.Reference = reference.String
		sale.Payments = append(sale.Payments, p)
	}
	if err := paymentRows.Err(); err != nil {
		_ = paymentRows.Close()
		return nil, err
	}
	_ = paymentRows.Close()

	return &sale, nil
}

func (s *Store) CancelSale(ctx context.Context, establishmentID string, id string, reason string, at time.Time) (*domain.Sale, []domain.StockMovement, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status, ticketNumber string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status, ticket_number
		FROM sales
		WHERE id = $1 AND establishment_id = $2
		FOR UPDATE
	`, id, establishmentID).Scan(&status, &ticketNumber)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}
	if status != domain.SaleStatusPaid {
		return nil, nil, store.ErrConflict
	}

	lineRows, err := pgTx.QueryContext(ctx, `
		SELECT product_id, quantity
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, nil, err
	}
	lines := make([]domain.SaleLine, 0, 8)
	for lineRows.Next() {
		var line domain.SaleLine
		if err := lineRows.Scan(&line.ProductID, &line.Quantity); err != nil {
			_ = lineRows.Close()
			return nil, nil, err
		}
		lines = append(lines, line)
	}
	if err := lineRows.Err(); err != nil {
		_ = lineRows.Close()
		return nil, nil, err
	}
	_ = lineRows.Close()

	movements := make([]domain.StockMovement, 0, len(lines))
	for _, idx := range linesByProduct(lines) {
		line := lines[idx]
		var after int
		err := pgTx.QueryRowContext(ctx, `
			UPDATE products
			SET stock_quantity = stock_quantity + $1, updated_at = now()
			WHERE id = $2 AND establishment_id = $3 AND track_stock = true AND stock_quantity IS NOT NULL
			RETURNING stock_quantity
		`, line.Quantity, line.ProductID, establishmentID).Scan(&after)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		movement := domain.StockMovement{
			ID:              xid.New("mvt"),
			ProductID:       line.ProductID,
			EstablishmentID: establishmentID,
			Type:            domain.StockMovementIn,
			Quantity:        line.Quantity,
			QuantityBefore:  after - line.Quantity,
			QuantityAfter:   after,
			Motif:           "Annulation vente " + ticketNumber,
			Reference:       ticketNumber,
			CreatedAt:       at,
		}
		if err := insertMovement(ctx, pgTx, movement); err != nil {
			return nil, nil, err
		}
		movements = append(movements, movement)
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE sales
		SET status = $3, cancel_reason = $4, cancelled_at = $5
		WHERE id = $1 AND status = $2
	`, id, domain.SaleStatusPaid, domain.SaleStatusCancelled, reason, at)
	if err != nil {
		return nil, nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, nil, err
	}

	sale, err := s.FindSaleByID(ctx, establishmentID, id)
	if err != nil {
		return nil, nil, err
	}
	return sale, movements, nil
}

func (s *Store) GetTicketCounter(ctx context.Context, establishmentID string) (*domain.TicketCounter, error) {
	var counter domain.TicketCounter
	err := s.db.QueryRowContext(ctx, `
		SELECT establishment_id, last_sequence, last_sequence_date
		FROM ticket_counters
		WHERE establishment_id = $1
	`, establishmentID).Scan(&counter.EstablishmentID, &counter.LastSequence, &counter.LastDate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &counter, nil
}

func (s *Store) ListStockMovements(ctx context.Context, establishmentID string, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, establishment_id, movement_type, quantity, quantity_before,
			quantity_after, motif, reference, created_at
		FROM stock_movements
		WHERE establishment_id = $1 AND ($2 = '' OR product_id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, establishmentID, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		var reference sql.NullString
		if err := rows.Scan(&m.ID, &m.ProductID, &m.EstablishmentID, &m.Type, &m.Quantity, &m.QuantityBefore,
			&m.QuantityAfter, &m.Motif, &reference, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Reference = reference.String
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) CreateCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if strings.TrimSpace(session.EstablishmentID) == "" || strings.TrimSpace(session.UserID) == "" {
		return nil, store.ErrInvalid
	}
	if session.OpeningFloatCents < 0 {
		return nil, store.ErrInvalid
	}
	if session.ID == "" {
		session.ID = xid.New("session")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.ClosedAt = nil

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_sessions (id, establishment_id, user_id, opening_float_cents, opened_at)
		VALUES ($1,$2,$3,$4,$5)
	`, session.ID, session.EstablishmentID, session.UserID, session.OpeningFloatCents, session.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	saved := session
	return &saved, nil
}

const cashSessionColumns = `id, establishment_id, user_id, opening_float_cents, opened_at, closed_at,
	closed_by, counted_cash_cents, expected_cash_cents, variance_cents, notes`

func scanCashSession(row *sql.Row) (*domain.CashSession, error) {
	var session domain.CashSession
	var closedAt sql.NullTime
	var closedBy, notes sql.NullString
	var counted, expected, variance sql.NullInt64
	err := row.Scan(&session.ID, &session.EstablishmentID, &session.UserID, &session.OpeningFloatCents,
		&session.OpenedAt, &closedAt, &closedBy, &counted, &expected, &variance, &notes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.OpenedAt = session.OpenedAt.UTC()
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		session.ClosedAt = &at
	}
	session.ClosedBy = closedBy.String
	session.Notes = notes.String
	session.CountedCashCents = nullInt64Ptr(counted)
	session.ExpectedCashCents = nullInt64Ptr(expected)
	session.VarianceCents = nullInt64Ptr(variance)
	return &session, nil
}

func (s *Store) GetCashSession(ctx context.Context, establishmentID string, id string) (*domain.CashSession, error) {
	return scanCashSession(s.db.QueryRowContext(ctx, `
		SELECT `+cashSessionColumns+`
		FROM cash_sessions
		WHERE id = $1 AND establishment_id = $2
	`, id, establishmentID))
}

func (s *Store) GetOpenCashSession(ctx context.Context, establishmentID string, userID string) (*domain.CashSession, error) {
	return scanCashSession(s.db.QueryRowContext(ctx, `
		SELECT `+cashSessionColumns+`
		FROM cash_sessions
		WHERE establishment_id = $1 AND user_id = $2 AND closed_at IS NULL
		ORDER BY opened_at DESC
		LIMIT 1
	`, establishmentID, userID))
}

func (s *Store) GetSessionTotals(ctx context.Context, sessionID string) (domain.SessionTotals, error) {
	return sessionTotals(ctx, s.db, sessionID)
}

func sessionTotals(ctx context.Context, q queryer, sessionID string) (domain.SessionTotals, error) {
	var totals domain.SessionTotals
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*)::bigint, COALESCE(SUM(total_cents),0)::bigint
		FROM sales
		WHERE cash_session_id = $1 AND status <> $2
	`, sessionID, domain.SaleStatusCancelled).Scan(&totals.SalesCount, &totals.TotalSalesCents)
	if err != nil {
		return totals, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT p.mode, COALESCE(SUM(p.amount_cents),0)::bigint
		FROM sale_payments p
		JOIN sales s ON s.id = p.sale_id
		WHERE s.cash_session_id = $1 AND s.status <> $2
		GROUP BY p.mode
	`, sessionID, domain.SaleStatusCancelled)
	if err != nil {
		return totals, err
	}
	defer rows.Close()

	for rows.Next() {
		var mode string
		var amount int64
		if err := rows.Scan(&mode, &amount); err != nil {
			return totals, err
		}
		pricing.Accumulate(&totals, mode, amount)
	}
	return totals, rows.Err()
}

func (s *Store) CloseCashSession(ctx context.Context, establishmentID string, id string, countedCashCents int64, notes string, closedBy string, at time.Time) (*domain.CashSession, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	session, err := scanCashSession(pgTx.QueryRowContext(ctx, `
		SELECT `+cashSessionColumns+`
		FROM cash_sessions
		WHERE id = $1 AND establishment_id = $2
		FOR UPDATE
	`, id, establishmentID))
	if err != nil {
		return nil, err
	}
	if !session.IsOpen() {
		return nil, store.ErrConflict
	}

	totals, err := sessionTotals(ctx, pgTx, id)
	if err != nil {
		return nil, err
	}
	expected := session.OpeningFloatCents + totals.CashCents
	variance := countedCashCents - expected

	_, err = pgTx.ExecContext(ctx, `
		UPDATE cash_sessions
		SET closed_at = $2, closed_by = $3, counted_cash_cents = $4,
			expected_cash_cents = $5, variance_cents = $6, notes = $7
		WHERE id = $1 AND closed_at IS NULL
	`, id, at, closedBy, countedCashCents, expected, variance, nullIfEmpty(notes))
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	closedAt := at.UTC()
	session.ClosedAt = &closedAt
	session.ClosedBy = closedBy
	session.CountedCashCents = &countedCashCents
	session.ExpectedCashCents = &expected
	session.VarianceCents = &variance
	session.Notes = notes
	return session, nil
}

func (s *Store) GetDailyReport(ctx context.Context, establishmentID string, from time.Time, to time.Time) (domain.DailyReport, error) {
	report := domain.DailyReport{
		EstablishmentID: establishmentID,
		ByPayment:       make([]domain.DailyReportPayment, 0, 4),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = $4)::bigint,
			COUNT(*) FILTER (WHERE status = $5)::bigint,
			COALESCE(SUM(subtotal_cents) FILTER (WHERE status = $4),0)::bigint,
			COALESCE(SUM(vat_cents) FILTER (WHERE status = $4),0)::bigint,
			COALESCE(SUM(discount_cents) FILTER (WHERE status = $4),0)::bigint,
			COALESCE(SUM(total_cents) FILTER (WHERE status = $4),0)::bigint
		FROM sales
		WHERE establishment_id = $1
			AND created_at >= $2
			AND created_at < $3
	`, establishmentID, from, to, domain.SaleStatusPaid, domain.SaleStatusCancelled).Scan(
		&report.Sales,
		&report.Cancelled,
		&report.SubtotalCents,
		&report.VatCents,
		&report.DiscountCents,
		&report.TotalCents,
	)
	if err != nil {
		return report, err
	}

	paymentRows, err := s.db.QueryContext(ctx, `
		SELECT p.mode, COUNT(*)::bigint, COALESCE(SUM(p.amount_cents),0)::bigint
		FROM sale_payments p
		JOIN sales s ON s.id = p.sale_id
		WHERE s.establishment_id = $1
			AND s.created_at >= $2
			AND s.created_at < $3
			AND s.status = $4
		GROUP BY p.mode
		ORDER BY p.mode
	`, establishmentID, from, to, domain.SaleStatusPaid)
	if err != nil {
		return report, err
	}
	defer paymentRows.Close()

	for paymentRows.Next() {
		var row domain.DailyReportPayment
		if err := paymentRows.Scan(&row.Mode, &row.Payments, &row.AmountCents); err != nil {
			return report, err
		}
		report.ByPayment = append(report.ByPayment, row)
	}
	return report, paymentRows.Err()
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, establishment_id, user_id, role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.EstablishmentID, entry.UserID, entry.Role, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, establishmentID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, establishment_id, user_id, role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE establishment_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, establishmentID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.EstablishmentID, &entry.UserID, &entry.Role, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password, role, establishment_id, active, created_at
		FROM app_users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(
		&user.ID, &user.Username, &user.Password, &user.Role, &user.EstablishmentID, &user.Active, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func insertMovement(ctx context.Context, tx *sql.Tx, m domain.StockMovement) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (
			id, product_id, establishment_id, movement_type, quantity, quantity_before,
			quantity_after, motif, reference, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, m.ID, m.ProductID, m.EstablishmentID, m.Type, m.Quantity, m.QuantityBefore,
		m.QuantityAfter, m.Motif, nullIfEmpty(m.Reference), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert stock movement: %w", err)
	}
	return nil
}

// linesByProduct returns line indexes ordered by product id so row locks are
// always taken in the same order.
func linesByProduct(lines []domain.SaleLine) []int {
	idx := make([]int, len(lines))
	for i := range lines {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return lines[idx[a]].ProductID < lines[idx[b]].ProductID
	})
	return idx
}

func uniqueLineProducts(lines []domain.SaleLine) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return uniqueStrings(ids)
}

func uniqueStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullInt64Ptr(val sql.NullInt64) *int64 {
	if !val.Valid {
		return nil
	}
	v := val.Int64
	return &v
}
