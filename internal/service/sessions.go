package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"orema/backend/internal/domain"
	"orema/backend/internal/events"
	"orema/backend/internal/metrics"
	"orema/backend/internal/store"
)

func (s *Service) OpenSession(ctx context.Context, rc domain.RequestContext, req domain.OpenSessionRequest) (domain.SessionView, error) {
	if rc.EstablishmentID == "" || rc.UserID == "" {
		return domain.SessionView{}, fmt.Errorf("%w: utilisateur inconnu", store.ErrInvalid)
	}
	if req.OpeningFloatCents < 0 {
		return domain.SessionView{}, fmt.Errorf("%w: le fond de caisse ne peut pas etre negatif", store.ErrInvalid)
	}

	if _, err := s.repo.GetOpenCashSession(ctx, rc.EstablishmentID, rc.UserID); err == nil {
		return domain.SessionView{}, fmt.Errorf("%w: une session de caisse est deja ouverte", store.ErrConflict)
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.SessionView{}, err
	}

	session, err := s.repo.CreateCashSession(ctx, domain.CashSession{
		EstablishmentID:   rc.EstablishmentID,
		UserID:            rc.UserID,
		OpeningFloatCents: req.OpeningFloatCents,
		OpenedAt:          s.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.SessionView{}, fmt.Errorf("%w: une session de caisse est deja ouverte", err)
		}
		return domain.SessionView{}, err
	}

	metrics.CashSessions.WithLabelValues("open").Inc()
	s.logAudit(ctx, rc, "session_ouverture", "session_caisse", session.ID, fmt.Sprintf("fond=%d", session.OpeningFloatCents))
	return domain.SessionView{Session: *session, Status: session.Status()}, nil
}

// CloseSession counts the drawer against the opening float plus cash taken.
// Cashiers may only close their own session.
func (s *Service) CloseSession(ctx context.Context, rc domain.RequestContext, id string, req domain.CloseSessionRequest) (domain.SessionView, error) {
	if strings.TrimSpace(id) == "" {
		return domain.SessionView{}, fmt.Errorf("%w: identifiant de session requis", store.ErrInvalid)
	}
	if req.CountedCashCents < 0 {
		return domain.SessionView{}, fmt.Errorf("%w: montant compte invalide", store.ErrInvalid)
	}

	existing, err := s.repo.GetCashSession(ctx, rc.EstablishmentID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SessionView{}, fmt.Errorf("%w: session de caisse introuvable", err)
		}
		return domain.SessionView{}, err
	}
	if existing.UserID != rc.UserID && rc.Role != domain.RoleAdmin && rc.Role != domain.RoleManager {
		return domain.SessionView{}, fmt.Errorf("%w: session d'un autre utilisateur", ErrForbidden)
	}

	session, err := s.repo.CloseCashSession(ctx, rc.EstablishmentID, id, req.CountedCashCents, strings.TrimSpace(req.Notes), rc.UserID, s.now())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return domain.SessionView{}, fmt.Errorf("%w: session de caisse introuvable", err)
		case errors.Is(err, store.ErrConflict):
			return domain.SessionView{}, fmt.Errorf("%w: session de caisse deja fermee", err)
		}
		return domain.SessionView{}, err
	}

	// The close is committed at this point; a totals failure only degrades the response.
	totals, err := s.repo.GetSessionTotals(ctx, session.ID)
	if err != nil {
		s.logger.Warn("session totals unavailable after close", "session", session.ID, "err", err)
		totals = domain.SessionTotals{}
	}

	metrics.CashSessions.WithLabelValues("close").Inc()
	s.logAudit(ctx, rc, "session_cloture", "session_caisse", session.ID, fmt.Sprintf(
		"compte=%d,attendu=%d,ecart=%d", *session.CountedCashCents, *session.ExpectedCashCents, *session.VarianceCents,
	))
	view := domain.SessionView{Session: *session, Status: session.Status(), Totals: totals}
	s.publish(ctx, events.SessionClosed, rc.EstablishmentID, view)
	return view, nil
}

// GetActiveSession returns nil when the caller has no open session.
func (s *Service) GetActiveSession(ctx context.Context, rc domain.RequestContext) (*domain.SessionView, error) {
	session, err := s.repo.GetOpenCashSession(ctx, rc.EstablishmentID, rc.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	view, err := s.sessionView(ctx, session)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

func (s *Service) GetSession(ctx context.Context, rc domain.RequestContext, id string) (domain.SessionView, error) {
	session, err := s.repo.GetCashSession(ctx, rc.EstablishmentID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SessionView{}, fmt.Errorf("%w: session de caisse introuvable", err)
		}
		return domain.SessionView{}, err
	}
	return s.sessionView(ctx, session)
}

func (s *Service) sessionView(ctx context.Context, session *domain.CashSession) (domain.SessionView, error) {
	totals, err := s.repo.GetSessionTotals(ctx, session.ID)
	if err != nil {
		return domain.SessionView{}, err
	}
	return domain.SessionView{Session: *session, Status: session.Status(), Totals: totals}, nil
}
