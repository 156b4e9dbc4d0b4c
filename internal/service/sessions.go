package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mitrapos/backend/internal/domain"
	"mitrapos/backend/internal/store"
)

func (s *Service) OpenSession(ctx context.Context, req domain.SessionOpenRequest) (domain.CashSession, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.CashSession{}, fmt.Errorf("%w: authenticated cashier required", store.ErrInvalidRequest)
	}
	if req.OpeningCash.IsNegative() {
		return domain.CashSession{}, fmt.Errorf("%w: opening cash cannot be negative", store.ErrInvalidRequest)
	}

	session, err := s.repo.OpenSession(ctx, domain.CashSession{
		Cashier:      actor.Username,
		RegisterCode: strings.TrimSpace(req.RegisterCode),
		OpeningCash:  req.OpeningCash,
		OpenedAt:     time.Now().UTC(),
	})
	if err != nil {
		return domain.CashSession{}, err
	}

	s.logAudit(ctx, "session_open", "cash_session", session.ID, fmt.Sprintf("opening_cash=%s", session.OpeningCash.String()))
	return *session, nil
}

func (s *Service) ActiveSession(ctx context.Context) (domain.CashSession, error) {
	session, err := s.openSessionFor(ctx)
	if err != nil {
		return domain.CashSession{}, err
	}
	return *session, nil
}

// CloseSession reconciles and closes the caller's open session. Expected
// cash is recomputed from the session's settled cash payments and movements;
// the returned difference is actual minus expected.
func (s *Service) CloseSession(ctx context.Context, req domain.SessionCloseRequest) (domain.CashSession, error) {
	session, err := s.openSessionFor(ctx)
	if err != nil {
		return domain.CashSession{}, err
	}
	if req.ActualCash.IsNegative() {
		return domain.CashSession{}, fmt.Errorf("%w: actual cash cannot be negative", store.ErrInvalidRequest)
	}

	closed, err := s.repo.CloseSession(ctx, session.ID, req.ActualCash, time.Now().UTC())
	if err != nil {
		return domain.CashSession{}, err
	}

	s.logAudit(ctx, "session_close", "cash_session", closed.ID,
		fmt.Sprintf("expected=%s,actual=%s,difference=%s", closed.ExpectedCash.String(), req.ActualCash.String(), closed.Difference.String()))
	return *closed, nil
}

func (s *Service) SuspendSession(ctx context.Context) (domain.CashSession, error) {
	session, err := s.openSessionFor(ctx)
	if err != nil {
		return domain.CashSession{}, err
	}
	suspended, err := s.repo.SetSessionStatus(ctx, session.ID, domain.SessionOpen, domain.SessionSuspended)
	if err != nil {
		return domain.CashSession{}, err
	}

	s.logAudit(ctx, "session_suspend", "cash_session", suspended.ID, "")
	return *suspended, nil
}

func (s *Service) ResumeSession(ctx context.Context, sessionID string) (domain.CashSession, error) {
	if sessionID == "" {
		return domain.CashSession{}, fmt.Errorf("%w: session id is required", store.ErrInvalidRequest)
	}
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.CashSession{}, fmt.Errorf("%w: authenticated cashier required", store.ErrInvalidRequest)
	}

	existing, err := s.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return domain.CashSession{}, err
	}
	if existing.Cashier != actor.Username && actor.Role != "admin" {
		return domain.CashSession{}, fmt.Errorf("%w: session belongs to another cashier", store.ErrInvalidRequest)
	}

	resumed, err := s.repo.SetSessionStatus(ctx, sessionID, domain.SessionSuspended, domain.SessionOpen)
	if err != nil {
		return domain.CashSession{}, err
	}

	s.logAudit(ctx, "session_resume", "cash_session", resumed.ID, "")
	return *resumed, nil
}

func (s *Service) AddCashMovement(ctx context.Context, req domain.CashMovementRequest) (domain.CashMovement, error) {
	session, err := s.openSessionFor(ctx)
	if err != nil {
		return domain.CashMovement{}, err
	}

	if req.Type != domain.CashIn && req.Type != domain.CashOut {
		return domain.CashMovement{}, fmt.Errorf("%w: movement type must be cash_in or cash_out", store.ErrInvalidRequest)
	}
	switch req.Reason {
	case domain.CashReasonCollection, domain.CashReasonChange, domain.CashReasonFloat,
		domain.CashReasonExpense, domain.CashReasonCorrection, domain.CashReasonOther:
	default:
		return domain.CashMovement{}, fmt.Errorf("%w: unknown movement reason %q", store.ErrInvalidRequest, req.Reason)
	}
	if !req.Amount.IsPositive() {
		return domain.CashMovement{}, fmt.Errorf("%w: movement amount must be positive", store.ErrInvalidRequest)
	}

	actor, _ := ActorFromContext(ctx)
	movement, err := s.repo.AddCashMovement(ctx, domain.CashMovement{
		SessionID: session.ID,
		Type:      req.Type,
		Reason:    req.Reason,
		Amount:    req.Amount,
		Notes:     strings.TrimSpace(req.Notes),
		CreatedBy: actor.Username,
	})
	if err != nil {
		return domain.CashMovement{}, err
	}

	s.logAudit(ctx, "cash_movement", "cash_session", session.ID, fmt.Sprintf("type=%s,reason=%s,amount=%s", req.Type, req.Reason, req.Amount.String()))
	return *movement, nil
}

func (s *Service) SessionReport(ctx context.Context, sessionID string) (domain.SessionReport, error) {
	if sessionID == "" {
		return domain.SessionReport{}, fmt.Errorf("%w: session id is required", store.ErrInvalidRequest)
	}
	report, err := s.repo.SessionReport(ctx, sessionID)
	if err != nil {
		return domain.SessionReport{}, err
	}
	return *report, nil
}
