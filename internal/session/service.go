package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/store"
)

// Repository is the persistence the session service needs.
type Repository interface {
	GetOrCreateSession(ctx context.Context, userID string, now time.Time, same store.SessionDecider) (*domain.Session, bool, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	EndSession(ctx context.Context, sessionID string, status domain.SessionStatus, reason, summary string, at time.Time) (bool, error)
	EnsureFSMContext(ctx context.Context, userID, sessionID string, now time.Time) (*domain.FSMContext, error)
	UpdateFSMContextData(ctx context.Context, c *domain.FSMContext) error
}

// Recorder receives session resolution outcomes.
type Recorder interface {
	SessionCreated()
	SessionReused()
	ContextLoss()
}

// Service is the Session Store: race-safe get-or-create and idempotent end.
type Service struct {
	repo    Repository
	policy  Policy
	metrics Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a session service.
func NewService(repo Repository, policy Policy, metrics Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, policy: policy, metrics: metrics, logger: logger, now: time.Now}
}

// Policy returns the boundary policy in use.
func (s *Service) Policy() Policy {
	return s.policy
}

// IsWithinSameSession applies the boundary policy.
func (s *Service) IsWithinSameSession(last, now time.Time) bool {
	return s.policy.IsWithinSameSession(last, now)
}

// GetOrCreate returns the user's active session, opening a new one when the
// boundary policy says the previous one no longer applies. The decision is
// made inside the store's transaction.
func (s *Service) GetOrCreate(ctx context.Context, userID string) (*domain.Session, bool, error) {
	if userID == "" {
		return nil, false, apperr.NewValidationFailure("user id is required")
	}
	sess, created, err := s.repo.GetOrCreateSession(ctx, userID, s.now(), s.policy.IsWithinSameSession)
	if err != nil {
		return nil, false, fmt.Errorf("resolve session for %s: %w", userID, err)
	}
	if created {
		s.metrics.SessionCreated()
		s.logger.Info("session created", "user_id", userID, "session_id", sess.ID)
	} else {
		s.metrics.SessionReused()
	}
	return sess, created, nil
}

// End closes a session. Ending an already closed session is a no-op.
func (s *Service) End(ctx context.Context, sessionID, reason string) error {
	return s.close(ctx, sessionID, domain.SessionEnded, reason, "")
}

// Escalate closes a session as escalated with a summary for the human taking over.
func (s *Service) Escalate(ctx context.Context, sessionID, summary string) error {
	return s.close(ctx, sessionID, domain.SessionEscalated, "escalated", summary)
}

func (s *Service) close(ctx context.Context, sessionID string, status domain.SessionStatus, reason, summary string) error {
	ended, err := s.repo.EndSession(ctx, sessionID, status, reason, summary, s.now())
	if err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	if ended {
		s.logger.Info("session ended", "session_id", sessionID, "status", status, "reason", reason)
	}
	return nil
}

// BindFlowContext returns the user's FSM context attached to sess. A flow
// that was still running under a different session is carried over to sess
// and counted as a context-loss incident rather than dropped.
func (s *Service) BindFlowContext(ctx context.Context, userID string, sess *domain.Session) (*domain.FSMContext, error) {
	fc, err := s.repo.EnsureFSMContext(ctx, userID, sess.ID, s.now())
	if err != nil {
		return nil, fmt.Errorf("load flow context: %w", err)
	}
	if fc.SessionID == sess.ID {
		return fc, nil
	}

	if fc.InFlow() {
		s.metrics.ContextLoss()
		s.logger.Warn("flow outlived its session; rebinding",
			"user_id", userID,
			"flow", fc.Flow,
			"state", fc.CurrentState,
			"previous_session_id", fc.SessionID,
			"session_id", sess.ID)
	}

	fc.SessionID = sess.ID
	if err := s.repo.UpdateFSMContextData(ctx, fc); err != nil {
		if apperr.Is(err, apperr.KindStateConflict) {
			// A concurrent request moved the flow; its write carries the binding.
			return s.repo.EnsureFSMContext(ctx, userID, sess.ID, s.now())
		}
		return nil, fmt.Errorf("rebind flow context: %w", err)
	}
	return fc, nil
}
