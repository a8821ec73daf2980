// Package idempotency records processed inbound messages so redeliveries
// short-circuit to the stored result.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
)

// Repository persists ledger rows.
type Repository interface {
	ClaimIdempotencyKey(ctx context.Context, key domain.IdempotencyKey, now time.Time) (bool, *domain.IdempotencyRecord, error)
	CompleteIdempotencyKey(ctx context.Context, key domain.IdempotencyKey, result *domain.Reply, now time.Time) error
	ReleaseIdempotencyKey(ctx context.Context, key domain.IdempotencyKey) error
	GetIdempotencyRecord(ctx context.Context, key domain.IdempotencyKey) (*domain.IdempotencyRecord, error)
	PurgeIdempotency(ctx context.Context, cutoff time.Time) (int64, error)
}

// Outcome says what Begin decided for a delivery.
type Outcome int

const (
	// Claimed means this caller owns the key and must Record or Release it.
	Claimed Outcome = iota
	// Replay means the key was already processed; Claim.Cached holds the result.
	Replay
	// InFlight means another caller is processing the key right now.
	InFlight
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case Replay:
		return "replay"
	case InFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Claim is the result of Begin.
type Claim struct {
	Key     domain.IdempotencyKey
	Outcome Outcome
	Cached  *domain.Reply
}

// Ledger is the Idempotency Ledger.
type Ledger struct {
	repo       Repository
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a ledger. A pending claim older than staleAfter is assumed to
// belong to a crashed worker and may be taken over.
func New(repo Repository, staleAfter time.Duration, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{repo: repo, staleAfter: staleAfter, logger: logger, now: time.Now}
}

func validateKey(key domain.IdempotencyKey) error {
	if key.UserID == "" || key.MessageID == "" {
		return apperr.NewValidationFailure("idempotency key needs user id and message id")
	}
	return nil
}

// Check returns the cached result of a processed key.
func (l *Ledger) Check(ctx context.Context, key domain.IdempotencyKey) (*domain.Reply, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	rec, err := l.repo.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("check idempotency key: %w", err)
	}
	if rec == nil || rec.Status != domain.IdempotencyCompleted {
		return nil, false, nil
	}
	return rec.Result, true, nil
}

// Begin claims key for processing, or reports that it was already processed
// or is being processed.
func (l *Ledger) Begin(ctx context.Context, key domain.IdempotencyKey) (Claim, error) {
	if err := validateKey(key); err != nil {
		return Claim{}, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		now := l.now()
		claimed, existing, err := l.repo.ClaimIdempotencyKey(ctx, key, now)
		if err != nil {
			if apperr.Is(err, apperr.KindStateConflict) && attempt == 0 {
				continue
			}
			return Claim{}, fmt.Errorf("claim idempotency key: %w", err)
		}
		if claimed {
			return Claim{Key: key, Outcome: Claimed}, nil
		}

		switch existing.Status {
		case domain.IdempotencyCompleted:
			return Claim{Key: key, Outcome: Replay, Cached: existing.Result}, nil
		default:
			if l.staleAfter > 0 && now.Sub(existing.ClaimedAt) > l.staleAfter && attempt == 0 {
				l.logger.Warn("taking over stale idempotency claim",
					"key", key.String(), "claimed_at", existing.ClaimedAt)
				if err := l.repo.ReleaseIdempotencyKey(ctx, key); err != nil {
					return Claim{}, fmt.Errorf("release stale claim: %w", err)
				}
				continue
			}
			return Claim{Key: key, Outcome: InFlight}, nil
		}
	}
	return Claim{Key: key, Outcome: InFlight}, nil
}

// Record stores the result of a claimed key. result may be nil when the
// message produced no reply.
func (l *Ledger) Record(ctx context.Context, key domain.IdempotencyKey, result *domain.Reply) error {
	if err := l.repo.CompleteIdempotencyKey(ctx, key, result, l.now()); err != nil {
		return fmt.Errorf("record idempotency key: %w", err)
	}
	return nil
}

// Release drops a claim after a failure so a redelivery can run again.
func (l *Ledger) Release(ctx context.Context, key domain.IdempotencyKey) error {
	if err := l.repo.ReleaseIdempotencyKey(ctx, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Purge removes rows older than retention.
func (l *Ledger) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := l.repo.PurgeIdempotency(ctx, l.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency ledger: %w", err)
	}
	return n, nil
}
