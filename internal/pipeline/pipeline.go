// Package pipeline turns one inbound message into one reply through an
// ordered, abortable chain of stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/convlog"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/identity"
	"github.com/ashureev/fieldchat/internal/idempotency"
	"github.com/ashureev/fieldchat/internal/intent"
	"github.com/ashureev/fieldchat/internal/language"
)

// Authenticator resolves a channel sender to an active user.
type Authenticator interface {
	Authenticate(ctx context.Context, channelID string) (*domain.User, error)
}

// Sessions resolves and closes conversation sessions.
type Sessions interface {
	GetOrCreate(ctx context.Context, userID string) (*domain.Session, bool, error)
	BindFlowContext(ctx context.Context, userID string, sess *domain.Session) (*domain.FSMContext, error)
	Escalate(ctx context.Context, sessionID, summary string) error
}

// MessageLog is the append-only message log.
type MessageLog interface {
	AppendMessage(ctx context.Context, msg *domain.Message) error
	ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error)
}

// Ledger is the idempotency ledger.
type Ledger interface {
	Begin(ctx context.Context, key domain.IdempotencyKey) (idempotency.Claim, error)
	Record(ctx context.Context, key domain.IdempotencyKey, result *domain.Reply) error
	Release(ctx context.Context, key domain.IdempotencyKey) error
}

// Classifier labels a message with an intent.
type Classifier interface {
	Classify(ctx context.Context, req intent.Request) (domain.IntentClassification, error)
}

// Router answers a classified turn.
type Router interface {
	Route(ctx context.Context, turn *intent.Turn) (*intent.Decision, error)
}

// Metrics receives pipeline outcomes.
type Metrics interface {
	DuplicateReplayed()
	PipelineFailure()
}

// Journal is the conversation log, also used as the durable incident sink.
type Journal interface {
	Log(ev convlog.Event)
	Incident(inc domain.Incident) error
}

// Deps are the collaborators of the default stages.
type Deps struct {
	Auth        Authenticator
	Sessions    Sessions
	Messages    MessageLog
	Ledger      Ledger
	Detector    *language.Detector
	Transcriber language.Transcriber // nil rejects voice notes
	Translator  language.Translator
	Classifier  Classifier
	Router      Router
	Metrics     Metrics
	Journal     Journal
}

// Config bounds a pipeline run.
type Config struct {
	InternalLanguage string
	ResponseTimeout  time.Duration
	StageTimeout     time.Duration
	HistoryLimit     int
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		InternalLanguage: "en",
		ResponseTimeout:  25 * time.Second,
		StageTimeout:     10 * time.Second,
		HistoryLimit:     10,
	}
}

// Result is the outcome of Process.
type Result struct {
	// Reply is nil when nothing should be sent, i.e. for a duplicate that
	// is still being processed elsewhere.
	Reply     *domain.Reply
	UserID    string
	SessionID string
	Language  string
	Replayed  bool
	InFlight  bool
	// Err is the failure the reply reports, with its technical detail.
	Err error
	// FailedStage names the stage that produced Err.
	FailedStage string
	Tier        intent.Tier
	Stages      []string
}

// Pipeline runs the stages in order.
type Pipeline struct {
	stages []Stage
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a pipeline with the default stage chain.
func New(deps Deps, cfg Config, logger *slog.Logger) (*Pipeline, error) {
	p := newPipeline(deps, cfg, logger)
	if err := p.setStages(p.defaultStages()); err != nil {
		return nil, err
	}
	return p, nil
}

// NewWithStages creates a pipeline running stages instead of the default chain.
func NewWithStages(stages []Stage, deps Deps, cfg Config, logger *slog.Logger) (*Pipeline, error) {
	p := newPipeline(deps, cfg, logger)
	if err := p.setStages(stages); err != nil {
		return nil, err
	}
	return p, nil
}

func newPipeline(deps Deps, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.InternalLanguage == "" {
		cfg.InternalLanguage = def.InternalLanguage
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = def.StageTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if deps.Detector == nil {
		deps.Detector = language.NewDetector([]string{cfg.InternalLanguage})
	}
	if deps.Translator == nil {
		deps.Translator = language.Passthrough{}
	}
	return &Pipeline{deps: deps, cfg: cfg, logger: logger, now: time.Now}
}

func (p *Pipeline) setStages(stages []Stage) error {
	if err := ValidateOrder(stages); err != nil {
		return err
	}
	p.stages = stages
	return nil
}

// Stages lists the stage names in run order.
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.stages))
	for _, s := range p.stages {
		names = append(names, s.Name())
	}
	return names
}

// Process runs in through every stage. It never returns a bare error: a
// failure is reported through Result.Err with a localised Result.Reply.
func (p *Pipeline) Process(ctx context.Context, in Input) Result {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ResponseTimeout)
	defer cancel()

	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = p.now()
	}
	mc := newMessageContext(in)
	res := Result{}

	for _, s := range p.stages {
		res.Stages = append(res.Stages, s.Name())
		if err := p.runStage(ctx, s, mc); err != nil {
			return p.fail(ctx, mc, res, s.Name(), err)
		}
		if mc.done {
			break
		}
	}

	res = p.fill(mc, res)
	if mc.claimed {
		key := domain.IdempotencyKey{UserID: mc.User.UserID, MessageID: in.MessageID}
		// Recorded on a fresh context so a deadline hit while answering does
		// not leave the claim pending.
		recCtx, recCancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StageTimeout)
		if err := p.deps.Ledger.Record(recCtx, key, mc.Reply); err != nil {
			p.recordFailed(key, err)
		}
		recCancel()
	}
	return res
}

func (p *Pipeline) fill(mc *MessageContext, res Result) Result {
	res.Reply = mc.Reply
	res.Replayed = mc.replayed
	res.InFlight = mc.inFlight
	res.Language = mc.Language
	if mc.User != nil {
		res.UserID = mc.User.UserID
	}
	if mc.Session != nil {
		res.SessionID = mc.Session.ID
	}
	if mc.Decision != nil {
		res.Tier = mc.Decision.Tier
	}
	return res
}

func (p *Pipeline) runStage(ctx context.Context, s Stage, mc *MessageContext) (err error) {
	if missing := mc.missing(s.Needs()); len(missing) > 0 {
		return apperr.NewInternal(fmt.Errorf("stage %s ran before %v was produced", s.Name(), missing))
	}

	timeout := p.cfg.StageTimeout
	if t, ok := s.(interface{ Timeout() time.Duration }); ok && t.Timeout() > 0 {
		timeout = t.Timeout()
	}
	if mc.User != nil {
		ctx = identity.WithUserID(ctx, mc.User.UserID)
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline stage panicked", "stage", s.Name(), "panic", r, "stack", string(debug.Stack()))
			err = apperr.NewInternal(fmt.Errorf("stage %s panicked: %v", s.Name(), r))
		}
	}()

	start := p.now()
	err = s.Run(sctx, mc)
	if err != nil {
		if errors.Is(sctx.Err(), context.DeadlineExceeded) && !apperr.Is(err, apperr.KindTimeout) {
			err = apperr.NewTimeout(s.Name(), err)
		}
		return err
	}
	for _, f := range s.Produces() {
		mc.produced[f] = true
	}
	p.logger.Debug("stage completed", "stage", s.Name(), "duration_ms", p.now().Sub(start).Milliseconds())
	return nil
}

// fail converts err into the user-facing result and releases the claim so
// a redelivery can run again.
func (p *Pipeline) fail(ctx context.Context, mc *MessageContext, res Result, stageName string, err error) Result {
	if p.deps.Metrics != nil {
		p.deps.Metrics.PipelineFailure()
	}

	lang := mc.Language
	if lang == "" && mc.User != nil {
		lang = mc.User.Language
	}
	if lang == "" {
		lang = p.deps.Detector.Fallback()
	}

	attrs := []any{"stage", stageName, "kind", apperr.KindOf(err), "message_id", mc.Input.MessageID, "error", err}
	if mc.User != nil {
		attrs = append(attrs, "user_id", mc.User.UserID)
	}
	if apperr.Is(err, apperr.KindUnauthorized) || apperr.Is(err, apperr.KindValidationFailure) {
		p.logger.Warn("message rejected", attrs...)
	} else {
		p.logger.Error("message processing failed", attrs...)
	}

	if mc.claimed {
		key := domain.IdempotencyKey{UserID: mc.User.UserID, MessageID: mc.Input.MessageID}
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StageTimeout)
		if relErr := p.deps.Ledger.Release(relCtx, key); relErr != nil {
			p.logger.Error("failed to release idempotency claim", "key", key.String(), "error", relErr)
		}
		cancel()
	}

	res = p.fill(mc, res)
	res.Language = lang
	res.Err = err
	res.FailedStage = stageName
	res.Reply = &domain.Reply{Text: apperr.UserMessage(err, lang), Language: lang}

	if p.deps.Journal != nil && mc.User != nil {
		p.deps.Journal.Log(convlog.Event{
			UserID:     mc.User.UserID,
			SessionID:  res.SessionID,
			MessageID:  mc.Input.MessageID,
			Channel:    mc.Input.Channel,
			Direction:  string(domain.DirectionOutbound),
			EventType:  "error",
			ContentRaw: res.Reply.Text,
			Meta:       map[string]any{"stage": stageName, "kind": string(apperr.KindOf(err))},
		})
	}
	return res
}
