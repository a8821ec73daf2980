package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/convlog"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/idempotency"
	"github.com/ashureev/fieldchat/internal/intent"
	"github.com/oklog/ulid/v2"
)

// Stage names of the default chain.
const (
	StageAuthenticate   = "authenticate"
	StageClaim          = "claim"
	StageResolveSession = "resolve_session"
	StageDetectLanguage = "detect_language"
	StageTranscribe     = "transcribe"
	StageTranslateIn    = "translate_in"
	StageClassify       = "classify"
	StageRoute          = "route"
	StageTranslateOut   = "translate_out"
	StagePersist        = "persist"
)

func (p *Pipeline) defaultStages() []Stage {
	return []Stage{
		&stage{name: StageAuthenticate, needs: []Field{FieldInput}, produces: []Field{FieldUser}, run: p.authenticate},
		&stage{name: StageClaim, needs: []Field{FieldInput, FieldUser}, produces: []Field{FieldClaim}, run: p.claim},
		&stage{name: StageResolveSession, needs: []Field{FieldUser, FieldClaim},
			produces: []Field{FieldSession, FieldFlow, FieldHistory}, run: p.resolveSession},
		&stage{name: StageDetectLanguage, needs: []Field{FieldInput, FieldUser}, produces: []Field{FieldLanguage}, run: p.detectLanguage},
		&stage{name: StageTranscribe, needs: []Field{FieldInput, FieldLanguage}, produces: []Field{FieldSourceText}, run: p.transcribe},
		&stage{name: StageTranslateIn, needs: []Field{FieldSourceText, FieldLanguage}, produces: []Field{FieldText}, run: p.translateIn},
		&stage{name: StageClassify, needs: []Field{FieldText, FieldFlow, FieldHistory}, produces: []Field{FieldClassification}, run: p.classify},
		&stage{name: StageRoute, needs: []Field{FieldClassification, FieldSession, FieldFlow, FieldLanguage},
			produces: []Field{FieldResponse}, timeout: p.cfg.ResponseTimeout, run: p.route},
		&stage{name: StageTranslateOut, needs: []Field{FieldResponse, FieldLanguage}, produces: []Field{FieldReply}, run: p.translateOut},
		&stage{name: StagePersist, needs: []Field{FieldReply, FieldSession, FieldClassification}, run: p.persist},
	}
}

func (p *Pipeline) authenticate(ctx context.Context, mc *MessageContext) error {
	if strings.TrimSpace(mc.Input.ChannelID) == "" {
		return apperr.NewValidationFailure("sender address is required")
	}
	user, err := p.deps.Auth.Authenticate(ctx, mc.Input.ChannelID)
	if err != nil {
		return err
	}
	mc.User = user
	return nil
}

// claim takes the idempotency key of the message. A redelivery of a
// processed message is answered from the ledger; one still being processed
// gets no answer at all.
func (p *Pipeline) claim(ctx context.Context, mc *MessageContext) error {
	key := domain.IdempotencyKey{UserID: mc.User.UserID, MessageID: mc.Input.MessageID}
	c, err := p.deps.Ledger.Begin(ctx, key)
	if err != nil {
		return err
	}
	switch c.Outcome {
	case idempotency.Claimed:
		mc.claimed = true
	case idempotency.Replay:
		mc.replayed = true
		mc.Reply = c.Cached
		if p.deps.Metrics != nil {
			p.deps.Metrics.DuplicateReplayed()
		}
		p.logger.Info("duplicate delivery answered from ledger", "user_id", key.UserID, "message_id", key.MessageID)
		mc.Finish()
	case idempotency.InFlight:
		mc.inFlight = true
		p.logger.Info("duplicate delivery still in flight", "user_id", key.UserID, "message_id", key.MessageID)
		mc.Finish()
	}
	return nil
}

func (p *Pipeline) resolveSession(ctx context.Context, mc *MessageContext) error {
	sess, _, err := p.deps.Sessions.GetOrCreate(ctx, mc.User.UserID)
	if err != nil {
		return err
	}
	fc, err := p.deps.Sessions.BindFlowContext(ctx, mc.User.UserID, sess)
	if err != nil {
		return err
	}
	history, err := p.deps.Messages.ListRecentMessages(ctx, sess.ID, p.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	mc.Session, mc.Flow, mc.History = sess, fc, history
	return nil
}

func (p *Pipeline) detectLanguage(_ context.Context, mc *MessageContext) error {
	mc.Language = p.deps.Detector.Detect(mc.Input.Text, mc.User.Language)
	return nil
}

func (p *Pipeline) transcribe(ctx context.Context, mc *MessageContext) error {
	if !mc.Input.Media.IsAudio() {
		if strings.TrimSpace(mc.Input.Text) == "" {
			return apperr.NewValidationFailure("message has no text")
		}
		mc.SourceText = mc.Input.Text
		return nil
	}
	if p.deps.Transcriber == nil {
		return apperr.NewValidationFailure("voice notes are not supported")
	}

	tr, err := p.deps.Transcriber.Transcribe(ctx, mc.Input.Media)
	if err != nil {
		return err
	}
	mc.SourceText = tr.Text
	if lang, ok := p.deps.Detector.Normalize(tr.Language); ok {
		mc.Language = lang
	} else {
		mc.Language = p.deps.Detector.Detect(tr.Text, mc.Language)
	}
	return nil
}

func (p *Pipeline) translateIn(ctx context.Context, mc *MessageContext) error {
	text, err := p.deps.Translator.Translate(ctx, mc.SourceText, mc.Language, p.cfg.InternalLanguage)
	if err != nil {
		return err
	}
	mc.Text = text
	return nil
}

func lastBotMessage(history []*domain.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Direction == domain.DirectionOutbound {
			return history[i].Text
		}
	}
	return ""
}

func (p *Pipeline) classify(ctx context.Context, mc *MessageContext) error {
	req := intent.Request{
		UserID:         mc.User.UserID,
		Text:           mc.Text,
		LastBotMessage: lastBotMessage(mc.History),
		History:        mc.History,
	}
	if mc.Flow.InFlow() {
		req.ActiveFlow = mc.Flow.Flow
	}
	cls, err := p.deps.Classifier.Classify(ctx, req)
	if err != nil {
		return err
	}
	mc.Classification = cls
	// Persisted with the next transition of the flow.
	mc.Flow.RecordIntent(string(cls.Intent))
	return nil
}

func (p *Pipeline) route(ctx context.Context, mc *MessageContext) error {
	turn := &intent.Turn{
		UserID:         mc.User.UserID,
		SessionID:      mc.Session.ID,
		MessageID:      mc.Input.MessageID,
		Text:           mc.Text,
		Language:       mc.Language,
		Classification: mc.Classification,
		Flow:           mc.Flow,
		History:        mc.History,
		LastBotMessage: lastBotMessage(mc.History),
	}
	d, err := p.deps.Router.Route(ctx, turn)
	if err != nil {
		return err
	}
	if d.Response == nil {
		return apperr.NewInternal(fmt.Errorf("router returned no response"))
	}
	mc.Decision, mc.Response, mc.Flow = d, d.Response, turn.Flow

	p.logger.Info("message routed",
		"user_id", turn.UserID, "intent", mc.Classification.Intent, "confidence", mc.Classification.Confidence,
		"tier", d.Tier, "handler", d.Handler, "trace", d.Trace)

	// Fast-path escalation closes the session itself.
	if d.Response.Escalate && d.Tier != intent.TierFastPath {
		if err := p.deps.Sessions.Escalate(ctx, mc.Session.ID, mc.Text); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) translateOut(ctx context.Context, mc *MessageContext) error {
	reply := mc.Response.Reply
	source := reply.Language
	if source == "" {
		source = p.cfg.InternalLanguage
	}
	if !strings.EqualFold(source, mc.Language) {
		text, err := p.deps.Translator.Translate(ctx, reply.Text, source, mc.Language)
		if err != nil {
			return err
		}
		reply.Text = text
	}
	reply.Language = mc.Language
	mc.Reply = &reply
	return nil
}

// persist writes both sides of the exchange to the message log. It never
// fails the run: a reply that was computed is always returned.
func (p *Pipeline) persist(ctx context.Context, mc *MessageContext) error {
	now := p.now()
	in := &domain.Message{
		ID:         ulid.Make().String(),
		SessionID:  mc.Session.ID,
		UserID:     mc.User.UserID,
		Direction:  domain.DirectionInbound,
		Text:       mc.SourceText,
		Language:   mc.Language,
		Intent:     mc.Classification.Intent,
		Confidence: mc.Classification.Confidence,
		ExternalID: mc.Input.MessageID,
		CreatedAt:  mc.Input.ReceivedAt,
	}
	out := &domain.Message{
		ID:        ulid.Make().String(),
		SessionID: mc.Session.ID,
		UserID:    mc.User.UserID,
		Direction: domain.DirectionOutbound,
		Text:      mc.Reply.Text,
		Language:  mc.Reply.Language,
		CreatedAt: now,
	}
	for _, msg := range []*domain.Message{in, out} {
		if err := p.deps.Messages.AppendMessage(ctx, msg); err != nil {
			p.persistFailed(mc, msg, err)
		}
	}

	if p.deps.Journal != nil {
		base := convlog.Event{UserID: mc.User.UserID, SessionID: mc.Session.ID, MessageID: mc.Input.MessageID, Channel: mc.Input.Channel}
		inEv, outEv := base, base
		inEv.Direction, inEv.EventType, inEv.ContentRaw = string(domain.DirectionInbound), "message", mc.SourceText
		inEv.Meta = map[string]any{"language": mc.Language, "intent": string(mc.Classification.Intent), "confidence": mc.Classification.Confidence}
		outEv.Direction, outEv.EventType, outEv.ContentRaw = string(domain.DirectionOutbound), "reply", mc.Reply.Text
		if mc.Decision != nil {
			outEv.Meta = map[string]any{"tier": string(mc.Decision.Tier), "handler": mc.Decision.Handler}
		}
		p.deps.Journal.Log(inEv)
		p.deps.Journal.Log(outEv)
	}
	return nil
}

func (p *Pipeline) persistFailed(mc *MessageContext, msg *domain.Message, err error) {
	p.logger.Error("failed to persist message",
		"user_id", msg.UserID, "session_id", msg.SessionID, "direction", msg.Direction, "error", err)
	if p.deps.Journal == nil {
		return
	}
	inc := domain.Incident{
		ID:        ulid.Make().String(),
		Severity:  "warning",
		UserID:    msg.UserID,
		MessageID: mc.Input.MessageID,
		Stage:     StagePersist,
		Detail:    fmt.Sprintf("append %s message: %v", msg.Direction, err),
		CreatedAt: p.now(),
	}
	if err := p.deps.Journal.Incident(inc); err != nil {
		p.logger.Error("failed to write persist incident", "user_id", msg.UserID, "error", err)
	}
}

// recordFailed reports a claim left pending after the reply went out: until
// it goes stale, redeliveries get no reply, and afterwards they run again.
func (p *Pipeline) recordFailed(key domain.IdempotencyKey, err error) {
	p.logger.Error("failed to record processed message", "key", key.String(), "error", err)
	if p.deps.Journal == nil {
		return
	}
	inc := domain.Incident{
		ID:        ulid.Make().String(),
		Severity:  "error",
		UserID:    key.UserID,
		MessageID: key.MessageID,
		Stage:     StageClaim,
		Detail:    fmt.Sprintf("record processed message: %v; claim left pending", err),
		CreatedAt: p.now(),
	}
	if err := p.deps.Journal.Incident(inc); err != nil {
		p.logger.Error("failed to write ledger incident", "user_id", key.UserID, "error", err)
	}
}
