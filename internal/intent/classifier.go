package intent

import (
	"context"
	"log/slog"

	"github.com/ashureev/fieldchat/internal/domain"
)

const (
	flowConfidence    = 0.95
	defaultConfidence = 0.3
)

// Request is everything the classifier looks at for one message.
type Request struct {
	UserID         string
	Text           string
	LastBotMessage string
	History        []*domain.Message
	ActiveFlow     domain.FlowName
}

// Fallback classifies messages the keyword table does not recognise.
type Fallback interface {
	Classify(ctx context.Context, req Request) (domain.IntentClassification, error)
}

// Classifier combines keyword matching with an optional fallback.
type Classifier struct {
	keywords *keywordIndex
	fallback Fallback
	logger   *slog.Logger
}

// NewClassifier creates a classifier. fallback may be nil, in which case
// unrecognised messages classify as general with low confidence.
func NewClassifier(kw Keywords, fallback Fallback, logger *slog.Logger) *Classifier {
	if kw == nil {
		kw = DefaultKeywords
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{keywords: newKeywordIndex(kw), fallback: fallback, logger: logger}
}

// FlowFor returns the flow a flow-starting intent opens.
func FlowFor(it domain.Intent) domain.FlowName {
	switch it {
	case domain.IntentReportIncident:
		return domain.FlowIncident
	case domain.IntentUpdateProgress:
		return domain.FlowProgress
	default:
		return domain.FlowNone
	}
}

// Classify labels req.Text. Fallback failures degrade to a low-confidence
// general intent; the only error returned is the context's own.
func (c *Classifier) Classify(ctx context.Context, req Request) (domain.IntentClassification, error) {
	m, hit := c.keywords.match(req.Text)

	if req.ActiveFlow != domain.FlowNone {
		if hit && m.exact && FlowFor(m.intent) == domain.FlowNone {
			return fromMatch(m), nil
		}
		out := domain.IntentClassification{
			Intent:     domain.IntentContinueFlow,
			Confidence: flowConfidence,
			Priority:   PriorityOf(domain.IntentContinueFlow),
			Parameters: map[string]string{"flow": string(req.ActiveFlow)},
			Source:     "active_flow",
		}
		if hit {
			if requested := FlowFor(m.intent); requested != domain.FlowNone && requested != req.ActiveFlow {
				out.ConflictsWithSession = true
				out.Parameters["requested_intent"] = string(m.intent)
			}
		}
		return out, nil
	}

	if hit {
		return fromMatch(m), nil
	}

	if c.fallback == nil {
		return generalDefault("default"), nil
	}

	out, err := c.fallback.Classify(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.IntentClassification{}, ctxErr
		}
		c.logger.Warn("intent fallback failed, using default", "user_id", req.UserID, "error", err)
		return generalDefault("fallback_error"), nil
	}
	if out.Intent == domain.IntentContinueFlow {
		// Nothing to continue outside a flow.
		out.Intent = domain.IntentGeneral
	}
	out.Priority = PriorityOf(out.Intent)
	return out, nil
}

func fromMatch(m keywordMatch) domain.IntentClassification {
	source := "keyword_substring"
	if m.exact {
		source = "keyword_exact"
	}
	return domain.IntentClassification{
		Intent:     m.intent,
		Confidence: m.confidence,
		Priority:   PriorityOf(m.intent),
		Parameters: m.parameters,
		Source:     source,
	}
}

func generalDefault(source string) domain.IntentClassification {
	return domain.IntentClassification{
		Intent:     domain.IntentGeneral,
		Confidence: defaultConfidence,
		Priority:   PriorityOf(domain.IntentGeneral),
		Source:     source,
	}
}
