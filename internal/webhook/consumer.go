// Package webhook delivers inbound channel messages to the pipeline and
// makes sure every one of them is acknowledged to the worker.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/channel"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/language"
	"github.com/ashureev/fieldchat/internal/pipeline"
	"github.com/oklog/ulid/v2"
)

const sendTimeout = 15 * time.Second

// Processor runs one message through the pipeline.
type Processor interface {
	Process(ctx context.Context, in pipeline.Input) pipeline.Result
}

// IncidentStore keeps critical incidents for manual follow-up.
type IncidentStore interface {
	RecordIncident(ctx context.Context, inc *domain.Incident) error
}

// IncidentLog is the file-backed incident sink.
type IncidentLog interface {
	Incident(inc domain.Incident) error
}

// Consumer connects a channel to the pipeline.
type Consumer struct {
	pipeline  Processor
	sender    channel.Sender
	incidents IncidentStore
	journal   IncidentLog
	fallback  string
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithIncidentLog also writes critical incidents to l.
func WithIncidentLog(l IncidentLog) Option {
	return func(c *Consumer) { c.journal = l }
}

// WithFallbackLanguage sets the language of notices sent before the
// sender's language is known.
func WithFallbackLanguage(lang string) Option {
	return func(c *Consumer) { c.fallback = lang }
}

// NewConsumer creates a consumer.
func NewConsumer(p Processor, sender channel.Sender, incidents IncidentStore, logger *slog.Logger, opts ...Option) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		pipeline:  p,
		sender:    sender,
		incidents: incidents,
		fallback:  "en",
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ channel.InboundHandler = (*Consumer)(nil)

// HandleInbound implements channel.InboundHandler.
func (c *Consumer) HandleInbound(ctx context.Context, in channel.Inbound) {
	_ = c.Handle(ctx, in)
}

// Handle processes in and sends its reply. A duplicate answered from the
// ledger or still in flight is not sent again.
func (c *Consumer) Handle(ctx context.Context, in channel.Inbound) pipeline.Result {
	res := c.pipeline.Process(ctx, toInput(in))
	if res.Replayed || res.InFlight || res.Reply == nil {
		return res
	}

	// Sending outlives the caller so a dropped webhook connection still
	// gets its answer delivered.
	sendCtx := context.WithoutCancel(ctx)
	if err := c.send(sendCtx, in.From, *res.Reply); err != nil {
		c.logger.Warn("failed to send reply", "user_id", res.UserID, "message_id", in.MessageID, "error", err)
		if res.Err != nil {
			// The reply already was the failure notice.
			c.critical(sendCtx, in, res, "send failure notice", err)
			return res
		}
		lang := res.Language
		if lang == "" {
			lang = c.fallback
		}
		notice := domain.Reply{Text: apperr.UserMessage(apperr.NewIntegrationFailure("channel", err), lang), Language: lang}
		if ferr := c.send(sendCtx, in.From, notice); ferr != nil {
			c.critical(sendCtx, in, res, "send fallback notice", fmt.Errorf("reply: %v; notice: %w", err, ferr))
		}
		if res.Err == nil {
			res.Err = apperr.NewIntegrationFailure("channel", err)
		}
	}
	return res
}

func (c *Consumer) send(ctx context.Context, to string, reply domain.Reply) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	_, err := c.sender.Send(ctx, to, reply)
	return err
}

// critical records that a worker's message could not be acknowledged at
// all. Both sinks are tried; the error log is the last resort.
func (c *Consumer) critical(ctx context.Context, in channel.Inbound, res pipeline.Result, stage string, err error) {
	inc := domain.Incident{
		ID:        ulid.Make().String(),
		Severity:  "critical",
		UserID:    res.UserID,
		MessageID: in.MessageID,
		Stage:     stage,
		Detail:    fmt.Sprintf("worker %s not acknowledged: %v", in.From, err),
		CreatedAt: c.now().UTC(),
	}
	if res.FailedStage != "" {
		inc.Detail += fmt.Sprintf(" (pipeline failed at %s: %v)", res.FailedStage, res.Err)
	}

	c.logger.Error("message could not be acknowledged",
		"incident_id", inc.ID, "user_id", inc.UserID, "message_id", inc.MessageID, "from", in.From, "error", err)

	if c.incidents != nil {
		if serr := c.incidents.RecordIncident(ctx, &inc); serr != nil {
			c.logger.Error("failed to store critical incident", "incident_id", inc.ID, "error", serr)
		}
	}
	if c.journal != nil {
		if jerr := c.journal.Incident(inc); jerr != nil {
			c.logger.Error("failed to log critical incident", "incident_id", inc.ID, "error", jerr)
		}
	}
}

func toInput(in channel.Inbound) pipeline.Input {
	return pipeline.Input{
		MessageID:  in.MessageID,
		ChannelID:  in.From,
		Channel:    in.Channel,
		Text:       in.Text,
		Media:      language.Media{URL: in.MediaURL, ContentType: in.MediaType},
		ReceivedAt: in.ReceivedAt,
	}
}
