package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/intent"
	"github.com/ashureev/fieldchat/internal/language"
)

// Field names a MessageContext value that a stage produces or consumes.
type Field string

const (
	FieldInput          Field = "input"
	FieldUser           Field = "user"
	FieldClaim          Field = "claim"
	FieldSession        Field = "session"
	FieldFlow           Field = "flow"
	FieldHistory        Field = "history"
	FieldLanguage       Field = "language"
	FieldSourceText     Field = "source_text"
	FieldText           Field = "text"
	FieldClassification Field = "classification"
	FieldResponse       Field = "response"
	FieldReply          Field = "reply"
)

// Input is one inbound message as handed over by a channel.
type Input struct {
	MessageID  string
	ChannelID  string // sender address on the channel
	Channel    string
	Text       string
	Media      language.Media
	ReceivedAt time.Time
}

// MessageContext accumulates the values of one pipeline run. It is owned
// by a single Process call and never shared.
type MessageContext struct {
	Input          Input
	User           *domain.User
	Session        *domain.Session
	Flow           *domain.FSMContext
	History        []*domain.Message
	Language       string
	SourceText     string // what the worker said, in their language
	Text           string // SourceText in the internal language
	Classification domain.IntentClassification
	Decision       *intent.Decision
	Response       *intent.Response
	Reply          *domain.Reply

	claimed  bool
	replayed bool
	inFlight bool
	done     bool
	produced map[Field]bool
}

func newMessageContext(in Input) *MessageContext {
	return &MessageContext{Input: in, produced: map[Field]bool{FieldInput: true}}
}

// Has reports whether f has been produced.
func (mc *MessageContext) Has(f Field) bool {
	return mc.produced[f]
}

// Finish stops the run after the current stage without an error.
func (mc *MessageContext) Finish() {
	mc.done = true
}

func (mc *MessageContext) missing(needs []Field) []string {
	var out []string
	for _, f := range needs {
		if !mc.produced[f] {
			out = append(out, string(f))
		}
	}
	return out
}

// Stage is one step of the pipeline. Needs lists the fields Run reads and
// Produces the fields it sets.
type Stage interface {
	Name() string
	Needs() []Field
	Produces() []Field
	Run(ctx context.Context, mc *MessageContext) error
}

type stage struct {
	name     string
	needs    []Field
	produces []Field
	timeout  time.Duration
	run      func(ctx context.Context, mc *MessageContext) error
}

func (s *stage) Name() string { return s.name }
func (s *stage) Needs() []Field { return s.needs }
func (s *stage) Produces() []Field { return s.produces }
func (s *stage) Run(ctx context.Context, mc *MessageContext) error { return s.run(ctx, mc) }

// Timeout overrides the pipeline's per-stage timeout when positive.
func (s *stage) Timeout() time.Duration { return s.timeout }

// NewStage builds a stage from a function.
func NewStage(name string, needs, produces []Field, run func(ctx context.Context, mc *MessageContext) error) Stage {
	return &stage{name: name, needs: needs, produces: produces, run: run}
}

// ValidateOrder checks that every field a stage needs is produced by an
// earlier stage.
func ValidateOrder(stages []Stage) error {
	have := map[Field]string{FieldInput: "input"}
	for _, s := range stages {
		var missing []string
		for _, f := range s.Needs() {
			if _, ok := have[f]; !ok {
				missing = append(missing, string(f))
			}
		}
		if len(missing) > 0 {
			return apperr.NewValidationFailure(fmt.Sprintf(
				"stage %s needs %s before any stage produces it", s.Name(), strings.Join(missing, ", ")))
		}
		for _, f := range s.Produces() {
			if _, ok := have[f]; !ok {
				have[f] = s.Name()
			}
		}
	}
	return nil
}
