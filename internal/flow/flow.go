// Package flow implements the multi-step conversations backed by the FSM
// engine: incident reports and task progress updates.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/fsm"
	"github.com/ashureev/fieldchat/internal/i18n"
	"github.com/ashureev/fieldchat/internal/intent"
	"github.com/ashureev/fieldchat/internal/ticketing"
	"github.com/oklog/ulid/v2"
)

// Focus is the subset of the active-context store used by flows.
type Focus interface {
	Get(ctx context.Context, userID string, kind domain.ContextKind) (*domain.ActiveContext, error)
	Set(ctx context.Context, userID string, kind domain.ContextKind, ref, label string) (*domain.ActiveContext, error)
	Clear(ctx context.Context, userID string, kind domain.ContextKind) error
	Touch(ctx context.Context, userID string, kind domain.ContextKind) (bool, error)
}

// Deps are the collaborators shared by every flow.
type Deps struct {
	Engine *fsm.Engine
	Tasks  ticketing.Client
	Focus  Focus
	Logger *slog.Logger
}

// All returns every flow in routing order.
func All(d Deps) []intent.Flow {
	return []intent.Flow{NewIncident(d), NewProgress(d)}
}

// Collected data keys.
const (
	keyRef         = "ref"
	keyDescription = "description"
	keyLocation    = "location"
	keySeverity    = "severity"
	keyTaskIDs     = "task_ids"
	keyTaskTitles  = "task_titles"
	keyTaskTitle   = "task_title"
	keyPercent     = "percent"
	keyNote        = "note"
)

type answer int

const (
	answerOther answer = iota
	answerYes
	answerEdit
	answerNo
)

var answers = map[string]answer{
	"yes": answerYes, "y": answerYes, "ok": answerYes, "confirm": answerYes, "send": answerYes,
	"oui": answerYes, "envoyer": answerYes,
	"si": answerYes, "sí": answerYes, "vale": answerYes,
	"sim": answerYes,

	"edit": answerEdit, "change": answerEdit, "modify": answerEdit, "correct": answerEdit,
	"modifier": answerEdit, "corriger": answerEdit,
	"editar": answerEdit, "cambiar": answerEdit,
	"alterar": answerEdit, "mudar": answerEdit,

	"no": answerNo, "n": answerNo, "skip": answerNo, "none": answerNo, "nothing": answerNo,
	"non": answerNo, "rien": answerNo,
	"nada": answerNo,
	"não": answerNo, "nao": answerNo,
}

func parseAnswer(text string) answer {
	return answers[normalizeWord(text)]
}

// normalizeWord lowercases text and trims surrounding punctuation.
func normalizeWord(text string) string {
	return strings.TrimFunc(strings.ToLower(strings.TrimSpace(text)), func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

var severities = map[string]string{
	"low": "low", "minor": "low", "faible": "low", "basse": "low", "bas": "low",
	"baja": "low", "bajo": "low", "leve": "low", "baixa": "low", "baixo": "low",

	"medium": "medium", "moderate": "medium", "moyenne": "medium", "moyen": "medium",
	"media": "medium", "medio": "medium", "média": "medium", "médio": "medium",

	"high": "high", "critical": "high", "severe": "high", "haute": "high", "élevée": "high",
	"grave": "high", "alta": "high", "alto": "high", "critique": "high",
}

func parseSeverity(text string) (string, bool) {
	s, ok := severities[normalizeWord(text)]
	return s, ok
}

func parsePercent(text string) (int, bool) {
	s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "%"))
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 100 {
		return 0, false
	}
	return n, true
}

// intData reads a collected number. Values reloaded from JSON are float64.
func intData(fc *domain.FSMContext, key string) (int, bool) {
	switch v := fc.CollectedData[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func stringsData(fc *domain.FSMContext, key string) []string {
	switch v := fc.CollectedData[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, _ := item.(string)
			out = append(out, s)
		}
		return out
	default:
		return nil
	}
}

func hasData(fc *domain.FSMContext, key string) bool {
	_, ok := fc.CollectedData[key]
	return ok
}

func set(values map[string]any) fsm.Option {
	return fsm.WithUpdate(func(next *domain.FSMContext) {
		if next.CollectedData == nil {
			next.CollectedData = map[string]any{}
		}
		for k, v := range values {
			next.CollectedData[k] = v
		}
	})
}

func unset(keys ...string) fsm.Option {
	return fsm.WithUpdate(func(next *domain.FSMContext) {
		for _, k := range keys {
			delete(next.CollectedData, k)
		}
	})
}

func text(turn *intent.Turn, key string, args ...any) string {
	return i18n.Text(turn.Language, key, args...)
}

func reply(turn *intent.Turn, parts ...string) domain.Reply {
	return domain.Reply{Text: strings.Join(parts, "\n"), Language: i18n.Lang(turn.Language)}
}

// externalRef identifies one flow run towards the ticketing backend, so a
// retried submission is recognised as the same one.
func externalRef(fc *domain.FSMContext) string {
	return fmt.Sprintf("%s:%s", fc.ID, fc.StringData(keyRef))
}

// base carries the plumbing shared by flows.
type base struct {
	Deps
}

// open moves the user's context out of any finished flow and fires start.
// A context still owned by an open flow yields a StateConflict.
func (b *base) open(ctx context.Context, turn *intent.Turn, name domain.FlowName, trigger string, opts ...fsm.Option) (*domain.FSMContext, error) {
	if turn.Flow == nil {
		return nil, apperr.NewInternal(fmt.Errorf("no flow context bound for user %s", turn.UserID))
	}
	fc, err := b.Engine.Restart(ctx, turn.Flow)
	if err != nil {
		return nil, err
	}
	opts = append([]fsm.Option{fsm.WithUpdate(func(next *domain.FSMContext) {
		next.Flow = name
		next.SessionID = turn.SessionID
		next.TaskID = ""
		next.CollectedData = map[string]any{keyRef: ulid.Make().String()}
	})}, opts...)
	res, err := b.Engine.Fire(ctx, fc, trigger, opts...)
	if err != nil {
		return nil, err
	}
	turn.Flow = res.Context
	return res.Context, nil
}

func (b *base) fire(ctx context.Context, turn *intent.Turn, trigger string, opts ...fsm.Option) (*domain.FSMContext, error) {
	res, err := b.Engine.Fire(ctx, turn.Flow, trigger, opts...)
	if err != nil {
		return nil, err
	}
	turn.Flow = res.Context
	return res.Context, nil
}

// finish resets a completed or abandoned context so the next flow can start.
func (b *base) finish(ctx context.Context, turn *intent.Turn) {
	fc, err := b.Engine.Restart(ctx, turn.Flow)
	if err != nil {
		b.Logger.Warn("failed to reset finished flow", "user_id", turn.UserID, "error", err)
		return
	}
	turn.Flow = fc
}

// decline abandons the flow after the worker refused the summary.
func (b *base) decline(ctx context.Context, turn *intent.Turn) (intent.Command, error) {
	if _, err := b.fire(ctx, turn, fsm.TriggerCancel, fsm.WithClosureReason("user_declined")); err != nil {
		return intent.Command{}, err
	}
	b.finish(ctx, turn)
	return intent.CompleteWith(reply(turn, text(turn, i18n.Cancelled))), nil
}

func (b *base) clearTaskFocus() fsm.Option {
	return fsm.WithSideEffect("clear_task_focus", func(ctx context.Context, fc *domain.FSMContext) error {
		return b.Focus.Clear(ctx, fc.UserID, domain.ContextTask)
	})
}

// owns reports whether turn continues flow name.
func owns(turn *intent.Turn, name domain.FlowName) bool {
	return turn.Flow.InFlow() && turn.Flow.Flow == name
}

// starts reports whether turn asks to open a new flow while none is open.
func starts(turn *intent.Turn, it domain.Intent) bool {
	return turn.Classification.Intent == it && !turn.Flow.InFlow()
}

func busy(turn *intent.Turn, prompt string) intent.Command {
	return intent.ContinueWith(reply(turn, text(turn, i18n.FlowBusy), prompt))
}

func newBase(d Deps) base {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return base{Deps: d}
}
