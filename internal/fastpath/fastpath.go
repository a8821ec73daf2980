// Package fastpath holds the deterministic handlers tried before flows and
// the reasoning engine.
package fastpath

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/fsm"
	"github.com/ashureev/fieldchat/internal/i18n"
	"github.com/ashureev/fieldchat/internal/intent"
	"github.com/ashureev/fieldchat/internal/ticketing"
)

// Focus is the subset of the active-context store the handlers use.
type Focus interface {
	Get(ctx context.Context, userID string, kind domain.ContextKind) (*domain.ActiveContext, error)
	Set(ctx context.Context, userID string, kind domain.ContextKind, ref, label string) (*domain.ActiveContext, error)
	Clear(ctx context.Context, userID string, kind domain.ContextKind) error
	Touch(ctx context.Context, userID string, kind domain.ContextKind) (bool, error)
}

// Escalator hands a session over to a human.
type Escalator interface {
	Escalate(ctx context.Context, sessionID, summary string) error
}

// Deps are the collaborators of the handlers.
type Deps struct {
	Tasks    ticketing.Client
	Focus    Focus
	Sessions Escalator
	Engine   *fsm.Engine
	Logger   *slog.Logger
}

// Register adds every fast-path handler to reg.
func Register(reg *intent.Registry, d Deps) error {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	handlers := map[domain.Intent]intent.Handler{
		domain.IntentGreeting:   greeting{},
		domain.IntentHelp:       help{},
		domain.IntentListTasks:  &listTasks{tasks: d.Tasks, focus: d.Focus},
		domain.IntentSetProject: &setProject{tasks: d.Tasks, focus: d.Focus, logger: d.Logger},
		domain.IntentCancel:     &cancel{engine: d.Engine, focus: d.Focus, logger: d.Logger},
		domain.IntentEscalate:   &escalate{sessions: d.Sessions},
	}
	for it, h := range handlers {
		if err := reg.Register(it, h); err != nil {
			return err
		}
	}
	return nil
}

func reply(turn *intent.Turn, key string, args ...any) *intent.Response {
	return &intent.Response{Reply: domain.Reply{
		Text:     i18n.Text(turn.Language, key, args...),
		Language: i18n.Lang(turn.Language),
	}}
}

type greeting struct{}

func (greeting) Name() string { return "greeting" }

func (greeting) Handle(_ context.Context, turn *intent.Turn) (*intent.Response, error) {
	return reply(turn, i18n.Greeting), nil
}

type help struct{}

func (help) Name() string { return "help" }

func (help) Handle(_ context.Context, turn *intent.Turn) (*intent.Response, error) {
	return reply(turn, i18n.Help), nil
}

type listTasks struct {
	tasks ticketing.Client
	focus Focus
}

func (h *listTasks) Name() string { return "list_tasks" }

// Handle lists open tasks, scoped to the current project when one is set.
func (h *listTasks) Handle(ctx context.Context, turn *intent.Turn) (*intent.Response, error) {
	project, err := h.focus.Get(ctx, turn.UserID, domain.ContextProject)
	if err != nil {
		return nil, err
	}
	projectID := ""
	if project != nil {
		projectID = project.Ref
	}

	tasks, err := h.tasks.ListTasks(ctx, turn.UserID, projectID)
	if err != nil {
		return nil, err
	}
	if project != nil {
		if _, err := h.focus.Touch(ctx, turn.UserID, domain.ContextProject); err != nil {
			return nil, err
		}
	}

	if len(tasks) == 0 {
		return reply(turn, i18n.TasksNone), nil
	}
	var header string
	if project != nil {
		header = i18n.Text(turn.Language, i18n.TasksForProject, labelOf(project))
	} else {
		header = i18n.Text(turn.Language, i18n.TasksHeader)
	}
	resp := reply(turn, i18n.TasksHeader)
	resp.Reply.Text = header + "\n" + ticketing.FormatTasks(tasks)
	return resp, nil
}

func labelOf(ac *domain.ActiveContext) string {
	if ac.Label != "" {
		return ac.Label
	}
	return ac.Ref
}

type setProject struct {
	tasks  ticketing.Client
	focus  Focus
	logger *slog.Logger
}

func (h *setProject) Name() string { return "set_project" }

// Handle sets the project focus. The reply is only built once the pointer
// is stored.
func (h *setProject) Handle(ctx context.Context, turn *intent.Turn) (*intent.Response, error) {
	ref := strings.TrimSpace(turn.Classification.Parameters["project"])
	if ref == "" {
		return reply(turn, i18n.ProjectMissing), nil
	}

	project, err := h.tasks.GetProject(ctx, ref)
	if apperr.Is(err, apperr.KindNotFound) {
		return reply(turn, i18n.ProjectUnknown, ref), nil
	}
	if err != nil {
		return nil, err
	}

	previous, err := h.focus.Get(ctx, turn.UserID, domain.ContextProject)
	if err != nil {
		return nil, err
	}
	if _, err := h.focus.Set(ctx, turn.UserID, domain.ContextProject, project.ID, project.Name); err != nil {
		return nil, err
	}
	if previous != nil && previous.Ref != project.ID {
		if err := h.focus.Clear(ctx, turn.UserID, domain.ContextTask); err != nil {
			h.logger.Warn("failed to clear task focus after project change", "user_id", turn.UserID, "error", err)
		}
	}

	name := project.Name
	if name == "" {
		name = project.ID
	}
	return reply(turn, i18n.ProjectSet, name), nil
}

type cancel struct {
	engine *fsm.Engine
	focus  Focus
	logger *slog.Logger
}

func (h *cancel) Name() string { return "cancel" }

// Handle abandons the open flow through the wildcard cancel rule.
func (h *cancel) Handle(ctx context.Context, turn *intent.Turn) (*intent.Response, error) {
	if !turn.Flow.InFlow() {
		return reply(turn, i18n.NothingToCancel), nil
	}

	res, err := h.engine.Fire(ctx, turn.Flow, fsm.TriggerCancel,
		fsm.WithClosureReason("user_cancelled"),
		fsm.WithSideEffect("clear_task_focus", func(ctx context.Context, fc *domain.FSMContext) error {
			return h.focus.Clear(ctx, fc.UserID, domain.ContextTask)
		}),
	)
	if err != nil {
		return nil, err
	}
	if _, err := h.engine.Restart(ctx, res.Context); err != nil {
		// The next flow start retries the reset.
		h.logger.Warn("failed to reset cancelled flow", "user_id", turn.UserID, "error", err)
	}
	return reply(turn, i18n.Cancelled), nil
}

type escalate struct {
	sessions Escalator
}

func (h *escalate) Name() string { return "escalate" }

func (h *escalate) Handle(ctx context.Context, turn *intent.Turn) (*intent.Response, error) {
	if err := h.sessions.Escalate(ctx, turn.SessionID, turn.Text); err != nil {
		return nil, err
	}
	resp := reply(turn, i18n.Escalated)
	resp.Reply.Escalated = true
	resp.Escalate = true
	return resp, nil
}
