package flow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/fsm"
	"github.com/ashureev/fieldchat/internal/i18n"
	"github.com/ashureev/fieldchat/internal/intent"
	"github.com/ashureev/fieldchat/internal/ticketing"
)

// Progress lets a worker pick one of their tasks and report its completion
// percentage with an optional note.
type Progress struct {
	base
}

// NewProgress creates the progress flow.
func NewProgress(d Deps) *Progress {
	return &Progress{base: newBase(d)}
}

func (f *Progress) Name() domain.FlowName { return domain.FlowProgress }

func (f *Progress) Claims(turn *intent.Turn) bool {
	return owns(turn, domain.FlowProgress) || starts(turn, domain.IntentUpdateProgress)
}

func (f *Progress) Step(ctx context.Context, turn *intent.Turn) (intent.Command, error) {
	if !owns(turn, domain.FlowProgress) {
		return f.start(ctx, turn)
	}
	if turn.Classification.ConflictsWithSession {
		return busy(turn, f.prompt(turn)), nil
	}

	switch turn.Flow.CurrentState {
	case domain.StateTaskSelection:
		return f.selectTask(ctx, turn)
	case domain.StateCollectingData:
		return f.collect(ctx, turn)
	case domain.StateAwaitingAction:
		return f.decide(ctx, turn)
	default:
		return intent.Command{}, apperr.NewStateConflict(
			fmt.Sprintf("progress flow cannot continue from %s", turn.Flow.CurrentState), nil)
	}
}

func (f *Progress) start(ctx context.Context, turn *intent.Turn) (intent.Command, error) {
	projectID := ""
	project, err := f.Focus.Get(ctx, turn.UserID, domain.ContextProject)
	if err != nil {
		return intent.Command{}, err
	}
	if project != nil {
		projectID = project.Ref
		if _, err := f.Focus.Touch(ctx, turn.UserID, domain.ContextProject); err != nil {
			return intent.Command{}, err
		}
	}

	tasks, err := f.Tasks.ListTasks(ctx, turn.UserID, projectID)
	if err != nil {
		return intent.Command{}, err
	}
	if len(tasks) == 0 {
		return intent.CompleteWith(reply(turn, text(turn, i18n.ProgressNoTasks))), nil
	}

	ids := make([]string, len(tasks))
	titles := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i], titles[i] = t.ID, t.Title
	}
	_, err = f.open(ctx, turn, domain.FlowProgress, fsm.TriggerStartUpdate,
		set(map[string]any{keyTaskIDs: ids, keyTaskTitles: titles}))
	if err != nil {
		if apperr.Is(err, apperr.KindStateConflict) {
			return intent.ContinueWith(reply(turn, text(turn, i18n.FlowBusy))), nil
		}
		return intent.Command{}, err
	}
	return intent.ContinueWith(reply(turn, text(turn, i18n.ProgressChooseTask), ticketing.FormatTasks(tasks))), nil
}

func (f *Progress) prompt(turn *intent.Turn) string {
	fc := turn.Flow
	switch {
	case fc.CurrentState == domain.StateTaskSelection:
		return text(turn, i18n.ProgressChooseTask)
	case fc.CurrentState == domain.StateAwaitingAction:
		return f.summary(turn)
	case !hasData(fc, keyPercent):
		return text(turn, i18n.ProgressAskPercent, fc.StringData(keyTaskTitle))
	default:
		return text(turn, i18n.ProgressAskNote)
	}
}

func (f *Progress) summary(turn *intent.Turn) string {
	fc := turn.Flow
	percent, _ := intData(fc, keyPercent)
	note := fc.StringData(keyNote)
	if note == "" {
		note = "-"
	}
	return text(turn, i18n.ProgressSummary, fc.StringData(keyTaskTitle), percent, note) +
		"\n" + text(turn, i18n.ConfirmOrEdit)
}

func (f *Progress) selectTask(ctx context.Context, turn *intent.Turn) (intent.Command, error) {
	ids := stringsData(turn.Flow, keyTaskIDs)
	titles := stringsData(turn.Flow, keyTaskTitles)

	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(turn.Text), ".")))
	if err != nil || n < 1 || n > len(ids) {
		if _, err := f.fire(ctx, turn, fsm.TriggerInvalidSelection); err != nil {
			return intent.Command{}, err
		}
		return intent.ContinueWith(reply(turn, text(turn, i18n.ProgressBadChoice))), nil
	}

	id := ids[n-1]
	title := id
	if n-1 < len(titles) && titles[n-1] != "" {
		title = titles[n-1]
	}
	_, err = f.fire(ctx, turn, fsm.TriggerSelectTask,
		fsm.WithUpdate(func(next *domain.FSMContext) { next.TaskID = id }),
		set(map[string]any{keyTaskTitle: title}),
		fsm.WithSideEffect("set_task_focus", func(ctx context.Context, fc *domain.FSMContext) error {
			_, err := f.Focus.Set(ctx, fc.UserID, domain.ContextTask, id, title)
			return err
		}),
	)
	if err != nil {
		return intent.Command{}, err
	}
	return intent.ContinueWith(reply(turn, text(turn, i18n.ProgressAskPercent, title))), nil
}

func (f *Progress) collect(ctx context.Context, turn *intent.Turn) (intent.Command, error) {
	if !hasData(turn.Flow, keyPercent) {
		percent, ok := parsePercent(turn.Text)
		if !ok {
			return intent.ContinueWith(reply(turn, text(turn, i18n.ProgressBadPercent))), nil
		}
		if _, err := f.fire(ctx, turn, fsm.TriggerAddData, set(map[string]any{keyPercent: percent})); err != nil {
			return intent.Command{}, err
		}
		return intent.ContinueWith(reply(turn, text(turn, i18n.ProgressAskNote))), nil
	}

	note := strings.TrimSpace(turn.Text)
	if parseAnswer(note) == answerNo {
		note = ""
	}
	if _, err := f.fire(ctx, turn, fsm.TriggerDataComplete, set(map[string]any{keyNote: note})); err != nil {
		return intent.Command{}, err
	}
	return intent.ContinueWith(reply(turn, f.summary(turn))), nil
}

func (f *Progress) decide(ctx context.Context, turn *intent.Turn) (intent.Command, error) {
	switch parseAnswer(turn.Text) {
	case answerYes:
		return f.submit(ctx, turn)
	case answerEdit:
		if _, err := f.fire(ctx, turn, fsm.TriggerEdit, unset(keyPercent, keyNote)); err != nil {
			return intent.Command{}, err
		}
		return intent.ContinueWith(reply(turn, text(turn, i18n.ProgressAskPercent, turn.Flow.StringData(keyTaskTitle)))), nil
	case answerNo:
		return f.decline(ctx, turn)
	default:
		return intent.ContinueWith(reply(turn, f.summary(turn))), nil
	}
}

func (f *Progress) submit(ctx context.Context, turn *intent.Turn) (intent.Command, error) {
	fc := turn.Flow
	percent, _ := intData(fc, keyPercent)
	update := ticketing.ProgressUpdate{
		ExternalRef: externalRef(fc),
		UserID:      fc.UserID,
		TaskID:      fc.TaskID,
		Percent:     percent,
		Note:        fc.StringData(keyNote),
	}
	if err := f.Tasks.UpdateProgress(ctx, update); err != nil {
		if ctx.Err() != nil {
			return intent.Command{}, err
		}
		f.Logger.Warn("progress submission failed", "user_id", fc.UserID, "task_id", fc.TaskID, "error", err)
		return intent.ContinueWith(reply(turn, text(turn, i18n.SubmissionFailed))), nil
	}

	title := fc.StringData(keyTaskTitle)
	if _, err := f.fire(ctx, turn, fsm.TriggerConfirm); err != nil {
		return intent.Command{}, err
	}
	f.Logger.Info("progress submitted", "user_id", fc.UserID, "task_id", update.TaskID, "percent", percent)
	f.finish(ctx, turn)
	return intent.CompleteWith(reply(turn, text(turn, i18n.ProgressSubmitted, title))), nil
}
