package flow

import (
	"context"
	"fmt"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/fsm"
	"github.com/ashureev/fieldchat/internal/i18n"
	"github.com/ashureev/fieldchat/internal/intent"
	"github.com/ashureev/fieldchat/internal/ticketing"
)

// incidentFields are collected in this order.
var incidentFields = []struct {
	key    string
	prompt string
}{
	{keyDescription, i18n.IncidentAskDescription},
	{keyLocation, i18n.IncidentAskLocation},
	{keySeverity, i18n.IncidentAskSeverity},
}

// Incident collects an incident report and submits it to the ticketing
// backend once the worker confirms the summary.
type Incident struct {
	base
}

// NewIncident creates the incident flow.
func NewIncident(d Deps) *Incident {
	return &Incident{base: newBase(d)}
}

func (f *Incident) Name() domain.FlowName { return domain.FlowIncident }

func (f *Incident) Claims(turn *intent.Turn) bool {
	return owns(turn, domain.FlowIncident) || starts(turn, domain.IntentReportIncident)
}

func (f *Incident) Step(ctx context.Context, turn *intent.Turn) (intent.Command, error) {
	if !owns(turn, domain.FlowIncident) {
		return f.start(ctx, turn)
	}
	if turn.Classification.ConflictsWithSession {
		return busy(turn, f.prompt(turn)), nil
	}

	switch turn.Flow.CurrentState {
	case domain.StateCollectingData:
		return f.collect(ctx, turn)
	case domain.StateAwaitingAction:
		return f.decide(ctx, turn)
	default:
		return intent.Command{}, apperr.NewStateConflict(
			fmt.Sprintf("incident flow cannot continue from %s", turn.Flow.CurrentState), nil)
	}
}

func (f *Incident) start(ctx context.Context, turn *intent.Turn) (intent.Command, error) {
	if _, err := f.open(ctx, turn, domain.FlowIncident, fsm.TriggerStartIncident); err != nil {
		if apperr.Is(err, apperr.KindStateConflict) {
			return intent.ContinueWith(reply(turn, text(turn, i18n.FlowBusy))), nil
		}
		return intent.Command{}, err
	}
	return intent.ContinueWith(reply(turn, text(turn, i18n.IncidentAskDescription))), nil
}

// nextField returns the index of the first field not yet collected, or -1.
func nextField(fc *domain.FSMContext) int {
	for i, field := range incidentFields {
		if fc.StringData(field.key) == "" {
			return i
		}
	}
	return -1
}

func (f *Incident) prompt(turn *intent.Turn) string {
	if turn.Flow.CurrentState == domain.StateAwaitingAction {
		return f.summary(turn)
	}
	i := nextField(turn.Flow)
	if i < 0 {
		i = 0
	}
	return text(turn, incidentFields[i].prompt)
}

func (f *Incident) summary(turn *intent.Turn) string {
	fc := turn.Flow
	return text(turn, i18n.IncidentSummary, fc.StringData(keyDescription), fc.StringData(keyLocation), fc.StringData(keySeverity)) +
		"\n" + text(turn, i18n.ConfirmOrEdit)
}

func (f *Incident) collect(ctx context.Context, turn *intent.Turn) (intent.Command, error) {
	i := nextField(turn.Flow)
	if i < 0 {
		if _, err := f.fire(ctx, turn, fsm.TriggerDataComplete); err != nil {
			return intent.Command{}, err
		}
		return intent.ContinueWith(reply(turn, f.summary(turn))), nil
	}

	field := incidentFields[i]
	value := turn.Text
	if field.key == keySeverity {
		sev, ok := parseSeverity(turn.Text)
		if !ok {
			return intent.ContinueWith(reply(turn, text(turn, i18n.IncidentBadSeverity))), nil
		}
		value = sev
	}

	trigger := fsm.TriggerAddData
	if i == len(incidentFields)-1 {
		trigger = fsm.TriggerDataComplete
	}
	if _, err := f.fire(ctx, turn, trigger, set(map[string]any{field.key: value})); err != nil {
		return intent.Command{}, err
	}
	if trigger == fsm.TriggerDataComplete {
		return intent.ContinueWith(reply(turn, f.summary(turn))), nil
	}
	return intent.ContinueWith(reply(turn, text(turn, incidentFields[i+1].prompt))), nil
}

func (f *Incident) decide(ctx context.Context, turn *intent.Turn) (intent.Command, error) {
	switch parseAnswer(turn.Text) {
	case answerYes:
		return f.submit(ctx, turn)
	case answerEdit:
		keys := make([]string, 0, len(incidentFields))
		for _, field := range incidentFields {
			keys = append(keys, field.key)
		}
		if _, err := f.fire(ctx, turn, fsm.TriggerEdit, unset(keys...)); err != nil {
			return intent.Command{}, err
		}
		return intent.ContinueWith(reply(turn, text(turn, i18n.IncidentAskDescription))), nil
	case answerNo:
		return f.decline(ctx, turn)
	default:
		return intent.ContinueWith(reply(turn, f.summary(turn))), nil
	}
}

// submit files the report before the confirm transition, so COMPLETED
// always means the backend accepted it.
func (f *Incident) submit(ctx context.Context, turn *intent.Turn) (intent.Command, error) {
	fc := turn.Flow
	report := ticketing.IncidentReport{
		ExternalRef: externalRef(fc),
		UserID:      fc.UserID,
		TaskID:      fc.TaskID,
		Description: fc.StringData(keyDescription),
		Location:    fc.StringData(keyLocation),
		Severity:    fc.StringData(keySeverity),
	}
	if project, err := f.Focus.Get(ctx, fc.UserID, domain.ContextProject); err == nil && project != nil {
		report.ProjectID = project.Ref
	}

	ref, err := f.Tasks.CreateIncident(ctx, report)
	if err != nil {
		if ctx.Err() != nil {
			return intent.Command{}, err
		}
		f.Logger.Warn("incident submission failed", "user_id", fc.UserID, "external_ref", report.ExternalRef, "error", err)
		return intent.ContinueWith(reply(turn, text(turn, i18n.SubmissionFailed))), nil
	}

	if _, err := f.fire(ctx, turn, fsm.TriggerConfirm, f.clearTaskFocus()); err != nil {
		return intent.Command{}, err
	}
	f.Logger.Info("incident submitted", "user_id", fc.UserID, "ticket_ref", ref, "severity", report.Severity)
	f.finish(ctx, turn)
	return intent.CompleteWith(reply(turn, text(turn, i18n.IncidentSubmitted, ref))), nil
}
