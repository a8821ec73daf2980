package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatModel struct {
	content string
	err     error
	calls   int
}

func (m *fakeChatModel) Generate(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.content, nil), nil
}

func (m *fakeChatModel) Stream(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *fakeChatModel) BindTools(_ []*schema.ToolInfo) error { return nil }

func TestKeywordClassification(t *testing.T) {
	c := NewClassifier(nil, nil, nil)
	tests := []struct {
		text       string
		intent     domain.Intent
		confidence float64
	}{
		{"bonjour", domain.IntentGreeting, 0.98},
		{"Bonjour !", domain.IntentGreeting, 0.98},
		{"hola, buenos dias a todos", domain.IntentGreeting, 0.90},
		{"I need to report an accident on site 4", domain.IntentReportIncident, 0.90},
		{"mis tareas", domain.IntentListTasks, 0.98},
		{"cancel", domain.IntentCancel, 0.98},
		{"this is a thing", domain.IntentGeneral, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := c.Classify(context.Background(), Request{Text: tt.text})
			require.NoError(t, err)
			assert.Equal(t, tt.intent, got.Intent)
			assert.InDelta(t, tt.confidence, got.Confidence, 1e-9)
		})
	}
}

func TestSetProjectParameter(t *testing.T) {
	c := NewClassifier(nil, nil, nil)
	got, err := c.Classify(context.Background(), Request{Text: "projet P-100"})
	require.NoError(t, err)
	assert.Equal(t, domain.IntentSetProject, got.Intent)
	assert.Equal(t, "P-100", got.Parameters["project"])
}

func TestActiveFlowClassification(t *testing.T) {
	c := NewClassifier(nil, nil, nil)
	ctx := context.Background()

	got, err := c.Classify(ctx, Request{Text: "the pump near gate 3", ActiveFlow: domain.FlowIncident})
	require.NoError(t, err)
	assert.Equal(t, domain.IntentContinueFlow, got.Intent)
	assert.InDelta(t, 0.95, got.Confidence, 1e-9)
	assert.False(t, got.ConflictsWithSession)

	got, err = c.Classify(ctx, Request{Text: "there was an accident", ActiveFlow: domain.FlowIncident})
	require.NoError(t, err)
	assert.Equal(t, domain.IntentContinueFlow, got.Intent)
	assert.False(t, got.ConflictsWithSession)

	got, err = c.Classify(ctx, Request{Text: "incident", ActiveFlow: domain.FlowProgress})
	require.NoError(t, err)
	assert.Equal(t, domain.IntentContinueFlow, got.Intent)
	assert.True(t, got.ConflictsWithSession)
	assert.Equal(t, "report_incident", got.Parameters["requested_intent"])

	got, err = c.Classify(ctx, Request{Text: "annuler", ActiveFlow: domain.FlowProgress})
	require.NoError(t, err)
	assert.Equal(t, domain.IntentCancel, got.Intent)
}

func TestLLMFallback(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name       string
		content    string
		intent     domain.Intent
		confidence float64
	}{
		{"full", `{"intent":"list_tasks","confidence":0.82}`, domain.IntentListTasks, 0.82},
		{"wrapped", "Sure:\n```json\n{\"intent\": \"escalate\"}\n```", domain.IntentEscalate, 0.6},
		{"unknown label", `{"intent":"dance","confidence":0.9}`, domain.IntentGeneral, 0.3},
		{"garbage", "I think they want help", domain.IntentGeneral, 0.3},
		{"continue outside flow", `{"intent":"continue_flow","confidence":0.9}`, domain.IntentGeneral, 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cm := &fakeChatModel{content: tt.content}
			fb, err := NewLLMFallback(ctx, cm, 0)
			require.NoError(t, err)

			got, err := NewClassifier(nil, fb, nil).Classify(ctx, Request{Text: "can you check the schedule for tomorrow"})
			require.NoError(t, err)
			assert.Equal(t, 1, cm.calls)
			assert.Equal(t, tt.intent, got.Intent)
			assert.InDelta(t, tt.confidence, got.Confidence, 1e-9)
		})
	}
}

func TestLLMFallbackFailureDegrades(t *testing.T) {
	ctx := context.Background()
	fb, err := NewLLMFallback(ctx, &fakeChatModel{err: errors.New("503")}, 0)
	require.NoError(t, err)

	got, err := NewClassifier(nil, fb, nil).Classify(ctx, Request{Text: "what about the schedule"})
	require.NoError(t, err)
	assert.Equal(t, domain.IntentGeneral, got.Intent)
	assert.Equal(t, "fallback_error", got.Source)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = NewClassifier(nil, fb, nil).Classify(cancelled, Request{Text: "what about the schedule"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFormatHistoryKeepsNewest(t *testing.T) {
	msgs := []*domain.Message{
		{Direction: domain.DirectionInbound, Text: "one"},
		{Direction: domain.DirectionOutbound, Text: "two"},
		{Direction: domain.DirectionInbound, Text: "three"},
	}
	assert.Equal(t, "assistant: two\nworker: three", formatHistory(msgs, 2))
	assert.Equal(t, "(no earlier messages)", formatHistory(nil, 2))
}
