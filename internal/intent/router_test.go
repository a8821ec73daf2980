package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	name  string
	resp  *Response
	err   error
	panic bool
	calls int
}

func (h *stubHandler) Name() string { return h.name }

func (h *stubHandler) Handle(context.Context, *Turn) (*Response, error) {
	h.calls++
	if h.panic {
		panic("nil map")
	}
	return h.resp, h.err
}

type stubFlow struct {
	claims bool
	cmd    Command
	calls  int
}

func (f *stubFlow) Name() domain.FlowName { return domain.FlowProgress }
func (f *stubFlow) Claims(*Turn) bool     { return f.claims }

func (f *stubFlow) Step(context.Context, *Turn) (Command, error) {
	f.calls++
	return f.cmd, nil
}

type stubReasoner struct {
	resp  *Response
	err   error
	calls int
}

func (r *stubReasoner) Reason(context.Context, *Turn) (*Response, error) {
	r.calls++
	return r.resp, r.err
}

func turnFor(it domain.Intent, confidence float64) *Turn {
	return &Turn{UserID: "u1", Classification: domain.IntentClassification{Intent: it, Confidence: confidence}}
}

func TestFastPathAnswerSkipsReasoning(t *testing.T) {
	c := NewClassifier(nil, nil, nil)
	cls, err := c.Classify(context.Background(), Request{Text: "bonjour"})
	require.NoError(t, err)
	require.InDelta(t, 0.98, cls.Confidence, 1e-9)

	greeting := &stubHandler{name: "greeting", resp: &Response{Reply: domain.Reply{Text: "Bonjour !"}}}
	reg := NewRegistry()
	require.NoError(t, reg.Register(domain.IntentGreeting, greeting))
	reasoner := &stubReasoner{resp: &Response{Reply: domain.Reply{Text: "llm"}}}

	d, err := NewRouter(reg, nil, reasoner, 0.7, nil).Route(context.Background(), &Turn{Classification: cls})
	require.NoError(t, err)
	assert.Equal(t, TierFastPath, d.Tier)
	assert.Equal(t, "Bonjour !", d.Response.Reply.Text)
	assert.Equal(t, 1, greeting.calls)
	assert.Equal(t, 0, reasoner.calls)
}

func TestNoAnswerFallsThroughExactlyOnce(t *testing.T) {
	first := &stubHandler{name: "first"}
	second := &stubHandler{name: "second", resp: &Response{Reply: domain.Reply{Text: "second"}}}
	reg := NewRegistry()
	require.NoError(t, reg.Register(domain.IntentHelp, first, second))
	reasoner := &stubReasoner{}

	d, err := NewRouter(reg, nil, reasoner, 0.7, nil).Route(context.Background(), turnFor(domain.IntentHelp, 0.9))
	require.NoError(t, err)
	assert.Equal(t, "second", d.Handler)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, 0, reasoner.calls)
	assert.Equal(t, []string{"first:no_answer", "second:answered"}, d.Trace)
}

func TestFailingFastPathAndReroutingFlowReachReasoning(t *testing.T) {
	listTasks := &stubHandler{name: "list_tasks", err: errors.New("ticketing down")}
	reg := NewRegistry()
	require.NoError(t, reg.Register(domain.IntentListTasks, listTasks))
	flow := &stubFlow{claims: true, cmd: RerouteBecause("not mine")}
	reasoner := &stubReasoner{resp: &Response{Reply: domain.Reply{Text: "Here is what I found."}}}

	d, err := NewRouter(reg, []Flow{flow}, reasoner, 0.7, nil).Route(context.Background(), turnFor(domain.IntentListTasks, 0.9))
	require.NoError(t, err)
	assert.Equal(t, TierReasoning, d.Tier)
	assert.Equal(t, "Here is what I found.", d.Response.Reply.Text)
	assert.Equal(t, 1, flow.calls)
	assert.Equal(t, 1, reasoner.calls)
	assert.Equal(t, []string{"list_tasks:error", "flow.progress:reroute", "reasoning:answered"}, d.Trace)
}

func TestFlowContinueAnswers(t *testing.T) {
	flow := &stubFlow{claims: true, cmd: ContinueWith(domain.Reply{Text: "Which task?"})}
	reasoner := &stubReasoner{}

	d, err := NewRouter(NewRegistry(), []Flow{flow}, reasoner, 0.7, nil).Route(context.Background(), turnFor(domain.IntentContinueFlow, 0.95))
	require.NoError(t, err)
	assert.Equal(t, TierFlow, d.Tier)
	require.NotNil(t, d.Command)
	assert.Equal(t, Continue, d.Command.Kind)
	assert.Equal(t, 0, reasoner.calls)
}

func TestBelowThresholdGoesStraightToReasoning(t *testing.T) {
	h := &stubHandler{name: "greeting", resp: &Response{}}
	reg := NewRegistry()
	require.NoError(t, reg.Register(domain.IntentGreeting, h))
	reasoner := &stubReasoner{resp: &Response{Reply: domain.Reply{Text: "llm"}}}

	d, err := NewRouter(reg, nil, reasoner, 0.7, nil).Route(context.Background(), turnFor(domain.IntentGreeting, 0.6))
	require.NoError(t, err)
	assert.Equal(t, TierReasoning, d.Tier)
	assert.Equal(t, 0, h.calls)
}

func TestPanickingHandlerFallsThrough(t *testing.T) {
	h := &stubHandler{name: "boom", panic: true}
	reg := NewRegistry()
	require.NoError(t, reg.Register(domain.IntentHelp, h))
	reasoner := &stubReasoner{resp: &Response{Reply: domain.Reply{Text: "llm"}}}

	d, err := NewRouter(reg, nil, reasoner, 0.7, nil).Route(context.Background(), turnFor(domain.IntentHelp, 0.98))
	require.NoError(t, err)
	assert.Equal(t, TierReasoning, d.Tier)
}

func TestReasoningFailureIsReturned(t *testing.T) {
	reasoner := &stubReasoner{err: errors.New("agent unavailable")}
	_, err := NewRouter(NewRegistry(), nil, reasoner, 0.7, nil).Route(context.Background(), turnFor(domain.IntentGeneral, 0.3))
	assert.Error(t, err)
}

func TestRegisterRejectsUnknownIntent(t *testing.T) {
	assert.Error(t, NewRegistry().Register(domain.Intent("dance"), &stubHandler{name: "x"}))
}
