package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/channel"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPipeline struct {
	res  pipeline.Result
	seen []pipeline.Input
}

func (s *stubPipeline) Process(_ context.Context, in pipeline.Input) pipeline.Result {
	s.seen = append(s.seen, in)
	return s.res
}

type sentReply struct {
	to    string
	reply domain.Reply
}

type flakySender struct {
	mu    sync.Mutex
	fails int // number of leading sends that fail
	sent  []sentReply
	calls int
}

func (f *flakySender) Send(_ context.Context, to string, reply domain.Reply) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return "", errors.New("provider unavailable")
	}
	f.sent = append(f.sent, sentReply{to: to, reply: reply})
	return "out-1", nil
}

type memIncidents struct {
	items []domain.Incident
	err   error
}

func (m *memIncidents) RecordIncident(_ context.Context, inc *domain.Incident) error {
	if m.err != nil {
		return m.err
	}
	m.items = append(m.items, *inc)
	return nil
}

type memJournal struct{ items []domain.Incident }

func (m *memJournal) Incident(inc domain.Incident) error {
	m.items = append(m.items, inc)
	return nil
}

var inbound = channel.Inbound{
	MessageID:  "wamid-1",
	From:       "whatsapp:+33600000001",
	Channel:    "whatsapp",
	Text:       "bonjour",
	MediaURL:   "https://media.example/1.ogg",
	MediaType:  "audio/ogg",
	ReceivedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
}

func newConsumer(res pipeline.Result, fails int) (*Consumer, *stubPipeline, *flakySender, *memIncidents, *memJournal) {
	p := &stubPipeline{res: res}
	s := &flakySender{fails: fails}
	inc := &memIncidents{}
	j := &memJournal{}
	return NewConsumer(p, s, inc, nil, WithIncidentLog(j)), p, s, inc, j
}

func TestHandleSendsReply(t *testing.T) {
	c, p, s, inc, _ := newConsumer(pipeline.Result{
		Reply: &domain.Reply{Text: "Bonjour !", Language: "fr"}, UserID: "u1", Language: "fr",
	}, 0)

	res := c.Handle(context.Background(), inbound)
	require.NoError(t, res.Err)

	require.Len(t, p.seen, 1)
	in := p.seen[0]
	assert.Equal(t, "wamid-1", in.MessageID)
	assert.Equal(t, "whatsapp:+33600000001", in.ChannelID)
	assert.True(t, in.Media.IsAudio())
	assert.Equal(t, inbound.ReceivedAt, in.ReceivedAt)

	require.Len(t, s.sent, 1)
	assert.Equal(t, "whatsapp:+33600000001", s.sent[0].to)
	assert.Equal(t, "Bonjour !", s.sent[0].reply.Text)
	assert.Empty(t, inc.items)
}

func TestDuplicatesAreNotResent(t *testing.T) {
	for _, res := range []pipeline.Result{
		{Replayed: true, Reply: &domain.Reply{Text: "cached"}},
		{InFlight: true},
	} {
		c, _, s, _, _ := newConsumer(res, 0)
		c.Handle(context.Background(), inbound)
		assert.Zero(t, s.calls)
	}
}

func TestReplySendFailureSendsNotice(t *testing.T) {
	c, _, s, inc, _ := newConsumer(pipeline.Result{
		Reply: &domain.Reply{Text: "Bonjour !", Language: "fr"}, UserID: "u1", Language: "fr",
	}, 1)

	res := c.Handle(context.Background(), inbound)
	assert.True(t, apperr.Is(res.Err, apperr.KindIntegrationFailure))

	require.Len(t, s.sent, 1)
	assert.Equal(t, apperr.UserMessage(apperr.NewIntegrationFailure("channel", nil), "fr"), s.sent[0].reply.Text)
	assert.Equal(t, "fr", s.sent[0].reply.Language)
	assert.Empty(t, inc.items)
}

func TestUnacknowledgedMessageIsCriticalIncident(t *testing.T) {
	c, _, s, inc, j := newConsumer(pipeline.Result{
		Reply: &domain.Reply{Text: "Hello!"}, UserID: "u1", Language: "en",
	}, 2)

	c.Handle(context.Background(), inbound)
	assert.Equal(t, 2, s.calls)
	assert.Empty(t, s.sent)

	require.Len(t, inc.items, 1)
	got := inc.items[0]
	assert.Equal(t, "critical", got.Severity)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "wamid-1", got.MessageID)
	assert.Contains(t, got.Detail, "whatsapp:+33600000001")

	require.Len(t, j.items, 1)
	assert.Equal(t, got.ID, j.items[0].ID)
}

func TestFailedNoticeIsCriticalIncident(t *testing.T) {
	cause := apperr.NewTimeout("route", context.DeadlineExceeded)
	c, _, s, inc, j := newConsumer(pipeline.Result{
		Reply:       &domain.Reply{Text: apperr.UserMessage(cause, "es"), Language: "es"},
		Language:    "es",
		Err:         cause,
		FailedStage: "route",
	}, 1)
	inc.err = errors.New("database is locked")

	res := c.Handle(context.Background(), inbound)
	assert.Same(t, cause, res.Err)
	assert.Equal(t, 1, s.calls, "the failure notice is not sent twice")

	assert.Empty(t, inc.items)
	require.Len(t, j.items, 1, "the file log still gets the incident")
	assert.Contains(t, j.items[0].Detail, "route")
}
