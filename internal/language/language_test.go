package language

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/shared"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	d := NewDetector([]string{"en", "fr", "es", "pt"})
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"fr", "fr", true},
		{"pt-BR", "pt", true},
		{"es_MX", "es", true},
		{"en-GB", "en", true},
		{"de", "", false},
		{"", "", false},
		{"not a tag", "", false},
	}
	for _, tt := range tests {
		got, ok := d.Normalize(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestDetect(t *testing.T) {
	d := NewDetector([]string{"en", "fr", "es", "pt"})
	tests := []struct {
		text, hint, want string
	}{
		{"bonjour, je suis sur le chantier", "", "fr"},
		{"hola, hay una fuga en el nivel 2", "", "es"},
		{"olá, eu tenho uma pergunta", "", "pt"},
		{"there is a leak on the second floor", "fr", "en"},
		{"OK", "es", "es"},
		{"42", "", "en"},
		{"42", "de", "en"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, d.Detect(tt.text, tt.hint), tt.text)
	}
}

func TestDetectorDefaults(t *testing.T) {
	d := NewDetector([]string{"fr-FR", "bogus!"})
	assert.Equal(t, []string{"fr"}, d.Supported())
	assert.Equal(t, "fr", d.Fallback())

	assert.Equal(t, "en", NewDetector(nil).Fallback())
}

type echoModel struct {
	reply string
	err   error
	calls int
}

func (m *echoModel) Generate(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *echoModel) Stream(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *echoModel) BindTools(_ []*schema.ToolInfo) error { return nil }

func TestLLMTranslator(t *testing.T) {
	ctx := context.Background()
	m := &echoModel{reply: "  There is a leak on level 2.\n"}
	tr, err := NewLLMTranslator(ctx, m)
	require.NoError(t, err)

	out, err := tr.Translate(ctx, "Il y a une fuite au niveau 2.", "fr", "en")
	require.NoError(t, err)
	assert.Equal(t, "There is a leak on level 2.", out)

	out, err = tr.Translate(ctx, "unchanged", "en", "EN")
	require.NoError(t, err)
	assert.Equal(t, "unchanged", out)
	assert.Equal(t, 1, m.calls)

	failing, err := NewLLMTranslator(ctx, &echoModel{err: errors.New("boom")})
	require.NoError(t, err)
	_, err = failing.Translate(ctx, "hola", "es", "en")
	assert.True(t, apperr.Is(err, apperr.KindIntegrationFailure))
}

func TestHTTPTranscriber(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var m Media
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		assert.Equal(t, "https://media.example/voice.ogg", m.URL)
		_ = json.NewEncoder(w).Encode(Transcript{Text: "fuga en el sótano", Language: "es"})
	}))
	defer srv.Close()

	tr := NewHTTPTranscriber(srv.URL, time.Second, shared.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond})
	got, err := tr.Transcribe(context.Background(), Media{URL: "https://media.example/voice.ogg", ContentType: "audio/ogg"})
	require.NoError(t, err)
	assert.Equal(t, "es", got.Language)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPTranscriberRejectsSilence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Transcript{})
	}))
	defer srv.Close()

	tr := NewHTTPTranscriber(srv.URL, time.Second, shared.RetryPolicy{MaxAttempts: 1})
	_, err := tr.Transcribe(context.Background(), Media{URL: "x", ContentType: "audio/ogg"})
	assert.True(t, apperr.Is(err, apperr.KindValidationFailure))
}

func TestMediaIsAudio(t *testing.T) {
	assert.True(t, Media{URL: "u", ContentType: "Audio/OGG"}.IsAudio())
	assert.False(t, Media{URL: "u", ContentType: "image/png"}.IsAudio())
	assert.False(t, Media{ContentType: "audio/ogg"}.IsAudio())
}
