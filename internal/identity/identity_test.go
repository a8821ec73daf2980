package identity

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUsers struct {
	users map[string]*domain.User
	err   error
}

func (f *fakeUsers) GetUserByChannelID(_ context.Context, channelID string) (*domain.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.users[channelID], nil
}

func TestAuthenticate(t *testing.T) {
	users := &fakeUsers{users: map[string]*domain.User{
		"+33600000001": {UserID: "u1", ChannelID: "+33600000001", Active: true},
		"+33600000002": {UserID: "u2", ChannelID: "+33600000002", Active: false},
	}}
	auth := NewAuthenticator(users)
	ctx := context.Background()

	u, err := auth.Authenticate(ctx, "whatsapp:+33 6 00 00 00 01")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.UserID)

	_, err = auth.Authenticate(ctx, "+33600000002")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))

	_, err = auth.Authenticate(ctx, "+19999999999")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))

	_, err = auth.Authenticate(ctx, "  ")
	assert.True(t, apperr.Is(err, apperr.KindValidationFailure))

	users.err = errors.New("db down")
	_, err = auth.Authenticate(ctx, "+33600000001")
	require.Error(t, err)
	assert.False(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestNormalizeAddress(t *testing.T) {
	cases := []struct{ in, want string }{
		{in: "+33600000001", want: "+33600000001"},
		{in: "whatsapp:+33 6 00-00-00 01", want: "+33600000001"},
		{in: " (555) 000.0001 ", want: "5550000001"},
		{in: "ws:u-field-1", want: "u-field-1"},
		{in: "", want: ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, NormalizeAddress(c.in), c.in)
	}
}

func TestVerify(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"id":"m1"}`)
	sig := Sign(secret, body)

	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.True(t, Verify(secret, body, sig))
	assert.False(t, Verify(secret, []byte(`{"id":"m2"}`), sig))
	assert.False(t, Verify([]byte("other"), body, sig))
	assert.False(t, Verify(secret, body, strings.TrimPrefix(sig, "sha256=")))
	assert.False(t, Verify(secret, body, "sha256=zz"))
}

func TestSignatureMiddleware(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusAccepted)
	})
	h := SignatureMiddleware("s3cret")(next)
	body := `{"id":"m1","from":"+33600000001"}`

	req := httptest.NewRequest(http.MethodPost, "/webhook/messages", strings.NewReader(body))
	req.Header.Set(SignatureHeader, Sign([]byte("s3cret"), []byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, body, seen, "body is restored for the next handler")

	req = httptest.NewRequest(http.MethodPost, "/webhook/messages", strings.NewReader(body))
	req.Header.Set(SignatureHeader, "sha256=00")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	open := SignatureMiddleware("")(next)
	req = httptest.NewRequest(http.MethodPost, "/webhook/messages", strings.NewReader(body))
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestUserIDContext(t *testing.T) {
	ctx := WithUserID(context.Background(), "u1")
	assert.Equal(t, "u1", UserIDFromContext(ctx))
	assert.Empty(t, UserIDFromContext(context.Background()))
}
