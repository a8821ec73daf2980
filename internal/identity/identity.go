// Package identity verifies who is talking to the service: webhook
// signatures on the HTTP edge and registered workers behind channel addresses.
package identity

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
)

const (
	// SignatureHeader carries "sha256=<hex HMAC of the raw body>".
	SignatureHeader = "X-Signature"
	signaturePrefix = "sha256="
	maxBodyBytes    = 1 << 20
)

type contextKey int

const userIDKey contextKey = iota

// UserIDFromContext extracts the authenticated user ID from ctx.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// Users looks up registered workers.
type Users interface {
	GetUserByChannelID(ctx context.Context, channelID string) (*domain.User, error)
}

// Authenticator maps a channel sender address to an active user.
type Authenticator struct {
	users Users
}

// NewAuthenticator creates an authenticator backed by users.
func NewAuthenticator(users Users) *Authenticator {
	return &Authenticator{users: users}
}

// Authenticate returns the active user registered for channelID. Unknown
// and deactivated senders are UNAUTHORIZED.
func (a *Authenticator) Authenticate(ctx context.Context, channelID string) (*domain.User, error) {
	channelID = NormalizeAddress(channelID)
	if channelID == "" {
		return nil, apperr.NewValidationFailure("sender address is required")
	}
	user, err := a.users.GetUserByChannelID(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("look up sender: %w", err)
	}
	if user == nil {
		return nil, apperr.NewUnauthorized("sender is not registered")
	}
	if !user.Active {
		return nil, apperr.NewUnauthorized("user is deactivated")
	}
	return user, nil
}

// NormalizeAddress strips the provider prefix and phone formatting from a
// sender address, e.g. "whatsapp:+33 6 00-00-00 01" becomes "+33600000001".
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if prefix, rest, ok := strings.Cut(addr, ":"); ok && isScheme(prefix) {
		addr = strings.TrimSpace(rest)
	}
	if addr == "" || (addr[0] != '+' && addr[0] != '(' && (addr[0] < '0' || addr[0] > '9')) {
		return addr
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, addr)
}

func isScheme(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header is a valid signature of body.
func Verify(secret, body []byte, header string) bool {
	got, ok := strings.CutPrefix(strings.TrimSpace(header), signaturePrefix)
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// SignatureMiddleware rejects requests whose body does not carry a valid
// signature. An empty secret disables the check.
func SignatureMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		key := []byte(secret)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			_ = r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			if len(body) > maxBodyBytes {
				http.Error(w, `{"error":"body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}
			if !Verify(key, body, r.Header.Get(SignatureHeader)) {
				http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing and
// rate limiting.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
