package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/metrics"
	"github.com/ashureev/fieldchat/internal/store"
)

// setupTestDB returns the path of a fresh database in a temp dir.
func setupTestDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldchat.db")
	repo, err := store.NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, repo.Close())
	return path
}

// run executes fieldctl with args and returns what it printed.
func run(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newCLIApp(&out)
	err := app.Run(append([]string{"fieldctl", "--db", dbPath}, args...))
	return out.String(), err
}

func TestUserAddAndShow(t *testing.T) {
	db := setupTestDB(t)

	out, err := run(t, db, "user", "add", "--id", "u1", "--channel", "whatsapp:+1 555-0100", "--name", "Ana", "--lang", "PT")
	require.NoError(t, err)

	var added domain.User
	require.NoError(t, json.Unmarshal([]byte(out), &added))
	assert.Equal(t, "+15550100", added.ChannelID)
	assert.Equal(t, "pt", added.Language)
	assert.True(t, added.Active)

	out, err = run(t, db, "user", "show", "+15550100")
	require.NoError(t, err)
	var shown domain.User
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "u1", shown.UserID)
	assert.Equal(t, "Ana", shown.DisplayName)

	_, err = run(t, db, "user", "add", "--id", "u1", "--channel", "+15550100", "--inactive")
	require.NoError(t, err)
	out, err = run(t, db, "user", "show", "+15550100")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.False(t, shown.Active)
}

func TestUserShowUnknown(t *testing.T) {
	db := setupTestDB(t)

	_, err := run(t, db, "user", "show", "+19999999")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[NOT_FOUND]")
}

func TestSessionEnd(t *testing.T) {
	db := setupTestDB(t)

	repo, err := store.NewSQLite(db)
	require.NoError(t, err)
	sess, _, err := repo.GetOrCreateSession(context.Background(), "u1", time.Now(),
		func(_, _ time.Time) bool { return true })
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	out, err := run(t, db, "session", "end", sess.ID, "--reason", "shift over")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "ended"`)

	repo, err = store.NewSQLite(db)
	require.NoError(t, err)
	defer repo.Close()
	got, err := repo.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionEnded, got.Status)

	_, err = run(t, db, "session", "end", "no-such-session")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[NOT_FOUND]")

	_, err = run(t, db, "session", "end")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[VALIDATION_FAILURE]")
}

func TestSweep(t *testing.T) {
	db := setupTestDB(t)

	repo, err := store.NewSQLite(db)
	require.NoError(t, err)
	_, _, err = repo.GetOrCreateSession(context.Background(), "u1", time.Now().Add(-48*time.Hour),
		func(_, _ time.Time) bool { return true })
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	out, err := run(t, db, "sweep")
	require.NoError(t, err)

	var rep sweepOutput
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 1, rep.SessionsEnded)
	assert.Zero(t, rep.FlowsAbandoned)
	assert.Empty(t, rep.Error)
	assert.True(t, rep.Health.Healthy)
}

func TestMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/metrics" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer ops-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(metrics.Snapshot{SessionsCreated: 2, SessionsReused: 18, ReuseRatio: 0.9})
	}))
	defer srv.Close()

	out, err := run(t, "unused.db", "metrics", "--addr", srv.URL+"/", "--token", "ops-token")
	require.NoError(t, err)
	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, int64(18), snap.SessionsReused)
	assert.InDelta(t, 0.9, snap.ReuseRatio, 1e-9)

	_, err = run(t, "unused.db", "metrics", "--addr", srv.URL+"/missing", "--token", "ops-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[INTEGRATION_FAILURE]")

	_, err = run(t, "unused.db", "metrics", "--addr", srv.URL, "--token", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[UNAUTHORIZED]")
}

func TestRulesValidate(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`rules:
  - from: IDLE
    to: COLLECTING_DATA
    trigger: start_incident
  - from: COLLECTING_DATA
    to: COMPLETED
    trigger: confirm
  - from: any
    to: ABANDONED
    trigger: cancel
`), 0o600))

	out, err := run(t, "unused.db", "rules", "validate", "--print", good)
	require.NoError(t, err)
	var res rulesOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, 3, res.Rules)
	assert.Len(t, res.Table, 3)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("rules: [oops"), 0o600))
	_, err = run(t, "unused.db", "rules", "validate", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[VALIDATION_FAILURE]")
}

func TestRulesDefault(t *testing.T) {
	out, err := run(t, "unused.db", "rules", "default")
	require.NoError(t, err)
	var res rulesOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Valid)
	assert.NotEmpty(t, res.Table)
}
