package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ashureev/fieldchat/internal/activectx"
	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/config"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/fsm"
	"github.com/ashureev/fieldchat/internal/hygiene"
	"github.com/ashureev/fieldchat/internal/identity"
	"github.com/ashureev/fieldchat/internal/idempotency"
	"github.com/ashureev/fieldchat/internal/metrics"
	"github.com/ashureev/fieldchat/internal/session"
	"github.com/ashureev/fieldchat/internal/store"
)

// newCLIApp creates the CLI application with all commands. Results are
// written to out as JSON.
func newCLIApp(out io.Writer) *cli.App {
	app := &cli.App{
		Name:    "fieldctl",
		Usage:   "Operate a fieldchat deployment",
		Version: Version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", EnvVars: []string{"DB_PATH"}, Value: "./data/fieldchat.db", Usage: "SQLite database path"},
		},
		Commands: []*cli.Command{
			userCmd(),
			sessionCmd(),
			sweepCmd(),
			metricsCmd(),
			rulesCmd(),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// userCmd manages the directory of known workers.
func userCmd() *cli.Command {
	return &cli.Command{
		Name:  "user",
		Usage: "Manage registered workers",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Register or update a worker",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true, Usage: "User ID"},
					&cli.StringFlag{Name: "channel", Required: true, Usage: "Channel address, e.g. whatsapp:+1 555-0100"},
					&cli.StringFlag{Name: "name", Usage: "Display name"},
					&cli.StringFlag{Name: "lang", Value: "en", Usage: "Preferred language"},
					&cli.BoolFlag{Name: "inactive", Usage: "Register the worker as disabled"},
				},
				Action: func(c *cli.Context) error {
					repo, err := openStore(c)
					if err != nil {
						return outputError(err)
					}
					defer repo.Close()

					user := &domain.User{
						UserID:      c.String("id"),
						ChannelID:   identity.NormalizeAddress(c.String("channel")),
						DisplayName: c.String("name"),
						Language:    strings.ToLower(c.String("lang")),
						Active:      !c.Bool("inactive"),
					}
					if err := repo.UpsertUser(c.Context, user); err != nil {
						return outputError(err)
					}
					return outputJSON(c, user)
				},
			},
			{
				Name:      "show",
				Usage:     "Look up a worker by channel address",
				ArgsUsage: "<channel>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return outputError(apperr.NewValidationFailure("channel address is required"))
					}
					repo, err := openStore(c)
					if err != nil {
						return outputError(err)
					}
					defer repo.Close()

					user, err := repo.GetUserByChannelID(c.Context, identity.NormalizeAddress(c.Args().First()))
					if err != nil {
						return outputError(err)
					}
					if user == nil {
						return outputError(apperr.NewNotFound("user", c.Args().First()))
					}
					return outputJSON(c, user)
				},
			},
		},
	}
}

// sessionCmd closes sessions by hand.
func sessionCmd() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Manage conversation sessions",
		Subcommands: []*cli.Command{
			{
				Name:      "end",
				Usage:     "End a session",
				ArgsUsage: "<session-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Value: "operator", Usage: "Closure reason"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return outputError(apperr.NewValidationFailure("session id is required"))
					}
					cfg, repo, err := loadRuntime(c)
					if err != nil {
						return outputError(err)
					}
					defer repo.Close()

					svc := newSessions(cfg, repo)
					id := c.Args().First()
					if err := svc.End(c.Context, id, c.String("reason")); err != nil {
						return outputError(err)
					}
					return outputJSON(c, map[string]string{"session_id": id, "status": "ended"})
				},
			},
		},
	}
}

type sweepOutput struct {
	SessionsEnded   int              `json:"sessions_ended"`
	ContextsExpired int64            `json:"contexts_expired"`
	FlowsAbandoned  int              `json:"flows_abandoned"`
	LedgerPurged    int64            `json:"ledger_purged"`
	Health          metrics.Snapshot `json:"health"`
	Error           string           `json:"error,omitempty"`
}

// sweepCmd runs one hygiene pass against the database.
func sweepCmd() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Run one hygiene sweep (stale sessions, expired contexts, idle flows, old idempotency records)",
		Action: func(c *cli.Context) error {
			cfg, repo, err := loadRuntime(c)
			if err != nil {
				return outputError(err)
			}
			defer repo.Close()

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			collector := newCollector(cfg)
			worker := hygiene.New(hygiene.Deps{
				Repo:     repo,
				Sessions: session.NewService(repo, sessionPolicy(cfg), collector, logger),
				Contexts: activectx.New(repo, activectx.Windows{
					domain.ContextProject: cfg.Context.ProjectWindow,
					domain.ContextTask:    cfg.Context.TaskWindow,
				}, logger),
				Ledger: idempotency.New(repo, cfg.Pipeline.IdempotencyStale, logger),
				Engine: fsm.NewEngine(fsm.DefaultTable(), repo, logger),
				Health: collector,
			}, hygiene.Config{
				StaleSessionAfter:    cfg.Hygiene.StaleSessionAfter,
				FlowIdleTimeout:      cfg.Hygiene.FlowIdleTimeout,
				IdempotencyRetention: cfg.Hygiene.IdempotencyRetention,
			}, logger)

			rep := worker.Sweep(c.Context)
			out := sweepOutput{
				SessionsEnded:   rep.SessionsEnded,
				ContextsExpired: rep.ContextsExpired,
				FlowsAbandoned:  rep.FlowsAbandoned,
				LedgerPurged:    rep.LedgerPurged,
				Health:          rep.Health,
			}
			if rep.Err != nil {
				out.Error = rep.Err.Error()
			}
			if err := outputJSON(c, out); err != nil {
				return err
			}
			if rep.Err != nil {
				return cli.Exit("sweep finished with errors", 1)
			}
			return nil
		},
	}
}

// metricsCmd reads the counters of a running server.
func metricsCmd() *cli.Command {
	return &cli.Command{
		Name:  "metrics",
		Usage: "Print the session counters of a running server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "http://localhost:8080", Usage: "Server base URL"},
			&cli.StringFlag{Name: "token", EnvVars: []string{"ADMIN_TOKEN"}, Usage: "Operator bearer token"},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "Request timeout"},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			snap, err := fetchMetrics(ctx, strings.TrimRight(c.String("addr"), "/")+"/api/metrics", c.String("token"))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, snap)
		},
	}
}

func fetchMetrics(ctx context.Context, url, token string) (*metrics.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.NewValidationFailure(fmt.Sprintf("bad server address: %v", err))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, apperr.NewIntegrationFailure("server", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, apperr.NewUnauthorized(fmt.Sprintf("server refused the operator token (status %d)", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.NewIntegrationFailure("server", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	var snap metrics.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, apperr.NewIntegrationFailure("server", fmt.Errorf("decode metrics: %w", err))
	}
	return &snap, nil
}

type rulesOutput struct {
	Valid bool       `json:"valid"`
	Rules int        `json:"rules"`
	Table []fsm.Rule `json:"table,omitempty"`
}

// rulesCmd checks transition tables.
func rulesCmd() *cli.Command {
	return &cli.Command{
		Name:  "rules",
		Usage: "Inspect flow transition tables",
		Subcommands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "Validate a YAML rule table",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "print", Usage: "Print the parsed rules"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return outputError(apperr.NewValidationFailure("rules file is required"))
					}
					data, err := os.ReadFile(c.Args().First())
					if err != nil {
						return outputError(apperr.NewValidationFailure(fmt.Sprintf("read rules: %v", err)))
					}
					table, err := fsm.ParseTable(data)
					if err != nil {
						return outputError(err)
					}
					out := rulesOutput{Valid: true, Rules: len(table.Rules())}
					if c.Bool("print") {
						out.Table = table.Rules()
					}
					return outputJSON(c, out)
				},
			},
			{
				Name:  "default",
				Usage: "Print the built-in rule table",
				Action: func(c *cli.Context) error {
					rules := fsm.DefaultTable().Rules()
					return outputJSON(c, rulesOutput{Valid: true, Rules: len(rules), Table: rules})
				},
			},
		},
	}
}

// Helper functions

func openStore(c *cli.Context) (*store.SQLiteStore, error) {
	repo, err := store.NewSQLite(c.String("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return repo, nil
}

// loadRuntime reads the server configuration from the environment and opens
// the database named by --db.
func loadRuntime(c *cli.Context) (*config.Config, *store.SQLiteStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	repo, err := openStore(c)
	if err != nil {
		return nil, nil, err
	}
	return cfg, repo, nil
}

func sessionPolicy(cfg *config.Config) session.Policy {
	loc, _ := cfg.Session.Location()
	return session.Policy{
		Timeout:          cfg.Session.Timeout,
		WorkdayStartHour: cfg.Session.WorkdayStartHour,
		WorkdayEndHour:   cfg.Session.WorkdayEndHour,
		Location:         loc,
	}
}

func newCollector(cfg *config.Config) *metrics.Collector {
	return metrics.NewCollector(metrics.HealthPolicy{
		AlertBelow: cfg.Health.ReuseRatioAlert,
		MinSamples: int64(cfg.Health.ReuseRatioMinSamples),
	}, slog.New(slog.DiscardHandler))
}

func newSessions(cfg *config.Config, repo *store.SQLiteStore) *session.Service {
	return session.NewService(repo, sessionPolicy(cfg), newCollector(cfg), slog.New(slog.DiscardHandler))
}

// outputJSON writes result to the app writer as indented JSON.
func outputJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", appErr.Kind, appErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}
