package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/identity"
	"github.com/ashureev/fieldchat/internal/shared"
)

const dependency = "ticketing"

// OnBehalfOfHeader names the worker a backend call is made for.
const OnBehalfOfHeader = "X-On-Behalf-Of"

// HTTPClient implements Client over a JSON REST API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	retry   shared.RetryPolicy
}

// NewHTTPClient creates a client for baseURL authenticating with a bearer token.
func NewHTTPClient(baseURL, token string, timeout time.Duration, retry shared.RetryPolicy) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		retry:   retry,
	}
}

var _ Client = (*HTTPClient)(nil)

// ListTasks returns the open tasks of a user, optionally within one project.
func (c *HTTPClient) ListTasks(ctx context.Context, userID, projectID string) ([]Task, error) {
	q := url.Values{"assignee": {userID}, "status": {"open"}}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/tasks?"+q.Encode(), "", nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// GetProject looks up a project by ID.
func (c *HTTPClient) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var p Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), "", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateIncident files an incident and returns the backend's ticket ID.
func (c *HTTPClient) CreateIncident(ctx context.Context, report IncidentReport) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/incidents", report.ExternalRef, report, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// UpdateProgress records progress on a task.
func (c *HTTPClient) UpdateProgress(ctx context.Context, update ProgressUpdate) error {
	path := "/tasks/" + url.PathEscape(update.TaskID) + "/progress"
	return c.do(ctx, http.MethodPost, path, update.ExternalRef, update, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path, idemKey string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
	}

	return shared.Retry(ctx, c.retry, dependency+" "+method, apperr.IsRetryable, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if idemKey != "" {
			req.Header.Set("Idempotency-Key", idemKey)
		}
		if uid := identity.UserIDFromContext(ctx); uid != "" {
			req.Header.Set(OnBehalfOfHeader, uid)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return apperr.NewTimeout(dependency, err)
			}
			return apperr.NewIntegrationFailure(dependency, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if err := classifyStatus(resp, path); err != nil {
			return err
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperr.NewIntegrationFailure(dependency, fmt.Errorf("decode %s response: %w", path, err))
		}
		return nil
	})
}

func classifyStatus(resp *http.Response, path string) error {
	// 409 is the backend acknowledging a replayed Idempotency-Key; its
	// body carries the original result.
	if (resp.StatusCode >= 200 && resp.StatusCode < 300) || resp.StatusCode == http.StatusConflict {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &apperr.Error{Kind: apperr.KindNotFound, Message: path, Err: cause}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperr.NewIntegrationFailure(dependency, cause)
	default:
		return &apperr.Error{Kind: apperr.KindValidationFailure, Message: path, Err: cause}
	}
}
