// Package ticketing talks to the work-tracking backend.
package ticketing

import (
	"context"
	"fmt"
	"strings"
)

// Task is a unit of field work assigned to a user.
type Task struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	Percent   int    `json:"percent"`
}

// Project is a site or contract grouping tasks.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IncidentReport is submitted when an incident flow is confirmed.
// ExternalRef makes submission idempotent on the backend.
type IncidentReport struct {
	ExternalRef string `json:"external_ref"`
	UserID      string `json:"user_id"`
	ProjectID   string `json:"project_id,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Severity    string `json:"severity"`
}

// ProgressUpdate is submitted when a progress flow is confirmed.
type ProgressUpdate struct {
	ExternalRef string `json:"external_ref"`
	UserID      string `json:"user_id"`
	TaskID      string `json:"task_id"`
	Percent     int    `json:"percent"`
	Note        string `json:"note,omitempty"`
}

// Client is the backend contract consumed by handlers and flows.
type Client interface {
	ListTasks(ctx context.Context, userID, projectID string) ([]Task, error)
	GetProject(ctx context.Context, projectID string) (*Project, error)
	CreateIncident(ctx context.Context, report IncidentReport) (string, error)
	UpdateProgress(ctx context.Context, update ProgressUpdate) error
}

// FormatTasks renders a numbered task list, one task per line.
func FormatTasks(tasks []Task) string {
	lines := make([]string, 0, len(tasks))
	for i, t := range tasks {
		lines = append(lines, fmt.Sprintf("%d. %s (%s, %d%%)", i+1, t.Title, t.ID, t.Percent))
	}
	return strings.Join(lines, "\n")
}
