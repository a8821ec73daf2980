// Package metrics counts session resolution outcomes and evaluates the
// reuse ratio that exposes session races.
package metrics

import (
	"log/slog"
	"sync/atomic"
)

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	SessionsCreated      int64   `json:"sessions_created"`
	SessionsReused       int64   `json:"sessions_reused"`
	ContextLossIncidents int64   `json:"context_loss_incidents"`
	DuplicatesReplayed   int64   `json:"duplicates_replayed"`
	PipelineFailures     int64   `json:"pipeline_failures"`
	ReuseRatio           float64 `json:"reuse_ratio"`
	Healthy              bool    `json:"healthy"`
}

// HealthPolicy decides when the reuse ratio is alarming. Ratios are not
// judged until MinSamples resolutions have been observed.
type HealthPolicy struct {
	AlertBelow float64
	MinSamples int64
}

// Collector holds process-wide counters. It is safe for concurrent use.
type Collector struct {
	created     atomic.Int64
	reused      atomic.Int64
	contextLoss atomic.Int64
	duplicates  atomic.Int64
	failures    atomic.Int64
	policy      HealthPolicy
	alerting    atomic.Bool
	logger      *slog.Logger
}

// NewCollector creates a collector. A nil logger uses slog.Default.
func NewCollector(policy HealthPolicy, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{policy: policy, logger: logger}
}

// SessionCreated counts a resolution that opened a new session.
func (c *Collector) SessionCreated() { c.created.Add(1) }

// SessionReused counts a resolution that returned the existing session.
func (c *Collector) SessionReused() { c.reused.Add(1) }

// ContextLoss counts a flow context found bound to a session that is no longer active.
func (c *Collector) ContextLoss() { c.contextLoss.Add(1) }

// DuplicateReplayed counts a redelivery answered from the idempotency ledger.
func (c *Collector) DuplicateReplayed() { c.duplicates.Add(1) }

// PipelineFailure counts a message whose processing failed.
func (c *Collector) PipelineFailure() { c.failures.Add(1) }

// ReuseRatio returns reused / (created + reused), or 1 when nothing was observed.
func (c *Collector) ReuseRatio() float64 {
	created, reused := c.created.Load(), c.reused.Load()
	return ratio(created, reused)
}

func ratio(created, reused int64) float64 {
	total := created + reused
	if total == 0 {
		return 1
	}
	return float64(reused) / float64(total)
}

// Snapshot returns the current counters with the derived ratio and health.
func (c *Collector) Snapshot() Snapshot {
	created, reused := c.created.Load(), c.reused.Load()
	r := ratio(created, reused)
	return Snapshot{
		SessionsCreated:      created,
		SessionsReused:       reused,
		ContextLossIncidents: c.contextLoss.Load(),
		DuplicatesReplayed:   c.duplicates.Load(),
		PipelineFailures:     c.failures.Load(),
		ReuseRatio:           r,
		Healthy:              c.healthy(created+reused, r),
	}
}

func (c *Collector) healthy(samples int64, r float64) bool {
	if samples < c.policy.MinSamples {
		return true
	}
	return r >= c.policy.AlertBelow
}

// Evaluate logs an alert when the reuse ratio drops below the policy
// threshold and a recovery notice when it climbs back. It returns the
// snapshot it judged.
func (c *Collector) Evaluate() Snapshot {
	snap := c.Snapshot()
	if !snap.Healthy {
		if !c.alerting.Swap(true) {
			c.logger.Error("session reuse ratio below threshold; session race defenses may be failing",
				"reuse_ratio", snap.ReuseRatio,
				"threshold", c.policy.AlertBelow,
				"sessions_created", snap.SessionsCreated,
				"sessions_reused", snap.SessionsReused)
		}
		return snap
	}
	if c.alerting.Swap(false) {
		c.logger.Info("session reuse ratio recovered", "reuse_ratio", snap.ReuseRatio)
	}
	return snap
}
