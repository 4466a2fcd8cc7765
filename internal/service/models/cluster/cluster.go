package cluster

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("cluster not found")
	ErrDecisionNotFound  = errors.New("cluster decision not found")
	ErrDuplicateDecision = errors.New("cluster decision with this idempotency key already exists")
)

// Status is the operator-facing state of a cluster.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusMuted    Status = "MUTED"
	StatusResolved Status = "RESOLVED"
)

// Cluster groups auth errors sharing a stack hash.
type Cluster struct {
	ID          int64      `json:"id"`
	ClusterKey  string     `json:"clusterKey"`
	Status      Status     `json:"status"`
	Title       *string    `json:"title,omitempty"`
	Summary     *string    `json:"summary,omitempty"`
	TotalCount  int64      `json:"totalCount"`
	FirstSeenAt *time.Time `json:"firstSeenAt,omitempty"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Page is one slice of clusters and the number of clusters across all pages.
type Page struct {
	Items         []Cluster
	TotalElements int64
}

// DecisionType is an operator decision on an analyzed auth error.
type DecisionType string

const (
	DecisionProcess DecisionType = "PROCESS"
	DecisionRetry   DecisionType = "RETRY"
	DecisionIgnore  DecisionType = "IGNORE"
	DecisionResolve DecisionType = "RESOLVE"
	DecisionFail    DecisionType = "FAIL"
)

// ParseDecisionType parses a decision type case-insensitively.
func ParseDecisionType(s string) (DecisionType, error) {
	switch t := DecisionType(strings.ToUpper(strings.TrimSpace(s))); t {
	case DecisionProcess, DecisionRetry, DecisionIgnore, DecisionResolve, DecisionFail:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported decision type %q", s)
	}
}

// ClusterStatus returns the cluster status a decision implies, if any.
func (t DecisionType) ClusterStatus() (Status, bool) {
	switch t {
	case DecisionIgnore:
		return StatusMuted, true
	case DecisionResolve:
		return StatusResolved, true
	default:
		return "", false
	}
}

// Actor identifies who made a decision.
type Actor string

const (
	ActorOperator Actor = "OPERATOR"
	ActorSystem   Actor = "SYSTEM"
	ActorAI       Actor = "AI"
)

// ParseActor parses an actor, defaulting to OPERATOR when blank.
func ParseActor(s string) (Actor, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ActorOperator, nil
	}
	switch a := Actor(s); a {
	case ActorOperator, ActorSystem, ActorAI:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported actor %q", s)
	}
}

// DecisionStatus summarizes the fan-out of a cluster decision.
type DecisionStatus string

const (
	DecisionStatusApplied DecisionStatus = "APPLIED"
	DecisionStatusPartial DecisionStatus = "PARTIAL"
	DecisionStatusFailed  DecisionStatus = "FAILED"
)

// Decision is an operator decision applied to every item of a cluster.
type Decision struct {
	ID             int64          `json:"id"`
	ClusterID      int64          `json:"clusterId"`
	IdempotencyKey string         `json:"idempotencyKey"`
	DecisionType   DecisionType   `json:"decisionType"`
	Note           *string        `json:"note,omitempty"`
	DecidedBy      Actor          `json:"decidedBy"`
	Status         DecisionStatus `json:"status"`
	TotalTargets   int            `json:"totalTargets"`
	AppliedCount   int            `json:"appliedCount"`
	SkippedCount   int            `json:"skippedCount"`
	FailedCount    int            `json:"failedCount"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// RecordResult stores the fan-out counters and derives the decision status.
func (d *Decision) RecordResult(total, applied, skipped, failed int, now time.Time) {
	d.TotalTargets = total
	d.AppliedCount = applied
	d.SkippedCount = skipped
	d.FailedCount = failed
	switch {
	case failed > 0 && applied > 0:
		d.Status = DecisionStatusPartial
	case failed > 0:
		d.Status = DecisionStatusFailed
	default:
		d.Status = DecisionStatusApplied
	}
	d.UpdatedAt = now
}

// ApplyOutcome is the per-item result of a cluster decision.
type ApplyOutcome string

const (
	ApplyApplied ApplyOutcome = "APPLIED"
	ApplySkipped ApplyOutcome = "SKIPPED"
	ApplyFailed  ApplyOutcome = "FAILED"
)

// DecisionApply logs the outcome of a decision on one auth error.
type DecisionApply struct {
	ID          int64        `json:"id"`
	DecisionID  int64        `json:"decisionId"`
	AuthErrorID int64        `json:"authErrorId"`
	Outcome     ApplyOutcome `json:"outcome"`
	Message     *string      `json:"message,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}
