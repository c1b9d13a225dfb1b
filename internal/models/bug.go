package models

import "time"

// BugStatus represents the lifecycle state of a bug.
type BugStatus string

const (
	BugStatusOpen       BugStatus = "open"
	BugStatusInProgress BugStatus = "in_progress"
	BugStatusResolved   BugStatus = "resolved"
	BugStatusClosed     BugStatus = "closed"
)

// BugSeverity represents the impact of a bug.
type BugSeverity string

const (
	BugSeverityLow      BugSeverity = "low"
	BugSeverityMedium   BugSeverity = "medium"
	BugSeverityHigh     BugSeverity = "high"
	BugSeverityCritical BugSeverity = "critical"
)

// BugPriority represents the urgency of a bug.
type BugPriority string

const (
	BugPriorityLow    BugPriority = "low"
	BugPriorityMedium BugPriority = "medium"
	BugPriorityHigh   BugPriority = "high"
)

// Bug is a defect reported against a project.
type Bug struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Severity    BugSeverity `json:"severity"`
	Priority    BugPriority `json:"priority"`
	Status      BugStatus   `json:"status"`
	ReporterID  string      `json:"reporter_id"`
	AssigneeID  *string     `json:"assignee_id"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
