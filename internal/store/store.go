package store

import (
	"context"
	"errors"

	"github.com/joescharf/testhub/internal/models"
)

// ErrNotFound is wrapped by every lookup that matches no row.
var ErrNotFound = errors.New("not found")

// ErrRunFinished is returned when finishing a test run that already left the running state.
var ErrRunFinished = errors.New("test run already finished")

// BugListFilter specifies filters for listing bugs.
type BugListFilter struct {
	ProjectID  string
	Status     models.BugStatus
	AssigneeID string
}

// Store defines the persistence interface for testhub.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)

	// Projects
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context, ownerID string) ([]*models.Project, error)
	UpdateProject(ctx context.Context, p *models.Project) error
	DeleteProject(ctx context.Context, id string) error

	// Bugs
	CreateBug(ctx context.Context, bug *models.Bug) error
	GetBug(ctx context.Context, id string) (*models.Bug, error)
	ListBugs(ctx context.Context, filter BugListFilter) ([]*models.Bug, error)
	UpdateBug(ctx context.Context, bug *models.Bug) error

	// Test runs
	CreateTestRun(ctx context.Context, run *models.TestRun) error
	FinishTestRun(ctx context.Context, run *models.TestRun) error
	GetTestRun(ctx context.Context, id string) (*models.TestRun, error)
	ListTestRuns(ctx context.Context, runType string, limit int) ([]*models.TestRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
