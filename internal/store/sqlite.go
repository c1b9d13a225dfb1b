package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/testhub/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes all access and avoids "database is locked" under HTTP load.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// notFound wraps ErrNotFound as "<kind> not found: <key>".
func notFound(kind, key string) error {
	return fmt.Errorf("%s %w: %s", kind, ErrNotFound, key)
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

const userColumns = `id, email, full_name, hashed_password, is_active, role, created_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.HashedPassword, &u.IsActive, &u.Role, &u.CreatedAt)
	return u, err
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = newULID()
	}
	if u.Role == "" {
		u.Role = models.RoleTester
	}
	u.Email = strings.TrimSpace(u.Email)
	u.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.FullName, u.HashedPassword, boolToInt(u.IsActive), u.Role, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, strings.TrimSpace(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", email)
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Projects ---

const projectColumns = `id, name, description, owner_id, created_at`

func scanProject(row interface{ Scan(...any) error }) (*models.Project, error) {
	p := &models.Project{}
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &p.CreatedAt)
	return p, err
}

func (s *SQLiteStore) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = newULID()
	}
	p.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.OwnerID, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects returns projects newest first. An empty ownerID lists every project.
func (s *SQLiteStore) ListProjects(ctx context.Context, ownerID string) ([]*models.Project, error) {
	var rows *sql.Rows
	var err error
	if ownerID != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+projectColumns+` FROM projects WHERE owner_id = ? ORDER BY created_at DESC, id DESC`, ownerID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *SQLiteStore) UpdateProject(ctx context.Context, p *models.Project) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name=?, description=? WHERE id=?`,
		p.Name, p.Description, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return notFound("project", p.ID)
	}
	return nil
}

// DeleteProject removes a project; its bugs go with it via ON DELETE CASCADE.
func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return notFound("project", id)
	}
	return nil
}

// --- Bugs ---

const bugColumns = `id, project_id, title, description, severity, priority, status, reporter_id, assignee_id, created_at, updated_at`

func scanBug(row interface{ Scan(...any) error }) (*models.Bug, error) {
	bug := &models.Bug{}
	var severity, priority, status string
	var assignee sql.NullString

	err := row.Scan(&bug.ID, &bug.ProjectID, &bug.Title, &bug.Description,
		&severity, &priority, &status,
		&bug.ReporterID, &assignee, &bug.CreatedAt, &bug.UpdatedAt)
	if err != nil {
		return nil, err
	}

	bug.Severity = models.BugSeverity(severity)
	bug.Priority = models.BugPriority(priority)
	bug.Status = models.BugStatus(status)
	if assignee.Valid {
		bug.AssigneeID = &assignee.String
	}
	return bug, nil
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func (s *SQLiteStore) CreateBug(ctx context.Context, bug *models.Bug) error {
	if bug.ID == "" {
		bug.ID = newULID()
	}
	if bug.Severity == "" {
		bug.Severity = models.BugSeverityMedium
	}
	if bug.Priority == "" {
		bug.Priority = models.BugPriorityMedium
	}
	bug.Status = models.BugStatusOpen
	now := time.Now().UTC()
	bug.CreatedAt = now
	bug.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bugs (`+bugColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bug.ID, bug.ProjectID, bug.Title, bug.Description,
		string(bug.Severity), string(bug.Priority), string(bug.Status),
		bug.ReporterID, nullString(bug.AssigneeID), bug.CreatedAt, bug.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create bug: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBug(ctx context.Context, id string) (*models.Bug, error) {
	bug, err := scanBug(s.db.QueryRowContext(ctx, `SELECT `+bugColumns+` FROM bugs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("bug", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get bug: %w", err)
	}
	return bug, nil
}

// ListBugs returns matching bugs newest first.
func (s *SQLiteStore) ListBugs(ctx context.Context, filter BugListFilter) ([]*models.Bug, error) {
	query := `SELECT ` + bugColumns + ` FROM bugs`
	var conditions []string
	var args []any

	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.AssigneeID != "" {
		conditions = append(conditions, "assignee_id = ?")
		args = append(args, filter.AssigneeID)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bugs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bugs []*models.Bug
	for rows.Next() {
		bug, err := scanBug(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bug: %w", err)
		}
		bugs = append(bugs, bug)
	}
	return bugs, rows.Err()
}

// UpdateBug writes every mutable field. Concurrent writers are last-writer-wins.
func (s *SQLiteStore) UpdateBug(ctx context.Context, bug *models.Bug) error {
	bug.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE bugs SET title=?, description=?, severity=?, priority=?, status=?, assignee_id=?, updated_at=?
		WHERE id=?`,
		bug.Title, bug.Description, string(bug.Severity), string(bug.Priority), string(bug.Status),
		nullString(bug.AssigneeID), bug.UpdatedAt, bug.ID,
	)
	if err != nil {
		return fmt.Errorf("update bug: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return notFound("bug", bug.ID)
	}
	return nil
}

// --- Test Runs ---

const runColumns = `id, run_type, status, started_at, finished_at, summary, results, error`

func scanTestRun(row interface{ Scan(...any) error }) (*models.TestRun, error) {
	run := &models.TestRun{}
	var status string
	var finishedAt sql.NullTime
	var summary, results sql.NullString

	if err := row.Scan(&run.ID, &run.RunType, &status, &run.StartedAt, &finishedAt, &summary, &results, &run.Error); err != nil {
		return nil, err
	}

	run.Status = models.RunStatus(status)
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if summary.Valid && summary.String != "" {
		run.Summary = &models.RunSummary{}
		if err := json.Unmarshal([]byte(summary.String), run.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &run.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	return run, nil
}

// CreateTestRun inserts a run in the running state.
func (s *SQLiteStore) CreateTestRun(ctx context.Context, run *models.TestRun) error {
	if run.ID == "" {
		run.ID = newULID()
	}
	run.Status = models.RunStatusRunning
	run.StartedAt = time.Now().UTC()
	run.FinishedAt = nil

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO test_runs (id, run_type, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.RunType, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create test run: %w", err)
	}
	return nil
}

// FinishTestRun records the terminal state of a run. A run can be finished only once.
// When run.Status is still running it is derived from the summary.
func (s *SQLiteStore) FinishTestRun(ctx context.Context, run *models.TestRun) error {
	if run.Status == "" || run.Status == models.RunStatusRunning {
		if run.Summary == nil {
			return fmt.Errorf("finish test run %s: summary required to derive status", run.ID)
		}
		run.Status = run.Summary.Status()
	}

	var summary, results sql.NullString
	if run.Summary != nil {
		data, err := json.Marshal(run.Summary)
		if err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		summary = sql.NullString{String: string(data), Valid: true}
	}
	if run.Results != nil {
		data, err := json.Marshal(run.Results)
		if err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
		results = sql.NullString{String: string(data), Valid: true}
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE test_runs SET status=?, finished_at=?, summary=?, results=?, error=?
		WHERE id=? AND status=?`,
		string(run.Status), now, summary, results, run.Error, run.ID, string(models.RunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("finish test run: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		if _, err := s.GetTestRun(ctx, run.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrRunFinished, run.ID)
	}
	run.FinishedAt = &now
	return nil
}

func (s *SQLiteStore) GetTestRun(ctx context.Context, id string) (*models.TestRun, error) {
	run, err := scanTestRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM test_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("test run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get test run: %w", err)
	}
	return run, nil
}

// ListTestRuns returns runs newest first, optionally filtered by run type.
func (s *SQLiteStore) ListTestRuns(ctx context.Context, runType string, limit int) ([]*models.TestRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + runColumns + ` FROM test_runs`
	var args []any
	if runType != "" {
		query += " WHERE run_type = ?"
		args = append(args, runType)
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list test runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*models.TestRun
	for rows.Next() {
		run, err := scanTestRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan test run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
