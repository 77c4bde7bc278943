package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/agnfit-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// sqlitePragmas are applied by the driver to every pooled connection.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode. Writes go through a single connection; other processes sharing the
// file wait on the busy timeout.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(dsn)
	for _, p := range sqlitePragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS fit_runs (
	id             TEXT PRIMARY KEY,
	catalog        TEXT NOT NULL,
	line           INTEGER NOT NULL,
	source         TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'not_started',
	sampled        INTEGER NOT NULL DEFAULT 0,
	error_message  TEXT,
	error_category TEXT,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_fit_runs_status ON fit_runs(status);
CREATE INDEX IF NOT EXISTS idx_fit_runs_catalog_source ON fit_runs(catalog, source);
CREATE INDEX IF NOT EXISTS idx_fit_runs_created_at ON fit_runs(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, catalog string, line int, source string) (*model.FitRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fit_runs (id, catalog, line, source, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, catalog, line, source, string(model.FitStatusNotStarted), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.FitRun{
		ID:        id,
		Catalog:   catalog,
		Line:      line,
		Source:    source,
		Status:    model.FitStatusNotStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.FitStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE fit_runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, sampled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE fit_runs SET status = ?, sampled = ?, updated_at = ? WHERE id = ?`,
		string(model.FitStatusFit), sampled, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, status model.FitStatus, fitErr *model.FitError) error {
	var msg, category sql.NullString
	if fitErr != nil {
		msg = sql.NullString{String: fitErr.Message, Valid: true}
		category = sql.NullString{String: string(fitErr.Category), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE fit_runs SET status = ?, error_message = ?, error_category = ?, updated_at = ? WHERE id = ?`,
		string(status), msg, category, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

const sqliteRunColumns = `id, catalog, line, source, status, sampled, error_message, error_category, created_at, updated_at`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.FitRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM fit_runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.FitRun, error) {
	where, args := sqliteWhere(filter)
	query := `SELECT ` + sqliteRunColumns + ` FROM fit_runs` + where + ` ORDER BY created_at DESC, line ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.FitRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) CountByStatus(ctx context.Context, filter RunFilter) (StatusCounts, error) {
	where, args := sqliteWhere(filter)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM fit_runs`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count runs")
	}
	defer rows.Close() //nolint:errcheck

	counts := StatusCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan count")
		}
		counts[model.FitStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count runs iterate")
}

func sqliteWhere(filter RunFilter) (string, []any) {
	where := ` WHERE 1=1`
	var args []any
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Catalog != "" {
		where += ` AND catalog = ?`
		args = append(args, filter.Catalog)
	}
	if filter.Source != "" {
		where += ` AND source = ?`
		args = append(args, filter.Source)
	}
	if !filter.CreatedAfter.IsZero() {
		where += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	return where, args
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.FitRun, error) {
	var r model.FitRun
	var status string
	var msg, category sql.NullString

	err := row.Scan(&r.ID, &r.Catalog, &r.Line, &r.Source, &status, &r.Sampled, &msg, &category, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	r.Status = model.FitStatus(status)
	if msg.Valid {
		r.Error = &model.FitError{Message: msg.String, Category: model.ErrorCategory(category.String)}
	}
	return &r, nil
}
