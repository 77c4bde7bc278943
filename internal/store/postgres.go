package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/agnfit-cli/internal/db"
	"github.com/sells-group/agnfit-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const postgresRunColumns = `id, catalog, line, source, status, sampled, error_message, error_category, created_at, updated_at`

// preparedStatements are prepared on each new connection.
var preparedStatements = map[string]string{
	"insert_run":        `INSERT INTO fit_runs (id, catalog, line, source, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"update_run_status": `UPDATE fit_runs SET status = $1, updated_at = $2 WHERE id = $3`,
	"complete_run":      `UPDATE fit_runs SET status = $1, sampled = $2, updated_at = $3 WHERE id = $4`,
	"fail_run":          `UPDATE fit_runs SET status = $1, error_message = $2, error_category = $3, updated_at = $4 WHERE id = $5`,
	"get_run":           `SELECT ` + postgresRunColumns + ` FROM fit_runs WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS fit_runs (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	catalog        TEXT NOT NULL,
	line           INTEGER NOT NULL,
	source         TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'not_started',
	sampled        BOOLEAN NOT NULL DEFAULT false,
	error_message  TEXT,
	error_category TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_fit_runs_status ON fit_runs(status);
CREATE INDEX IF NOT EXISTS idx_fit_runs_catalog_source ON fit_runs(catalog, source);
CREATE INDEX IF NOT EXISTS idx_fit_runs_created_at ON fit_runs(created_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, catalog string, line int, source string) (*model.FitRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO fit_runs (id, catalog, line, source, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, catalog, line, source, string(model.FitStatusNotStarted), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
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

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.FitStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fit_runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, sampled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fit_runs SET status = $1, sampled = $2, updated_at = $3 WHERE id = $4`,
		string(model.FitStatusFit), sampled, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, status model.FitStatus, fitErr *model.FitError) error {
	var msg, category *string
	if fitErr != nil {
		c := string(fitErr.Category)
		msg, category = &fitErr.Message, &c
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE fit_runs SET status = $1, error_message = $2, error_category = $3, updated_at = $4 WHERE id = $5`,
		string(status), msg, category, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.FitRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+postgresRunColumns+` FROM fit_runs WHERE id = $1`,
		runID,
	)
	r, err := scanPostgresRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.FitRun, error) {
	where, args := postgresWhere(filter)
	query := `SELECT ` + postgresRunColumns + ` FROM fit_runs` + where + ` ORDER BY created_at DESC, line ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.FitRun
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) CountByStatus(ctx context.Context, filter RunFilter) (StatusCounts, error) {
	where, args := postgresWhere(filter)
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM fit_runs`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count runs")
	}
	defer rows.Close()

	counts := StatusCounts{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan count")
		}
		counts[model.FitStatus(status)] = int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count runs iterate")
}

func postgresWhere(filter RunFilter) (string, []any) {
	where := ` WHERE true`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.Catalog != "" {
		args = append(args, filter.Catalog)
		where += fmt.Sprintf(` AND catalog = $%d`, len(args))
	}
	if filter.Source != "" {
		args = append(args, filter.Source)
		where += fmt.Sprintf(` AND source = $%d`, len(args))
	}
	if !filter.CreatedAfter.IsZero() {
		args = append(args, filter.CreatedAfter.UTC())
		where += fmt.Sprintf(` AND created_at > $%d`, len(args))
	}
	return where, args
}

func scanPostgresRun(row pgx.Row) (*model.FitRun, error) {
	var r model.FitRun
	var status string
	var msg, category *string

	if err := row.Scan(&r.ID, &r.Catalog, &r.Line, &r.Source, &status, &r.Sampled, &msg, &category, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = model.FitStatus(status)
	if msg != nil {
		r.Error = &model.FitError{Message: *msg}
		if category != nil {
			r.Error.Category = model.ErrorCategory(*category)
		}
	}
	return &r, nil
}
