package buildstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vyvo/pkgbuild/backend/pkg/mockremote"
)

// PostgresStore persists build runs and their log lines to Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS package_builds (
    id TEXT PRIMARY KEY,
    host TEXT NOT NULL,
    job_id TEXT NOT NULL,
    owner TEXT NOT NULL,
    project TEXT NOT NULL,
    chroot TEXT NOT NULL,
    package_name TEXT NOT NULL,
    job JSONB NOT NULL,
    status TEXT NOT NULL,
    results_dir TEXT,
    packages JSONB,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    error TEXT
);
CREATE INDEX IF NOT EXISTS package_builds_job_idx ON package_builds (job_id);
CREATE TABLE IF NOT EXISTS package_build_logs (
    id BIGSERIAL PRIMARY KEY,
    build_id TEXT NOT NULL REFERENCES package_builds(id) ON DELETE CASCADE,
    line TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, build Build) error {
	job, err := json.Marshal(build.Job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	query := `INSERT INTO package_builds (id, host, job_id, owner, project, chroot, package_name, job, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
    host = EXCLUDED.host,
    job = EXCLUDED.job,
    status = EXCLUDED.status,
    updated_at = EXCLUDED.updated_at`
	_, err = s.db.ExecContext(ctx, query,
		build.ID,
		build.Host,
		build.Job.ID,
		build.Job.Owner,
		build.Job.Project,
		build.Job.Chroot,
		build.Job.PackageName,
		string(job),
		build.Status,
		build.CreatedAt,
		build.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, finishedAt *time.Time, errMsg string) error {
	query := `UPDATE package_builds SET status=$1, updated_at=$2, finished_at=$3, error=$4 WHERE id=$5`
	_, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), finishedAt, errMsg, id)
	return err
}

func (s *PostgresStore) UpdateResults(ctx context.Context, id string, resultsDir string, packages []mockremote.BuiltPackage) error {
	encoded, err := json.Marshal(packages)
	if err != nil {
		return fmt.Errorf("encode packages: %w", err)
	}
	query := `UPDATE package_builds SET results_dir=$1, packages=$2, updated_at=$3 WHERE id=$4`
	_, err = s.db.ExecContext(ctx, query, resultsDir, string(encoded), time.Now().UTC(), id)
	return err
}

func (s *PostgresStore) AppendLog(ctx context.Context, id string, line string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO package_build_logs (build_id, line) VALUES ($1,$2)`, id, line)
	return err
}

const selectBuild = `SELECT id, host, job, status, results_dir, packages, created_at, updated_at, finished_at, error FROM package_builds`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (Build, error) {
	var (
		b          Build
		job        []byte
		packages   []byte
		resultsDir sql.NullString
		finishedAt sql.NullTime
		errMsg     sql.NullString
	)
	if err := row.Scan(&b.ID, &b.Host, &job, &b.Status, &resultsDir, &packages, &b.CreatedAt, &b.UpdatedAt, &finishedAt, &errMsg); err != nil {
		return Build{}, err
	}
	if err := json.Unmarshal(job, &b.Job); err != nil {
		return Build{}, fmt.Errorf("decode job of build %s: %w", b.ID, err)
	}
	if len(packages) > 0 {
		if err := json.Unmarshal(packages, &b.Packages); err != nil {
			return Build{}, fmt.Errorf("decode packages of build %s: %w", b.ID, err)
		}
	}
	if resultsDir.Valid {
		b.ResultsDir = resultsDir.String
	}
	if finishedAt.Valid {
		b.FinishedAt = finishedAt.Time
	}
	if errMsg.Valid {
		b.Error = errMsg.String
	}
	return b, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Build, error) {
	rows, err := s.db.QueryContext(ctx, selectBuild+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Build, error) {
	b, err := scanBuild(s.db.QueryRowContext(ctx, selectBuild+` WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Build{}, ErrNotFound
	}
	return b, err
}

func (s *PostgresStore) ListLogs(ctx context.Context, id string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT line FROM package_build_logs WHERE build_id=$1 ORDER BY id ASC LIMIT $2`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
