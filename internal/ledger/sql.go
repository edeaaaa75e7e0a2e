package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/policyreviewer/pipeline/constants"
	"github.com/policyreviewer/pipeline/internal/entity"
)

//go:embed schema.sql
var schemaSQL string

const (
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite"
)

// SQLLedger implements Ledger over database/sql. The backing driver is
// chosen from the DSN: postgres URLs run on the pgx stdlib adapter,
// anything else is treated as a sqlite path.
type SQLLedger struct {
	db      *sql.DB
	pool    *pgxpool.Pool
	dialect string
	logger  *slog.Logger
}

// Open connects per the DSN, applies the schema, and returns the ledger.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*SQLLedger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	l := &SQLLedger{logger: logger}
	switch {
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		logger.Info("connecting to ledger database", "dialect", dialectPostgres)
		pc, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			logger.Error("failed to parse ledger dsn", "error", err)
			return nil, fmt.Errorf("parse ledger dsn: %w", err)
		}
		pc.ConnConfig.RuntimeParams["application_name"] = "policy-pipeline"
		pool, err := pgxpool.NewWithConfig(ctx, pc)
		if err != nil {
			logger.Error("failed to connect to ledger database", "error", err)
			return nil, fmt.Errorf("connect ledger: %w", err)
		}
		l.db = stdlib.OpenDBFromPool(pool)
		l.pool = pool
		l.dialect = dialectPostgres
	default:
		logger.Info("opening ledger database", "dialect", dialectSQLite, "path", dsn)
		if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("create ledger directory: %w", err)
			}
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			logger.Error("failed to open ledger database", "error", err)
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		// One connection keeps :memory: ledgers coherent and sidesteps
		// SQLITE_BUSY between concurrent writers.
		db.SetMaxOpenConns(1)
		l.db = db
		l.dialect = dialectSQLite
	}

	if _, err := l.db.ExecContext(ctx, schemaSQL); err != nil {
		_ = l.Close()
		logger.Error("failed to apply ledger schema", "error", err)
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}
	return l, nil
}

// Close closes the database connections gracefully.
func (l *SQLLedger) Close() error {
	err := l.db.Close()
	if l.pool != nil {
		l.pool.Close()
	}
	return err
}

// HealthCheck pings the database to catch DSN issues early.
func (l *SQLLedger) HealthCheck(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return l.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for postgres.
func (l *SQLLedger) rebind(q string) string {
	if l.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (l *SQLLedger) RecordStart(ctx context.Context, job entity.AnalysisJob) error {
	_, err := l.db.ExecContext(ctx, l.rebind(`
		INSERT INTO analysis_jobs (job_id, source_key, mode, status, fingerprint, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		job.ID, job.SourceKey, string(job.Mode), string(job.Status), job.Fingerprint, job.SubmittedAt.UTC().Unix(),
	)
	if err != nil {
		l.logger.Error("failed to record job start", "job_id", job.ID, "source_key", job.SourceKey, "error", err)
		return fmt.Errorf("record job start: %w", err)
	}
	return nil
}

func (l *SQLLedger) FindInFlight(ctx context.Context, sourceKey, fingerprint string) (entity.AnalysisJob, bool, error) {
	if fingerprint == "" {
		return entity.AnalysisJob{}, false, nil
	}
	row := l.db.QueryRowContext(ctx, l.rebind(`
		SELECT job_id, source_key, mode, status, fingerprint, submitted_at, completed_at
		FROM analysis_jobs
		WHERE source_key = ? AND fingerprint = ? AND status = ?
		ORDER BY submitted_at DESC
		LIMIT 1`),
		sourceKey, fingerprint, string(constants.JobStatusStarted),
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.AnalysisJob{}, false, nil
		}
		l.logger.Error("failed to query in-flight job", "source_key", sourceKey, "error", err)
		return entity.AnalysisJob{}, false, fmt.Errorf("find in-flight job: %w", err)
	}
	return job, true, nil
}

func (l *SQLLedger) Get(ctx context.Context, jobID string) (entity.AnalysisJob, bool, error) {
	row := l.db.QueryRowContext(ctx, l.rebind(`
		SELECT job_id, source_key, mode, status, fingerprint, submitted_at, completed_at
		FROM analysis_jobs
		WHERE job_id = ?`),
		jobID,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.AnalysisJob{}, false, nil
		}
		l.logger.Error("failed to get job", "job_id", jobID, "error", err)
		return entity.AnalysisJob{}, false, fmt.Errorf("get job: %w", err)
	}
	return job, true, nil
}

func (l *SQLLedger) MarkComplete(ctx context.Context, jobID string, status constants.JobStatus) (bool, error) {
	res, err := l.db.ExecContext(ctx, l.rebind(`
		UPDATE analysis_jobs
		SET status = ?, completed_at = ?
		WHERE job_id = ? AND status = ?`),
		string(status), time.Now().UTC().Unix(), jobID, string(constants.JobStatusStarted),
	)
	if err != nil {
		l.logger.Error("failed to mark job complete", "job_id", jobID, "status", status, "error", err)
		return false, fmt.Errorf("mark job complete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark job complete: %w", err)
	}
	return n == 1, nil
}

// List returns jobs newest first, optionally filtered by source key.
func (l *SQLLedger) List(ctx context.Context, sourceKey string, limit int) ([]entity.AnalysisJob, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT job_id, source_key, mode, status, fingerprint, submitted_at, completed_at
		FROM analysis_jobs`
	args := []any{}
	if sourceKey != "" {
		q += ` WHERE source_key = ?`
		args = append(args, sourceKey)
	}
	q += ` ORDER BY submitted_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, l.rebind(q), args...)
	if err != nil {
		l.logger.Error("failed to list jobs", "source_key", sourceKey, "error", err)
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []entity.AnalysisJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (entity.AnalysisJob, error) {
	var job entity.AnalysisJob
	var mode, status string
	var submittedAt int64
	var completedAt sql.NullInt64

	if err := row.Scan(&job.ID, &job.SourceKey, &mode, &status, &job.Fingerprint, &submittedAt, &completedAt); err != nil {
		return entity.AnalysisJob{}, err
	}
	job.Mode = constants.AnalysisMode(mode)
	job.Status = constants.JobStatus(status)
	job.SubmittedAt = time.Unix(submittedAt, 0).UTC()
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		job.CompletedAt = &t
	}
	return job, nil
}
