package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	_ "github.com/lib/pq"

	"github.com/example/driver-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies every embedded migration in name order. Statements are
// idempotent so reruns are safe.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return names, nil
}

func (p *PostgresStore) SaveTransition(ctx context.Context, r models.TransitionRecord) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO job_transitions(job_id, from_status, to_status, requested, at) VALUES($1,$2,$3,$4,$5)`,
		r.JobID, string(r.From), string(r.To), string(r.Requested), r.At)
	return err
}

func (p *PostgresStore) History(ctx context.Context, jobID string) ([]models.TransitionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT job_id, from_status, to_status, requested, at FROM job_transitions WHERE job_id=$1 ORDER BY at, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.TransitionRecord
	for rows.Next() {
		var r models.TransitionRecord
		var from, to, req string
		if err := rows.Scan(&r.JobID, &from, &to, &req, &r.At); err != nil {
			return nil, err
		}
		r.From, r.To, r.Requested = models.Status(from), models.Status(to), models.Status(req)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error { return p.db.Close() }
