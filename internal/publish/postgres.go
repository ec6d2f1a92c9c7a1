package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tes-profile-go/internal/docs"
)

const schema = `
	CREATE TABLE IF NOT EXISTS documents (
		id         BIGSERIAL PRIMARY KEY,
		uid        TEXT NOT NULL,
		run_uid    TEXT NOT NULL,
		name       TEXT NOT NULL,
		body       JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS documents_run_uid_idx ON documents (run_uid)`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore inserts every document into the documents table, keyed by
// its own uid and the uid of the run it belongs to.
type PostgresStore struct {
	db execer

	mu          sync.Mutex
	descriptors map[string]string
	resources   map[string]string
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return newPostgresStore(pool)
}

func newPostgresStore(db execer) *PostgresStore {
	return &PostgresStore{
		db:          db,
		descriptors: make(map[string]string),
		resources:   make(map[string]string),
	}
}

// Connect opens a pool and checks the server is reachable.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create documents table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Emit(ctx context.Context, env docs.Envelope) error {
	uid, run := s.keys(env)
	body, err := json.Marshal(env.Doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Name, err)
	}
	query := `INSERT INTO documents (uid, run_uid, name, body) VALUES ($1,$2,$3,$4)`
	if _, err := s.db.Exec(ctx, query, uid, run, env.Name, body); err != nil {
		return fmt.Errorf("insert %s: %w", env.Name, err)
	}
	return nil
}

// keys resolves the document uid and its run uid. Events and datums name
// their run only through the descriptor or resource seen earlier.
func (s *PostgresStore) keys(env docs.Envelope) (uid, run string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch doc := env.Doc.(type) {
	case docs.Start:
		return doc.UID(), doc.UID()
	case docs.Descriptor:
		s.descriptors[doc.UID] = doc.RunStart
		return doc.UID, doc.RunStart
	case docs.Event:
		return doc.UID, s.descriptors[doc.Descriptor]
	case docs.Resource:
		s.resources[doc.UID] = doc.RunStart
		return doc.UID, doc.RunStart
	case docs.Datum:
		return doc.DatumID, s.resources[doc.Resource]
	case docs.Stop:
		for d, r := range s.descriptors {
			if r == doc.RunStart {
				delete(s.descriptors, d)
			}
		}
		for res, r := range s.resources {
			if r == doc.RunStart {
				delete(s.resources, res)
			}
		}
		return doc.UID, doc.RunStart
	default:
		return "", ""
	}
}
