// Package store persists finished operations to PostgreSQL so later runs of
// the Bayes planner can learn from them.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/history"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Store is the PostgreSQL implementation of schemas.HistoryStore.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var (
	_ schemas.HistoryStore = (*Store)(nil)
	_ history.Source       = (*Store)(nil)
)

const (
	sqlSchema = `
        CREATE TABLE IF NOT EXISTS operations (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            planner TEXT NOT NULL,
            obfuscator TEXT NOT NULL DEFAULT '',
            adversary JSONB NOT NULL,
            agents JSONB NOT NULL,
            visibility INTEGER NOT NULL,
            state TEXT NOT NULL,
            started_at TIMESTAMPTZ NOT NULL,
            finished_at TIMESTAMPTZ NOT NULL
        );
        CREATE TABLE IF NOT EXISTS links (
            id TEXT NOT NULL,
            operation_id TEXT NOT NULL REFERENCES operations (id) ON DELETE CASCADE,
            position INTEGER NOT NULL,
            paw TEXT NOT NULL,
            ability JSONB NOT NULL,
            executor JSONB NOT NULL,
            command TEXT NOT NULL,
            status INTEGER NOT NULL,
            score INTEGER NOT NULL,
            visibility INTEGER NOT NULL,
            used JSONB NOT NULL,
            facts JSONB NOT NULL,
            relationships JSONB NOT NULL,
            decide TIMESTAMPTZ NOT NULL,
            finish TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (operation_id, id)
        );
        CREATE INDEX IF NOT EXISTS links_operation_position ON links (operation_id, position);
    `

	sqlUpsertOperation = `
        INSERT INTO operations (id, name, planner, obfuscator, adversary, agents, visibility, state, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO UPDATE SET
            name = EXCLUDED.name,
            planner = EXCLUDED.planner,
            obfuscator = EXCLUDED.obfuscator,
            adversary = EXCLUDED.adversary,
            agents = EXCLUDED.agents,
            visibility = EXCLUDED.visibility,
            state = EXCLUDED.state,
            started_at = EXCLUDED.started_at,
            finished_at = EXCLUDED.finished_at;
    `

	sqlDeleteLinks = `DELETE FROM links WHERE operation_id = $1;`

	sqlSelectOperations = `
        SELECT id, name, planner, obfuscator, adversary, agents, visibility, state, started_at, finished_at
        FROM operations
        ORDER BY started_at ASC, id ASC;
    `

	sqlSelectLinks = `
        SELECT operation_id, id, paw, ability, executor, command, status, score, visibility, used, facts, relationships, decide, finish
        FROM links
        ORDER BY operation_id ASC, position ASC;
    `
)

var linkColumns = []string{
	"id", "operation_id", "position", "paw", "ability", "executor", "command",
	"status", "score", "visibility", "used", "facts", "relationships", "decide", "finish",
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Open connects a pool to the database at url, verifies it and makes sure the
// schema exists. Close releases the pool.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the operations and links tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveOperation writes the operation and replaces its chain in one transaction.
func (s *Store) SaveOperation(ctx context.Context, op schemas.OperationRecord) error {
	if op.ID == "" {
		return errors.New("operation id cannot be empty")
	}
	adversary, err := json.Marshal(op.Adversary)
	if err != nil {
		return fmt.Errorf("failed to encode adversary: %w", err)
	}
	agents, err := json.Marshal(nonNil(op.Agents))
	if err != nil {
		return fmt.Errorf("failed to encode agents: %w", err)
	}
	rows, err := linkRows(op.ID, op.Chain)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit reports ErrTxClosed.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlUpsertOperation,
		op.ID, op.Name, op.Planner, op.Obfuscator,
		adversary, agents, op.Visibility, string(op.State),
		op.StartedAt.UTC(), op.FinishedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to upsert operation %s: %w", op.ID, err)
	}
	if _, err := tx.Exec(ctx, sqlDeleteLinks, op.ID); err != nil {
		return fmt.Errorf("failed to clear links of operation %s: %w", op.ID, err)
	}

	if len(rows) > 0 {
		copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"links"}, linkColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy links: %w", err)
		}
		if int(copyCount) != len(rows) {
			return fmt.Errorf("mismatch in copied links count: expected %d, got %d", len(rows), copyCount)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Operation persisted.", zap.String("operation_id", op.ID), zap.Int("links", len(rows)))
	return nil
}

func linkRows(opID string, chain []schemas.Link) ([][]interface{}, error) {
	rows := make([][]interface{}, 0, len(chain))
	for i, l := range chain {
		ability, err := json.Marshal(l.Ability)
		if err != nil {
			return nil, fmt.Errorf("failed to encode ability of link %s: %w", l.ID, err)
		}
		executor, err := json.Marshal(l.Executor)
		if err != nil {
			return nil, fmt.Errorf("failed to encode executor of link %s: %w", l.ID, err)
		}
		used, err := json.Marshal(nonNil(l.Used))
		if err != nil {
			return nil, fmt.Errorf("failed to encode used facts of link %s: %w", l.ID, err)
		}
		facts, err := json.Marshal(nonNil(l.Facts))
		if err != nil {
			return nil, fmt.Errorf("failed to encode facts of link %s: %w", l.ID, err)
		}
		relationships, err := json.Marshal(nonNil(l.Relationships))
		if err != nil {
			return nil, fmt.Errorf("failed to encode relationships of link %s: %w", l.ID, err)
		}
		rows = append(rows, []interface{}{
			l.ID, opID, i, l.Paw, ability, executor, l.Command,
			int(l.Status), l.Score, l.Visibility, used, facts, relationships,
			l.Decide.UTC(), l.Finish.UTC(),
		})
	}
	return rows, nil
}

// nonNil keeps JSONB columns from holding null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// LocateOperations returns every stored operation with its chain, oldest first.
func (s *Store) LocateOperations(ctx context.Context) ([]schemas.OperationRecord, error) {
	ops, index, err := s.queryOperations(ctx)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, sqlSelectLinks)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			opID, id, paw, command                        string
			ability, executor, used, facts, relationships []byte
			status, score, visibility                     int
			decide, finish                                time.Time
		)
		if err := rows.Scan(&opID, &id, &paw, &ability, &executor, &command,
			&status, &score, &visibility, &used, &facts, &relationships, &decide, &finish); err != nil {
			return nil, fmt.Errorf("failed to scan link row: %w", err)
		}
		idx, ok := index[opID]
		if !ok {
			s.log.Warn("Skipping link of unknown operation.", zap.String("operation_id", opID), zap.String("link_id", id))
			continue
		}

		link := schemas.Link{
			ID: id, Paw: paw, Command: command,
			Status: schemas.LinkStatus(status), Score: score, Visibility: visibility,
			Decide: decide, Finish: finish,
		}
		if err := decode(ability, &link.Ability); err != nil {
			return nil, fmt.Errorf("failed to decode ability of link %s: %w", id, err)
		}
		if err := decode(executor, &link.Executor); err != nil {
			return nil, fmt.Errorf("failed to decode executor of link %s: %w", id, err)
		}
		if err := decode(used, &link.Used); err != nil {
			return nil, fmt.Errorf("failed to decode used facts of link %s: %w", id, err)
		}
		if err := decode(facts, &link.Facts); err != nil {
			return nil, fmt.Errorf("failed to decode facts of link %s: %w", id, err)
		}
		if err := decode(relationships, &link.Relationships); err != nil {
			return nil, fmt.Errorf("failed to decode relationships of link %s: %w", id, err)
		}
		ops[idx].Chain = append(ops[idx].Chain, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return ops, nil
}

func (s *Store) queryOperations(ctx context.Context) ([]schemas.OperationRecord, map[string]int, error) {
	rows, err := s.pool.Query(ctx, sqlSelectOperations)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []schemas.OperationRecord
	index := make(map[string]int)
	for rows.Next() {
		var (
			op                string
			adversary, agents []byte
			state             string
			rec               schemas.OperationRecord
		)
		if err := rows.Scan(&op, &rec.Name, &rec.Planner, &rec.Obfuscator, &adversary, &agents,
			&rec.Visibility, &state, &rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, nil, fmt.Errorf("failed to scan operation row: %w", err)
		}
		rec.ID = op
		rec.State = schemas.OperationState(state)
		if err := decode(adversary, &rec.Adversary); err != nil {
			return nil, nil, fmt.Errorf("failed to decode adversary of operation %s: %w", op, err)
		}
		if err := decode(agents, &rec.Agents); err != nil {
			return nil, nil, fmt.Errorf("failed to decode agents of operation %s: %w", op, err)
		}
		index[op] = len(ops)
		ops = append(ops, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return ops, index, nil
}

func decode(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
