package auditchain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises concurrent appends across ledger processes
// sharing one database.
const advisoryLockKey = int64(1_700_000_001)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ledger_audit_chain (
	idx             integer     PRIMARY KEY,
	timestamp       timestamptz NOT NULL,
	action          text        NOT NULL,
	idempotency_key text        NOT NULL DEFAULT '',
	commit_hash     text        NOT NULL DEFAULT '',
	file            text        NOT NULL DEFAULT '',
	prev_hash       text        NOT NULL,
	hash            text        NOT NULL
)`

// PostgresChain persists the audit chain in PostgreSQL.
type PostgresChain struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a PostgresChain backed by pool.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *PostgresChain {
	return &PostgresChain{pool: pool, logger: logger}
}

// EnsureSchema creates the table and genesis row if they do not exist.
func (c *PostgresChain) EnsureSchema(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create audit table: %w", err)
	}
	if _, err := c.pool.Exec(ctx,
		`INSERT INTO ledger_audit_chain (idx, timestamp, action, prev_hash, hash)
		 VALUES (0, $1, $2, $3, $3) ON CONFLICT (idx) DO NOTHING`,
		stamp(time.Now()), ActionGenesis, GenesisHash,
	); err != nil {
		return fmt.Errorf("insert genesis: %w", err)
	}
	return nil
}

// Append implements Chain. The advisory lock, tail read and insert share one
// transaction.
func (c *PostgresChain) Append(ctx context.Context, ev Event) (*Entry, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM ledger_audit_chain ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}

	e := newEntry(prevIdx+1, prevHash, ev, time.Now())
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_audit_chain (idx, timestamp, action, idempotency_key, commit_hash, file, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Index, e.Timestamp, e.Action, e.IdempotencyKey, e.CommitHash, e.File, e.PrevHash, e.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert chain entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit chain tx: %w", err)
	}

	c.logger.Debug("audit entry appended",
		zap.Int("idx", e.Index),
		zap.String("action", e.Action),
		zap.String("idempotency_key", e.IdempotencyKey),
	)
	return e, nil
}

const selectEntry = `SELECT idx, timestamp, action, idempotency_key, commit_hash, file, prev_hash, hash FROM ledger_audit_chain`

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	if err := row.Scan(&e.Index, &e.Timestamp, &e.Action, &e.IdempotencyKey,
		&e.CommitHash, &e.File, &e.PrevHash, &e.Hash); err != nil {
		return nil, err
	}
	return e, nil
}

// Get implements Chain.
func (c *PostgresChain) Get(ctx context.Context, index int) (*Entry, error) {
	e, err := scanEntry(c.pool.QueryRow(ctx, selectEntry+" WHERE idx = $1", index))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("index %d out of range", index)
		}
		return nil, fmt.Errorf("get chain entry %d: %w", index, err)
	}
	return e, nil
}

// Len implements Chain.
func (c *PostgresChain) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_audit_chain").Scan(&n); err != nil {
		return 0, fmt.Errorf("count chain entries: %w", err)
	}
	return n, nil
}

// Verify implements Chain. O(n) in chain length.
func (c *PostgresChain) Verify(ctx context.Context) error {
	rows, err := c.pool.Query(ctx, selectEntry+" ORDER BY idx ASC")
	if err != nil {
		return fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan chain row: %w", err)
		}
		if err := verifyLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Chain.
func (c *PostgresChain) Root(ctx context.Context) (string, error) {
	var hash string
	if err := c.pool.QueryRow(ctx,
		"SELECT hash FROM ledger_audit_chain ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get chain root: %w", err)
	}
	return hash, nil
}
