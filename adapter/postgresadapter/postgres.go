// Package postgresadapter implements adapter.Adapter on a Postgres
// table, for fleets that already run Postgres and would rather not add
// Redis purely for scheduling. It trades Redis's ZSET-indexed Iterate
// for a plain indexed range query, acceptable at the task volumes this
// scheduler targets.
package postgresadapter

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftcron/driftcron/adapter"
)

// Adapter is a pgxpool-backed adapter.Adapter.
type Adapter struct {
	pool *pgxpool.Pool
}

var _ adapter.Adapter = (*Adapter)(nil)

// Schema is the DDL this adapter expects to already exist. It is not
// run automatically — callers apply it through their own migration
// tooling, the way the teacher's Postgres store assumes a pre-existing
// schema.
const Schema = `
CREATE TABLE IF NOT EXISTS driftcron_tasks (
	uid         TEXT PRIMARY KEY,
	delay_ms    BIGINT NOT NULL,
	execute_at  TIMESTAMPTZ NOT NULL,
	is_interval BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS driftcron_tasks_execute_at_idx ON driftcron_tasks (execute_at);

CREATE TABLE IF NOT EXISTS driftcron_locks (
	scope      TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// New opens a pool against connString, sized the way the teacher's
// PostgresStore configures its pool for steady concurrent load.
func New(ctx context.Context, connString string) (*Adapter, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgresadapter: parse config: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgresadapter: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgresadapter: ping: %w", err)
	}
	return &Adapter{pool: pool}, nil
}

// Close releases the pool's connections.
func (a *Adapter) Close() { a.pool.Close() }

func (a *Adapter) Ping(ctx context.Context) (adapter.PingResult, error) {
	if err := a.pool.Ping(ctx); err != nil {
		return adapter.PingResult{Status: "error", Code: 0}, err
	}
	return adapter.PingResult{Status: "ok", Code: 200}, nil
}

// AcquireLock upserts the lock row, but the update branch only fires
// when the existing row has already expired, so RowsAffected is 1
// exactly when the caller now holds the lock (whether by insert or by
// winning the expired-row update).
func (a *Adapter) AcquireLock(ctx context.Context, scope string, expireAt time.Time) (bool, error) {
	tag, err := a.pool.Exec(ctx, `
		INSERT INTO driftcron_locks (scope, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (scope) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE driftcron_locks.expires_at < NOW()
	`, scope, expireAt)
	if err != nil {
		return false, fmt.Errorf("postgresadapter: acquire lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (a *Adapter) ReleaseLock(ctx context.Context, scope string) error {
	_, err := a.pool.Exec(ctx, `DELETE FROM driftcron_locks WHERE scope = $1`, scope)
	if err != nil {
		return fmt.Errorf("postgresadapter: release lock: %w", err)
	}
	return nil
}

func (a *Adapter) Add(ctx context.Context, key string, isInterval bool, delay time.Duration) (bool, error) {
	executeAt := time.Now().Add(delay)
	tag, err := a.pool.Exec(ctx, `
		INSERT INTO driftcron_tasks (uid, delay_ms, execute_at, is_interval)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (uid) DO UPDATE SET
			delay_ms = EXCLUDED.delay_ms,
			execute_at = EXCLUDED.execute_at,
			is_interval = EXCLUDED.is_interval
	`, key, delay.Milliseconds(), executeAt, isInterval)
	if err != nil {
		return false, fmt.Errorf("postgresadapter: add: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (a *Adapter) Remove(ctx context.Context, key string) (bool, error) {
	tag, err := a.pool.Exec(ctx, `DELETE FROM driftcron_tasks WHERE uid = $1`, key)
	if err != nil {
		return false, fmt.Errorf("postgresadapter: remove: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (a *Adapter) Update(ctx context.Context, key string, nextExecuteAt time.Time) (bool, error) {
	tag, err := a.pool.Exec(ctx, `UPDATE driftcron_tasks SET execute_at = $2 WHERE uid = $1`, key, nextExecuteAt)
	if err != nil {
		return false, fmt.Errorf("postgresadapter: update: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (a *Adapter) Iterate(ctx context.Context, dueBefore time.Time, rescheduleTo time.Time, exec adapter.ExecuteFunc) error {
	rows, err := a.pool.Query(ctx, `
		UPDATE driftcron_tasks
		SET execute_at = $2
		WHERE uid IN (SELECT uid FROM driftcron_tasks WHERE execute_at <= $1 FOR UPDATE SKIP LOCKED)
		RETURNING uid, delay_ms, is_interval
	`, dueBefore, rescheduleTo)
	if err != nil {
		return fmt.Errorf("postgresadapter: iterate: %w", err)
	}

	type claimed struct {
		uid        string
		delayMS    int64
		isInterval bool
	}
	var tasks []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.uid, &c.delayMS, &c.isInterval); err != nil {
			rows.Close()
			return fmt.Errorf("postgresadapter: iterate scan: %w", err)
		}
		tasks = append(tasks, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgresadapter: iterate rows: %w", err)
	}

	for _, c := range tasks {
		exec(ctx, &adapter.TaskRecord{
			UID:        c.uid,
			Delay:      time.Duration(c.delayMS) * time.Millisecond,
			ExecuteAt:  rescheduleTo,
			IsInterval: c.isInterval,
		})
	}
	return nil
}
