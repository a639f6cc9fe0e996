package pathstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tidepool/api/internal/apperror"
)

const pathEntriesSchema = `
CREATE TABLE IF NOT EXISTS path_entries (
	path       TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	revision   BIGINT NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresStore implements Store on Postgres. Each path is a row with a
// revision counter; conditional updates are an explicit compare-and-swap on
// the revision with bounded retries, and subscriptions poll a fingerprint of
// the subtree.
type PostgresStore struct {
	db           *sql.DB
	pollInterval time.Duration
	maxRetries   uint64
}

// OpenPostgresStore connects, verifies the connection and applies the
// schema.
func OpenPostgresStore(ctx context.Context, databaseURL string, pollInterval time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.ExecContext(ctx, pathEntriesSchema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &PostgresStore{db: db, pollInterval: pollInterval, maxRetries: 16}, nil
}

func (s *PostgresStore) Read(ctx context.Context, path string) (Value, error) {
	value, _, err := s.readVersioned(ctx, path)
	return value, err
}

func (s *PostgresStore) readVersioned(ctx context.Context, path string) (Value, int64, error) {
	var data []byte
	var revision int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, revision FROM path_entries WHERE path=$1`, path,
	).Scan(&data, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, apperror.StoreUnavailable("read "+path, err)
	}
	value, err := decodeValue(data)
	if err != nil {
		return nil, 0, err
	}
	return value, revision, nil
}

func (s *PostgresStore) ReadTree(ctx context.Context, path string) (Snapshot, error) {
	snap := Snapshot{Path: path, Children: map[string]Value{}}

	value, err := s.Read(ctx, path)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Value = value

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, value FROM path_entries
		WHERE path LIKE $1 || '/%' AND path NOT LIKE $1 || '/%/%'
	`, path)
	if err != nil {
		return Snapshot{}, apperror.StoreUnavailable("read children of "+path, err)
	}
	defer rows.Close()

	for rows.Next() {
		var childPath string
		var data []byte
		if err := rows.Scan(&childPath, &data); err != nil {
			return Snapshot{}, apperror.StoreUnavailable("scan children of "+path, err)
		}
		child, err := decodeValue(data)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Children[ChildKey(path, childPath)] = child
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, apperror.StoreUnavailable("read children of "+path, err)
	}
	return snap, nil
}

func (s *PostgresStore) Write(ctx context.Context, path string, value Value) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO path_entries (path, value)
		VALUES ($1, $2)
		ON CONFLICT (path) DO UPDATE
		SET value=EXCLUDED.value, revision=path_entries.revision+1, updated_at=NOW()
	`, path, data)
	if err != nil {
		return apperror.StoreUnavailable("write "+path, err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, path string, partial Value) error {
	_, err := s.ConditionalUpdate(ctx, path, func(current Value) (Value, bool) {
		next := current.Clone()
		if next == nil {
			next = Value{}
		}
		for k, v := range partial {
			next[k] = v
		}
		return next, true
	})
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM path_entries WHERE path=$1 OR path LIKE $1 || '/%'`, path)
	if err != nil {
		return apperror.StoreUnavailable("delete "+path, err)
	}
	return nil
}

var errCASConflict = errors.New("cas conflict")

func (s *PostgresStore) ConditionalUpdate(ctx context.Context, path string, fn MutateFunc) (CommitResult, error) {
	var result CommitResult

	attempt := func() error {
		current, revision, err := s.readVersioned(ctx, path)
		if err != nil {
			return backoff.Permanent(err)
		}

		next, commit := fn(current)
		if !commit {
			result = CommitResult{Committed: false, Value: current}
			return nil
		}

		applied, err := s.swap(ctx, path, revision, next)
		if err != nil {
			return backoff.Permanent(apperror.StoreUnavailable("conditional update "+path, err))
		}
		if !applied {
			return errCASConflict
		}
		result = CommitResult{Committed: true, Value: next}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(casBackOff(), s.maxRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		if errors.Is(err, errCASConflict) {
			return CommitResult{}, apperror.StoreUnavailable("conditional update "+path, err)
		}
		return CommitResult{}, err
	}
	return result, nil
}

// swap commits next only if the row revision is still the one observed by
// the read. revision 0 means the row was absent.
func (s *PostgresStore) swap(ctx context.Context, path string, revision int64, next Value) (bool, error) {
	if next == nil {
		if revision == 0 {
			return true, nil
		}
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM path_entries WHERE path=$1 AND revision=$2`, path, revision)
		if err != nil {
			return false, err
		}
		n, _ := res.RowsAffected()
		return n == 1, nil
	}

	data, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", path, err)
	}

	if revision == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO path_entries (path, value)
			VALUES ($1, $2)
			ON CONFLICT (path) DO NOTHING
		`, path, data)
		if err != nil {
			return false, err
		}
		n, _ := res.RowsAffected()
		return n == 1, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE path_entries
		SET value=$2, revision=revision+1, updated_at=NOW()
		WHERE path=$1 AND revision=$3
	`, path, data, revision)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) Subscribe(ctx context.Context, path string) (*Subscription, error) {
	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := newSubscription(path, cancel)
	go s.poll(pumpCtx, sub)
	return sub, nil
}

func (s *PostgresStore) poll(ctx context.Context, sub *Subscription) {
	defer sub.close()

	var lastSum, lastCount int64 = -1, -1
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		sum, count, err := s.fingerprint(ctx, sub.Path())
		if err == nil && (sum != lastSum || count != lastCount) {
			lastSum, lastCount = sum, count
			if snap, err := s.ReadTree(ctx, sub.Path()); err == nil {
				sub.deliver(snap)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *PostgresStore) fingerprint(ctx context.Context, path string) (int64, int64, error) {
	var sum, count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(revision), 0), COUNT(*) FROM path_entries
		WHERE path=$1 OR path LIKE $1 || '/%'
	`, path).Scan(&sum, &count)
	return sum, count, err
}

func (s *PostgresStore) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.db.QueryRowContext(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, apperror.StoreUnavailable("time", err)
	}
	return now, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
