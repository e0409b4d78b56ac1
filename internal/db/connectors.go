package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Connector lifecycle statuses. Transitions per sync attempt are monotonic:
// active/error -> pending -> syncing -> active|error. Disabled connectors are
// never claimed.
const (
	StatusPending  = "pending"
	StatusSyncing  = "syncing"
	StatusActive   = "active"
	StatusError    = "error"
	StatusDisabled = "disabled"
)

// ErrConnectorNotFound is returned when a connector id does not exist.
var ErrConnectorNotFound = errors.New("connector not found")

// Connector is one configured binding to an external content source.
type Connector struct {
	ID              int64
	Type            string
	UserID          int64
	Scope           string
	ScopeID         int64
	Config          []byte
	State           []byte
	Status          string
	StatusMessage   string
	LastSyncAt      *time.Time
	RefreshInterval time.Duration
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Store wraps the connector table queries.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const connectorColumns = `
	id, type, user_id, scope, scope_id, config, state,
	status, status_message, last_sync_at, refresh_interval_seconds,
	created_at, updated_at`

func scanConnector(row pgx.Row) (Connector, error) {
	var (
		c       Connector
		refresh int64
	)
	err := row.Scan(
		&c.ID, &c.Type, &c.UserID, &c.Scope, &c.ScopeID, &c.Config, &c.State,
		&c.Status, &c.StatusMessage, &c.LastSyncAt, &refresh,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Connector{}, err
	}
	c.RefreshInterval = time.Duration(refresh) * time.Second
	return c, nil
}

// GetByID fetches one connector row.
func (s *Store) GetByID(ctx context.Context, id int64) (Connector, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+connectorColumns+` FROM connectors WHERE id = $1`, id)
	c, err := scanConnector(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Connector{}, ErrConnectorNotFound
	}
	return c, err
}

// DueForSync lists connectors whose refresh interval has elapsed, ordered by
// staleness. Connectors already pending, syncing, or disabled are excluded.
func (s *Store) DueForSync(ctx context.Context) ([]Connector, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+connectorColumns+`
		FROM connectors
		WHERE status NOT IN ($1, $2, $3)
		  AND (last_sync_at IS NULL
		       OR last_sync_at + make_interval(secs => refresh_interval_seconds) <= now())
		ORDER BY last_sync_at ASC NULLS FIRST, id ASC`,
		StatusPending, StatusSyncing, StatusDisabled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimForSync atomically moves a connector to pending. The status predicate
// acts as the claim mutex: a second orchestrator racing on the same row sees
// zero rows affected and loses.
func (s *Store) ClaimForSync(ctx context.Context, id int64, statusMessage string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE connectors
		SET status = $2, status_message = $3, updated_at = now()
		WHERE id = $1 AND status NOT IN ($2, $4, $5)`,
		id, StatusPending, statusMessage, StatusSyncing, StatusDisabled)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSyncing transitions a pending connector to syncing at the start of a run.
func (s *Store) MarkSyncing(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE connectors
		SET status = $2, status_message = '', updated_at = now()
		WHERE id = $1 AND status = $3`,
		id, StatusSyncing, StatusPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FinishSync records the outcome of a run: terminal status, human-readable
// message, advanced state blob, and the sync timestamp.
func (s *Store) FinishSync(ctx context.Context, id int64, status, statusMessage string, state []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE connectors
		SET status = $2, status_message = $3, state = $4,
		    last_sync_at = now(), updated_at = now()
		WHERE id = $1`,
		id, status, statusMessage, state)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConnectorNotFound
	}
	return nil
}

// SaveState persists an intermediate checkpoint without touching status, for
// long runs that checkpoint before completion.
func (s *Store) SaveState(ctx context.Context, id int64, state []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE connectors SET state = $2, updated_at = now() WHERE id = $1`,
		id, state)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConnectorNotFound
	}
	return nil
}

// CountByStatus returns connector counts grouped by lifecycle status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM connectors GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// CountDue returns how many connectors are currently due for sync.
func (s *Store) CountDue(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM connectors
		WHERE status NOT IN ($1, $2, $3)
		  AND (last_sync_at IS NULL
		       OR last_sync_at + make_interval(secs => refresh_interval_seconds) <= now())`,
		StatusPending, StatusSyncing, StatusDisabled).Scan(&n)
	return n, err
}
