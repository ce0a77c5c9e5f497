package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// App is one registered generated application.
type App struct {
	Model        string
	AppNum       int
	Provider     string
	BackendPort  int
	FrontendPort int
	MissingSince *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const appColumns = `model, app_num, provider, backend_port, frontend_port, missing_since, created_at, updated_at`

func scanApp(row pgx.Row) (*App, error) {
	var a App
	err := row.Scan(&a.Model, &a.AppNum, &a.Provider, &a.BackendPort, &a.FrontendPort,
		&a.MissingSince, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Port allocation starts here; backend and frontend ranges are interleaved
// by allocating pairs.
const (
	portRangeStart = 6000
	portPairStride = 2
)

// RegisterApp records an app, allocating a backend/frontend port pair inside
// a transaction so concurrent registrations never collide. Re-registering an
// existing app clears its missing marker and keeps its ports.
func (s *Store) RegisterApp(ctx context.Context, model, provider string, appNum int) (*App, error) {
	if model == "" || appNum <= 0 {
		return nil, errors.New("app requires model and positive app number")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op if committed

	existing, err := scanApp(tx.QueryRow(ctx, `
UPDATE apps SET missing_since = NULL, provider = $3, updated_at = now()
WHERE model = $1 AND app_num = $2
RETURNING `+appColumns+`;`, model, appNum, provider))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("refresh app %s/app%d: %w", model, appNum, err)
	}

	var nextPort int
	err = tx.QueryRow(ctx, `
SELECT COALESCE(MAX(frontend_port) + 1, $1) FROM apps;`, portRangeStart).Scan(&nextPort)
	if err != nil {
		return nil, fmt.Errorf("allocate ports: %w", err)
	}
	backend, frontend := nextPort, nextPort+portPairStride-1

	app, err := scanApp(tx.QueryRow(ctx, `
INSERT INTO apps (model, app_num, provider, backend_port, frontend_port)
VALUES ($1, $2, $3, $4, $5)
RETURNING `+appColumns+`;`, model, appNum, provider, backend, frontend))
	if err != nil {
		return nil, fmt.Errorf("insert app %s/app%d: %w", model, appNum, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return app, nil
}

// GetApp loads one app.
func (s *Store) GetApp(ctx context.Context, model string, appNum int) (*App, error) {
	a, err := scanApp(s.pool.QueryRow(ctx, `
SELECT `+appColumns+` FROM apps WHERE model = $1 AND app_num = $2;`, model, appNum))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("app %s/app%d not found", model, appNum)
	}
	if err != nil {
		return nil, fmt.Errorf("get app %s/app%d: %w", model, appNum, err)
	}
	return a, nil
}

// ListApps returns all apps ordered by model then app number.
func (s *Store) ListApps(ctx context.Context) ([]*App, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+appColumns+` FROM apps ORDER BY model, app_num;`)
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	defer rows.Close()

	var apps []*App
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, fmt.Errorf("list apps: %w", err)
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// MarkAppMissing stamps missing_since the first time an app's directory
// disappears from disk. Already-marked apps keep their original stamp so the
// grace period measures from first observation.
func (s *Store) MarkAppMissing(ctx context.Context, model string, appNum int) error {
	_, err := s.pool.Exec(ctx, `
UPDATE apps SET missing_since = COALESCE(missing_since, now()), updated_at = now()
WHERE model = $1 AND app_num = $2;`, model, appNum)
	if err != nil {
		return fmt.Errorf("mark app %s/app%d missing: %w", model, appNum, err)
	}
	return nil
}

// ClearAppMissing removes the missing marker for an app seen on disk again.
func (s *Store) ClearAppMissing(ctx context.Context, model string, appNum int) error {
	_, err := s.pool.Exec(ctx, `
UPDATE apps SET missing_since = NULL, updated_at = now()
WHERE model = $1 AND app_num = $2;`, model, appNum)
	if err != nil {
		return fmt.Errorf("clear app %s/app%d missing: %w", model, appNum, err)
	}
	return nil
}

// DeleteAppsMissingLongerThan removes apps whose directory has been gone for
// the full grace period, returning how many rows were deleted.
func (s *Store) DeleteAppsMissingLongerThan(ctx context.Context, grace time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM apps WHERE missing_since IS NOT NULL AND missing_since < now() - make_interval(secs => $1);`,
		grace.Seconds())
	if err != nil {
		return 0, fmt.Errorf("delete missing apps: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
