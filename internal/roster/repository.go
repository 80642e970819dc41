package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
)

// Repository defines the roster persistence operations.
type Repository interface {
	List(ctx context.Context) ([]driver.Spec, error)
	Get(ctx context.Context, moniker string) (driver.Spec, error)
	Save(ctx context.Context, spec driver.Spec) error
	Delete(ctx context.Context, moniker string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed roster repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// List returns every entry ordered by moniker.
func (r *SQLiteRepository) List(ctx context.Context) ([]driver.Spec, error) {
	const query = `SELECT moniker, type, enabled, params FROM drivers ORDER BY moniker`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying roster: %w", err)
	}
	defer rows.Close()

	var specs []driver.Spec
	for rows.Next() {
		spec, err := scanSpec(rows)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating roster: %w", err)
	}
	return specs, nil
}

// Get returns one entry. Monikers match case-insensitively.
func (r *SQLiteRepository) Get(ctx context.Context, moniker string) (driver.Spec, error) {
	const query = `SELECT moniker, type, enabled, params FROM drivers WHERE moniker = ?`
	spec, err := scanSpec(r.db.QueryRowContext(ctx, query, moniker))
	if errors.Is(err, sql.ErrNoRows) {
		return driver.Spec{}, fmt.Errorf("%w: %s", ErrNotFound, moniker)
	}
	return spec, err
}

// Save inserts or replaces an entry.
func (r *SQLiteRepository) Save(ctx context.Context, spec driver.Spec) error {
	if strings.TrimSpace(spec.Moniker) == "" || strings.TrimSpace(spec.Type) == "" {
		return fmt.Errorf("%w: moniker and type are required", ErrInvalidEntry)
	}

	params := ""
	if len(spec.Params) > 0 {
		b, err := yaml.Marshal(spec.Params)
		if err != nil {
			return fmt.Errorf("%w: encoding params for %s: %w", ErrInvalidEntry, spec.Moniker, err)
		}
		params = string(b)
	}

	now := r.now().UTC().Format(time.RFC3339)
	const query = `INSERT INTO drivers (moniker, type, enabled, params, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(moniker) DO UPDATE SET
			type = excluded.type, enabled = excluded.enabled,
			params = excluded.params, updated_at = excluded.updated_at`
	if _, err := r.db.ExecContext(ctx, query,
		spec.Moniker, strings.ToLower(spec.Type), boolToInt(spec.Enabled), params, now, now); err != nil {
		return fmt.Errorf("saving roster entry %s: %w", spec.Moniker, err)
	}
	return nil
}

// Delete removes an entry.
func (r *SQLiteRepository) Delete(ctx context.Context, moniker string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM drivers WHERE moniker = ?`, moniker)
	if err != nil {
		return fmt.Errorf("deleting roster entry %s: %w", moniker, err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // SQLite always reports rows affected
		return fmt.Errorf("%w: %s", ErrNotFound, moniker)
	}
	return nil
}

// Seed saves each spec that has no entry yet and returns how many were
// added. Existing entries are left as they are.
func Seed(ctx context.Context, repo Repository, specs []driver.Spec) (int, error) {
	added := 0
	for _, spec := range specs {
		_, err := repo.Get(ctx, spec.Moniker)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, ErrNotFound):
			return added, err
		}
		if err := repo.Save(ctx, spec); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpec(row rowScanner) (driver.Spec, error) {
	var (
		spec    driver.Spec
		enabled int64
		params  string
	)
	if err := row.Scan(&spec.Moniker, &spec.Type, &enabled, &params); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return driver.Spec{}, err
		}
		return driver.Spec{}, fmt.Errorf("scanning roster entry: %w", err)
	}
	spec.Enabled = enabled != 0
	if params != "" {
		if err := yaml.Unmarshal([]byte(params), &spec.Params); err != nil {
			return driver.Spec{}, fmt.Errorf("decoding params for %s: %w", spec.Moniker, err)
		}
	}
	return spec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
