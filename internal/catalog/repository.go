package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository is the catalog's persistent source.
type Repository interface {
	Count(ctx context.Context) (int, error)
	// Page returns up to limit items ordered by ID, starting at offset.
	Page(ctx context.Context, offset, limit int) ([]Item, error)
	Get(ctx context.Context, id string) (Item, error)
	Upsert(ctx context.Context, items ...Item) error
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed catalog repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Count returns the number of stored items.
func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM catalog_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting catalog items: %w", err)
	}
	return n, nil
}

// Page returns up to limit items ordered by ID, starting at offset.
func (r *SQLiteRepository) Page(ctx context.Context, offset, limit int) ([]Item, error) {
	const query = `SELECT id, title, artist, album, category, duration_ms, updated_at
		FROM catalog_items ORDER BY id LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying catalog page at %d: %w", offset, err)
	}
	defer rows.Close()

	items := make([]Item, 0, limit)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating catalog page: %w", err)
	}
	return items, nil
}

// Get returns a single item by ID.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (Item, error) {
	const query = `SELECT id, title, artist, album, category, duration_ms, updated_at
		FROM catalog_items WHERE id = ?`
	it, err := scanItem(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return it, err
}

// Upsert inserts or replaces items in a single transaction.
func (r *SQLiteRepository) Upsert(ctx context.Context, items ...Item) error {
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	const query = `INSERT INTO catalog_items (id, title, artist, album, category, duration_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, artist = excluded.artist, album = excluded.album,
			category = excluded.category, duration_ms = excluded.duration_ms,
			updated_at = excluded.updated_at`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		updated := it.UpdatedAt
		if updated.IsZero() {
			updated = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, it.ID, it.Title, it.Artist, it.Album, it.Category,
			it.Duration.Milliseconds(), updated.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("upserting catalog item %s: %w", it.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing catalog upsert: %w", err)
	}
	return nil
}

// Delete removes an item.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM catalog_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting catalog item %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // SQLite always reports rows affected
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var (
		it         Item
		durationMS int64
		updated    string
	)
	if err := row.Scan(&it.ID, &it.Title, &it.Artist, &it.Album, &it.Category, &durationMS, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, err
		}
		return Item{}, fmt.Errorf("scanning catalog item: %w", err)
	}
	it.Duration = time.Duration(durationMS) * time.Millisecond
	it.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated) //nolint:errcheck // Format is controlled
	return it, nil
}
