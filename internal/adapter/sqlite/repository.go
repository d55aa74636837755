package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"

	"github.com/cwygoda/datastash/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const schema = `
CREATE TABLE IF NOT EXISTS datasets (
    kind         TEXT NOT NULL,
    identifier   TEXT NOT NULL,
    local_path   TEXT NOT NULL,
    format       TEXT NOT NULL,
    size_bytes   INTEGER NOT NULL DEFAULT 0,
    fetched_at   DATETIME NOT NULL,
    primary_file TEXT NOT NULL DEFAULT '',
    files        TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (kind, identifier)
);
CREATE INDEX IF NOT EXISTS idx_datasets_fetched_at ON datasets(fetched_at);
`

// Repository implements domain.ManifestRepository using SQLite.
type Repository struct {
	db *sql.DB
}

// New opens the manifest database, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Load returns every manifest row.
func (r *Repository) Load(ctx context.Context) ([]domain.Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT kind, identifier, local_path, format, size_bytes, fetched_at, primary_file, files
		 FROM datasets ORDER BY fetched_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Get returns the row for key.
func (r *Repository) Get(ctx context.Context, key domain.Key) (*domain.Entry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT kind, identifier, local_path, format, size_bytes, fetched_at, primary_file, files
		 FROM datasets WHERE kind = ? AND identifier = ?`,
		key.Kind, key.Identifier,
	)
	return scanEntry(row)
}

// Put inserts or replaces the row for entry.Key in one transaction.
func (r *Repository) Put(ctx context.Context, e domain.Entry) error {
	files, err := json.Marshal(e.Files)
	if err != nil {
		return fmt.Errorf("encode file list: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO datasets (kind, identifier, local_path, format, size_bytes, fetched_at, primary_file, files)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (kind, identifier) DO UPDATE SET
		     local_path = excluded.local_path,
		     format = excluded.format,
		     size_bytes = excluded.size_bytes,
		     fetched_at = excluded.fetched_at,
		     primary_file = excluded.primary_file,
		     files = excluded.files`,
		e.Key.Kind, e.Key.Identifier, e.LocalPath, e.Format.String(), e.Size,
		e.FetchedAt.UTC(), e.Primary, string(files),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes the row for key.
func (r *Repository) Delete(ctx context.Context, key domain.Key) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM datasets WHERE kind = ? AND identifier = ?`,
		key.Kind, key.Identifier,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*domain.Entry, error) {
	var (
		e         domain.Entry
		kind      string
		format    string
		fetchedAt time.Time
		files     string
	)
	err := row.Scan(&kind, &e.Key.Identifier, &e.LocalPath, &format, &e.Size, &fetchedAt, &e.Primary, &files)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Key.Kind = domain.SourceKind(kind)
	e.Format = domain.ParseFormat(format)
	e.FetchedAt = fetchedAt
	if err := json.Unmarshal([]byte(files), &e.Files); err != nil {
		return nil, fmt.Errorf("decode file list: %w", err)
	}
	return &e, nil
}

// Ensure Repository implements domain.ManifestRepository
var _ domain.ManifestRepository = (*Repository)(nil)
