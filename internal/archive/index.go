package archive

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/gpx-parts/backend/internal/models"
	"github.com/marcboeker/go-duckdb"
)

// IndexOptions tunes the DuckDB connection.
type IndexOptions struct {
	Threads     int
	MemoryLimit string
}

// Index persists one metadata record per archive entry in DuckDB.
type Index struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	unique_id         VARCHAR PRIMARY KEY,
	original_filename VARCHAR NOT NULL,
	clean_name        VARCHAR NOT NULL,
	build_date        VARCHAR NOT NULL,
	status            VARCHAR NOT NULL,
	output_directory  VARCHAR,
	description       VARCHAR NOT NULL DEFAULT '',
	content_hash      VARCHAR NOT NULL DEFAULT '',
	size_bytes        BIGINT NOT NULL DEFAULT 0,
	error_message     VARCHAR NOT NULL DEFAULT '',
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL,
	date_declared     BOOLEAN NOT NULL DEFAULT TRUE
)`

// Indexes created before date_declared existed.
const migrateDateDeclared = `ALTER TABLE entries ADD COLUMN IF NOT EXISTS date_declared BOOLEAN DEFAULT TRUE`

const entryColumns = `unique_id, original_filename, clean_name, build_date, status,
	output_directory, description, content_hash, size_bytes, error_message,
	created_at, updated_at, date_declared`

// OpenIndex opens (or creates) the metadata database at path.
func OpenIndex(path string, opts IndexOptions) (*Index, error) {
	if opts.Threads <= 0 {
		opts.Threads = 2
	}
	if opts.MemoryLimit == "" {
		opts.MemoryLimit = "256MB"
	}

	connector, err := duckdb.NewConnector(path, func(execer driver.ExecerContext) error {
		pragmas := []string{
			fmt.Sprintf("PRAGMA memory_limit='%s'", opts.MemoryLimit),
			fmt.Sprintf("PRAGMA threads=%d", opts.Threads),
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return fmt.Errorf("%s: %w", pragma, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create entries table: %w", err)
	}
	if _, err := db.Exec(migrateDateDeclared); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate entries table: %w", err)
	}

	return &Index{db: db, path: path}, nil
}

// Close releases the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Insert adds a new record.
func (ix *Index) Insert(ctx context.Context, e *models.ArchiveEntry) error {
	return insertEntry(ctx, ix.db, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntry(ctx context.Context, db execer, e *models.ArchiveEntry) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UniqueID, e.OriginalFilename, e.CleanName, e.BuildDate.Format(models.BuildDateLayout),
		string(e.Status), nullable(e.OutputDirectory), e.Description, e.ContentHash,
		e.SizeBytes, e.ErrorMessage, e.CreatedAt.UTC(), e.UpdatedAt.UTC(), e.DateDeclared,
	)
	if err != nil {
		return fmt.Errorf("inserting entry %s: %w", e.UniqueID, err)
	}
	return nil
}

// Get returns the record for uniqueID or ErrNotFound.
func (ix *Index) Get(ctx context.Context, uniqueID string) (*models.ArchiveEntry, error) {
	row := ix.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE unique_id = ?`, uniqueID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", uniqueID, ErrNotFound)
	}
	return e, err
}

// FindByCleanName returns the newest record sharing cleanName, or
// ErrNotFound.
func (ix *Index) FindByCleanName(ctx context.Context, cleanName string) (*models.ArchiveEntry, error) {
	row := ix.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE clean_name = ? ORDER BY build_date DESC LIMIT 1`, cleanName)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("clean name %s: %w", cleanName, ErrNotFound)
	}
	return e, err
}

// List returns every record, newest upload first.
func (ix *Index) List(ctx context.Context) ([]*models.ArchiveEntry, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries ORDER BY created_at DESC, unique_id`)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	var list []*models.ArchiveEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// Update writes the mutable fields of e.
func (ix *Index) Update(ctx context.Context, e *models.ArchiveEntry) error {
	res, err := ix.db.ExecContext(ctx,
		`UPDATE entries SET status = ?, output_directory = ?, description = ?, error_message = ?, updated_at = ?
		 WHERE unique_id = ?`,
		string(e.Status), nullable(e.OutputDirectory), e.Description, e.ErrorMessage, e.UpdatedAt.UTC(), e.UniqueID,
	)
	if err != nil {
		return fmt.Errorf("updating entry %s: %w", e.UniqueID, err)
	}
	return expectOne(res, e.UniqueID)
}

// Delete removes the record for uniqueID.
func (ix *Index) Delete(ctx context.Context, uniqueID string) error {
	res, err := ix.db.ExecContext(ctx, `DELETE FROM entries WHERE unique_id = ?`, uniqueID)
	if err != nil {
		return fmt.Errorf("deleting entry %s: %w", uniqueID, err)
	}
	return expectOne(res, uniqueID)
}

// Replace swaps the record oldID for next in one transaction.
func (ix *Index) Replace(ctx context.Context, oldID string, next *models.ArchiveEntry) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning replace: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE unique_id = ?`, oldID)
	if err != nil {
		return fmt.Errorf("deleting entry %s: %w", oldID, err)
	}
	if err := expectOne(res, oldID); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing replace: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*models.ArchiveEntry, error) {
	var (
		e         models.ArchiveEntry
		buildDate string
		status    string
		outputDir sql.NullString
		created   time.Time
		updated   time.Time
		declared  sql.NullBool
	)
	err := row.Scan(&e.UniqueID, &e.OriginalFilename, &e.CleanName, &buildDate, &status,
		&outputDir, &e.Description, &e.ContentHash, &e.SizeBytes, &e.ErrorMessage,
		&created, &updated, &declared)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning entry: %w", err)
	}

	e.BuildDate, err = parseBuildDate(buildDate)
	if err != nil {
		return nil, fmt.Errorf("entry %s has bad build date %q: %w", e.UniqueID, buildDate, err)
	}
	e.Status = models.EntryStatus(status)
	e.OutputDirectory = outputDir.String
	e.CreatedAt = created.UTC()
	e.UpdatedAt = updated.UTC()
	e.DateDeclared = !declared.Valid || declared.Bool
	return &e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func expectOne(res sql.Result, uniqueID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", uniqueID, ErrNotFound)
	}
	return nil
}
