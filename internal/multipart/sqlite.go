package multipart

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// SQLiteCatalog persists upload sessions in a SQLite database.
type SQLiteCatalog struct {
	db *sql.DB
}

// OpenSQLiteCatalog opens or creates the database at path.
func OpenSQLiteCatalog(ctx context.Context, path string) (*SQLiteCatalog, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteCatalog{db: db}, nil
}

// initSchema applies the embedded migrations in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("error reading SQL file: %w", err)
		}

		slog.Debug("Running migration", "path", path)
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("init schema %s: %w", path, err)
		}
		return nil
	})
}

// withTransaction runs a function within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

func (c *SQLiteCatalog) PutUpload(ctx context.Context, info UploadInfo) error {
	metadata, err := cbor.Marshal(info.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO uploads (id, bucket, key, initiated_ns, content_type, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		info.ID, info.Bucket, info.Key, info.Initiated.UnixNano(), info.ContentType, metadata,
	)
	return err
}

func (c *SQLiteCatalog) PutPart(ctx context.Context, uploadID string, part PartRecord) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO parts (upload_id, number, etag, size, last_modified_ns, content) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (upload_id, number) DO UPDATE SET
			etag = excluded.etag,
			size = excluded.size,
			last_modified_ns = excluded.last_modified_ns,
			content = excluded.content`,
		uploadID, part.Number, part.ETag, part.Size, part.LastModified.UnixNano(), part.content,
	)
	return err
}

func (c *SQLiteCatalog) DeleteUpload(ctx context.Context, uploadID string) error {
	return withTransaction(ctx, c.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM parts WHERE upload_id = ?`, uploadID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, uploadID)
		return err
	})
}

func (c *SQLiteCatalog) Load(ctx context.Context) ([]SavedUpload, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, bucket, key, initiated_ns, content_type, metadata FROM uploads ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}
	defer rows.Close()

	var uploads []SavedUpload
	index := make(map[string]int)
	for rows.Next() {
		var (
			su        SavedUpload
			initiated int64
			metadata  []byte
		)
		if err := rows.Scan(&su.ID, &su.Bucket, &su.Key, &initiated, &su.ContentType, &metadata); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		su.Initiated = time.Unix(0, initiated).UTC()
		if len(metadata) > 0 {
			if err := cbor.Unmarshal(metadata, &su.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of upload %s: %w", su.ID, err)
			}
		}
		index[su.ID] = len(uploads)
		uploads = append(uploads, su)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uploads: %w", err)
	}
	// The single connection must be released before the next query.
	rows.Close()

	partRows, err := c.db.QueryContext(ctx,
		`SELECT upload_id, number, etag, size, last_modified_ns, content FROM parts ORDER BY upload_id, number`)
	if err != nil {
		return nil, fmt.Errorf("query parts: %w", err)
	}
	defer partRows.Close()

	for partRows.Next() {
		var (
			uploadID string
			p        PartRecord
			modified int64
		)
		if err := partRows.Scan(&uploadID, &p.Number, &p.ETag, &p.Size, &modified, &p.content); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		p.LastModified = time.Unix(0, modified).UTC()

		i, ok := index[uploadID]
		if !ok {
			continue
		}
		uploads[i].Parts = append(uploads[i].Parts, p)
	}
	if err := partRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parts: %w", err)
	}

	return uploads, nil
}

func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}
