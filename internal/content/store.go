// Package content keeps the content table and the shared image store
// consistent. A record is only ever inserted after its image is stored, and
// an insert that fails removes the image again.
package content

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/welcomeapp/welcomeapp/internal/metrics"
)

// Record maps to a row of the content table.
type Record struct {
	ID            int64     `json:"id"`
	Quote         string    `json:"quote"`
	ImageFilename string    `json:"image_filename"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS content (
		id SERIAL PRIMARY KEY,
		quote TEXT NOT NULL,
		image_filename TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	insertSQL = `INSERT INTO content (quote, image_filename) VALUES ($1, $2)
		RETURNING id, created_at`

	listSQL = `SELECT id, quote, image_filename, created_at FROM content
		ORDER BY created_at DESC, id DESC`

	lockSQL = `SELECT image_filename FROM content WHERE id = $1 FOR UPDATE`

	deleteSQL = `DELETE FROM content WHERE id = $1`

	filenamesSQL = `SELECT image_filename FROM content`

	countSQL = `SELECT COUNT(*) FROM content`
)

// dbtx is satisfied by *sql.Conn and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func createSchema(ctx context.Context, db dbtx) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_schema", time.Since(start)) }()

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create content table: %w", err)
	}
	return nil
}

func insertRecord(ctx context.Context, db dbtx, quote, filename string) (*Record, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert_content", time.Since(start)) }()

	r := &Record{Quote: quote, ImageFilename: filename}
	if err := db.QueryRowContext(ctx, insertSQL, quote, filename).Scan(&r.ID, &r.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert content: %w", err)
	}
	return r, nil
}

func listRecords(ctx context.Context, db dbtx) ([]Record, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_content", time.Since(start)) }()

	rows, err := db.QueryContext(ctx, listSQL)
	if err != nil {
		return nil, fmt.Errorf("query content: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Quote, &r.ImageFilename, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return records, nil
}

// lockRecord returns the filename of row id and locks the row until the
// transaction ends. A missing row yields sql.ErrNoRows.
func lockRecord(ctx context.Context, tx *sql.Tx, id int64) (string, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("lock_content", time.Since(start)) }()

	var filename string
	if err := tx.QueryRowContext(ctx, lockSQL, id).Scan(&filename); err != nil {
		return "", err
	}
	return filename, nil
}

func deleteRecord(ctx context.Context, tx *sql.Tx, id int64) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_content", time.Since(start)) }()

	res, err := tx.ExecContext(ctx, deleteSQL, id)
	if err != nil {
		return 0, fmt.Errorf("delete content %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func referencedFilenames(ctx context.Context, db dbtx) (map[string]struct{}, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_filenames", time.Since(start)) }()

	rows, err := db.QueryContext(ctx, filenamesSQL)
	if err != nil {
		return nil, fmt.Errorf("query filenames: %w", err)
	}
	defer rows.Close()

	names := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan filename: %w", err)
		}
		names[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return names, nil
}

func countRecords(ctx context.Context, db dbtx) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("count_content", time.Since(start)) }()

	var n int64
	if err := db.QueryRowContext(ctx, countSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("count content: %w", err)
	}
	return n, nil
}
