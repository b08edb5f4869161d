package content

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/welcomeapp/welcomeapp/internal/failover"
	"github.com/welcomeapp/welcomeapp/internal/logging"
	"github.com/welcomeapp/welcomeapp/internal/metrics"
	"github.com/welcomeapp/welcomeapp/internal/retry"
	"github.com/welcomeapp/welcomeapp/internal/storage"
)

// DefaultMaxSize is the largest accepted image.
const DefaultMaxSize = 5 << 20

// DefaultAllowedExtensions lists the accepted image types.
var DefaultAllowedExtensions = []string{"png", "jpg", "jpeg", "gif", "webp"}

// cleanupTimeout bounds blob removal after the request context is gone.
const cleanupTimeout = 10 * time.Second

// Acquirer hands out database connections. *failover.Router implements it.
type Acquirer interface {
	Acquire(ctx context.Context, mode failover.Mode) (*failover.Handle, error)
}

// Config tunes a Coordinator. Zero values select the defaults.
type Config struct {
	MaxSize           int64
	AllowedExtensions []string
	Cleanup           retry.Config
}

// Coordinator sequences the blob store and the content table.
type Coordinator struct {
	db      Acquirer
	blobs   storage.Backend
	maxSize int64
	allowed map[string]bool
	cleanup retry.Config
}

// NewCoordinator creates a coordinator writing images to blobs and rows
// through db.
func NewCoordinator(db Acquirer, blobs storage.Backend, cfg Config) *Coordinator {
	c := &Coordinator{
		db:      db,
		blobs:   blobs,
		maxSize: cfg.MaxSize,
		allowed: make(map[string]bool),
		cleanup: cfg.Cleanup,
	}
	if c.maxSize <= 0 {
		c.maxSize = DefaultMaxSize
	}
	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = DefaultAllowedExtensions
	}
	for _, e := range exts {
		c.allowed[normalizeExt(e)] = true
	}
	if c.cleanup.MaxAttempts == 0 {
		c.cleanup = retry.DefaultConfig()
	}
	return c
}

// Blobs returns the backing blob store.
func (c *Coordinator) Blobs() storage.Backend { return c.blobs }

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// ExtensionOf returns the extension of an uploaded file name, without the dot.
func ExtensionOf(filename string) string {
	i := strings.LastIndexByte(filename, '.')
	if i < 0 {
		return ""
	}
	return normalizeExt(filename[i+1:])
}

func (c *Coordinator) validate(quote string, blob []byte, ext string) error {
	if strings.TrimSpace(quote) == "" {
		return &ValidationError{Field: "quote", Reason: "must not be empty"}
	}
	if len(blob) == 0 {
		return &ValidationError{Field: "image", Reason: "must not be empty"}
	}
	if int64(len(blob)) > c.maxSize {
		return &ValidationError{Field: "image", Reason: fmt.Sprintf("exceeds %d bytes", c.maxSize)}
	}
	if !c.allowed[ext] {
		return &ValidationError{Field: "image", Reason: fmt.Sprintf("file type %q not allowed", ext)}
	}
	return nil
}

// Create stores blob and inserts a record referencing it. If the insert
// fails the blob is removed before the error is returned; when that removal
// fails too the blob is logged as an orphan.
func (c *Coordinator) Create(ctx context.Context, quote string, blob []byte, extension string) (*Record, error) {
	ext := normalizeExt(extension)
	if err := c.validate(quote, blob, ext); err != nil {
		return nil, err
	}

	log := logging.WithContext(ctx)
	name := uuid.NewString() + "." + ext

	if err := c.blobs.PutObject(ctx, name, bytes.NewReader(blob), int64(len(blob))); err != nil {
		metrics.RecordContentOperation("create", false)
		log.Error("failed to store image", zap.String("filename", name), zap.Error(err))
		return nil, &StorageError{Key: name, Err: err}
	}

	rec, err := c.insert(ctx, quote, name)
	if err != nil {
		metrics.RecordContentOperation("create", false)
		log.Error("failed to insert content, removing image",
			zap.String("filename", name), zap.Error(err))
		c.removeBlob(ctx, name, "create")
		return nil, &PersistenceError{Op: "create", Err: err}
	}

	metrics.RecordContentOperation("create", true)
	log.Info("content created", zap.Int64("id", rec.ID), zap.String("filename", name))
	return rec, nil
}

func (c *Coordinator) insert(ctx context.Context, quote, filename string) (*Record, error) {
	h, err := c.db.Acquire(ctx, failover.ReadWrite)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	tx, err := h.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rec, err := insertRecord(ctx, tx, quote, filename)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// removeBlob deletes name with bounded retries. It runs even when ctx has
// been cancelled, since the request failing is usually why it is needed.
func (c *Coordinator) removeBlob(ctx context.Context, name, op string) bool {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	err := retry.Do(cctx, c.cleanup, func(attempt int) error {
		return c.blobs.DeleteObject(cctx, name)
	})
	if err != nil {
		metrics.RecordOrphanedBlob(op)
		logging.WithContext(ctx).Error("orphaned image left in store",
			zap.String("filename", name),
			zap.String("operation", op),
			zap.Error(err))
		return false
	}
	return true
}

// Delete removes record id and then its image. The row is removed first so
// a record never points at a missing image; an image that cannot be removed
// afterwards is logged as an orphan and does not fail the call.
func (c *Coordinator) Delete(ctx context.Context, id int64) error {
	filename, err := c.deleteRow(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		metrics.RecordContentOperation("delete", false)
		return &PersistenceError{Op: "delete", Err: err}
	}

	c.removeBlob(ctx, filename, "delete")
	metrics.RecordContentOperation("delete", true)
	logging.WithContext(ctx).Info("content deleted", zap.Int64("id", id), zap.String("filename", filename))
	return nil
}

func (c *Coordinator) deleteRow(ctx context.Context, id int64) (string, error) {
	h, err := c.db.Acquire(ctx, failover.ReadWrite)
	if err != nil {
		return "", err
	}
	defer h.Close()

	tx, err := h.Conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	filename, err := lockRecord(ctx, tx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("content %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lock content %d: %w", id, err)
	}
	n, err := deleteRecord(ctx, tx, id)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", fmt.Errorf("content %d: %w", id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return filename, nil
}

// List returns every record, newest first. Any reachable node can serve it.
func (c *Coordinator) List(ctx context.Context) ([]Record, error) {
	h, err := c.db.Acquire(ctx, failover.ReadOnly)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	defer h.Close()

	records, err := listRecords(ctx, h.Conn)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	return records, nil
}

// Count returns the number of records.
func (c *Coordinator) Count(ctx context.Context) (int64, error) {
	h, err := c.db.Acquire(ctx, failover.ReadOnly)
	if err != nil {
		return 0, &PersistenceError{Op: "count", Err: err}
	}
	defer h.Close()

	n, err := countRecords(ctx, h.Conn)
	if err != nil {
		return 0, &PersistenceError{Op: "count", Err: err}
	}
	return n, nil
}

// EnsureSchema creates the content table on a writable node.
func (c *Coordinator) EnsureSchema(ctx context.Context) error {
	h, err := c.db.Acquire(ctx, failover.ReadWrite)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := createSchema(ctx, h.Conn); err != nil {
		return err
	}
	logging.Info("content table ready", zap.String("endpoint", h.Label()))
	return nil
}
