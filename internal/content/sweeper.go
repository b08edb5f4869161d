package content

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/welcomeapp/welcomeapp/internal/failover"
	"github.com/welcomeapp/welcomeapp/internal/logging"
)

// DefaultSweepGrace is how old an unreferenced blob must be before it is
// removed.
const DefaultSweepGrace = time.Hour

// Sweeper removes blobs no record references. Blobs younger than Grace are
// left alone since their record may still be on its way.
type Sweeper struct {
	coord  *Coordinator
	Grace  time.Duration
	DryRun bool

	now func() time.Time
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Scanned    int
	Referenced int
	Young      int
	Orphans    []string
	Removed    int
	Failed     int
}

// NewSweeper creates a sweeper over the coordinator's store and table.
func NewSweeper(coord *Coordinator, grace time.Duration) *Sweeper {
	return &Sweeper{coord: coord, Grace: grace, now: time.Now}
}

// Sweep lists the store, then reads the referenced names from a writable
// node so replica lag cannot hide a fresh record.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	objects, err := s.coord.blobs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}

	h, err := s.coord.db.Acquire(ctx, failover.ReadWrite)
	if err != nil {
		return nil, err
	}
	referenced, err := referencedFilenames(ctx, h.Conn)
	h.Close()
	if err != nil {
		return nil, err
	}

	res := &SweepResult{Scanned: len(objects)}
	cutoff := s.now().Add(-s.Grace)
	for _, obj := range objects {
		if _, ok := referenced[obj.Key]; ok {
			res.Referenced++
			continue
		}
		if obj.ModTime.After(cutoff) {
			res.Young++
			continue
		}
		res.Orphans = append(res.Orphans, obj.Key)
		if s.DryRun {
			continue
		}
		if err := s.coord.blobs.DeleteObject(ctx, obj.Key); err != nil {
			res.Failed++
			logging.Warn("failed to remove orphaned image", zap.String("filename", obj.Key), zap.Error(err))
			continue
		}
		res.Removed++
	}

	logging.Info("orphan sweep finished",
		zap.Int("scanned", res.Scanned),
		zap.Int("orphans", len(res.Orphans)),
		zap.Int("removed", res.Removed),
		zap.Bool("dry_run", s.DryRun))
	return res, nil
}
