// Package health reports whether this instance can serve content, for the
// load balancer in front of the application tier.
package health

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/welcomeapp/welcomeapp/internal/failover"
	"github.com/welcomeapp/welcomeapp/internal/logging"
	"github.com/welcomeapp/welcomeapp/internal/metrics"
)

// DefaultTimeout bounds one report end to end.
const DefaultTimeout = 2 * time.Second

// Status is the overall verdict.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
)

// Report is the health summary. Only Status is meaningful when degraded.
type Report struct {
	Status        Status `json:"status"`
	Hostname      string `json:"hostname,omitempty"`
	Database      string `json:"database,omitempty"`
	DatabaseIndex int    `json:"database_index,omitempty"` // 1-based
	ContentCount  int64  `json:"content_count"`

	Err error `json:"-"`
}

// Healthy reports whether the status is healthy.
func (r Report) Healthy() bool { return r.Status == StatusHealthy }

// Acquirer hands out database connections. *failover.Router implements it.
type Acquirer interface {
	Acquire(ctx context.Context, mode failover.Mode) (*failover.Handle, error)
}

// Config tunes a Reporter.
type Config struct {
	Hostname string
	Timeout  time.Duration
	Prober   *failover.Prober
}

// Reporter builds health reports.
type Reporter struct {
	db       Acquirer
	prober   *failover.Prober
	hostname string
	timeout  time.Duration
}

// NewReporter creates a reporter. An empty hostname is filled from the OS.
func NewReporter(db Acquirer, cfg Config) *Reporter {
	r := &Reporter{
		db:       db,
		prober:   cfg.Prober,
		hostname: cfg.Hostname,
		timeout:  cfg.Timeout,
	}
	if r.prober == nil {
		r.prober = &failover.Prober{}
	}
	if r.hostname == "" {
		r.hostname, _ = os.Hostname()
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	return r
}

// Report acquires a read-only connection and runs a liveness query. Reads
// never force a search for the primary, so a cluster with only replicas left
// is still healthy.
func (r *Reporter) Report(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rep := r.report(ctx)
	metrics.SetHealthy(rep.Healthy())
	if !rep.Healthy() {
		logging.WithContext(ctx).Warn("health check degraded", zap.Error(rep.Err))
	}
	return rep
}

func (r *Reporter) report(ctx context.Context) Report {
	h, err := r.db.Acquire(ctx, failover.ReadOnly)
	if err != nil {
		return Report{Status: StatusDegraded, Err: err}
	}
	defer h.Close()

	n, err := r.prober.Liveness(ctx, h.Conn)
	if err != nil {
		return Report{Status: StatusDegraded, Err: err}
	}

	return Report{
		Status:        StatusHealthy,
		Hostname:      r.hostname,
		Database:      h.Endpoint.Addr(),
		DatabaseIndex: h.Index + 1,
		ContentCount:  n,
	}
}
