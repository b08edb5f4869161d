package failover

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/welcomeapp/welcomeapp/internal/metrics"
)

// DefaultProbeTimeout bounds a single probe query.
const DefaultProbeTimeout = 2 * time.Second

// NodeState is what a probe learned about a node.
type NodeState int

const (
	NodeWritable NodeState = iota + 1
	NodeReadOnly
)

func (s NodeState) String() string {
	switch s {
	case NodeWritable:
		return "writable"
	case NodeReadOnly:
		return "read-only"
	default:
		return "unknown"
	}
}

// Queryer is satisfied by *sql.Conn, *sql.DB and *sql.Tx.
type Queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Prober runs the introspection queries the router and health check rely on.
type Prober struct {
	Timeout time.Duration
}

func (p *Prober) timeout() time.Duration {
	if p == nil || p.Timeout <= 0 {
		return DefaultProbeTimeout
	}
	return p.Timeout
}

// Classify asks the node whether it is replaying WAL from a primary.
func (p *Prober) Classify(ctx context.Context, q Queryer) (NodeState, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	start := time.Now()
	defer func() { metrics.RecordDBQuery("pg_is_in_recovery", time.Since(start)) }()

	var inRecovery bool
	if err := q.QueryRowContext(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return 0, fmt.Errorf("probe recovery state: %w", err)
	}
	if inRecovery {
		return NodeReadOnly, nil
	}
	return NodeWritable, nil
}

// Liveness runs a trivial read against the content table and returns the row
// count. Any error, including the timeout, means the node is unhealthy.
func (p *Prober) Liveness(ctx context.Context, q Queryer) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	start := time.Now()
	defer func() { metrics.RecordDBQuery("count_content", time.Since(start)) }()

	var n int64
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM content").Scan(&n); err != nil {
		return 0, fmt.Errorf("liveness query: %w", err)
	}
	return n, nil
}
