package failover

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/welcomeapp/welcomeapp/internal/logging"
	"github.com/welcomeapp/welcomeapp/internal/metrics"
	"github.com/welcomeapp/welcomeapp/internal/registry"
)

// DefaultRetryDelay is the pause between two endpoint attempts.
const DefaultRetryDelay = 500 * time.Millisecond

// Mode is the access a request needs.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// Config tunes a Router.
type Config struct {
	// RetryDelay is slept before every attempt except the first.
	// Zero disables the pause.
	RetryDelay time.Duration
	Prober     *Prober
}

// Router picks an endpoint for each request.
type Router struct {
	registry   *registry.Registry
	dialer     Dialer
	prober     *Prober
	retryDelay time.Duration
	state      State
}

// NewRouter creates a router over reg. The scan initially starts at the
// first endpoint.
func NewRouter(reg *registry.Registry, dialer Dialer, cfg Config) *Router {
	prober := cfg.Prober
	if prober == nil {
		prober = &Prober{}
	}
	return &Router{
		registry:   reg,
		dialer:     dialer,
		prober:     prober,
		retryDelay: cfg.RetryDelay,
	}
}

// Registry returns the endpoints the router scans.
func (r *Router) Registry() *registry.Registry { return r.registry }

// Prober returns the prober used for write checks.
func (r *Router) Prober() *Prober { return r.prober }

// Current returns the index of the endpoint that last served a request.
func (r *Router) Current() int { return r.state.Current() }

// Acquire returns a connection satisfying mode. The scan starts at the last
// good endpoint and tries every endpoint at most once.
func (r *Router) Acquire(ctx context.Context, mode Mode) (*Handle, error) {
	start := time.Now()
	h, err := r.scan(ctx, mode)
	metrics.RecordAcquire(mode.String(), time.Since(start), err == nil)
	return h, err
}

func (r *Router) scan(ctx context.Context, mode Mode) (*Handle, error) {
	n := r.registry.Len()
	first := r.state.Current()
	if first < 0 || first >= n {
		first = 0
	}

	attempts := make([]Attempt, 0, n)
	for i := 0; i < n; i++ {
		if i > 0 && r.retryDelay > 0 {
			if err := sleep(ctx, r.retryDelay); err != nil {
				return nil, err
			}
		}

		idx := (first + i) % n
		h, attempt := r.try(ctx, mode, idx, r.attemptTimeout(ctx, idx, n-i))
		metrics.RecordFailoverAttempt(attempt.Label, attempt.Outcome.String())

		if attempt.Outcome == Accepted {
			r.state.Set(idx)
			metrics.SetActiveEndpoint(idx)
			if idx != first {
				logging.WithContext(ctx).Info("failed over to endpoint",
					zap.String("endpoint", attempt.Label),
					zap.String("mode", mode.String()),
					zap.Int("attempts", i+1))
			} else {
				logging.WithContext(ctx).Debug("connected",
					zap.String("endpoint", attempt.Label),
					zap.String("mode", mode.String()))
			}
			return h, nil
		}

		attempts = append(attempts, attempt)
		logging.WithContext(ctx).Warn("endpoint attempt failed",
			zap.String("endpoint", attempt.Label),
			zap.String("mode", mode.String()),
			zap.String("outcome", attempt.Outcome.String()),
			zap.Error(attempt.Err))

		switch attempt.Outcome {
		case ConnectFailed:
			if ClassifyConnectError(ctx, attempt.Err) == Fatal {
				return nil, fmt.Errorf("connect %s: %w", attempt.Label, attempt.Err)
			}
		case ProbeFailed:
			// A node we cannot classify is never trusted with a write, whatever
			// the cause; only a cancelled caller stops the scan.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}

	return nil, &UnavailableError{Mode: mode, Attempts: attempts}
}

// attemptTimeout bounds the connect to endpoint idx. When the caller has a
// deadline, what is left of it (less the pauses still to come) is shared
// evenly by the left attempts, so one hanging endpoint cannot use up the
// whole budget.
func (r *Router) attemptTimeout(ctx context.Context, idx, left int) time.Duration {
	timeout := r.registry.At(idx).Timeout()
	deadline, ok := ctx.Deadline()
	if !ok || left <= 1 {
		return timeout
	}

	remaining := time.Until(deadline)
	if budget := remaining - time.Duration(left-1)*r.retryDelay; budget > 0 {
		remaining = budget
	}
	if share := remaining / time.Duration(left); share > 0 && share < timeout {
		return share
	}
	return timeout
}

// try makes one attempt against endpoint idx. On acceptance the handle is
// returned open; otherwise any connection has already been closed.
func (r *Router) try(ctx context.Context, mode Mode, idx int, timeout time.Duration) (*Handle, Attempt) {
	ep := r.registry.At(idx)
	attempt := Attempt{Index: idx, Label: ep.Label(idx)}

	h, err := open(ctx, r.dialer, idx, ep, timeout)
	if err != nil {
		attempt.Outcome = ConnectFailed
		attempt.Err = err
		return nil, attempt
	}

	if mode == ReadOnly {
		attempt.Outcome = Accepted
		return h, attempt
	}

	state, err := r.prober.Classify(ctx, h.Conn)
	switch {
	case err != nil:
		h.Close()
		attempt.Outcome = ProbeFailed
		attempt.Err = err
		return nil, attempt
	case state == NodeReadOnly:
		h.Close()
		attempt.Outcome = NotWritable
		attempt.Err = ErrNotWritable
		return nil, attempt
	}

	attempt.Outcome = Accepted
	return h, attempt
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
