package failover

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/lib/pq"
)

var (
	// ErrAllEndpointsUnavailable is matched by the error Acquire returns
	// when the scan finds no endpoint satisfying the requested mode.
	ErrAllEndpointsUnavailable = errors.New("all database endpoints unavailable")

	// ErrNotWritable marks an attempt that reached a node in recovery while a
	// write was required.
	ErrNotWritable = errors.New("endpoint is in recovery (read-only)")
)

// Outcome tags what happened on a single endpoint attempt.
type Outcome int

const (
	Accepted Outcome = iota
	ConnectFailed
	NotWritable
	ProbeFailed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case ConnectFailed:
		return "connect_failed"
	case NotWritable:
		return "not_writable"
	case ProbeFailed:
		return "probe_failed"
	default:
		return "unknown"
	}
}

// Attempt records one step of a scan.
type Attempt struct {
	Index   int
	Label   string
	Outcome Outcome
	Err     error
}

// UnavailableError is returned when a scan exhausts the registry.
type UnavailableError struct {
	Mode     Mode
	Attempts []Attempt
}

func (e *UnavailableError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: no endpoint accepted %s after %d attempt(s)", ErrAllEndpointsUnavailable, e.Mode, len(e.Attempts))
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %s", a.Label, a.Outcome)
		if a.Err != nil && a.Outcome != NotWritable {
			fmt.Fprintf(&b, " (%v)", a.Err)
		}
	}
	return b.String()
}

// Is reports whether target is ErrAllEndpointsUnavailable.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrAllEndpointsUnavailable
}

// Decision is what the router does after a failed attempt.
type Decision int

const (
	// RetryNext moves the scan on to the next endpoint.
	RetryNext Decision = iota
	// Fatal stops the scan and returns the error to the caller.
	Fatal
)

func (d Decision) String() string {
	if d == RetryNext {
		return "retry_next"
	}
	return "fatal"
}

// SQLSTATE classes that describe a node that cannot serve us right now.
var retryableClasses = map[pq.ErrorClass]bool{
	"08": true, // connection exception
	"28": true, // invalid authorization specification
	"53": true, // insufficient resources (too many connections)
	"57": true, // operator intervention (admin shutdown, cannot_connect_now)
}

// ClassifyConnectError decides whether err, returned while connecting to or
// probing one endpoint, should move the scan to the next endpoint. parent is
// the caller's context: once it is done there is no point trying further.
// Errors that are not recognised as connectivity failures are Fatal so that
// bugs and misconfiguration are not hidden behind failover.
func ClassifyConnectError(parent context.Context, err error) Decision {
	if err == nil {
		return RetryNext
	}
	if parent != nil && parent.Err() != nil {
		return Fatal
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return RetryNext
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if retryableClasses[pqErr.Code.Class()] {
			return RetryNext
		}
		return Fatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return RetryNext
	}

	return Fatal
}
