package failover

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// EndpointStatus is the result of inspecting one endpoint.
type EndpointStatus struct {
	Index   int
	Label   string
	State   NodeState // zero when unreachable or unclassified
	Latency time.Duration
	Err     error
}

// Reachable reports whether the endpoint was connected and classified.
func (s EndpointStatus) Reachable() bool { return s.State != 0 }

// Inspect connects to every endpoint in parallel and classifies it. It does
// not touch the routing state.
func (r *Router) Inspect(ctx context.Context) []EndpointStatus {
	n := r.registry.Len()
	out := make([]EndpointStatus, n)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			out[i] = r.inspect(ctx, i)
			return nil
		})
	}
	g.Wait()
	return out
}

func (r *Router) inspect(ctx context.Context, idx int) EndpointStatus {
	ep := r.registry.At(idx)
	st := EndpointStatus{Index: idx, Label: ep.Label(idx)}

	start := time.Now()
	h, err := open(ctx, r.dialer, idx, ep, ep.Timeout())
	if err != nil {
		st.Latency = time.Since(start)
		st.Err = err
		return st
	}
	defer h.Close()

	state, err := r.prober.Classify(ctx, h.Conn)
	st.Latency = time.Since(start)
	if err != nil {
		st.Err = err
		return st
	}
	st.State = state
	return st
}
