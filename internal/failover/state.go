package failover

import "sync/atomic"

// State remembers the index of the endpoint that last served a request.
// It is a hint for where the next scan starts; concurrent writers race and
// the last one wins, which is fine because the scan revalidates anyway.
type State struct {
	current atomic.Int64
}

// Current returns the last good endpoint index.
func (s *State) Current() int {
	return int(s.current.Load())
}

// Set records idx as the last good endpoint.
func (s *State) Set(idx int) {
	s.current.Store(int64(idx))
}
