// Package failover resolves a usable PostgreSQL connection for a request in a
// primary/replica deployment.
//
// Every request opens its own connection through the Router. Reads accept
// the first reachable node; writes additionally require the node to report
// that it is not in recovery. The scan starts at the endpoint that last
// served a request and visits each endpoint at most once, so a request makes
// at most N connection attempts for N configured endpoints.
//
// When no endpoint satisfies the request, Acquire returns an error that
// matches ErrAllEndpointsUnavailable. Individual endpoint failures are
// recorded as Attempts on that error and are never returned on their own.
package failover
