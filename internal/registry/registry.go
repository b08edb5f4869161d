// Package registry holds the fixed, ordered list of database endpoints the
// failover router may connect to.
package registry

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ErrNoEndpoints is returned when a registry is built from an empty list.
var ErrNoEndpoints = errors.New("registry: at least one endpoint is required")

// DefaultConnectTimeout bounds a single connection attempt when an endpoint
// does not set its own.
const DefaultConnectTimeout = 3 * time.Second

// Endpoint describes one candidate PostgreSQL node.
type Endpoint struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Database       string        `yaml:"database"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	SSLMode        string        `yaml:"sslmode"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Label names the endpoint at position i for logs and metrics ("db1 (host:port)").
func (e Endpoint) Label(i int) string {
	return fmt.Sprintf("db%d (%s)", i+1, e.Addr())
}

// Timeout returns the per-attempt connect timeout.
func (e Endpoint) Timeout() time.Duration {
	if e.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return e.ConnectTimeout
}

// DSN renders a lib/pq key/value connection string.
func (e Endpoint) DSN(applicationName string) string {
	params := []struct{ k, v string }{
		{"host", e.Host},
		{"port", strconv.Itoa(e.Port)},
		{"dbname", e.Database},
		{"user", e.User},
		{"password", e.Password},
		{"sslmode", e.SSLMode},
		{"application_name", applicationName},
	}

	var b strings.Builder
	for _, p := range params {
		if p.v == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p.k)
		b.WriteByte('=')
		b.WriteString(quote(p.v))
	}

	// connect_timeout is whole seconds; round up so sub-second values still bound the dial.
	secs := int((e.Timeout() + time.Second - 1) / time.Second)
	fmt.Fprintf(&b, " connect_timeout=%d", secs)
	return b.String()
}

func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Registry is an immutable ordered endpoint sequence.
type Registry struct {
	endpoints []Endpoint
}

// New builds a registry. The slice is copied.
func New(endpoints []Endpoint) (*Registry, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	for i, ep := range endpoints {
		if ep.Host == "" {
			return nil, fmt.Errorf("registry: endpoint %d has no host", i+1)
		}
		if ep.Port <= 0 || ep.Port > 65535 {
			return nil, fmt.Errorf("registry: endpoint %d has invalid port %d", i+1, ep.Port)
		}
	}
	return &Registry{endpoints: append([]Endpoint(nil), endpoints...)}, nil
}

// Len returns the number of endpoints.
func (r *Registry) Len() int { return len(r.endpoints) }

// At returns the endpoint at position i.
func (r *Registry) At(i int) Endpoint { return r.endpoints[i] }

// Endpoints returns a copy of the sequence.
func (r *Registry) Endpoints() []Endpoint {
	return append([]Endpoint(nil), r.endpoints...)
}
