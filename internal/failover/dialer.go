package failover

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/welcomeapp/welcomeapp/internal/registry"
)

// Dialer builds a driver connector for an endpoint.
type Dialer interface {
	Connector(ep registry.Endpoint) (driver.Connector, error)
}

// PQDialer connects with lib/pq.
type PQDialer struct {
	ApplicationName string
}

// Connector returns a lib/pq connector for ep.
func (d PQDialer) Connector(ep registry.Endpoint) (driver.Connector, error) {
	c, err := pq.NewConnector(ep.DSN(d.ApplicationName))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Handle is a live session to exactly one endpoint. It is owned by the
// request that acquired it and must be closed when that request ends.
type Handle struct {
	Conn     *sql.Conn
	Index    int
	Endpoint registry.Endpoint

	db        *sql.DB
	closeOnce sync.Once
	closeErr  error
}

// Label names the endpoint behind the handle.
func (h *Handle) Label() string {
	return h.Endpoint.Label(h.Index)
}

// Close releases the connection. It is safe to call more than once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		if err := h.Conn.Close(); err != nil {
			h.closeErr = err
		}
		if err := h.db.Close(); err != nil && h.closeErr == nil {
			h.closeErr = err
		}
	})
	return h.closeErr
}

// open dials a single unpooled connection, giving up after timeout. The returned *sql.DB never holds
// idle connections, so closing the *sql.Conn closes the physical session.
func open(ctx context.Context, d Dialer, idx int, ep registry.Endpoint, timeout time.Duration) (*Handle, error) {
	connector, err := d.Connector(ep)
	if err != nil {
		return nil, err
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(0)

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := db.Conn(dialCtx)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Handle{Conn: conn, Index: idx, Endpoint: ep, db: db}, nil
}
