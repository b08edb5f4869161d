// Package pgtest provides an in-memory stand-in for a PostgreSQL
// primary/replica cluster, exposed through database/sql/driver.
//
// Nodes share one content table (replication is instantaneous). A node can
// be a primary, a standby that rejects writes with SQLSTATE 25006, down
// (connection refused) or hanging (connect blocks until the context ends).
// Only the statements issued by this repository are understood.
package pgtest

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lib/pq"

	"github.com/welcomeapp/welcomeapp/internal/registry"
)

// Role is the state of one node.
type Role int

const (
	Primary Role = iota
	Standby
	Down
	Hang
)

// Row is one committed content row.
type Row struct {
	ID            int64
	Quote         string
	ImageFilename string
	CreatedAt     time.Time
}

type node struct {
	role     atomic.Int32
	dials    atomic.Int64
	probeErr atomic.Pointer[error]
}

// Cluster is a set of fake nodes sharing one content table.
type Cluster struct {
	nodes []*node
	open  atomic.Int64

	mu        sync.Mutex
	rows      []Row
	nextID    int64
	hasTable  bool
	insertErr error
}

// NewCluster creates a cluster with one node per role. The content table
// already exists.
func NewCluster(roles ...Role) *Cluster {
	c := &Cluster{nextID: 1, hasTable: true}
	for _, r := range roles {
		n := &node{}
		n.role.Store(int32(r))
		c.nodes = append(c.nodes, n)
	}
	return c
}

// Host returns the host name endpoint i is reachable under.
func Host(i int) string {
	return fmt.Sprintf("pg%d.test", i+1)
}

// Endpoints returns one registry endpoint per node, in node order.
func (c *Cluster) Endpoints() []registry.Endpoint {
	eps := make([]registry.Endpoint, len(c.nodes))
	for i := range c.nodes {
		eps[i] = registry.Endpoint{
			Host:           Host(i),
			Port:           5432,
			Database:       "welcome_app",
			User:           "postgres",
			ConnectTimeout: time.Second,
		}
	}
	return eps
}

// Registry builds a registry over Endpoints.
func (c *Cluster) Registry() *registry.Registry {
	reg, err := registry.New(c.Endpoints())
	if err != nil {
		panic(err)
	}
	return reg
}

// SetRole changes the role of node i.
func (c *Cluster) SetRole(i int, r Role) {
	c.nodes[i].role.Store(int32(r))
}

// SetAll changes the role of every node.
func (c *Cluster) SetAll(r Role) {
	for i := range c.nodes {
		c.SetRole(i, r)
	}
}

// FailProbe makes pg_is_in_recovery() on node i fail with err. nil clears it.
func (c *Cluster) FailProbe(i int, err error) {
	if err == nil {
		c.nodes[i].probeErr.Store(nil)
		return
	}
	c.nodes[i].probeErr.Store(&err)
}

// FailInserts makes every INSERT fail with err. nil clears it.
func (c *Cluster) FailInserts(err error) {
	c.mu.Lock()
	c.insertErr = err
	c.mu.Unlock()
}

// DropTable removes the content table.
func (c *Cluster) DropTable() {
	c.mu.Lock()
	c.hasTable = false
	c.rows = nil
	c.mu.Unlock()
}

// HasTable reports whether the content table exists.
func (c *Cluster) HasTable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasTable
}

// Dials returns how many connection attempts node i has received.
func (c *Cluster) Dials(i int) int64 { return c.nodes[i].dials.Load() }

// TotalDials sums Dials over all nodes.
func (c *Cluster) TotalDials() int64 {
	var n int64
	for _, nd := range c.nodes {
		n += nd.dials.Load()
	}
	return n
}

// ResetDials zeroes the dial counters.
func (c *Cluster) ResetDials() {
	for _, nd := range c.nodes {
		nd.dials.Store(0)
	}
}

// OpenConns returns the number of connections not yet closed.
func (c *Cluster) OpenConns() int64 { return c.open.Load() }

// Rows returns a copy of the committed content rows in id order.
func (c *Cluster) Rows() []Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Row(nil), c.rows...)
}

// Insert adds a committed row directly.
func (c *Cluster) Insert(quote, filename string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(quote, filename).ID
}

func (c *Cluster) insertLocked(quote, filename string) Row {
	r := Row{ID: c.nextID, Quote: quote, ImageFilename: filename, CreatedAt: time.Now().UTC()}
	c.nextID++
	c.rows = append(c.rows, r)
	return r
}

// Connector implements failover.Dialer.
func (c *Cluster) Connector(ep registry.Endpoint) (driver.Connector, error) {
	for i := range c.nodes {
		if Host(i) == ep.Host {
			return &connector{cluster: c, idx: i}, nil
		}
	}
	return nil, fmt.Errorf("pgtest: unknown host %q", ep.Host)
}

type connector struct {
	cluster *Cluster
	idx     int
}

func (k *connector) Connect(ctx context.Context) (driver.Conn, error) {
	n := k.cluster.nodes[k.idx]
	n.dials.Add(1)

	switch Role(n.role.Load()) {
	case Down:
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	case Hang:
		<-ctx.Done()
		return nil, ctx.Err()
	}

	k.cluster.open.Add(1)
	return &conn{cluster: k.cluster, node: n}, nil
}

func (k *connector) Driver() driver.Driver { return fakeDriver{} }

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("pgtest: use a connector")
}

type op struct {
	insert   *Row
	deleteID int64
}

type conn struct {
	cluster *Cluster
	node    *node
	closed  bool

	inTx    bool
	pending []op
}

var errReadOnly = &pq.Error{Code: "25006", Message: "cannot execute statement in a read-only transaction"}

func (c *conn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("pgtest: prepared statements are not supported")
}

func (c *conn) Close() error {
	if !c.closed {
		c.closed = true
		c.cluster.open.Add(-1)
	}
	return nil
}

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.inTx = true
	c.pending = nil
	return &tx{conn: c}, nil
}

func (c *conn) check() error {
	if Role(c.node.role.Load()) == Down {
		return driver.ErrBadConn
	}
	return nil
}

func (c *conn) writable() error {
	if Role(c.node.role.Load()) == Standby {
		return errReadOnly
	}
	return nil
}

func normalize(q string) string {
	return strings.TrimSuffix(strings.Join(strings.Fields(q), " "), ";")
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := normalize(query)

	switch {
	case strings.HasPrefix(q, "SELECT pg_is_in_recovery()"):
		if p := c.node.probeErr.Load(); p != nil {
			return nil, *p
		}
		inRecovery := Role(c.node.role.Load()) == Standby
		return newRows([]string{"pg_is_in_recovery"}, []driver.Value{inRecovery}), nil

	case strings.HasPrefix(q, "SELECT COUNT(*) FROM content"):
		rows, err := c.visible()
		if err != nil {
			return nil, err
		}
		return newRows([]string{"count"}, []driver.Value{int64(len(rows))}), nil

	case strings.HasPrefix(q, "INSERT INTO content"):
		return c.insert(args)

	case strings.HasPrefix(q, "SELECT id, quote, image_filename, created_at FROM content"):
		rows, err := c.visible()
		if err != nil {
			return nil, err
		}
		sort.Slice(rows, func(i, j int) bool {
			if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
				return rows[i].CreatedAt.After(rows[j].CreatedAt)
			}
			return rows[i].ID > rows[j].ID
		})
		out := newRows([]string{"id", "quote", "image_filename", "created_at"})
		for _, r := range rows {
			out.values = append(out.values, []driver.Value{r.ID, r.Quote, r.ImageFilename, r.CreatedAt})
		}
		return out, nil

	case strings.HasPrefix(q, "SELECT image_filename FROM content WHERE id"):
		if strings.Contains(q, "FOR UPDATE") {
			if err := c.writable(); err != nil {
				return nil, err
			}
		}
		id, err := int64Arg(args, 0)
		if err != nil {
			return nil, err
		}
		rows, err := c.visible()
		if err != nil {
			return nil, err
		}
		out := newRows([]string{"image_filename"})
		for _, r := range rows {
			if r.ID == id {
				out.values = append(out.values, []driver.Value{r.ImageFilename})
			}
		}
		return out, nil

	case strings.HasPrefix(q, "SELECT image_filename FROM content"):
		rows, err := c.visible()
		if err != nil {
			return nil, err
		}
		out := newRows([]string{"image_filename"})
		for _, r := range rows {
			out.values = append(out.values, []driver.Value{r.ImageFilename})
		}
		return out, nil
	}

	return nil, fmt.Errorf("pgtest: unsupported query %q", q)
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := normalize(query)

	switch {
	case strings.HasPrefix(q, "CREATE TABLE IF NOT EXISTS content"):
		if err := c.writable(); err != nil {
			return nil, err
		}
		c.cluster.mu.Lock()
		c.cluster.hasTable = true
		c.cluster.mu.Unlock()
		return driver.RowsAffected(0), nil

	case strings.HasPrefix(q, "DELETE FROM content WHERE id"):
		if err := c.writable(); err != nil {
			return nil, err
		}
		id, err := int64Arg(args, 0)
		if err != nil {
			return nil, err
		}
		rows, err := c.visible()
		if err != nil {
			return nil, err
		}
		var n int64
		for _, r := range rows {
			if r.ID == id {
				n++
			}
		}
		if n == 0 {
			return driver.RowsAffected(0), nil
		}
		if c.inTx {
			c.pending = append(c.pending, op{deleteID: id})
		} else {
			c.cluster.mu.Lock()
			c.cluster.deleteLocked(id)
			c.cluster.mu.Unlock()
		}
		return driver.RowsAffected(n), nil
	}

	return nil, fmt.Errorf("pgtest: unsupported statement %q", q)
}

func (c *conn) insert(args []driver.NamedValue) (driver.Rows, error) {
	if err := c.writable(); err != nil {
		return nil, err
	}
	if len(args) != 2 {
		return nil, fmt.Errorf("pgtest: insert expects 2 args, got %d", len(args))
	}
	quote, _ := args[0].Value.(string)
	filename, _ := args[1].Value.(string)

	c.cluster.mu.Lock()
	defer c.cluster.mu.Unlock()
	if !c.cluster.hasTable {
		return nil, undefinedTable()
	}
	if c.cluster.insertErr != nil {
		return nil, c.cluster.insertErr
	}

	var r Row
	if c.inTx {
		r = Row{ID: c.cluster.nextID, Quote: quote, ImageFilename: filename, CreatedAt: time.Now().UTC()}
		c.cluster.nextID++
		c.pending = append(c.pending, op{insert: &r})
	} else {
		r = c.cluster.insertLocked(quote, filename)
	}
	return newRows([]string{"id", "created_at"}, []driver.Value{r.ID, r.CreatedAt}), nil
}

// visible returns committed rows plus this connection's pending changes.
func (c *conn) visible() ([]Row, error) {
	c.cluster.mu.Lock()
	defer c.cluster.mu.Unlock()
	if !c.cluster.hasTable {
		return nil, undefinedTable()
	}
	rows := append([]Row(nil), c.cluster.rows...)
	for _, p := range c.pending {
		if p.insert != nil {
			rows = append(rows, *p.insert)
			continue
		}
		for i := range rows {
			if rows[i].ID == p.deleteID {
				rows = append(rows[:i], rows[i+1:]...)
				break
			}
		}
	}
	return rows, nil
}

func (c *Cluster) deleteLocked(id int64) {
	for i := range c.rows {
		if c.rows[i].ID == id {
			c.rows = append(c.rows[:i], c.rows[i+1:]...)
			return
		}
	}
}

func undefinedTable() error {
	return &pq.Error{Code: "42P01", Message: `relation "content" does not exist`}
}

func int64Arg(args []driver.NamedValue, i int) (int64, error) {
	if len(args) <= i {
		return 0, fmt.Errorf("pgtest: missing argument $%d", i+1)
	}
	v, ok := args[i].Value.(int64)
	if !ok {
		return 0, fmt.Errorf("pgtest: argument $%d is %T, want int64", i+1, args[i].Value)
	}
	return v, nil
}

type tx struct {
	conn *conn
}

func (t *tx) Commit() error {
	c := t.conn
	defer func() {
		c.inTx = false
		c.pending = nil
	}()
	if err := c.check(); err != nil {
		return err
	}
	c.cluster.mu.Lock()
	defer c.cluster.mu.Unlock()
	for _, p := range c.pending {
		if p.insert != nil {
			c.cluster.rows = append(c.cluster.rows, *p.insert)
		} else {
			c.cluster.deleteLocked(p.deleteID)
		}
	}
	return nil
}

func (t *tx) Rollback() error {
	t.conn.inTx = false
	t.conn.pending = nil
	return nil
}

type rows struct {
	columns []string
	values  [][]driver.Value
	pos     int
}

func newRows(columns []string, values ...[]driver.Value) *rows {
	return &rows{columns: columns, values: values}
}

func (r *rows) Columns() []string { return r.columns }

func (r *rows) Close() error { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.pos >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.pos])
	r.pos++
	return nil
}
