package failover

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/welcomeapp/welcomeapp/internal/pgtest"
)

func TestProberClassify(t *testing.T) {
	c := pgtest.NewCluster(pgtest.Primary, pgtest.Standby)
	r := newTestRouter(c)
	p := &Prober{}

	primary := acquire(t, r, ReadOnly)
	state, err := p.Classify(context.Background(), primary.Conn)
	require.NoError(t, err)
	assert.Equal(t, NodeWritable, state)

	c.SetRole(0, pgtest.Down)
	standby := acquire(t, r, ReadOnly)
	require.Equal(t, 1, standby.Index)
	state, err = p.Classify(context.Background(), standby.Conn)
	require.NoError(t, err)
	assert.Equal(t, NodeReadOnly, state)
	assert.Equal(t, "read-only", state.String())
}

func TestProberLiveness(t *testing.T) {
	c := pgtest.NewCluster(pgtest.Standby)
	c.Insert("one", "a.png")
	c.Insert("two", "b.png")
	r := newTestRouter(c)
	p := &Prober{}

	h := acquire(t, r, ReadOnly)
	n, err := p.Liveness(context.Background(), h.Conn)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	c.DropTable()
	_, err = p.Liveness(context.Background(), h.Conn)
	assert.Error(t, err)
}

func TestProberTimeoutIsAnError(t *testing.T) {
	c := pgtest.NewCluster(pgtest.Primary)
	r := newTestRouter(c)
	h := acquire(t, r, ReadOnly)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&Prober{}).Classify(ctx, h.Conn)
	assert.Error(t, err)
}
