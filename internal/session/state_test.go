package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateNone, "NONE"},
		{StatePendingOutgoing, "PENDING_OUTGOING"},
		{StatePendingIncoming, "PENDING_INCOMING"},
		{StateActive, "ACTIVE"},
		{State(42), "Unknown(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]State{
		{StateNone, StatePendingOutgoing},
		{StateNone, StatePendingIncoming},
		{StatePendingOutgoing, StateActive},
		{StatePendingOutgoing, StateNone},
		{StatePendingIncoming, StateActive},
		{StatePendingIncoming, StateNone},
		{StateActive, StateNone},
	}
	for _, edge := range allowed {
		assert.True(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	denied := [][2]State{
		{StateNone, StateActive},
		{StateActive, StatePendingOutgoing},
		{StateActive, StatePendingIncoming},
		{StatePendingOutgoing, StatePendingIncoming},
		{StatePendingIncoming, StatePendingOutgoing},
	}
	for _, edge := range denied {
		assert.False(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
}

func TestRegistry_OneLinkPerRemote(t *testing.T) {
	r := newRegistry()
	ch := &stubChannel{id: "c1", remote: "bob", open: true}

	l, err := r.create("bob", StatePendingOutgoing, DirectionOutgoing, ch)
	require.NoError(t, err)

	_, err = r.create("bob", StatePendingIncoming, DirectionIncoming, &stubChannel{id: "c2", remote: "bob"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = r.create("carol", StateActive, DirectionOutgoing, &stubChannel{id: "c3", remote: "carol"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Same(t, l, r.owner(ch))
	assert.Nil(t, r.owner(&stubChannel{id: "other", remote: "bob"}))
	assert.Empty(t, r.active())

	require.NoError(t, r.transition(l, StateActive))
	assert.Len(t, r.active(), 1)

	old := r.rebind(l, &stubChannel{id: "c4", remote: "bob", open: true})
	assert.Equal(t, "c1", old.ID())
	assert.Nil(t, r.owner(ch))

	removed := r.remove(l)
	assert.Equal(t, "c4", removed.ID())
	assert.Nil(t, r.get("bob"))
	assert.Empty(t, r.snapshot())
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	r := newRegistry()
	for _, id := range []string{"dave", "alice", "carol"} {
		_, err := r.create(id, StatePendingIncoming, DirectionIncoming, &stubChannel{id: "ch-" + id, remote: id})
		require.NoError(t, err)
	}

	snap := r.snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "alice", snap[0].RemoteID)
	assert.Equal(t, "carol", snap[1].RemoteID)
	assert.Equal(t, "dave", snap[2].RemoteID)
	assert.Equal(t, "ch-alice", snap[0].ChannelID)

	assert.Len(t, r.clear(), 3)
	assert.Empty(t, r.snapshot())
}

type stubChannel struct {
	id       string
	remote   string
	endpoint string
	outbound bool
	open     bool
	closed   bool
}

func (c *stubChannel) ID() string          { return c.id }
func (c *stubChannel) RemoteID() string    { return c.remote }
func (c *stubChannel) Outbound() bool      { return c.outbound }
func (c *stubChannel) Endpoint() string    { return c.endpoint }
func (c *stubChannel) Send(_ []byte) error { return nil }
func (c *stubChannel) Close() error        { c.open, c.closed = false, true; return nil }
func (c *stubChannel) IsOpen() bool        { return c.open }
