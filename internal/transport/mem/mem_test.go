package mem

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meshchat/meshchat/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	chans  []transport.Channel
}

func (r *recorder) add(ev string, ch transport.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.chans = append(r.chans, ch)
}

func (r *recorder) HandleIncoming(ch transport.Channel) { r.add("incoming:"+ch.RemoteID(), ch) }
func (r *recorder) HandleOpen(ch transport.Channel)     { r.add("open:"+ch.RemoteID(), ch) }
func (r *recorder) HandleData(ch transport.Channel, data []byte) {
	r.add("data:"+string(data), ch)
}
func (r *recorder) HandleClose(ch transport.Channel) { r.add("close:"+ch.RemoteID(), ch) }
func (r *recorder) HandleError(ch transport.Channel, err error) {
	r.add(fmt.Sprintf("error:%v", err), ch)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newPair(t *testing.T) (*Network, *Endpoint, *recorder, *Endpoint, *recorder) {
	t.Helper()
	n := NewNetwork()
	a, b := n.NewEndpoint(), n.NewEndpoint()
	ra, rb := &recorder{}, &recorder{}
	a.SetHandler(ra)
	b.SetHandler(rb)
	require.NoError(t, a.Register(context.Background(), "alice"))
	require.NoError(t, b.Register(context.Background(), "bob"))
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return n, a, ra, b, rb
}

func TestRegister_Conflict(t *testing.T) {
	n := NewNetwork()
	a, b := n.NewEndpoint(), n.NewEndpoint()
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Register(context.Background(), "alice"))
	assert.ErrorIs(t, b.Register(context.Background(), "alice"), transport.ErrIdentifierTaken)

	// Re-registering the same endpoint is fine.
	assert.NoError(t, a.Register(context.Background(), "alice"))

	// The identifier is free again once its owner leaves.
	require.NoError(t, a.Close())
	assert.NoError(t, b.Register(context.Background(), "alice"))
}

func TestOpen_NotRegistered(t *testing.T) {
	n := NewNetwork()
	a := n.NewEndpoint()
	defer a.Close()

	_, err := a.Open("bob")
	assert.ErrorIs(t, err, transport.ErrNotRegistered)
}

func TestOpen_UnknownPeer(t *testing.T) {
	n, a, ra, _, _ := newPair(t)

	ch, err := a.Open("carol")
	require.NoError(t, err)
	require.True(t, n.Settle(time.Second))

	assert.False(t, ch.IsOpen())
	assert.Equal(t, []string{"error:" + transport.ErrPeerNotFound.Error()}, ra.snapshot())
}

func TestChannel_OrderedDelivery(t *testing.T) {
	n, a, ra, _, rb := newPair(t)

	ch, err := a.Open("bob")
	require.NoError(t, err)
	require.True(t, n.Settle(time.Second))
	require.True(t, ch.IsOpen())
	assert.True(t, ch.Outbound())

	for i := 0; i < 5; i++ {
		require.NoError(t, ch.Send([]byte(fmt.Sprint(i))))
	}
	require.NoError(t, ch.Close())
	require.True(t, n.Settle(time.Second))

	assert.Equal(t, []string{
		"incoming:alice", "open:alice",
		"data:0", "data:1", "data:2", "data:3", "data:4",
		"close:alice",
	}, rb.snapshot())
	assert.Equal(t, []string{"open:bob", "close:bob"}, ra.snapshot())

	assert.ErrorIs(t, ch.Send([]byte("late")), transport.ErrChannelClosed)
	assert.NoError(t, ch.Close())
}

func TestFailSendsTo(t *testing.T) {
	n, a, _, _, rb := newPair(t)

	ch, err := a.Open("bob")
	require.NoError(t, err)
	require.True(t, n.Settle(time.Second))

	a.FailSendsTo("bob", ErrInjected)
	assert.ErrorIs(t, ch.Send([]byte("x")), ErrInjected)

	a.FailSendsTo("bob", nil)
	require.NoError(t, ch.Send([]byte("y")))
	require.True(t, n.Settle(time.Second))
	assert.Contains(t, rb.snapshot(), "data:y")
	assert.NotContains(t, rb.snapshot(), "data:x")
}

func TestEndpointClose_ClosesPeers(t *testing.T) {
	n, a, _, b, rb := newPair(t)

	_, err := a.Open("bob")
	require.NoError(t, err)
	require.True(t, n.Settle(time.Second))

	require.NoError(t, a.Close())
	require.True(t, n.Settle(time.Second))
	assert.Equal(t, "close:alice", rb.snapshot()[len(rb.snapshot())-1])

	_, err = b.Open("alice")
	require.NoError(t, err)
}
