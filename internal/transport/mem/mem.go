// Package mem provides an in-process transport. Every endpoint delivers its
// events from a single FIFO goroutine, so events for one channel arrive in the
// order they were produced, as a real ordered transport would deliver them.
package mem

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/meshchat/meshchat/internal/transport"
)

// ErrInjected is a ready-made error for FailSendsTo.
var ErrInjected = errors.New("mem: injected send failure")

// Network is a set of endpoints that can reach each other by identifier.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	all       []*Endpoint
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*Endpoint)}
}

// NewEndpoint creates an unregistered endpoint attached to the network.
func (n *Network) NewEndpoint() *Endpoint {
	e := &Endpoint{
		net:       n,
		token:     uuid.NewString(),
		channels:  make(map[string]*channel),
		failSends: make(map[string]error),
		queue:     transport.NewEventQueue(),
	}
	n.mu.Lock()
	n.all = append(n.all, e)
	n.mu.Unlock()
	return e
}

// Settle blocks until no endpoint has pending events or the timeout expires.
// It reports whether the network went quiet.
func (n *Network) Settle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	quiet := 0
	for time.Now().Before(deadline) {
		if n.pending() == 0 {
			quiet++
			if quiet >= 3 {
				return true
			}
		} else {
			quiet = 0
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

func (n *Network) pending() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	var total int64
	for _, e := range n.all {
		total += e.queue.Pending()
	}
	return total
}

func (n *Network) lookup(id string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[id]
}

// Endpoint is one participant's view of the network. It implements
// transport.Transport.
type Endpoint struct {
	net   *Network
	token string
	queue *transport.EventQueue

	mu        sync.RWMutex
	id        string
	handler   transport.Handler
	channels  map[string]*channel
	failSends map[string]error
	closed    bool
}

var _ transport.Transport = (*Endpoint)(nil)

// Register claims localID on the network.
func (e *Endpoint) Register(_ context.Context, localID string) error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()

	if owner, ok := e.net.endpoints[localID]; ok && owner != e {
		return transport.ErrIdentifierTaken
	}
	e.mu.Lock()
	if e.id != "" && e.id != localID {
		delete(e.net.endpoints, e.id)
	}
	e.id = localID
	e.mu.Unlock()
	e.net.endpoints[localID] = e
	return nil
}

// SetHandler installs the event handler.
func (e *Endpoint) SetHandler(h transport.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// FailSendsTo makes every Send towards remoteID fail with err. A nil err
// clears the fault.
func (e *Endpoint) FailSendsTo(remoteID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failSends, remoteID)
		return
	}
	e.failSends[remoteID] = err
}

// Open starts a channel to remoteID.
func (e *Endpoint) Open(remoteID string) (transport.Channel, error) {
	e.mu.RLock()
	localID, closed := e.id, e.closed
	e.mu.RUnlock()
	if closed {
		return nil, transport.ErrChannelClosed
	}
	if localID == "" {
		return nil, transport.ErrNotRegistered
	}

	local := &channel{id: uuid.NewString(), owner: e, remoteID: remoteID, outbound: true}
	e.track(local)

	remote := e.net.lookup(remoteID)
	if remote == nil || remote == e {
		e.queue.Push(func() {
			local.state.Store(stateClosed)
			e.untrack(local)
			if h := e.currentHandler(); h != nil {
				h.HandleError(local, transport.ErrPeerNotFound)
			}
		})
		return local, nil
	}

	inbound := &channel{id: uuid.NewString(), owner: remote, remoteID: localID, endpoint: e.token}
	local.endpoint = remote.token
	local.peer, inbound.peer = inbound, local
	remote.track(inbound)

	remote.queue.Push(func() {
		if !inbound.state.CompareAndSwap(stateConnecting, stateOpen) {
			return
		}
		if h := remote.currentHandler(); h != nil {
			h.HandleIncoming(inbound)
			h.HandleOpen(inbound)
		}
	})
	e.queue.Push(func() {
		if !local.state.CompareAndSwap(stateConnecting, stateOpen) {
			return
		}
		if h := e.currentHandler(); h != nil {
			h.HandleOpen(local)
		}
	})
	return local, nil
}

// Close unregisters the endpoint and closes its channels.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	chans := make([]*channel, 0, len(e.channels))
	for _, c := range e.channels {
		chans = append(chans, c)
	}
	id := e.id
	e.mu.Unlock()

	for _, c := range chans {
		c.Close()
	}

	e.net.mu.Lock()
	if e.net.endpoints[id] == e {
		delete(e.net.endpoints, id)
	}
	e.net.mu.Unlock()

	e.queue.Stop()
	return nil
}

func (e *Endpoint) currentHandler() transport.Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handler
}

func (e *Endpoint) track(c *channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels[c.id] = c
}

func (e *Endpoint) untrack(c *channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.channels, c.id)
}

func (e *Endpoint) sendFault(remoteID string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.failSends[remoteID]
}

const (
	stateConnecting int32 = iota
	stateOpen
	stateClosed
)

type channel struct {
	id       string
	owner    *Endpoint
	peer     *channel
	remoteID string
	endpoint string
	outbound bool
	state    atomic.Int32
}

func (c *channel) ID() string       { return c.id }
func (c *channel) RemoteID() string { return c.remoteID }
func (c *channel) Outbound() bool   { return c.outbound }
func (c *channel) Endpoint() string { return c.endpoint }
func (c *channel) IsOpen() bool     { return c.state.Load() == stateOpen }

func (c *channel) Send(data []byte) error {
	if !c.IsOpen() {
		return transport.ErrChannelClosed
	}
	if err := c.owner.sendFault(c.remoteID); err != nil {
		return err
	}
	peer := c.peer
	msg := append([]byte(nil), data...)
	peer.owner.queue.Push(func() {
		if peer.state.Load() == stateClosed {
			return
		}
		if h := peer.owner.currentHandler(); h != nil {
			h.HandleData(peer, msg)
		}
	})
	return nil
}

func (c *channel) Close() error {
	if c.state.Swap(stateClosed) == stateClosed {
		return nil
	}
	c.owner.untrack(c)
	c.owner.queue.Push(func() {
		if h := c.owner.currentHandler(); h != nil {
			h.HandleClose(c)
		}
	})

	peer := c.peer
	if peer == nil {
		return nil
	}
	if peer.state.Swap(stateClosed) == stateClosed {
		return nil
	}
	peer.owner.untrack(peer)
	peer.owner.queue.Push(func() {
		if h := peer.owner.currentHandler(); h != nil {
			h.HandleClose(peer)
		}
	})
	return nil
}
