package session

import (
	"sync"

	"github.com/meshchat/meshchat/pkg/wire"
)

// Peer identifies a remote participant whose session changed state.
type Peer struct {
	ID          string
	DisplayName string
}

// Request is an incoming connection awaiting AcceptIncoming or RejectIncoming.
type Request struct {
	RemoteID    string
	DisplayName string
}

// events holds the single-slot lifecycle callbacks. Registering a callback
// replaces the previous one; a nil callback unregisters it.
type events struct {
	mu                  sync.RWMutex
	onConnectionRequest func(Request)
	onPeerConnected     func(Peer)
	onPeerDisconnected  func(Peer)
}

// OnConnectionRequest registers the handler for incoming connection requests.
func (m *Manager) OnConnectionRequest(fn func(Request)) {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	m.events.onConnectionRequest = fn
}

// OnPeerConnected registers the handler fired when a link becomes active.
func (m *Manager) OnPeerConnected(fn func(Peer)) {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	m.events.onPeerConnected = fn
}

// OnPeerDisconnected registers the handler fired when an active link ends.
func (m *Manager) OnPeerDisconnected(fn func(Peer)) {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	m.events.onPeerDisconnected = fn
}

// OnMessage registers the handler for CHAT_MESSAGE payloads.
func (m *Manager) OnMessage(fn HandlerFunc) { m.Handle(wire.KindChatMessage, fn) }

// OnChannelSync registers the handler for CHANNEL_SYNC payloads.
func (m *Manager) OnChannelSync(fn HandlerFunc) { m.Handle(wire.KindChannelSync, fn) }

// OnBoardUpdate registers the handler for BOARD_UPDATE payloads.
func (m *Manager) OnBoardUpdate(fn HandlerFunc) { m.Handle(wire.KindBoardUpdate, fn) }

// OnMessageDeleted registers the handler for DELETE_MESSAGE payloads.
func (m *Manager) OnMessageDeleted(fn HandlerFunc) { m.Handle(wire.KindDeleteMessage, fn) }

// OnTypingStatus registers the handler for TYPING_STATUS payloads.
func (m *Manager) OnTypingStatus(fn HandlerFunc) { m.Handle(wire.KindTypingStatus, fn) }

func (e *events) connectionRequested(r Request) func() {
	e.mu.RLock()
	fn := e.onConnectionRequest
	e.mu.RUnlock()
	return func() {
		if fn != nil {
			fn(r)
		}
	}
}

func (e *events) peerConnected(p Peer) func() {
	e.mu.RLock()
	fn := e.onPeerConnected
	e.mu.RUnlock()
	return func() {
		if fn != nil {
			fn(p)
		}
	}
}

func (e *events) peerDisconnected(p Peer) func() {
	e.mu.RLock()
	fn := e.onPeerDisconnected
	e.mu.RUnlock()
	return func() {
		if fn != nil {
			fn(p)
		}
	}
}
