package session

import (
	"sync"

	"github.com/meshchat/meshchat/internal/transport"
	"github.com/meshchat/meshchat/pkg/wire"
)

// HandlerFunc consumes one application payload from an active peer.
type HandlerFunc func(from string, payload []byte)

// fabric routes inbound application envelopes to one handler per kind.
type fabric struct {
	mu       sync.RWMutex
	handlers map[wire.Kind]HandlerFunc
}

func newFabric() *fabric {
	return &fabric{handlers: make(map[wire.Kind]HandlerFunc)}
}

func (f *fabric) handle(kind wire.Kind, fn HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fn == nil {
		delete(f.handlers, kind)
		return
	}
	f.handlers[kind] = fn
}

func (f *fabric) lookup(kind wire.Kind) HandlerFunc {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.handlers[kind]
}

// Handle registers fn for envelopes of the given kind, replacing any earlier
// registration. Handshake kinds are reserved and cannot be registered.
func (m *Manager) Handle(kind wire.Kind, fn HandlerFunc) {
	if kind.IsHandshake() {
		m.logger.Warn("ignoring handler registration for handshake kind", "kind", kind)
		return
	}
	m.fabric.handle(kind, fn)
}

// Broadcast sends env to every active link and returns how many links accepted
// it. Links whose channel is no longer open are skipped, and a failed send on
// one link does not affect the others.
func (m *Manager) Broadcast(env wire.Envelope) int {
	if env.Kind.IsHandshake() {
		m.logger.Warn("refusing to broadcast handshake kind", "kind", env.Kind)
		return 0
	}
	raw, err := wire.Marshal(env)
	if err != nil {
		m.logger.Warn("dropping unencodable broadcast", "kind", env.Kind, "error", err)
		return 0
	}

	m.mu.Lock()
	chans := m.reg.active()
	m.mu.Unlock()

	sent := 0
	for _, ch := range chans {
		if !ch.IsOpen() {
			continue
		}
		if err := ch.Send(raw); err != nil {
			m.logger.Warn("broadcast send failed",
				"remote_id", ch.RemoteID(),
				"channel_id", ch.ID(),
				"kind", env.Kind,
				"error", err,
			)
			continue
		}
		sent++
	}
	return sent
}

// Send delivers env to a single active peer.
func (m *Manager) Send(remoteID string, env wire.Envelope) error {
	if env.Kind.IsHandshake() {
		return ErrReservedKind
	}
	raw, err := wire.Marshal(env)
	if err != nil {
		return err
	}

	m.mu.Lock()
	l := m.reg.get(remoteID)
	if l == nil || l.State != StateActive {
		m.mu.Unlock()
		return ErrLinkNotFound
	}
	ch := l.channel
	m.mu.Unlock()

	return ch.Send(raw)
}

// Dispatch routes a raw envelope received from remoteID. Handshake kinds are
// applied to the link's current channel; other kinds reach the registered
// handler only when remoteID has an active link. Malformed envelopes and
// unknown kinds are dropped.
func (m *Manager) Dispatch(remoteID string, raw []byte) {
	var ch transport.Channel
	m.mu.Lock()
	if l := m.reg.get(remoteID); l != nil {
		ch = l.channel
	}
	m.mu.Unlock()
	if ch == nil {
		m.logger.Debug("dropping envelope from unknown peer", "remote_id", remoteID)
		return
	}

	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	m.handleFrame(ch, raw)
}

// deliver hands an application envelope to its handler. The caller has
// already checked that the sender owns an active link.
func (m *Manager) deliver(from string, env wire.Envelope) {
	fn := m.fabric.lookup(env.Kind)
	if fn == nil {
		m.logger.Debug("dropping envelope without handler",
			"remote_id", from,
			"kind", env.Kind,
			"known", env.Kind.Known(),
		)
		return
	}
	fn(from, env.Payload)
}
