package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meshchat/meshchat/internal/identity"
	"github.com/meshchat/meshchat/internal/transport"
	"github.com/meshchat/meshchat/pkg/hashcash"
	"github.com/meshchat/meshchat/pkg/wire"
)

var errMissingStamp = errors.New("session: connection request without stamp")

// HandleIncoming implements transport.Handler. The link is created when the
// HANDSHAKE_INIT arrives, not when the channel does.
func (m *Manager) HandleIncoming(ch transport.Channel) {
	m.logger.Debug("incoming channel", "remote_id", ch.RemoteID(), "channel_id", ch.ID())
}

// HandleOpen implements transport.Handler. An outbound channel that backs a
// pending-outgoing link carries the local HANDSHAKE_INIT as soon as it opens.
func (m *Manager) HandleOpen(ch transport.Channel) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	if !ch.Outbound() {
		m.logger.Debug("inbound channel open", "remote_id", ch.RemoteID(), "channel_id", ch.ID())
		return
	}

	m.mu.Lock()
	l := m.reg.owner(ch)
	pending := l != nil && l.State == StatePendingOutgoing
	m.mu.Unlock()
	if !pending {
		m.logger.Debug("ignoring open of superseded channel", "remote_id", ch.RemoteID(), "channel_id", ch.ID())
		return
	}

	if err := m.sendHello(ch, wire.KindHandshakeInit); err != nil {
		m.logger.Warn("failed to send handshake init",
			"remote_id", ch.RemoteID(),
			"channel_id", ch.ID(),
			"error", err,
		)
		var adopted *adoption
		m.mu.Lock()
		if l := m.reg.owner(ch); l != nil {
			adopted = m.failOutgoingLocked(l)
		}
		m.mu.Unlock()
		ch.Close()
		m.finishAdopt(adopted)
		return
	}
	m.logger.Debug("handshake init sent", "remote_id", ch.RemoteID(), "channel_id", ch.ID())
}

// HandleData implements transport.Handler.
func (m *Manager) HandleData(ch transport.Channel, data []byte) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	m.handleFrame(ch, data)
}

// HandleClose implements transport.Handler.
func (m *Manager) HandleClose(ch transport.Channel) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	m.channelGone(ch, nil)
}

// HandleError implements transport.Handler.
func (m *Manager) HandleError(ch transport.Channel, err error) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	m.logger.Warn("channel error", "remote_id", ch.RemoteID(), "channel_id", ch.ID(), "error", err)
	m.channelGone(ch, err)
}

// handleFrame decodes one envelope received on ch. Callers hold dispatchMu.
func (m *Manager) handleFrame(ch transport.Channel, raw []byte) {
	env, err := wire.Unmarshal(raw)
	if err != nil {
		m.logger.Debug("dropping malformed envelope",
			"remote_id", ch.RemoteID(),
			"channel_id", ch.ID(),
			"size", len(raw),
			"error", err,
		)
		return
	}

	switch env.Kind {
	case wire.KindHandshakeInit:
		m.handleInit(ch, env)
	case wire.KindHandshakeAccept:
		m.handleAccept(ch, env)
	default:
		m.mu.Lock()
		l := m.reg.owner(ch)
		active := l != nil && (l.State == StateActive || l.accepting)
		m.mu.Unlock()
		if !active {
			m.logger.Debug("dropping envelope outside active session",
				"remote_id", ch.RemoteID(),
				"channel_id", ch.ID(),
				"kind", env.Kind,
			)
			return
		}
		m.deliver(ch.RemoteID(), env)
	}
}

// handleInit applies a remote HANDSHAKE_INIT. When both sides connect at the
// same time the participant with the lower identifier keeps its outgoing
// channel and the other side accepts it. A channel may only take over an
// existing link when it reaches the same remote process as the channel
// already backing it.
func (m *Manager) handleInit(ch transport.Channel, env wire.Envelope) {
	remoteID := ch.RemoteID()
	if ch.Outbound() {
		m.logger.Debug("dropping handshake init on outbound channel", "remote_id", remoteID, "channel_id", ch.ID())
		return
	}
	if !ch.IsOpen() {
		m.logger.Debug("dropping handshake init on closed channel", "remote_id", remoteID, "channel_id", ch.ID())
		return
	}
	name := m.remoteName(env, remoteID)

	var (
		notes     []func()
		stale     transport.Channel
		refuse    bool
		accept    *Link
		reconnect transport.Channel
	)
	m.mu.Lock()
	if err := m.usable(); err != nil {
		m.mu.Unlock()
		m.logger.Debug("dropping handshake init", "remote_id", remoteID, "channel_id", ch.ID(), "error", err)
		ch.Close()
		return
	}
	l := m.reg.get(remoteID)
	switch {
	case l == nil:
		if err := m.checkStamp(env, remoteID); err != nil {
			m.mu.Unlock()
			m.logger.Warn("dropping connection request", "remote_id", remoteID, "channel_id", ch.ID(), "error", err)
			ch.Close()
			return
		}
		nl, err := m.reg.create(remoteID, StatePendingIncoming, DirectionIncoming, ch)
		if err != nil {
			m.mu.Unlock()
			m.logger.Error("failed to record incoming request", "remote_id", remoteID, "error", err)
			return
		}
		nl.DisplayName = name
		notes = append(notes, m.events.connectionRequested(Request{RemoteID: remoteID, DisplayName: name}))
		m.logger.Info("connection requested", "remote_id", remoteID, "display_name", name)

	case l.State == StatePendingIncoming:
		if l.owns(ch) {
			l.DisplayName = name
			break
		}
		if l.accepting || !sameEndpoint(l.channel, ch) {
			m.logger.Warn("refusing to move pending request",
				"remote_id", remoteID,
				"channel_id", ch.ID(),
				"accepting", l.accepting,
			)
			refuse = true
			break
		}
		stale = m.reg.rebind(l, ch)
		l.DisplayName = name
		m.logger.Debug("pending request moved to new channel", "remote_id", remoteID, "channel_id", ch.ID())

	case l.State == StatePendingOutgoing:
		if conflicting(l.channel, ch) {
			m.logger.Warn("refusing handshake init from another endpoint", "remote_id", remoteID, "channel_id", ch.ID())
			refuse = true
			break
		}
		if m.self.ID < remoteID {
			m.logger.Debug("simultaneous connect, keeping outgoing channel", "remote_id", remoteID)
			if l.deferred != nil && l.deferred.ID() != ch.ID() {
				stale = l.deferred
			}
			l.deferred, l.deferredName = ch, name
			break
		}
		m.logger.Debug("simultaneous connect, yielding to remote channel", "remote_id", remoteID)
		stale = m.reg.remove(l)
		nl, err := m.reg.create(remoteID, StatePendingIncoming, DirectionIncoming, ch)
		if err != nil {
			m.logger.Error("failed to record incoming request", "remote_id", remoteID, "error", err)
			break
		}
		nl.DisplayName = name
		nl.accepting = true
		accept = nl

	case l.State == StateActive:
		if l.owns(ch) {
			m.logger.Debug("ignoring repeated handshake init", "remote_id", remoteID)
			break
		}
		if m.self.ID < remoteID && l.channel != nil && l.channel.Outbound() {
			m.logger.Debug("ignoring late handshake init from simultaneous connect", "remote_id", remoteID)
			break
		}
		if !sameEndpoint(l.channel, ch) {
			m.logger.Warn("refusing handshake init from another endpoint for active peer",
				"remote_id", remoteID,
				"channel_id", ch.ID(),
			)
			refuse = true
			break
		}
		// The remote lost its session and reconnected.
		reconnect = l.channel
	}
	m.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	if refuse {
		ch.Close()
	}
	fire(notes)

	switch {
	case accept != nil:
		if err := m.completeAccept(accept, ch); err != nil {
			m.logger.Warn("failed to accept simultaneous connect", "remote_id", remoteID, "error", err)
		}
	case reconnect != nil:
		m.completeReconnect(l, reconnect, ch, name)
	}
}

// completeReconnect moves an active link from prev to ch once the remote has
// been told its new channel is accepted.
func (m *Manager) completeReconnect(l *Link, prev, ch transport.Channel, name string) {
	remoteID := l.RemoteID
	if err := m.sendHello(ch, wire.KindHandshakeAccept); err != nil {
		m.logger.Warn("failed to accept reconnect", "remote_id", remoteID, "error", err)
		ch.Close()
		return
	}

	m.mu.Lock()
	if m.reg.get(remoteID) != l || l.State != StateActive || !l.owns(prev) {
		m.mu.Unlock()
		m.logger.Debug("link changed during reconnect", "remote_id", remoteID, "channel_id", ch.ID())
		ch.Close()
		return
	}
	stale := m.reg.rebind(l, ch)
	l.DisplayName = name
	l.Direction = DirectionIncoming
	m.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	m.logger.Info("peer reconnected", "remote_id", remoteID, "channel_id", ch.ID())
}

// handleAccept completes a local connect. Only the channel backing a
// pending-outgoing link can be accepted.
func (m *Manager) handleAccept(ch transport.Channel, env wire.Envelope) {
	remoteID := ch.RemoteID()
	name := m.remoteName(env, remoteID)

	m.mu.Lock()
	l := m.reg.owner(ch)
	if l == nil || l.State != StatePendingOutgoing {
		m.mu.Unlock()
		m.logger.Debug("dropping unexpected handshake accept", "remote_id", remoteID, "channel_id", ch.ID())
		return
	}
	if err := m.reg.transition(l, StateActive); err != nil {
		m.mu.Unlock()
		m.logger.Error("failed to activate link", "remote_id", remoteID, "error", err)
		return
	}
	l.stopTimer()
	l.DisplayName = name
	deferred, _ := l.takeDeferred()
	note := m.events.peerConnected(Peer{ID: remoteID, DisplayName: name})
	m.mu.Unlock()

	if deferred != nil {
		deferred.Close()
	}
	m.logger.Info("peer connected", "remote_id", remoteID, "display_name", name, "direction", DirectionOutgoing)
	note()
}

// claimAccept marks a pending-incoming link as being accepted and returns the
// channel the accept goes out on. Callers hold mu and follow up with
// completeAccept after releasing it.
func (m *Manager) claimAccept(l *Link) (transport.Channel, error) {
	if l.State != StatePendingIncoming {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, l.RemoteID, l.State)
	}
	if l.accepting {
		return nil, fmt.Errorf("%w: %s is already being accepted", ErrInvalidState, l.RemoteID)
	}
	l.accepting = true
	return l.channel, nil
}

// completeAccept sends HANDSHAKE_ACCEPT on ch and activates l if ch still backs
// it. A failed send removes the link. Callers must not hold mu.
func (m *Manager) completeAccept(l *Link, ch transport.Channel) error {
	sendErr := m.sendHello(ch, wire.KindHandshakeAccept)

	m.mu.Lock()
	current := m.reg.get(l.RemoteID) == l && l.owns(ch) && l.State == StatePendingIncoming
	l.accepting = false
	if sendErr != nil {
		if current {
			m.reg.remove(l)
		}
		m.mu.Unlock()
		ch.Close()
		return fmt.Errorf("send accept to %q: %w", l.RemoteID, sendErr)
	}
	if !current {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s went away during accept", ErrLinkNotFound, l.RemoteID)
	}
	if err := m.reg.transition(l, StateActive); err != nil {
		m.mu.Unlock()
		return err
	}
	peer := Peer{ID: l.RemoteID, DisplayName: l.DisplayName}
	note := m.events.peerConnected(peer)
	m.mu.Unlock()

	m.logger.Info("peer connected", "remote_id", peer.ID, "display_name", peer.DisplayName, "direction", DirectionIncoming)
	note()
	return nil
}

// adoption is a held-back remote request taking over from a failed
// pending-outgoing link.
type adoption struct {
	link *Link
	ch   transport.Channel
}

// failOutgoingLocked removes a pending-outgoing link whose channel failed. If
// the remote's own request was held back by the tie-break and its channel is
// still open, that request takes the link's place and is returned for
// finishAdopt. Callers hold mu.
func (m *Manager) failOutgoingLocked(l *Link) *adoption {
	deferred, name := l.takeDeferred()
	m.reg.remove(l)
	if deferred == nil {
		return nil
	}
	if m.closed || !deferred.IsOpen() {
		return nil
	}
	nl, err := m.reg.create(l.RemoteID, StatePendingIncoming, DirectionIncoming, deferred)
	if err != nil {
		m.logger.Error("failed to adopt held-back request", "remote_id", l.RemoteID, "error", err)
		return nil
	}
	nl.DisplayName = name
	nl.accepting = true
	m.logger.Info("outgoing attempt failed, accepting remote request", "remote_id", l.RemoteID, "channel_id", deferred.ID())
	return &adoption{link: nl, ch: deferred}
}

// finishAdopt accepts a request returned by failOutgoingLocked.
func (m *Manager) finishAdopt(a *adoption) {
	if a == nil {
		return
	}
	if err := m.completeAccept(a.link, a.ch); err != nil {
		m.logger.Warn("failed to accept held-back request", "remote_id", a.link.RemoteID, "error", err)
	}
}

// channelGone removes the link backed by ch, if any. Events for channels that
// no longer back a link are ignored.
func (m *Manager) channelGone(ch transport.Channel, cause error) {
	m.mu.Lock()
	l := m.reg.owner(ch)
	if l == nil {
		if l := m.reg.get(ch.RemoteID()); l != nil && l.deferred != nil && l.deferred.ID() == ch.ID() {
			l.takeDeferred()
		}
		m.mu.Unlock()
		m.logger.Debug("ignoring close of untracked channel", "remote_id", ch.RemoteID(), "channel_id", ch.ID())
		return
	}
	state := l.State
	peer := Peer{ID: l.RemoteID, DisplayName: l.DisplayName}
	var (
		note    func()
		adopted *adoption
	)
	switch state {
	case StateActive:
		m.reg.remove(l)
		note = m.events.peerDisconnected(peer)
	case StatePendingOutgoing:
		adopted = m.failOutgoingLocked(l)
	default:
		m.reg.remove(l)
	}
	m.mu.Unlock()

	ch.Close()
	if note == nil {
		m.logger.Info("pending link dropped", "remote_id", peer.ID, "state", state, "error", cause)
		m.finishAdopt(adopted)
		return
	}
	m.logger.Info("peer disconnected", "remote_id", peer.ID, "reason", "remote", "error", cause)
	note()
}

// sameEndpoint reports whether a and b are known to reach the same remote
// process.
func sameEndpoint(a, b transport.Channel) bool {
	return a != nil && b != nil && a.Endpoint() != "" && a.Endpoint() == b.Endpoint()
}

// conflicting reports whether a and b are known to reach different remote
// processes.
func conflicting(a, b transport.Channel) bool {
	return a != nil && b != nil && a.Endpoint() != "" && b.Endpoint() != "" && a.Endpoint() != b.Endpoint()
}

func (m *Manager) sendHello(ch transport.Channel, kind wire.Kind) error {
	hello := wire.Hello{DisplayName: m.self.DisplayName}
	if kind == wire.KindHandshakeInit && m.miner != nil {
		stamp, err := m.miner.Mint(hashcash.Resource(m.self.ID, ch.RemoteID()), m.stampBits)
		if err != nil {
			return fmt.Errorf("mint request stamp: %w", err)
		}
		hello.Stamp = stamp.String()
	}
	env, err := wire.NewEnvelope(kind, hello)
	if err != nil {
		return err
	}
	raw, err := wire.Marshal(env)
	if err != nil {
		return err
	}
	return ch.Send(raw)
}

// checkStamp verifies and spends the stamp of a new connection request. It
// accepts everything when stamps are disabled. Callers hold mu.
func (m *Manager) checkStamp(env wire.Envelope, remoteID string) error {
	if m.spent == nil {
		return nil
	}
	var hello wire.Hello
	if err := env.Decode(&hello); err != nil {
		return err
	}
	if hello.Stamp == "" {
		return errMissingStamp
	}
	stamp, err := hashcash.Parse(hello.Stamp)
	if err != nil {
		return err
	}
	if err := hashcash.Verify(stamp, hashcash.Resource(remoteID, m.self.ID), m.stampBits, hashcash.DefaultMaxAge, time.Now()); err != nil {
		return err
	}
	return m.spent.Spend(stamp)
}

// remoteName extracts the display name carried by a handshake envelope. A
// missing or undecodable name falls back to the remote identifier.
func (m *Manager) remoteName(env wire.Envelope, remoteID string) string {
	var hello wire.Hello
	if err := env.Decode(&hello); err != nil {
		m.logger.Debug("handshake without display name", "remote_id", remoteID, "error", err)
		return remoteID
	}
	name := strings.TrimSpace(hello.DisplayName)
	if name == "" {
		return remoteID
	}
	if r := []rune(name); len(r) > identity.MaxDisplayNameLength {
		name = string(r[:identity.MaxDisplayNameLength])
	}
	return name
}
