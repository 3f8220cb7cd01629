package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshchat/meshchat/internal/identity"
	"github.com/meshchat/meshchat/internal/transport"
	"github.com/meshchat/meshchat/pkg/hashcash"
	"github.com/samber/lo"
)

var (
	// ErrIdentifierInUse is returned by Start when another live participant
	// holds the local identifier. The caller may choose another one and retry.
	ErrIdentifierInUse = errors.New("session: identifier already in use")

	// ErrLinkNotFound is returned when no link exists for the remote identifier.
	ErrLinkNotFound = errors.New("session: link not found")

	// ErrInvalidState is returned when a link is not in the state an operation requires.
	ErrInvalidState = errors.New("session: link in wrong state")

	// ErrSelfConnect is returned when connecting to the local identifier.
	ErrSelfConnect = errors.New("session: cannot connect to self")

	// ErrEmptyRemoteID is returned for an empty remote identifier.
	ErrEmptyRemoteID = errors.New("session: remote identifier is empty")

	// ErrReservedKind is returned when sending a handshake kind directly.
	ErrReservedKind = errors.New("session: handshake kinds are reserved")

	// ErrNotStarted is returned when the manager is used before Start.
	ErrNotStarted = errors.New("session: manager not started")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: manager closed")
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithHandshakeTimeout cancels an outgoing attempt that has not been accepted
// within d. Zero disables the timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.handshakeTimeout = d
	}
}

// WithRequestStamps makes the manager attach a hashcash stamp of the given
// difficulty to its own connection requests and drop incoming requests that
// lack a valid, unspent stamp of at least that difficulty. Zero disables
// stamps.
func WithRequestStamps(bits int) Option {
	return func(m *Manager) {
		m.stampBits = bits
	}
}

// Manager owns the link registry for one local participant. It implements
// transport.Handler; transport events are handled one at a time, and the
// lifecycle callbacks they trigger run after the registry lock is released, so
// callbacks may call back into the Manager (except Dispatch).
type Manager struct {
	self             identity.Presence
	tr               transport.Transport
	logger           *slog.Logger
	handshakeTimeout time.Duration

	stampBits int
	miner     *hashcash.Miner
	spent     *hashcash.SpentSet

	// dispatchMu serializes transport events.
	dispatchMu sync.Mutex

	// mu guards reg, started and closed.
	mu      sync.Mutex
	reg     *registry
	started bool
	closed  bool

	events events
	fabric *fabric
}

var _ transport.Handler = (*Manager)(nil)

// NewManager creates a manager for the local presence on top of tr.
func NewManager(tr transport.Transport, self identity.Presence, opts ...Option) (*Manager, error) {
	if tr == nil {
		return nil, errors.New("session: transport is nil")
	}
	if err := self.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		self:   self,
		tr:     tr,
		logger: slog.Default(),
		reg:    newRegistry(),
		fabric: newFabric(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.stampBits < 0 || m.stampBits > hashcash.MaxBits {
		return nil, fmt.Errorf("session: stamp difficulty %d out of range", m.stampBits)
	}
	if m.stampBits > 0 {
		m.miner = hashcash.NewMiner(0)
		m.spent = hashcash.NewSpentSet(hashcash.DefaultMaxAge)
	}
	m.logger = m.logger.With("local_id", self.ID)
	return m, nil
}

// Self returns the local presence.
func (m *Manager) Self() identity.Presence {
	return m.self
}

// Start registers the local identifier with the transport and begins handling
// channel events. An identifier conflict is reported as ErrIdentifierInUse.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.tr.SetHandler(m)
	if err := m.tr.Register(ctx, m.self.ID); err != nil {
		if errors.Is(err, transport.ErrIdentifierTaken) {
			return fmt.Errorf("%w: %q: %w", ErrIdentifierInUse, m.self.ID, err)
		}
		return fmt.Errorf("register %q: %w", m.self.ID, err)
	}

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	m.logger.Info("session manager started", "display_name", m.self.DisplayName)
	return nil
}

// Close tears down every link and the transport. No lifecycle events fire.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	chans := m.reg.clear()
	m.mu.Unlock()

	for _, ch := range chans {
		ch.Close()
	}
	if m.spent != nil {
		m.spent.Stop()
	}
	m.logger.Info("session manager closed", "links_closed", len(chans))
	return m.tr.Close()
}

// usable checks the lifecycle state. Callers hold mu.
func (m *Manager) usable() error {
	switch {
	case m.closed:
		return ErrClosed
	case !m.started:
		return ErrNotStarted
	default:
		return nil
	}
}

// Connect starts an outgoing link to remoteID. An existing pending-outgoing
// attempt is closed and replaced; an active link makes this a no-op; a pending
// incoming request from remoteID is accepted. Completion is reported through
// OnPeerConnected.
func (m *Manager) Connect(remoteID string) error {
	if remoteID == "" {
		return ErrEmptyRemoteID
	}
	if remoteID == m.self.ID {
		return ErrSelfConnect
	}

	m.mu.Lock()
	if err := m.usable(); err != nil {
		m.mu.Unlock()
		return err
	}

	var (
		replaced, deferred transport.Channel
		deferredName       string
	)
	if l := m.reg.get(remoteID); l != nil {
		switch l.State {
		case StateActive:
			m.mu.Unlock()
			return nil
		case StatePendingIncoming:
			if l.accepting {
				m.mu.Unlock()
				return nil
			}
			ch, err := m.claimAccept(l)
			m.mu.Unlock()
			if err != nil {
				return err
			}
			m.logger.Info("connect with pending request, accepting", "remote_id", remoteID)
			return m.completeAccept(l, ch)
		case StatePendingOutgoing:
			m.logger.Info("replacing pending outgoing link", "remote_id", remoteID, "channel_id", l.channel.ID())
			deferred, deferredName = l.takeDeferred()
			replaced = m.reg.remove(l)
		}
	}

	ch, err := m.tr.Open(remoteID)
	if err != nil {
		m.mu.Unlock()
		closeAll(replaced, deferred)
		return fmt.Errorf("open channel to %q: %w", remoteID, err)
	}
	l, err := m.reg.create(remoteID, StatePendingOutgoing, DirectionOutgoing, ch)
	if err != nil {
		m.mu.Unlock()
		closeAll(replaced, deferred, ch)
		return err
	}
	l.deferred, l.deferredName = deferred, deferredName
	m.armTimeout(l)
	m.mu.Unlock()

	closeAll(replaced)
	m.logger.Debug("outgoing link pending", "remote_id", remoteID, "channel_id", ch.ID())
	return nil
}

// AcceptIncoming accepts the pending request from remoteID.
func (m *Manager) AcceptIncoming(remoteID string) error {
	m.mu.Lock()
	if err := m.usable(); err != nil {
		m.mu.Unlock()
		return err
	}
	l := m.reg.get(remoteID)
	if l == nil {
		m.mu.Unlock()
		return ErrLinkNotFound
	}
	ch, err := m.claimAccept(l)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.completeAccept(l, ch)
}

// RejectIncoming refuses the pending request from remoteID by closing its channel.
func (m *Manager) RejectIncoming(remoteID string) error {
	return m.dropPending(remoteID, StatePendingIncoming, "incoming request rejected")
}

// CancelOutgoing abandons the pending outgoing attempt to remoteID.
func (m *Manager) CancelOutgoing(remoteID string) error {
	return m.dropPending(remoteID, StatePendingOutgoing, "outgoing request cancelled")
}

func (m *Manager) dropPending(remoteID string, want State, msg string) error {
	m.mu.Lock()
	if err := m.usable(); err != nil {
		m.mu.Unlock()
		return err
	}
	l := m.reg.get(remoteID)
	if l == nil {
		m.mu.Unlock()
		return ErrLinkNotFound
	}
	if l.State != want {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, remoteID, l.State)
	}
	deferred, _ := l.takeDeferred()
	ch := m.reg.remove(l)
	m.mu.Unlock()

	closeAll(ch, deferred)
	m.logger.Info(msg, "remote_id", remoteID)
	return nil
}

// Disconnect ends the active link with remoteID.
func (m *Manager) Disconnect(remoteID string) error {
	m.mu.Lock()
	if err := m.usable(); err != nil {
		m.mu.Unlock()
		return err
	}
	l := m.reg.get(remoteID)
	if l == nil {
		m.mu.Unlock()
		return ErrLinkNotFound
	}
	if l.State != StateActive {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, remoteID, l.State)
	}
	peer := Peer{ID: l.RemoteID, DisplayName: l.DisplayName}
	ch := m.reg.remove(l)
	note := m.events.peerDisconnected(peer)
	m.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	m.logger.Info("peer disconnected", "remote_id", remoteID, "reason", "local")
	note()
	return nil
}

// Links returns a snapshot of every link, ordered by remote identifier.
func (m *Manager) Links() []LinkInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.snapshot()
}

// Link returns the snapshot of the link with remoteID.
func (m *Manager) Link(remoteID string) (LinkInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.reg.get(remoteID)
	if l == nil {
		return LinkInfo{}, false
	}
	return l.info(), true
}

// ActivePeers lists the peers with an active link.
func (m *Manager) ActivePeers() []Peer {
	return lo.FilterMap(m.Links(), func(l LinkInfo, _ int) (Peer, bool) {
		return Peer{ID: l.RemoteID, DisplayName: l.DisplayName}, l.State == StateActive
	})
}

// PendingIncoming lists the requests awaiting a local decision.
func (m *Manager) PendingIncoming() []Request {
	return lo.FilterMap(m.Links(), func(l LinkInfo, _ int) (Request, bool) {
		return Request{RemoteID: l.RemoteID, DisplayName: l.DisplayName}, l.State == StatePendingIncoming
	})
}

// PendingOutgoing lists the remote identifiers with an unanswered connect.
func (m *Manager) PendingOutgoing() []string {
	return lo.FilterMap(m.Links(), func(l LinkInfo, _ int) (string, bool) {
		return l.RemoteID, l.State == StatePendingOutgoing
	})
}

// armTimeout schedules cancellation of this exact outgoing attempt. Callers hold mu.
func (m *Manager) armTimeout(l *Link) {
	if m.handshakeTimeout <= 0 {
		return
	}
	remoteID, channelID := l.RemoteID, l.channel.ID()
	l.timer = time.AfterFunc(m.handshakeTimeout, func() {
		m.mu.Lock()
		cur := m.reg.get(remoteID)
		if cur == nil || cur.State != StatePendingOutgoing || cur.channel == nil || cur.channel.ID() != channelID {
			m.mu.Unlock()
			return
		}
		ch := cur.channel
		adopted := m.failOutgoingLocked(cur)
		m.mu.Unlock()

		ch.Close()
		m.logger.Info("outgoing handshake timed out", "remote_id", remoteID, "channel_id", channelID)
		m.finishAdopt(adopted)
	})
}

func fire(notes []func()) {
	for _, n := range notes {
		n()
	}
}

func closeAll(chans ...transport.Channel) {
	for _, ch := range chans {
		if ch != nil {
			ch.Close()
		}
	}
}
