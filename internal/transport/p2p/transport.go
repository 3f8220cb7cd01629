package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/meshchat/meshchat/internal/transport"
	"github.com/meshchat/meshchat/pkg/wire"
)

// ProtocolID is the stream protocol for session channels.
const ProtocolID = protocol.ID("/meshchat/session/1.0.0")

const (
	// DefaultDialTimeout bounds resolution, connection and preamble exchange.
	DefaultDialTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second
)

var (
	// ErrBadPreamble is reported when an inbound stream does not start with a
	// participant identifier frame.
	ErrBadPreamble = errors.New("p2p: invalid stream preamble")

	// ErrImpostor is reported when an inbound stream claims a participant
	// identifier that the rendezvous binds to a different peer.
	ErrImpostor = errors.New("p2p: participant identifier bound to another peer")
)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithDialTimeout overrides DefaultDialTimeout.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.dialTimeout = d
		}
	}
}

// Transport implements transport.Transport over libp2p streams. The opener
// writes its participant identifier as the first frame of every stream;
// every later frame is one message.
type Transport struct {
	host        *Host
	rdv         *Rendezvous
	logger      *slog.Logger
	dialTimeout time.Duration
	queue       *transport.EventQueue

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	localID  string
	handler  transport.Handler
	channels map[string]*channel
	closed   bool
}

var _ transport.Transport = (*Transport)(nil)

// NewTransport creates a transport on host that resolves participants
// through rdv.
func NewTransport(host *Host, rdv *Rendezvous, opts ...Option) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		host:        host,
		rdv:         rdv,
		logger:      slog.Default(),
		dialTimeout: DefaultDialTimeout,
		queue:       transport.NewEventQueue(),
		ctx:         ctx,
		cancel:      cancel,
		channels:    make(map[string]*channel),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register claims localID through the rendezvous and starts accepting
// session streams.
func (t *Transport) Register(ctx context.Context, localID string) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return transport.ErrChannelClosed
	}

	if err := t.rdv.Claim(ctx, localID); err != nil {
		return err
	}

	t.mu.Lock()
	t.localID = localID
	t.mu.Unlock()

	t.host.Host().SetStreamHandler(ProtocolID, t.handleStream)
	t.logger.Info("session protocol registered",
		"participant_id", localID,
		"peer_id", t.host.ID(),
		"protocol", ProtocolID,
	)
	return nil
}

// SetHandler installs the event handler.
func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Open starts dialing remoteID in the background.
func (t *Transport) Open(remoteID string) (transport.Channel, error) {
	t.mu.RLock()
	localID, closed := t.localID, t.closed
	t.mu.RUnlock()
	if closed {
		return nil, transport.ErrChannelClosed
	}
	if localID == "" {
		return nil, transport.ErrNotRegistered
	}

	ch := t.newChannel(remoteID, true)
	go t.dial(ch, localID)
	return ch, nil
}

// Close stops accepting streams and closes every channel.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	chans := make([]*channel, 0, len(t.channels))
	for _, c := range t.channels {
		chans = append(chans, c)
	}
	t.mu.Unlock()

	t.host.Host().RemoveStreamHandler(ProtocolID)
	t.cancel()
	for _, c := range chans {
		c.Close()
	}
	t.queue.Stop()
	return nil
}

func (t *Transport) dial(ch *channel, localID string) {
	ctx, cancel := context.WithTimeout(t.ctx, t.dialTimeout)
	defer cancel()

	s, err := t.openStream(ctx, ch.remoteID, localID)
	if err != nil {
		t.logger.Debug("dial failed", "remote_id", ch.remoteID, "channel_id", ch.id, "error", err)
		ch.fail(err)
		return
	}
	if !ch.attach(s) {
		// Closed locally while dialing.
		s.Reset()
		return
	}

	t.emit(func(h transport.Handler) { h.HandleOpen(ch) })
	go ch.readLoop()
}

func (t *Transport) openStream(ctx context.Context, remoteID, localID string) (network.Stream, error) {
	info, err := t.rdv.Resolve(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	if err := t.host.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", info.ID, err)
	}
	s, err := t.host.Host().NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open stream to %s: %w", info.ID, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetWriteDeadline(deadline)
	}
	if err := wire.WriteFrame(s, []byte(localID)); err != nil {
		s.Reset()
		return nil, fmt.Errorf("write preamble: %w", err)
	}
	_ = s.SetWriteDeadline(time.Time{})
	return s, nil
}

func (t *Transport) handleStream(s network.Stream) {
	_ = s.SetReadDeadline(time.Now().Add(t.dialTimeout))
	r := bufio.NewReader(s)
	preamble, err := wire.ReadFrame(r)
	if err != nil || len(preamble) == 0 {
		t.logger.Debug("rejecting stream without preamble",
			"peer_id", s.Conn().RemotePeer(),
			"error", errors.Join(ErrBadPreamble, err),
		)
		s.Reset()
		return
	}
	_ = s.SetReadDeadline(time.Time{})

	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		s.Reset()
		return
	}

	remoteID, remotePeer := string(preamble), s.Conn().RemotePeer()
	ctx, cancel := context.WithTimeout(t.ctx, t.dialTimeout)
	err = t.rdv.Verify(ctx, remoteID, remotePeer)
	cancel()
	if err != nil {
		t.logger.Warn("rejecting session stream",
			"remote_id", remoteID,
			"peer_id", remotePeer,
			"error", err,
		)
		s.Reset()
		return
	}

	ch := t.newChannel(remoteID, false)
	ch.reader = r
	if !ch.attach(s) {
		s.Reset()
		return
	}
	t.logger.Debug("inbound session stream",
		"remote_id", ch.remoteID,
		"peer_id", s.Conn().RemotePeer(),
		"channel_id", ch.id,
	)
	t.emit(func(h transport.Handler) {
		h.HandleIncoming(ch)
		h.HandleOpen(ch)
	})
	go ch.readLoop()
}

func (t *Transport) newChannel(remoteID string, outbound bool) *channel {
	ch := &channel{
		id:       uuid.NewString(),
		t:        t,
		remoteID: remoteID,
		outbound: outbound,
	}
	t.mu.Lock()
	t.channels[ch.id] = ch
	t.mu.Unlock()
	return ch
}

func (t *Transport) untrack(ch *channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, ch.id)
}

func (t *Transport) emit(fn func(transport.Handler)) {
	t.queue.Push(func() {
		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h != nil {
			fn(h)
		}
	})
}

const (
	stateConnecting int32 = iota
	stateOpen
	stateClosed
)

type channel struct {
	id       string
	t        *Transport
	remoteID string
	outbound bool
	state    atomic.Int32

	writeMu sync.Mutex
	stream  network.Stream
	reader  io.Reader
	peer    peer.ID
}

func (c *channel) ID() string       { return c.id }
func (c *channel) RemoteID() string { return c.remoteID }
func (c *channel) Outbound() bool   { return c.outbound }
func (c *channel) IsOpen() bool     { return c.state.Load() == stateOpen }

// Endpoint returns the libp2p peer at the other end of the stream.
func (c *channel) Endpoint() string {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.peer == "" {
		return ""
	}
	return c.peer.String()
}

// attach binds the stream and marks the channel open. It reports false when
// the channel was closed first.
func (c *channel) attach(s network.Stream) bool {
	c.writeMu.Lock()
	c.stream = s
	c.peer = s.Conn().RemotePeer()
	if c.reader == nil {
		c.reader = bufio.NewReader(s)
	}
	c.writeMu.Unlock()
	return c.state.CompareAndSwap(stateConnecting, stateOpen)
}

func (c *channel) Send(data []byte) error {
	if !c.IsOpen() {
		return transport.ErrChannelClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.stream.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	if err := wire.WriteFrame(c.stream, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close ends the stream and reports HandleClose once.
func (c *channel) Close() error {
	prev := c.state.Swap(stateClosed)
	if prev == stateClosed {
		return nil
	}
	c.t.untrack(c)
	if prev == stateOpen {
		c.writeMu.Lock()
		s := c.stream
		c.writeMu.Unlock()
		if s != nil {
			s.Close()
		}
	}
	c.t.emit(func(h transport.Handler) { h.HandleClose(c) })
	return nil
}

// fail reports a dial or read failure once.
func (c *channel) fail(err error) {
	prev := c.state.Swap(stateClosed)
	if prev == stateClosed {
		return
	}
	c.t.untrack(c)
	c.writeMu.Lock()
	s := c.stream
	c.writeMu.Unlock()
	if s != nil {
		s.Reset()
	}
	c.t.emit(func(h transport.Handler) { h.HandleError(c, err) })
}

func (c *channel) readLoop() {
	for {
		data, err := wire.ReadFrame(c.reader)
		if err != nil {
			if c.state.Load() == stateClosed {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, network.ErrReset) {
				c.Close()
				return
			}
			c.fail(err)
			return
		}
		if c.state.Load() != stateOpen {
			return
		}
		c.t.emit(func(h transport.Handler) { h.HandleData(c, data) })
	}
}
