// Package chat is the application layer of the mesh: channel messages, shared
// boards and typing indicators exchanged over active session links and kept
// in the local store.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/meshchat/meshchat/internal/identity"
	"github.com/meshchat/meshchat/internal/session"
	"github.com/meshchat/meshchat/internal/store"
	"github.com/meshchat/meshchat/pkg/wire"
	"github.com/samber/lo"
)

const (
	// DefaultChannel exists on every agent.
	DefaultChannel = "general"

	// MaxMessageLength bounds a message in runes.
	MaxMessageLength = 4096
)

var (
	ErrInvalidChannel  = errors.New("chat: invalid channel name")
	ErrUnknownChannel  = errors.New("chat: unknown channel")
	ErrEmptyMessage    = errors.New("chat: empty message")
	ErrMessageTooLong  = errors.New("chat: message too long")
	ErrMessageNotFound = errors.New("chat: message not found")
	ErrNotAuthor       = errors.New("chat: only the author can delete a message")
	ErrInvalidBoard    = errors.New("chat: invalid board update")
)

var channelName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("channelname", func(fl validator.FieldLevel) bool {
		return channelName.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("senttime", func(fl validator.FieldLevel) bool {
		t, ok := fl.Field().Interface().(time.Time)
		return ok && store.ValidSentAt(t)
	})
	return v
}

// NormalizeChannel lowercases and trims a channel name and strips a leading
// '#'. It returns ErrInvalidChannel if the result is not a usable name.
func NormalizeChannel(name string) (string, error) {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))
	if !channelName.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}
	return name, nil
}

// Mesh is the part of the session manager the service drives.
type Mesh interface {
	Self() identity.Presence
	Broadcast(env wire.Envelope) int
	Send(remoteID string, env wire.Envelope) error
	Handle(kind wire.Kind, fn session.HandlerFunc)
	OnPeerConnected(fn func(session.Peer))
	OnPeerDisconnected(fn func(session.Peer))
}

var _ Mesh = (*session.Manager)(nil)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithTypingTimeout overrides TypingTimeout.
func WithTypingTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.typingTimeout = d
		}
	}
}

// Service ties the session manager to the store.
type Service struct {
	mesh          Mesh
	store         *store.Store
	logger        *slog.Logger
	typingTimeout time.Duration

	mu        sync.Mutex
	typing    map[typingKey]time.Time
	onMessage func(store.Message)
	onTyping  func(channelID, peerID string, typing bool)
}

// NewService registers the payload handlers on mesh and makes sure the
// default channel exists.
func NewService(mesh Mesh, st *store.Store, opts ...Option) (*Service, error) {
	s := &Service{
		mesh:          mesh,
		store:         st,
		logger:        slog.Default(),
		typingTimeout: TypingTimeout,
		typing:        make(map[typingKey]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := st.AddChannels(DefaultChannel); err != nil {
		return nil, fmt.Errorf("add default channel: %w", err)
	}

	mesh.Handle(wire.KindChatMessage, s.handleMessage)
	mesh.Handle(wire.KindChannelSync, s.handleChannelSync)
	mesh.Handle(wire.KindBoardUpdate, s.handleBoardUpdate)
	mesh.Handle(wire.KindDeleteMessage, s.handleDelete)
	mesh.Handle(wire.KindTypingStatus, s.handleTyping)
	mesh.OnPeerConnected(s.peerConnected)
	mesh.OnPeerDisconnected(s.peerDisconnected)
	return s, nil
}

// OnMessage registers a callback for messages received from peers.
func (s *Service) OnMessage(fn func(store.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// OnTyping registers a callback for peer typing changes, including
// auto-clears.
func (s *Service) OnTyping(fn func(channelID, peerID string, typing bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTyping = fn
}

// SendMessage stores a message in a known channel and broadcasts it. It
// returns the stored message and how many peers it reached.
func (s *Service) SendMessage(channelID, text string) (store.Message, int, error) {
	channelID, err := s.knownChannel(channelID)
	if err != nil {
		return store.Message{}, 0, err
	}
	if strings.TrimSpace(text) == "" {
		return store.Message{}, 0, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return store.Message{}, 0, ErrMessageTooLong
	}

	self := s.mesh.Self()
	msg := ChatMessage{
		ID:         uuid.NewString(),
		ChannelID:  channelID,
		Author:     self.ID,
		AuthorName: self.DisplayName,
		Text:       text,
		SentAt:     time.Now().UTC(),
	}
	stored := toStored(msg)
	if err := s.store.SaveMessage(stored); err != nil {
		return store.Message{}, 0, fmt.Errorf("save message: %w", err)
	}

	sent, err := s.broadcast(wire.KindChatMessage, msg)
	if err != nil {
		return stored, 0, err
	}
	s.logger.Debug("message sent", "channel_id", channelID, "message_id", msg.ID, "delivered", sent)
	return stored, sent, nil
}

// DeleteMessage removes one of our own messages and tells peers to drop it.
func (s *Service) DeleteMessage(channelID, messageID string) (int, error) {
	channelID, err := NormalizeChannel(channelID)
	if err != nil {
		return 0, err
	}
	m, err := s.store.GetMessage(channelID, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrMessageNotFound
	}
	if err != nil {
		return 0, err
	}
	if m.Author != s.mesh.Self().ID {
		return 0, ErrNotAuthor
	}
	if _, err := s.store.DeleteMessage(channelID, messageID); err != nil {
		return 0, fmt.Errorf("delete message: %w", err)
	}
	return s.broadcast(wire.KindDeleteMessage, DeleteNotice{ChannelID: channelID, MessageID: messageID})
}

// SetTyping broadcasts the local typing state for a channel.
func (s *Service) SetTyping(channelID string, typing bool) (int, error) {
	channelID, err := s.knownChannel(channelID)
	if err != nil {
		return 0, err
	}
	return s.broadcast(wire.KindTypingStatus, TypingStatus{ChannelID: channelID, Typing: typing})
}

// UpdateBoard publishes a new snapshot of a board one version past the one we
// hold.
func (s *Service) UpdateBoard(boardID string, state json.RawMessage) (store.Board, int, error) {
	if !channelName.MatchString(boardID) {
		return store.Board{}, 0, fmt.Errorf("%w: board id %q", ErrInvalidBoard, boardID)
	}
	if len(state) == 0 || !json.Valid(state) {
		return store.Board{}, 0, fmt.Errorf("%w: state is not JSON", ErrInvalidBoard)
	}

	cur, err := s.store.Board(boardID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.Board{}, 0, err
	}
	b := store.Board{
		ID:        boardID,
		Version:   cur.Version + 1,
		Author:    s.mesh.Self().ID,
		State:     state,
		UpdatedAt: time.Now().UTC(),
	}
	if _, err := s.store.ApplyBoard(b); err != nil {
		return store.Board{}, 0, fmt.Errorf("apply board: %w", err)
	}
	sent, err := s.broadcast(wire.KindBoardUpdate, BoardUpdate{BoardID: b.ID, Version: b.Version, State: b.State})
	return b, sent, err
}

// CreateChannel adds a channel and announces it. It reports whether the
// channel was new.
func (s *Service) CreateChannel(name string) (bool, error) {
	name, err := NormalizeChannel(name)
	if err != nil {
		return false, err
	}
	added, err := s.store.AddChannels(name)
	if err != nil {
		return false, err
	}
	if len(added) == 0 {
		return false, nil
	}
	_, err = s.broadcast(wire.KindChannelSync, ChannelSync{Channels: added})
	return true, err
}

// Channels lists the known channels.
func (s *Service) Channels() ([]string, error) {
	return s.store.Channels()
}

// History returns up to limit recent messages of a channel, oldest first.
func (s *Service) History(channelID string, limit int) ([]store.Message, error) {
	channelID, err := NormalizeChannel(channelID)
	if err != nil {
		return nil, err
	}
	return s.store.History(channelID, limit)
}

// Boards lists the board snapshots we hold.
func (s *Service) Boards() ([]store.Board, error) {
	return s.store.Boards()
}

func (s *Service) knownChannel(name string) (string, error) {
	name, err := NormalizeChannel(name)
	if err != nil {
		return "", err
	}
	names, err := s.store.Channels()
	if err != nil {
		return "", err
	}
	if !lo.Contains(names, name) {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return name, nil
}

func (s *Service) broadcast(kind wire.Kind, v any) (int, error) {
	env, err := wire.NewEnvelope(kind, v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", kind, err)
	}
	return s.mesh.Broadcast(env), nil
}

func (s *Service) peerConnected(p session.Peer) {
	names, err := s.store.Channels()
	if err != nil {
		s.logger.Warn("cannot list channels for sync", "remote_id", p.ID, "error", err)
		return
	}
	env, err := wire.NewEnvelope(wire.KindChannelSync, ChannelSync{Channels: names})
	if err != nil {
		s.logger.Warn("cannot encode channel sync", "error", err)
		return
	}
	if err := s.mesh.Send(p.ID, env); err != nil {
		s.logger.Debug("channel sync not sent", "remote_id", p.ID, "error", err)
	}
}

func (s *Service) peerDisconnected(p session.Peer) {
	s.clearPeer(p.ID)
}

func (s *Service) handleMessage(from string, payload []byte) {
	var msg ChatMessage
	if !s.decode(from, wire.KindChatMessage, payload, &msg) {
		return
	}
	if msg.Author != from {
		s.logger.Warn("dropping message with foreign author", "remote_id", from, "author", msg.Author)
		return
	}
	if _, err := s.store.AddChannels(msg.ChannelID); err != nil {
		s.logger.Warn("cannot record channel", "channel_id", msg.ChannelID, "error", err)
		return
	}
	stored := toStored(msg)
	if err := s.store.SaveMessage(stored); err != nil {
		s.logger.Warn("cannot store message", "remote_id", from, "message_id", msg.ID, "error", err)
		return
	}
	s.setTyping(msg.ChannelID, from, false)

	s.mu.Lock()
	fn := s.onMessage
	s.mu.Unlock()
	if fn != nil {
		fn(stored)
	}
}

func (s *Service) handleChannelSync(from string, payload []byte) {
	var cs ChannelSync
	if !s.decode(from, wire.KindChannelSync, payload, &cs) {
		return
	}
	added, err := s.store.AddChannels(lo.Uniq(cs.Channels)...)
	if err != nil {
		s.logger.Warn("cannot merge channels", "remote_id", from, "error", err)
		return
	}
	if len(added) > 0 {
		s.logger.Info("channels learned from peer", "remote_id", from, "channels", added)
	}
}

func (s *Service) handleBoardUpdate(from string, payload []byte) {
	var upd BoardUpdate
	if !s.decode(from, wire.KindBoardUpdate, payload, &upd) {
		return
	}
	if !json.Valid(upd.State) {
		s.logger.Warn("dropping board update with invalid state", "remote_id", from, "board_id", upd.BoardID)
		return
	}
	applied, err := s.store.ApplyBoard(store.Board{
		ID:        upd.BoardID,
		Version:   upd.Version,
		Author:    from,
		State:     upd.State,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("cannot apply board update", "remote_id", from, "board_id", upd.BoardID, "error", err)
		return
	}
	s.logger.Debug("board update", "remote_id", from, "board_id", upd.BoardID, "version", upd.Version, "applied", applied)
}

func (s *Service) handleDelete(from string, payload []byte) {
	var n DeleteNotice
	if !s.decode(from, wire.KindDeleteMessage, payload, &n) {
		return
	}
	m, err := s.store.GetMessage(n.ChannelID, n.MessageID)
	if err != nil {
		s.logger.Debug("delete for unknown message", "remote_id", from, "message_id", n.MessageID)
		return
	}
	if m.Author != from {
		s.logger.Warn("ignoring delete from non-author", "remote_id", from, "author", m.Author, "message_id", n.MessageID)
		return
	}
	if _, err := s.store.DeleteMessage(n.ChannelID, n.MessageID); err != nil {
		s.logger.Warn("cannot delete message", "message_id", n.MessageID, "error", err)
	}
}

func (s *Service) handleTyping(from string, payload []byte) {
	var ts TypingStatus
	if !s.decode(from, wire.KindTypingStatus, payload, &ts) {
		return
	}
	s.setTyping(ts.ChannelID, from, ts.Typing)
}

func (s *Service) decode(from string, kind wire.Kind, payload []byte, v any) bool {
	if err := json.Unmarshal(payload, v); err != nil {
		s.logger.Warn("dropping undecodable payload", "remote_id", from, "kind", kind, "error", err)
		return false
	}
	if err := validate.Struct(v); err != nil {
		s.logger.Warn("dropping invalid payload", "remote_id", from, "kind", kind, "error", err)
		return false
	}
	return true
}

func toStored(m ChatMessage) store.Message {
	return store.Message{
		ID:         m.ID,
		ChannelID:  m.ChannelID,
		Author:     m.Author,
		AuthorName: m.AuthorName,
		Text:       m.Text,
		SentAt:     m.SentAt,
	}
}
