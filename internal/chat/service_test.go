package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meshchat/meshchat/internal/identity"
	"github.com/meshchat/meshchat/internal/session"
	"github.com/meshchat/meshchat/internal/store"
	"github.com/meshchat/meshchat/internal/transport/mem"
	"github.com/meshchat/meshchat/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const settleTimeout = 2 * time.Second

type peer struct {
	*Service
	mgr   *session.Manager
	store *store.Store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPeer(t *testing.T, net *mem.Network, id string, opts ...Option) *peer {
	t.Helper()

	self, err := identity.New(id, id)
	require.NoError(t, err)
	mgr, err := session.NewManager(net.NewEndpoint(), self, session.WithLogger(quietLogger()))
	require.NoError(t, err)

	st, err := store.Open("", quietLogger())
	require.NoError(t, err)

	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	svc, err := NewService(mgr, st, opts...)
	require.NoError(t, err)

	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() {
		mgr.Close()
		st.Close()
	})
	return &peer{Service: svc, mgr: mgr, store: st}
}

func settle(t *testing.T, net *mem.Network) {
	t.Helper()
	require.True(t, net.Settle(settleTimeout), "network did not settle")
}

func link(t *testing.T, net *mem.Network, a, b *peer) {
	t.Helper()
	require.NoError(t, a.mgr.Connect(b.mgr.Self().ID))
	settle(t, net)
	require.NoError(t, b.mgr.AcceptIncoming(a.mgr.Self().ID))
	settle(t, net)
}

func TestService_MessageReachesPeer(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")
	bob := newPeer(t, net, "bob")
	link(t, net, alice, bob)

	var (
		mu       sync.Mutex
		received []store.Message
	)
	bob.OnMessage(func(m store.Message) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, m)
	})

	sent, n, err := alice.SendMessage("#General", "hello bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "general", sent.ChannelID)
	settle(t, net)

	mu.Lock()
	require.Len(t, received, 1)
	assert.Equal(t, sent.ID, received[0].ID)
	assert.Equal(t, "alice", received[0].Author)
	mu.Unlock()

	history, err := bob.History("general", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello bob", history[0].Text)

	mine, err := alice.History("general", 10)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestService_SendMessageErrors(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")

	_, _, err := alice.SendMessage("nope", "hi")
	assert.ErrorIs(t, err, ErrUnknownChannel)

	_, _, err = alice.SendMessage("bad channel", "hi")
	assert.ErrorIs(t, err, ErrInvalidChannel)

	_, _, err = alice.SendMessage("general", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	long := make([]rune, MaxMessageLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, _, err = alice.SendMessage("general", string(long))
	assert.ErrorIs(t, err, ErrMessageTooLong)

	_, n, err := alice.SendMessage("general", "nobody listening")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestService_ChannelSyncOnConnect(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")
	bob := newPeer(t, net, "bob")

	added, err := alice.CreateChannel("design")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = alice.CreateChannel("design")
	require.NoError(t, err)
	assert.False(t, added)
	_, err = bob.CreateChannel("ops")
	require.NoError(t, err)

	link(t, net, alice, bob)

	want := []string{"design", "general", "ops"}
	for _, p := range []*peer{alice, bob} {
		names, err := p.Channels()
		require.NoError(t, err)
		assert.Equal(t, want, names)
	}

	_, err = alice.CreateChannel("random")
	require.NoError(t, err)
	settle(t, net)
	names, err := bob.Channels()
	require.NoError(t, err)
	assert.Contains(t, names, "random")
}

func TestService_DeleteMessage(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")
	bob := newPeer(t, net, "bob")
	link(t, net, alice, bob)

	msg, _, err := alice.SendMessage("general", "oops")
	require.NoError(t, err)
	settle(t, net)

	_, err = bob.DeleteMessage("general", msg.ID)
	assert.ErrorIs(t, err, ErrNotAuthor)

	n, err := alice.DeleteMessage("general", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	settle(t, net)

	for _, p := range []*peer{alice, bob} {
		history, err := p.History("general", 0)
		require.NoError(t, err)
		assert.Empty(t, history)
	}

	_, err = alice.DeleteMessage("general", msg.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestService_DeleteFromNonAuthorIgnored(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")
	bob := newPeer(t, net, "bob")
	link(t, net, alice, bob)

	msg, _, err := alice.SendMessage("general", "keep me")
	require.NoError(t, err)
	settle(t, net)

	env, err := wire.NewEnvelope(wire.KindDeleteMessage, DeleteNotice{ChannelID: "general", MessageID: msg.ID})
	require.NoError(t, err)
	require.Equal(t, 1, bob.mgr.Broadcast(env))
	settle(t, net)

	history, err := alice.History("general", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestService_SpoofedAuthorDropped(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")
	bob := newPeer(t, net, "bob")
	link(t, net, alice, bob)

	env, err := wire.NewEnvelope(wire.KindChatMessage, ChatMessage{
		ID:        "0b8e6b1e-4a3f-4c55-9a8e-2f1d1c3b7a10",
		ChannelID: "general",
		Author:    "carol",
		Text:      "not really carol",
		SentAt:    time.Now(),
	})
	require.NoError(t, err)
	bob.mgr.Broadcast(env)

	bad := wire.Envelope{Kind: wire.KindChatMessage, Payload: []byte(`{"id":"x"}`)}
	bob.mgr.Broadcast(bad)
	settle(t, net)

	history, err := alice.History("general", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestService_BoardLastWriteWins(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")
	bob := newPeer(t, net, "bob")
	link(t, net, alice, bob)

	b, n, err := alice.UpdateBoard("roadmap", json.RawMessage(`{"items":["a"]}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Version)
	assert.Equal(t, 1, n)
	settle(t, net)

	got, err := bob.store.Board("roadmap")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)
	assert.Equal(t, "alice", got.Author)

	b, _, err = bob.UpdateBoard("roadmap", json.RawMessage(`{"items":["a","b"]}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), b.Version)
	settle(t, net)

	got, err = alice.store.Board("roadmap")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
	assert.JSONEq(t, `{"items":["a","b"]}`, string(got.State))

	stale, err := wire.NewEnvelope(wire.KindBoardUpdate, BoardUpdate{BoardID: "roadmap", Version: 1, State: json.RawMessage(`{}`)})
	require.NoError(t, err)
	bob.mgr.Broadcast(stale)
	settle(t, net)

	got, err = alice.store.Board("roadmap")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)

	_, _, err = alice.UpdateBoard("roadmap", json.RawMessage(`{not json`))
	assert.ErrorIs(t, err, ErrInvalidBoard)
	_, _, err = alice.UpdateBoard("Bad Id", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrInvalidBoard)

	boards, err := alice.Boards()
	require.NoError(t, err)
	assert.Len(t, boards, 1)
}

func TestService_TypingAutoClears(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")
	bob := newPeer(t, net, "bob", WithTypingTimeout(100*time.Millisecond))
	link(t, net, alice, bob)

	var (
		mu      sync.Mutex
		changes []bool
	)
	bob.OnTyping(func(channelID, peerID string, typing bool) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, typing)
	})

	n, err := alice.SetTyping("general", true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	settle(t, net)
	assert.Equal(t, []string{"alice"}, bob.TypingPeers("general"))
	assert.Empty(t, bob.TypingPeers("other"))

	assert.Eventually(t, func() bool {
		return len(bob.TypingPeers("general")) == 0
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 2 && changes[0] && !changes[1]
	}, time.Second, 10*time.Millisecond)

	_, err = alice.SetTyping("nowhere", true)
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestService_MessageClearsTyping(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")
	bob := newPeer(t, net, "bob")
	link(t, net, alice, bob)

	_, err := alice.SetTyping("general", true)
	require.NoError(t, err)
	settle(t, net)
	require.Equal(t, []string{"alice"}, bob.TypingPeers("general"))

	_, _, err = alice.SendMessage("general", "done typing")
	require.NoError(t, err)
	settle(t, net)
	assert.Empty(t, bob.TypingPeers("general"))
}

func TestService_DisconnectClearsTyping(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")
	bob := newPeer(t, net, "bob")
	link(t, net, alice, bob)

	_, err := alice.SetTyping("general", true)
	require.NoError(t, err)
	settle(t, net)
	require.NotEmpty(t, bob.TypingPeers("general"))

	require.NoError(t, alice.mgr.Disconnect("bob"))
	settle(t, net)
	assert.Empty(t, bob.TypingPeers("general"))
}

func TestNormalizeChannel(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"general", "general", true},
		{" #Dev-Ops ", "dev-ops", true},
		{"a_b", "a_b", true},
		{"", "", false},
		{"-lead", "", false},
		{"has space", "", false},
		{"colon:name", "", false},
	}
	for _, tt := range tests {
		got, err := NormalizeChannel(tt.in)
		if tt.ok {
			require.NoError(t, err, tt.in)
			assert.Equal(t, tt.want, got)
		} else {
			assert.ErrorIs(t, err, ErrInvalidChannel, tt.in)
		}
	}
}

func TestService_MessageTimeOutOfRangeDropped(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")
	bob := newPeer(t, net, "bob")
	link(t, net, alice, bob)

	for _, at := range []time.Time{
		time.Date(1969, 7, 20, 20, 17, 0, 0, time.UTC),
		time.Date(2500, 1, 1, 0, 0, 0, 0, time.UTC),
	} {
		env, err := wire.NewEnvelope(wire.KindChatMessage, ChatMessage{
			ID:        uuid.NewString(),
			ChannelID: "general",
			Author:    "bob",
			Text:      "from another era",
			SentAt:    at,
		})
		require.NoError(t, err)
		bob.mgr.Broadcast(env)
	}
	settle(t, net)

	history, err := alice.History("general", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}
