package store

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	s := New(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { s.Close() })
	return s
}

func Test_Profile(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	_, err := s.Profile()
	req.ErrorIs(err, ErrNotFound)

	req.NoError(s.SaveProfile(Profile{ID: "alice", DisplayName: "Alice"}))
	p, err := s.Profile()
	req.NoError(err)
	req.Equal(Profile{ID: "alice", DisplayName: "Alice"}, p)
}

func Test_Channels_Union(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	added, err := s.AddChannels("general", "random")
	req.NoError(err)
	req.Equal([]string{"general", "random"}, added)

	added, err = s.AddChannels("random", "dev")
	req.NoError(err)
	req.Equal([]string{"dev"}, added)

	names, err := s.Channels()
	req.NoError(err)
	req.Equal([]string{"dev", "general", "random"}, names)

	_, err = s.AddChannels("bad:name")
	req.ErrorIs(err, ErrInvalidKey)
}

func Test_History_OrderAndLimit(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	at := time.Now().UTC()
	authors := []string{"alice", "bob", "carol"}
	for i, author := range authors {
		req.NoError(s.SaveMessage(Message{
			ID:        fmt.Sprintf("m%d", i),
			ChannelID: "general",
			Author:    author,
			Text:      "hello from " + author,
			SentAt:    at.Add(time.Duration(i) * time.Minute),
		}))
	}
	req.NoError(s.SaveMessage(Message{ID: "other", ChannelID: "general2", Author: "dave", SentAt: at}))

	all, err := s.History("general", 0)
	req.NoError(err)
	req.Len(all, 3)
	for i, m := range all {
		req.Equal(authors[i], m.Author)
		req.True(m.SentAt.Equal(at.Add(time.Duration(i) * time.Minute)))
	}

	last, err := s.History("general", 2)
	req.NoError(err)
	req.Len(last, 2)
	req.Equal("bob", last[0].Author)
	req.Equal("carol", last[1].Author)
}

func Test_SaveMessage_Idempotent(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	m := Message{ID: "m1", ChannelID: "general", Author: "alice", Text: "once", SentAt: time.Now()}
	req.NoError(s.SaveMessage(m))
	m.SentAt = m.SentAt.Add(time.Second)
	req.NoError(s.SaveMessage(m))

	all, err := s.History("general", 0)
	req.NoError(err)
	req.Len(all, 1)
}

func Test_DeleteMessage(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	req.NoError(s.SaveMessage(Message{ID: "m1", ChannelID: "general", Author: "alice", SentAt: time.Now()}))
	req.NoError(s.SaveMessage(Message{ID: "m2", ChannelID: "general", Author: "bob", SentAt: time.Now().Add(time.Second)}))

	m, err := s.GetMessage("general", "m1")
	req.NoError(err)
	req.Equal("alice", m.Author)

	found, err := s.DeleteMessage("general", "m1")
	req.NoError(err)
	req.True(found)

	_, err = s.GetMessage("general", "m1")
	req.ErrorIs(err, ErrNotFound)

	found, err = s.DeleteMessage("general", "m1")
	req.NoError(err)
	req.False(found)

	all, err := s.History("general", 0)
	req.NoError(err)
	req.Len(all, 1)
	req.Equal("m2", all[0].ID)
}

func Test_ApplyBoard_LastWriteWins(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	state := func(v string) json.RawMessage { return json.RawMessage(`{"text":"` + v + `"}`) }

	applied, err := s.ApplyBoard(Board{ID: "plan", Version: 2, Author: "bob", State: state("v2")})
	req.NoError(err)
	req.True(applied)

	applied, err = s.ApplyBoard(Board{ID: "plan", Version: 1, Author: "zed", State: state("v1")})
	req.NoError(err)
	req.False(applied)

	applied, err = s.ApplyBoard(Board{ID: "plan", Version: 2, Author: "alice", State: state("v2-alice")})
	req.NoError(err)
	req.False(applied)

	applied, err = s.ApplyBoard(Board{ID: "plan", Version: 2, Author: "carol", State: state("v2-carol")})
	req.NoError(err)
	req.True(applied)

	b, err := s.Board("plan")
	req.NoError(err)
	req.Equal("carol", b.Author)
	req.JSONEq(`{"text":"v2-carol"}`, string(b.State))

	_, err = s.Board("missing")
	req.ErrorIs(err, ErrNotFound)

	boards, err := s.Boards()
	req.NoError(err)
	req.Len(boards, 1)
}

func Test_Open_InMemory(t *testing.T) {
	req := require.New(t)
	s, err := Open("", nil)
	req.NoError(err)
	defer s.Close()

	req.NoError(s.SaveProfile(Profile{ID: "alice", DisplayName: "Alice"}))
}

func Test_Open_OnDisk(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()

	s, err := Open(dir, nil)
	req.NoError(err)
	_, err = s.AddChannels("general")
	req.NoError(err)
	req.NoError(s.Close())

	s, err = Open(dir, nil)
	req.NoError(err)
	defer s.Close()
	names, err := s.Channels()
	req.NoError(err)
	req.Equal([]string{"general"}, names)
}

func Test_SaveMessage_TimeRange(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	for _, at := range []time.Time{
		{},
		time.Date(1969, 12, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC),
	} {
		err := s.SaveMessage(Message{ID: "m-" + at.Format("2006"), ChannelID: "general", Author: "alice", SentAt: at})
		req.ErrorIs(err, ErrInvalidTime, at.String())
	}

	req.NoError(s.SaveMessage(Message{ID: "late", ChannelID: "general", Author: "alice", SentAt: MaxSentAt}))
	req.NoError(s.SaveMessage(Message{ID: "early", ChannelID: "general", Author: "alice", SentAt: MinSentAt}))

	msgs, err := s.History("general", 10)
	req.NoError(err)
	req.Len(msgs, 2)
	req.Equal("early", msgs[0].ID)
	req.Equal("late", msgs[1].ID)
}
