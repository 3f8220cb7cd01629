// Package store persists the agent's local state in badger: the profile, the
// channel list, per-channel message history and shared boards.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidKey is returned for identifiers that cannot be used in keys.
	ErrInvalidKey = errors.New("store: invalid key component")

	// ErrInvalidTime is returned for a message time outside [MinSentAt, MaxSentAt].
	ErrInvalidTime = errors.New("store: message time out of range")
)

// Message times are keyed as 19-digit unix nanoseconds, which holds every
// instant from the epoch up to the largest int64.
var (
	MinSentAt = time.Unix(0, 0).UTC()
	MaxSentAt = time.Unix(0, math.MaxInt64).UTC()
)

// ValidSentAt reports whether t can be stored as a message time.
func ValidSentAt(t time.Time) bool {
	return !t.Before(MinSentAt) && !t.After(MaxSentAt)
}

const (
	profileKey    = "profile"
	channelPrefix = "chan:"
	messagePrefix = "msg:"
	msgIndex      = "msgid:"
	boardPrefix   = "board:"
)

// Profile is the local presence as last saved.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Message is one stored chat message.
type Message struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channelId"`
	Author     string    `json:"author"`
	AuthorName string    `json:"authorName,omitempty"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sentAt"`
}

// Board is the latest known snapshot of a shared board.
type Board struct {
	ID        string          `json:"boardId"`
	Version   uint64          `json:"version"`
	Author    string          `json:"author"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Newer reports whether b supersedes other: a higher version wins, and equal
// versions are ordered by author identifier.
func (b Board) Newer(other Board) bool {
	if b.Version != other.Version {
		return b.Version > other.Version
	}
	return b.Author > other.Author
}

// Store wraps a badger database.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens the database in dir. An empty dir opens an in-memory database.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}
	return New(db, logger), nil
}

// New wraps an already open database.
func New(db *badger.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveProfile stores the local presence.
func (s *Store) SaveProfile(p Profile) error {
	return s.put(profileKey, p)
}

// Profile returns the saved presence or ErrNotFound.
func (s *Store) Profile() (Profile, error) {
	var p Profile
	err := s.get(profileKey, &p)
	return p, err
}

// AddChannels records channel names and returns those that were new.
func (s *Store) AddChannels(names ...string) ([]string, error) {
	var added []string
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, name := range names {
			if err := checkComponent(name); err != nil {
				return err
			}
			key := []byte(channelPrefix + name)
			if _, err := txn.Get(key); err == nil {
				continue
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(key, nil); err != nil {
				return err
			}
			added = append(added, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// Channels lists every known channel in name order.
func (s *Store) Channels() ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(channelPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			names = append(names, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return names, err
}

// SaveMessage stores m. The key is msg:{channel}:{19-digit unix nanos}:{id}
// so a prefix scan returns a channel's messages in send order. Saving the
// same id twice keeps the first copy.
func (s *Store) SaveMessage(m Message) error {
	if err := checkComponent(m.ChannelID); err != nil {
		return err
	}
	if err := checkComponent(m.ID); err != nil {
		return err
	}
	if !ValidSentAt(m.SentAt) {
		return fmt.Errorf("%w: %s", ErrInvalidTime, m.SentAt.Format(time.RFC3339))
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	key := messageKey(m)

	return s.db.Update(func(txn *badger.Txn) error {
		idx := []byte(msgIndex + m.ChannelID + ":" + m.ID)
		if _, err := txn.Get(idx); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, raw); err != nil {
			return err
		}
		return txn.Set(idx, key)
	})
}

// GetMessage returns one message or ErrNotFound.
func (s *Store) GetMessage(channelID, id string) (Message, error) {
	var m Message
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(msgIndex + channelID + ":" + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &m) })
	})
	return m, err
}

// DeleteMessage removes a message. It reports whether the message existed.
func (s *Store) DeleteMessage(channelID, id string) (bool, error) {
	var found bool
	err := s.db.Update(func(txn *badger.Txn) error {
		idx := []byte(msgIndex + channelID + ":" + id)
		item, err := txn.Get(idx)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		found = true
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(idx)
	})
	return found, err
}

// History returns up to limit of the most recent messages in a channel,
// oldest first. A limit of zero or less returns everything.
func (s *Store) History(channelID string, limit int) ([]Message, error) {
	if err := checkComponent(channelID); err != nil {
		return nil, err
	}

	var out []Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(messagePrefix + channelID + ":")
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) == limit {
				break
			}
			var m Message
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			}); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ApplyBoard stores b if it supersedes the stored snapshot and reports
// whether it did.
func (s *Store) ApplyBoard(b Board) (bool, error) {
	if err := checkComponent(b.ID); err != nil {
		return false, err
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return false, err
	}

	var applied bool
	err = s.db.Update(func(txn *badger.Txn) error {
		key := []byte(boardPrefix + b.ID)
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var cur Board
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &cur) }); err != nil {
				return err
			}
			if !b.Newer(cur) {
				return nil
			}
		}
		applied = true
		return txn.Set(key, raw)
	})
	if err == nil && !applied {
		s.logger.Debug("stale board update ignored", "board_id", b.ID, "version", b.Version, "author", b.Author)
	}
	return applied, err
}

// Board returns the stored snapshot or ErrNotFound.
func (s *Store) Board(id string) (Board, error) {
	var b Board
	err := s.get(boardPrefix+id, &b)
	return b, err
}

// Boards lists every stored board in id order.
func (s *Store) Boards() ([]Board, error) {
	var out []Board
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(boardPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var b Board
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &b) }); err != nil {
				return err
			}
			out = append(out, b)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *Store) put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	})
}

func (s *Store) get(key string, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error { return json.Unmarshal(raw, v) })
	})
}

func messageKey(m Message) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d:%s", messagePrefix, m.ChannelID, m.SentAt.UnixNano(), m.ID))
}

func checkComponent(s string) error {
	if s == "" || strings.ContainsAny(s, ":\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return nil
}
