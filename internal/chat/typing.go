package chat

import (
	"sort"
	"time"
)

// TypingTimeout is how long a peer shows as typing without a fresh
// TYPING_STATUS. It covers the case where the "stopped" update is lost.
const TypingTimeout = 5 * time.Second

type typingKey struct {
	channel string
	peer    string
}

// TypingPeers returns the peers currently typing in a channel, sorted.
func (s *Service) TypingPeers(channelID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for k, last := range s.typing {
		if k.channel == channelID && time.Since(last) < s.typingTimeout {
			out = append(out, k.peer)
		}
	}
	sort.Strings(out)
	return out
}

// setTyping records a peer's typing state. A typing peer is cleared
// automatically after the timeout unless it refreshed in between.
func (s *Service) setTyping(channelID, peerID string, typing bool) {
	key := typingKey{channel: channelID, peer: peerID}

	s.mu.Lock()
	_, was := s.typing[key]
	if typing {
		s.typing[key] = time.Now()
	} else {
		delete(s.typing, key)
	}
	fn := s.onTyping
	s.mu.Unlock()

	if fn != nil && (typing || was) {
		fn(channelID, peerID, typing)
	}
	if !typing {
		return
	}

	go func() {
		time.Sleep(s.typingTimeout)
		s.mu.Lock()
		last, ok := s.typing[key]
		if !ok || time.Since(last) < s.typingTimeout {
			s.mu.Unlock()
			return
		}
		delete(s.typing, key)
		fn := s.onTyping
		s.mu.Unlock()
		if fn != nil {
			fn(channelID, peerID, false)
		}
	}()
}

func (s *Service) clearPeer(peerID string) {
	s.mu.Lock()
	var cleared []string
	for k := range s.typing {
		if k.peer == peerID {
			cleared = append(cleared, k.channel)
			delete(s.typing, k)
		}
	}
	fn := s.onTyping
	s.mu.Unlock()

	if fn == nil {
		return
	}
	sort.Strings(cleared)
	for _, ch := range cleared {
		fn(ch, peerID, false)
	}
}
