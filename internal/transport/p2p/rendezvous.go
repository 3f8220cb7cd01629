package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/meshchat/meshchat/internal/transport"
)

// DefaultProviderCount bounds provider lookups for a participant key.
const DefaultProviderCount = 4

// liveCheckTimeout bounds the liveness check of a competing claimant.
const liveCheckTimeout = 3 * time.Second

// ParticipantKey returns the DHT key under which a participant is announced.
func ParticipantKey(id string) string {
	return "/" + Namespace + "/participant/" + id
}

// Rendezvous maps participant identifiers to libp2p peers. The static peer
// book is consulted first, then DHT provider records.
type Rendezvous struct {
	host   *Host
	dht    *DHT
	logger *slog.Logger

	mu   sync.RWMutex
	book map[string]peer.AddrInfo
}

// NewRendezvous creates a resolver. d may be nil, in which case only the peer
// book is used.
func NewRendezvous(host *Host, d *DHT, logger *slog.Logger) *Rendezvous {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rendezvous{
		host:   host,
		dht:    d,
		logger: logger,
		book:   make(map[string]peer.AddrInfo),
	}
}

// AddPeer records a static address for a participant.
func (r *Rendezvous) AddPeer(id string, info peer.AddrInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.book[id] = info
}

// SetPeerBook replaces the whole static peer book.
func (r *Rendezvous) SetPeerBook(book map[string]peer.AddrInfo) {
	next := make(map[string]peer.AddrInfo, len(book))
	for id, info := range book {
		next[id] = info
	}
	r.mu.Lock()
	r.book = next
	r.mu.Unlock()
}

// PeerBook returns a copy of the static peer book.
func (r *Rendezvous) PeerBook() map[string]peer.AddrInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]peer.AddrInfo, len(r.book))
	for id, info := range r.book {
		out[id] = info
	}
	return out
}

// Resolve finds the peer announcing participant id.
func (r *Rendezvous) Resolve(ctx context.Context, id string) (peer.AddrInfo, error) {
	r.mu.RLock()
	info, ok := r.book[id]
	r.mu.RUnlock()
	if ok {
		return info, nil
	}
	if r.dht == nil {
		return peer.AddrInfo{}, fmt.Errorf("%w: %s", transport.ErrPeerNotFound, id)
	}

	providers, err := r.dht.FindProviders(ctx, ParticipantKey(id), DefaultProviderCount)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("find providers for %s: %w", id, err)
	}
	for _, p := range providers {
		if p.ID == r.host.ID() {
			continue
		}
		if len(p.Addrs) == 0 {
			found, err := r.dht.FindPeer(ctx, p.ID)
			if err != nil {
				r.logger.Debug("provider has no reachable address", "participant_id", id, "peer_id", p.ID, "error", err)
				continue
			}
			p = found
		}
		return p, nil
	}

	// Fall back to the participant record.
	if raw, err := r.dht.GetValue(ctx, ParticipantKey(id)); err == nil {
		if pid, err := peer.IDFromBytes(raw); err == nil && pid != r.host.ID() {
			if found, err := r.dht.FindPeer(ctx, pid); err == nil {
				return found, nil
			}
		}
	}
	return peer.AddrInfo{}, fmt.Errorf("%w: %s", transport.ErrPeerNotFound, id)
}

// Verify checks that pid may speak for participant id. A peer book entry or
// DHT announcement naming another peer fails with ErrImpostor; an identifier
// with no binding at all is accepted.
func (r *Rendezvous) Verify(ctx context.Context, id string, pid peer.ID) error {
	r.mu.RLock()
	info, ok := r.book[id]
	r.mu.RUnlock()
	if ok {
		if info.ID != pid {
			return fmt.Errorf("%w: %s is %s in the peer book, not %s", ErrImpostor, id, info.ID, pid)
		}
		return nil
	}
	if r.dht == nil {
		return nil
	}

	providers, err := r.dht.FindProviders(ctx, ParticipantKey(id), DefaultProviderCount)
	if err != nil {
		r.logger.Debug("verify lookup failed", "participant_id", id, "error", err)
	}
	var others []peer.ID
	for _, p := range providers {
		if p.ID == pid {
			return nil
		}
		if p.ID != r.host.ID() {
			others = append(others, p.ID)
		}
	}
	if len(others) > 0 {
		return fmt.Errorf("%w: %s is announced by %v, not %s", ErrImpostor, id, others, pid)
	}
	return nil
}

// Claim announces this host as participant id. It fails with
// transport.ErrIdentifierTaken when another reachable host already announces
// the same identifier. Announcement failures on a node with an empty routing
// table are logged and tolerated.
func (r *Rendezvous) Claim(ctx context.Context, id string) error {
	if r.dht == nil {
		return nil
	}
	key := ParticipantKey(id)

	providers, err := r.dht.FindProviders(ctx, key, DefaultProviderCount)
	if err != nil {
		r.logger.Debug("claim lookup failed", "participant_id", id, "error", err)
	}
	for _, p := range providers {
		if p.ID == r.host.ID() {
			continue
		}
		if r.live(ctx, p) {
			return fmt.Errorf("%w: %s is announced by %s", transport.ErrIdentifierTaken, id, p.ID)
		}
		r.logger.Debug("ignoring unreachable claimant", "participant_id", id, "peer_id", p.ID)
	}

	if err := r.dht.Provide(ctx, key); err != nil {
		r.logger.Warn("failed to announce participant", "participant_id", id, "error", err)
	}
	if err := r.dht.PutValue(ctx, key, []byte(r.host.ID())); err != nil {
		r.logger.Debug("failed to store participant record", "participant_id", id, "error", err)
	}
	r.logger.Info("participant claimed", "participant_id", id, "peer_id", r.host.ID())
	return nil
}

func (r *Rendezvous) live(ctx context.Context, p peer.AddrInfo) bool {
	if r.host.Host().Network().Connectedness(p.ID) == network.Connected {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, liveCheckTimeout)
	defer cancel()
	return r.host.Connect(ctx, p) == nil
}

