package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// DefaultConnectTimeout bounds one bootstrap dial.
const DefaultConnectTimeout = 15 * time.Second

// Config lists the bootstrap sources.
type Config struct {
	// Bootstrap are /p2p multiaddrs dialled first.
	Bootstrap []string
	// DNSSeeds are DNSADDR names resolved after the bootstrap list.
	DNSSeeds []string
	// DNSTimeout bounds each TXT lookup.
	DNSTimeout time.Duration
}

// Dialer connects to a libp2p peer. *p2p.Host satisfies it.
type Dialer interface {
	Connect(ctx context.Context, pi peer.AddrInfo) error
	ID() peer.ID
}

// Bootstrapper gathers peers from every configured source and dials them.
type Bootstrapper struct {
	cfg    Config
	seeds  *SeedResolver
	logger *slog.Logger
}

// NewBootstrapper creates a Bootstrapper.
func NewBootstrapper(cfg Config, logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{
		cfg:    cfg,
		seeds:  NewSeedResolver(cfg.DNSTimeout, logger),
		logger: logger,
	}
}

// Peers returns the bootstrap peers, configured addresses first, merged by
// peer ID.
func (b *Bootstrapper) Peers(ctx context.Context) []peer.AddrInfo {
	var addrs []multiaddr.Multiaddr
	for _, s := range b.cfg.Bootstrap {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			b.logger.Warn("skipping invalid bootstrap multiaddr", "addr", s, "error", err)
			continue
		}
		addrs = append(addrs, ma)
	}
	addrs = append(addrs, b.seeds.ResolveAll(ctx, b.cfg.DNSSeeds)...)
	return b.merge(addrs)
}

// Connect dials every bootstrap peer concurrently and returns how many
// connections succeeded.
func (b *Bootstrapper) Connect(ctx context.Context, d Dialer) int {
	peers := b.Peers(ctx)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		connected int
	)
	for _, pi := range peers {
		if pi.ID == d.ID() {
			continue
		}
		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
			defer cancel()
			if err := d.Connect(dctx, pi); err != nil {
				b.logger.Debug("bootstrap dial failed", "peer_id", pi.ID, "error", err)
				return
			}
			mu.Lock()
			connected++
			mu.Unlock()
		}(pi)
	}
	wg.Wait()

	b.logger.Info("bootstrap complete", "candidates", len(peers), "connected", connected)
	return connected
}

func (b *Bootstrapper) merge(addrs []multiaddr.Multiaddr) []peer.AddrInfo {
	index := make(map[peer.ID]int)
	var out []peer.AddrInfo
	for _, ma := range addrs {
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			b.logger.Warn("skipping bootstrap multiaddr without peer ID", "addr", ma, "error", err)
			continue
		}
		if i, ok := index[info.ID]; ok {
			out[i].Addrs = append(out[i].Addrs, info.Addrs...)
			continue
		}
		index[info.ID] = len(out)
		out = append(out, *info)
	}
	return out
}

// ParsePeerBook converts participant id -> /p2p multiaddr entries into
// address infos. Every entry must parse.
func ParsePeerBook(entries map[string]string) (map[string]peer.AddrInfo, error) {
	book := make(map[string]peer.AddrInfo, len(entries))
	for id, addr := range entries {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", id, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", id, err)
		}
		book[id] = *info
	}
	return book, nil
}
