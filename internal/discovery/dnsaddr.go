// Package discovery finds the libp2p peers an agent joins the mesh through:
// configured bootstrap multiaddrs, DNSADDR seeds, and the static participant
// peer book.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/multiformats/go-multiaddr"
	"github.com/samber/lo"
)

const (
	dnsaddrPrefix = "dnsaddr="

	// DefaultDNSTimeout bounds one TXT lookup.
	DefaultDNSTimeout = 10 * time.Second
)

var (
	// ErrInvalidDNSADDR is returned when a DNSADDR record is malformed.
	ErrInvalidDNSADDR = errors.New("discovery: invalid DNSADDR record")

	// ErrNoRecords is returned when a seed has no valid DNSADDR records.
	ErrNoRecords = errors.New("discovery: no DNSADDR records found")
)

// txtResolver is satisfied by *net.Resolver.
type txtResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// SeedResolver turns DNSADDR seed names into multiaddrs.
type SeedResolver struct {
	timeout  time.Duration
	resolver txtResolver
	logger   *slog.Logger
}

// NewSeedResolver creates a resolver using the system DNS. A zero timeout
// means DefaultDNSTimeout.
func NewSeedResolver(timeout time.Duration, logger *slog.Logger) *SeedResolver {
	if timeout <= 0 {
		timeout = DefaultDNSTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SeedResolver{
		timeout:  timeout,
		resolver: net.DefaultResolver,
		logger:   logger,
	}
}

// ParseDNSADDR parses one TXT record of the form dnsaddr=<multiaddr>.
func ParseDNSADDR(record string) (multiaddr.Multiaddr, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(record), dnsaddrPrefix)
	if !ok || rest == "" {
		return nil, ErrInvalidDNSADDR
	}
	ma, err := multiaddr.NewMultiaddr(rest)
	if err != nil {
		return nil, ErrInvalidDNSADDR
	}
	return ma, nil
}

// Resolve looks up the TXT records of one seed name, for example
// "_dnsaddr.bootstrap.example.org".
func (r *SeedResolver) Resolve(ctx context.Context, seed string) ([]multiaddr.Multiaddr, error) {
	if seed == "" {
		return nil, ErrInvalidDNSADDR
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	records, err := r.resolver.LookupTXT(ctx, seed)
	if err != nil {
		return nil, err
	}

	addrs := lo.FilterMap(records, func(rec string, _ int) (multiaddr.Multiaddr, bool) {
		ma, err := ParseDNSADDR(rec)
		return ma, err == nil
	})
	if len(addrs) == 0 {
		return nil, ErrNoRecords
	}
	return addrs, nil
}

// ResolveAll resolves every seed in parallel and returns the distinct
// addresses in random order. Failed seeds are logged and skipped.
func (r *SeedResolver) ResolveAll(ctx context.Context, seeds []string) []multiaddr.Multiaddr {
	if len(seeds) == 0 {
		return nil
	}

	var (
		mu  sync.Mutex
		all []multiaddr.Multiaddr
		wg  sync.WaitGroup
	)
	for _, seed := range seeds {
		wg.Add(1)
		go func(seed string) {
			defer wg.Done()
			addrs, err := r.Resolve(ctx, seed)
			if err != nil {
				r.logger.Warn("dns seed lookup failed", "seed", seed, "error", err)
				return
			}
			mu.Lock()
			all = append(all, addrs...)
			mu.Unlock()
		}(seed)
	}
	wg.Wait()

	all = lo.UniqBy(all, func(ma multiaddr.Multiaddr) string { return ma.String() })
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all
}
