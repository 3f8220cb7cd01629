// Package p2p carries sessions over libp2p streams. Participant identifiers
// are resolved to libp2p peers through a static peer book and DHT provider
// records.
package p2p

import (
	"context"
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Host wraps a libp2p host.
type Host struct {
	h host.Host
}

// NewHost creates a libp2p host listening on the given multiaddrs. With no
// listen addresses it listens on every interface on a random TCP port. A nil
// key makes libp2p generate an ephemeral identity.
func NewHost(_ context.Context, key crypto.PrivKey, listen ...string) (*Host, error) {
	if len(listen) == 0 {
		listen = []string{"/ip4/0.0.0.0/tcp/0"}
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(listen...),
		libp2p.DisableRelay(),
	}
	if key != nil {
		opts = append(opts, libp2p.Identity(key))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	return &Host{h: h}, nil
}

// ListenAddr formats the TCP listen multiaddr for an IP host and port. An
// empty host listens on every IPv4 interface.
func ListenAddr(host string, port int) string {
	if host == "" {
		host = "0.0.0.0"
	}
	proto := "ip4"
	if strings.Contains(host, ":") {
		proto = "ip6"
	}
	return fmt.Sprintf("/%s/%s/tcp/%d", proto, host, port)
}

// ID returns the peer ID.
func (h *Host) ID() peer.ID {
	return h.h.ID()
}

// Addrs returns the listen addresses.
func (h *Host) Addrs() []multiaddr.Multiaddr {
	return h.h.Addrs()
}

// AddrInfo returns the peer.AddrInfo for this host.
func (h *Host) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{
		ID:    h.h.ID(),
		Addrs: h.h.Addrs(),
	}
}

// Connect connects to another peer.
func (h *Host) Connect(ctx context.Context, pi peer.AddrInfo) error {
	if pi.ID == "" {
		return fmt.Errorf("peer ID cannot be empty")
	}
	if pi.ID == h.h.ID() {
		return fmt.Errorf("cannot connect to self")
	}
	return h.h.Connect(ctx, pi)
}

// Peers returns connected peer IDs.
func (h *Host) Peers() []peer.ID {
	return h.h.Network().Peers()
}

// Close shuts down the host.
func (h *Host) Close() error {
	return h.h.Close()
}

// Host returns the underlying libp2p host.
func (h *Host) Host() host.Host {
	return h.h
}
