package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

// MDNSServiceName is the LAN discovery service tag.
const MDNSServiceName = "_meshchat-discovery._udp"

const mdnsConnectTimeout = 10 * time.Second

// mdnsNotifee connects to every peer found on the LAN so that the DHT can
// route participant lookups through it.
type mdnsNotifee struct {
	host   *Host
	logger *slog.Logger
	found  func(peer.AddrInfo)
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mdnsConnectTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, pi); err != nil {
		n.logger.Debug("mdns peer unreachable", "peer_id", pi.ID, "error", err)
		return
	}
	n.logger.Debug("mdns peer connected", "peer_id", pi.ID)
	if n.found != nil {
		n.found(pi)
	}
}

// StartMDNS advertises host on the LAN and connects to peers that do the
// same. found, if set, runs after each successful connection. Close the
// returned service to stop.
func StartMDNS(host *Host, logger *slog.Logger, found func(peer.AddrInfo)) (mdns.Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	svc := mdns.NewMdnsService(host.Host(), MDNSServiceName, &mdnsNotifee{
		host:   host,
		logger: logger,
		found:  found,
	})
	if err := svc.Start(); err != nil {
		return nil, fmt.Errorf("start mdns: %w", err)
	}
	return svc, nil
}
