package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/meshchat/meshchat/internal/chat"
	"github.com/meshchat/meshchat/internal/config"
	"github.com/meshchat/meshchat/internal/crypto"
	"github.com/meshchat/meshchat/internal/discovery"
	"github.com/meshchat/meshchat/internal/identity"
	"github.com/meshchat/meshchat/internal/ipc"
	"github.com/meshchat/meshchat/internal/session"
	"github.com/meshchat/meshchat/internal/store"
	"github.com/meshchat/meshchat/internal/transport/p2p"
	"github.com/multiformats/go-multiaddr"
	"github.com/samber/lo"
)

// Default node key passphrase, used when MESHCHAT_KEY_PASSPHRASE is unset.
const defaultKeyPassphrase = "meshchat-node-key"

// Daemon is the agent: one participant on the mesh plus its control socket.
type Daemon struct {
	cfg        *config.AgentConfig
	configPath string
	logger     *slog.Logger

	key   *crypto.NodeKey
	host  *p2p.Host
	dht   *p2p.DHT
	rdv   *p2p.Rendezvous
	mgr   *session.Manager
	store *store.Store
	chat  *chat.Service
	boot  *discovery.Bootstrapper

	mdns   mdns.Service
	server *ipc.Server

	mu         sync.RWMutex
	autoAccept map[string]bool
	startedAt  time.Time
}

var _ ipc.Backend = (*Daemon)(nil)

// NewDaemon builds every component without touching the network beyond
// opening the libp2p listener.
func NewDaemon(ctx context.Context, cfg *config.AgentConfig, configPath string, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	pass := cfg.Storage.Passphrase
	if pass == "" {
		logger.Warn("MESHCHAT_KEY_PASSPHRASE not set, using the built-in passphrase")
		pass = defaultKeyPassphrase
	}
	key, err := crypto.LoadOrCreateNodeKey(cfg.Storage.KeyPath, pass, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load node key: %w", err)
	}
	priv, err := key.LibP2P()
	if err != nil {
		return nil, err
	}

	self, err := identity.New(cfg.Identity.ID, lo.CoalesceOrEmpty(cfg.Identity.DisplayName, cfg.Identity.ID))
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		key:        key,
		autoAccept: lo.SliceToMap(cfg.Session.AutoAccept, func(id string) (string, bool) { return id, true }),
	}

	d.host, err = p2p.NewHost(ctx, priv, p2p.ListenAddr(cfg.Network.ListenHost, cfg.Network.Port))
	if err != nil {
		return nil, err
	}
	d.dht, err = p2p.NewDHT(ctx, d.host)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	d.rdv = p2p.NewRendezvous(d.host, d.dht, logger)
	if err := d.applyPeerBook(cfg.Peers); err != nil {
		d.Close()
		return nil, err
	}
	tr := p2p.NewTransport(d.host, d.rdv,
		p2p.WithLogger(logger),
		p2p.WithDialTimeout(cfg.Discovery.RendezvousTimeout.Std()),
	)

	d.mgr, err = session.NewManager(tr, self,
		session.WithLogger(logger),
		session.WithHandshakeTimeout(cfg.Session.HandshakeTimeout.Std()),
		session.WithRequestStamps(cfg.Session.RequestStampBits),
	)
	if err != nil {
		d.Close()
		return nil, err
	}

	d.store, err = store.Open(cfg.Storage.DataDir, logger)
	if err != nil {
		d.Close()
		return nil, err
	}
	if err := d.store.SaveProfile(store.Profile{ID: self.ID, DisplayName: self.DisplayName}); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}

	d.chat, err = chat.NewService(d.mgr, d.store,
		chat.WithLogger(logger),
		chat.WithTypingTimeout(cfg.Session.TypingTimeout.Std()),
	)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.chat.OnMessage(func(m store.Message) {
		logger.Info("message received", "channel_id", m.ChannelID, "author", m.Author, "message_id", m.ID)
	})
	d.mgr.OnConnectionRequest(d.onConnectionRequest)

	d.boot = discovery.NewBootstrapper(discovery.Config{
		Bootstrap:  cfg.Discovery.Bootstrap,
		DNSSeeds:   cfg.Discovery.DNSSeeds,
		DNSTimeout: cfg.Discovery.RendezvousTimeout.Std(),
	}, logger)

	return d, nil
}

// Run logs in, serves the control socket and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	server, err := ipc.NewServer(d.cfg.Control.Socket, d, d.logger)
	if err != nil {
		d.Close()
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	d.server = server

	serverErr := make(chan error, 1)
	go func() {
		d.logger.Info("starting control server", "socket", d.cfg.Control.Socket)
		serverErr <- server.Start()
	}()

	if err := d.dht.Bootstrap(ctx); err != nil {
		d.logger.Warn("DHT bootstrap error", "error", err)
	}
	d.boot.Connect(ctx, d.host)

	if d.cfg.Discovery.MDNSEnabled {
		svc, err := p2p.StartMDNS(d.host, d.logger, nil)
		if err != nil {
			d.logger.Warn("mDNS disabled", "error", err)
		} else {
			d.mdns = svc
		}
	}

	if err := d.mgr.Start(ctx); err != nil {
		d.shutdown()
		return err
	}
	d.mu.Lock()
	d.startedAt = time.Now().UTC()
	d.mu.Unlock()
	if d.configPath != "" {
		go func() {
			if err := config.WatchFile(ctx, d.configPath, d.logger, d.reload); err != nil {
				d.logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	d.logger.Info("agent running",
		"id", d.mgr.Self().ID,
		"peer_id", d.host.ID().String(),
		"did", d.key.DID,
		"addrs", formatAddrs(d.host),
	)

	select {
	case <-ctx.Done():
		d.logger.Info("shutting down agent")
	case err := <-serverErr:
		if err != nil {
			d.logger.Error("control server error", "error", err)
		}
	}
	return d.shutdown()
}

// shutdown logs out and releases everything in reverse order.
func (d *Daemon) shutdown() error {
	if d.server != nil {
		d.server.Stop()
	}
	return d.Close()
}

// Close releases the components without stopping the control server. It is
// safe on a partially built daemon.
func (d *Daemon) Close() error {
	var errs []error

	if d.mdns != nil {
		if err := d.mdns.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close mDNS: %w", err))
		}
	}
	if d.mgr != nil {
		if err := d.mgr.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close session manager: %w", err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	if d.dht != nil {
		if err := d.dht.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close DHT: %w", err))
		}
	}
	if d.host != nil {
		if err := d.host.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close host: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (d *Daemon) onConnectionRequest(r session.Request) {
	d.mu.RLock()
	auto := d.autoAccept[r.RemoteID]
	d.mu.RUnlock()

	if !auto {
		d.logger.Info("connection request waiting", "remote_id", r.RemoteID, "display_name", r.DisplayName)
		return
	}
	if err := d.mgr.AcceptIncoming(r.RemoteID); err != nil {
		d.logger.Warn("auto-accept failed", "remote_id", r.RemoteID, "error", err)
		return
	}
	d.logger.Info("connection auto-accepted", "remote_id", r.RemoteID)
}

// reload applies the parts of a changed config file that can change while
// running: the peer book and the auto-accept list.
func (d *Daemon) reload(cfg *config.AgentConfig) {
	if err := d.applyPeerBook(cfg.Peers); err != nil {
		d.logger.Warn("peer book not reloaded", "error", err)
	}
	d.mu.Lock()
	d.autoAccept = lo.SliceToMap(cfg.Session.AutoAccept, func(id string) (string, bool) { return id, true })
	d.mu.Unlock()
}

func (d *Daemon) applyPeerBook(entries map[string]string) error {
	book, err := discovery.ParsePeerBook(entries)
	if err != nil {
		return fmt.Errorf("invalid peer book: %w", err)
	}
	d.rdv.SetPeerBook(book)
	d.logger.Info("peer book loaded", "entries", len(book))
	return nil
}

// Status implements ipc.Backend.
func (d *Daemon) Status() ipc.StatusResponse {
	self := d.mgr.Self()
	d.mu.RLock()
	startedAt := d.startedAt
	d.mu.RUnlock()
	return ipc.StatusResponse{
		ID:              self.ID,
		DisplayName:     self.DisplayName,
		PeerID:          d.host.ID().String(),
		Addrs:           formatAddrs(d.host),
		Connections:     len(d.host.Peers()),
		Active:          len(d.mgr.ActivePeers()),
		PendingIncoming: len(d.mgr.PendingIncoming()),
		PendingOutgoing: len(d.mgr.PendingOutgoing()),
		StartedAt:       startedAt,
	}
}

// Links implements ipc.Backend.
func (d *Daemon) Links() []session.LinkInfo { return d.mgr.Links() }

// Connect implements ipc.Backend.
func (d *Daemon) Connect(remoteID string) error { return d.mgr.Connect(remoteID) }

// AcceptIncoming implements ipc.Backend.
func (d *Daemon) AcceptIncoming(remoteID string) error { return d.mgr.AcceptIncoming(remoteID) }

// RejectIncoming implements ipc.Backend.
func (d *Daemon) RejectIncoming(remoteID string) error { return d.mgr.RejectIncoming(remoteID) }

// CancelOutgoing implements ipc.Backend.
func (d *Daemon) CancelOutgoing(remoteID string) error { return d.mgr.CancelOutgoing(remoteID) }

// Disconnect implements ipc.Backend.
func (d *Daemon) Disconnect(remoteID string) error { return d.mgr.Disconnect(remoteID) }

// SendMessage implements ipc.Backend.
func (d *Daemon) SendMessage(channelID, text string) (store.Message, int, error) {
	return d.chat.SendMessage(channelID, text)
}

// History implements ipc.Backend.
func (d *Daemon) History(channelID string, limit int) ([]store.Message, error) {
	return d.chat.History(channelID, limit)
}

// Channels implements ipc.Backend.
func (d *Daemon) Channels() ([]string, error) { return d.chat.Channels() }

// DeleteMessage implements ipc.Backend.
func (d *Daemon) DeleteMessage(channelID, messageID string) (int, error) {
	return d.chat.DeleteMessage(channelID, messageID)
}

// UpdateBoard implements ipc.Backend.
func (d *Daemon) UpdateBoard(boardID string, state json.RawMessage) (store.Board, int, error) {
	return d.chat.UpdateBoard(boardID, state)
}

// Boards implements ipc.Backend.
func (d *Daemon) Boards() ([]store.Board, error) { return d.chat.Boards() }

// SetTyping implements ipc.Backend.
func (d *Daemon) SetTyping(channelID string, typing bool) (int, error) {
	return d.chat.SetTyping(channelID, typing)
}

// TypingPeers implements ipc.Backend.
func (d *Daemon) TypingPeers(channelID string) []string { return d.chat.TypingPeers(channelID) }

// CreateChannel implements ipc.Backend.
func (d *Daemon) CreateChannel(name string) (bool, error) { return d.chat.CreateChannel(name) }

// formatAddrs renders the host's full /p2p addresses for logs and status.
func formatAddrs(h *p2p.Host) []string {
	id := h.ID().String()
	return lo.Map(h.Addrs(), func(a multiaddr.Multiaddr, _ int) string {
		s := a.String()
		if strings.Contains(s, "/p2p/") {
			return s
		}
		return s + "/p2p/" + id
	})
}
