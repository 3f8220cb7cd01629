package p2p

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	kb "github.com/libp2p/go-libp2p-kbucket"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/peer"
	mh "github.com/multiformats/go-multihash"
)

// Namespace is the DHT record namespace and protocol prefix.
const Namespace = "meshchat"

// DHT wraps the Kademlia DHT used for participant lookup.
type DHT struct {
	dht *dht.IpfsDHT
}

// participantValidator accepts records under /meshchat/participant/ whose
// value is the binary peer ID of the claiming host.
type participantValidator struct{}

func (participantValidator) Validate(key string, value []byte) error {
	ns, rest, err := record.SplitKey(key)
	if err != nil {
		return err
	}
	if ns != Namespace || !strings.HasPrefix(rest, "participant/") || rest == "participant/" {
		return fmt.Errorf("p2p: unexpected record key %q", key)
	}
	if _, err := peer.IDFromBytes(value); err != nil {
		return fmt.Errorf("p2p: record value is not a peer id: %w", err)
	}
	return nil
}

// Select keeps the first record. Identifier conflicts are settled by Claim,
// not by record selection.
func (participantValidator) Select(_ string, _ [][]byte) (int, error) {
	return 0, nil
}

// NewDHT creates a Kademlia DHT with the meshchat protocol prefix in
// auto-server mode. Extra options are applied last.
func NewDHT(ctx context.Context, host *Host, extra ...dht.Option) (*DHT, error) {
	if host == nil {
		return nil, errors.New("host cannot be nil")
	}

	opts := append([]dht.Option{
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix("/" + Namespace),
		dht.Validator(record.NamespacedValidator{
			Namespace: participantValidator{},
		}),
	}, extra...)
	d, err := dht.New(ctx, host.Host(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}
	return &DHT{dht: d}, nil
}

// Bootstrap refreshes the routing table. Call it after connecting to at least
// one peer.
func (d *DHT) Bootstrap(ctx context.Context) error {
	return d.dht.Bootstrap(ctx)
}

// RoutingTable returns the DHT routing table.
func (d *DHT) RoutingTable() *kb.RoutingTable {
	return d.dht.RoutingTable()
}

// PutValue stores a record. The key must be under /meshchat/.
func (d *DHT) PutValue(ctx context.Context, key string, value []byte) error {
	return d.dht.PutValue(ctx, key, value)
}

// GetValue fetches a record.
func (d *DHT) GetValue(ctx context.Context, key string) ([]byte, error) {
	return d.dht.GetValue(ctx, key)
}

// Provide announces this host as a provider for key.
func (d *DHT) Provide(ctx context.Context, key string) error {
	c, err := makeCID(key)
	if err != nil {
		return fmt.Errorf("failed to create CID for key %q: %w", key, err)
	}
	return d.dht.Provide(ctx, c, true)
}

// FindProviders returns up to count providers for key.
func (d *DHT) FindProviders(ctx context.Context, key string, count int) ([]peer.AddrInfo, error) {
	c, err := makeCID(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CID for key %q: %w", key, err)
	}

	var providers []peer.AddrInfo
	for p := range d.dht.FindProvidersAsync(ctx, c, count) {
		if p.ID != "" {
			providers = append(providers, p)
		}
	}
	return providers, nil
}

// FindPeer looks up the addresses of a peer.
func (d *DHT) FindPeer(ctx context.Context, id peer.ID) (peer.AddrInfo, error) {
	return d.dht.FindPeer(ctx, id)
}

// Close shuts down the DHT.
func (d *DHT) Close() error {
	return d.dht.Close()
}

// makeCID maps a string key onto a CIDv1 for provider records.
func makeCID(key string) (cid.Cid, error) {
	h := sha256.Sum256([]byte(key))
	mhash, err := mh.Encode(h[:], mh.SHA2_256)
	if err != nil {
		return cid.Cid{}, fmt.Errorf("failed to encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mhash), nil
}
