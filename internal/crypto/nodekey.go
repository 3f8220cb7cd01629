// Package crypto manages the node key: the Ed25519 key that gives a meshchat
// agent its libp2p identity and its DID.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
)

// DIDPrefix prefixes every node DID.
const DIDPrefix = "did:meshchat:"

// ErrInvalidMnemonic is returned when an invalid BIP-39 mnemonic phrase is provided.
var ErrInvalidMnemonic = errors.New("crypto: invalid mnemonic phrase")

// ErrInvalidDID is returned by ParseDID for malformed input.
var ErrInvalidDID = errors.New("crypto: invalid did")

// NodeKey is the agent's long-term signing key.
type NodeKey struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
	DID     string
}

// GenerateNodeKey creates a random node key.
func GenerateNodeKey() (*NodeKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 keypair: %w", err)
	}
	return newNodeKey(priv, pub), nil
}

// NewNodeKeyWithMnemonic generates a node key together with the 24-word
// recovery phrase that reproduces it.
func NewNodeKeyWithMnemonic() (*NodeKey, string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", err
	}
	key, err := NodeKeyFromMnemonic(mnemonic)
	if err != nil {
		return nil, "", err
	}
	return key, mnemonic, nil
}

// NodeKeyFromMnemonic recovers a node key from a BIP-39 phrase. The same
// phrase always yields the same key.
func NodeKeyFromMnemonic(mnemonic string) (*NodeKey, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	return newNodeKey(priv, priv.Public().(ed25519.PublicKey)), nil
}

func newNodeKey(priv ed25519.PrivateKey, pub ed25519.PublicKey) *NodeKey {
	return &NodeKey{
		Private: priv,
		Public:  pub,
		DID:     DIDPrefix + base58.Encode(pub),
	}
}

// LibP2P converts the key for use as a libp2p host identity.
func (k *NodeKey) LibP2P() (p2pcrypto.PrivKey, error) {
	priv, err := p2pcrypto.UnmarshalEd25519PrivateKey(k.Private)
	if err != nil {
		return nil, fmt.Errorf("convert node key: %w", err)
	}
	return priv, nil
}

// Fingerprint is a short display form of the DID.
func (k *NodeKey) Fingerprint() string {
	enc := strings.TrimPrefix(k.DID, DIDPrefix)
	if len(enc) > 8 {
		enc = enc[:8]
	}
	return enc
}

// Sign signs msg with the node key.
func (k *NodeKey) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Private, msg)
}

// ParseDID extracts the public key from a node DID.
func ParseDID(did string) (ed25519.PublicKey, error) {
	enc, ok := strings.CutPrefix(did, DIDPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidDID, DIDPrefix)
	}
	raw, err := base58.Decode(enc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: key is %d bytes", ErrInvalidDID, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks a signature made by the node identified by did.
func Verify(did string, msg, sig []byte) bool {
	pub, err := ParseDID(did)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
