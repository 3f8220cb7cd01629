// Package transport defines the point-to-point channel provider the session
// manager is built on. Implementations resolve a participant identifier to a
// reachable endpoint, open ordered reliable channels to it, and report channel
// lifecycle through a Handler.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrIdentifierTaken is returned by Register when another live process
	// already holds the identifier.
	ErrIdentifierTaken = errors.New("transport: identifier already in use")

	// ErrChannelClosed is returned by Send on a channel that is not open.
	ErrChannelClosed = errors.New("transport: channel closed")

	// ErrPeerNotFound is reported through HandleError when a remote identifier
	// cannot be resolved to an endpoint.
	ErrPeerNotFound = errors.New("transport: peer not found")

	// ErrNotRegistered is returned when the transport is used before Register.
	ErrNotRegistered = errors.New("transport: local identifier not registered")
)

// Channel is one ordered, reliable, bidirectional pipe to a remote participant.
type Channel interface {
	// ID uniquely identifies this channel within the local process.
	ID() string
	// RemoteID is the participant identifier at the other end.
	RemoteID() string
	// Outbound reports whether the local side opened the channel.
	Outbound() bool
	// Endpoint identifies the remote process the channel reaches. Channels to
	// the same process report the same value; it is empty until known.
	Endpoint() string
	// Send writes one message. Messages on a channel arrive in order.
	Send(data []byte) error
	// Close tears the channel down. It is idempotent.
	Close() error
	// IsOpen reports whether the channel is open and usable.
	IsOpen() bool
}

// Handler receives channel lifecycle events. Implementations must tolerate
// events for channels they no longer track.
type Handler interface {
	// HandleIncoming announces a channel opened by a remote participant.
	HandleIncoming(ch Channel)
	// HandleOpen reports that a channel became usable.
	HandleOpen(ch Channel)
	// HandleData delivers one message received on a channel.
	HandleData(ch Channel, data []byte)
	// HandleClose reports that a channel closed.
	HandleClose(ch Channel)
	// HandleError reports a channel failure. The channel is closed afterwards.
	HandleError(ch Channel, err error)
}

// Transport opens and accepts channels keyed by participant identifier.
type Transport interface {
	// Register claims localID on the mesh. It fails with ErrIdentifierTaken
	// when another live process holds it.
	Register(ctx context.Context, localID string) error
	// Open starts opening a channel to remoteID and returns immediately. The
	// outcome is reported later through HandleOpen or HandleError.
	Open(remoteID string) (Channel, error)
	// SetHandler installs the event handler for every channel.
	SetHandler(h Handler)
	// Close releases the registration and closes all channels.
	Close() error
}
