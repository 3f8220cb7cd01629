// Package ipc is the agent's local control plane: a gRPC service on a unix
// socket that the CLI uses to drive the session manager and the chat layer.
//
// The service is declared by hand. Every method takes and returns a
// google.protobuf.Struct whose fields mirror the request and response types
// below.
package ipc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/samber/lo"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "meshchat.control.v1.Control"

// Method names.
const (
	MethodStatus     = "Status"
	MethodLinks      = "Links"
	MethodConnect    = "Connect"
	MethodAccept     = "Accept"
	MethodReject     = "Reject"
	MethodCancel     = "Cancel"
	MethodDisconnect = "Disconnect"
	MethodSend       = "Send"
	MethodHistory    = "History"
	MethodChannels   = "Channels"
	MethodDelete     = "Delete"
	MethodBoard      = "Board"
	MethodBoards     = "Boards"
	MethodTyping     = "Typing"
	MethodTypers     = "Typers"
	MethodCreate     = "CreateChannel"
)

var methodNames = []string{
	MethodStatus, MethodLinks, MethodConnect, MethodAccept, MethodReject,
	MethodCancel, MethodDisconnect, MethodSend, MethodHistory, MethodChannels,
	MethodDelete, MethodBoard, MethodBoards, MethodTyping, MethodTypers, MethodCreate,
}

// StatusResponse describes the running agent.
type StatusResponse struct {
	ID              string    `json:"id"`
	DisplayName     string    `json:"display_name"`
	PeerID          string    `json:"peer_id,omitempty"`
	Addrs           []string  `json:"addrs,omitempty"`
	Connections     int       `json:"connections"`
	Active          int       `json:"active"`
	PendingIncoming int       `json:"pending_incoming"`
	PendingOutgoing int       `json:"pending_outgoing"`
	StartedAt       time.Time `json:"started_at"`
}

// LinkView is one row of the link registry.
type LinkView struct {
	RemoteID    string    `json:"remote_id"`
	DisplayName string    `json:"display_name,omitempty"`
	State       string    `json:"state"`
	Direction   string    `json:"direction"`
	ChannelID   string    `json:"channel_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LinksResponse lists links.
type LinksResponse struct {
	Links []LinkView `json:"links"`
}

// PeerRequest names a remote participant.
type PeerRequest struct {
	RemoteID string `json:"remote_id"`
}

// SendRequest posts a message.
type SendRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// SendResponse reports a posted message.
type SendResponse struct {
	MessageID string `json:"message_id"`
	Channel   string `json:"channel"`
	Delivered int    `json:"delivered"`
}

// HistoryRequest asks for recent messages.
type HistoryRequest struct {
	Channel string `json:"channel"`
	Limit   int    `json:"limit"`
}

// MessageView is one stored message.
type MessageView struct {
	ID         string    `json:"id"`
	Author     string    `json:"author"`
	AuthorName string    `json:"author_name,omitempty"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sent_at"`
}

// HistoryResponse lists messages oldest first.
type HistoryResponse struct {
	Messages []MessageView `json:"messages"`
}

// ChannelsResponse lists channel names.
type ChannelsResponse struct {
	Channels []string `json:"channels"`
}

// DeleteRequest retracts one of the local participant's messages.
type DeleteRequest struct {
	Channel   string `json:"channel"`
	MessageID string `json:"message_id"`
}

// DeliveredResponse reports how many peers a broadcast reached.
type DeliveredResponse struct {
	Delivered int `json:"delivered"`
}

// BoardRequest publishes a new board snapshot. State is any JSON value.
type BoardRequest struct {
	BoardID string          `json:"board_id"`
	State   json.RawMessage `json:"state"`
}

// BoardView is one board snapshot.
type BoardView struct {
	BoardID   string          `json:"board_id"`
	Version   uint64          `json:"version"`
	Author    string          `json:"author"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BoardResponse reports a published board.
type BoardResponse struct {
	Board     BoardView `json:"board"`
	Delivered int       `json:"delivered"`
}

// BoardsResponse lists board snapshots.
type BoardsResponse struct {
	Boards []BoardView `json:"boards"`
}

// TypingRequest sets the local typing state for a channel.
type TypingRequest struct {
	Channel string `json:"channel"`
	Typing  bool   `json:"typing"`
}

// ChannelRequest names a channel.
type ChannelRequest struct {
	Channel string `json:"channel"`
}

// TypersResponse lists the peers typing in a channel.
type TypersResponse struct {
	Peers []string `json:"peers"`
}

// CreateChannelResponse reports whether a channel was new.
type CreateChannelResponse struct {
	Created bool `json:"created"`
}

type empty struct{}

// controlServer is the handler type the service descriptor registers.
type controlServer interface {
	handle(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlServer)(nil),
	Methods:     lo.Map(methodNames, func(name string, _ int) grpc.MethodDesc { return unaryMethod(name) }),
	Streams:     []grpc.StreamDesc{},
	Metadata:    "meshchat/control.proto",
}

func unaryMethod(name string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			cs := srv.(controlServer)
			if interceptor == nil {
				return cs.handle(ctx, name, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return cs.handle(ctx, name, req.(*structpb.Struct))
			})
		},
	}
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
