package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// defaultRPCTimeout is the default timeout for RPC calls.
const defaultRPCTimeout = 5 * time.Second

// ErrEmptySocketPath is returned when an empty socket path is provided.
var ErrEmptySocketPath = errors.New("socket path cannot be empty")

// Client is the IPC client for talking to a running agent.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewClient creates a new IPC client that connects to the agent via a Unix
// socket at the specified path.
func NewClient(sockPath string) (*Client, error) {
	if sockPath == "" {
		return nil, ErrEmptySocketPath
	}

	conn, err := grpc.NewClient(
		"unix://"+sockPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IPC socket: %w", err)
	}

	return &Client{conn: conn, timeout: defaultRPCTimeout}, nil
}

// Close closes the connection to the agent.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(method string, req, resp any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	in, err := toStruct(req)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return fmt.Errorf("%s RPC failed: %w", method, err)
	}
	if resp == nil {
		return nil
	}
	if err := fromStruct(out, resp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	return nil
}

// Status retrieves the agent status.
func (c *Client) Status() (StatusResponse, error) {
	var resp StatusResponse
	err := c.call(MethodStatus, empty{}, &resp)
	return resp, err
}

// Links lists the agent's links.
func (c *Client) Links() ([]LinkView, error) {
	var resp LinksResponse
	err := c.call(MethodLinks, empty{}, &resp)
	return resp.Links, err
}

// Connect opens a connection attempt to remoteID.
func (c *Client) Connect(remoteID string) error {
	return c.call(MethodConnect, PeerRequest{RemoteID: remoteID}, nil)
}

// Accept accepts a pending incoming request.
func (c *Client) Accept(remoteID string) error {
	return c.call(MethodAccept, PeerRequest{RemoteID: remoteID}, nil)
}

// Reject rejects a pending incoming request.
func (c *Client) Reject(remoteID string) error {
	return c.call(MethodReject, PeerRequest{RemoteID: remoteID}, nil)
}

// Cancel abandons a pending outgoing attempt.
func (c *Client) Cancel(remoteID string) error {
	return c.call(MethodCancel, PeerRequest{RemoteID: remoteID}, nil)
}

// Disconnect ends an active link.
func (c *Client) Disconnect(remoteID string) error {
	return c.call(MethodDisconnect, PeerRequest{RemoteID: remoteID}, nil)
}

// Send posts text to a channel. An empty channel means the default channel.
func (c *Client) Send(channel, text string) (SendResponse, error) {
	var resp SendResponse
	err := c.call(MethodSend, SendRequest{Channel: channel, Text: text}, &resp)
	return resp, err
}

// History fetches up to limit recent messages of a channel.
func (c *Client) History(channel string, limit int) ([]MessageView, error) {
	var resp HistoryResponse
	err := c.call(MethodHistory, HistoryRequest{Channel: channel, Limit: limit}, &resp)
	return resp.Messages, err
}

// Channels lists the known channels.
func (c *Client) Channels() ([]string, error) {
	var resp ChannelsResponse
	err := c.call(MethodChannels, empty{}, &resp)
	return resp.Channels, err
}

// Delete retracts one of the local participant's messages.
func (c *Client) Delete(channel, messageID string) (int, error) {
	var resp DeliveredResponse
	err := c.call(MethodDelete, DeleteRequest{Channel: channel, MessageID: messageID}, &resp)
	return resp.Delivered, err
}

// Board publishes a new snapshot of a shared board.
func (c *Client) Board(boardID string, state json.RawMessage) (BoardResponse, error) {
	var resp BoardResponse
	err := c.call(MethodBoard, BoardRequest{BoardID: boardID, State: state}, &resp)
	return resp, err
}

// Boards lists the board snapshots the agent holds.
func (c *Client) Boards() ([]BoardView, error) {
	var resp BoardsResponse
	err := c.call(MethodBoards, empty{}, &resp)
	return resp.Boards, err
}

// Typing sets the local typing state for a channel.
func (c *Client) Typing(channel string, typing bool) (int, error) {
	var resp DeliveredResponse
	err := c.call(MethodTyping, TypingRequest{Channel: channel, Typing: typing}, &resp)
	return resp.Delivered, err
}

// Typers lists the peers currently typing in a channel.
func (c *Client) Typers(channel string) ([]string, error) {
	var resp TypersResponse
	err := c.call(MethodTypers, ChannelRequest{Channel: channel}, &resp)
	return resp.Peers, err
}

// CreateChannel adds a channel and announces it to peers. It reports whether
// the channel was new.
func (c *Client) CreateChannel(name string) (bool, error) {
	var resp CreateChannelResponse
	err := c.call(MethodCreate, ChannelRequest{Channel: name}, &resp)
	return resp.Created, err
}
