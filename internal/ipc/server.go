package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/meshchat/meshchat/internal/chat"
	"github.com/meshchat/meshchat/internal/session"
	"github.com/meshchat/meshchat/internal/store"
	"github.com/meshchat/meshchat/internal/transport"
	"github.com/samber/lo"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Backend is what the control plane drives. The agent implements it on top
// of the session manager and the chat service.
type Backend interface {
	Status() StatusResponse
	Links() []session.LinkInfo
	Connect(remoteID string) error
	AcceptIncoming(remoteID string) error
	RejectIncoming(remoteID string) error
	CancelOutgoing(remoteID string) error
	Disconnect(remoteID string) error
	SendMessage(channelID, text string) (store.Message, int, error)
	History(channelID string, limit int) ([]store.Message, error)
	Channels() ([]string, error)
	DeleteMessage(channelID, messageID string) (int, error)
	UpdateBoard(boardID string, state json.RawMessage) (store.Board, int, error)
	Boards() ([]store.Board, error)
	SetTyping(channelID string, typing bool) (int, error)
	TypingPeers(channelID string) []string
	CreateChannel(name string) (bool, error)
}

// DefaultHistoryLimit applies when a History request has no limit.
const DefaultHistoryLimit = 50

// Server is the IPC gRPC server.
type Server struct {
	sockPath string
	backend  Backend
	logger   *slog.Logger
	grpc     *grpc.Server
	listener net.Listener
}

var _ controlServer = (*Server)(nil)

// NewServer creates a new IPC server listening on sockPath. A stale socket
// file is removed first.
func NewServer(sockPath string, backend Backend, logger *slog.Logger) (*Server, error) {
	if sockPath == "" {
		return nil, ErrEmptySocketPath
	}
	if logger == nil {
		logger = slog.Default()
	}

	os.Remove(sockPath)

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(sockPath, 0600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}

	s := &Server{
		sockPath: sockPath,
		backend:  backend,
		logger:   logger,
		listener: listener,
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))
	s.grpc.RegisterService(&serviceDesc, s)

	return s, nil
}

// Start begins serving requests.
func (s *Server) Start() error {
	return s.grpc.Serve(s.listener)
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
	os.Remove(s.sockPath)
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := next(ctx, req)
	s.logger.Debug("control call",
		"method", info.FullMethod,
		"duration", time.Since(start),
		"code", status.Code(err).String(),
	)
	return resp, err
}

func (s *Server) handle(_ context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	var (
		resp any
		err  error
	)
	switch method {
	case MethodStatus:
		resp = s.backend.Status()
	case MethodLinks:
		resp = LinksResponse{Links: lo.Map(s.backend.Links(), func(l session.LinkInfo, _ int) LinkView {
			return LinkView{
				RemoteID:    l.RemoteID,
				DisplayName: l.DisplayName,
				State:       l.State.String(),
				Direction:   l.Direction.String(),
				ChannelID:   l.ChannelID,
				UpdatedAt:   l.UpdatedAt,
			}
		})}
	case MethodConnect, MethodAccept, MethodReject, MethodCancel, MethodDisconnect:
		resp, err = s.peerCall(method, req)
	case MethodSend:
		resp, err = s.send(req)
	case MethodHistory:
		resp, err = s.history(req)
	case MethodChannels:
		var names []string
		names, err = s.backend.Channels()
		resp = ChannelsResponse{Channels: names}
	case MethodDelete:
		resp, err = s.deleteMessage(req)
	case MethodBoard:
		resp, err = s.board(req)
	case MethodBoards:
		var boards []store.Board
		boards, err = s.backend.Boards()
		resp = BoardsResponse{Boards: lo.Map(boards, func(b store.Board, _ int) BoardView { return boardView(b) })}
	case MethodTyping:
		resp, err = s.typing(req)
	case MethodTypers:
		resp, err = s.typers(req)
	case MethodCreate:
		resp, err = s.createChannel(req)
	default:
		return nil, status.Errorf(codes.Unimplemented, "unknown method %q", method)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func (s *Server) peerCall(method string, req *structpb.Struct) (any, error) {
	var in PeerRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	op := map[string]func(string) error{
		MethodConnect:    s.backend.Connect,
		MethodAccept:     s.backend.AcceptIncoming,
		MethodReject:     s.backend.RejectIncoming,
		MethodCancel:     s.backend.CancelOutgoing,
		MethodDisconnect: s.backend.Disconnect,
	}[method]
	return empty{}, op(in.RemoteID)
}

func (s *Server) send(req *structpb.Struct) (any, error) {
	var in SendRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if in.Channel == "" {
		in.Channel = chat.DefaultChannel
	}
	m, delivered, err := s.backend.SendMessage(in.Channel, in.Text)
	if err != nil {
		return nil, err
	}
	return SendResponse{MessageID: m.ID, Channel: m.ChannelID, Delivered: delivered}, nil
}

func (s *Server) history(req *structpb.Struct) (any, error) {
	var in HistoryRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if in.Channel == "" {
		in.Channel = chat.DefaultChannel
	}
	if in.Limit <= 0 {
		in.Limit = DefaultHistoryLimit
	}
	msgs, err := s.backend.History(in.Channel, in.Limit)
	if err != nil {
		return nil, err
	}
	return HistoryResponse{Messages: lo.Map(msgs, func(m store.Message, _ int) MessageView {
		return MessageView{ID: m.ID, Author: m.Author, AuthorName: m.AuthorName, Text: m.Text, SentAt: m.SentAt}
	})}, nil
}

func (s *Server) deleteMessage(req *structpb.Struct) (any, error) {
	var in DeleteRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if in.Channel == "" {
		in.Channel = chat.DefaultChannel
	}
	if in.MessageID == "" {
		return nil, status.Error(codes.InvalidArgument, "message id is required")
	}
	delivered, err := s.backend.DeleteMessage(in.Channel, in.MessageID)
	if err != nil {
		return nil, err
	}
	return DeliveredResponse{Delivered: delivered}, nil
}

func (s *Server) board(req *structpb.Struct) (any, error) {
	var in BoardRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if len(in.State) == 0 || string(in.State) == "null" {
		return nil, status.Error(codes.InvalidArgument, "board state is required")
	}
	var state bytes.Buffer
	if err := json.Compact(&state, in.State); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "board state: %v", err)
	}
	b, delivered, err := s.backend.UpdateBoard(in.BoardID, state.Bytes())
	if err != nil {
		return nil, err
	}
	return BoardResponse{Board: boardView(b), Delivered: delivered}, nil
}

func (s *Server) typing(req *structpb.Struct) (any, error) {
	var in TypingRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if in.Channel == "" {
		in.Channel = chat.DefaultChannel
	}
	delivered, err := s.backend.SetTyping(in.Channel, in.Typing)
	if err != nil {
		return nil, err
	}
	return DeliveredResponse{Delivered: delivered}, nil
}

func (s *Server) typers(req *structpb.Struct) (any, error) {
	var in ChannelRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	name, err := chat.NormalizeChannel(lo.CoalesceOrEmpty(in.Channel, chat.DefaultChannel))
	if err != nil {
		return nil, err
	}
	return TypersResponse{Peers: s.backend.TypingPeers(name)}, nil
}

func (s *Server) createChannel(req *structpb.Struct) (any, error) {
	var in ChannelRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	created, err := s.backend.CreateChannel(in.Channel)
	if err != nil {
		return nil, err
	}
	return CreateChannelResponse{Created: created}, nil
}

func boardView(b store.Board) BoardView {
	return BoardView{BoardID: b.ID, Version: b.Version, Author: b.Author, State: b.State, UpdatedAt: b.UpdatedAt}
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, session.ErrLinkNotFound),
		errors.Is(err, chat.ErrUnknownChannel),
		errors.Is(err, chat.ErrMessageNotFound),
		errors.Is(err, transport.ErrPeerNotFound):
		code = codes.NotFound
	case errors.Is(err, session.ErrInvalidState):
		code = codes.FailedPrecondition
	case errors.Is(err, chat.ErrNotAuthor):
		code = codes.PermissionDenied
	case errors.Is(err, session.ErrSelfConnect),
		errors.Is(err, session.ErrEmptyRemoteID),
		errors.Is(err, chat.ErrInvalidChannel),
		errors.Is(err, chat.ErrInvalidBoard),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrMessageTooLong):
		code = codes.InvalidArgument
	case errors.Is(err, session.ErrNotStarted),
		errors.Is(err, session.ErrClosed):
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}
