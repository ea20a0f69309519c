package grpcdriver

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/transport"
)

// ServerConfig configures the gRPC ingress.
type ServerConfig struct {
	// Address is the listen address, e.g. ":50051".
	Address string

	// MaxRecvMsgSize is the largest accepted message in bytes; zero keeps
	// the gRPC default.
	MaxRecvMsgSize int

	// KeepAlive is the server ping interval; zero keeps the gRPC default.
	KeepAlive time.Duration

	// StreamBuffer is the per-subscriber queue length. Default 64.
	StreamBuffer int
}

type streamSub struct {
	pattern string
	ch      chan *transport.Message
}

// Server implements EventMeshServer. Published messages are handed to the
// sink and fanned out to streaming subscribers whose pattern matches.
type Server struct {
	cfg  ServerConfig
	sink transport.Deliverer
	log  logger.Logger

	mu       sync.RWMutex
	grpcSrv  *grpc.Server
	health   *health.Server
	listener net.Listener
	running  bool
	nextID   uint64
	subs     map[uint64]*streamSub
	stopCh   chan struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(log logger.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// NewServer creates an ingress server. sink may be nil, in which case
// messages only reach streaming subscribers.
func NewServer(cfg ServerConfig, sink transport.Deliverer, opts ...ServerOption) *Server {
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	s := &Server{
		cfg:    cfg,
		sink:   sink,
		log:    logger.Global(),
		subs:   make(map[uint64]*streamSub),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "grpc_ingress")
	return s
}

// Register installs the service and the standard health service on srv.
func (s *Server) Register(srv *grpc.Server) {
	srv.RegisterService(&ServiceDesc, s)

	s.mu.Lock()
	if s.health == nil {
		s.health = health.NewServer()
	}
	hs := s.health
	s.mu.Unlock()

	grpc_health_v1.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	if err := s.Serve(lis); err != nil {
		_ = lis.Close()
		return err
	}
	return nil
}

// Serve serves on lis in the background.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	srv := grpc.NewServer(s.serverOptions()...)
	s.grpcSrv = srv
	s.listener = lis
	s.running = true
	s.mu.Unlock()

	s.Register(srv)

	go func() {
		if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			s.log.Error("gRPC server error", "error", err)
		}
	}()
	s.log.Info("gRPC ingress listening", "address", lis.Addr().String())
	return nil
}

func (s *Server) serverOptions() []grpc.ServerOption {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.recoveryUnary(), s.loggingUnary()),
		grpc.ChainStreamInterceptor(s.recoveryStream()),
		// Drivers ping idle connections at their keep_alive interval.
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if s.cfg.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(s.cfg.MaxRecvMsgSize))
	}
	if s.cfg.KeepAlive > 0 {
		opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: s.cfg.KeepAlive}))
	}
	return opts
}

// Stop ends streams and stops the server gracefully, forcing it when ctx
// expires first.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.grpcSrv
	hs := s.health
	close(s.stopCh)
	s.mu.Unlock()

	if hs != nil {
		hs.Shutdown()
	}

	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		srv.Stop()
		return fmt.Errorf("graceful shutdown timeout, forced stop")
	}
}

// Address returns the listening address.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Address
}

// SubscriberCount returns the number of open Subscribe streams.
func (s *Server) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Publish accepts a message from a remote driver.
func (s *Server) Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msg, err := DecodeMessage(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	delivered := s.fanOut(msg)
	if s.sink != nil {
		delivered += s.sink.Deliver(ctx, msg)
	}

	return structpb.NewStruct(map[string]any{
		fieldOK:        true,
		fieldDelivered: delivered,
	})
}

func (s *Server) fanOut(msg *transport.Message) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for id, sub := range s.subs {
		if !transport.TopicMatches(sub.pattern, msg.Topic) {
			continue
		}
		copied := *msg
		copied.Headers = transport.CloneHeaders(msg.Headers)
		select {
		case sub.ch <- &copied:
			n++
		default:
			s.log.Warn("subscriber buffer full, dropping message", "subscriber", id, "topic", msg.Topic)
		}
	}
	return n
}

// Subscribe streams messages matching the requested topic pattern. The
// first response confirms the subscription.
func (s *Server) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	pattern := req.GetFields()[fieldTopic].GetStringValue()
	if pattern == "" {
		return status.Error(codes.InvalidArgument, "topic is required")
	}

	s.mu.Lock()
	if !s.running && s.grpcSrv != nil {
		s.mu.Unlock()
		return status.Error(codes.Unavailable, "server is stopping")
	}
	s.nextID++
	id := s.nextID
	sub := &streamSub{pattern: pattern, ch: make(chan *transport.Message, s.cfg.StreamBuffer)}
	s.subs[id] = sub
	stopCh := s.stopCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}()

	ack, err := structpb.NewStruct(map[string]any{fieldSubscribed: pattern})
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if err := stream.SendMsg(ack); err != nil {
		return err
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case msg := <-sub.ch:
			out, err := EncodeMessage(msg.Topic, msg.Payload, msg.Headers)
			if err != nil {
				s.log.Error("failed to encode message", "topic", msg.Topic, "error", err)
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}

func (s *Server) recoveryUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.ErrorContext(ctx, "panic recovered", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

func (s *Server) recoveryStream() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic recovered", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()
		return handler(srv, ss)
	}
}

func (s *Server) loggingUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		s.log.DebugContext(ctx, "gRPC request",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start))
		return resp, err
	}
}
