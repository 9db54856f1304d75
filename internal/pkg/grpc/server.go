package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	logger "github.com/Gopher0727/campfire/middleware/log"
)

// StoreService is the health service name that tracks the message store.
const StoreService = "campfire.MessageStore"

// Server exposes the standard gRPC health protocol for load balancers and
// orchestrators. The overall status and StoreService follow the write-behind
// buffer: NOT_SERVING while flushes fail, SERVING once they recover.
type Server struct {
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	log      *logger.Logger
}

func NewServer(address string, log *logger.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	s := &Server{listener: listener, health: health.NewServer(), log: log.Named("grpc")}
	s.server = grpc.NewServer(
		grpc.UnaryInterceptor(s.unaryLoggingInterceptor),   // 一元 RPC 日志拦截器
		grpc.StreamInterceptor(s.streamLoggingInterceptor), // 流式 RPC 日志拦截器
	)
	healthpb.RegisterHealthServer(s.server, s.health)
	s.SetServing(true)
	return s, nil
}

func (s *Server) unaryLoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	start := time.Now()
	resp, err = handler(ctx, req)
	s.log.Debug("gRPC call",
		zap.String("method", info.FullMethod),
		zap.Duration("duration", time.Since(start)),
		zap.String("code", status.Code(err).String()))
	return resp, err
}

func (s *Server) streamLoggingInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	code := status.Code(err)
	// watch streams end with Canceled when the client goes away
	if code == codes.Canceled {
		code = codes.OK
	}
	s.log.Debug("gRPC stream call",
		zap.String("method", info.FullMethod),
		zap.Duration("duration", time.Since(start)),
		zap.String("code", code.String()))
	return err
}

// SetServing flips the overall status and the message store status together.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(StoreService, st)
}

// Addr is the address actually bound, useful when listening on port 0.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Start() error {
	s.log.Info("starting gRPC server", zap.String("address", s.Addr()))
	return s.server.Serve(s.listener)
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.log.Info("stopping gRPC server")
	s.health.Shutdown()
	s.server.GracefulStop()
}

// GetServer 获取底层 gRPC 服务器（用于注册服务）
func (s *Server) GetServer() *grpc.Server {
	return s.server
}
