package server

import (
	"context"
	"errors"
	"fmt"
	"laminar/internal/observability"
	"laminar/internal/service"
	"laminar/internal/state"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Health service names for the two circuit breakers.
const (
	MintService   = "laminar.mint"
	RedeemService = "laminar.redeem"
)

// GRPCServer wraps the gRPC server (health + reflection) and the HTTP
// server carrying the JSON gateway.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	logger     zerolog.Logger
}

// NewGRPCServer creates the gRPC server and binds handler to httpAddr.
// The overall health status follows checker readiness.
func NewGRPCServer(grpcAddr, httpAddr string, handler http.Handler, checker *observability.HealthChecker, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(MintService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(RedeemService, healthpb.HealthCheckResponse_NOT_SERVING)
	if checker != nil {
		checker.OnReadyChange(func(ready bool) {
			healthServer.SetServingStatus("", servingStatus(ready))
		})
	}

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		httpServer: &http.Server{Addr: httpAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		logger:     logger,
	}
}

// Health exposes the health server, mainly for tests.
func (s *GRPCServer) Health() *health.Server { return s.health }

// SyncBreakers sets the mint and redeem statuses from the pause flags.
func (s *GRPCServer) SyncBreakers(st state.LedgerState) {
	s.health.SetServingStatus(MintService, servingStatus(!st.MintPaused))
	s.health.SetServingStatus(RedeemService, servingStatus(!st.RedeemPaused))
}

// Name and Deliver make the server an event sink so breaker statuses
// follow every committed pause change.
func (s *GRPCServer) Name() string { return "grpc_health" }

func (s *GRPCServer) Deliver(_ context.Context, c service.Committed) error {
	s.SyncBreakers(c.State)
	return nil
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON routes (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
