package api

import (
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// HealthService is the service name reported alongside the overall ("")
// status.
const HealthService = "whalestream"

// startHealth serves grpc.health.v1 on grpcLn. Both names report
// NOT_SERVING until the model has data, then SERVING.
func (s *Service) startHealth() {
	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    20 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	s.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	s.setServing(grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.model.Ready():
			s.setServing(grpc_health_v1.HealthCheckResponse_SERVING)
			s.log.Info("model ready, health SERVING")
		case <-s.baseCtx.Done():
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("gRPC health listening", "addr", s.grpcLn.Addr().String())
		if err := s.grpcServer.Serve(s.grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("gRPC server error", "error", err)
		}
	}()
}

func (s *Service) setServing(st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(HealthService, st)
}
