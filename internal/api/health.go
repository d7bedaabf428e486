// Package api serves the grpc.health.v1 protocol for the agent, so load
// balancers and orchestrators can tell whether capture storage is reachable.
package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"EnigmaNetz/Enigma-PCAP-Retriever/internal/logger"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/metadata"
)

// ServiceName is the health service name of the retrieval endpoint. The
// empty name reports the same status for the whole server.
const ServiceName = "pcap.Retriever"

// HealthConfig configures a HealthServer.
type HealthConfig struct {
	Directories   []string
	ProbeInterval time.Duration
	// CertFile and KeyFile enable TLS when both are set
	CertFile string
	KeyFile  string
}

// HealthServer reports SERVING while at least one storage directory can be
// listed and NOT_SERVING otherwise.
type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	dirs     []string
	interval time.Duration
	log      *logger.Logger
}

// NewHealthServer creates the gRPC server. It does not listen until Serve.
func NewHealthServer(cfg HealthConfig, log *logger.Logger) (*HealthServer, error) {
	var opts []grpc.ServerOption
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}

	h := &HealthServer{
		server:   grpc.NewServer(opts...),
		health:   health.NewServer(),
		dirs:     cfg.Directories,
		interval: cfg.ProbeInterval,
		log:      log.With("health"),
	}
	healthpb.RegisterHealthServer(h.server, h.health)
	return h, nil
}

// Probe checks the storage directories once and publishes the result.
func (h *HealthServer) Probe() bool {
	statuses := metadata.InspectStorage(h.dirs)
	ok := metadata.AnyReadable(statuses)

	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		for _, st := range statuses {
			h.log.Warn("Storage directory %s unreadable: %s", st.Path, st.Error)
		}
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
	return ok
}

// Serve probes storage, then serves on ln until ctx is canceled. Storage is
// re-probed every ProbeInterval.
func (h *HealthServer) Serve(ctx context.Context, ln net.Listener) error {
	h.Probe()

	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Probe()
			}
		}
	}()

	go func() {
		<-ctx.Done()
		h.health.Shutdown()
		h.server.GracefulStop()
	}()

	h.log.Info("gRPC health listening on %s", ln.Addr())
	if err := h.server.Serve(ln); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("gRPC health server failed: %w", err)
	}
	return nil
}
