package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-monolith/mono"
	"github.com/redis/go-redis/v9"
)

// Module provides the tree store as a mono module. The backend is selected
// by STORE_BACKEND: "memory" (default) or "redis" with REDIS_ADDR.
type Module struct {
	backend string
	addr    string
	prefix  string
	store   Store
	client  *redis.Client
}

// Compile-time interface checks.
var _ mono.Module = (*Module)(nil)
var _ mono.HealthCheckableModule = (*Module)(nil)

// NewModule creates a store module configured from the environment.
func NewModule() *Module {
	backend := os.Getenv("STORE_BACKEND")
	if backend == "" {
		backend = "memory"
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	prefix := os.Getenv("REDIS_PREFIX")
	if prefix == "" {
		prefix = "roomsync:"
	}
	return &Module{backend: backend, addr: addr, prefix: prefix}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "store"
}

// Start initializes the selected backend.
func (m *Module) Start(ctx context.Context) error {
	switch m.backend {
	case "memory":
		m.store = NewMemory()
		log.Println("[store] Module started with in-process backend")
	case "redis":
		m.client = redis.NewClient(&redis.Options{
			Addr:         m.addr,
			PoolSize:     50,
			MinIdleConns: 5,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		if err := m.client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		m.store = NewRedis(m.client, m.prefix)
		log.Printf("[store] Module started with Redis backend at %s (prefix: %s)", m.addr, m.prefix)
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", m.backend)
	}
	return nil
}

// Stop shuts down the store and, for the Redis backend, its client.
func (m *Module) Stop(_ context.Context) error {
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}
	if m.client != nil {
		if err := m.client.Close(); err != nil {
			return fmt.Errorf("failed to close Redis connection: %w", err)
		}
	}
	log.Println("[store] Module stopped")
	return nil
}

// Health reports backend reachability.
func (m *Module) Health(ctx context.Context) mono.HealthStatus {
	if m.store == nil {
		return mono.HealthStatus{Healthy: false, Message: "not started"}
	}
	if m.client != nil {
		if err := m.client.Ping(ctx).Err(); err != nil {
			return mono.HealthStatus{
				Healthy: false,
				Message: "redis unreachable",
				Details: map[string]any{"error": err.Error()},
			}
		}
	}
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{"backend": m.backend},
	}
}

// Store returns the configured backend.
func (m *Module) Store() Store {
	return m.store
}
