package api

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/example/roomsync-demo/events"
	"github.com/example/roomsync-demo/modules/moderation"
	"github.com/example/roomsync-demo/modules/store"
	"github.com/go-monolith/mono"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// APIModule is the HTTP API module with WebSocket support. Each
// WebSocket carries exactly one room session over its own store
// connection.
type APIModule struct {
	app        *fiber.App
	store      *store.Module
	moderation *moderation.Module
	eventBus   mono.EventBus
	port       string
	sessions   int64
}

// Compile-time interface checks.
var _ mono.Module = (*APIModule)(nil)
var _ mono.DependentModule = (*APIModule)(nil)
var _ mono.HealthCheckableModule = (*APIModule)(nil)
var _ mono.EventBusAwareModule = (*APIModule)(nil)
var _ mono.EventEmitterModule = (*APIModule)(nil)

// NewModule creates a new APIModule.
func NewModule() *APIModule {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}
	return &APIModule{
		port: port,
	}
}

// Name returns the module name.
func (m *APIModule) Name() string {
	return "api"
}

// Dependencies returns the list of module dependencies.
func (m *APIModule) Dependencies() []string {
	return []string{"store", "moderation"}
}

// SetDependencyServiceContainer receives service containers from
// dependencies. The concrete references arrive via SetModules; the
// declaration above only orders startup.
func (m *APIModule) SetDependencyServiceContainer(_ string, _ mono.ServiceContainer) {}

// SetModules sets the backing modules (called from main.go).
func (m *APIModule) SetModules(st *store.Module, mod *moderation.Module) {
	m.store = st
	m.moderation = mod
}

// SetEventBus receives the EventBus from the framework.
func (m *APIModule) SetEventBus(bus mono.EventBus) {
	m.eventBus = bus
}

// EmitEvents declares the events this module can emit.
func (m *APIModule) EmitEvents() []mono.BaseEventDefinition {
	return []mono.BaseEventDefinition{
		events.MessageAcceptedV1.ToBase(),
		events.ModerationBlockedV1.ToBase(),
		events.ParticipantJoinedV1.ToBase(),
		events.ParticipantLeftV1.ToBase(),
	}
}

// Start initializes the Fiber HTTP server.
func (m *APIModule) Start(_ context.Context) error {
	if m.store == nil || m.moderation == nil {
		return fmt.Errorf("store and moderation modules not set")
	}

	m.setupApp()

	// Start server in goroutine
	go func() {
		if err := m.app.Listen(":" + m.port); err != nil {
			log.Printf("[api] HTTP server error: %v", err)
		}
	}()

	log.Printf("[api] HTTP server started on :%s", m.port)
	return nil
}

// setupApp builds the Fiber app with its middlewares and routes.
func (m *APIModule) setupApp() {
	m.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          60 * time.Second,
		IdleTimeout:           120 * time.Second,
	})

	// Add recovery middleware
	m.app.Use(recover.New())

	// Add logging middleware
	m.app.Use(loggerMiddleware())

	// Setup routes
	m.setupRoutes()
}

// Stop shuts down the Fiber HTTP server.
func (m *APIModule) Stop(_ context.Context) error {
	if m.app == nil {
		return nil
	}
	log.Println("[api] Shutting down HTTP server...")
	return m.app.Shutdown()
}

// Health returns the health status.
func (m *APIModule) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: m.app != nil,
		Message: "operational",
		Details: map[string]any{
			"port":            m.port,
			"active_sessions": atomic.LoadInt64(&m.sessions),
		},
	}
}

// customErrorHandler handles Fiber errors.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   "server_error",
		Message: message,
	})
}

// loggerMiddleware returns a Fiber middleware for request logging.
func loggerMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Skip logging for WebSocket upgrade requests
		if c.Get("Upgrade") == "websocket" {
			return c.Next()
		}
		err := c.Next()
		log.Printf("[api] %s %s %d", c.Method(), c.Path(), c.Response().StatusCode())
		return err
	}
}
