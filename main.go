package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/example/roomsync-demo/modules/api"
	"github.com/example/roomsync-demo/modules/audit"
	"github.com/example/roomsync-demo/modules/moderation"
	"github.com/example/roomsync-demo/modules/store"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-monolith/mono"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log.Println("=== RoomSync Demo - Realtime Rooms over Fiber + EventBus ===")

	// Create mono application
	app, err := mono.NewMonoApplication(
		mono.WithShutdownTimeout(shutdownTimeout),
		mono.WithLogLevel(mono.LogLevelInfo),
		mono.WithLogFormat(mono.LogFormatText),
	)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	// Create modules
	storeModule := store.NewModule()
	moderationModule := moderation.NewModule()
	auditModule := audit.NewModule()
	apiModule := api.NewModule()

	// Inject the backing modules into the API module
	// (done manually because Store and Filter are not exposed via ServiceContainer)
	apiModule.SetModules(storeModule, moderationModule)

	// Register modules with the framework.
	// Order: independent modules first, then modules with dependencies
	// - store: realtime tree-store backend (memory or Redis)
	// - moderation: word-list filter compiled at startup
	// - audit: event consumer keeping counters
	// - api: driving adapter (Fiber HTTP/WebSocket server, one session per socket)
	app.Register(storeModule)
	app.Register(moderationModule)
	app.Register(auditModule)
	app.Register(apiModule)

	// Start application
	if err := app.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	printStartupInfo()

	// Graceful shutdown
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"mono-app": func(ctx context.Context) error {
				log.Println("Graceful shutdown initiated...")
				return app.Stop(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Printf("Application exited with code: %d", exitCode)
	os.Exit(exitCode)
}

func printStartupInfo() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}
	backend := os.Getenv("STORE_BACKEND")
	if backend == "" {
		backend = "memory"
	}

	log.Println("")
	log.Println("Application started successfully!")
	log.Println("")
	log.Println("Architecture:")
	log.Println("  - HTTP Framework: Fiber with WebSocket support")
	log.Printf("  - Store backend: %s (STORE_BACKEND=memory|redis)", backend)
	log.Println("  - Event Bus: audit counters for accepted/blocked/joined/left")
	log.Println("")
	log.Println("Moderation:")
	log.Println("  - WORDLIST_HARD / WORDLIST_SOFT (comma-separated)")
	log.Println("  - WORDLIST_HARD_FILE / WORDLIST_SOFT_FILE (JSON string arrays)")
	log.Println("  - MODERATION_LOCALE (BCP 47, default de)")
	log.Println("")
	log.Printf("REST API Endpoints (http://localhost:%s):", port)
	log.Println("  GET    /health                    - Health check")
	log.Println("  GET    /api/v1/rooms/:room/users  - Current roster snapshot")
	log.Println("")
	log.Printf("WebSocket Endpoint (ws://localhost:%s/ws):", port)
	log.Println("  Connect with: ws://localhost:3000/ws?room=Allgemein&nick=Ada")
	log.Println("  Inbound frame types: message, leave")
	log.Println("  Outbound frame types: message, roster, status, closed, error")
	log.Println("")
	log.Println("Press Ctrl+C to shutdown gracefully")
}
