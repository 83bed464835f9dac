package main

import (
	"context"
	"log"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-monolith/mono"

	"github.com/example/support-relay/config"
	"github.com/example/support-relay/modules/api"
	"github.com/example/support-relay/modules/audit"
	"github.com/example/support-relay/modules/broadcast"
	"github.com/example/support-relay/modules/history"
	"github.com/example/support-relay/modules/presence"
	"github.com/example/support-relay/modules/relay"
	"github.com/example/support-relay/modules/session"
	"github.com/example/support-relay/modules/store"
)

const version = "2.0.0"

func main() {
	log.Println("=== Support Relay ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel := mono.LogLevelInfo
	if cfg.LogLevel == "error" {
		logLevel = mono.LogLevelError
	}

	// Create mono application
	app, err := mono.NewMonoApplication(
		mono.WithShutdownTimeout(cfg.ShutdownTimeout),
		mono.WithLogLevel(logLevel),
		mono.WithLogFormat(mono.LogFormatText),
	)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}
	logger := app.Logger()

	// Create modules
	storeModule := store.NewModule(cfg, logger.WithModule("store"))
	presenceModule := presence.NewModule(logger.WithModule("presence"))
	broadcastModule := broadcast.NewModule(logger.WithModule("broadcast"))
	hub := broadcastModule.GetHub()
	registry := presenceModule.Registry()

	// Presence changes are pushed to every client through the hub
	registry.SetNotifier(hub)

	relayModule := relay.NewModule(relay.ConfigFrom(cfg), storeModule, registry, hub, logger.WithModule("relay"))
	sessionModule := session.NewModule(
		session.ConfigFrom(cfg),
		registry,
		relayModule.Manager(),
		storeModule,
		hub,
		logger.WithModule("session"),
	)
	historyModule := history.NewModule(history.CacheConfig{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		TTL:           cfg.HistoryCacheTTL,
	}, storeModule, logger.WithModule("history"))
	// Writers drop cached history pages before acknowledging or announcing
	relayModule.Manager().SetInvalidator(historyModule)
	sessionModule.Manager().SetInvalidator(historyModule)

	auditModule := audit.NewModule(cfg.AuditCapacity, logger.WithModule("audit"))

	apiModule := api.NewModule(api.Config{
		Addr:           cfg.Addr(),
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Version:        version,
		PingInterval:   cfg.WSPingInterval,
		ReadTimeout:    cfg.WSReadTimeout,
		RateLimit: api.RateLimitConfig{
			Max:           cfg.APIRateLimit,
			Window:        cfg.APIRateWindow,
			RedisAddr:     cfg.RedisAddr,
			RedisPassword: cfg.RedisPassword,
			RedisDB:       cfg.RedisDB,
		},
	}, api.Deps{
		Sessions: sessionModule.Manager(),
		Hub:      hub,
		Queues:   relayModule.Manager(),
		Presence: registry,
		Store:    storeModule,
		Audit:    auditModule,
		Health: map[string]mono.HealthCheckableModule{
			storeModule.Name():     storeModule,
			presenceModule.Name():  presenceModule,
			broadcastModule.Name(): broadcastModule,
			relayModule.Name():     relayModule,
			sessionModule.Name():   sessionModule,
			historyModule.Name():   historyModule,
		},
	}, logger.WithModule("api"))

	// Register modules with the framework.
	// Order: leaves first, so stopping in reverse closes the HTTP server
	// before clients, queues drain before the store closes.
	// - store: durable message storage
	// - presence: registry of who is online
	// - broadcast: WebSocket hub (event consumer)
	// - relay: per-connection persist-then-deliver queues (event emitter)
	// - session: connection lifecycle (event emitter)
	// - history: history reads with Redis cache (service provider)
	// - audit: lifecycle trail (event consumer)
	// - api: Fiber HTTP/WebSocket server, depends on history
	app.Register(storeModule)
	app.Register(presenceModule)
	app.Register(broadcastModule)
	app.Register(relayModule)
	app.Register(sessionModule)
	app.Register(historyModule)
	app.Register(auditModule)
	app.Register(apiModule)

	// Start application
	if err := app.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	printStartupInfo(cfg)

	// Graceful shutdown
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
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

func printStartupInfo(cfg config.Config) {
	log.Println("")
	log.Println("Application started successfully!")
	log.Println("")
	log.Printf("  Store:         %s (pool %d)", cfg.DatabaseDriver, cfg.DatabasePoolSize)
	if cfg.CacheEnabled() {
		log.Printf("  History cache: redis %s (ttl %s)", cfg.RedisAddr, cfg.HistoryCacheTTL)
	} else {
		log.Println("  History cache: disabled")
	}
	log.Printf("  Delivery:      %d retries, backoff %s..%s", cfg.QueueMaxRetries, cfg.QueueBaseRetryDelay, cfg.QueueMaxRetryDelay)
	log.Println("")
	log.Printf("WebSocket: ws://localhost:%s/ws", cfg.Port)
	log.Println("")
	log.Printf("REST API Endpoints (http://localhost:%s):", cfg.Port)
	log.Println("  GET    /api/v1/messages/:affiliationId  - Message history (page, limit)")
	log.Println("  DELETE /api/v1/messages/:messageId      - Delete a message")
	log.Println("  GET    /api/v1/queue-status             - Outbound queue introspection")
	log.Println("  GET    /api/v1/health                   - Module health")
	log.Println("  GET    /api/v1/store/ping               - Database connectivity")
	log.Println("  GET    /api/v1/server-info              - Version and features")
	log.Println("  GET    /api/v1/audit                    - Recent lifecycle events")
	log.Println("  GET    /api/v1/history/cache-stats      - History cache counters")
	log.Println("  GET    /metrics                         - Prometheus metrics")
	log.Println("")
	log.Println("Press Ctrl+C to shutdown gracefully")
}
