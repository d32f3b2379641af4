package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/ngoyal88/flowlog/pkg/api"
	"github.com/ngoyal88/flowlog/pkg/cache"
	"github.com/ngoyal88/flowlog/pkg/config"
	"github.com/ngoyal88/flowlog/pkg/host"
	"github.com/ngoyal88/flowlog/pkg/keymanager"
	"github.com/ngoyal88/flowlog/pkg/middleware"
	"github.com/ngoyal88/flowlog/pkg/node"
	"github.com/ngoyal88/flowlog/pkg/proxy"
	"github.com/ngoyal88/flowlog/pkg/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 0. Pick up ADMIN_KEY and friends written by flowlog-admin init
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("[CONFIG] failed to read .env: %v", err)
	}

	// 1. Load Config with hot reload
	cfgStore, err := config.LoadAndWatch()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := cfgStore.Get()
	if cfg == nil {
		log.Fatal("Config could not be read")
	}

	// 2. Initialize Redis (if enabled)
	var rdb *cache.Client
	if cfg.Redis.Enabled {
		rdb, err = cache.NewRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Could not connect to Redis: %v", err)
		}
		fmt.Println("✅ Connected to Redis successfully!")
	}

	// 3. Downstream stream and access keys need Redis
	var sink *storage.RedisSink
	var km *keymanager.Manager
	if rdb != nil {
		retentionDays := cfg.Sink.RetentionDays
		if retentionDays == 0 {
			retentionDays = 7
		}
		sink = storage.NewRedisSink(rdb, cfg.Sink.Stream, cfg.Sink.MaxLen, time.Duration(retentionDays)*24*time.Hour)
		km = keymanager.New(rdb)
		fmt.Println("✅ Downstream stream enabled")
	}

	// 4. Interception hub, event bus and logger nodes
	bus := host.NewBus()
	hub := middleware.NewHub(host.NewLogger("FLOWLOG"))
	deps := node.Deps{Hub: hub, Bus: bus, DataDir: cfg.DataDir}
	if sink != nil {
		deps.Sink = sink
	}
	nodes := node.NewManager(deps)
	if err := nodes.Deploy(cfg.Nodes); err != nil {
		log.Printf("[FLOWLOG] some nodes failed to start: %v", err)
	}
	fmt.Printf("✅ %d logger node(s) deployed\n", len(nodes.List()))

	cfgStore.OnChange(func(c *config.Config) {
		if err := nodes.Deploy(c.Nodes); err != nil {
			log.Printf("[FLOWLOG] redeploy failed: %v", err)
		}
		log.Printf("[FLOWLOG] redeployed %d node(s)", len(c.Nodes))
	})

	// 5. Upstream flow runtime
	var upstream http.Handler = http.NotFoundHandler()
	var gw *proxy.Gateway
	if cfg.Proxy.Target != "" {
		gw, err = proxy.New(cfg.Proxy.Target)
		if err != nil {
			log.Fatal("Failed to create proxy:", err)
		}
		upstream = gw
		fmt.Printf("✅ Proxy started targeting: %s\n", cfg.Proxy.Target)
	}

	// 6. Router
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if gw != nil && gw.State() == "open" {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("upstream unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if cfg.Auth.Enabled && cfg.Auth.AdminKey == "" && rdb == nil {
		log.Println("⚠️  Auth enabled without ADMIN_KEY or Redis: admin endpoints will reject every call")
	}
	auth := middleware.NewAuthorizer(rdb, cfg.Auth.AdminKey, cfg.Auth.Enabled)

	var limiter func(http.Handler) http.Handler
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(rdb, "download", cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		fmt.Printf("✅ Public download rate limit: %.1f req/s (burst: %d)\n", cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	adminAPI := api.NewAdminAPI(api.Options{
		Nodes:         nodes,
		KeyManager:    km,
		Sink:          sink,
		Auth:          auth,
		PublicLimiter: limiter,
	})
	adminAPI.RegisterRoutes(r, cfg.Server.AdminPrefix, cfg.Server.PublicPrefix)
	r.Handle("/*", upstream)

	// 7. Server, with the hub installed beneath the router
	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	hub.InstallServer(srv)

	fmt.Println("\n🚀 flowlog Features Active:")
	fmt.Println("   - Metrics:         http://localhost" + cfg.Server.Port + "/metrics")
	fmt.Println("   - Health Check:    http://localhost" + cfg.Server.Port + "/health")
	fmt.Println("   - Admin API:       http://localhost" + cfg.Server.Port + cfg.Server.AdminPrefix + "/flowlog/{id}/...")
	fmt.Println("\n📊 Configuration can be hot-reloaded by editing configs/config.yaml")
	fmt.Printf("\n🎯 Server listening on %s\n", cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server failed: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutting down...")
	}

	bus.Emit(host.Event{Name: host.EventProcessExit, Payload: "shutdown"})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if err := nodes.CloseAll(false); err != nil {
		log.Printf("Closing nodes: %v", err)
	}
	if rdb != nil {
		rdb.Close()
	}
}
