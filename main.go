package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"secondlayer/internal/api"
	"secondlayer/internal/clarity"
	"secondlayer/internal/config"
	"secondlayer/internal/dispatcher"
	"secondlayer/internal/eventbus"
	"secondlayer/internal/indexer"
	"secondlayer/internal/queue"
	"secondlayer/internal/repository"
	"secondlayer/internal/streams"
	"secondlayer/internal/usage"
	"secondlayer/internal/views"
	"secondlayer/internal/worker"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	log.Println("Initializing Second-Layer...")
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	log.Printf("Networks: %s", strings.Join(cfg.Networks, ", "))
	log.Printf("API Port: %d", cfg.APIPort)
	if cfg.DevMode {
		log.Println("DEV_MODE is ON: auth and plan limits are bypassed")
	}

	// 2. Dependencies
	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer repo.Close()

	// 2a. Auto-Migration (skip with SKIP_MIGRATION=true for API-only containers)
	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Println("Database Migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		log.Println("Running Database Migration...")
		if err := repo.Migrate("schema.sql"); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Database Migration Complete.")
	}

	bus := eventbus.New()
	defer bus.Close()

	q := queue.New(repo.Pool())
	streamStore := streams.NewStore(repo.Pool())

	viewStore := views.NewStore(repo.Pool())
	viewCache := views.NewCache(viewStore)
	registry := views.NewRegistry(repo.Pool(), viewStore, viewCache, repo)
	engine := views.NewEngine(repo.Pool(), viewCache)

	if err := viewCache.Refresh(context.Background()); err != nil {
		log.Fatalf("Failed to load view registry: %v", err)
	}

	// Webhook backend: direct signed POSTs by default, Svix when configured.
	var backend dispatcher.Backend
	switch cfg.WebhookProvider {
	case "svix":
		appID := os.Getenv("SVIX_APP_ID")
		if appID == "" {
			appID = "secondlayer"
		}
		svixBackend, err := dispatcher.NewSvixBackend(cfg.SvixToken, cfg.SvixServerURL, appID)
		if err != nil {
			log.Fatalf("Failed to create Svix backend: %v", err)
		}
		if err := svixBackend.EnsureApplication(context.Background(), "Second-Layer"); err != nil {
			log.Fatalf("Failed to ensure Svix application: %v", err)
		}
		backend = svixBackend
		log.Println("Webhook provider: svix")
	default:
		backend = dispatcher.New()
		log.Println("Webhook provider: direct")
	}

	// Clarity decoding is delegated to the upstream indexer when available.
	var decoder clarity.Decoder = clarity.Passthrough{}
	if cfg.IndexerURL != "" {
		decoder = clarity.NewHTTPDecoder(cfg.IndexerURL)
		log.Printf("Clarity decoder: %s", cfg.IndexerURL)
	}

	limiter := dispatcher.NewStreamLimiter()
	enforcer := usage.NewEnforcer(repo, cfg.DevMode)

	// 3. Run
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	// Postgres LISTEN: job wakeups for the workers, change notifications for
	// the view cache. Lost notifications are fine; both sides also poll.
	listener := queue.NewListener(repo.Pool(), func(channel, payload string) {
		switch channel {
		case queue.ChannelNewJob:
			bus.Publish(eventbus.Event{Type: eventbus.TypeJobNew})
		case queue.ChannelViewChanges:
			if err := viewCache.Refresh(ctx); err != nil {
				log.Printf("[views] cache refresh after change failed: %v", err)
			}
			bus.Publish(eventbus.Event{Type: eventbus.TypeViewChanged, Data: payload})
		}
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		listener.Run(ctx)
	}()

	// Delivery workers
	hostname, _ := os.Hostname()
	pid := os.Getpid()
	workerOpts := worker.Options{
		MaxJobAttempts: cfg.MaxJobAttempts,
		IdleWait:       cfg.WorkerIdleWait,
	}
	for i := 0; i < cfg.WorkerCount; i++ {
		w := worker.New(
			fmt.Sprintf("%s-%d-worker-%d", hostname, pid, i),
			q, repo, streamStore, backend, limiter, decoder, bus, workerOpts,
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	// Stale job recovery: re-queues jobs whose worker died mid-claim.
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.RunRecovery(ctx, q, cfg.RecoverInterval, cfg.StaleThreshold)
	}()

	// Block trackers, one per network: advance the watermark, fan out jobs,
	// apply view handlers to newly contiguous blocks.
	for _, network := range cfg.Networks {
		tracker := indexer.NewTracker(repo, q, streamStore, registry, viewCache, network, 0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Run(ctx)
		}()
	}

	// API server
	apiServer := api.NewServer(api.Config{
		Port:       strconv.Itoa(cfg.APIPort),
		JWTSecret:  cfg.JWTSecret,
		DevMode:    cfg.DevMode,
		Network:    cfg.Networks[0],
		IndexerURL: cfg.IndexerURL,
	}, repo, q, streamStore, registry, viewCache, engine, enforcer, backend, bus)
	api.BuildCommit = BuildCommit

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Run(ctx); err != nil {
			log.Fatalf("API Server failed: %v", err)
		}
	}()

	// Block until shutdown signal.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutting down...")
	cancel()
	wg.Wait()
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		// Avoid leaking secrets embedded in query params; keep only scheme/host/path.
		u.RawQuery = ""
		return u.String()
	}

	// Best-effort fallback for malformed/DSN-like URLs.
	re := regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/?#]+):([^@]+)@`)
	if re.MatchString(raw) {
		return re.ReplaceAllString(raw, `$1:****@`)
	}
	re = regexp.MustCompile(`(?i)(password=)([^\\s]+)`)
	return re.ReplaceAllString(raw, `$1****`)
}
