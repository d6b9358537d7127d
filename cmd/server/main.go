package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cbodonnell/governor/pkg/api"
	authproviders "github.com/cbodonnell/governor/pkg/auth/providers"
	"github.com/cbodonnell/governor/pkg/config"
	"github.com/cbodonnell/governor/pkg/engine"
	"github.com/cbodonnell/governor/pkg/log"
	"github.com/cbodonnell/governor/pkg/network"
	"github.com/cbodonnell/governor/pkg/queue"
	"github.com/cbodonnell/governor/pkg/registry"
	"github.com/cbodonnell/governor/pkg/repositories"
	"github.com/cbodonnell/governor/pkg/rules/tally"
	"github.com/cbodonnell/governor/pkg/store"
	"github.com/cbodonnell/governor/pkg/version"
	"github.com/cbodonnell/governor/pkg/workers"
	"github.com/google/uuid"
)

func main() {
	tcpPort := flag.Int("tcp-port", 8888, "TCP port to listen on")
	wsPort := flag.Int("ws-port", 8889, "WebSocket port to listen on")
	apiPort := flag.Int("api-port", 9090, "API port to listen on")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	parsedLogLevel, err := log.ParseLogLevel(*logLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse log level: %v", err))
	}

	logger := log.New(os.Stdout, "", log.DefaultLoggerFlag, parsedLogLevel)
	log.SetDefaultLogger(logger)
	log.Info("Log level set to %s", parsedLogLevel)

	log.Info("Starting session server version %s", version.Get())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}

	authProvider, err := newAuthProvider(ctx, cfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to create auth provider: %v", err))
	}

	kv, err := newKV(ctx, cfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to create kv store: %v", err))
	}
	defer kv.Close()

	repository, err := newRepository(ctx, cfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to create repository: %v", err))
	}
	defer repository.Close(ctx)

	clientManager := network.NewClientManager()
	clientMessageQueue := queue.NewInMemoryQueue(10000)
	connectionEventQueue := queue.NewInMemoryQueue(1000)

	networkManagerOpts := network.NewNetworkManagerOptions{
		AuthProvider:  authProvider,
		ClientManager: clientManager,
		MessageQueue:  clientMessageQueue,
		TCPPort:       *tcpPort,
		WSPort:        *wsPort,
	}
	wsTLSCertFile := os.Getenv("GOVERNOR_WS_TLS_CERT_FILE")
	wsTLSKeyFile := os.Getenv("GOVERNOR_WS_TLS_KEY_FILE")
	if wsTLSCertFile != "" && wsTLSKeyFile != "" {
		networkManagerOpts.WSServerTLS = &network.TLSConfig{
			CertFile: wsTLSCertFile,
			KeyFile:  wsTLSKeyFile,
		}
	}
	networkManager := network.NewNetworkManager(networkManagerOpts)
	networkManager.Start(ctx)

	connectionEventWorker := workers.NewConnectionEventWorker(workers.NewConnectionEventWorkerOptions{
		ClientManager:        clientManager,
		ConnectionEventQueue: connectionEventQueue,
	})
	go connectionEventWorker.Start(ctx)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	owner := fmt.Sprintf("%s-%s", hostname, uuid.New().String())
	advertiseAddr := cfg.AdvertiseAddr
	if advertiseAddr == "" {
		advertiseAddr = fmt.Sprintf("%s:%d", hostname, *tcpPort)
	}

	// The engine is wired after the registry, but lease-lost callbacks
	// only fire once renewal starts.
	var sessionEngine *engine.Engine
	sessionRegistry := registry.NewRegistry(registry.NewRegistryOptions{
		KV:              kv,
		Owner:           owner,
		Addr:            advertiseAddr,
		TTL:             cfg.LeaseTTL,
		RenewalInterval: cfg.RenewalInterval,
		OnLeaseLost: func(sessionID string) {
			sessionEngine.HandleLeaseLost(sessionID)
		},
	})

	outboundChan := make(chan workers.Outbound, workers.OutboundChannelSize)
	durabilityChan := make(chan workers.DurabilityRequest, workers.DurabilityChannelSize)

	sessionEngine = engine.NewEngine(engine.NewEngineOptions{
		ClientMessageQueue:   clientMessageQueue,
		ConnectionEventQueue: connectionEventQueue,
		KV:                   kv,
		Registry:             sessionRegistry,
		Repository:           repository,
		Rules:                tally.NewEngine(tally.NewEngineOptions{}),
		OutboundChan:         outboundChan,
		DurabilityChan:       durabilityChan,
		MinParticipants:      cfg.MinParticipants,
		DisconnectGrace:      cfg.DisconnectGrace,
		Retention:            cfg.SessionRetention,
	})

	outboundWorker := workers.NewOutboundWorker(workers.NewOutboundWorkerOptions{
		NetworkManager: networkManager,
		ClientManager:  clientManager,
		OutboundChan:   outboundChan,
	})
	go outboundWorker.Start(ctx)

	durabilityWriter := workers.NewDurabilityWriter(workers.NewDurabilityWriterOptions{
		KV:               kv,
		Repository:       repository,
		RequestChan:      durabilityChan,
		SnapshotSource:   sessionEngine,
		SnapshotInterval: cfg.SnapshotInterval,
		OnDurable:        sessionEngine.SetDurable,
	})
	go durabilityWriter.Start(ctx)

	go sessionRegistry.StartRenewal(ctx)

	apiServerOpts := api.NewAPIServerOptions{
		Port:         *apiPort,
		AuthProvider: authProvider,
		Sessions:     sessionEngine,
	}
	apiTLSCertFile := os.Getenv("GOVERNOR_API_TLS_CERT_FILE")
	apiTLSKeyFile := os.Getenv("GOVERNOR_API_TLS_KEY_FILE")
	if apiTLSCertFile != "" && apiTLSKeyFile != "" {
		apiServerOpts.TLS = &api.TLSConfig{
			CertFile: apiTLSCertFile,
			KeyFile:  apiTLSKeyFile,
		}
	}
	apiServer := api.NewAPIServer(apiServerOpts)
	go apiServer.Start()

	log.Info("Starting session engine as %s advertising %s", owner, advertiseAddr)
	go func() {
		if err := sessionEngine.Start(ctx); err != nil {
			log.Error("Session engine stopped: %v", err)
		}
	}()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGTERM)
	<-stopSignal
	log.Info("Received stop signal, shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop API server: %v", err)
	}
	// Releasing leases before the transports close lets another process
	// take the sessions over immediately.
	sessionEngine.Close(shutdownCtx)
	cancel()
}

func newAuthProvider(ctx context.Context, cfg *config.Config) (authproviders.AuthProvider, error) {
	switch cfg.AuthProvider {
	case "", "noop":
		return authproviders.NewNoopAuthProvider(), nil
	case "static":
		return authproviders.NewStaticTokenAuthProvider(cfg.StaticTokens), nil
	case "firebase":
		if cfg.FirebaseProjectID == "" {
			return nil, fmt.Errorf("GOVERNOR_FIREBASE_PROJECT_ID must be set for the firebase provider")
		}
		return authproviders.NewFirebaseAuthProvider(ctx, cfg.FirebaseProjectID, cfg.FirebaseAPIKey)
	default:
		return nil, fmt.Errorf("unknown auth provider %q", cfg.AuthProvider)
	}
}

func newKV(ctx context.Context, cfg *config.Config) (store.KV, error) {
	if cfg.RedisURL == "" {
		log.Warn("No redis url configured, using the in-memory store; session takeover across processes is disabled")
		return store.NewMemoryKV(), nil
	}
	return store.NewRedisKV(ctx, cfg.RedisURL)
}

func newRepository(ctx context.Context, cfg *config.Config) (repositories.Repository, error) {
	u, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %v", err)
	}

	switch u.Scheme {
	case "sqlite":
		return repositories.NewSQLiteRepository(ctx, u.Host, "./migrations/sqlite")
	case "postgres", "postgresql":
		return repositories.NewPostgresRepository(ctx, u.String())
	case "memory":
		log.Warn("Using the in-memory repository; session history will not survive a restart")
		return repositories.NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unknown database scheme %q", u.Scheme)
	}
}
