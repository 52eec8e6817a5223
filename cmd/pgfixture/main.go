package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/pgfixture/pgfixture/internal/api"
	"github.com/pgfixture/pgfixture/internal/auth"
	"github.com/pgfixture/pgfixture/internal/config"
	"github.com/pgfixture/pgfixture/internal/dispatch"
	"github.com/pgfixture/pgfixture/internal/health"
	"github.com/pgfixture/pgfixture/internal/metrics"
	"github.com/pgfixture/pgfixture/internal/reactor"
	"github.com/pgfixture/pgfixture/internal/respbuilder"
)

func main() {
	configPath := flag.String("config", "configs/pgfixture.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("pgfixture starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s (auth method %q)", *configPath, cfg.Auth.Method)

	m := metrics.New()

	authenticator := buildAuthenticator(cfg.Auth)
	dispatcher := dispatch.New(auth.NewHandlers(authenticator))

	registry := reactor.NewRegistry(cfg.Limits.NumShards)

	paramNames := make([]string, 0, len(cfg.Params))
	for k := range cfg.Params {
		paramNames = append(paramNames, k)
	}
	sort.Strings(paramNames)
	serverParams := make([]respbuilder.ParameterStatusPair, 0, len(paramNames))
	for _, k := range paramNames {
		serverParams = append(serverParams, respbuilder.ParameterStatusPair{Name: k, Value: cfg.Params[k]})
	}

	r := reactor.New(reactor.Config{
		Host:               cfg.Listen.Host,
		Port:               cfg.Listen.Port,
		NumShards:          cfg.Limits.NumShards,
		MaxConnections:     cfg.Limits.MaxConnections,
		MaxFrameBytes:      cfg.Limits.MaxFrameBytes,
		StartupTimeout:     cfg.Limits.StartupTimeout,
		IdleTimeout:        cfg.Limits.IdleTimeout,
		WriteHighWaterMark: cfg.Limits.WriteHighWaterMark,
		ServerParams:       serverParams,
	}, registry, dispatcher, m)

	if err := r.Serve(); err != nil {
		log.Fatalf("Failed to start reactor: %v", err)
	}

	hc := health.NewChecker(r, 2*time.Second, 10*time.Second)
	hc.Start()

	apiServer := api.NewServer(registry, r, hc, m, cfg.Listen, cfg.Auth)
	if err := apiServer.Start(cfg.Listen.APIPort); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("Configuration changed on disk; restart to apply (hot-swap of auth/listener state is not supported)")
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("pgfixture ready - pg:%d api:%d", cfg.Listen.Port, cfg.Listen.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	hc.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Shutdown(shutdownCtx); err != nil {
		log.Printf("reactor shutdown: %v", err)
	}

	log.Printf("pgfixture stopped")
}

func buildAuthenticator(a config.Auth) auth.Authenticator {
	store := auth.NewMemoryStore()
	for _, u := range a.Users {
		if err := store.SetPassword(u.Name, u.Password); err != nil {
			log.Fatalf("configuring credential for %q: %v", u.Name, err)
		}
	}

	switch a.Method {
	case "cleartext":
		return auth.CleartextAuthenticator{Store: store}
	case "md5":
		return &auth.MD5Authenticator{Store: store}
	case "scram-sha-256":
		return auth.SCRAMAuthenticator{Store: store}
	default:
		return auth.TrustAuthenticator{}
	}
}
