package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/metaaggregator/escrowgate/internal/config"
	"github.com/metaaggregator/escrowgate/internal/handler"
	"github.com/metaaggregator/escrowgate/internal/middleware"
	"github.com/metaaggregator/escrowgate/internal/pkg/logger"
	"github.com/metaaggregator/escrowgate/internal/repository"
	"github.com/metaaggregator/escrowgate/internal/service"
	"github.com/metaaggregator/escrowgate/internal/signer"
	"github.com/metaaggregator/escrowgate/internal/typeddata"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// 2. Signing key and domain
	resolver := signer.NewKeyResolver(
		signer.WithAWSRegion(cfg.Signer.AWSRegion),
		signer.WithKMSKeyID(cfg.Signer.KMSKeyID),
	)
	key, err := resolver.Resolve(rootCtx, cfg.Signer.KeySource)
	if err != nil {
		log.Fatalf("Failed to load signing key: %v", err)
	}
	sgn, err := signer.New(key)
	if err != nil {
		log.Fatalf("Failed to initialize signer: %v", err)
	}
	domain, err := typeddata.NewDomain(cfg.Domain.Name, cfg.Domain.Version, cfg.ChainID(), cfg.Domain.VerifyingContract)
	if err != nil {
		log.Fatalf("Invalid domain: %v", err)
	}

	// 3. Initialize Persistence
	// Idempotency (Redis > Postgres > Memory), Audit (Postgres > Redis > file only)
	var idemStore middleware.IdempotencyStore
	var auditRepo service.AuditRepo
	var cleaners []service.Cleaner

	if cfg.Redis.Addr != "" {
		redisClient, err := repository.NewRedisClient(cfg)
		if err == nil {
			logger.Info("✅ Connected to Redis")
			defer redisClient.Close()
			idemStore = repository.NewRedisIdempotencyStore(redisClient.Client, time.Duration(cfg.Redis.IdempotencyTTLSeconds)*time.Second)
			auditRepo = repository.NewRedisAuditRepo(redisClient.Client, cfg.Redis.AuditListKey, cfg.Redis.AuditListMax)
		} else {
			logger.Error("⚠️ Failed to connect to Redis, falling back", "error", err)
		}
	}

	if cfg.Database.DSN != "" {
		db, err := repository.NewDB(cfg)
		if err == nil {
			logger.Info("✅ Connected to PostgreSQL")
			if repo, err := repository.NewPostgresAuditRepo(db); err == nil {
				auditRepo = repo
				cleaners = append(cleaners, repo)
			} else {
				logger.Error("⚠️ Audit table migration failed", "error", err)
			}
			if idemStore == nil {
				if store, err := repository.NewPostgresIdempotencyStore(db); err == nil {
					idemStore = store
					cleaners = append(cleaners, store)
				} else {
					logger.Error("⚠️ Idempotency table migration failed", "error", err)
				}
			}
		} else {
			logger.Error("⚠️ Failed to connect to DB, audit logs will not be persisted there", "error", err)
		}
	}
	if idemStore == nil {
		idemStore = middleware.NewInMemIdempotencyStore(time.Duration(cfg.Redis.IdempotencyTTLSeconds) * time.Second)
	}

	auditSvc, err := service.NewAuditService(cfg.Audit.Dir, auditRepo)
	if err != nil {
		log.Fatalf("Failed to initialize audit service: %v", err)
	}
	go service.RunRetention(rootCtx,
		time.Duration(cfg.Database.CleanupIntervalMinutes)*time.Minute,
		time.Duration(cfg.Database.AuditRetentionDays)*24*time.Hour,
		cleaners...)

	// 4. Chain access (ERC-1271 and event stream)
	relayOpts := []service.RelayOption{
		service.WithKeyReloader(sgn.BindSource(resolver, cfg.Signer.KeySource)),
	}
	var events *service.EventStream
	if cfg.Chain.RPCURL != "" {
		client, err := ethclient.DialContext(rootCtx, cfg.Chain.RPCURL)
		if err != nil {
			log.Fatalf("Failed to dial chain RPC: %v", err)
		}
		defer client.Close()

		if cfg.Chain.EIP1271Enabled {
			relayOpts = append(relayOpts, service.WithContractVerifier(service.NewEIP1271Verifier(client,
				time.Duration(cfg.Chain.EIP1271CacheSeconds)*time.Second,
				time.Duration(cfg.Chain.EIP1271TimeoutMs)*time.Millisecond,
				cfg.Chain.EIP1271Retries)))
		}
		if cfg.Events.Enabled {
			events = service.NewEventStream(client, domain.VerifyingContract,
				time.Duration(cfg.Events.PollIntervalMs)*time.Millisecond, cfg.Events.MaxBlockRange)
		}
	}

	// 5. Core Services
	relaySvc, err := service.NewRelayService(sgn, typeddata.DefaultRegistry(), domain, relayOpts...)
	if err != nil {
		log.Fatalf("Failed to initialize relay service: %v", err)
	}

	// 6. Setup Router
	r := handler.NewRouter(cfg, handler.RouterDeps{
		Relay:       relaySvc,
		Clients:     service.NewClientRegistry(cfg),
		Audit:       auditSvc,
		Idempotency: idemStore,
		Events:      events,
		Context:     rootCtx,
	})

	// 7. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("🚀 EscrowGate started",
			"port", cfg.Server.Port,
			"signer", sgn.Address().Hex(),
			"chain_id", cfg.Domain.ChainID,
			"escrow", domain.VerifyingContract.Hex())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stop()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}
	auditSvc.Close()

	logger.Info("Server exiting")
}
