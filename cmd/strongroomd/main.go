package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/strongroom-io/strongroom/api"
	"github.com/strongroom-io/strongroom/internal/breaker"
	"github.com/strongroom-io/strongroom/internal/config"
	"github.com/strongroom-io/strongroom/internal/coordination"
	"github.com/strongroom-io/strongroom/internal/database"
	"github.com/strongroom-io/strongroom/internal/dedup"
	"github.com/strongroom-io/strongroom/internal/feed"
	"github.com/strongroom-io/strongroom/internal/identity"
	"github.com/strongroom-io/strongroom/internal/messaging"
	"github.com/strongroom-io/strongroom/internal/observability"
	"github.com/strongroom-io/strongroom/internal/partition"
	"github.com/strongroom-io/strongroom/internal/redis"
	"github.com/strongroom-io/strongroom/internal/risk"
	"github.com/strongroom-io/strongroom/internal/store"
	"github.com/strongroom-io/strongroom/internal/vault"
	"github.com/strongroom-io/strongroom/pkg/logger"
	"github.com/strongroom-io/strongroom/pkg/metrics"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Create logger
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.New(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Load configuration
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// Tracing
	var otelShutdown func(context.Context) error
	if cfg.Observability.TracingEnabled {
		otelShutdown, err = observability.Setup(runCtx, cfg.Observability.ServiceName)
		if err != nil {
			zapLogger.Fatal("Failed to set up tracing", zap.Error(err))
		}
	}

	// Connect to the database and migrate the schema
	db, err := database.Open(cfg.Database, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	archive, err := store.New(db)
	if err != nil {
		zapLogger.Fatal("Failed to migrate schema", zap.Error(err))
	}

	// Schedule DB pool metrics collection every 30s
	tickerDB := time.NewTicker(30 * time.Second)
	go func() {
		for range tickerDB.C {
			if sqlDB, err := db.DB(); err == nil {
				stats := sqlDB.Stats()
				metrics.DBOpenConns.WithLabelValues(cfg.Database.Driver).Set(float64(stats.OpenConnections))
				metrics.DBIdleConns.WithLabelValues(cfg.Database.Driver).Set(float64(stats.Idle))
				metrics.DBInUseConns.WithLabelValues(cfg.Database.Driver).Set(float64(stats.InUse))
			}
		}
	}()

	// Processed-message set
	var seen dedup.Set
	var closeDedup func() error
	switch cfg.Dedup.Backend {
	case "memory":
		seen = dedup.NewMemorySet()
	case "badger":
		set, err := dedup.NewBadgerSet(cfg.Dedup.Path)
		if err != nil {
			zapLogger.Fatal("Failed to open dedup store", zap.Error(err))
		}
		seen = set
		closeDedup = set.Close
	case "redis":
		client, err := redis.Open(runCtx, cfg.Redis)
		if err != nil {
			zapLogger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		set := dedup.NewRedisSet(client, "")
		seen = set
		closeDedup = set.Close
	default:
		zapLogger.Fatal("Unknown dedup backend", zap.String("backend", cfg.Dedup.Backend))
	}

	// Event producers: Kafka for downstream consumers, the websocket
	// hub for connected operators.
	var sinks []messaging.Producer
	if cfg.Kafka.Enabled {
		sinks = append(sinks, messaging.NewKafkaProducer(&messaging.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			WriteTimeout: cfg.Kafka.WriteTimeout,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			RequiredAcks: cfg.Kafka.RequiredAcks,
			MaxRetries:   cfg.Kafka.MaxRetries,
		}, zapLogger))
	}
	var hub *feed.Hub
	if cfg.Feed.Enabled {
		hub = feed.NewHub(cfg.Feed, logger.Named(zapLogger, "feed"))
		sinks = append(sinks, hub)
	}
	producer := messaging.NewTee(zapLogger, sinks...)

	// Core identities
	adminID := common.HexToHash(cfg.Auth.Admin)
	gatewayID := common.HexToHash(cfg.Auth.Gateway)
	transportID := common.HexToHash(cfg.Auth.Transport)
	scorers := make([]common.Hash, 0, len(cfg.Auth.Scorers))
	for _, s := range cfg.Auth.Scorers {
		scorers = append(scorers, common.HexToHash(s))
	}

	minDeposit, err := decimal.NewFromString(cfg.Vault.MinDeposit)
	if err != nil {
		zapLogger.Fatal("Invalid vault min deposit", zap.Error(err))
	}
	minFee, err := decimal.NewFromString(cfg.Partition.MinFee)
	if err != nil {
		zapLogger.Fatal("Invalid partition min fee", zap.Error(err))
	}

	// Deposit attestation
	var verifier vault.IdentityVerifier
	switch cfg.Identity.Mode {
	case "http":
		verifier = identity.NewHTTPVerifier(identity.Config{
			Endpoint:       cfg.Identity.Endpoint,
			RequestTimeout: cfg.Identity.RequestTimeout,
		}, logger.Named(zapLogger, "identity"))
	case "static":
		allowed := make([]common.Hash, 0, len(cfg.Identity.Allowlist))
		for _, s := range cfg.Identity.Allowlist {
			allowed = append(allowed, common.HexToHash(s))
		}
		verifier = identity.NewStaticVerifier(allowed...)
	}

	// Create core services
	vaultSvc := vault.NewService(vault.ServiceConfig{
		Admin:              adminID,
		Gateway:            gatewayID,
		PartitionID:        cfg.Vault.PartitionID,
		MinDeposit:         minDeposit,
		HoldingPeriod:      cfg.Vault.HoldingPeriod,
		BreakerMaxDuration: cfg.Vault.BreakerMaxDuration,
		RootCommitment:     common.HexToHash(cfg.Identity.RootCommitment),
		UniquenessTag:      common.HexToHash(cfg.Identity.UniquenessTag),
	}, seen, verifier, archive, producer, logger.Named(zapLogger, "vault"))

	riskEng := risk.New(risk.Config{
		Admin:          adminID,
		Scorers:        scorers,
		AlertThreshold: cfg.Risk.AlertThreshold,
		TripThreshold:  cfg.Risk.TripThreshold,
		BreakerTTL:     cfg.Risk.BreakerTTL,
		RatePolicy: breaker.Policy{
			Window:         cfg.Risk.RateWindow,
			MaxActivations: cfg.Risk.RateMaxActivations,
		},
	}, archive, producer, logger.Named(zapLogger, "risk"))

	// Outbound transfer carrier
	var transport partition.Transport = partition.DisabledTransport{}
	var kafkaTransport *partition.KafkaTransport
	if cfg.Kafka.Enabled {
		kafkaTransport = partition.NewKafkaTransport(partition.TransportConfig{
			Brokers:       cfg.Kafka.Brokers,
			Topic:         cfg.Kafka.OutboundTopic,
			LocalID:       cfg.Vault.PartitionID,
			LocalIdentity: transportID,
			WriteTimeout:  cfg.Kafka.WriteTimeout,
		}, logger.Named(zapLogger, "transport"))
		transport = kafkaTransport
	}

	router := partition.NewRouter(partition.Config{
		Admin:          adminID,
		Transport:      transportID,
		LocalID:        cfg.Vault.PartitionID,
		WindowDuration: cfg.Partition.WindowDuration,
		FractionBps:    cfg.Partition.FractionBps,
		MinFee:         minFee,
	}, transport, riskEng, vaultSvc, archive, producer, logger.Named(zapLogger, "partition"))

	// Bring back persisted state before serving traffic
	if err := restoreState(runCtx, archive, vaultSvc, riskEng, router); err != nil {
		zapLogger.Fatal("Failed to restore persisted state", zap.Error(err))
	}
	router.RefreshManagedValue(vaultSvc.TotalAssets())

	// Leader election. Without etcd, every instance acts as leader.
	var gate api.LeaderGate = coordination.AlwaysLeader{}
	var leaderGate *coordination.LeaderGate
	if cfg.Coordination.Enabled {
		nodeID, _ := os.Hostname()
		if nodeID == "" {
			nodeID = uuid.NewString()
		}
		leaderGate, err = coordination.NewLeaderGate(cfg.Coordination, cfg.Vault.PartitionID, nodeID, logger.Named(zapLogger, "coordination"))
		if err != nil {
			zapLogger.Fatal("Failed to start leader election", zap.Error(err))
		}
		go leaderGate.Run(runCtx)
		gate = leaderGate
	}

	// Keep the transfer budget tracking the vault's value
	refreshInterval := cfg.Partition.ManagedValueRefresh
	if refreshInterval <= 0 {
		refreshInterval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if gate.IsLeader() {
					router.RefreshManagedValue(vaultSvc.TotalAssets())
				}
			}
		}
	}()

	// Broker-side inbound transfers
	var inbound *partition.InboundReader
	if cfg.Kafka.Enabled && cfg.Kafka.InboundEnabled {
		inbound = partition.NewInboundReader(partition.InboundConfig{
			Brokers:   cfg.Kafka.Brokers,
			Topic:     cfg.Kafka.InboundTopic,
			GroupID:   cfg.Kafka.GroupID,
			LocalID:   cfg.Vault.PartitionID,
			Transport: transportID,
		}, router, logger.Named(zapLogger, "inbound"))
		go func() {
			if err := inbound.Run(runCtx); err != nil && runCtx.Err() == nil {
				zapLogger.Error("Inbound consumer stopped", zap.Error(err))
			}
		}()
	}

	// Create API server
	apiServer := api.NewServer(api.Options{
		JWTSecret:   cfg.Auth.JWTSecret,
		ServiceName: cfg.Observability.ServiceName,
		Vault:       vaultSvc,
		Risk:        riskEng,
		Partitions:  router,
		Feed:        hub,
		Gate:        gate,
	}, zapLogger)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		zapLogger.Info("Starting API server",
			zap.String("addr", srv.Addr),
			zap.Uint32("partition", cfg.Vault.PartitionID))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to shut down HTTP server", zap.Error(err))
	}

	// Stop background loops
	stop()
	tickerDB.Stop()

	if inbound != nil {
		if err := inbound.Close(); err != nil {
			zapLogger.Error("Failed to close inbound consumer", zap.Error(err))
		}
	}
	if leaderGate != nil {
		if err := leaderGate.Resign(shutdownCtx); err != nil {
			zapLogger.Error("Failed to resign leadership", zap.Error(err))
		}
	}
	if err := producer.Close(); err != nil {
		zapLogger.Error("Failed to close event producers", zap.Error(err))
	}
	if kafkaTransport != nil {
		if err := kafkaTransport.Close(); err != nil {
			zapLogger.Error("Failed to close transfer transport", zap.Error(err))
		}
	}
	if closeDedup != nil {
		if err := closeDedup(); err != nil {
			zapLogger.Error("Failed to close dedup store", zap.Error(err))
		}
	}
	if otelShutdown != nil {
		if err := otelShutdown(shutdownCtx); err != nil {
			zapLogger.Error("Failed to shut down tracing", zap.Error(err))
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	zapLogger.Info("Server exited properly")
}

// restoreState reloads everything the archive persisted so the core
// resumes exactly where the last run stopped.
func restoreState(ctx context.Context, archive *store.Store, vaultSvc *vault.Service, riskEng *risk.Engine, router *partition.Router) error {
	snap, paused, found, err := archive.LoadLedgerState(ctx)
	if err != nil {
		return fmt.Errorf("load ledger state: %w", err)
	}
	if found {
		vaultSvc.RestoreLedgerState(snap, paused)
	}

	positions, err := archive.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	for participant, pos := range positions {
		vaultSvc.RestorePosition(participant, pos)
	}

	bindings, err := archive.LoadBindings(ctx)
	if err != nil {
		return fmt.Errorf("load producer bindings: %w", err)
	}
	for producer, tag := range bindings {
		vaultSvc.RestoreBinding(producer, tag)
	}

	if st, found, err := archive.LoadBreaker(ctx, "vault"); err != nil {
		return fmt.Errorf("load vault breaker: %w", err)
	} else if found {
		vaultSvc.RestoreBreaker(st)
	}

	assessments, err := archive.LoadAssessments(ctx)
	if err != nil {
		return fmt.Errorf("load assessments: %w", err)
	}
	for target, a := range assessments {
		riskEng.RestoreAssessment(target, a)
	}

	alerts, err := archive.LoadGlobalAlerts(ctx)
	if err != nil {
		return fmt.Errorf("load alert totals: %w", err)
	}
	riskEng.RestoreGlobalAlerts(alerts)

	if st, found, err := archive.LoadBreaker(ctx, "risk"); err != nil {
		return fmt.Errorf("load risk breaker: %w", err)
	} else if found {
		riskEng.RestoreBreaker(st)
	}

	endpoints, err := archive.LoadEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("load partition endpoints: %w", err)
	}
	for id, ep := range endpoints {
		router.RestoreEndpoint(id, ep)
	}

	lastOut, lastIn, err := archive.LoadNonces(ctx)
	if err != nil {
		return fmt.Errorf("load nonce state: %w", err)
	}
	for id, last := range lastOut {
		router.RestoreNonces(id, last, lastIn[id])
		delete(lastIn, id)
	}
	for id, last := range lastIn {
		router.RestoreNonces(id, 0, last)
	}

	pendings, err := archive.LoadPendings(ctx)
	if err != nil {
		return fmt.Errorf("load pending transfers: %w", err)
	}
	for _, pt := range pendings {
		router.RestorePending(pt)
	}

	budgets, err := archive.LoadBudgets(ctx)
	if err != nil {
		return fmt.Errorf("load budget windows: %w", err)
	}
	for bucket, used := range budgets {
		router.RestoreBudget(bucket, used)
	}

	return nil
}
