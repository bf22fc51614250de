// Package api exposes the core over HTTP. Authentication stops at the
// JWT boundary: handlers pass the token subject down and the core
// compares identities itself.
package api

import (
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/strongroom-io/strongroom/internal/feed"
	"github.com/strongroom-io/strongroom/internal/partition"
	"github.com/strongroom-io/strongroom/internal/risk"
	"github.com/strongroom-io/strongroom/internal/vault"
)

// LeaderGate reports whether this instance may serve mutating routes.
type LeaderGate interface {
	IsLeader() bool
}

// Options carries the server's collaborators. Feed and Gate are
// optional; a nil gate means this instance always leads.
type Options struct {
	JWTSecret   string
	ServiceName string

	Vault      *vault.Service
	Risk       *risk.Engine
	Partitions *partition.Router
	Feed       *feed.Hub
	Gate       LeaderGate
}

// Server routes HTTP traffic to the core components.
type Server struct {
	router     *gin.Engine
	log        *zap.Logger
	vault      *vault.Service
	risk       *risk.Engine
	partitions *partition.Router
	feed       *feed.Hub
	gate       LeaderGate
	jwtSecret  []byte
}

// NewServer builds the engine with logging, recovery, tracing, and CORS
// middleware, then registers every route.
func NewServer(opts Options, log *zap.Logger) *Server {
	name := opts.ServiceName
	if name == "" {
		name = "strongroom"
	}

	s := &Server{
		log:        log,
		vault:      opts.Vault,
		risk:       opts.Risk,
		partitions: opts.Partitions,
		feed:       opts.Feed,
		gate:       opts.Gate,
		jwtSecret:  []byte(opts.JWTSecret),
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(log, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(log, true))
	router.Use(otelgin.Middleware(name))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s.router = router
	s.registerRoutes()
	return s
}

// Router returns the gin engine for the HTTP server and for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/v1/vault/stats", s.getVaultStats)
	if s.feed != nil {
		s.router.GET("/v1/ws", func(c *gin.Context) {
			s.feed.ServeWS(c.Writer, c.Request)
		})
	}

	// Read routes need a valid token; any subject may look.
	reads := s.router.Group("/v1")
	reads.Use(s.authRequired())
	{
		reads.GET("/vault/positions/me", s.getMyPosition)
		reads.GET("/risk/stats", s.getRiskStats)
		reads.GET("/risk/targets/:id", s.getRiskTarget)
		reads.GET("/partitions/stats", s.getPartitionStats)
		reads.GET("/partitions/transfers/:id", s.getPendingTransfer)
	}

	// Mutating routes additionally require partition leadership. The
	// core performs the per-operation identity checks.
	writes := s.router.Group("/v1")
	writes.Use(s.authRequired(), s.requireLeader())
	{
		writes.POST("/vault/deposits", s.createDeposit)
		writes.POST("/vault/withdrawals", s.createWithdrawal)
		writes.POST("/messages", s.ingestMessage)
		writes.POST("/partitions/inbound", s.receiveInbound)
		writes.POST("/risk/scores", s.submitScore)

		admin := writes.Group("/admin")
		{
			admin.POST("/vault/pause", s.pauseVault)
			admin.POST("/vault/resume", s.resumeVault)
			admin.POST("/vault/breaker/trip", s.tripVaultBreaker)
			admin.POST("/vault/breaker/reset", s.resetVaultBreaker)
			admin.PUT("/vault/min-deposit", s.setMinDeposit)
			admin.PUT("/vault/holding-period", s.setHoldingPeriod)
			admin.PUT("/vault/breaker-duration", s.setBreakerDuration)
			admin.POST("/vault/custodial-balance", s.reportCustodialBalance)
			admin.POST("/vault/allocate", s.allocateValue)
			admin.POST("/vault/reclaim", s.reclaimValue)

			admin.POST("/producers", s.bindProducer)
			admin.DELETE("/producers/:id", s.unbindProducer)

			admin.POST("/partitions", s.registerPartition)
			admin.DELETE("/partitions/:id", s.removePartition)
			admin.POST("/partitions/refresh-value", s.refreshManagedValue)
			admin.POST("/partitions/prune", s.pruneWindows)

			admin.POST("/transfers", s.dispatchTransfer)
			admin.POST("/transfers/:id/complete", s.completeTransfer)
			admin.POST("/transfers/:id/fail", s.failTransfer)

			admin.PUT("/risk/thresholds", s.setRiskThresholds)
			admin.PUT("/risk/rate-policy", s.setRiskRatePolicy)
			admin.PUT("/risk/breaker-ttl", s.setRiskBreakerTTL)
			admin.POST("/risk/breaker/clear", s.clearRiskBreaker)
			admin.POST("/risk/targets", s.addRiskTarget)
			admin.DELETE("/risk/targets/:id", s.removeRiskTarget)
		}
	}
}
