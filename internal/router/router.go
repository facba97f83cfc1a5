package router

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"shieldpool/internal/app"
	"shieldpool/internal/config"
	"shieldpool/internal/handlers"
	"shieldpool/internal/middleware"
)

// corsMiddleware CORS middleware
// Priority: Environment Variable > YAML Config > Default (*)
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowedOrigins := []string{"*"}
		allowCredentials := true
		maxAge := 3600

		if envOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); envOrigins != "" {
			origins := strings.Split(envOrigins, ",")
			allowedOrigins = make([]string, 0, len(origins))
			for _, o := range origins {
				if trimmed := strings.TrimSpace(o); trimmed != "" {
					allowedOrigins = append(allowedOrigins, trimmed)
				}
			}
		} else if config.AppConfig != nil && len(config.AppConfig.CORS.AllowedOrigins) > 0 {
			allowedOrigins = config.AppConfig.CORS.AllowedOrigins
			allowCredentials = config.AppConfig.CORS.AllowCredentials
			if config.AppConfig.CORS.MaxAge > 0 {
				maxAge = config.AppConfig.CORS.MaxAge
			}
		}

		if len(allowedOrigins) == 1 && allowedOrigins[0] == "*" {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, allowedOrigin := range allowedOrigins {
				if strings.TrimSpace(allowedOrigin) == origin {
					c.Header("Access-Control-Allow-Origin", origin)
					break
				}
			}
			if c.Writer.Header().Get("Access-Control-Allow-Origin") == "" {
				logrus.WithFields(logrus.Fields{
					"request_origin":  origin,
					"allowed_origins": allowedOrigins,
					"path":            c.Request.URL.Path,
				}).Warn("🚫 CORS: Request blocked - Origin not in whitelist")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, Accept")
			if allowCredentials {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
			c.Header("Access-Control-Max-Age", strconv.Itoa(maxAge))
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		if allowCredentials && c.Writer.Header().Get("Access-Control-Allow-Origin") != "*" {
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		c.Next()
	}
}

// SetupRouter wires every HTTP endpoint to the service container
func SetupRouter(container *app.ServiceContainer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	logger := container.Logger

	// Liveness and health endpoints
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/health", handlers.HealthCheckHandler)
	r.GET("/api/health", handlers.HealthCheckHandler)
	r.GET("/api/health/db", handlers.DatabaseHealthCheckHandler)

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	poolHandler := handlers.NewPoolHandler(
		container.PoolService,
		container.Pool,
		container.Coordinator,
		container.DepositRepo,
		container.RootRepo,
		container.SponsorshipRepo,
		logger,
	)
	withdrawHandler := handlers.NewWithdrawRequestHandler(
		container.Scheduler,
		container.WithdrawRepo,
		logger,
	)
	adminAuthHandler := handlers.NewAdminAuthHandler()
	adminPoolHandler := handlers.NewAdminPoolHandler(
		container.Pool,
		container.ComplianceRepo,
		container.WithdrawRepo,
		logger,
	)

	api := r.Group("/api/v1")
	{
		api.POST("/deposits", poolHandler.DepositHandler)
		api.GET("/deposits/:commitment", poolHandler.GetDepositHandler)
		api.GET("/deposits/:commitment/witness", poolHandler.WitnessHandler)

		api.GET("/pool/status", poolHandler.PoolStatusHandler)
		api.GET("/roots/:kind", poolHandler.ListRootsHandler)

		api.POST("/withdrawals", withdrawHandler.SubmitWithdrawalHandler)
		api.GET("/withdrawals/:nullifier", withdrawHandler.GetWithdrawalHandler)

		api.POST("/sponsorships", poolHandler.SponsorshipHandler)
		api.GET("/sponsorships/:nullifier", poolHandler.GetSponsorshipHandler)

		api.GET("/events/ws", container.EventStream.HandleWebSocket)
	}

	// Admin endpoints sit behind the IP allowlist; everything except login
	// additionally requires an admin JWT
	var allowedIPs []string
	if config.AppConfig != nil {
		allowedIPs = config.AppConfig.Admin.AllowedIPs
	}
	ipAllowlist := middleware.NewIPAllowlist(logger, allowedIPs)
	adminAuth := middleware.NewAdminAuthMiddleware(logger)

	admin := r.Group("/api/v1/admin")
	admin.Use(ipAllowlist.Restrict())
	{
		admin.POST("/login", adminAuthHandler.AdminLoginHandler)

		authed := admin.Group("")
		authed.Use(adminAuth.RequireAdminAuth())
		{
			authed.POST("/nullifiers/:hash/block", adminPoolHandler.BlockNullifierHandler)
			authed.POST("/nullifiers/:hash/unblock", adminPoolHandler.UnblockNullifierHandler)
			authed.POST("/commitments/:commitment/block", adminPoolHandler.BlockCommitmentHandler)
			authed.POST("/commitments/:commitment/unblock", adminPoolHandler.UnblockCommitmentHandler)
			authed.GET("/stats", adminPoolHandler.AdminStatsHandler)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "Endpoint not found",
		})
	})

	return r
}
