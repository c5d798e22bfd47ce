package server

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/cyphera/delegation-server/internal/actions"
	"github.com/cyphera/delegation-server/internal/bundler"
	"github.com/cyphera/delegation-server/internal/chain"
	"github.com/cyphera/delegation-server/internal/config"
	"github.com/cyphera/delegation-server/internal/executor"
	"github.com/cyphera/delegation-server/internal/gas"
	"github.com/cyphera/delegation-server/internal/handlers"
	"github.com/cyphera/delegation-server/internal/kv"
	"github.com/cyphera/delegation-server/internal/logger"
	"github.com/cyphera/delegation-server/internal/permissions"
	"github.com/cyphera/delegation-server/internal/signer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler Definitions
var (
	delegationHandler *handlers.DelegationHandler
	healthHandler     *handlers.HealthHandler

	chainClient   *chain.Client
	bundlerClient *bundler.Client
	apiKey        string
)

// InitializeHandlers wires the pipeline's collaborators from configuration
// and builds the HTTP handlers on top of them.
func InitializeHandlers(ctx context.Context, cfg *config.Config) {
	// Permission store backing: Redis when configured, in-memory otherwise.
	var backend kv.Store
	if cfg.RedisURL != "" {
		redisStore, err := kv.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("Unable to connect to Redis", zap.Error(err))
		}
		backend = redisStore
		logger.Info("Using Redis permission store")
	} else {
		backend = kv.NewMemoryStore()
		logger.Info("REDIS_URL not set, using in-memory permission store")
	}
	grantStore := permissions.NewStore(backend)

	var err error
	chainClient, err = chain.Dial(ctx, cfg.ChainRPCURL, cfg.EntryPointAddress)
	if err != nil {
		logger.Fatal("Unable to connect to chain RPC", zap.Error(err))
	}

	bundlerClient, err = bundler.Dial(ctx, cfg.BundlerRPCURL, cfg.EntryPointAddress, bundler.Config{
		PollInterval: cfg.ReceiptPollInterval,
		PollAttempts: cfg.ReceiptPollAttempts,
	})
	if err != nil {
		logger.Fatal("Unable to connect to bundler RPC", zap.Error(err))
	}

	operationSigner, err := signer.New(cfg.SignerPrivateKey, cfg.EntryPointAddress, cfg.ChainID)
	if err != nil {
		logger.Fatal("Unable to load delegate signer key", zap.Error(err))
	}

	registry := actions.NewRegistry(actions.RegistryConfig{
		PassportContract: cfg.PassportContractAddress,
		SwapRouter:       cfg.SwapRouterAddress,
	})

	estimator := gas.NewEstimator(bundlerClient, gas.Config{
		Timeout: cfg.EstimateTimeout,
		Default: gas.DefaultFallback(),
	})

	pipeline := executor.New(grantStore, registry, chainClient, estimator, operationSigner, bundlerClient)

	commonServices := handlers.NewCommonServices(
		pipeline,
		grantStore,
		registry.Actions(),
		operationSigner.Address().Hex(),
	)

	delegationHandler = handlers.NewDelegationHandler(commonServices)
	healthHandler = handlers.NewHealthHandler()
	apiKey = cfg.APIKey

	logger.Info("Handlers initialized",
		zap.String("delegate_address", operationSigner.Address().Hex()),
		zap.Int64("chain_id", cfg.ChainID),
		zap.String("entry_point", cfg.EntryPointAddress.Hex()),
	)
}

// InitializeRoutes registers middleware and the API surface on the router.
func InitializeRoutes(router *gin.Engine) {
	router.Use(configureCORS())

	// Health check
	router.GET("/health", healthHandler.Health)

	// if we are not in production, log each request
	if os.Getenv("GIN_MODE") != "release" {
		router.Use(handlers.LogRequest())
	}

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		protected := v1.Group("/")
		protected.Use(handlers.AuthMiddleware(apiKey))
		{
			delegations := protected.Group("/delegations")
			{
				delegations.POST("", delegationHandler.CreateDelegation)
				delegations.GET("/:user_address", delegationHandler.GetDelegation)
				delegations.DELETE("/:user_address", delegationHandler.RevokeDelegation)
				delegations.POST("/:user_address/execute", delegationHandler.Execute)
			}
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Route not found"})
	})
}

// Shutdown closes the outbound RPC connections.
func Shutdown() {
	if bundlerClient != nil {
		bundlerClient.Close()
	}
	if chainClient != nil {
		chainClient.Close()
	}
}

// configureCORS returns a configured CORS middleware
func configureCORS() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()

	originsEnv := os.Getenv("CORS_ALLOWED_ORIGINS")
	if originsEnv == "" {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	} else {
		origins := strings.Split(originsEnv, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		corsConfig.AllowOrigins = origins
	}

	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "X-API-Key"}
	corsConfig.AllowCredentials = os.Getenv("CORS_ALLOW_CREDENTIALS") == "true"

	return cors.New(corsConfig)
}
