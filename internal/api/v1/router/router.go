package router

import (
	"app/internal/api/v1/handler"
	"app/internal/config"
	"app/internal/middleware"
	"app/internal/repository"
	"app/internal/service"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

func New(cfg *config.Config, logger zerolog.Logger) (http.Handler, *pgxpool.Pool, error) {
	logger.Info().Msg("Router initialized")
	logger.Info().Str("environment", cfg.Environment).Msg("App environment loaded")

	// 1. Open DB connection (connection pooling)
	dsn := cfg.DBConnectionString
	// In a development environment, we want to ensure that SSL is disabled for
	// local testing. In production, the connection string should be provided
	// with the correct SSL settings.
	if cfg.Environment == "development" && !strings.Contains(dsn, "sslmode") {
		separator := " "
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			if strings.Contains(dsn, "?") {
				separator = "&"
			} else {
				separator = "?"
			}
		}
		dsn += separator + "sslmode=disable"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open DB connection")
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to ping DB")
		return nil, nil, err
	}
	logger.Info().Msg("Database connection successful")

	// 2. Initialize validator
	validate := validator.New(validator.WithRequiredStructEnabled())

	// 3. Initialize repositories & services & handlers
	usageRepo := repository.NewUsageRepo(pool)
	entitlementRepo := repository.NewEntitlementRepo(pool)
	webhookEventRepo := repository.NewWebhookEventRepo(pool)

	entitlementSvc := service.NewEntitlementService(entitlementRepo, logger)
	provider := service.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey)
	estimator := service.NewCharRatioEstimator(int64(cfg.EstimateCharsPerToken), int64(cfg.EstimateMinTokens), int64(cfg.EstimateMaxTokens))
	aiSvc := service.NewAIService(service.AIConfig{
		Plans:             service.DefaultPlanTable(),
		ImageLimits:       service.DefaultImageLimits(),
		OutputCapDefault:  int64(cfg.OutputCapDefault),
		OutputCapDetailed: int64(cfg.OutputCapDetailed),
	}, usageRepo, entitlementSvc, provider, estimator, logger)
	stripeSvc := service.NewStripeService(cfg, webhookEventRepo, entitlementSvc, logger)

	aiHandler := handler.NewAIHandler(aiSvc, validate, logger)

	// 4. Initialize middleware
	authMiddleware := middleware.AuthMiddleware(cfg.JWTSecret, logger)
	guardMiddleware := middleware.GuardMiddleware(middleware.GuardConfig{
		AppBaseURL:   cfg.AppBaseURL,
		MaxBodyBytes: cfg.GuardMaxBodyBytes,
		RateLimit:    cfg.GuardRateLimit,
		RateWindow:   time.Duration(cfg.GuardRateWindowSec) * time.Second,
	}, logger)

	// 5. Create ServeMux router
	mux := http.NewServeMux()

	apiV1Mux := http.NewServeMux()
	aiHandler.RegisterRoutes(apiV1Mux, func(next http.Handler) http.Handler {
		return guardMiddleware(authMiddleware(next))
	})
	// Webhook deliveries are signed by Stripe, not by a user token, so the
	// endpoint sits outside the auth and guard chain.
	apiV1Mux.HandleFunc("POST /webhooks/stripe", stripeSvc.HandleWebhook)

	// Mount the API v1 routes under /v1
	mux.Handle("/v1/", http.StripPrefix("/v1", apiV1Mux))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// 6. Apply CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{cfg.AppBaseURL},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	return middleware.LoggerMiddleware(logger)(c.Handler(mux)), pool, nil
}
