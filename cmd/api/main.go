package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-notes-api/internal/config"
	"github.com/noah-isme/gema-notes-api/internal/database"
	"github.com/noah-isme/gema-notes-api/internal/handler"
	"github.com/noah-isme/gema-notes-api/internal/middleware"
	"github.com/noah-isme/gema-notes-api/internal/repository"
	"github.com/noah-isme/gema-notes-api/internal/router"
	"github.com/noah-isme/gema-notes-api/internal/service"
	cloud "github.com/noah-isme/gema-notes-api/pkg/cloudinary"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer natsConn.Drain()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	chatRepo := repository.NewChatRepository(db)
	userRepo := repository.NewUserRepository(db)

	chatService := service.NewChatService(chatRepo, userRepo, redisClient, cfg.ChannelBase, natsConn, validate, logger)
	userService := service.NewUserService(userRepo, validate, logger)

	deps := router.Dependencies{
		ChatHandler:   handler.NewChatHandler(chatService, validate, logger),
		UserHandler:   handler.NewUserHandler(userService, logger),
		Online:        chatService,
		JWTMiddleware: middleware.JWTProtected(cfg.JWTSecret),
	}

	if cfg.CloudinaryCloudName != "" {
		uploader, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create cloudinary client")
		}
		uploadService := service.NewUploadService(uploader, repository.NewUploadRepository(db), cfg.UploadMaxMB, logger)
		deps.UploadHandler = handler.NewUploadHandler(uploadService, logger)
	} else {
		logger.Warn().Msg("cloudinary not configured; attachment uploads disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	chatService.Start(ctx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    (cfg.UploadMaxMB + 1) * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, deps)

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	waitForShutdown(app, cfg, logger)
}

func waitForShutdown(app *fiber.App, cfg config.Config, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
