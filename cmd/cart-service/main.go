package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	c "github.com/fjod/storefront-cart/internal/cache"
	"github.com/fjod/storefront-cart/internal/config"
	carthttp "github.com/fjod/storefront-cart/internal/http"
	"github.com/fjod/storefront-cart/internal/logger"
	"github.com/fjod/storefront-cart/internal/poller"
	"github.com/fjod/storefront-cart/internal/repository"
	s "github.com/fjod/storefront-cart/internal/service"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()
	zap.ReplaceGlobals(lg)

	if err := run(cfg, lg); err != nil {
		lg.Fatal("cart service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, mongoDB, err := openRepository(ctx, cfg, lg)
	if err != nil {
		return err
	}
	if mongoDB != nil {
		defer mongoDB.Client().Disconnect(context.Background())
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	lg.Info("redis ping succeeded", zap.String("addr", cfg.Redis.Addr))

	cache := c.NewRedisCache(redisClient, cfg.Redis.CacheTTL)
	service := s.NewCartService(repo, cache, lg)

	if cfg.Kafka.Enabled {
		p := poller.NewPoller(service, lg.Named("poller"), cfg.Kafka.Topic, cfg.Kafka.GroupID, cfg.Kafka.Brokers...)
		defer p.Close()
		go p.Run(ctx)
		lg.Info("checkout consumer started",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}

	auth := carthttp.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Required)
	router := carthttp.NewRouter(carthttp.NewCartHandler(service, cfg.HTTP.RequestTimeout), auth, lg,
		carthttp.RouterConfig{
			RequestTimeout: cfg.HTTP.RequestTimeout,
			MaxBodySize:    cfg.HTTP.MaxBodySize,
		})

	srv := &http.Server{
		Addr:         net.JoinHostPort("", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("cart service listening", zap.String("port", cfg.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	lg.Info("shutting down cart service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	lg.Info("cart service stopped")
	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, lg *zap.Logger) (repository.CartRepository, *mongo.Database, error) {
	if cfg.Mongo.Driver == "memory" {
		lg.Warn("using in-memory cart storage")
		return repository.NewMemoryRepository(), nil, nil
	}

	db, err := repository.ConnectMongoDB(ctx, repository.MongoOptions{
		URI:                    cfg.Mongo.URI,
		Database:               cfg.Mongo.Database,
		AppName:                cfg.App.Name,
		MaxPoolSize:            cfg.Mongo.MaxPoolSize,
		MinPoolSize:            cfg.Mongo.MinPoolSize,
		ConnectTimeout:         cfg.Mongo.ConnectTimeout,
		ServerSelectionTimeout: cfg.Mongo.ServerSelectionTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	repo := repository.NewMongoRepository(db)
	if ic, ok := repo.(repository.IndexCreator); ok {
		if err := ic.CreateIndexes(ctx, cfg.Mongo.CartTTL); err != nil {
			return nil, nil, fmt.Errorf("create indexes: %w", err)
		}
	}
	lg.Info("connected to mongodb", zap.String("database", cfg.Mongo.Database))
	return repo, db, nil
}
