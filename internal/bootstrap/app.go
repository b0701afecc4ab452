package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/abhinavkale-dev/ChatPulse/internal/cache"
	"github.com/abhinavkale-dev/ChatPulse/internal/config"
	"github.com/abhinavkale-dev/ChatPulse/internal/model"
	mysqlClient "github.com/abhinavkale-dev/ChatPulse/internal/platform/mysql"
	rabbitmqClient "github.com/abhinavkale-dev/ChatPulse/internal/platform/rabbitmq"
	redisClient "github.com/abhinavkale-dev/ChatPulse/internal/platform/redis"
	"github.com/abhinavkale-dev/ChatPulse/internal/repository"
	"github.com/abhinavkale-dev/ChatPulse/internal/worker"
)

type App struct {
	Config          *config.Config
	Logger          zerolog.Logger
	MySQL           *gorm.DB
	Redis           *redis.Client
	MQConn          *amqp.Connection
	RetentionWorker *worker.RetentionWorker

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	logger := newLogger(cfg)

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN())
	if err != nil {
		return nil, err
	}
	if err := mysqlDB.AutoMigrate(&model.User{}, &model.Message{}); err != nil {
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}

	redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}

	messageRepo := repository.NewMessageRepository(mysqlDB)
	historyCache := cache.NewHistoryCache(redisCli, time.Duration(cfg.Redis.HistoryTTLHours)*time.Hour)
	retentionWorker := worker.NewRetentionWorker(
		messageRepo,
		historyCache,
		time.Duration(cfg.Retention.SweepIntervalHours)*time.Hour,
		time.Duration(cfg.Retention.IdleDays)*24*time.Hour,
		cfg.Retention.MaxMessages,
		logger,
	)
	if err := retentionWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start retention worker failed: %w", err)
	}

	return &App{
		Config:          cfg,
		Logger:          logger,
		MySQL:           mysqlDB,
		Redis:           redisCli,
		MQConn:          mqConn,
		RetentionWorker: retentionWorker,
		StartedAt:       time.Now(),
	}, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.App.Env == "dev" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Str("app", cfg.App.Name).Logger()
	}
	return zerolog.New(os.Stdout).
		With().Timestamp().Str("app", cfg.App.Name).Logger()
}

func (a *App) Close() error {
	var closeErr error
	if a.RetentionWorker != nil {
		a.RetentionWorker.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}
