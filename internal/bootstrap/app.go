package bootstrap

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"chatstream/internal/config"
	"chatstream/internal/model"
	mysqlClient "chatstream/internal/platform/mysql"
	rabbitmqClient "chatstream/internal/platform/rabbitmq"
	redisClient "chatstream/internal/platform/redis"
	"chatstream/internal/repository"
	"chatstream/internal/worker"
)

type App struct {
	Config          *config.Config
	Logger          *zap.Logger
	MySQL           *gorm.DB
	Redis           *redis.Client
	MQConn          *amqp.Connection
	TurnEventWorker *worker.TurnEventWorker

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	logger, err := newLogger(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("build logger failed: %w", err)
	}

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN())
	if err != nil {
		return nil, err
	}
	if err := mysqlDB.AutoMigrate(
		&model.User{},
		&model.Conversation{},
		&model.Message{},
		&model.TurnEvent{},
	); err != nil {
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

	turnEventRepo := repository.NewTurnEventRepository(mysqlDB)
	turnEventWorker := worker.NewTurnEventWorker(mqConn, turnEventRepo, cfg.RabbitMQ.TurnEventQueue, logger)
	if err := turnEventWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start turn event worker failed: %w", err)
	}

	return &App{
		Config:          cfg,
		Logger:          logger,
		MySQL:           mysqlDB,
		Redis:           redisCli,
		MQConn:          mqConn,
		TurnEventWorker: turnEventWorker,
		StartedAt:       time.Now(),
	}, nil
}

func (a *App) Close() error {
	var closeErr error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.TurnEventWorker != nil {
		a.TurnEventWorker.Close()
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
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return closeErr
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "prod" || env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
