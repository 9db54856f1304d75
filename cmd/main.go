package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/campfire/config"
	"github.com/Gopher0727/campfire/internal/api"
	"github.com/Gopher0727/campfire/internal/handler"
	"github.com/Gopher0727/campfire/internal/pkg/gateway"
	"github.com/Gopher0727/campfire/internal/pkg/grpc"
	"github.com/Gopher0727/campfire/internal/pkg/kafka"
	"github.com/Gopher0727/campfire/internal/pkg/redis"
	"github.com/Gopher0727/campfire/internal/pkg/writebehind"
	"github.com/Gopher0727/campfire/internal/repository"
	"github.com/Gopher0727/campfire/internal/service"
	"github.com/Gopher0727/campfire/internal/storage"
	"github.com/Gopher0727/campfire/middleware/jwt"
	logger "github.com/Gopher0727/campfire/middleware/log"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("配置初始化失败: %v", err)
	}

	appLog, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	defer appLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLog); err != nil {
		appLog.Error("server stopped with error", zap.Error(err))
		appLog.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, appLog *logger.Logger) error {
	// 初始化数据库
	db, err := storage.OpenDatabase(&cfg.Storage)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	appLog.Info("message store ready", zap.String("driver", cfg.Storage.Driver))

	// 可选: Redis 负责在线状态与用户缓存
	var (
		presence  gateway.PresenceTracker
		userCache repository.UserCache
		redisCli  *redis.Client
	)
	if cfg.Redis.Enabled {
		rdb, err := storage.OpenRedis(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		redisCli = redis.NewClient(rdb, cfg.Redis.CacheTTL, appLog)
		defer redisCli.Close()
		presence, userCache = redisCli, redisCli
	}

	// 可选: gRPC 健康检查, 随消息存储的可用性切换
	var grpcServer *grpc.Server
	if cfg.GRPC.Enabled {
		grpcServer, err = grpc.NewServer(cfg.GRPC.Address, appLog)
		if err != nil {
			return err
		}
	}

	// 初始化仓储层与写后缓冲
	userRepo := repository.NewUserRepository(db, userCache)
	guildRepo := repository.NewGuildRepository(db)
	messageRepo := repository.NewMessageRepository(db)

	bufferOpts := writebehind.OptionsFromConfig(&cfg.Buffer)
	if grpcServer != nil {
		bufferOpts.OnFlushError = func(error, int) { grpcServer.SetServing(false) }
		bufferOpts.OnFlushRecovered = func() { grpcServer.SetServing(true) }
	}
	buffer := writebehind.New(messageRepo, bufferOpts, appLog)

	// 初始化连接注册表与扇出引擎
	registry := gateway.NewRegistry(cfg.Websocket.ShardCount, presence, appLog)

	var exporter gateway.Exporter
	var kafkaExporter *kafka.Exporter
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(&cfg.Kafka)
		if err != nil {
			return err
		}
		defer producer.Close()
		kafkaExporter = kafka.NewExporter(producer, &cfg.Kafka, appLog)
		exporter = kafkaExporter
	}
	engine := gateway.NewMessageHandler(registry, buffer, guildRepo, exporter, gateway.OptionsFromConfig(&cfg.Websocket), appLog)

	// 初始化服务层
	tokenManager := jwt.NewTokenManager(&cfg.JWT)
	var guildPresence service.Presence = registry
	if redisCli != nil {
		guildPresence = redisCli
	}
	authService := service.NewAuthService(userRepo, tokenManager)
	guildService := service.NewGuildService(guildRepo, buffer, registry, guildPresence, appLog)
	messageService := service.NewMessageService(messageRepo, buffer, userRepo, guildService)

	// 初始化处理器
	authHandler := handler.NewAuthHandler(authService, appLog)
	guildHandler := handler.NewGuildHandler(guildService, appLog)
	messageHandler := handler.NewMessageHandler(messageService, appLog)
	wsHandler := handler.NewWSHandler(authService, guildService, engine, &cfg.Websocket, cfg.Server.AllowedOrigins, appLog)

	// 配置并创建 Gin 引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	mw := api.NewMiddlewareManager(tokenManager, appLog)
	api.SetupRoutes(r, mw, cfg.Server.AllowedOrigins, handler.NewStats(registry.Count, buffer.Pending))
	api.RegisterRoutes(r, mw, authHandler, guildHandler, messageHandler, wsHandler)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: r,
	}

	// 后台任务: 缓冲区刷新, 事件导出, gRPC
	bgCtx, cancelBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBackground()

	var wg sync.WaitGroup
	fatal := make(chan error, 3)

	wg.Go(func() {
		if err := buffer.Run(bgCtx); err != nil {
			fatal <- err
		}
	})
	if kafkaExporter != nil {
		wg.Go(func() { kafkaExporter.Run(bgCtx) })
	}
	if grpcServer != nil {
		go func() {
			if err := grpcServer.Start(); err != nil {
				fatal <- err
			}
		}()
		defer grpcServer.Stop()
	}
	go func() {
		appLog.Info("正在启动服务器", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		appLog.Info("shutdown signal received")
	case runErr = <-fatal:
		if errors.Is(runErr, writebehind.ErrStoreUnavailable) {
			appLog.Error("message store unavailable, shutting down", zap.Error(runErr))
		}
	}

	// 先停止接入, 再断开连接, 最后刷盘
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("http shutdown", zap.Error(err))
	}
	engine.Shutdown()
	cancelBackground()
	wg.Wait()

	appLog.Info("server exited", zap.Int("pending", buffer.Pending()), zap.Int64("dropped", buffer.Dropped()))
	return runErr
}
