// Package main 是应用程序的入口点。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"reconomed-intake/internal/config"
	"reconomed-intake/internal/handler"
	"reconomed-intake/internal/imaging"
	"reconomed-intake/internal/repository"
	"reconomed-intake/internal/service"
	"reconomed-intake/internal/session"
	"reconomed-intake/pkg/backend"
	"reconomed-intake/pkg/database"
	"reconomed-intake/pkg/kafka"
	"reconomed-intake/pkg/log"
	"reconomed-intake/pkg/tasks"
	"reconomed-intake/pkg/token"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. 初始化 Redis（可选），不可用时退回进程内缓存
	var patientCache repository.PatientCache
	var attempts kafka.AttemptCounter
	if cfg.Redis.Enabled {
		rdb, err := database.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warnf("Redis 不可用，使用进程内缓存: %v", err)
		} else {
			defer rdb.Close()
			patientCache = repository.NewRedisPatientCache(rdb, cfg.Redis.PatientTTL)
			attempts = kafka.NewRedisAttempts(rdb)
		}
	}
	if patientCache == nil {
		patientCache = repository.NewMemoryPatientCache(cfg.Cache.PatientEntries, cfg.Cache.TTL)
		attempts = kafka.NewMemoryAttempts()
	}

	// 4. 初始化压缩和缩略图，由所有会话共享
	client := backend.NewClient(cfg.Backend)
	compressor := imaging.NewCompressor(imaging.Options{
		MaxWidth:  cfg.Compression.UploadMaxWidth,
		MaxHeight: cfg.Compression.UploadMaxHeight,
		Quality:   cfg.Compression.UploadQuality,
		MaxPixels: cfg.Compression.MaxPixels,
	})
	thumbnailer := imaging.NewThumbnailer(cfg.Thumbnail.MaxSide, cfg.Thumbnail.Quality, cfg.Compression.MaxPixels)

	// 5. 初始化 Service (依赖注入)，上传会话按用户创建，首次访问时从后端同步
	patientService := service.NewPatientService(client, patientCache)
	sessions := service.NewSessionRegistry(service.SessionDeps{
		Client:      client,
		Patients:    patientService,
		Compressor:  compressor,
		Thumbnailer: thumbnailer,
		Upload:      cfg.Upload,
		Cache:       cfg.Cache,
	}, cfg.Session.MaxSessions, cfg.Session.IdleTTL)
	defer sessions.Close()

	hub := handler.NewHub()
	sessions.OnCreate(hub.Attach)

	// 6. Kafka（可选）：发布会话事件，消费后端处理通知
	if cfg.Kafka.Enabled {
		publisher := kafka.NewPublisher(cfg.Kafka)
		defer publisher.Close()
		sessions.OnCreate(func(key string, tracker *session.Tracker) func() {
			return service.ForwardEvents(key, tracker, func(ev tasks.UploadEvent) { publisher.Enqueue(ev) })
		})
		go kafka.StartConsumer(ctx, cfg.Kafka, sessions, attempts)
	}

	// 7. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.Services{
		Sessions: sessions,
		Patients: patientService,
	}, hub, token.NewInspector(cfg.Auth.JWTSecret), cfg.Auth.Required)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 先停止 Kafka 消费者，再关闭 HTTP 服务器
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
