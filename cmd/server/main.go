package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"im-chat/config"
	"im-chat/internal/chat"
	"im-chat/internal/feed"
	"im-chat/internal/handler"
	"im-chat/internal/model"
	"im-chat/internal/reaper"
	"im-chat/internal/repository"
	"im-chat/internal/service"
	dbPkg "im-chat/pkg/db"
	"im-chat/pkg/jwt"
	"im-chat/pkg/logger"
	"im-chat/pkg/metrics"
	redisPkg "im-chat/pkg/redis"
	"im-chat/pkg/response"
	"im-chat/pkg/storage"
	"im-chat/pkg/websocket"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg := config.LoadConfig()

	// 2. 初始化日志系统
	log := logger.InitLogger(cfg.Log)
	defer log.Sync()

	log.Info("=== IM聊天服务启动 ===")
	log.Info("服务器配置信息",
		zap.String("port", cfg.Server.Port),
		zap.String("database_driver", cfg.Database.Driver),
		zap.String("database_name", cfg.Database.Database),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
		zap.Duration("jwt_expire_time", cfg.JWT.ExpireTime),
		zap.Duration("heartbeat_interval", cfg.Presence.HeartbeatInterval),
		zap.Int64("attachment_max_size", cfg.Attachment.MaxSize),
		zap.String("log_level", cfg.Log.Level),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 3. 初始化数据库连接
	db, err := dbPkg.InitDB(cfg.Database)
	if err != nil {
		log.Fatal("数据库连接失败", zap.Error(err))
	}
	defer func() {
		if err := dbPkg.CloseDB(); err != nil {
			log.Error("关闭数据库连接失败", zap.Error(err))
		}
	}()
	log.Info("数据库连接成功")

	// 3.1 自动迁移表结构
	if err := dbPkg.AutoMigrate(model.All()...); err != nil {
		log.Fatal("自动迁移失败", zap.Error(err))
	}
	log.Info("自动迁移完成")

	// 4. 变更总线，开启 Redis 时跨实例转发
	bus := feed.NewBus(0)
	defer bus.Close()
	var publisher feed.Publisher = bus
	if cfg.Redis.Enabled {
		if err := redisPkg.InitRedis(ctx, cfg.Redis); err != nil {
			log.Fatal("Redis连接失败", zap.Error(err))
		}
		defer redisPkg.Close()
		relay := redisPkg.NewFeedRelay(redisPkg.GetClient(), cfg.Redis.Channel, bus)
		publisher = relay
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("变更转发退出", zap.Error(err))
			}
		}()
		log.Info("Redis变更转发已启动", zap.String("channel", cfg.Redis.Channel), zap.String("node", relay.Node()))
	}

	// 5. 存储层与附件对象存储
	store := repository.NewStore(db, publisher)
	objects, err := storage.NewLocalStore(cfg.Attachment.StorageDir, cfg.Attachment.PublicBaseURL)
	if err != nil {
		log.Fatal("对象存储初始化失败", zap.Error(err))
	}

	opts := chat.DefaultOptions()
	opts.HeartbeatInterval = cfg.Presence.HeartbeatInterval
	opts.StaleAfter = cfg.Presence.StaleAfter
	opts.TypingIdle = cfg.Presence.TypingIdle
	opts.MaxAttachmentSize = cfg.Attachment.MaxSize
	opts.DocumentProxyURL = cfg.Attachment.DocumentProxyURL
	opts.OfficeProxyURL = cfg.Attachment.OfficeProxyURL
	opts.BlobDir = cfg.Attachment.BlobDir

	// 5.1 初始化业务服务
	jwtSvc := jwt.NewJWTService(cfg.JWT)
	userSvc := service.NewUserService(repository.NewUserRepository(db), jwtSvc)
	chatSvc := service.NewChatService(store, objects, opts)
	userHandler := handler.NewUserHandler(userSvc)
	messageHandler := handler.NewMessageHandler(chatSvc)
	moderationHandler := handler.NewModerationHandler(chatSvc)

	manager := websocket.NewManager()
	wsHandler := websocket.NewHandler(jwtSvc, store, bus, objects, opts, cfg.WebSocket, manager)

	// 5.2 过期消息清理
	if cfg.Reaper.Enabled {
		r, err := reaper.New(cfg.Reaper, store, objects)
		if err != nil {
			log.Fatal("清理任务配置错误", zap.Error(err))
		}
		go r.Run(ctx)
		log.Info("过期消息清理已启动", zap.String("cron", cfg.Reaper.Cron))
	}

	// 6. 设置Gin模式
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 7. 创建Gin路由
	router := gin.New()
	router.Use(logger.RequestLogger())
	router.Use(logger.ErrorLoggerMiddleware())

	setupBasicRoutes(router, cfg)
	if strings.HasPrefix(cfg.Attachment.PublicBaseURL, "/") {
		router.Static(cfg.Attachment.PublicBaseURL, objects.Root())
	}

	v1 := router.Group("/api/v1")
	{
		users := v1.Group("/users")
		{
			// 公开接口（无需认证）
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			authUsers := users.Group("")
			authUsers.Use(jwtSvc.AuthMiddleware())
			{
				authUsers.GET("/profile", userHandler.GetProfile)
				authUsers.GET("/:user_id", userHandler.GetUser)
			}
		}

		authed := v1.Group("")
		authed.Use(jwtSvc.AuthMiddleware())
		{
			messages := authed.Group("/messages")
			{
				messages.POST("/send", messageHandler.SendMessage)
				messages.DELETE("/:message_id", messageHandler.DeleteMessage)
				messages.POST("/:message_id/reactions", messageHandler.ToggleReaction)
				messages.GET("/:message_id/attachment", messageHandler.DownloadAttachment)
			}

			conversations := authed.Group("/conversations")
			{
				conversations.GET("", messageHandler.GetConversations)
				conversations.GET("/:user_id/messages", messageHandler.GetConversation)
				conversations.PUT("/:user_id/read", messageHandler.MarkConversationRead)
			}

			blocks := authed.Group("/blocks")
			{
				blocks.GET("", moderationHandler.ListBlocks)
				blocks.PUT("/:user_id", moderationHandler.Block)
				blocks.DELETE("/:user_id", moderationHandler.Unblock)
			}

			reports := authed.Group("/reports")
			{
				reports.GET("", moderationHandler.ListReports)
				reports.POST("", moderationHandler.Report)
			}

			authed.GET("/presence", messageHandler.GetPresence)
			authed.POST("/presence/heartbeat", messageHandler.Heartbeat)
		}
	}

	// WebSocket路由
	router.GET("/ws", wsHandler.ServeWS)

	// 8. 创建HTTP服务器
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP服务器启动", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP服务器启动失败", zap.Error(err))
		}
	}()

	// 9. 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务器...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 先断开 WebSocket，让会话发送离线状态
	manager.CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP服务器关闭失败", zap.Error(err))
	}
	stop()

	log.Info("服务器已安全关闭")
}

// setupBasicRoutes 设置基础路由
func setupBasicRoutes(router *gin.Engine, cfg *config.Config) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		status := "ok"
		if err := dbPkg.HealthCheck(c.Request.Context()); err != nil {
			status = "db-down"
		}
		if cfg.Redis.Enabled {
			if err := redisPkg.HealthCheck(c.Request.Context()); err != nil {
				status = "redis-down"
			}
		}
		response.Success(c, gin.H{
			"status": status,
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	router.GET("/metrics", metrics.Handler())

	router.GET("/", func(c *gin.Context) {
		response.Success(c, gin.H{
			"message": "IM聊天服务",
			"version": "2.0.0",
		})
	})
}
