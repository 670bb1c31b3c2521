package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "mailindex/backend/internal/auth/jwt"
	"mailindex/backend/internal/config"
	"mailindex/backend/internal/health"
	"mailindex/backend/internal/middleware"
	"mailindex/backend/internal/monitoring"
	"mailindex/backend/internal/reindex"
	"mailindex/backend/internal/task"
	"mailindex/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	ReIndexer      *reindex.ReIndexer
	Codec          *reindex.Codec // 为 nil 时不开放 POST /tasks
	Tasks          *task.Manager
	DefaultOptions reindex.RunningOptions
	Health         *health.HealthChecker // 可选
	Metrics        *monitoring.Metrics   // 可选
	JWTManager     *jwtpkg.Manager       // 为 nil 时不校验管理令牌
	WebSocketHub   *websocket.Hub        // 可选
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()
	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, log)
	router.Use(monitor.PanicRecovery())
	router.Use(middleware.RequestLogger(log))
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))

	// CORS 配置
	allowedOrigins := []string{"*"}
	if deps.Config != nil && len(deps.Config.CORS.AllowedOrigins) > 0 {
		allowedOrigins = deps.Config.CORS.AllowedOrigins
	}
	corsConfig := gincors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Location"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 健康检查：/health/live、/health/ready
	if deps.Health != nil {
		router.Any("/health/*check", gin.WrapH(http.StripPrefix("/health", deps.Health.Handler())))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	adminAuth := middleware.NewAdminAuth(deps.JWTManager, log)
	admin := router.Group("", adminAuth.RequireAdmin())

	reIndexHandler := NewReIndexHandler(deps.ReIndexer, deps.Tasks, deps.DefaultOptions, log)
	mailboxRoutes := admin.Group("/mailboxes")
	{
		mailboxRoutes.POST("", reIndexHandler.reIndexAll)
		mailboxRoutes.POST("/:mailboxId", reIndexHandler.reIndexMailbox)
		mailboxRoutes.POST("/:mailboxId/mails/:uid", reIndexHandler.reIndexMessage)
	}
	admin.POST("/messages/:messageId", reIndexHandler.reIndexMessageID)

	taskHandler := NewTaskHandler(deps.Tasks, deps.Codec)
	taskRoutes := admin.Group("/tasks")
	{
		taskRoutes.GET("", taskHandler.list)
		taskRoutes.GET("/:id", taskHandler.get)
		taskRoutes.GET("/:id/await", taskHandler.await)
		taskRoutes.DELETE("/:id", taskHandler.cancel)
		if deps.Codec != nil {
			taskRoutes.POST("", taskHandler.submit)
		}
		if deps.WebSocketHub != nil {
			taskRoutes.GET("/:id/ws", deps.WebSocketHub.HandleTask(deps.Tasks.Get))
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFound(c, "route not found")
	})

	return router
}
