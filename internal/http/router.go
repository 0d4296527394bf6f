package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/provisioning-service/internal/config"
	"github.com/wenwu/saas-platform/provisioning-service/internal/service"
)

// RateLimiter 简单的内存速率限制器
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int           // 最大请求数
	window   time.Duration // 时间窗口
}

// NewRateLimiter 创建速率限制器
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow 检查是否允许请求
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.window)

	// 清理过期请求
	var valid []time.Time
	for _, t := range rl.requests[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}

	// 检查是否超过限制
	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	// 记录新请求
	rl.requests[key] = append(valid, now)
	return true
}

// RateLimitMiddleware 速率限制中间件
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 使用客户 ID 或 IP 作为限制 key
		key := c.GetString("customerID")
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, please try again later",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

type Server struct {
	router  *gin.Engine
	handler *Handler
	cfg     *config.Config
}

// 客户 API 速率限制器: 每客户每分钟最多 30 次请求
var customerRateLimiter = NewRateLimiter(30, time.Minute)

func NewServer(cfg *config.Config, provisionService *service.ProvisionService) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	handler := NewHandler(provisionService)

	s := &Server{
		router:  router,
		handler: handler,
		cfg:     cfg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "provisioning-service",
		})
	})

	// Internal API - called by the storefront after payment capture
	internal := s.router.Group("/api/internal")
	internal.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internal.POST("/orders/:id/provision", s.handler.ProvisionOrder)

		// Order status and audit queries
		internal.GET("/orders/:id", s.handler.GetOrderStatus)
		internal.GET("/orders/:id/clients", s.handler.GetOrderClients)
		internal.GET("/orders/:id/attempts", s.handler.GetOrderAttempts)
	}

	// Customer API - requires JWT authentication
	customer := s.router.Group("/api/v1")
	customer.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey))
	customer.Use(RateLimitMiddleware(customerRateLimiter)) // 客户 API 速率限制
	{
		customer.GET("/my/clients", s.handler.GetMyClients)
	}
}

// Engine exposes the underlying router, used by main to run it inside a
// graceful-shutdown http.Server.
func (s *Server) Engine() *gin.Engine {
	return s.router
}

func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}
