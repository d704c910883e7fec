package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/metaaggregator/escrowgate/internal/pkg/apperrors"
	"github.com/metaaggregator/escrowgate/internal/service"
)

func RateLimitMiddleware(registry *service.ClientRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. 获取当前调用方 (必须在 AuthMiddleware 之后使用)
		client, ok := ClientFromContext(c)
		if !ok {
			_ = c.Error(apperrors.New(apperrors.ErrAuthFailed, "unauthorized", nil))
			c.Abort()
			return
		}

		// 2. 获取限流器
		limiter := registry.Limiter(client.ID)
		if limiter == nil {
			c.Next()
			return
		}

		// 3. 尝试获取令牌
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			_ = c.Error(apperrors.New(apperrors.ErrRateLimited, "rate limit exceeded", nil))
			c.Abort()
			return
		}

		c.Next()
	}
}
