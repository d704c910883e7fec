package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/metaaggregator/escrowgate/internal/model"
	"github.com/metaaggregator/escrowgate/internal/pkg/apperrors"
	"github.com/metaaggregator/escrowgate/internal/service"
)

const (
	HeaderGatewayKey = "X-Gateway-Key"
	ContextClientKey = "client"
)

func AuthMiddleware(registry *service.ClientRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(HeaderGatewayKey)
		if apiKey == "" {
			if anon := registry.Anonymous(); anon != nil {
				c.Set(ContextClientKey, anon)
				c.Next()
				return
			}
			_ = c.Error(apperrors.New(apperrors.ErrAuthFailed, "missing API key", nil))
			c.Abort()
			return
		}

		client, ok := registry.GetByAPIKey(apiKey)
		if !ok {
			_ = c.Error(apperrors.New(apperrors.ErrAuthFailed, "invalid API key", nil))
			c.Abort()
			return
		}

		// 将调用方信息存入上下文
		c.Set(ContextClientKey, client)
		c.Next()
	}
}

// ClientFromContext returns the authenticated caller, if any.
func ClientFromContext(c *gin.Context) (*model.Client, bool) {
	val, exists := c.Get(ContextClientKey)
	if !exists {
		return nil, false
	}
	client, ok := val.(*model.Client)
	return client, ok
}
