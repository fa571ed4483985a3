package api

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// OwnerHeader carries the caller identity every bot operation is scoped to.
	OwnerHeader = "X-Owner-ID"

	ctxRequestID = "request_id"
	ctxOwner     = "owner"
)

// RequestID 为每个请求生成或透传 X-Request-ID
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(ctxRequestID, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// Logger 记录每个请求的状态码与耗时
func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("request_id", c.GetString(ctxRequestID)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if owner := c.GetString(ctxOwner); owner != "" {
			fields = append(fields, zap.String("owner", owner))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			log.Error("Server error", fields...)
		case status >= 400:
			log.Warn("Client error", fields...)
		default:
			log.Info("Request completed", fields...)
		}
	}
}

// Recovery 捕获 handler 中的 panic 并返回 500
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Panic recovered",
					zap.String("request_id", c.GetString(ctxRequestID)),
					zap.Error(fmt.Errorf("%v", r)),
					zap.String("stack", string(debug.Stack())))
				sendCustomError(c, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// RequireOwner rejects requests without an owner header.
func RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := strings.TrimSpace(c.GetHeader(OwnerHeader))
		if owner == "" {
			sendCustomError(c, http.StatusUnauthorized, ErrCodeUnauthorized, OwnerHeader+" header is required")
			c.Abort()
			return
		}
		c.Set(ctxOwner, owner)
		c.Next()
	}
}
