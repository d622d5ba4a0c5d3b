package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RateLimit 返回一个 Gin 中间件，按客户端 IP 做固定窗口限流。
// 计数器存放在 Redis 中，键为 <keyPrefix>ratelimit:<ip>。
func RateLimit(redisClient *redis.Client, keyPrefix string, maxRequests int, window time.Duration) gin.HandlerFunc {
	if redisClient == nil {
		panic("Redis client cannot be nil for RateLimit middleware")
	}
	if maxRequests <= 0 {
		panic("maxRequests must be positive for RateLimit middleware")
	}
	if window <= 0 {
		panic("window duration must be positive for RateLimit middleware")
	}

	return func(c *gin.Context) {
		key := keyPrefix + "ratelimit:" + c.ClientIP()
		ctx := c.Request.Context()

		// INCR 与 EXPIRE 放在同一个 Pipeline 中
		pipe := redisClient.Pipeline()
		incrCmd := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, window)
		if _, err := pipe.Exec(ctx); err != nil {
			logrus.WithError(err).Error("RateLimit: Redis Pipeline failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Rate limiting error"})
			return
		}

		count := incrCmd.Val()
		remaining := int64(maxRequests) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(maxRequests) {
			logrus.WithFields(logrus.Fields{"client_ip": c.ClientIP(), "count": count}).Warn("RateLimit: request rejected")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			return
		}
		c.Next()
	}
}
