package admin

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"relayd/util"
)

const subjectKey = "subject"

// jwtAuth rejects requests without a valid bearer token.
func jwtAuth(key []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization header"})
			return
		}

		claims, err := ParseToken(key, strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(subjectKey, claims.Subject)
		c.Next()
	}
}

// requestLogger logs one line per request at verbose level.
func requestLogger(logger *util.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Verbose().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Str("client_ip", c.ClientIP()).
			Str("subject", c.GetString(subjectKey)).
			Dur("took", time.Since(start)).
			Msg("admin request")
	}
}
