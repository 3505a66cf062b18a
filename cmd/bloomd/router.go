package main

import (
	"net/http"
	"time"

	"github.com/codingWhat/redisbloom/conf"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

func newRouter(s *server, c conf.HTTP) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), accessLog())
	if c.RateLimit > 0 {
		r.Use(rateLimit(rate.NewLimiter(rate.Limit(c.RateLimit), c.Burst)))
	}

	r.GET("/metrics", s.metrics)

	filters := r.Group("/filters")
	filters.GET("", s.listFilters)
	filters.DELETE("", s.removeFilters)
	filters.GET("/:name", s.describeFilter)
	filters.DELETE("/:name", s.removeFilter)
	filters.POST("/:name/reset", s.resetFilter)
	filters.POST("/:name/members", s.putMembers)
	filters.GET("/:name/members/:member", s.containsMember)
	filters.POST("/:name/contains", s.containsMembers)
	return r
}

// rateLimit rejects requests once the token bucket is empty.
func rateLimit(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		begin := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
			"cost":   time.Since(begin),
		}).Debug("request")
	}
}
