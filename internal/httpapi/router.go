// Package httpapi is the thin operator-facing HTTP surface: health and
// queue depth only. Authenticated job submission/status/cancel sits
// behind the (out-of-scope) HTTP/auth layer, which calls jobservice
// directly rather than through this router.
package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/soapscribe/backend/internal/degradation"
	"github.com/soapscribe/backend/internal/jobservice"
)

type RouterConfig struct {
	JobService  *jobservice.Service
	Degradation *degradation.Controller
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000"},
		AllowMethods:     []string{"GET"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	router.GET("/healthz", func(c *gin.Context) {
		snapshot := cfg.Degradation.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"level":        string(snapshot.Level),
			"upstreams":    snapshot.Upstreams,
			"storeHealthy": snapshot.StoreHealthy,
			"updatedAt":    snapshot.UpdatedAt,
		})
	})

	router.GET("/queues/:name/stats", func(c *gin.Context) {
		stats, err := cfg.JobService.QueueStats(c.Request.Context(), c.Param("name"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	return router
}
