package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tokenops/ftdispatch/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	transferHandler := handler.NewTransferHandler(deps)

	// POST /send-ft - submit one transfer or a batch
	r.POST("/send-ft", transferHandler.SendFT)

	// GET /transfer/:jobId - job status lookup
	r.GET("/transfer/:jobId", transferHandler.GetTransfer)

	// GET /transfer/tx/:txHash - transfers carried by one transaction
	r.GET("/transfer/tx/:txHash", transferHandler.GetTransfersByTx)

	// Metrics
	metrics := r.Group("/metrics")
	{
		metrics.GET("/jobs", transferHandler.JobMetrics)
		metrics.GET("/batching", transferHandler.BatchingMetrics)
	}

	return r
}
