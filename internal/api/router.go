package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akylbek/payment-system/qr-scanner/internal/handlers"
	"github.com/akylbek/payment-system/qr-scanner/internal/telemetry"
)

func NewRouter(scannerHandler *handlers.ScannerHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "qr-scanner"})
	})

	// Scanner routes
	scanner := r.Group("/scanner")
	scanner.GET("", scannerHandler.GetScanner)
	scanner.POST("/toggle", scannerHandler.ToggleFacingMode)
	scanner.POST("/cancel", scannerHandler.Cancel)
	scanner.POST("/retry", scannerHandler.Retry)
	scanner.POST("/source", scannerHandler.SelectSource)
	scanner.POST("/confirm", scannerHandler.Confirm)
	scanner.GET("/notifications", scannerHandler.GetNotifications)
	scanner.GET("/events", scannerHandler.GetEvents)
	scanner.POST("/frames", scannerHandler.PushFrame)
	scanner.PUT("/permission", scannerHandler.SetPermission)

	r.GET("/payment-sources", scannerHandler.GetPaymentSources)
	r.POST("/intents/parse", scannerHandler.ParseIntent)

	return r
}
