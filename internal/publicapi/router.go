package publicapi

import (
	"net/http"
	"strings"

	"github.com/eternisai/enchanted-proxy/internal/config"
	"github.com/eternisai/enchanted-proxy/internal/logger"
	"github.com/eternisai/enchanted-proxy/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
)

// NewRouter builds the gin engine exposing spec.md §6's surface: an
// unauthenticated health endpoint and /metrics (served by
// internal/metrics' handler) and the authenticated v1beta model/generation
// routes. CORS is adapted from the teacher's chi-based
// cors.Handler wiring to gin's HandlerFunc middleware shape.
func NewRouter(h *Handlers, cfg *config.Config, log *logger.Logger) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "x-goog-api-key"},
		AllowCredentials: true,
	})
	router.Use(func(c *gin.Context) {
		corsMiddleware.HandlerFunc(c.Writer, c.Request)
		c.Next()
	})

	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1beta := router.Group("/v1beta")
	v1beta.Use(RequireAPIKey())
	{
		v1beta.GET("/models", h.ListModels)
		v1beta.GET("/models/:model", h.GetModel)
		// The protocol appends the action to the model name within the
		// same path segment ("{m}:generateContent"), which gin's router
		// cannot split at registration time — a single catch-all param
		// is dispatched by suffix instead (see Handlers.dispatchAction).
		v1beta.POST("/models/:modelAction", h.dispatchAction)
	}

	return router
}
