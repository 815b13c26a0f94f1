// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"rickqueue/internal/http/handlers"
	"rickqueue/internal/http/middleware"
	"rickqueue/internal/infra"
	"rickqueue/internal/modules/queue"
	"rickqueue/internal/modules/route"
)

func NewRouter(
	queueService *queue.Service,
	routeService *route.Service,
	verifier infra.TokenVerifier,
	log zerolog.Logger,
) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logging(log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api", middleware.Auth(verifier))

	queueHandler := handlers.NewQueueHandler(queueService)
	api.POST("/queue/join", queueHandler.Join)
	api.GET("/queue/status", queueHandler.Status)
	api.POST("/queue/leave", queueHandler.Leave)

	routeHandler := handlers.NewRouteHandler(routeService, queueService)
	api.GET("/routes", routeHandler.List)
	api.GET("/routes/:id/groups", routeHandler.Groups)

	return r
}
