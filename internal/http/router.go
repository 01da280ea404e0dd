// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"parcelnet/internal/http/handlers"
	"parcelnet/internal/http/middleware"
	"parcelnet/internal/infra"
	"parcelnet/internal/metrics"
	"parcelnet/internal/modules/dispatch"
	"parcelnet/internal/modules/order"
	"parcelnet/internal/modules/topology"
	"parcelnet/internal/modules/tracking"
)

type RouterDeps struct {
	Order     *order.Service
	Dispatch  *dispatch.Service
	Trips     handlers.TripLister
	Topology  *topology.Topology
	Hub       *tracking.Hub
	Positions handlers.PositionReader
	Verifier  infra.TokenVerifier
	Log       *slog.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Log), middleware.Logging(deps.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	orderHandler := handlers.NewOrderHandler(deps.Order, deps.Dispatch)
	api.POST("/orders", orderHandler.Create)
	api.GET("/orders", orderHandler.List)
	api.GET("/orders/:id", orderHandler.Get)
	api.GET("/orders/:id/timeline", orderHandler.Timeline)
	api.POST("/orders/:id/cancel", orderHandler.Cancel)
	api.POST("/orders/:id/complete", orderHandler.Complete)

	dispatchHandler := handlers.NewDispatchHandler(deps.Dispatch, deps.Trips)
	ops := api.Group("", middleware.RequireRole("dispatcher"))
	ops.POST("/orders/:id/ship", orderHandler.Ship)
	ops.POST("/dispatch/batches", dispatchHandler.DispatchBatch)
	ops.PUT("/riders/pool", dispatchHandler.Reconfigure)
	api.GET("/riders/pool", dispatchHandler.Pool)
	api.GET("/trips", dispatchHandler.Trips)

	routeHandler := handlers.NewRouteHandler(deps.Topology)
	api.GET("/routes", routeHandler.Route)
	api.GET("/facilities", routeHandler.Facilities)

	trackingHandler := handlers.NewTrackingHandler(deps.Hub, deps.Positions)
	api.GET("/events", trackingHandler.Stream)
	api.GET("/orders/:id/position", trackingHandler.Position)
	api.GET("/riders/near", trackingHandler.RidersNear)

	return r
}
