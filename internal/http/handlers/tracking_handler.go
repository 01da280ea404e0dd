// README: Tracking handlers: server-sent event stream, last order position, riders near a point.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"parcelnet/internal/modules/tracking"
	"parcelnet/internal/types"
)

// sseBuffer is how many envelopes a slow client may lag behind before it misses updates.
const sseBuffer = 256

type PositionReader interface {
	LastPosition(ctx context.Context, orderID types.ID) (tracking.TrackedPosition, error)
	RidersNear(ctx context.Context, p types.Point, radiusKm float64) ([]int, error)
}

type TrackingHandler struct {
	hub       *tracking.Hub
	positions PositionReader
}

// NewTrackingHandler accepts a nil reader when Redis is not configured.
func NewTrackingHandler(hub *tracking.Hub, positions PositionReader) *TrackingHandler {
	return &TrackingHandler{hub: hub, positions: positions}
}

// Stream pushes every envelope as an SSE event named after its type.
func (h *TrackingHandler) Stream(c *gin.Context) {
	ch, cancel := h.hub.Subscribe(sseBuffer)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(env.Type, env)
			c.Writer.Flush()
		}
	}
}

func (h *TrackingHandler) Position(c *gin.Context) {
	if h.positions == nil {
		writeError(c, http.StatusServiceUnavailable, "position store not configured")
		return
	}
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	pos, err := h.positions.LastPosition(c.Request.Context(), types.ID(id))
	if errors.Is(err, tracking.ErrNoPosition) {
		writeError(c, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, pos)
}

func (h *TrackingHandler) RidersNear(c *gin.Context) {
	if h.positions == nil {
		writeError(c, http.StatusServiceUnavailable, "position store not configured")
		return
	}
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	p := types.Point{Lat: lat, Lng: lng}
	if errLat != nil || errLng != nil || !p.Valid() {
		writeError(c, http.StatusBadRequest, "lat and lng are required")
		return
	}
	radius := 3.0
	if v := c.Query("radiusKm"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 || r > 100 {
			writeError(c, http.StatusBadRequest, "invalid radiusKm")
			return
		}
		radius = r
	}
	riders, err := h.positions.RidersNear(c.Request.Context(), p, radius)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"riders": riders, "radiusKm": radius})
}
