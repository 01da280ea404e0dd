// README: Facility route lookup.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"parcelnet/internal/geo"
	"parcelnet/internal/modules/topology"
	"parcelnet/internal/types"
)

type RouteHandler struct {
	topo *topology.Topology
}

func NewRouteHandler(topo *topology.Topology) *RouteHandler {
	return &RouteHandler{topo: topo}
}

func (h *RouteHandler) Route(c *gin.Context) {
	from, to := c.Query("from"), c.Query("to")
	if !isValidID(from) || !isValidID(to) {
		writeError(c, http.StatusBadRequest, "from and to are required")
		return
	}
	level := topology.ServiceLevel(c.DefaultQuery("level", string(topology.ServiceStandard)))
	if level != topology.ServiceStandard && level != topology.ServiceExpress {
		writeError(c, http.StatusBadRequest, "level must be standard or express")
		return
	}
	path, err := h.topo.Route(types.ID(from), types.ID(to), level)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	points := make([]types.Point, len(path))
	for i, f := range path {
		points[i] = f.Position
	}
	writeJSON(c, http.StatusOK, gin.H{
		"level":      level,
		"facilities": path,
		"distanceKm": geo.PathLengthKm(points),
	})
}

func (h *RouteHandler) Facilities(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"facilities": h.topo.Facilities()})
}
