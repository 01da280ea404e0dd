// README: Dispatch handlers: batch dispatch, rider pool view and reconfiguration, running trips.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"parcelnet/internal/modules/dispatch"
	"parcelnet/internal/modules/simulation"
	"parcelnet/internal/types"
)

type TripLister interface {
	Trips() []simulation.TripView
}

type DispatchHandler struct {
	dispatch *dispatch.Service
	trips    TripLister
}

func NewDispatchHandler(dispatchSvc *dispatch.Service, trips TripLister) *DispatchHandler {
	return &DispatchHandler{dispatch: dispatchSvc, trips: trips}
}

type dispatchBatchReq struct {
	OrderIDs []string `json:"orderIds"`
}

func (h *DispatchHandler) DispatchBatch(c *gin.Context) {
	var req dispatchBatchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.OrderIDs) == 0 {
		writeError(c, http.StatusBadRequest, "orderIds required")
		return
	}
	ids := make([]types.ID, len(req.OrderIDs))
	for i, id := range req.OrderIDs {
		ids[i] = types.ID(id)
	}
	res, err := h.dispatch.DispatchBatch(c.Request.Context(), ids)
	if errors.Is(err, dispatch.ErrNoEligibleOrders) {
		writeJSON(c, http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "result": res})
		return
	}
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (h *DispatchHandler) Pool(c *gin.Context) {
	writeJSON(c, http.StatusOK, h.dispatch.CurrentState())
}

type reconfigureReq struct {
	MaxRiders         int `json:"maxRiders"`
	PerRiderMaxOrders int `json:"perRiderMaxOrders"`
}

func (h *DispatchHandler) Reconfigure(c *gin.Context) {
	var req reconfigureReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	st, err := h.dispatch.Reconfigure(c.Request.Context(), req.MaxRiders, req.PerRiderMaxOrders)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (h *DispatchHandler) Trips(c *gin.Context) {
	trips := h.trips.Trips()
	if trips == nil {
		trips = []simulation.TripView{}
	}
	writeJSON(c, http.StatusOK, gin.H{"trips": trips})
}
