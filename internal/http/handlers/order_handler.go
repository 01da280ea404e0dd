// README: Order handlers for create/list/get/timeline and the ship, cancel and complete commands.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"parcelnet/internal/http/middleware"
	"parcelnet/internal/modules/dispatch"
	"parcelnet/internal/modules/order"
	"parcelnet/internal/modules/topology"
	"parcelnet/internal/types"
)

type OrderHandler struct {
	order    *order.Service
	dispatch *dispatch.Service
}

func NewOrderHandler(orderSvc *order.Service, dispatchSvc *dispatch.Service) *OrderHandler {
	return &OrderHandler{order: orderSvc, dispatch: dispatchSvc}
}

type createOrderReq struct {
	CustomerID       string       `json:"customerId"`
	OriginFacilityID string       `json:"originFacilityId"`
	DestFacilityID   string       `json:"destFacilityId"`
	Destination      *types.Point `json:"destination"`
	Address          string       `json:"address"`
	ServiceLevel     string       `json:"serviceLevel"`
	UrgencyScore     int          `json:"urgencyScore"`
	Expedite         bool         `json:"expedite"`
}

func (h *OrderHandler) Create(c *gin.Context) {
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if uid := middleware.CallerUID(c); uid != "" {
		if req.CustomerID == "" {
			req.CustomerID = uid
		} else if req.CustomerID != uid {
			writeError(c, http.StatusForbidden, "cannot create orders for another customer")
			return
		}
	}
	cmd := order.CreateCommand{
		CustomerID:       types.ID(req.CustomerID),
		OriginFacilityID: types.ID(req.OriginFacilityID),
		DestFacilityID:   types.ID(req.DestFacilityID),
		Address:          req.Address,
		ServiceLevel:     topology.ServiceLevel(req.ServiceLevel),
		UrgencyScore:     req.UrgencyScore,
		Expedite:         req.Expedite,
	}
	if req.Destination != nil {
		cmd.Destination = *req.Destination
	}
	o, err := h.order.Create(c.Request.Context(), cmd)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, o)
}

func (h *OrderHandler) List(c *gin.Context) {
	f := order.ListFilter{
		Status:     order.Status(c.Query("status")),
		CustomerID: types.ID(c.Query("customerId")),
		Limit:      50,
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "invalid offset")
			return
		}
		f.Offset = n
	}
	orders, err := h.order.List(c.Request.Context(), f)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if orders == nil {
		orders = []*order.Order{}
	}
	writeJSON(c, http.StatusOK, gin.H{"orders": orders})
}

func (h *OrderHandler) orderID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return "", false
	}
	return types.ID(id), true
}

func (h *OrderHandler) Get(c *gin.Context) {
	id, ok := h.orderID(c)
	if !ok {
		return
	}
	o, err := h.order.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

func (h *OrderHandler) Timeline(c *gin.Context) {
	id, ok := h.orderID(c)
	if !ok {
		return
	}
	entries, err := h.order.Timeline(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"orderId": id, "timeline": entries})
}

// Ship sends one order out as a single-order batch.
func (h *OrderHandler) Ship(c *gin.Context) {
	id, ok := h.orderID(c)
	if !ok {
		return
	}
	res, err := h.dispatch.ShipOrder(c.Request.Context(), id)
	if err != nil {
		writeJSON(c, http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "result": res})
		return
	}
	writeJSON(c, http.StatusOK, res)
}

type cancelOrderReq struct {
	Reason string `json:"reason"`
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	id, ok := h.orderID(c)
	if !ok {
		return
	}
	var req cancelOrderReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	prev, err := h.order.Cancel(c.Request.Context(), order.CancelCommand{OrderID: id, Reason: req.Reason})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	stopped := h.dispatch.CancelOrder(c.Request.Context(), id)
	writeJSON(c, http.StatusOK, gin.H{
		"status":         order.StatusCancelled,
		"previousStatus": prev,
		"removedFromRun": stopped,
	})
}

func (h *OrderHandler) Complete(c *gin.Context) {
	id, ok := h.orderID(c)
	if !ok {
		return
	}
	if err := h.order.Complete(c.Request.Context(), id); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": order.StatusCompleted})
}
