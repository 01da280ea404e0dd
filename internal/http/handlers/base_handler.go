// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"parcelnet/internal/modules/dispatch"
	"parcelnet/internal/modules/order"
	"parcelnet/internal/modules/topology"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts the hex order IDs and dashed facility codes we issue.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrBadRequest), errors.Is(err, dispatch.ErrInvalidPoolConfig):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrNotFound), errors.Is(err, topology.ErrUnknownFacility):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrInvalidState), errors.Is(err, order.ErrConflict), errors.Is(err, dispatch.ErrPoolBusy):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrNoEligibleOrders):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
