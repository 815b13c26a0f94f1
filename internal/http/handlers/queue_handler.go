// README: Queue handlers for join/status/leave.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rickqueue/internal/http/middleware"
	"rickqueue/internal/modules/queue"
	"rickqueue/internal/types"
)

type QueueHandler struct {
	queue *queue.Service
}

func NewQueueHandler(svc *queue.Service) *QueueHandler {
	return &QueueHandler{queue: svc}
}

type joinReq struct {
	RouteID   string  `json:"route_id"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	WomenOnly bool    `json:"women_only"`
}

func (h *QueueHandler) Join(c *gin.Context) {
	var req joinReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.RouteID == "" {
		writeError(c, http.StatusBadRequest, "missing route_id")
		return
	}

	res, err := h.queue.Join(c.Request.Context(), queue.JoinCommand{
		UserID:    types.ID(middleware.UserID(c)),
		Gender:    types.Gender(middleware.Gender(c)),
		RouteID:   types.ID(req.RouteID),
		Location:  types.Point{Lat: req.Lat, Lng: req.Lng},
		WomenOnly: req.WomenOnly,
	})
	if err != nil {
		writeQueueError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"booking_id":         res.BookingID,
		"group_id":           res.GroupID,
		"group_status":       res.GroupStatus,
		"policy":             res.Policy,
		"current_size":       res.CurrentSize,
		"max_size":           res.MaxSize,
		"seat_number":        res.SeatNumber,
		"estimated_wait_min": res.EstimatedWaitMins,
		"route": gin.H{
			"id":          res.Route.ID,
			"origin":      res.Route.OriginName,
			"destination": res.Route.DestinationName,
		},
	})
}

func (h *QueueHandler) Status(c *gin.Context) {
	st, err := h.queue.Status(c.Request.Context(), types.ID(middleware.UserID(c)))
	if err != nil {
		writeQueueError(c, err)
		return
	}
	if !st.InQueue {
		c.JSON(http.StatusOK, gin.H{"in_queue": false})
		return
	}
	body := gin.H{
		"in_queue":           true,
		"booking_id":         st.BookingID,
		"group_id":           st.GroupID,
		"group_status":       st.GroupStatus,
		"policy":             st.Policy,
		"current_size":       st.CurrentSize,
		"max_size":           st.MaxSize,
		"seat_number":        st.SeatNumber,
		"wait_seconds":       st.WaitSeconds,
		"estimated_wait_min": st.EstimatedWaitMins,
	}
	if st.QRCode != "" {
		body["qr_code"] = st.QRCode
	}
	c.JSON(http.StatusOK, body)
}

func (h *QueueHandler) Leave(c *gin.Context) {
	if err := h.queue.Leave(c.Request.Context(), types.ID(middleware.UserID(c))); err != nil {
		writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
