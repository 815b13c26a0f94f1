// README: Route handlers for listing routes and their forming groups.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rickqueue/internal/modules/queue"
	"rickqueue/internal/modules/route"
	"rickqueue/internal/types"
)

type RouteHandler struct {
	routes *route.Service
	queue  *queue.Service
}

func NewRouteHandler(routes *route.Service, q *queue.Service) *RouteHandler {
	return &RouteHandler{routes: routes, queue: q}
}

func (h *RouteHandler) List(c *gin.Context) {
	rs, err := h.routes.List(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]gin.H, 0, len(rs))
	for _, r := range rs {
		entry := gin.H{
			"id":          r.ID,
			"origin":      r.OriginName,
			"destination": r.DestinationName,
			"distance_km": r.DistanceKm,
		}
		// A Maps outage only costs the estimate field, never the listing.
		if d, err := h.routes.TravelEstimate(c.Request.Context(), r); err == nil {
			entry["travel_time_min"] = int(d.Minutes())
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"routes": out})
}

func (h *RouteHandler) Groups(c *gin.Context) {
	routeID := c.Param("id")
	if routeID == "" {
		writeError(c, http.StatusBadRequest, "missing route id")
		return
	}
	res, err := h.queue.NearbyGroups(c.Request.Context(), types.ID(routeID))
	if err != nil {
		writeQueueError(c, err)
		return
	}
	groups := make([]gin.H, 0, len(res.Groups))
	for _, g := range res.Groups {
		groups = append(groups, gin.H{
			"group_id":     g.GroupID,
			"policy":       g.Policy,
			"current_size": g.CurrentSize,
			"max_size":     g.MaxSize,
			"wait_seconds": g.WaitSeconds,
		})
	}
	body := gin.H{"groups": groups}
	if res.Recommendation != "" {
		body["recommendation"] = res.Recommendation
	}
	c.JSON(http.StatusOK, body)
}
