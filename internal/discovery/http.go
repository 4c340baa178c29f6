package discovery

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes Registry over HTTP per spec.md §6's discovery surface.
type Handler struct {
	reg *Registry
}

func NewHandler(reg *Registry) *Handler { return &Handler{reg: reg} }

// Register wires every route this component's contract requires onto r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/discovery/nodes", h.register)
	r.DELETE("/discovery/nodes/:id", h.deregister)
	r.GET("/discovery/nodes", h.listAll)
	r.GET("/discovery/nodes/type/:t/cache", h.listHealthyOfType)
	r.POST("/discovery/nodes/:id/heartbeat", h.heartbeat)
	r.POST("/discovery/nodes/:id/health", h.setHealth)
	r.GET("/discovery/ping", h.ping)
}

type registerRequest struct {
	NodeID string   `json:"nodeId" binding:"required"`
	Host   string   `json:"host" binding:"required"`
	Port   int      `json:"port" binding:"required"`
	Type   NodeType `json:"nodeType" binding:"required"`
}

type nodeResponse struct {
	NodeID       string `json:"nodeId"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	NodeType     string `json:"nodeType"`
	RegisteredAt int64  `json:"registeredAt"`
	LastSeen     int64  `json:"lastSeen"`
	Healthy      bool   `json:"healthy"`
}

func toResponse(n Node) nodeResponse {
	return nodeResponse{
		NodeID:       n.NodeID,
		Host:         n.Host,
		Port:         n.Port,
		NodeType:     string(n.Type),
		RegisteredAt: n.RegisteredAt.UnixMilli(),
		LastSeen:     n.LastSeen.UnixMilli(),
		Healthy:      n.Healthy,
	}
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	n := h.reg.Register(req.NodeID, req.Host, req.Port, req.Type)
	c.JSON(http.StatusOK, toResponse(n))
}

func (h *Handler) deregister(c *gin.Context) {
	id := c.Param("id")
	if err := h.reg.Deregister(id); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listAll(c *gin.Context) {
	nodes := h.reg.ListAll()
	out := make([]nodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toResponse(n))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) listHealthyOfType(c *gin.Context) {
	t := NodeType(c.Param("t"))
	nodes := h.reg.ListHealthy(t)
	out := make([]nodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toResponse(n))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) heartbeat(c *gin.Context) {
	id := c.Param("id")
	if err := h.reg.Heartbeat(id); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type setHealthRequest struct {
	Healthy bool `json:"healthy"`
}

func (h *Handler) setHealth(c *gin.Context) {
	id := c.Param("id")
	var req setHealthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := h.reg.SetHealth(id, req.Healthy); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}
