package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the Registry's GET /health/nodes surface (spec.md §6).
type Handler struct {
	reg *Registry
}

func NewHandler(reg *Registry) *Handler { return &Handler{reg: reg} }

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health/nodes", h.listNodes)
}

type nodeStatusResponse struct {
	NodeID         string `json:"nodeId"`
	NodeType       string `json:"nodeType"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Status         string `json:"status"`
	LastCheck      int64  `json:"lastCheck"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

func (h *Handler) listNodes(c *gin.Context) {
	results := h.reg.All()
	out := make([]nodeStatusResponse, 0, len(results))
	for _, res := range results {
		out = append(out, nodeStatusResponse{
			NodeID:         res.NodeID,
			NodeType:       string(res.Type),
			Host:           res.Host,
			Port:           res.Port,
			Status:         res.Status.String(),
			LastCheck:      res.LastCheck.UnixMilli(),
			ResponseTimeMs: res.ResponseTimeMs,
			ErrorMessage:   res.Error,
		})
	}
	c.JSON(http.StatusOK, out)
}
