package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type discoveryNodeDTO struct {
	NodeID string `json:"nodeId"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// HealthyCacheNodes pulls GET /discovery/nodes/type/CACHE/cache, the
// discovery HTTP surface's healthy-nodes-of-type endpoint (spec.md §6).
func (c *httpDiscoveryClient) HealthyCacheNodes(ctx context.Context) ([]discoveredNode, error) {
	url := c.baseURL + "/discovery/nodes/type/CACHE/cache"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery returned status %d", resp.StatusCode)
	}

	var dtos []discoveryNodeDTO
	if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
		return nil, fmt.Errorf("decode discovery response: %w", err)
	}

	nodes := make([]discoveredNode, 0, len(dtos))
	for _, d := range dtos {
		nodes = append(nodes, discoveredNode{NodeID: d.NodeID, Host: d.Host, Port: d.Port})
	}
	return nodes, nil
}
