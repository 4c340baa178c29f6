package health

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTP_ListNodes(t *testing.T) {
	dial := func(network, address string, timeout time.Duration) (net.Conn, error) {
		return fakeConn{}, nil
	}
	reg := New(Options{Interval: time.Hour, Dial: dial})
	defer reg.Close()
	reg.Watch(Target{NodeID: "n1", Type: NodeCache, Host: "localhost", Port: 1})
	reg.ProbeNow("n1")

	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(reg).Register(router)

	req := httptest.NewRequest(http.MethodGet, "/health/nodes", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var nodes []nodeStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "HEALTHY", nodes[0].Status)
}
