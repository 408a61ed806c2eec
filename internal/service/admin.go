package service

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/castor/internal/coordinator"
)

type workerItem struct {
	coordinator.WorkerInfo
	Health *coordinator.WorkerHealth `json:"health,omitempty"`
}

type listClientsResponse struct {
	Items  []coordinator.ClientInfo `json:"items"`
	Total  int                      `json:"total"`
	States map[string]int           `json:"states"`
}

// Router returns the admin HTTP handler.
func (s *Service) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", s.handleHealth)
	router.GET("/clients", s.handleListClients)
	router.GET("/clients/:id", s.handleGetClient)
	router.GET("/log", s.handleLog)
	router.GET("/workers", s.handleWorkers)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})))
	return router
}

// handleHealth reports 503 while any worker is stalled.
func (s *Service) handleHealth(c *gin.Context) {
	var stalled []int
	for id, h := range s.monitor.GetAllWorkerHealth() {
		if h.Status == coordinator.StatusStalled {
			stalled = append(stalled, id)
		}
	}
	if len(stalled) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "stalled_workers": stalled})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Service) handleListClients(c *gin.Context) {
	items := s.registry.Snapshot()
	states := make(map[string]int, len(coordinator.AllStates))
	for _, st := range coordinator.AllStates {
		states[st.String()] = 0
	}
	for _, info := range items {
		states[info.State]++
	}
	c.JSON(http.StatusOK, listClientsResponse{Items: items, Total: len(items), States: states})
}

// handleGetClient looks a client up by the id it connected with.
func (s *Service) handleGetClient(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
		return
	}
	client, ok := s.registry.Lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
		return
	}
	c.JSON(http.StatusOK, s.registry.Info(client))
}

func (s *Service) handleLog(c *gin.Context) {
	c.JSON(http.StatusOK, s.log.Stats())
}

func (s *Service) handleWorkers(c *gin.Context) {
	infos := s.pool.Workers()
	items := make([]workerItem, len(infos))
	for i, info := range infos {
		items[i] = workerItem{WorkerInfo: info, Health: s.monitor.GetWorkerHealth(info.ID)}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}
