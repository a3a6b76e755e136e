package api

import (
	"net/http"
	"time"

	"health-monitor/pkg/models"

	"github.com/gin-gonic/gin"
)

// checkBody carries durations in milliseconds
type checkBody struct {
	Interval   int64             `json:"interval"`
	Timeout    int64             `json:"timeout"`
	Retries    int               `json:"retries"`
	HealthPath string            `json:"healthPath"`
	Thresholds models.Thresholds `json:"thresholds"`
}

type serviceBody struct {
	Name     string             `json:"name"`
	Type     models.ServiceType `json:"type"`
	Provider string             `json:"provider"`
	Endpoint string             `json:"endpoint"`
	Auth     models.Auth        `json:"auth"`
	Checks   []checkBody        `json:"checks"`
	Enabled  *bool              `json:"enabled"`
}

func (b serviceBody) toTarget() *models.ServiceTarget {
	svc := &models.ServiceTarget{
		Name:     b.Name,
		Type:     b.Type,
		Provider: b.Provider,
		Endpoint: b.Endpoint,
		Auth:     b.Auth,
		Enabled:  b.Enabled == nil || *b.Enabled,
	}
	for _, c := range b.Checks {
		svc.Checks = append(svc.Checks, models.CheckConfig{
			Interval:   time.Duration(c.Interval) * time.Millisecond,
			Timeout:    time.Duration(c.Timeout) * time.Millisecond,
			Retries:    c.Retries,
			HealthPath: c.HealthPath,
			Thresholds: c.Thresholds,
		})
	}
	return svc
}

type authView struct {
	Kind   models.AuthKind `json:"kind"`
	Header string          `json:"header,omitempty"`
}

type serviceView struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Type      models.ServiceType  `json:"type"`
	Provider  string              `json:"provider,omitempty"`
	Endpoint  string              `json:"endpoint"`
	Auth      authView            `json:"auth"`
	Checks    []checkBody         `json:"checks"`
	Status    models.HealthStatus `json:"status"`
	Enabled   bool                `json:"enabled"`
	Monitored bool                `json:"monitored"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// viewOf renders a service without its credentials
func (s *Server) viewOf(svc *models.ServiceTarget) serviceView {
	v := serviceView{
		ID:        svc.ID,
		Name:      svc.Name,
		Type:      svc.Type,
		Provider:  svc.Provider,
		Endpoint:  svc.Endpoint,
		Auth:      authView{Kind: svc.Auth.Kind, Header: svc.Auth.Header},
		Checks:    make([]checkBody, 0, len(svc.Checks)),
		Status:    svc.Status,
		Enabled:   svc.Enabled,
		Monitored: s.orchestrator.IsMonitored(svc.ID),
		CreatedAt: svc.CreatedAt,
		UpdatedAt: svc.UpdatedAt,
	}
	for _, c := range svc.Checks {
		v.Checks = append(v.Checks, checkBody{
			Interval:   c.Interval.Milliseconds(),
			Timeout:    c.Timeout.Milliseconds(),
			Retries:    c.Retries,
			HealthPath: c.HealthPath,
			Thresholds: c.Thresholds,
		})
	}
	return v
}

func (s *Server) handleListServices(c *gin.Context) {
	services, err := s.orchestrator.ListServices(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to list services", err)
		return
	}
	views := make([]serviceView, 0, len(services))
	for _, svc := range services {
		views = append(views, s.viewOf(svc))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleCreateService(c *gin.Context) {
	var body serviceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	svc, err := s.orchestrator.CreateService(c.Request.Context(), body.toTarget())
	if err != nil {
		respondError(c, "Failed to create service", err)
		return
	}
	c.JSON(http.StatusCreated, s.viewOf(svc))
}

func (s *Server) handleGetService(c *gin.Context) {
	svc, err := s.orchestrator.GetService(c.Request.Context(), c.Param("serviceId"))
	if err != nil {
		respondError(c, "Failed to get service", err)
		return
	}
	c.JSON(http.StatusOK, s.viewOf(svc))
}

func (s *Server) handleUpdateService(c *gin.Context) {
	var body serviceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	svc, err := s.orchestrator.UpdateService(c.Request.Context(), c.Param("serviceId"), body.toTarget())
	if err != nil {
		respondError(c, "Failed to update service", err)
		return
	}
	c.JSON(http.StatusOK, s.viewOf(svc))
}

func (s *Server) handleDeleteService(c *gin.Context) {
	if err := s.orchestrator.DeleteService(c.Request.Context(), c.Param("serviceId")); err != nil {
		respondError(c, "Failed to delete service", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRunCheck(c *gin.Context) {
	result, err := s.orchestrator.PerformHealthCheck(c.Request.Context(), c.Param("serviceId"))
	if err != nil {
		respondError(c, "Failed to run health check", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetServiceMetrics(c *gin.Context) {
	m, err := s.orchestrator.GetServiceMetrics(c.Request.Context(), c.Param("serviceId"))
	if err != nil {
		respondError(c, "Failed to get metrics", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"metrics":   m,
		"errorRate": m.ErrorRate(),
	})
}

func (s *Server) handleListChecks(c *gin.Context) {
	since, ok := queryTime(c, "since")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid time format. Use RFC3339 format."})
		return
	}
	limit, ok := queryInt(c, "limit", defaultListLimit, maxListLimit)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}

	checks, err := s.orchestrator.ListHealthChecks(c.Request.Context(), c.Param("serviceId"), since, limit)
	if err != nil {
		respondError(c, "Failed to list health checks", err)
		return
	}
	if checks == nil {
		checks = []*models.HealthCheckResult{}
	}
	c.JSON(http.StatusOK, checks)
}

func (s *Server) handleStartMonitoring(c *gin.Context) {
	svc, err := s.orchestrator.GetService(c.Request.Context(), c.Param("serviceId"))
	if err != nil {
		respondError(c, "Failed to start monitoring", err)
		return
	}
	s.orchestrator.StartMonitoring(svc)
	c.JSON(http.StatusOK, gin.H{"serviceId": svc.ID, "monitoring": true})
}

func (s *Server) handleStopMonitoring(c *gin.Context) {
	id := c.Param("serviceId")
	if _, err := s.orchestrator.GetService(c.Request.Context(), id); err != nil {
		respondError(c, "Failed to stop monitoring", err)
		return
	}
	stopped := s.orchestrator.StopMonitoring(id)
	c.JSON(http.StatusOK, gin.H{"serviceId": id, "monitoring": false, "wasRunning": stopped})
}

func (s *Server) handleHealthReport(c *gin.Context) {
	hours, ok := queryInt(c, "hours", 24, 24*90)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid hours"})
		return
	}
	report, err := s.orchestrator.GenerateHealthReport(c.Request.Context(), hours)
	if err != nil {
		respondError(c, "Failed to generate health report", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleOverview(c *gin.Context) {
	overview, err := s.orchestrator.GetSystemOverview(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to build overview", err)
		return
	}
	c.JSON(http.StatusOK, overview)
}
