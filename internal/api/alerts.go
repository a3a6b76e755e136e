package api

import (
	"net/http"
	"strings"

	"health-monitor/internal/anomaly"
	"health-monitor/pkg/models"

	"github.com/gin-gonic/gin"
)

type alertBody struct {
	ServiceID string                 `json:"serviceId"`
	Type      models.AlertType       `json:"type"`
	Severity  models.Severity        `json:"severity"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata"`
}

type actorBody struct {
	By string `json:"by"`
}

// actor reads the optional {"by": ...} body, defaulting to "api"
func actor(c *gin.Context) string {
	var body actorBody
	if c.Request.ContentLength != 0 {
		_ = c.ShouldBindJSON(&body)
	}
	if by := strings.TrimSpace(body.By); by != "" {
		return by
	}
	return "api"
}

func (s *Server) handleGetAlerts(c *gin.Context) {
	filter := models.AlertFilter{
		ServiceID: c.Query("serviceId"),
		Type:      models.AlertType(c.Query("type")),
		Severity:  models.Severity(c.Query("severity")),
	}

	var ok bool
	if filter.Acknowledged, ok = queryBool(c, "acknowledged"); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid acknowledged value"})
		return
	}
	if filter.Resolved, ok = queryBool(c, "resolved"); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid resolved value"})
		return
	}
	if filter.Since, ok = queryTime(c, "since"); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid time format. Use RFC3339 format."})
		return
	}
	if filter.Limit, ok = queryInt(c, "limit", defaultListLimit, maxListLimit); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}
	if filter.ServiceID != "" && !isValidID(filter.ServiceID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid serviceId format"})
		return
	}

	alerts, err := s.orchestrator.GetAlertManager().List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, "Failed to list alerts", err)
		return
	}
	c.JSON(http.StatusOK, alerts)
}

func (s *Server) handleCreateAlert(c *gin.Context) {
	var body alertBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	alert, err := s.orchestrator.GetAlertManager().CreateAlert(c.Request.Context(), &models.Alert{
		ServiceID: body.ServiceID,
		Type:      body.Type,
		Severity:  body.Severity,
		Title:     body.Title,
		Message:   body.Message,
		Metadata:  body.Metadata,
	})
	if err != nil {
		respondError(c, "Failed to create alert", err)
		return
	}
	if alert == nil {
		// an identical open alert already exists
		c.JSON(http.StatusOK, gin.H{"duplicate": true})
		return
	}
	c.JSON(http.StatusCreated, alert)
}

func (s *Server) handleGetAlert(c *gin.Context) {
	alert, err := s.orchestrator.GetAlertManager().Get(c.Request.Context(), c.Param("alertId"))
	if err != nil {
		respondError(c, "Failed to get alert", err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) handleAcknowledgeAlert(c *gin.Context) {
	alert, err := s.orchestrator.GetAlertManager().Acknowledge(c.Request.Context(), c.Param("alertId"), actor(c))
	if err != nil {
		respondError(c, "Failed to acknowledge alert", err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) handleResolveAlert(c *gin.Context) {
	alert, err := s.orchestrator.GetAlertManager().Resolve(c.Request.Context(), c.Param("alertId"), actor(c))
	if err != nil {
		respondError(c, "Failed to resolve alert", err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

type detectBody struct {
	DataPoints []anomaly.DataPoint `json:"dataPoints"`
	Config     *anomaly.Config     `json:"config"`
}

type realTimeBody struct {
	Point   anomaly.DataPoint   `json:"point"`
	History []anomaly.DataPoint `json:"history"`
	Config  *anomaly.Config     `json:"config"`
}

func configOrDefault(cfg *anomaly.Config) anomaly.Config {
	if cfg == nil {
		return anomaly.DefaultConfig()
	}
	return *cfg
}

func (s *Server) handleDetectAnomalies(c *gin.Context) {
	var body detectBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	report, err := s.orchestrator.GetAnomalyEngine().DetectAnomalies(body.DataPoints, configOrDefault(body.Config))
	if err != nil {
		respondError(c, "Failed to detect anomalies", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleRealTimeAnomaly(c *gin.Context) {
	var body realTimeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	results, err := s.orchestrator.GetAnomalyEngine().DetectRealTimeAnomaly(body.Point, body.History, configOrDefault(body.Config))
	if err != nil {
		respondError(c, "Failed to score data point", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleServiceAnomalies(c *gin.Context) {
	hours, ok := queryInt(c, "hours", 24, 24*30)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid hours"})
		return
	}

	cfg := anomaly.DefaultConfig()
	if sens := c.Query("sensitivity"); sens != "" {
		cfg.Sensitivity = anomaly.Sensitivity(sens)
	}
	if raw := c.Query("methods"); raw != "" {
		cfg.Methods = nil
		for _, m := range strings.Split(raw, ",") {
			if m = strings.TrimSpace(m); m != "" {
				cfg.Methods = append(cfg.Methods, anomaly.Method(m))
			}
		}
	}

	report, err := s.orchestrator.DetectServiceAnomalies(c.Request.Context(), c.Param("serviceId"), hours, cfg)
	if err != nil {
		respondError(c, "Failed to detect anomalies", err)
		return
	}
	c.JSON(http.StatusOK, report)
}
