package server

import (
	"net/http"
	"strconv"
	"time"

	exportdomain "github.com/fitloop/cadence/internal/export/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) reportMRR(c *gin.Context) {
	asOf := time.Now().UTC()
	if raw := c.Query("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		asOf = parsed
	}

	report, err := s.metricsSvc.MRR(c.Request.Context(), asOf)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": report})
}

func (s *Server) reportChurn(c *gin.Context) {
	to := time.Now().UTC()
	from := to.AddDate(0, -1, 0)
	var err error
	if raw := c.Query("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}
	if raw := c.Query("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	report, err := s.metricsSvc.ChurnRate(c.Request.Context(), from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": report})
}

func (s *Server) reportLTV(c *gin.Context) {
	report, err := s.metricsSvc.LTV(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": report})
}

func (s *Server) reportProjection(c *gin.Context) {
	months := 12
	if raw := c.Query("months"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		months = parsed
	}
	scenario := c.DefaultQuery("scenario", "realistic")

	projection, err := s.metricsSvc.Project(c.Request.Context(), months, scenario)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": projection})
}

func (s *Server) exportCSV(c *gin.Context) {
	req := exportdomain.Request{
		Status:     c.Query("status"),
		CustomerID: c.Query("customer_id"),
	}
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		req.Limit = parsed
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="subscriptions.csv"`)
	if err := s.exportSvc.WriteCSV(c.Request.Context(), c.Writer, req); err != nil {
		AbortWithError(c, err)
		return
	}
}
