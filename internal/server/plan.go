package server

import (
	"net/http"

	plandomain "github.com/fitloop/cadence/internal/plan/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) createPlan(c *gin.Context) {
	var req plandomain.CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	plan, err := s.planSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": plan})
}

func (s *Server) listPlans(c *gin.Context) {
	activeOnly := c.Query("active") == "true"

	plans, err := s.planSvc.List(c.Request.Context(), activeOnly)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": plans})
}

func (s *Server) getPlan(c *gin.Context) {
	plan, err := s.planSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": plan})
}

func (s *Server) deactivatePlan(c *gin.Context) {
	if err := s.planSvc.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}
