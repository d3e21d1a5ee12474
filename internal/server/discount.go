package server

import (
	"net/http"

	discountdomain "github.com/fitloop/cadence/internal/discount/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) applyDiscount(c *gin.Context) {
	var req discountdomain.ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	discount, err := s.discountSvc.Apply(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": discount})
}

func (s *Server) listDiscounts(c *gin.Context) {
	scope := discountdomain.DiscountScope(c.Query("scope"))
	targetID := c.Query("target_id")

	discounts, err := s.discountSvc.List(c.Request.Context(), scope, targetID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": discounts})
}

func (s *Server) removeDiscount(c *gin.Context) {
	var req motiveRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.discountSvc.Remove(c.Request.Context(), c.Param("id"), req.Motive); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}
