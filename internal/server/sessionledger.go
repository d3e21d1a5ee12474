package server

import (
	"net/http"
	"strconv"
	"time"

	ledgerdomain "github.com/fitloop/cadence/internal/sessionledger/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) consumeSessions(c *gin.Context) {
	var req ledgerdomain.ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	entry, err := s.ledgerSvc.Consume(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entry})
}

func (s *Server) grantBonus(c *gin.Context) {
	var req ledgerdomain.BonusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	entry, err := s.ledgerSvc.GrantBonus(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entry})
}

func (s *Server) adjustSessions(c *gin.Context) {
	var req ledgerdomain.AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	entry, err := s.ledgerSvc.Adjust(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entry})
}

func (s *Server) transferSessions(c *gin.Context) {
	var req ledgerdomain.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.ledgerSvc.Transfer(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) listExpiringSessions(c *gin.Context) {
	days := 7
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		days = parsed
	}

	entries, err := s.ledgerSvc.ExpiringSoon(c.Request.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

func (s *Server) listLedger(c *gin.Context) {
	entries, err := s.ledgerSvc.ListBySubscription(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}
