package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) getInvoice(c *gin.Context) {
	invoice, err := s.invoiceSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

func (s *Server) listFailedInvoices(c *gin.Context) {
	invoices, err := s.invoiceSvc.ListFailed(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": invoices})
}

func (s *Server) listUpcomingInvoices(c *gin.Context) {
	days := 7
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		days = parsed
	}

	invoices, err := s.invoiceSvc.ListUpcoming(c.Request.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": invoices})
}
