package server

import (
	"net/http"
	"strconv"
	"time"

	changedomain "github.com/fitloop/cadence/internal/changehistory/domain"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) createSubscription(c *gin.Context) {
	var req subscriptiondomain.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	sub, err := s.subscriptionSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) listSubscriptions(c *gin.Context) {
	req := subscriptiondomain.ListSubscriptionRequest{
		Status:     c.Query("status"),
		CustomerID: c.Query("customer_id"),
		GroupID:    c.Query("group_id"),
		PageToken:  c.Query("page_token"),
	}
	if size := c.Query("page_size"); size != "" {
		parsed, err := strconv.ParseInt(size, 10, 32)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		req.PageSize = int32(parsed)
	}

	resp, err := s.subscriptionSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getSubscription(c *gin.Context) {
	sub, err := s.subscriptionSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) activateSubscription(c *gin.Context) {
	sub, err := s.subscriptionSvc.Activate(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

type freezeRequest struct {
	Days    int        `json:"days"`
	StartAt *time.Time `json:"start_at,omitempty"`
	Motive  string     `json:"motive,omitempty"`
}

func (s *Server) freezeSubscription(c *gin.Context) {
	var req freezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	sub, err := s.subscriptionSvc.Freeze(c.Request.Context(), subscriptiondomain.FreezeRequest{
		SubscriptionID: c.Param("id"),
		Days:           req.Days,
		StartAt:        req.StartAt,
		Motive:         req.Motive,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) unfreezeSubscription(c *gin.Context) {
	sub, err := s.subscriptionSvc.Unfreeze(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

type motiveRequest struct {
	Motive string `json:"motive,omitempty"`
}

func (s *Server) pauseSubscription(c *gin.Context) {
	var req motiveRequest
	_ = c.ShouldBindJSON(&req)

	sub, err := s.subscriptionSvc.Pause(c.Request.Context(), c.Param("id"), req.Motive)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) resumeSubscription(c *gin.Context) {
	sub, err := s.subscriptionSvc.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

type cancelRequest struct {
	AtPeriodEnd bool   `json:"at_period_end"`
	Motive      string `json:"motive,omitempty"`
}

func (s *Server) cancelSubscription(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)

	sub, err := s.subscriptionSvc.Cancel(c.Request.Context(), subscriptiondomain.CancelRequest{
		SubscriptionID: c.Param("id"),
		AtPeriodEnd:    req.AtPeriodEnd,
		Motive:         req.Motive,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

type changePlanRequest struct {
	NewPlanID        string `json:"new_plan_id"`
	ApplyImmediately bool   `json:"apply_immediately"`
	Motive           string `json:"motive,omitempty"`
}

func (s *Server) changePlan(c *gin.Context) {
	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.subscriptionSvc.ChangePlan(c.Request.Context(), subscriptiondomain.ChangePlanRequest{
		SubscriptionID:   c.Param("id"),
		NewPlanID:        req.NewPlanID,
		ApplyImmediately: req.ApplyImmediately,
		Motive:           req.Motive,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type transferConfigRequest struct {
	AutoTransfer      bool `json:"auto_transfer"`
	MaxTransferable   int  `json:"max_transferable"`
	TransferOnRenewal bool `json:"transfer_on_renewal"`
}

func (s *Server) setTransferConfig(c *gin.Context) {
	var req transferConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	sub, err := s.subscriptionSvc.SetTransferConfig(c.Request.Context(), subscriptiondomain.TransferConfigRequest{
		SubscriptionID:    c.Param("id"),
		AutoTransfer:      req.AutoTransfer,
		MaxTransferable:   req.MaxTransferable,
		TransferOnRenewal: req.TransferOnRenewal,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) listHistory(c *gin.Context) {
	req := changedomain.ListRequest{
		SubscriptionID: c.Param("id"),
		PageToken:      c.Query("page_token"),
	}
	if size := c.Query("page_size"); size != "" {
		parsed, err := strconv.ParseInt(size, 10, 32)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		req.PageSize = int32(parsed)
	}

	resp, err := s.historySvc.ListBySubscription(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) createGroup(c *gin.Context) {
	var req subscriptiondomain.CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.subscriptionSvc.CreateGroup(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) addGroupMember(c *gin.Context) {
	var req struct {
		Member subscriptiondomain.CreateSubscriptionRequest `json:"member"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	sub, err := s.subscriptionSvc.AddMember(c.Request.Context(), subscriptiondomain.AddMemberRequest{
		GroupID: c.Param("id"),
		Member:  req.Member,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) removeGroupMember(c *gin.Context) {
	var req motiveRequest
	_ = c.ShouldBindJSON(&req)

	err := s.subscriptionSvc.RemoveMember(c.Request.Context(), c.Param("id"), c.Param("customer_id"), req.Motive)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}
