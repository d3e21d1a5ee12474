package server

import (
	"errors"
	"net/http"

	changedomain "github.com/fitloop/cadence/internal/changehistory/domain"
	discountdomain "github.com/fitloop/cadence/internal/discount/domain"
	invoicedomain "github.com/fitloop/cadence/internal/invoice/domain"
	metricsdomain "github.com/fitloop/cadence/internal/metrics/domain"
	paymentdomain "github.com/fitloop/cadence/internal/payment/domain"
	plandomain "github.com/fitloop/cadence/internal/plan/domain"
	"github.com/fitloop/cadence/internal/proration"
	ledgerdomain "github.com/fitloop/cadence/internal/sessionledger/domain"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var ErrInvalidRequest = errors.New("invalid_request")

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: err.Error(),
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, paymentdomain.ErrPaymentDeclined),
		errors.Is(err, paymentdomain.ErrPaymentTimeout):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "payment_failed",
			Message: err.Error(),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, plandomain.ErrInvalidPlan),
		errors.Is(err, plandomain.ErrInvalidPrice),
		errors.Is(err, plandomain.ErrInvalidFrequency),
		errors.Is(err, subscriptiondomain.ErrInvalidCustomer),
		errors.Is(err, subscriptiondomain.ErrInvalidSubscription),
		errors.Is(err, subscriptiondomain.ErrInvalidKind),
		errors.Is(err, subscriptiondomain.ErrInvalidTrialConfig),
		errors.Is(err, subscriptiondomain.ErrInvalidFreezeWindow),
		errors.Is(err, subscriptiondomain.ErrInvalidGroup),
		errors.Is(err, subscriptiondomain.ErrInvalidTransferConfig),
		errors.Is(err, ledgerdomain.ErrInvalidPeriod),
		errors.Is(err, ledgerdomain.ErrInvalidQuantity),
		errors.Is(err, invoicedomain.ErrInvalidInvoice),
		errors.Is(err, invoicedomain.ErrInvalidAmount),
		errors.Is(err, discountdomain.ErrInvalidDiscount),
		errors.Is(err, discountdomain.ErrInvalidDiscountValue),
		errors.Is(err, discountdomain.ErrInvalidDiscountScope),
		errors.Is(err, discountdomain.ErrInvalidDiscountTargetID),
		errors.Is(err, discountdomain.ErrInvalidDiscountWindowSpan),
		errors.Is(err, metricsdomain.ErrUnknownScenario),
		errors.Is(err, metricsdomain.ErrInvalidWindow),
		errors.Is(err, changedomain.ErrInvalidSubscription),
		errors.Is(err, changedomain.ErrInvalidKind),
		errors.Is(err, proration.ErrPeriodInvalid):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, plandomain.ErrPlanNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, subscriptiondomain.ErrGroupMemberNotFound),
		errors.Is(err, ledgerdomain.ErrEntryNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, discountdomain.ErrDiscountNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, subscriptiondomain.ErrInvalidStateTransition),
		errors.Is(err, subscriptiondomain.ErrSubscriptionArchived),
		errors.Is(err, subscriptiondomain.ErrFreezeNotAllowed),
		errors.Is(err, subscriptiondomain.ErrFreezeTooLong),
		errors.Is(err, subscriptiondomain.ErrAlreadyGroupMember),
		errors.Is(err, plandomain.ErrPlanInactive),
		errors.Is(err, ledgerdomain.ErrInsufficientSessions),
		errors.Is(err, ledgerdomain.ErrEntryExpired),
		errors.Is(err, ledgerdomain.ErrTransferExpired),
		errors.Is(err, invoicedomain.ErrAlreadyPaid),
		errors.Is(err, invoicedomain.ErrRetryExhausted),
		errors.Is(err, discountdomain.ErrDiscountOverlapConflict),
		errors.Is(err, discountdomain.ErrDiscountAlreadyRemoved):
		return true
	default:
		return false
	}
}
