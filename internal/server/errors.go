package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/rentflow/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/rentflow/internal/audit/domain"
	"github.com/smallbiznis/rentflow/internal/authorization"
	paymentdomain "github.com/smallbiznis/rentflow/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/rentflow/internal/payout/domain"
	reconcilerdomain "github.com/smallbiznis/rentflow/internal/reconciler/domain"
	"github.com/smallbiznis/rentflow/internal/remittance"
	transferdomain "github.com/smallbiznis/rentflow/internal/transfer/domain"
	"github.com/smallbiznis/rentflow/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

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

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, apikeydomain.ErrInvalidAPIKey),
		errors.Is(err, reconcilerdomain.ErrAuthenticationFailure):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isConflictError(err):
		// The sentinel text tells operators which precondition failed.
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger without leaking internals.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return payload.Type, "internal_error"
	}
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, payload.Message
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, paymentdomain.ErrInvalidAmount),
		errors.Is(err, paymentdomain.ErrInvalidID),
		errors.Is(err, paymentdomain.ErrInvalidInvoice),
		errors.Is(err, paymentdomain.ErrInvalidTransaction),
		errors.Is(err, paymentdomain.ErrInvalidReviewReason),
		errors.Is(err, transferdomain.ErrInvalidID),
		errors.Is(err, payoutdomain.ErrInvalidID),
		errors.Is(err, apikeydomain.ErrInvalidName),
		errors.Is(err, apikeydomain.ErrInvalidRole),
		errors.Is(err, apikeydomain.ErrInvalidKeyID),
		errors.Is(err, apikeydomain.ErrInvalidExpiry),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction),
		errors.Is(err, reconcilerdomain.ErrMalformedPayload),
		errors.Is(err, reconcilerdomain.ErrUnknownStatus):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, paymentdomain.ErrInvalidTransition),
		errors.Is(err, paymentdomain.ErrLedgerConflict),
		errors.Is(err, paymentdomain.ErrTransactionClaimed),
		errors.Is(err, paymentdomain.ErrInvoiceAlreadyExists),
		errors.Is(err, paymentdomain.ErrConcurrentUpdate),
		errors.Is(err, paymentdomain.ErrNotUnderReview),
		errors.Is(err, transferdomain.ErrCannotCancel),
		errors.Is(err, transferdomain.ErrAttemptInFlight),
		errors.Is(err, transferdomain.ErrConcurrentUpdate),
		errors.Is(err, payoutdomain.ErrPaymentNotPaid),
		errors.Is(err, payoutdomain.ErrPaymentUnderReview),
		errors.Is(err, payoutdomain.ErrNoPayoutMethod),
		errors.Is(err, payoutdomain.ErrDuplicateActiveTransfer),
		errors.Is(err, reconcilerdomain.ErrNoInvoice),
		errors.Is(err, reconcilerdomain.ErrAmountMismatch),
		errors.Is(err, apikeydomain.ErrAlreadyRevoked),
		errors.Is(err, remittance.ErrNotSettled):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	for _, sentinel := range []error{
		paymentdomain.ErrInvalidTransition,
		paymentdomain.ErrLedgerConflict,
		paymentdomain.ErrTransactionClaimed,
		paymentdomain.ErrInvoiceAlreadyExists,
		paymentdomain.ErrNotUnderReview,
		transferdomain.ErrCannotCancel,
		transferdomain.ErrAttemptInFlight,
		payoutdomain.ErrPaymentNotPaid,
		payoutdomain.ErrPaymentUnderReview,
		payoutdomain.ErrNoPayoutMethod,
		payoutdomain.ErrDuplicateActiveTransfer,
		reconcilerdomain.ErrNoInvoice,
		reconcilerdomain.ErrAmountMismatch,
		apikeydomain.ErrAlreadyRevoked,
		remittance.ErrNotSettled,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "conflict"
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, paymentdomain.ErrNotFound),
		errors.Is(err, transferdomain.ErrNotFound),
		errors.Is(err, payoutdomain.ErrPaymentNotFound),
		errors.Is(err, apikeydomain.ErrNotFound),
		errors.Is(err, reconcilerdomain.ErrUnknownInvoice),
		errors.Is(err, remittance.ErrPayoutMethodMissing),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	if errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}
	if errors.Is(err, reconcilerdomain.ErrUnknownStatus) {
		return reconcilerdomain.ErrUnknownStatus.Error()
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
