// Package handler holds the HTTP error contract shared by the webhook and API
// handlers.
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/dukerupert/hearth/internal/domain"
)

// ErrorBody is the JSON envelope for every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one error.
type ErrorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ErrorCodeToHTTPStatus maps domain error codes to HTTP status codes.
func ErrorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest
	case domain.EUNAUTHORIZED:
		return http.StatusUnauthorized
	case domain.EPAYMENT:
		return http.StatusPaymentRequired
	case domain.EFORBIDDEN:
		return http.StatusForbidden
	case domain.ENOTFOUND, domain.ENOSUBSCRIPTION:
		return http.StatusNotFound
	case domain.ECONFLICT, domain.ETRANSITION:
		return http.StatusConflict
	case domain.ERATELIMIT:
		return http.StatusTooManyRequests
	case domain.EDOWNSTREAM:
		return http.StatusBadGateway
	case domain.EPROCESSOR:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse writes err as a JSON error or a plain-text body, depending on
// what the client accepts. Internal errors are logged and their details
// replaced with a generic message.
func ErrorResponse(c echo.Context, err error) error {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return ValidationErrorResponse(c, err)
	}

	code := domain.ErrorCode(err)
	status := ErrorCodeToHTTPStatus(code)
	message := domain.ErrorMessage(err)

	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"code", code,
			"op", domain.ErrorOp(err),
			"error", err,
		)
	}

	if !acceptsJSON(c.Request()) {
		return c.String(status, message)
	}
	return c.JSON(status, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}

// ValidationErrorResponse writes field-level errors as a 400. Any other error
// falls back to ErrorResponse.
func ValidationErrorResponse(c echo.Context, err error) error {
	fields := domain.GetValidationFields(err)
	if fields == nil {
		return ErrorResponse(c, err)
	}
	return c.JSON(http.StatusBadRequest, ErrorBody{Error: ErrorDetail{
		Code:    domain.EINVALID,
		Message: "Validation failed",
		Fields:  fields,
	}})
}

// NotFoundResponse writes a generic 404.
func NotFoundResponse(c echo.Context) error {
	return ErrorResponse(c, domain.Errorf(domain.ENOTFOUND, "", "Not found"))
}

// InternalErrorResponse writes a 500, hiding err.
func InternalErrorResponse(c echo.Context, err error) error {
	return ErrorResponse(c, domain.Internal(err, "", "internal error"))
}

// HTTPErrorHandler renders errors returned from handlers, including echo's own
// routing errors, through the same envelope.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := domain.EINTERNAL
		switch he.Code {
		case http.StatusNotFound:
			code = domain.ENOTFOUND
		case http.StatusMethodNotAllowed, http.StatusBadRequest, http.StatusRequestEntityTooLarge:
			code = domain.EINVALID
		case http.StatusTooManyRequests:
			code = domain.ERATELIMIT
		}
		msg, _ := he.Message.(string)
		if msg == "" {
			msg = http.StatusText(he.Code)
		}
		_ = c.JSON(he.Code, ErrorBody{Error: ErrorDetail{Code: code, Message: msg}})
		return
	}
	_ = ErrorResponse(c, err)
}

func acceptsJSON(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/api/") || strings.HasSuffix(r.URL.Path, ".json")
}
