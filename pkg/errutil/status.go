package errutil

import "net/http"

// CoreStatus is the transport-agnostic error code carried by BaseError.
type CoreStatus string

const (
	StatusBadRequest          CoreStatus = "bad_request"
	StatusValidationFailed    CoreStatus = "validation_failed"
	StatusUnauthorized        CoreStatus = "unauthorized"
	StatusForbidden           CoreStatus = "forbidden"
	StatusNotFound            CoreStatus = "not_found"
	StatusConflict            CoreStatus = "conflict"
	StatusGone                CoreStatus = "gone"
	StatusUnprocessableEntity CoreStatus = "unprocessable_entity"
	StatusTooManyRequests     CoreStatus = "too_many_requests"
	StatusTimeout             CoreStatus = "timeout"
	StatusInternal            CoreStatus = "internal"
	StatusNotImplemented      CoreStatus = "not_implemented"
	StatusServiceUnavailable  CoreStatus = "service_unavailable"
	StatusUnknown             CoreStatus = "unknown"
)

// HTTPStatus converts the CoreStatus to its closest HTTP status code equivalent.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusBadRequest, StatusValidationFailed:
		return http.StatusBadRequest
	case StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict:
		return http.StatusConflict
	case StatusGone:
		return http.StatusGone
	case StatusUnprocessableEntity:
		return http.StatusUnprocessableEntity
	case StatusTooManyRequests:
		return http.StatusTooManyRequests
	case StatusTimeout:
		return http.StatusGatewayTimeout
	case StatusNotImplemented:
		return http.StatusNotImplemented
	case StatusServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// StatusOf extracts the CoreStatus from an error, StatusUnknown if the error
// does not carry one.
func StatusOf(err error) CoreStatus {
	if err == nil {
		return StatusUnknown
	}
	if coder, ok := err.(interface{ Status() CoreStatus }); ok {
		return coder.Status()
	}
	return StatusUnknown
}
