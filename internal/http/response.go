package http

import (
	"errors"
	"net/http"

	"tlogd/pkg/dberrors"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// CodeBadRequest is reported for bodies that do not decode.
const CodeBadRequest = "bad_request"

// Response represents the standard API response format. Code carries the error code
// clients map back to typed errors.
type Response struct {
	Status Status `json:"status,omitempty"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value any) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewErrorResponse(err error) Response {
	return Response{Status: StatusError, Error: err.Error(), Code: dberrors.Code(err)}
}

func NewBadRequestResponse(err error) Response {
	return Response{Status: StatusError, Error: err.Error(), Code: CodeBadRequest}
}

// statusOf picks the HTTP status for an error returned by the log server.
func statusOf(err error) int {
	switch {
	case errors.Is(err, dberrors.ErrTLogGroupNotFound), errors.Is(err, dberrors.ErrUnknownRecruitment):
		return http.StatusNotFound
	case errors.Is(err, dberrors.ErrTLogStopped), errors.Is(err, dberrors.ErrWorkerRemoved),
		errors.Is(err, dberrors.ErrOperationObsolete):
		return http.StatusConflict
	case errors.Is(err, dberrors.ErrProtocolViolation):
		return http.StatusBadRequest
	case errors.Is(err, dberrors.ErrIOTimeout), errors.Is(err, dberrors.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
