// Package server provides the HTTP REST API for triggering and observing pipeline runs.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/therapy-pipeline/internal/failure"
	"github.com/jonathan/therapy-pipeline/internal/pipeline"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusInternalServerError
	}
	var verr *ErrValidation
	if errors.As(err, &verr) {
		return http.StatusBadRequest
	}
	if errors.Is(err, pipeline.ErrShuttingDown) {
		return http.StatusServiceUnavailable
	}

	switch failure.KindOf(err) {
	case failure.KindValidation:
		return http.StatusBadRequest
	case failure.KindNotFound:
		return http.StatusNotFound
	case failure.KindUpstream:
		return http.StatusBadGateway
	case failure.KindTimeout:
		return http.StatusGatewayTimeout
	case failure.KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage returns the text safe to put in a response body
func errorMessage(err error) string {
	var verr *ErrValidation
	if errors.As(err, &verr) {
		return verr.Error()
	}
	if errors.Is(err, pipeline.ErrShuttingDown) {
		return "server is shutting down"
	}
	return failure.SafeMessage(err)
}
