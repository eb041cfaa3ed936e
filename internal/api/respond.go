// Package api exposes the daemon's control plane over HTTP as a thin
// RESTful projection of the IPC operations.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gwicho38/lsh/internal/domain"
)

// envelope is the JSON shape of every API response.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// kindStatus maps the error taxonomy onto HTTP status codes.
var kindStatus = map[domain.ErrorKind]int{
	domain.KindInvalidInput:       http.StatusBadRequest,
	domain.KindUnauthorized:       http.StatusUnauthorized,
	domain.KindTierLimitExceeded:  http.StatusPaymentRequired,
	domain.KindForbidden:          http.StatusForbidden,
	domain.KindNotFound:           http.StatusNotFound,
	domain.KindAlreadyExists:      http.StatusConflict,
	domain.KindStorageFailure:     http.StatusInternalServerError,
	domain.KindEncryptionFailure:  http.StatusInternalServerError,
	domain.KindDecryptionFailure:  http.StatusInternalServerError,
	domain.KindDaemonUnavailable:  http.StatusServiceUnavailable,
	domain.KindNetworkUnavailable: http.StatusServiceUnavailable,
	domain.KindServiceShutdown:    http.StatusServiceUnavailable,
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

func respondCreated(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, envelope{Success: true, Data: data})
}

// respondErr maps a domain error to its status and envelope.
func respondErr(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		kind = domain.KindStorageFailure
		status = http.StatusInternalServerError
	}

	msg := err.Error()
	var de *domain.Error
	if errors.As(err, &de) {
		msg = de.Message
	}
	c.AbortWithStatusJSON(status, envelope{Success: false, Error: &errorBody{Code: string(kind), Message: msg}})
}

// respondKind builds an error response without an underlying error
// value.
func respondKind(c *gin.Context, kind domain.ErrorKind, message string) {
	respondErr(c, domain.E(kind, "%s", message))
}
