/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiresponses

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Code is the machine readable error class in an APIError.
type Code string

const (
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeBadRequest         Code = "BAD_REQUEST"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeInternal           Code = "INTERNAL_ERROR"
	CodeNotPublished       Code = "NOT_PUBLISHED"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
)

// APIError represents a standardized error response. LogID is set when the
// request produced an audit entry even though it failed.
type APIError struct {
	Error   string `json:"error"`
	Code    Code   `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
	LogID   string `json:"logId,omitempty"`
}

func respond(c *gin.Context, status int, body APIError) {
	c.AbortWithStatusJSON(status, body)
}

// RespondUnauthorized sends a 401 when the request carries no actor.
func RespondUnauthorized(c *gin.Context) {
	respond(c, http.StatusUnauthorized, APIError{Error: "user not authenticated", Code: CodeUnauthorized})
}

// RespondBadRequest sends a 400 Bad Request response.
func RespondBadRequest(c *gin.Context, message string) {
	respond(c, http.StatusBadRequest, APIError{Error: message, Code: CodeBadRequest})
}

// RespondBadRequestWithDetails sends a 400 with the binding or validation error
// as details.
func RespondBadRequestWithDetails(c *gin.Context, message, details string) {
	respond(c, http.StatusBadRequest, APIError{Error: message, Code: CodeBadRequest, Details: details})
}

// RespondTooManyRequests sends a 429 Too Many Requests response.
func RespondTooManyRequests(c *gin.Context) {
	respond(c, http.StatusTooManyRequests, APIError{
		Error: "rate limit exceeded, please try again later",
		Code:  CodeRateLimited,
	})
}

// RespondInternalError logs err and sends a 500 without the error text.
func RespondInternalError(c *gin.Context, operation string, err error, log *zap.Logger) {
	if log != nil {
		log.Error("failed to "+operation, zap.Error(err))
	}
	respond(c, http.StatusInternalServerError, APIError{
		Error: fmt.Sprintf("failed to %s", operation),
		Code:  CodeInternal,
	})
}

// RespondNotPublished sends a 502 for an event that reached the local log but
// was rejected by the broker.
func RespondNotPublished(c *gin.Context, logID string, err error) {
	body := APIError{
		Error: "audit event logged locally but not published",
		Code:  CodeNotPublished,
		LogID: logID,
	}
	if err != nil {
		body.Details = err.Error()
	}
	respond(c, http.StatusBadGateway, body)
}

// RespondServiceUnavailable sends a 503 naming the missing component.
func RespondServiceUnavailable(c *gin.Context, component string) {
	respond(c, http.StatusServiceUnavailable, APIError{
		Error: fmt.Sprintf("service unavailable: %s", component),
		Code:  CodeServiceUnavailable,
	})
}

// RespondOK sends a 200 OK response with the given data.
func RespondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

// RespondCreated sends a 201 Created response with the given data.
func RespondCreated(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, data)
}
