// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package ingest

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bklit/bklit-sub002/pkg/core"
)

const (
	CodeInvalidBody        = "invalid_body"
	CodeMissingFields      = "missing_fields"
	CodeInvalidToken       = "invalid_token"
	CodeUnknownProject     = "unknown_project"
	CodeForbiddenOrigin    = "forbidden_origin"
	CodeUsageLimit         = "usage_limit_exceeded"
	CodeEventNotRegistered = "event_not_registered"
	CodeStoreUnavailable   = "store_unavailable"
)

// Error is a client-visible failure rendered as
// {"error": code, "message": message}.
type Error struct {
	Status  int      `json:"-"`
	Code    string   `json:"error"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func invalidBody(err error) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeInvalidBody, Message: "request body is not valid JSON: " + err.Error()}
}

func missingFields(fields []string) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Code:    CodeMissingFields,
		Message: "missing required fields: " + strings.Join(fields, ", "),
		Fields:  fields,
	}
}

// classify maps pipeline errors onto client errors. Anything unrecognised
// is treated as a store failure.
func classify(err error) *Error {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, core.ErrInvalidToken):
		return &Error{Status: http.StatusUnauthorized, Code: CodeInvalidToken, Message: err.Error()}
	case errors.Is(err, core.ErrProjectNotFound):
		return &Error{Status: http.StatusUnauthorized, Code: CodeUnknownProject, Message: err.Error()}
	case errors.Is(err, core.ErrForbiddenOrigin):
		return &Error{Status: http.StatusForbidden, Code: CodeForbiddenOrigin, Message: err.Error()}
	case errors.Is(err, core.ErrUsageLimit):
		return &Error{Status: http.StatusTooManyRequests, Code: CodeUsageLimit, Message: err.Error()}
	case errors.Is(err, core.ErrEventNotFound):
		return &Error{Status: http.StatusNotFound, Code: CodeEventNotRegistered, Message: err.Error()}
	default:
		return &Error{Status: http.StatusInternalServerError, Code: CodeStoreUnavailable, Message: "event could not be stored"}
	}
}
