// Copyright 2025 The Corridor Gateway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package promapi renders the Prometheus-compatible response envelope the
// dashboarding frontend expects from every /api/v1 endpoint.
package promapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// https://prometheus.io/docs/prometheus/latest/querying/api/#format-overview
// Response is the prometheus-compatible response format.
type Response struct {
	Status    status    `json:"status"`
	Data      any       `json:"data,omitempty"`
	ErrorType ErrorType `json:"errorType,omitempty"`
	Error     string    `json:"error,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
}

// QueryData is the data member of query and query_range responses.
type QueryData struct {
	ResultType string `json:"resultType"`
	Result     any    `json:"result"`
}

// SeriesRow is one matrix/vector member: a metric identity plus
// [timestamp, "value"] pairs.
type SeriesRow struct {
	Metric map[string]string `json:"metric"`
	Values [][2]any          `json:"values"`
}

type ErrorType string

const (
	ErrorNone         ErrorType = ""
	ErrorTimeout      ErrorType = "timeout"
	ErrorCanceled     ErrorType = "canceled"
	ErrorExec         ErrorType = "execution"
	ErrorBadData      ErrorType = "bad_data"
	ErrorUnauthorized ErrorType = "unauthorized"
	ErrorInternal     ErrorType = "internal"
	ErrorUnavailable  ErrorType = "unavailable"
	ErrorNotFound     ErrorType = "not_found"
)

// status is the prometheus-compatible status type.
type status string

const (
	statusSuccess status = "success"
	statusError   status = "error"
)

// WriteSuccess writes a successful response to w.
func WriteSuccess(logger log.Logger, w http.ResponseWriter, endpointURI string, data any) {
	write(logger, w, http.StatusOK, endpointURI, Response{Status: statusSuccess, Data: data})
}

// WriteError writes an error response to w with the given HTTP code.
func WriteError(logger log.Logger, w http.ResponseWriter, errType ErrorType, errMsg string, httpCode int, endpointURI string) {
	write(logger, w, httpCode, endpointURI, Response{Status: statusError, ErrorType: errType, Error: errMsg})
}

// write marshals resp to w if it can, otherwise logs and falls back to a
// generic error body.
func write(logger log.Logger, w http.ResponseWriter, httpCode int, endpointURI string, resp Response) {
	logger = log.With(logger, "endpointURI", endpointURI, "intendedStatusCode", httpCode)
	w.Header().Set("Content-Type", "application/json")

	body, err := json.Marshal(resp)
	if err != nil {
		_ = level.Error(logger).Log("msg", "failed to marshal response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		if _, err = w.Write([]byte(`{"status":"error","errorType":"internal","error":"failed to marshal response"}`)); err != nil {
			_ = level.Error(logger).Log("msg", "failed to write error response", "err", err)
		}
		return
	}

	w.WriteHeader(httpCode)
	if _, err = w.Write(body); err != nil {
		_ = level.Error(logger).Log("msg", "failed to write response", "err", err)
	}
}
