// SPDX-License-Identifier: MIT

// Package api exposes the control plane: JSON HTTP endpoints for managing
// services and backends, live status and stats reads, the websocket event
// stream, Prometheus metrics and the static dashboard.
package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/valenti1234/socat-balancer-2/internal/config"
)

// respondJSON writes v as a JSON response.
func respondJSON(w http.ResponseWriter, log zerolog.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("marshal response failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		log.Error().Err(err).Msg("write response failed")
	}
}

// detailResponse is the single textual error shape all failures share.
type detailResponse struct {
	Detail string `json:"detail"`
}

// messageResponse is the success shape of mutation endpoints.
type messageResponse struct {
	Message string `json:"message"`
}

// respondError maps a core error onto its HTTP status: NotFound → 404,
// validation and conflicts → 400, everything else → 500.
func respondError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, config.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, config.ErrAlreadyExists), config.IsValidation(err):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	respondJSON(w, log, status, detailResponse{Detail: err.Error()})
}

// respondBadRequest writes a 400 with the given detail.
func respondBadRequest(w http.ResponseWriter, log zerolog.Logger, detail string) {
	respondJSON(w, log, http.StatusBadRequest, detailResponse{Detail: detail})
}
