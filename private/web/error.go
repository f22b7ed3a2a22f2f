// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package web provides common helpers for HTTP handlers.
package web

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// ServeJSONError writes a JSON error response and logs it.
func ServeJSONError(ctx context.Context, log *zap.Logger, w http.ResponseWriter, status int, err error) {
	ServeCustomJSONError(ctx, log, w, status, err, err.Error())
}

// ServeCustomJSONError writes a JSON error response with a custom message,
// keeping the underlying error out of the response body.
func ServeCustomJSONError(ctx context.Context, log *zap.Logger, w http.ResponseWriter, status int, err error, msg string) {
	fields := []zap.Field{
		zap.Int("code", status),
		zap.String("message", msg),
		zap.Error(err),
	}

	switch status {
	case http.StatusNoContent:
	case http.StatusInternalServerError:
		log.Error("returning error to client", fields...)
	case http.StatusBadRequest:
		log.Debug("returning error to client", fields...)
	default:
		log.Info("returning error to client", fields...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err = json.NewEncoder(w).Encode(map[string]string{"error": msg})
	if err != nil {
		log.Error("failed to write json error response", zap.Error(err))
	}
}
