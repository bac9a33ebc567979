// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/wharfhub/wharf/internal/storage"
	"github.com/wharfhub/wharf/internal/wharf"
)

// HealthCheckAPI serves GET /healthcheck. The database and the object store
// are hard dependencies; Redis is not (the cache degrades to memory-only), so
// a broken Redis is reported in the body but does not fail the check.
type HealthCheckAPI struct {
	DB      *wharf.DB
	Storage storage.Driver
	Redis   *redis.Client // optional
}

// AddTo implements the httpapi.API interface.
func (h HealthCheckAPI) AddTo(r *mux.Router) {
	r.Methods("GET", "HEAD").Path("/healthcheck").HandlerFunc(h.handleHealthCheck)
}

func (h HealthCheckAPI) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/healthcheck")
	httpapi.SkipRequestLog(r)
	ctx := r.Context()

	status := struct {
		Database string `json:"database"`
		Storage  string `json:"storage"`
		Redis    string `json:"redis,omitempty"`
	}{Database: "ok", Storage: "ok"}
	healthy := true

	if err := h.DB.Db.PingContext(ctx); err != nil {
		status.Database = err.Error()
		healthy = false
	}
	if err := h.Storage.HealthCheck(ctx); err != nil {
		status.Storage = err.Error()
		healthy = false
	}
	if h.Redis != nil {
		status.Redis = "ok"
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			status.Redis = err.Error()
		}
	}

	statusCode := http.StatusOK
	if !healthy {
		statusCode = http.StatusServiceUnavailable
	}
	respondwith.JSON(w, statusCode, status)
}
