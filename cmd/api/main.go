// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package apicmd

import (
	"net/http"
	"time"

	"github.com/dlmiddlecote/sqlstats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/httpapi/pprofapi"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"
	"github.com/spf13/cobra"

	"github.com/wharfhub/wharf/internal/api"
	"github.com/wharfhub/wharf/internal/api/accounts"
	"github.com/wharfhub/wharf/internal/api/registryv2"
	"github.com/wharfhub/wharf/internal/cache"
	"github.com/wharfhub/wharf/internal/storage"
	"github.com/wharfhub/wharf/internal/wharf"
)

// AddCommandTo mounts this command into the command hierarchy.
func AddCommandTo(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Run the wharf-api server component.",
		Long:  "Run the wharf-api server component. Configuration is read from environment variables as described in README.md.",
		Args:  cobra.NoArgs,
		Run:   run,
	}
	parent.AddCommand(cmd)
}

func run(cmd *cobra.Command, args []string) {
	_, _ = cmd, args

	cfg := wharf.ParseConfiguration()
	ctx := httpext.ContextWithSIGINT(cmd.Context(), 10*time.Second)

	db := must.Return(wharf.InitDB(cfg.DatabaseURL, cfg.DatabaseMinConnections, cfg.DatabaseMaxConnections))
	prometheus.MustRegister(sqlstats.NewStatsCollector("wharf", db.Db))

	// Redis is optional; without it the cache runs memory-only
	rc := must.Return(wharf.GetRedisClient())
	c := cache.NewCache(cfg.Cache, rc)

	sd := must.Return(storage.NewDriver(osext.GetenvOrDefault("STORAGE_DRIVER", "s3"), cfg.Storage))

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"HEAD", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders: []string{"Content-Type", "User-Agent", "Authorization", "X-API-Key"},
	})
	handler := httpapi.Compose(
		registryv2.NewAPI(cfg, db, sd, c),
		accounts.NewAPI(cfg, db, c),
		api.HealthCheckAPI{DB: db, Storage: sd, Redis: rc},
		httpapi.WithGlobalMiddleware(corsMiddleware.Handler),
		pprofapi.API{IsAuthorized: pprofapi.IsRequestFromLocalhost},
	)
	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", promhttp.Handler())

	must.Succeed(httpext.ListenAndServeContext(ctx, cfg.ListenAddress, mux))
}
