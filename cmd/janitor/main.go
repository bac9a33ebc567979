// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package janitorcmd

import (
	"net/http"
	"time"

	"github.com/dlmiddlecote/sqlstats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"
	"github.com/spf13/cobra"

	"github.com/wharfhub/wharf/internal/cache"
	"github.com/wharfhub/wharf/internal/storage"
	"github.com/wharfhub/wharf/internal/tasks"
	"github.com/wharfhub/wharf/internal/wharf"
)

// AddCommandTo mounts this command into the command hierarchy.
func AddCommandTo(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Run the wharf-janitor server component.",
		Long:  "Run the wharf-janitor server component. Configuration is read from environment variables as described in README.md.",
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

	rc := must.Return(wharf.GetRedisClient())
	c := cache.NewCache(cfg.Cache, rc)
	sd := must.Return(storage.NewDriver(osext.GetenvOrDefault("STORAGE_DRIVER", "s3"), cfg.Storage))

	// start task loops
	janitor := tasks.NewJanitor(cfg, db, sd, c)
	go janitor.AbandonedUploadCleanupJob(nil).Run(ctx)
	go janitor.CacheVacuumJob(nil).Run(ctx)

	// start HTTP server for Prometheus metrics and health check
	handler := httpapi.Compose(httpapi.HealthCheckAPI{SkipRequestLog: true})
	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", promhttp.Handler())
	listenAddress := osext.GetenvOrDefault("JANITOR_LISTEN_ADDRESS", ":8081")
	must.Succeed(httpext.ListenAndServeContext(ctx, listenAddress, mux))
}
