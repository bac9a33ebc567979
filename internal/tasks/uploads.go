// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/wharfhub/wharf/internal/models"
)

// query that finds the next upload session to be cleaned up
var abandonedUploadSearchQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM uploads WHERE updated_at < $1
	ORDER BY updated_at ASC -- oldest uploads first
	FOR UPDATE SKIP LOCKED  -- block concurrent continuation of upload
	LIMIT 1                 -- one at a time
`)

// AbandonedUploadCleanupJob cleans up upload sessions that have not received
// a chunk for more than a day. At most one session is cleaned up per task
// run; sql.ErrNoRows is returned when nothing needs to be done.
func (j *Janitor) AbandonedUploadCleanupJob(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.TxGuardedJob[*gorp.Transaction, models.Upload]{
		Metadata: jobloop.JobMetadata{
			ReadableName: "abandoned upload cleanup",
			CounterOpts: prometheus.CounterOpts{
				Name: "wharf_abandoned_upload_cleanups",
				Help: "Counter for cleanups of abandoned upload sessions.",
			},
		},
		BeginTx: j.db.Begin,
		DiscoverRow: func(_ context.Context, tx *gorp.Transaction, _ prometheus.Labels) (upload models.Upload, err error) {
			maxUpdatedAt := j.timeNow().Add(-24 * time.Hour)
			err = tx.SelectOne(&upload, abandonedUploadSearchQuery, maxUpdatedAt)
			return upload, err
		},
		ProcessRow: j.processAbandonedUpload,
	}).Setup(registerer)
}

func (j *Janitor) processAbandonedUpload(ctx context.Context, tx *gorp.Transaction, upload models.Upload, _ prometheus.Labels) error {
	_, err := tx.Delete(&upload)
	if err != nil {
		return err
	}

	// remove staged chunks before making the DB deletion durable
	if upload.NumChunks > 0 {
		err := j.sd.AbortUpload(ctx, upload.StorageID, upload.NumChunks)
		if err != nil {
			return fmt.Errorf("cannot abort upload %s in storage: %w", upload.UUID, err)
		}
	}

	return tx.Commit()
}
