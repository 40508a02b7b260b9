// The main package for the pagewatch executable.
//
// Architecture overview:
//   - Scheduler: internal/scheduler claims up to worker.batch_size due rows from pending_checks with
//     FOR UPDATE SKIP LOCKED, stamping each with a lease token, and hands the batch to the worker. An empty
//     batch sleeps worker.poll_interval_ms. Cron-driven maintenance reclaims expired leases, enqueues monitors
//     whose next_check_at has passed and purges retained text past its expiry.
//   - Check pipeline: the worker fetches the page through the Colly fetcher (per-host rate limited, 12s timeout,
//     1.5MB cap, HTML only), normalizes it with goquery and fingerprints the text with SHA-256.
//   - Persistence: each job runs in one transaction that locks the monitor, writes the check and snapshot rows,
//     records a change event with its diff payload when the hash moved, and deletes the leased row last. A lost
//     lease rolls everything back.
//   - Fan-out: raw HTML is archived to the configured BlobStore (memory/local/GCS) and committed change events are
//     published to Pub/Sub when a topic is configured. Both are best effort.
//   - Plumbing: Viper and godotenv populate config; zap (optionally teed into a lumberjack file) provides
//     structured logging; Prometheus metrics are served by the ops HTTP server.
//
// Quick checklist:
//   - Configure DATABASE_URL (or PAGEWATCH_DATABASE_URL) and apply internal/storage/postgres/schema.sql.
//   - Single pass: pagewatch run. Long-running: pagewatch run --watch.
//   - Queue a monitor by hand: pagewatch enqueue <monitor-id>.
package main

import (
	"github.com/JakeFAU/pagewatch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
