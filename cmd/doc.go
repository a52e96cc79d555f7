// Package cmd defines and implements the CLI commands for the apilink-crawler
// executable.
//
// Architecture overview:
//   - Frontier: internal/frontier holds a FIFO of pages plus the set of URLs ever admitted. Admission checks scope
//     (host or registrable domain), depth, exclusion patterns and the visited set in one critical section.
//   - Dispatcher & workers: internal/dispatcher fans pages out to crawler.max_concurrency goroutines and stops when the
//     frontier is empty with no page in progress, on SIGINT/SIGTERM, or when the memory soft cap is exceeded.
//   - Fetch pipeline: every request goes through internal/scheduler, which applies robots.txt, the Badger response
//     cache, per-host slots, download delay with jitter, AutoThrottle, an optional token bucket and retries before
//     handing off to the Colly fetcher.
//   - Extraction: internal/extract parses HTML with goquery and yields links, API candidates from scripts and data
//     attributes, and form actions used to infer POST endpoints.
//   - Output: internal/emitter serializes records to a JSON array (or JSON lines) and mirrors them to Postgres and
//     Pub/Sub when configured. The finished file can be uploaded to Cloud Storage.
//   - Configuration & plumbing: Viper reads file, APILINK_* env and flags; zap provides structured logging; Prometheus
//     metrics and crawl status are served by internal/api when metrics.addr is set.
//
// Quick checklist:
//   - Run locally: go run . crawl --seed https://example.com -o apis_and_links.json
//   - Tune politeness with APILINK_CRAWLER_DOWNLOAD_DELAY, APILINK_AUTOTHROTTLE_ENABLED and APILINK_CRAWLER_HOST_RPS.
//   - Set APILINK_OUTPUT_POSTGRES_DSN, APILINK_OUTPUT_PUBSUB_* or APILINK_OUTPUT_GCS_BUCKET to mirror records.
package cmd
