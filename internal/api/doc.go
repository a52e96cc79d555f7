// Package api hosts the operator HTTP surface of a running crawl:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/crawl for live crawl counters.
package api
