// Package main hosts the crawler service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, task, crawl, file, account and community endpoints.
//     Crawl and file requests are validated and turned into tasks; every task streams its log over SSE.
//   - Orchestrator & queue: tasks live in the in-memory task.Orchestrator. Their work units flow through a bounded
//     queue sized by tasks.queue_depth to a fixed worker pool sized by tasks.concurrency.
//   - Remote calls: internal/zsxq signs every request with browser-like headers and paces calls per account with a
//     token bucket. Expired memberships surface as task failures carrying result.expired.
//   - Persistence: one SQLite topic database and one file database per community under storage.data_dir, plus a
//     shared account database. Finished tasks are optionally archived in Postgres when history.dsn is set.
//   - Scheduling: with scheduler.enabled the configured communities get periodic incremental syncs.
//   - Configuration & plumbing: Viper reads config files and ZSXQ_* environment variables; zap provides structured
//     logging; Prometheus metrics are exported on /metrics.
//
// Quick checklist:
//   - Set ZSXQ_AUTH_COOKIE or register accounts through POST /api/accounts.
//   - Run locally: go run ./cmd/zsxqcrawler serve --config config.yaml
//   - One-off crawl without the HTTP server: go run ./cmd/zsxqcrawler crawl latest <group_id>
package main
