// Package main hosts the ingestion service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, readiness, metrics and the /v1 routes for sessions,
//     church batches, match lookups, validations and directory queries. Every handler runs under
//     context.WithTimeout(server.request_timeout_seconds).
//   - Engine: internal/engine.Engine stamps sessions and merges with the wall clock, generates UUID v7
//     session IDs, archives raw batches and publishes session-closed events. Archive and publish failures
//     are logged and counted, never returned to the caller.
//   - Store: Postgres through a pgx pool (db.driver=postgres) or an in-memory store (db.driver=memory).
//     The schema is bootstrapped on start when the churches table is missing.
//   - Configuration & plumbing: Viper loads config from file and INGEST_* env vars (plus the legacy
//     DB_HOST/DB_PORT/DB_USER/DB_PASSWORD/DB_NAME/DB_CHARSET); zap provides structured logging;
//     Prometheus metrics are served on /metrics.
//
// Quick checklist:
//   - Configure the database via INGEST_DB_* or DB_*. environment=production refuses the default password.
//   - Optional: archive.backend=gcs|local, pubsub.project_id + pubsub.topic_name, auth.enabled + auth.api_key.
//   - Run locally: go run ./cmd/ingestd -config config.yaml, or INGEST_DB_DRIVER=memory go run ./cmd/ingestd.
//   - The server listens on server.port (overridable via PORT) and drains on SIGTERM.
package main
