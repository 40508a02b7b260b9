// Package api hosts the operator HTTP surface of the worker. Routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/monitors/{monitor_id}/run to queue an immediate check.
//   - GET /v1/monitors/{monitor_id}/changes to list recent change events.
//   - GET /v1/jobs/abandoned to list jobs that exhausted their attempts.
package api
