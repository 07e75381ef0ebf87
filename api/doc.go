// Copyright (c) InsightFlow Authors.
// Licensed under the MIT License.

// Package api provides documentation for the InsightFlow HTTP API.
//
// # API Overview
//
// InsightFlow exposes a RESTful API plus a WebSocket event channel for:
//   - Real-time workflow event streaming (/ws)
//   - Human-in-the-loop intervention responses
//   - Intervention history and notification preferences
//   - Health monitoring and metrics
//
// # Authentication
//
// All /api/v1 endpoints require a JWT bearer token:
//
//	Authorization: Bearer <token>
//
// The WebSocket handshake accepts the same token via the ?token= query
// parameter (browsers cannot set headers on WebSocket upgrades).
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// # Endpoints
//
//	GET  /ws                                  WebSocket event channel
//	POST /api/v1/hitl/requests/{id}/respond   Submit an intervention response
//	GET  /api/v1/hitl/workflows/{id}/pending  Current pending intervention
//	GET  /api/v1/hitl/history                 Intervention history (filterable)
//	GET  /api/v1/hitl/preferences             Notification preferences
//	PUT  /api/v1/hitl/preferences             Replace notification preferences
//	GET  /health                              Liveness probe
//	GET  /ready                               Readiness probe (DB / Redis checks)
//	GET  /version                             Build information
//
// Prometheus metrics are served on a separate port (default :9091) at
// /metrics.
package api
