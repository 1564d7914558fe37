/*
Package runtime provides the method dispatcher of middlewared.

# Architecture Overview

A Service owns the model registry, the method registry, the version
pipeline, the authentication gate, the audit pipeline, the job manager and
the event bus. Service.Call resolves an Envelope to a method, checks it
against the gate, validates the arguments in the handler's API version and
runs the handler through a middleware chain. Every call produces exactly one
Reply.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - Model and method registries, sealed before the first call
  - Session table, token service and rate limiter behind the gate
  - Audit sink selected from Config
  - Job manager and its lifecycle hooks
  - Event bus, Watermill event hooks and the broker relay
  - HTTP servers for metrics and the introspection API

## Dispatch (dispatch.go, conn.go, envelope.go)

dispatch.go runs one call from envelope to reply: method resolution, version
negotiation, the gate, audit, argument normalization, execution and result
serialization. Conn carries per-connection state for the gateways: the
session opened by login, pending two-factor logins, subscriptions and reply
ordering.

## Method Registration (registration.go, crud.go, builtins.go)

  - registration.go: RegisterMethod and the typed RegisterTypedMethod
  - crud.go: CRUDService exposes a datastore table and publishes its changes
  - builtins.go: core, job, auth and audit methods

## Middleware (middleware.go)

The middleware system provides composable call stages:
  - CorrelationID: Ensures call traceability
  - LogCalls: Debug logging of dispatched calls
  - Tracer: OpenTelemetry distributed tracing
  - Metrics: Prometheus metrics and per-method statistics
  - Timeout: Per-class call deadlines
  - Recoverer: Panic recovery

## Stats & Monitoring (models.go, resources.go, metrics.go)

Extended metrics collection for method performance:
  - Latency percentiles (p50, p95, p99)
  - Throughput tracking
  - Error categorization
  - Resource usage sampling

## Execution (pool.go, locks.go)

Blocking handlers run on a fixed-size worker pool; methods with a lock key
are serialized per key.

# Subpackages

  - apiversion: ordered API version sequence
  - schema: models, validation, dumping and redaction
  - versioning: argument upgrade and result downgrade between versions
  - methods: method declarations and the method registry
  - auth: roles, credentials, sessions, tokens and the gate
  - audit: audit records and sinks
  - jobs: the job manager
  - events: the event bus, event hooks and the broker relay
  - filters: the query filter language
  - datastore: the table store behind CRUD services
  - config, errors, ids, jsoncodec, logging, metadata, handlers: ambient plumbing
*/
package runtime
