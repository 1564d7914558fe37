// Package middleware is the public face of the API method dispatcher: a
// registry of versioned, schema-validated methods that is called over
// WebSocket, REST, the command line or in-process, with role-based
// authorization, auditing and long-running jobs.
//
// A Service owns the method and model registries, the authorization gate,
// the audit pipeline, the job manager and the event bus. Handlers are
// declared as Method values carrying Accepts and Returns models; the
// dispatcher validates and normalizes arguments against Accepts, checks the
// caller's roles, runs the handler (inline or as a job), validates the result
// against Returns and redacts secret fields the caller may not see.
// RegisterTypedMethod decodes the normalized arguments into a Go struct, and
// RegisterCRUDService derives the query, get_instance, create, update and
// delete methods of a datastore-backed collection from one entry model.
//
// A minimal setup fills Config, creates a Service with TryNewService,
// registers methods and mounts the gateways from the gateway/websocket and
// gateway/rest packages before calling Start.
//
// # API versions
//
// Every call names an API version. Models are registered per version and the
// versioning pipeline converts arguments and results between the version a
// client speaks and the version a handler is written against.
//
// # Middleware
//
// The default chain injects correlation IDs, logs calls, records spans and
// Prometheus metrics, enforces per-class deadlines and recovers panics.
// Extra middleware can be appended via ServiceDependencies.Middlewares.
//
// # Events
//
// CRUD services publish added, changed and removed events on the
// "<service>.query" channel. Connections subscribe with core.subscribe and
// receive collection updates matching their filters; events can be relayed
// between processes through one of the broker packages.
package middleware
