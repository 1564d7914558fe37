package handlers

import (
	"context"

	"github.com/truenas/middleware-sub000/internal/runtime/logging"
	"github.com/truenas/middleware-sub000/internal/runtime/metadata"
	"github.com/truenas/middleware-sub000/internal/runtime/methods"
)

// CallContextBase provides what every typed handler sees besides its
// arguments: the raw call, the call metadata and a logger.
type CallContextBase struct {
	Call     *methods.Call
	Metadata metadata.Metadata
	Logger   logging.ServiceLogger
}

func newBase(ctx context.Context, call *methods.Call) CallContextBase {
	logger := call.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return CallContextBase{Call: call, Metadata: metadata.FromContext(ctx), Logger: logger}
}

// CloneMetadata returns a copy of the call metadata so handlers can attach it
// to the events they publish without touching the original map.
func (b CallContextBase) CloneMetadata() metadata.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b CallContextBase) Get(key string) string {
	return b.Metadata[key]
}

// CorrelationID returns the correlation ID from metadata, if present.
func (b CallContextBase) CorrelationID() string {
	return b.Metadata[MetadataKeyCorrelationID]
}

// Job returns the job control of a job call, or nil.
func (b CallContextBase) Job() methods.JobControl {
	if b.Call == nil {
		return nil
	}
	return b.Call.Job
}

// Audit appends msg to the audit record of the call.
func (b CallContextBase) Audit(msg string) {
	b.Call.Audit(msg)
}
