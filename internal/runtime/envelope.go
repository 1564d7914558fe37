package runtime

import (
	"strings"

	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
)

// Envelope is one call as handed over by a transport adapter.
type Envelope struct {
	ID any
	// Version is the API version the caller speaks. Empty means the version
	// the handler is written against.
	Version string
	Service string
	Method  string
	Args    []any

	// Credential is resolved by the gate when no Session is attached.
	Credential *auth.Credential
	Origin     auth.Origin
	Session    *auth.Session
}

// Key is "service.method".
func (e Envelope) Key() string {
	return e.Service + "." + e.Method
}

// SplitMethod splits "pool.dataset.query" into ("pool.dataset", "query").
func SplitMethod(key string) (service, method string) {
	idx := strings.LastIndex(key, ".")
	if idx <= 0 {
		return "", key
	}
	return key[:idx], key[idx+1:]
}

// ReplyError is the error half of a reply.
type ReplyError struct {
	Kind    errspkg.Kind    `json:"kind"`
	Message string          `json:"message"`
	Details []errspkg.Issue `json:"details"`
	Extra   map[string]any  `json:"extra,omitempty"`
	Trace   string          `json:"trace,omitempty"`
}

// Reply answers an Envelope with either a result or an error.
type Reply struct {
	ID     any
	Result any
	Error  *ReplyError
}

type resultReply struct {
	ID     any `json:"id"`
	Result any `json:"result"`
}

type errorReply struct {
	ID    any         `json:"id"`
	Error *ReplyError `json:"error"`
}

// MarshalJSON renders {id, result} or {id, error}.
func (r Reply) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return jsoncodec.Marshal(errorReply{ID: r.ID, Error: r.Error})
	}
	return jsoncodec.Marshal(resultReply{ID: r.ID, Result: r.Result})
}

// Err rebuilds the typed error of a failed reply.
func (r Reply) Err() error {
	if r.Error == nil {
		return nil
	}
	return &errspkg.Error{
		Kind:    r.Error.Kind,
		Message: r.Error.Message,
		Details: r.Error.Details,
		Extra:   r.Error.Extra,
		Trace:   r.Error.Trace,
	}
}

// JobID extracts the job id of a reply to a job method.
func (r Reply) JobID() (int64, bool) {
	obj, ok := r.Result.(map[string]any)
	if !ok || len(obj) != 1 {
		return 0, false
	}
	id, ok := obj["job_id"].(int64)
	return id, ok
}

// newReply turns a call outcome into a reply. Traces are withheld from
// callers that never authenticated.
func newReply(id any, result any, err error, authenticated bool) Reply {
	if err == nil {
		return Reply{ID: id, Result: result}
	}
	typed := errspkg.Normalize(err)
	re := &ReplyError{
		Kind:    typed.Kind,
		Message: typed.Message,
		Details: typed.Details,
		Extra:   typed.Extra,
	}
	if re.Details == nil {
		re.Details = []errspkg.Issue{}
	}
	if authenticated {
		re.Trace = typed.Trace
	}
	return Reply{ID: id, Error: re}
}

func jobResult(id int64) map[string]any {
	return map[string]any{"job_id": id}
}
