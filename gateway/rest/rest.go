// Package rest exposes every public method as
// POST /api/{version}/{service}/{method}. The request body is the JSON array
// of positional arguments; credentials travel in the Authorization header.
package rest

import (
	"errors"
	"io"
	"net/http"

	"github.com/truenas/middleware-sub000/internal/runtime"
	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
	loggingpkg "github.com/truenas/middleware-sub000/internal/runtime/logging"
)

const maxBodySize = 16 << 20

// CurrentVersion selects the version the handlers are written against.
const CurrentVersion = "current"

// Pattern is the route the handler expects to be mounted on.
const Pattern = "POST /api/{version}/{service}/{method}"

type Handler struct {
	svc *runtime.Service
	log loggingpkg.ServiceLogger
}

func New(svc *runtime.Service, log loggingpkg.ServiceLogger) *Handler {
	if log == nil {
		log = svc.Logger
	}
	return &Handler{svc: svc, log: log.With(loggingpkg.LogFields{"component": "rest"})}
}

// Register mounts the handler on the service's HTTP server for port.
func (h *Handler) Register(port int) {
	h.svc.RegisterHTTPHandler(port, Pattern, h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	version := r.PathValue("version")
	if version == CurrentVersion {
		version = ""
	}

	args, err := decodeArgs(w, r)
	if err != nil {
		writeError(w, &runtime.ReplyError{Kind: errspkg.KindValidation, Message: err.Error(), Details: []errspkg.Issue{}})
		return
	}

	env := runtime.Envelope{
		Version: version,
		Service: r.PathValue("service"),
		Method:  r.PathValue("method"),
		Args:    args,
		Origin:  auth.RemoteOrigin(auth.TransportREST, r.RemoteAddr, r.TLS != nil),
	}
	if cred, ok := auth.CredentialFromRequest(r); ok {
		env.Credential = &cred
	}

	reply := h.svc.Call(r.Context(), env)
	if reply.Error != nil {
		if reply.Error.Kind == errspkg.KindInternal {
			h.log.Error("Call failed", reply.Err(), loggingpkg.LogFields{"method": env.Key(), "remote": r.RemoteAddr})
		}
		writeError(w, reply.Error)
		return
	}
	writeJSON(w, http.StatusOK, reply.Result)
}

func decodeArgs(w http.ResponseWriter, r *http.Request) ([]any, error) {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []any{}, nil
	}
	var args []any
	if err := jsoncodec.Unmarshal(data, &args); err != nil {
		return nil, errors.New("request body must be a JSON array of arguments")
	}
	if args == nil {
		args = []any{}
	}
	return args, nil
}

// StatusFor maps an error kind onto an HTTP status code.
func StatusFor(kind errspkg.Kind) int {
	switch kind {
	case errspkg.KindValidation:
		return http.StatusUnprocessableEntity
	case errspkg.KindNotFound:
		return http.StatusNotFound
	case errspkg.KindAlreadyExists, errspkg.KindConflict:
		return http.StatusConflict
	case errspkg.KindUnauthenticated:
		return http.StatusUnauthorized
	case errspkg.KindUnauthorized:
		return http.StatusForbidden
	case errspkg.KindRateLimited:
		return http.StatusTooManyRequests
	case errspkg.KindLockBusy:
		return http.StatusLocked
	case errspkg.KindTimeout:
		return http.StatusGatewayTimeout
	case errspkg.KindCancelled:
		return http.StatusServiceUnavailable
	case errspkg.KindVersionIncompatible:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, re *runtime.ReplyError) {
	status := StatusFor(re.Kind)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="middlewared"`)
	}
	writeJSON(w, status, re)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
