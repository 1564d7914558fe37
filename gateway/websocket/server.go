// Package websocket serves the middleware API as JSON-RPC 2.0 over
// WebSocket. Each socket gets its own runtime connection, so a login on the
// socket authenticates every later call made on it.
package websocket

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/truenas/middleware-sub000/internal/runtime"
	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
	loggingpkg "github.com/truenas/middleware-sub000/internal/runtime/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 20
	controlQueue   = 64
)

// CurrentVersion selects the version the handlers are written against.
const CurrentVersion = "current"

// Options configure a Server.
type Options struct {
	// AllowedOrigins lists the browser origins allowed to connect. "*"
	// allows any origin. Requests without an Origin header are always
	// accepted.
	AllowedOrigins []string
	Logger         loggingpkg.ServiceLogger
}

// Server upgrades HTTP requests and runs one runtime connection per socket.
type Server struct {
	svc      *runtime.Service
	log      loggingpkg.ServiceLogger
	origins  []string
	upgrader gws.Upgrader
}

// notificationID marks envelopes submitted for JSON-RPC notifications.
type notificationID struct{}

func New(svc *runtime.Service, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = svc.Logger
	}
	s := &Server{
		svc:     svc,
		log:     log.With(loggingpkg.LogFields{"component": "websocket"}),
		origins: opts.AllowedOrigins,
	}
	s.upgrader = gws.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Register mounts the server on the service's HTTP server for port, at
// /websocket and /api/{version}.
func (s *Server) Register(port int) {
	s.svc.RegisterHTTPHandler(port, "GET /websocket", s)
	s.svc.RegisterHTTPHandler(port, "GET /api/{version}", s)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://"), r.Host)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	version := r.PathValue("version")
	if version == CurrentVersion {
		version = ""
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", err, loggingpkg.LogFields{"remote": r.RemoteAddr})
		return
	}
	defer ws.Close()

	conn := s.svc.NewConn(auth.RemoteOrigin(auth.TransportWebSocket, r.RemoteAddr, r.TLS != nil))
	defer conn.Close()

	log := s.log.With(loggingpkg.LogFields{"remote": r.RemoteAddr, "version": version})
	log.Debug("WebSocket connected", nil)

	if cred, ok := auth.CredentialFromRequest(r); ok {
		if _, err := conn.Authenticate(r.Context(), cred); err != nil {
			_ = ws.WriteControl(gws.CloseMessage,
				gws.FormatCloseMessage(gws.ClosePolicyViolation, "authentication failed"),
				time.Now().Add(writeWait))
			return
		}
	}

	control := make(chan []byte, controlQueue)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ws, conn, control, log)
	}()

	s.readLoop(ws, conn, version, control, writerDone, log)
	conn.Close()
	<-writerDone
	log.Debug("WebSocket disconnected", nil)
}

func (s *Server) readLoop(ws *gws.Conn, conn *runtime.Conn, version string, control chan<- []byte, writerDone <-chan struct{}, log loggingpkg.ServiceLogger) {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if gws.IsUnexpectedCloseError(err, gws.CloseGoingAway, gws.CloseNormalClosure) {
				log.Error("WebSocket read failed", err, nil)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		env, reject := decodeRequest(data, version)
		if reject != nil {
			select {
			case control <- reject:
			case <-writerDone:
				return
			}
			continue
		}
		if err := conn.Submit(env); err != nil {
			if !errors.Is(err, runtime.ErrConnClosed) {
				log.Error("Failed to submit call", err, loggingpkg.LogFields{"method": env.Key()})
			}
			return
		}
	}
}

// decodeRequest turns one text frame into an envelope, or into the error
// response to send back instead.
func decodeRequest(data []byte, version string) (runtime.Envelope, []byte) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		out, _ := encodeProtocolError(nil, CodeInvalidRequest, "batch requests are not supported")
		return runtime.Envelope{}, out
	}
	var req Request
	if err := jsoncodec.Unmarshal(data, &req); err != nil {
		out, _ := encodeProtocolError(nil, CodeParseError, "parse error: "+err.Error())
		return runtime.Envelope{}, out
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		out, _ := encodeProtocolError(req.ID, CodeInvalidRequest, "invalid request")
		return runtime.Envelope{}, out
	}

	var args []any
	switch p := req.Params.(type) {
	case nil:
		args = []any{}
	case []any:
		args = p
	default:
		out, _ := encodeProtocolError(req.ID, CodeInvalidParams, "params must be an array")
		return runtime.Envelope{}, out
	}

	service, method := runtime.SplitMethod(req.Method)
	env := runtime.Envelope{
		ID:      req.ID,
		Version: version,
		Service: service,
		Method:  method,
		Args:    args,
	}
	if req.ID == nil {
		env.ID = notificationID{}
	}
	return env, nil
}

func (s *Server) writeLoop(ws *gws.Conn, conn *runtime.Conn, control <-chan []byte, log loggingpkg.ServiceLogger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(data []byte) bool {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(gws.TextMessage, data); err != nil {
			log.Error("WebSocket write failed", err, nil)
			_ = ws.Close()
			return false
		}
		return true
	}

	replies, frames := conn.Replies(), conn.Events()
	for {
		select {
		case <-conn.Done():
			_ = ws.WriteControl(gws.CloseMessage,
				gws.FormatCloseMessage(gws.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case data := <-control:
			if !write(data) {
				return
			}
		case r, ok := <-replies:
			if !ok {
				return
			}
			if _, skip := r.ID.(notificationID); skip {
				continue
			}
			data, err := encodeReply(r)
			if err != nil {
				log.Error("Failed to encode reply", err, nil)
				data, _ = encodeProtocolError(r.ID, CodeCallError, "failed to encode result")
			}
			if !write(data) {
				return
			}
		case f, ok := <-frames:
			if !ok {
				return
			}
			data, err := encodeFrame(f)
			if err != nil {
				log.Error("Failed to encode event", err, loggingpkg.LogFields{"channel": f.Channel})
				continue
			}
			if !write(data) {
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(gws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}
