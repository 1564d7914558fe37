package runtime

import (
	"net/http"
	"strings"

	configpkg "github.com/truenas/middleware-sub000/internal/runtime/config"
	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
	"github.com/truenas/middleware-sub000/internal/runtime/methods"
)

// StartWebUIServer mounts the read-only introspection API:
//
//	GET /api/methods[?service=pool&version=v25.04.0]
//	GET /api/methods/{name}
//
// Private methods are listed; the handlers never dispatch calls.
func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}
	port := s.Conf.WebUIPort
	if port == 0 {
		port = configpkg.DefaultWebUIPort
	}
	s.RegisterHTTPHandler(port, "/api/methods", s.withCORS(s.handleGetMethods))
	s.RegisterHTTPHandler(port, "/api/methods/{name}", s.withCORS(s.handleGetMethod))
}

// withCORS answers preflight requests and echoes allowed origins.
func (s *Service) withCORS(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.getAllowedCORSOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet, http.MethodHead:
		default:
			w.Header().Set("Allow", "GET, OPTIONS")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.Seal(); err != nil {
			s.Logger.Error("Dispatcher is not ready", err, nil)
			http.Error(w, "dispatcher is not ready", http.StatusServiceUnavailable)
			return
		}
		next(w, r)
	})
}

func (s *Service) handleGetMethods(w http.ResponseWriter, r *http.Request) {
	filter := methods.Filter{Version: r.URL.Query().Get("version")}
	if svc := r.URL.Query().Get("service"); svc != "" {
		filter.Patterns = []string{svc + ".*"}
	}
	infos, err := s.MethodInfos(filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeIntrospection(w, infos)
}

func (s *Service) handleGetMethod(w http.ResponseWriter, r *http.Request) {
	m, ok := s.methods.Lookup(r.PathValue("name"))
	if !ok {
		http.Error(w, "method "+r.PathValue("name")+" does not exist", http.StatusNotFound)
		return
	}
	s.writeIntrospection(w, s.methodInfo(m))
}

func (s *Service) writeIntrospection(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode methods", err, nil)
	}
}

func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil || requestOrigin == "" {
		return ""
	}
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
