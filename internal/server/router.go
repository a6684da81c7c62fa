package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/keepalive/internal/control"
	"github.com/loykin/keepalive/internal/logger"
	"github.com/loykin/keepalive/internal/supervisor"
)

// Router exposes the control intents over HTTP.
// Endpoints:
//
//	POST {basePath}/start    query: name=...
//	POST {basePath}/stop     query: name=...
//	POST {basePath}/restart  query: name=...
//	GET  {basePath}/status   query: name=... (optional, '*' wildcards allowed)
//	GET  {basePath}/logs     query: name=...&stream=stdout|stderr&lines=50
//	GET  {basePath}/healthz  liveness of the daemon itself
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	d        *control.Dispatcher
	basePath string
	token    string
	log      *slog.Logger
}

// NewRouter constructs a Router. A non-empty token requires
// "Authorization: Bearer <token>" on every endpoint except healthz.
func NewRouter(t control.Target, basePath, token string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{d: control.New(t), basePath: sanitizeBase(basePath), token: token, log: log}
}

// BasePath returns the sanitized base path.
func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })

	api := group.Group("", r.auth())
	api.POST("/start", r.lifecycle(control.IntentStart))
	api.POST("/stop", r.lifecycle(control.IntentStop))
	api.POST("/restart", r.lifecycle(control.IntentRestart))
	api.GET("/status", r.handleStatus)
	api.GET("/logs", r.handleLogs)
	return g
}

type errorResp struct {
	Error  string             `json:"error"`
	Status *supervisor.Status `json:"status,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(r.token)) != 1 {
			writeJSON(c, http.StatusUnauthorized, errorResp{Error: "authentication required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (r *Router) lifecycle(intent control.Intent) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Query("name")
		if !isSafeName(name) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..'"})
			return
		}
		res, err := r.d.Do(c.Request.Context(), intent, name, control.Options{})
		if err != nil {
			code := statusCode(err)
			if code >= http.StatusInternalServerError {
				r.log.Error("control request failed", "intent", intent, "name", name, "error", err)
			}
			writeJSON(c, code, errorResp{Error: err.Error(), Status: res.Status})
			return
		}
		writeJSON(c, http.StatusOK, res)
	}
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Query("name")
	if name != "" && !isSafePattern(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name pattern"})
		return
	}
	res, err := r.d.Do(c.Request.Context(), control.IntentStatus, name, control.Options{})
	if err != nil {
		writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleLogs(c *gin.Context) {
	name := c.Query("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	opts := control.Options{Stream: c.Query("stream")}
	if s := c.Query("lines"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "lines must be a non-negative integer"})
			return
		}
		opts.Lines = min(n, logger.MaxTailLines)
	}
	res, err := r.d.Do(c.Request.Context(), control.IntentLogs, name, opts)
	if err != nil {
		writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// statusCode maps control errors onto HTTP status codes. Anything not
// recognized is an OS-level failure.
func statusCode(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrUnknownProcess), errors.Is(err, control.ErrNoLog):
		return http.StatusNotFound
	case errors.Is(err, control.ErrNameRequired), errors.Is(err, control.ErrBadStream), errors.Is(err, control.ErrUnknownIntent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Server is a running control API listener.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *slog.Logger
}

// Listen binds addr and serves h in the background, over TLS when tlsCfg is
// non-nil. Binding errors are returned immediately.
func Listen(addr string, h http.Handler, tlsCfg *tls.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	s := &Server{
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			// restarts may take grace + settle + start grace
			WriteTimeout: 2 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		ln:  ln,
		log: log,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("control api stopped", "error", err)
		}
	}()
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }
