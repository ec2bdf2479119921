// Package api exposes task submission, progress streaming and task history
// over HTTP.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lovelumine/rnaqueue"
	"github.com/lovelumine/rnaqueue/kinds"
)

type Authenticator interface {
	Resolve(ctx context.Context, token string) (int64, error)
}

// Uploader stores a submitted file and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, userID int64, logicalName string, r io.Reader, size int64, contentType string) (string, error)
}

type HistoryLister interface {
	List(ctx context.Context, userID int64, taskID string, limit int) ([]rnaqueue.TaskEvent, error)
}

type Options struct {
	Routes      []kinds.Route
	Auth        Authenticator
	Uploads     Uploader
	Subscriber  rnaqueue.Subscriber
	History     HistoryLister
	Metrics     http.Handler
	Health      func(ctx context.Context) error
	Logger      *slog.Logger
	MaxUploadMB int64
	// AllowedOrigins limits WebSocket origins. Empty allows any.
	AllowedOrigins []string
}

type Server struct {
	opts     Options
	logger   *slog.Logger
	maxBody  int64
	upgrader websocket.Upgrader
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxMB := opts.MaxUploadMB
	if maxMB <= 0 {
		maxMB = 512
	}
	s := &Server{
		opts:    opts,
		logger:  logger.With("component", "api"),
		maxBody: maxMB << 20,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, route := range s.opts.Routes {
		mux.HandleFunc("POST /"+string(route.Kind)+"/process", s.withUser(s.submit(route)))
	}
	mux.HandleFunc("GET /tasks", s.withUser(s.listTasks))
	mux.HandleFunc("GET /ws", s.withUser(s.progressStream))
	mux.HandleFunc("GET /sockjs/ws", s.withUser(s.progressStream))
	mux.HandleFunc("GET /healthz", s.health)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	return s.logRequests(mux)
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID int64)

// withUser resolves the bearer token, or the token query parameter which
// browsers need for WebSocket upgrades.
func (s *Server) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.URL.Query().Get("token"))
		if h := r.Header.Get("Authorization"); h != "" {
			token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		if s.opts.Auth == nil {
			writeError(w, fmt.Errorf("%w: no authenticator configured", rnaqueue.ErrAuthentication))
			return
		}
		userID, err := s.opts.Auth.Resolve(r.Context(), token)
		if err != nil {
			if !errors.Is(err, rnaqueue.ErrAuthentication) {
				s.logger.Error("token lookup failed", "path", r.URL.Path, "error", err)
			}
			writeError(w, err)
			return
		}
		next(w, r, userID)
	}
}

// multipartForm adapts a parsed request to kinds.Form.
type multipartForm struct {
	urls   map[string]string
	values map[string][]string
}

func (f multipartForm) URL(field string) string {
	return f.urls[field]
}

func (f multipartForm) Value(field string) string {
	if v := f.values[field]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (s *Server) submit(route kinds.Route) userHandler {
	return func(w http.ResponseWriter, r *http.Request, userID int64) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, rnaqueue.Invalid("form", err.Error()))
			return
		}
		defer r.MultipartForm.RemoveAll()

		headers := make(map[string]*multipart.FileHeader, len(route.Files))
		for _, field := range route.Files {
			fhs := r.MultipartForm.File[field]
			if len(fhs) == 0 || fhs[0].Size == 0 {
				writeError(w, rnaqueue.Invalid(field, "file is required"))
				return
			}
			headers[field] = fhs[0]
		}

		form := multipartForm{urls: make(map[string]string, len(headers)), values: r.MultipartForm.Value}
		for _, field := range route.Files {
			url, err := s.upload(r.Context(), userID, field, headers[field])
			if err != nil {
				s.logger.Error("upload failed", "kind", route.Kind, "user_id", userID, "field", field, "error", err)
				writeError(w, err)
				return
			}
			form.urls[field] = url
		}

		taskID, err := route.Submit(r.Context(), userID, form)
		if err != nil {
			if statusFor(err) == http.StatusInternalServerError {
				s.logger.Error("submit failed", "kind", route.Kind, "user_id", userID, "error", err)
			}
			writeError(w, err)
			return
		}
		writeEnvelope(w, http.StatusOK, SubmitData{
			Message:      rnaqueue.MsgSubmitted,
			SubscribeURL: rnaqueue.Topic(userID),
			TaskID:       taskID.String(),
		})
	}
}

func (s *Server) upload(ctx context.Context, userID int64, field string, fh *multipart.FileHeader) (string, error) {
	if s.opts.Uploads == nil {
		return "", fmt.Errorf("%w: no object store configured", rnaqueue.ErrStorage)
	}
	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", rnaqueue.ErrStorage, field, err)
	}
	defer f.Close()
	name := fh.Filename
	if name == "" {
		name = field
	}
	url, err := s.opts.Uploads.Upload(ctx, userID, name, f, fh.Size, fh.Header.Get("Content-Type"))
	if err != nil && !errors.Is(err, rnaqueue.ErrStorage) {
		err = fmt.Errorf("%w: %v", rnaqueue.ErrStorage, err)
	}
	return url, err
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request, userID int64) {
	if s.opts.History == nil {
		writeEnvelope(w, http.StatusServiceUnavailable, ErrorData{Message: "task history is disabled"})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, rnaqueue.Invalid("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}
	events, err := s.opts.History.List(r.Context(), userID, r.URL.Query().Get("taskId"), limit)
	if err != nil {
		s.logger.Error("history query failed", "user_id", userID, "error", err)
		writeError(w, err)
		return
	}
	writeEnvelope(w, http.StatusOK, events)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.opts.Health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack lets WebSocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot be hijacked")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed", time.Since(started))
	})
}
