package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/chat-relay-go/auth"
	"github.com/ggoodman/chat-relay-go/authz"
	"github.com/ggoodman/chat-relay-go/internal/envelope"
	"github.com/ggoodman/chat-relay-go/internal/logctx"
	"github.com/ggoodman/chat-relay-go/relay"
	"github.com/ggoodman/chat-relay-go/settings"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	authorizationHeader = "Authorization"
	defaultMaxBodyBytes = 1 << 20
)

// ChatStreamer relays one chat turn. *relay.Relay implements it.
type ChatStreamer interface {
	Stream(ctx context.Context, userID string, req relay.ChatRequest) iter.Seq2[*relay.Chunk, error]
}

// Authorizer decides access for verified identities. *authz.Gate implements
// it.
type Authorizer interface {
	Authorize(ctx context.Context, ui auth.UserInfo) (authz.Decision, error)
}

// apiResponse is the JSON body shape of non-streaming API responses.
type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data"`
}

var (
	unauthorizedBody = apiResponse{Status: "Unauthorized", Message: "Auth Error"}
	forbiddenBody    = apiResponse{Status: "Fail", Message: "Permission denied"}
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		writeInternalError(w, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// writeJSONError emits the Fail response shape for request-level rejections.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiResponse{Status: "Fail", Message: msg})
}

// writeInternalError answers with a short plain-text message.
func writeInternalError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = io.WriteString(w, msg)
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	staticDir    string
	maxBodyBytes int64
}

// WithLogger sets the slog logger used by the handler. If not provided, logs
// are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithStaticDir serves the web client from dir. Unknown paths without a file
// extension fall back to index.html so client-side routes survive a reload.
func WithStaticDir(dir string) Option {
	return func(c *newConfig) { c.staticDir = dir }
}

// WithMaxBodyBytes bounds request bodies. Defaults to 1 MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) { c.maxBodyBytes = n }
}

// Handler serves the relay's HTTP API under /api.
type Handler struct {
	log          *slog.Logger
	mux          *http.ServeMux
	auth         auth.Authenticator
	gate         Authorizer
	relay        ChatStreamer
	settings     settings.Store
	maxBodyBytes int64
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs the API handler.
//
// Required:
//   - authenticator: verifies bearer ID tokens
//   - gate: access lists and admin role
//   - streamer: the conversation relay
//
// The system-settings endpoints are only mounted when store is non-nil.
func New(authenticator auth.Authenticator, gate Authorizer, streamer ChatStreamer, store settings.Store, opts ...Option) (*Handler, error) {
	if authenticator == nil {
		return nil, errors.New("authenticator is required")
	}
	if gate == nil {
		return nil, errors.New("authorizer is required")
	}
	if streamer == nil {
		return nil, errors.New("chat streamer is required")
	}

	cfg := &newConfig{logger: slog.New(slog.DiscardHandler), maxBodyBytes: defaultMaxBodyBytes}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:          slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		auth:         authenticator,
		gate:         gate,
		relay:        streamer,
		settings:     store,
		maxBodyBytes: cfg.maxBodyBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat-process", h.handleChatProcess)
	mux.HandleFunc("POST /api/verify", h.handleVerify)
	mux.HandleFunc("GET /api/health", h.handleHealth)
	if store != nil {
		mux.HandleFunc("GET /api/system-settings", h.handleGetSettings)
		mux.HandleFunc("PUT /api/system-settings", h.handlePutSettings)
	}
	mux.HandleFunc("GET /api/", func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found")
	})
	mux.HandleFunc("OPTIONS /", h.handlePreflight)
	if cfg.staticDir != "" {
		mux.Handle("GET /", historyFallback(cfg.staticDir))
	}
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	hdr.Set("Access-Control-Allow-Methods", "*")

	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// checkAccess verifies the bearer credential and evaluates the gate. The
// returned error matches auth.ErrUnauthorized for a bad credential and
// authz.ErrDenied for a disallowed identity; any other error is an internal
// failure.
func (h *Handler) checkAccess(ctx context.Context, r *http.Request) (context.Context, auth.UserInfo, authz.Decision, error) {
	tok := auth.BearerToken(r.Header.Get(authorizationHeader))
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no bearer token"))
		return ctx, nil, authz.Decision{}, auth.ErrUnauthorized
	}

	ui, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		} else {
			h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		}
		return ctx, nil, authz.Decision{}, err
	}

	d, err := h.gate.Authorize(ctx, ui)
	if err != nil {
		h.log.ErrorContext(ctx, "authz.check.err", slog.String("err", err.Error()))
		return ctx, ui, authz.Decision{}, err
	}

	ctx = logctx.WithUserData(ctx, &logctx.UserData{
		UserID:         ui.UserID(),
		SignInProvider: ui.SignInProvider(),
		Role:           string(d.Role),
	})
	if err := d.Err(); err != nil {
		h.log.InfoContext(ctx, "authz.check.denied")
		return ctx, ui, d, err
	}
	return ctx, ui, d, nil
}

// handleVerify reports the caller's role. Invalid credentials and denied
// identities both answer 401; lookup failures answer 500.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx, _, d, err := h.checkAccess(r.Context(), r)
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, authz.ErrDenied):
		writeJSON(w, http.StatusUnauthorized, unauthorizedBody)
		return
	case err != nil:
		writeInternalError(w, err.Error())
		return
	}

	h.log.InfoContext(ctx, "http.verify.ok", slog.String("role", string(d.Role)))
	writeJSON(w, http.StatusOK, apiResponse{Status: "Success", Data: map[string]string{"role": string(d.Role)}})
}

func (h *Handler) handleChatProcess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, ui, _, err := h.checkAccess(r.Context(), r)
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, unauthorizedBody)
		return
	case errors.Is(err, authz.ErrDenied):
		writeJSON(w, http.StatusForbidden, forbiddenBody)
		return
	case err != nil:
		writeInternalError(w, err.Error())
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeInternalError(w, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	env := envelope.New(&lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx})

	// Once the gate passed, every failure is reported in the body.
	if r.Header.Get("Content-Type") != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			h.log.InfoContext(ctx, "http.chat.content_type.fail", slog.String("content_type", r.Header.Get("Content-Type")))
			_ = env.WriteError("InternalError", &relay.ValidationError{Reason: "content-type must be application/json"})
			return
		}
	}

	var req relay.ChatRequest
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.log.InfoContext(ctx, "http.chat.decode.fail", slog.String("err", err.Error()))
		_ = env.WriteError("InternalError", &relay.ValidationError{Reason: "invalid JSON body"})
		return
	}

	ctx = logctx.WithTurnData(ctx, &logctx.TurnData{
		ConversationID:  req.Options.ConversationID,
		ParentMessageID: req.Options.ParentMessageID,
	})
	h.log.InfoContext(ctx, "http.chat.start")

	for chunk, err := range h.relay.Stream(ctx, ui.UserID(), req) {
		if err != nil {
			if werr := env.WriteError("InternalError", err); werr != nil {
				h.log.InfoContext(ctx, "http.chat.write.fail", slog.String("err", werr.Error()))
			}
			h.log.InfoContext(ctx, "http.chat.fail",
				slog.Int("units", env.Count()),
				slog.String("err", err.Error()),
				slog.Duration("dur", time.Since(start)),
			)
			return
		}
		if werr := env.Write(chunk); werr != nil {
			// The client went away; leaving the loop closes the upstream
			// stream.
			h.log.InfoContext(ctx, "http.chat.write.fail", slog.String("err", werr.Error()))
			return
		}
	}

	h.log.InfoContext(ctx, "http.chat.ok",
		slog.Int("units", env.Count()),
		slog.Duration("dur", time.Since(start)),
	)
}

// requireAdmin gates the settings endpoints.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) (context.Context, bool) {
	ctx, _, d, err := h.checkAccess(r.Context(), r)
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, unauthorizedBody)
		return ctx, false
	case errors.Is(err, authz.ErrDenied):
		writeJSON(w, http.StatusForbidden, forbiddenBody)
		return ctx, false
	case err != nil:
		writeInternalError(w, err.Error())
		return ctx, false
	case d.Role != authz.RoleAdmin:
		writeJSON(w, http.StatusForbidden, forbiddenBody)
		return ctx, false
	}
	return ctx, true
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	s, err := h.settings.Get(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "settings.get.fail", slog.String("err", err.Error()))
		writeInternalError(w, "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Status: "Success", Data: s})
}

func (h *Handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	ctx, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	var in settings.SystemSettings
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid settings body")
		return
	}

	if err := h.settings.Put(ctx, &in); err != nil {
		if errors.Is(err, settings.ErrReadOnly) {
			writeJSONError(w, http.StatusConflict, "settings are read-only")
			return
		}
		h.log.ErrorContext(ctx, "settings.put.fail", slog.String("err", err.Error()))
		writeInternalError(w, "failed to store settings")
		return
	}
	h.log.InfoContext(ctx, "settings.put.ok")

	s, err := h.settings.Get(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "settings.get.fail", slog.String("err", err.Error()))
		writeInternalError(w, "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Status: "Success", Data: s})
}

// historyFallback serves files from dir and answers unknown extension-less
// paths with index.html.
func historyFallback(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	index := filepath.Join(dir, "index.html")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := path.Clean("/" + r.URL.Path)
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(p))); errors.Is(err, fs.ErrNotExist) && !strings.Contains(path.Base(p), ".") {
			http.ServeFile(w, r, index)
			return
		}
		files.ServeHTTP(w, r)
	})
}
