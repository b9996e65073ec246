package streaminghttp_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/chat-relay-go/auth"
	"github.com/ggoodman/chat-relay-go/auth/authtest"
	"github.com/ggoodman/chat-relay-go/authz"
	"github.com/ggoodman/chat-relay-go/relay"
	"github.com/ggoodman/chat-relay-go/settings"
	"github.com/ggoodman/chat-relay-go/storage/memory"
	"github.com/ggoodman/chat-relay-go/streaminghttp"
)

// --- test doubles ---

type fakeStream struct {
	mu     sync.Mutex
	chunks []*relay.Chunk
	err    error
	ctx    context.Context
	block  bool
	closed chan struct{}
}

func (s *fakeStream) Recv() (*relay.Chunk, error) {
	s.mu.Lock()
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()
	if s.block {
		<-s.ctx.Done()
		return nil, s.ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() error {
	close(s.closed)
	return nil
}

type fakeProvider struct {
	mu      sync.Mutex
	chunks  []*relay.Chunk
	err     error
	openErr error
	block   bool
	calls   int
	streams []*fakeStream
}

func (p *fakeProvider) Stream(ctx context.Context, pr relay.Prompt) (relay.ChunkStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.openErr != nil {
		return nil, p.openErr
	}
	s := &fakeStream{
		chunks: append([]*relay.Chunk(nil), p.chunks...),
		err:    p.err,
		ctx:    ctx,
		block:  p.block,
		closed: make(chan struct{}),
	}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type failingStore struct{ err error }

func (s failingStore) Get(context.Context) (*settings.SystemSettings, error) { return nil, s.err }
func (s failingStore) Put(context.Context, *settings.SystemSettings) error  { return s.err }

type readOnlyStore struct{ settings.SystemSettings }

func (s *readOnlyStore) Get(context.Context) (*settings.SystemSettings, error) {
	return &s.SystemSettings, nil
}
func (s *readOnlyStore) Put(context.Context, *settings.SystemSettings) error {
	return settings.ErrReadOnly
}

// --- harness ---

type harness struct {
	srv      *httptest.Server
	provider *fakeProvider
	authn    *authtest.StaticAuth
	store    settings.Store
}

type harnessOpt func(*harnessConfig)

type harnessConfig struct {
	store     settings.Store
	staticDir string
}

func withStore(s settings.Store) harnessOpt {
	return func(c *harnessConfig) { c.store = s }
}

func withStatic(dir string) harnessOpt {
	return func(c *harnessConfig) { c.staticDir = dir }
}

func newHarness(t *testing.T, p *fakeProvider, opts ...harnessOpt) *harness {
	t.Helper()

	cfg := &harnessConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.store == nil {
		mem, err := memory.New(64)
		if err != nil {
			t.Fatalf("memory: %v", err)
		}
		t.Cleanup(func() { _ = mem.Close() })
		cfg.store = settings.NewStorageStore(mem)
	}

	authn := authtest.NewStaticAuth(map[string]authtest.User{
		"user-token":    {ID: "u1", Email: "user@example.com", SignInProvider: "password"},
		"admin-token":   {ID: "root", Email: "root@example.com"},
		"blocked-token": {ID: "u2", Email: "blocked@example.com"},
	})
	gate, err := authz.New(cfg.store, authz.AnyAdmin(authz.StaticAdmins("root"), authz.SettingsAdmins(cfg.store, nil)))
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	rl, err := relay.New(p)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}

	hopts := []streaminghttp.Option{}
	if cfg.staticDir != "" {
		hopts = append(hopts, streaminghttp.WithStaticDir(cfg.staticDir))
	}
	h, err := streaminghttp.New(authn, gate, rl, cfg.store, hopts...)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, provider: p, authn: authn, store: cfg.store}
}

func (h *harness) do(t *testing.T, method, path, token, contentType, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(b)
}

func (h *harness) chat(t *testing.T, token, body string) (*http.Response, string) {
	t.Helper()
	return h.do(t, http.MethodPost, "/api/chat-process", token, "application/json", body)
}

const unauthorizedJSON = `{"status":"Unauthorized","message":"Auth Error","data":null}`

// --- chat-process ---

func TestChatProcess(t *testing.T) {
	t.Run("streams chunks newline framed", func(t *testing.T) {
		p := &fakeProvider{chunks: []*relay.Chunk{{Text: "Hi"}, {Text: "Hi there"}}}
		h := newHarness(t, p)

		resp, body := h.chat(t, "user-token", `{"prompt":"Hello","options":{}}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
			t.Fatalf("content-type = %q", ct)
		}
		if want := "{\"text\":\"Hi\"}\n{\"text\":\"Hi there\"}"; body != want {
			t.Fatalf("body = %q, want %q", body, want)
		}
	})

	t.Run("N chunks give N-1 separators", func(t *testing.T) {
		var chunks []*relay.Chunk
		for _, s := range []string{"a", "ab", "abc", "abcd", "abcde"} {
			chunks = append(chunks, &relay.Chunk{ID: "m1", Text: s})
		}
		h := newHarness(t, &fakeProvider{chunks: chunks})

		_, body := h.chat(t, "user-token", `{"prompt":"Hello"}`)
		units := strings.Split(body, "\n")
		if len(units) != 5 {
			t.Fatalf("got %d units: %q", len(units), body)
		}
		for i, u := range units {
			want := `{"id":"m1","text":"` + "abcde"[:i+1] + `"}`
			if u != want {
				t.Fatalf("unit %d = %s, want %s", i, u, want)
			}
		}
	})

	t.Run("empty prompt is a single validation unit", func(t *testing.T) {
		p := &fakeProvider{chunks: []*relay.Chunk{{Text: "never"}}}
		h := newHarness(t, p)

		resp, body := h.chat(t, "user-token", `{"prompt":""}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if want := `{"error":"ValidationError: prompt required"}`; body != want {
			t.Fatalf("body = %q, want %q", body, want)
		}
		if p.Calls() != 0 {
			t.Fatalf("provider called %d times", p.Calls())
		}
	})

	t.Run("invalid JSON is a validation unit", func(t *testing.T) {
		p := &fakeProvider{}
		h := newHarness(t, p)

		_, body := h.chat(t, "user-token", `{"prompt":`)
		if want := `{"error":"ValidationError: invalid JSON body"}`; body != want {
			t.Fatalf("body = %q, want %q", body, want)
		}
		if p.Calls() != 0 {
			t.Fatalf("provider called %d times", p.Calls())
		}
	})

	t.Run("open failure is a single upstream unit", func(t *testing.T) {
		h := newHarness(t, &fakeProvider{openErr: errors.New("connection refused")})

		resp, body := h.chat(t, "user-token", `{"prompt":"Hello"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if want := `{"error":"UpstreamError: connection refused"}`; body != want {
			t.Fatalf("body = %q, want %q", body, want)
		}
	})

	t.Run("mid-stream failure follows the chunks", func(t *testing.T) {
		h := newHarness(t, &fakeProvider{chunks: []*relay.Chunk{{Text: "Hi"}}, err: errors.New("reset")})

		_, body := h.chat(t, "user-token", `{"prompt":"Hello"}`)
		if want := "{\"text\":\"Hi\"}\n{\"error\":\"UpstreamError: reset\"}"; body != want {
			t.Fatalf("body = %q, want %q", body, want)
		}
	})

	t.Run("wrong content type is a validation unit", func(t *testing.T) {
		p := &fakeProvider{chunks: []*relay.Chunk{{Text: "never"}}}
		h := newHarness(t, p)

		resp, body := h.do(t, http.MethodPost, "/api/chat-process", "user-token", "text/plain", `{"prompt":"Hello"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if want := `{"error":"ValidationError: content-type must be application/json"}`; body != want {
			t.Fatalf("body = %q, want %q", body, want)
		}
		if p.Calls() != 0 {
			t.Fatalf("provider called %d times", p.Calls())
		}
	})

	t.Run("missing content type is accepted", func(t *testing.T) {
		h := newHarness(t, &fakeProvider{chunks: []*relay.Chunk{{Text: "Hi"}}})

		_, body := h.do(t, http.MethodPost, "/api/chat-process", "user-token", "", `{"prompt":"Hello"}`)
		if want := `{"text":"Hi"}`; body != want {
			t.Fatalf("body = %q, want %q", body, want)
		}
	})

	t.Run("empty upstream reply is a single upstream unit", func(t *testing.T) {
		h := newHarness(t, &fakeProvider{})

		resp, body := h.chat(t, "user-token", `{"prompt":"Hello"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if want := `{"error":"UpstreamError: upstream returned an empty reply"}`; body != want {
			t.Fatalf("body = %q, want %q", body, want)
		}
	})
}

func TestChatProcess_Gate(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		store      settings.Store
		authErr    error
		wantStatus int
		wantBody   string
	}{
		{name: "missing credential", token: "", wantStatus: http.StatusUnauthorized, wantBody: unauthorizedJSON},
		{name: "bad credential", token: "bad-token", wantStatus: http.StatusUnauthorized, wantBody: unauthorizedJSON},
		{
			name:       "denied identity",
			token:      "blocked-token",
			store:      &readOnlyStore{settings.SystemSettings{Blacklist: []string{"blocked@example.com"}}},
			wantStatus: http.StatusForbidden,
			wantBody:   `{"status":"Fail","message":"Permission denied","data":null}`,
		},
		{
			name:       "lookup failure",
			token:      "user-token",
			store:      failingStore{err: errors.New("settings unavailable")},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "verifier failure",
			token:      "user-token",
			authErr:    errors.New("jwks fetch failed"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "jwks fetch failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{chunks: []*relay.Chunk{{Text: "never"}}}
			var opts []harnessOpt
			if tt.store != nil {
				opts = append(opts, withStore(tt.store))
			}
			h := newHarness(t, p, opts...)
			h.authn.Err = tt.authErr

			resp, body := h.chat(t, tt.token, `{"prompt":"Hello"}`)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.wantBody != "" && body != tt.wantBody {
				t.Fatalf("body = %q, want %q", body, tt.wantBody)
			}
			if p.Calls() != 0 {
				t.Fatal("provider reached without passing the gate")
			}
		})
	}
}

func TestChatProcess_ClientDisconnectClosesUpstream(t *testing.T) {
	p := &fakeProvider{chunks: []*relay.Chunk{{Text: "Hi"}}, block: true}
	h := newHarness(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.srv.URL+"/api/chat-process", strings.NewReader(`{"prompt":"Hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer user-token")
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	// The first unit arrives while the turn is still open.
	first, err := bufio.NewReader(resp.Body).ReadString('}')
	if err != nil {
		t.Fatalf("read first unit: %v", err)
	}
	if first != `{"text":"Hi"}` {
		t.Fatalf("first unit = %q", first)
	}

	cancel()

	p.mu.Lock()
	s := p.streams[0]
	p.mu.Unlock()
	select {
	case <-s.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream stream was not closed after the client went away")
	}
}

// --- verify ---

func TestVerify(t *testing.T) {
	t.Run("user role", func(t *testing.T) {
		h := newHarness(t, &fakeProvider{})
		resp, body := h.do(t, http.MethodPost, "/api/verify", "user-token", "", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if want := `{"status":"Success","data":{"role":"user"}}`; body != want {
			t.Fatalf("body = %q, want %q", body, want)
		}
	})

	t.Run("admin role", func(t *testing.T) {
		h := newHarness(t, &fakeProvider{})
		_, body := h.do(t, http.MethodPost, "/api/verify", "admin-token", "", "")
		if want := `{"status":"Success","data":{"role":"admin"}}`; body != want {
			t.Fatalf("body = %q, want %q", body, want)
		}
	})

	t.Run("bad token is 401 never 500", func(t *testing.T) {
		h := newHarness(t, &fakeProvider{})
		resp, body := h.do(t, http.MethodPost, "/api/verify", "bad-token", "", "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if body != unauthorizedJSON {
			t.Fatalf("body = %q", body)
		}
	})

	t.Run("verifier timeout is 401", func(t *testing.T) {
		h := newHarness(t, &fakeProvider{})
		h.authn.Err = errors.Join(auth.ErrUnauthorized, context.DeadlineExceeded)
		resp, _ := h.do(t, http.MethodPost, "/api/verify", "user-token", "", "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("denied identity is 401", func(t *testing.T) {
		store := &readOnlyStore{settings.SystemSettings{Whitelist: []string{"someone-else"}}}
		h := newHarness(t, &fakeProvider{}, withStore(store))
		resp, body := h.do(t, http.MethodPost, "/api/verify", "user-token", "", "")
		if resp.StatusCode != http.StatusUnauthorized || body != unauthorizedJSON {
			t.Fatalf("got %d %q", resp.StatusCode, body)
		}
	})

	t.Run("verifier failure is 500 with message", func(t *testing.T) {
		h := newHarness(t, &fakeProvider{})
		h.authn.Err = errors.New("identity provider unreachable")
		resp, body := h.do(t, http.MethodPost, "/api/verify", "user-token", "", "")
		if resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if body != "identity provider unreachable" {
			t.Fatalf("body = %q", body)
		}
	})

	t.Run("same credential yields the same role", func(t *testing.T) {
		h := newHarness(t, &fakeProvider{})
		_, first := h.do(t, http.MethodPost, "/api/verify", "admin-token", "", "")
		_, second := h.do(t, http.MethodPost, "/api/verify", "admin-token", "", "")
		if first != second {
			t.Fatalf("responses differ: %q vs %q", first, second)
		}
		if h.authn.Calls() != 2 {
			t.Fatalf("credential verified %d times, want once per request", h.authn.Calls())
		}
	})
}

// --- system settings ---

func TestSystemSettings(t *testing.T) {
	t.Run("non-admin is forbidden", func(t *testing.T) {
		h := newHarness(t, &fakeProvider{})
		resp, body := h.do(t, http.MethodGet, "/api/system-settings", "user-token", "", "")
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if want := `{"status":"Fail","message":"Permission denied","data":null}`; body != want {
			t.Fatalf("body = %q", body)
		}
	})

	t.Run("unauthenticated", func(t *testing.T) {
		h := newHarness(t, &fakeProvider{})
		resp, _ := h.do(t, http.MethodGet, "/api/system-settings", "", "", "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("admin updates take effect", func(t *testing.T) {
		h := newHarness(t, &fakeProvider{})

		resp, body := h.do(t, http.MethodPut, "/api/system-settings", "admin-token", "application/json",
			`{"blacklist":["user@example.com"],"admins":["ops@example.com"]}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("put status = %d (%s)", resp.StatusCode, body)
		}
		if !strings.Contains(body, `"blacklist":["user@example.com"]`) {
			t.Fatalf("put body = %s", body)
		}

		resp, body = h.do(t, http.MethodGet, "/api/system-settings", "admin-token", "", "")
		if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"admins":["ops@example.com"]`) {
			t.Fatalf("get = %d %s", resp.StatusCode, body)
		}

		resp, _ = h.do(t, http.MethodPost, "/api/verify", "user-token", "", "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("blacklisted user still verified: %d", resp.StatusCode)
		}
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		h := newHarness(t, &fakeProvider{})
		resp, _ := h.do(t, http.MethodPut, "/api/system-settings", "admin-token", "application/json", `{"blacklst":[]}`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("requires JSON", func(t *testing.T) {
		h := newHarness(t, &fakeProvider{})
		resp, _ := h.do(t, http.MethodPut, "/api/system-settings", "admin-token", "text/plain", `{}`)
		if resp.StatusCode != http.StatusUnsupportedMediaType {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("read-only store", func(t *testing.T) {
		h := newHarness(t, &fakeProvider{}, withStore(&readOnlyStore{}))
		resp, _ := h.do(t, http.MethodPut, "/api/system-settings", "admin-token", "application/json", `{}`)
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})
}

// --- plumbing ---

func TestCORSAndPreflight(t *testing.T) {
	h := newHarness(t, &fakeProvider{})

	resp, _ := h.do(t, http.MethodOptions, "/api/chat-process", "", "", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}

	resp, _ = h.do(t, http.MethodPost, "/api/verify", "bad-token", "", "")
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Authorization") {
		t.Fatalf("allow-headers = %q", got)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	resp, body := h.do(t, http.MethodGet, "/api/health", "", "", "")
	if resp.StatusCode != http.StatusOK || body != `{"ok":true}` {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
}

func TestUnknownAPIRoute(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	resp, _ := h.do(t, http.MethodGet, "/api/nope", "", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStaticHistoryFallback(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app</html>"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o600); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, &fakeProvider{}, withStatic(dir))

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{path: "/app.js", wantStatus: http.StatusOK, wantBody: "console.log(1)"},
		{path: "/chat/42", wantStatus: http.StatusOK, wantBody: "<html>app</html>"},
		{path: "/", wantStatus: http.StatusOK, wantBody: "<html>app</html>"},
		{path: "/missing.png", wantStatus: http.StatusNotFound},
		{path: "/api/unknown", wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := h.do(t, http.MethodGet, tt.path, "", "", "")
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantBody != "" && body != tt.wantBody {
				t.Fatalf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestNewValidation(t *testing.T) {
	rl, _ := relay.New(&fakeProvider{})
	gate, _ := authz.New(&readOnlyStore{}, nil)
	authn := authtest.NewStaticAuth(nil)

	if _, err := streaminghttp.New(nil, gate, rl, nil); err == nil {
		t.Fatal("expected error without authenticator")
	}
	if _, err := streaminghttp.New(authn, nil, rl, nil); err == nil {
		t.Fatal("expected error without gate")
	}
	if _, err := streaminghttp.New(authn, gate, nil, nil); err == nil {
		t.Fatal("expected error without relay")
	}
}
