package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/terminal-gateway/internal/auth"
	"github.com/gluk-w/claworc/terminal-gateway/internal/ptyproc"
	"github.com/gluk-w/claworc/terminal-gateway/internal/session"
	"github.com/go-chi/chi/v5"
)

type recordingSpawner struct {
	mu    sync.Mutex
	sizes []ptyproc.Size
	procs chan *ptyproc.FakeProcess
}

func (s *recordingSpawner) Spawn(_ context.Context, _ ptyproc.SpawnConfig, size ptyproc.Size) (ptyproc.Process, error) {
	s.mu.Lock()
	s.sizes = append(s.sizes, size)
	s.mu.Unlock()
	p := ptyproc.NewFakeProcess()
	s.procs <- p
	return p, nil
}

type testEnv struct {
	srv      *httptest.Server
	h        *Terminal
	spawner  *recordingSpawner
	verifier *auth.Verifier
}

func setupTerminal(t *testing.T, origins ...string) *testEnv {
	t.Helper()
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	v := auth.NewVerifier([]byte("handlers-secret"), 0)
	sp := &recordingSpawner{procs: make(chan *ptyproc.FakeProcess, 8)}
	mgr := session.NewManager(session.Options{
		Verifier:  v,
		Spawner:   sp,
		KillGrace: 100 * time.Millisecond,
	})
	h := &Terminal{Manager: mgr, Verifier: v, AllowedOrigins: origins, MaxMessageSize: 1024, Backend: "exec"}

	r := chi.NewRouter()
	h.Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
		srv.Close()
	})
	return &testEnv{srv: srv, h: h, spawner: sp, verifier: v}
}

func (e *testEnv) token(t *testing.T, c auth.Claims) string {
	t.Helper()
	tok, err := e.verifier.Issue(c, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (e *testEnv) dial(t *testing.T, query string, opts *websocket.DialOptions) (*websocket.Conn, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/v1/terminal"
	if query != "" {
		u += "?" + query
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, u, opts)
	if err == nil {
		t.Cleanup(func() { c.CloseNow() })
	}
	return c, err
}

func (e *testEnv) request(t *testing.T, method, path, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(method, e.srv.URL+path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) awaitProc(t *testing.T) *ptyproc.FakeProcess {
	t.Helper()
	select {
	case p := <-e.spawner.procs:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no process spawned")
		return nil
	}
}

func (e *testEnv) waitActive(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		active := 0
		for _, s := range e.h.Manager.Registry().Snapshot() {
			if s.State() == session.StateActive {
				active++
			}
		}
		if active == n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d active sessions, want %d", active, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTerminalWS_QueryTokenAndSize(t *testing.T) {
	e := setupTerminal(t)
	tok := e.token(t, auth.Claims{Mode: auth.ModeRoot})
	conn, err := e.dial(t, url.Values{"token": {tok}, "cols": {"100"}, "rows": {"30"}}.Encode(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	proc := e.awaitProc(t)
	e.waitActive(t, 1)

	e.spawner.mu.Lock()
	size := e.spawner.sizes[0]
	e.spawner.mu.Unlock()
	if size != (ptyproc.Size{Cols: 100, Rows: 30}) {
		t.Errorf("initial size = %+v", size)
	}

	go proc.Emit([]byte("hi"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil || typ != websocket.MessageBinary || string(data) != "hi" {
		t.Fatalf("read = %v %q %v", typ, data, err)
	}
}

func TestTerminalWS_BearerHeader(t *testing.T) {
	e := setupTerminal(t)
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+e.token(t, auth.Claims{Mode: auth.ModeScoped, Target: "c1"}))
	if _, err := e.dial(t, "", &websocket.DialOptions{HTTPHeader: hdr}); err != nil {
		t.Fatalf("dial: %v", err)
	}
	e.awaitProc(t)
	e.waitActive(t, 1)
}

func TestTerminalWS_ReadLimit(t *testing.T) {
	e := setupTerminal(t)
	conn, err := e.dial(t, "token="+e.token(t, auth.Claims{Mode: auth.ModeRoot}), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	e.awaitProc(t)
	e.waitActive(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn.Write(ctx, websocket.MessageBinary, make([]byte, 4096))
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusMessageTooBig {
		t.Errorf("oversized message: err = %v, want message too big", err)
	}
}

func TestTerminalWS_OriginCheck(t *testing.T) {
	e := setupTerminal(t, "app.example.com")
	hdr := http.Header{}
	hdr.Set("Origin", "https://evil.example.net")
	if _, err := e.dial(t, "", &websocket.DialOptions{HTTPHeader: hdr}); err == nil {
		t.Fatal("cross-origin upgrade accepted")
	}
}

func TestSessionsAPI_RequiresRoot(t *testing.T) {
	e := setupTerminal(t)
	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"bad token", "garbage", http.StatusUnauthorized},
		{"scoped token", e.token(t, auth.Claims{Mode: auth.ModeScoped, Target: "x"}), http.StatusForbidden},
		{"root token", e.token(t, auth.Claims{Mode: auth.ModeRoot}), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.request(t, http.MethodGet, "/api/v1/sessions", tt.token)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestSessionsAPI_ListAndClose(t *testing.T) {
	e := setupTerminal(t)
	root := e.token(t, auth.Claims{Mode: auth.ModeRoot})
	conn, err := e.dial(t, "token="+e.token(t, auth.Claims{Mode: auth.ModeScoped, Target: "box", Cwd: "/w"}), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	e.awaitProc(t)
	e.waitActive(t, 1)

	resp := e.request(t, http.MethodGet, "/api/v1/sessions", root)
	var body struct {
		Sessions []session.Info `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].Target != "box" || body.Sessions[0].State != "active" {
		t.Fatalf("sessions = %+v", body.Sessions)
	}
	id := body.Sessions[0].ID

	closed := make(chan websocket.StatusCode, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				closed <- websocket.CloseStatus(err)
				return
			}
		}
	}()

	if resp := e.request(t, http.MethodDelete, "/api/v1/sessions/unknown", root); resp.StatusCode != http.StatusNotFound {
		t.Errorf("DELETE unknown = %d", resp.StatusCode)
	}
	if resp := e.request(t, http.MethodDelete, "/api/v1/sessions/"+id, root); resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE = %d", resp.StatusCode)
	}
	if status := <-closed; status != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want 1000", status)
	}
}

func TestHealthCheck(t *testing.T) {
	e := setupTerminal(t)
	if _, err := e.dial(t, "token="+e.token(t, auth.Claims{Mode: auth.ModeRoot}), nil); err != nil {
		t.Fatalf("dial: %v", err)
	}
	e.awaitProc(t)
	e.waitActive(t, 1)

	resp := e.request(t, http.MethodGet, "/health", "")
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "healthy" || body["active_sessions"] != float64(1) || body["scoped_backend"] != "exec" {
		t.Errorf("health = %v", body)
	}
}

func TestSizeFromQuery(t *testing.T) {
	tests := []struct {
		query string
		want  ptyproc.Size
	}{
		{"cols=80&rows=24", ptyproc.Size{Cols: 80, Rows: 24}},
		{"cols=80", ptyproc.Size{}},
		{"cols=0&rows=24", ptyproc.Size{}},
		{"cols=-1&rows=24", ptyproc.Size{}},
		{"cols=70000&rows=24", ptyproc.Size{}},
		{"cols=abc&rows=24", ptyproc.Size{}},
		{"", ptyproc.Size{}},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/terminal?"+tt.query, nil)
		if got := sizeFromQuery(r); got != tt.want {
			t.Errorf("sizeFromQuery(%q) = %+v, want %+v", tt.query, got, tt.want)
		}
	}
}
