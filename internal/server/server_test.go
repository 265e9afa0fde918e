// ABOUTME: Tests for the conversation server HTTP boundary
// ABOUTME: Drives login, chat turns, admin toggles, reload and sweeping through httptest

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ria-gateway/internal/agent"
	"github.com/2389/ria-gateway/internal/auth"
	"github.com/2389/ria-gateway/internal/config"
	"github.com/2389/ria-gateway/internal/llm"
	"github.com/2389/ria-gateway/internal/store"
)

const testFlow = `
info: {locale: en, entry: 1}
nodes:
  - id: 1
    message: Hello! Type ai or bye.
    validation: list:matching
    condition: "['ai',2],['bye',3]"
    error: {action: repeat, message: Sorry?}
  - {id: 2, message: Connecting you, success: {action: switch_to_ai, move_to: 1}}
  - {id: 3, message: Goodbye, success: {action: end}}
`

const adminToken = "admin-secret"

// fakeCompleter answers every request and tracks peak concurrency.
type fakeCompleter struct {
	reply    string
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (f *fakeCompleter) Complete(ctx context.Context, c *llm.Client, req llm.Request) (string, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.reply, nil
}

type fakeTransport struct{}

func (fakeTransport) Deliver(context.Context, *agent.Endpoint, url.Values) (agent.Reply, error) {
	return agent.Reply{Messages: []string{"agent here"}}, nil
}

type harness struct {
	srv      *Server
	handler  http.Handler
	store    *store.SQLiteStore
	model    *fakeCompleter
	flowPath string
	archive  string
	keys     *auth.KeyPair
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, modelClients int) *harness {
	t.Helper()
	dir := t.TempDir()

	flowPath := filepath.Join(dir, "flow.yaml")
	require.NoError(t, os.WriteFile(flowPath, []byte(testFlow), 0o644))
	archiveDir := filepath.Join(dir, "archive")

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
server: {http_addr: "127.0.0.1:0", max_concurrency: 8}
database: {path: %q}
auth: {token_secret: "0123456789abcdef0123456789abcdef", admin_token: %q}
flow: {path: %q}
archive: {dir: %q}
sessions: {sweep_interval: 1h}
`, filepath.Join(dir, "ria.db"), adminToken, flowPath, archiveDir)))
	require.NoError(t, err)

	st, err := store.NewSQLiteStore(cfg.Database.Driver, cfg.Database.Path)
	require.NoError(t, err)

	ctx := context.Background()
	keys, err := auth.NewKeyPair()
	require.NoError(t, err)
	require.NoError(t, st.CreateWebsite(ctx, &store.Website{
		ID:        "site-1",
		Name:      "Shop",
		Host:      "shop.example",
		Key1Hash:  keys.Hash1,
		Key2Hash:  keys.Hash2,
		Salt:      keys.Salt,
		Enabled:   true,
		CreatedAt: time.Now(),
	}))
	for i := 0; i < modelClients; i++ {
		require.NoError(t, st.CreateModelClient(ctx, &store.ModelClient{
			URL:       fmt.Sprintf("http://model-%d/v1", i),
			Provider:  "openai",
			Enabled:   true,
			CreatedAt: time.Now(),
		}))
	}

	model := &fakeCompleter{reply: "I am the model"}
	srv, err := New(cfg, testLogger(), WithStore(st), WithCompleter(model), WithTransport(fakeTransport{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return &harness{
		srv:      srv,
		handler:  srv.Handler(),
		store:    st,
		model:    model,
		flowPath: flowPath,
		archive:  archiveDir,
		keys:     keys,
	}
}

func (h *harness) post(t *testing.T, path string, form url.Values, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", "https://shop.example")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) login(t *testing.T) string {
	t.Helper()
	rec := h.post(t, "/login", url.Values{"key1": {h.keys.Key1}, "key2": {h.keys.Key2}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "OK", body["STATUS"])
	require.NotEmpty(t, body["TOKEN"])
	return body["TOKEN"]
}

func decodeChat(t *testing.T, rec *httptest.ResponseRecorder) ChatResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder, status int) ErrorResponse {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ERROR", resp.Status)
	assert.Equal(t, status, resp.Code)
	assert.NotEmpty(t, resp.Message)
	return resp
}

func TestLogin(t *testing.T) {
	h := newHarness(t, 1)
	h.login(t)

	t.Run("wrong keys", func(t *testing.T) {
		rec := h.post(t, "/login", url.Values{"key1": {h.keys.Key1}, "key2": {"nope"}})
		decodeError(t, rec, http.StatusUnauthorized)
	})

	t.Run("missing key", func(t *testing.T) {
		rec := h.post(t, "/login", url.Values{"key1": {h.keys.Key1}})
		decodeError(t, rec, http.StatusBadRequest)
	})

	t.Run("unknown host", func(t *testing.T) {
		rec := h.post(t, "/login", url.Values{"key1": {h.keys.Key1}, "key2": {h.keys.Key2}}, "Origin", "https://evil.example")
		decodeError(t, rec, http.StatusUnauthorized)
	})

	t.Run("matched by client IP", func(t *testing.T) {
		keys, err := auth.NewKeyPair()
		require.NoError(t, err)
		require.NoError(t, h.store.CreateWebsite(context.Background(), &store.Website{
			ID: "site-ip", Name: "By IP", Host: "192.0.2.1",
			Key1Hash: keys.Hash1, Key2Hash: keys.Hash2, Salt: keys.Salt,
			Enabled: true, CreatedAt: time.Now(),
		}))
		// httptest requests come from 192.0.2.1
		rec := h.post(t, "/login", url.Values{"key1": {keys.Key1}, "key2": {keys.Key2}}, "Origin", "")
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})
}

func TestLogout(t *testing.T) {
	h := newHarness(t, 1)
	token := h.login(t)

	rec := h.post(t, "/logout", url.Values{"token": {token}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.post(t, "/logout", url.Values{"token": {token}})
	decodeError(t, rec, http.StatusForbidden)

	rec = h.post(t, "/letschat", url.Values{"token": {token}, "usr_id": {"u1"}})
	decodeError(t, rec, http.StatusUnauthorized)
}

func TestLetsChatAndMessage(t *testing.T) {
	h := newHarness(t, 1)
	token := h.login(t)

	resp := decodeChat(t, h.post(t, "/letschat", url.Values{"token": {token}, "usr_id": {"u1"}}))
	assert.Equal(t, []string{"Hello! Type ai or bye."}, resp.Messages)
	assert.Equal(t, "BOT", resp.State)
	assert.Equal(t, "en", resp.Locale)
	assert.False(t, resp.Ended)
	assert.Equal(t, "OK", resp.Status)

	resp = decodeChat(t, h.post(t, "/message", url.Values{"token": {token}, "usr_id": {"u1"}, "message": {"what"}}))
	assert.Equal(t, []string{"Sorry?", "Hello! Type ai or bye."}, resp.Messages)

	resp = decodeChat(t, h.post(t, "/message", url.Values{"token": {token}, "usr_id": {"u1"}, "message": {"AI"}}))
	assert.Equal(t, []string{"Connecting you"}, resp.Messages)
	assert.Equal(t, "AI", resp.State)
	assert.True(t, resp.Waiting)

	resp = decodeChat(t, h.post(t, "/message", url.Values{"token": {token}, "usr_id": {"u1"}, "message": {""}}))
	assert.Equal(t, []string{"I am the model"}, resp.Messages)
	assert.False(t, resp.Waiting)
	assert.Equal(t, int32(1), h.model.calls.Load())
}

func TestLetsChatBusyLeavesNoSession(t *testing.T) {
	h := newHarness(t, 1)
	token := h.login(t)

	require.NoError(t, h.srv.sem.Acquire(context.Background(), 8))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	form := url.Values{"token": {token}, "usr_id": {"u1"}}
	req := httptest.NewRequest(http.MethodPost, "/letschat", strings.NewReader(form.Encode())).WithContext(ctx)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", "https://shop.example")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	h.srv.sem.Release(8)

	decodeError(t, rec, http.StatusServiceUnavailable)
	assert.Equal(t, 0, h.srv.sessions.Len())
	decodeError(t, h.post(t, "/message", url.Values{"token": {token}, "usr_id": {"u1"}, "message": {"hi"}}), http.StatusForbidden)
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, 1)
	token := h.login(t)

	decodeError(t, h.post(t, "/letschat", url.Values{"token": {token}}), http.StatusBadRequest)
	decodeError(t, h.post(t, "/letschat", url.Values{"token": {token}, "usr_id": {"  "}}), http.StatusBadRequest)
	decodeError(t, h.post(t, "/letschat", url.Values{"token": {"forged"}, "usr_id": {"u1"}}), http.StatusUnauthorized)
	decodeError(t, h.post(t, "/message", url.Values{"token": {token}, "usr_id": {"u1"}}), http.StatusBadRequest)
	decodeError(t, h.post(t, "/message", url.Values{"token": {token}, "usr_id": {"nobody"}, "message": {"hi"}}), http.StatusForbidden)
	decodeError(t, h.post(t, "/nowhere", url.Values{}), http.StatusNotFound)
}

func TestEndedSessionIsSweptAndArchived(t *testing.T) {
	h := newHarness(t, 1)
	token := h.login(t)

	decodeChat(t, h.post(t, "/letschat", url.Values{"token": {token}, "usr_id": {"u1"}}))
	resp := decodeChat(t, h.post(t, "/message", url.Values{"token": {token}, "usr_id": {"u1"}, "message": {"bye"}}))
	assert.Equal(t, []string{"Goodbye"}, resp.Messages)
	assert.True(t, resp.Ended)

	// Further messages to the ended session are inert until it is swept
	resp = decodeChat(t, h.post(t, "/message", url.Values{"token": {token}, "usr_id": {"u1"}, "message": {"hello?"}}))
	assert.True(t, resp.Ended)
	assert.Empty(t, resp.Messages)

	h.srv.sweeper.SweepNow()
	assert.Equal(t, 0, h.srv.sessions.Len())

	archives, err := h.store.ListArchives(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.True(t, archives[0].Finished)
	assert.Equal(t, "u1", archives[0].UserID)

	data, err := os.ReadFile(archives[0].Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Status:  ENDED")
	assert.Contains(t, string(data), "bot: Goodbye")
}

func TestLetsChatReplacesSession(t *testing.T) {
	h := newHarness(t, 1)
	token := h.login(t)

	decodeChat(t, h.post(t, "/letschat", url.Values{"token": {token}, "usr_id": {"u1"}}))
	decodeChat(t, h.post(t, "/letschat", url.Values{"token": {token}, "usr_id": {"u1"}}))
	assert.Equal(t, 1, h.srv.sessions.Len())

	archives, err := h.store.ListArchives(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.False(t, archives[0].Finished)
}

func TestDisableAndEnable(t *testing.T) {
	h := newHarness(t, 1)
	token := h.login(t)
	decodeChat(t, h.post(t, "/letschat", url.Values{"token": {token}, "usr_id": {"u1"}}))
	decodeChat(t, h.post(t, "/letschat", url.Values{"token": {token}, "usr_id": {"u2"}}))

	bearer := []string{"Authorization", "Bearer " + adminToken}

	rec := h.post(t, "/admin/disable", url.Values{}, bearer...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["ARCHIVED"])
	assert.Equal(t, 0, h.srv.sessions.Len())
	assert.False(t, h.srv.Enabled())

	archives, err := h.store.ListArchives(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, archives, 2)
	for _, a := range archives {
		assert.False(t, a.Finished, "sessions archived by disable are flagged unfinished")
	}

	decodeError(t, h.post(t, "/message", url.Values{"token": {token}, "usr_id": {"u1"}, "message": {"hi"}}), http.StatusServiceUnavailable)
	decodeError(t, h.post(t, "/login", url.Values{"key1": {h.keys.Key1}, "key2": {h.keys.Key2}}), http.StatusServiceUnavailable)

	rec = h.post(t, "/admin/enable", url.Values{}, bearer...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Tokens issued before the disable are gone
	decodeError(t, h.post(t, "/letschat", url.Values{"token": {token}, "usr_id": {"u1"}}), http.StatusUnauthorized)
	fresh := h.login(t)
	decodeChat(t, h.post(t, "/letschat", url.Values{"token": {fresh}, "usr_id": {"u1"}}))
}

func TestAdminRequiresToken(t *testing.T) {
	h := newHarness(t, 1)

	rec := h.post(t, "/admin/disable", url.Values{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = h.post(t, "/admin/disable", url.Values{}, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.True(t, h.srv.Enabled())
}

func TestReloadPinsLiveSessions(t *testing.T) {
	h := newHarness(t, 1)
	token := h.login(t)
	decodeChat(t, h.post(t, "/letschat", url.Values{"token": {token}, "usr_id": {"old"}}))

	updated := strings.Replace(testFlow, "Hello! Type ai or bye.", "Welcome back!", 1)
	require.NoError(t, os.WriteFile(h.flowPath, []byte(updated), 0o644))

	rec := h.post(t, "/admin/reload", url.Values{}, "Authorization", "Bearer "+adminToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The live session keeps its original graph
	resp := decodeChat(t, h.post(t, "/message", url.Values{"token": {token}, "usr_id": {"old"}, "message": {"??"}}))
	assert.Equal(t, []string{"Sorry?", "Hello! Type ai or bye."}, resp.Messages)

	// New sessions see the reloaded one
	resp = decodeChat(t, h.post(t, "/letschat", url.Values{"token": {token}, "usr_id": {"new"}}))
	assert.Equal(t, []string{"Welcome back!"}, resp.Messages)
}

func TestReloadRejectsBrokenFlow(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, os.WriteFile(h.flowPath, []byte("info: {}\nnodes: []"), 0o644))

	err := h.srv.Reload(context.Background())
	require.Error(t, err)

	// The previous flow stays in service
	token := h.login(t)
	resp := decodeChat(t, h.post(t, "/letschat", url.Values{"token": {token}, "usr_id": {"u1"}}))
	assert.Equal(t, []string{"Hello! Type ai or bye."}, resp.Messages)
}

func TestSameUserTurnsAreSerialized(t *testing.T) {
	h := newHarness(t, 3)
	h.model.delay = 20 * time.Millisecond
	token := h.login(t)

	decodeChat(t, h.post(t, "/letschat", url.Values{"token": {token}, "usr_id": {"u1"}}))
	decodeChat(t, h.post(t, "/message", url.Values{"token": {token}, "usr_id": {"u1"}, "message": {"ai"}}))

	var wg sync.WaitGroup
	codes := make([]int, 5)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := h.post(t, "/message", url.Values{"token": {token}, "usr_id": {"u1"}, "message": {"question"}})
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	for _, c := range codes {
		assert.Equal(t, http.StatusOK, c)
	}
	assert.Equal(t, int32(5), h.model.calls.Load())
	assert.Equal(t, int32(1), h.model.peak.Load(), "turns for one user must not overlap")
}

func TestDifferentUsersRunInParallel(t *testing.T) {
	h := newHarness(t, 3)
	h.model.delay = 50 * time.Millisecond
	token := h.login(t)

	users := []string{"a", "b", "c"}
	for _, u := range users {
		decodeChat(t, h.post(t, "/letschat", url.Values{"token": {token}, "usr_id": {u}}))
		decodeChat(t, h.post(t, "/message", url.Values{"token": {token}, "usr_id": {u}, "message": {"ai"}}))
	}

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			h.post(t, "/message", url.Values{"token": {token}, "usr_id": {u}, "message": {"question"}})
		}(u)
	}
	wg.Wait()

	assert.Greater(t, h.model.peak.Load(), int32(1))
}

func TestHealth(t *testing.T) {
	h := newHarness(t, 2)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "0/2 models busy")

	_, err := h.srv.SetEnabled(context.Background(), false)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMarkdownRendering(t *testing.T) {
	h := newHarness(t, 1)
	md := strings.Replace(testFlow, "info: {locale: en, entry: 1}", "info: {locale: en, entry: 1, markdown: true}", 1)
	md = strings.Replace(md, "Hello! Type ai or bye.", `"**Hello**"`, 1)
	require.NoError(t, os.WriteFile(h.flowPath, []byte(md), 0o644))
	require.NoError(t, h.srv.Reload(context.Background()))

	token := h.login(t)
	resp := decodeChat(t, h.post(t, "/letschat", url.Values{"token": {token}, "usr_id": {"u1"}}))
	assert.Equal(t, []string{"<p><strong>Hello</strong></p>"}, resp.Messages)
}
