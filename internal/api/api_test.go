package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exoengine/exocore/internal/config"
	"github.com/exoengine/exocore/internal/db"
	"github.com/exoengine/exocore/internal/events"
	"github.com/exoengine/exocore/internal/metrics"
	"github.com/exoengine/exocore/internal/network"
	"github.com/exoengine/exocore/internal/scheduler"
	"github.com/exoengine/exocore/internal/security"
	"github.com/exoengine/exocore/internal/session"
)

const testToken = "s3cret"

func newSessionServer(t *testing.T) *session.Server {
	t.Helper()
	key, err := security.GenerateKey()
	require.NoError(t, err)

	sock := network.NewTCPSocket(network.WithBindHost("127.0.0.1"), network.WithMaxClients(4))
	require.NoError(t, sock.Bind(0))
	t.Cleanup(func() { sock.Close() })

	return session.NewServer(sock, key, session.ServerConfig{Name: "api test", Version: 3})
}

func newTestAPI(t *testing.T, deps Deps) *Server {
	t.Helper()
	cfg := config.DefaultConfig().API
	cfg.AdminToken = testToken
	cfg.RateLimitRPS = 0
	return NewServer(cfg, deps)
}

func do(t *testing.T, s *Server, method, path, body, token string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	out := map[string]interface{}{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestPing(t *testing.T) {
	s := newTestAPI(t, Deps{})
	rec, body := do(t, s, http.MethodGet, "/api/public/ping", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestServerInfo(t *testing.T) {
	srv := newSessionServer(t)
	s := newTestAPI(t, Deps{Session: srv})

	rec, body := do(t, s, http.MethodGet, "/api/public/server_info", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "api test", body["name"])
	assert.EqualValues(t, 3, body["version"])
	assert.EqualValues(t, 0, body["clients"])
	assert.EqualValues(t, 4, body["clients_max"])
	assert.Equal(t, "tcp", body["transport"])
	assert.Contains(t, body, "system")
}

func TestStatus(t *testing.T) {
	srv := newSessionServer(t)
	q := scheduler.NewTaskQueue(1, scheduler.WithCapacity(8))
	t.Cleanup(func() { q.Close() })
	alarms := scheduler.NewAlarmQueue(q)
	alarms.After(scheduler.NewTask("later", func() {}), time.Hour)

	s := newTestAPI(t, Deps{Session: srv, Queue: q, Alarms: alarms})
	rec, body := do(t, s, http.MethodGet, "/api/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	sock, ok := body["socket"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, sock["bound"])
	assert.EqualValues(t, srv.Socket().Port(), sock["port"])

	tasks, ok := body["tasks"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 8, tasks["capacity"])
	assert.EqualValues(t, 1, body["alarms"])

	rec, body = do(t, s, http.MethodGet, "/api/alarms", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])
}

func TestMissingDependencies(t *testing.T) {
	s := newTestAPI(t, Deps{})
	for _, path := range []string{"/api/sessions", "/api/alarms", "/api/audit", "/api/config"} {
		t.Run(path, func(t *testing.T) {
			rec, _ := do(t, s, http.MethodGet, path, "", "")
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		})
	}

	rec, _ := do(t, s, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessions(t *testing.T) {
	s := newTestAPI(t, Deps{Session: newSessionServer(t)})
	rec, body := do(t, s, http.MethodGet, "/api/sessions", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["total"])
}

func TestControlRequiresToken(t *testing.T) {
	srv := newSessionServer(t)
	s := newTestAPI(t, Deps{Session: srv})

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := do(t, s, http.MethodPost, "/api/control/broadcast", `{"text":"hello"}`, tt.token)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	cfg := config.DefaultConfig().API
	cfg.AdminToken = ""
	disabled := NewServer(cfg, Deps{Session: srv})
	rec, _ := do(t, disabled, http.MethodPost, "/api/control/broadcast", `{"text":"hello"}`, testToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBroadcastAndKick(t *testing.T) {
	s := newTestAPI(t, Deps{Session: newSessionServer(t)})

	rec, body := do(t, s, http.MethodPost, "/api/control/broadcast", `{"text":"hello"}`, testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["delivered"])

	rec, _ = do(t, s, http.MethodPost, "/api/control/broadcast", `{}`, testToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/api/control/kick/nobody", "", testToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAudit(t *testing.T) {
	audit, err := db.NewAuditLog(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	records := []struct {
		kind    events.EventType
		outcome string
	}{
		{events.EventHandshakeAccepted, session.OutcomeAccepted},
		{events.EventHandshakeRefused, session.OutcomeNameTaken},
		{events.EventHandshakeAccepted, session.OutcomeAccepted},
	}
	for _, r := range records {
		_, err := audit.Record(db.AuditEntry{
			Kind:      string(r.kind),
			Address:   "127.0.0.1:5000",
			Outcome:   r.outcome,
			CreatedAt: time.Now(),
		})
		require.NoError(t, err)
	}

	s := newTestAPI(t, Deps{Audit: audit})

	rec, body := do(t, s, http.MethodGet, "/api/audit?limit=2", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries, ok := body["entries"].([]interface{})
	require.True(t, ok)
	assert.Len(t, entries, 2)
	outcomes, ok := body["outcomes"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 2, outcomes[session.OutcomeAccepted])

	rec, _ = do(t, s, http.MethodGet, "/api/audit?limit=zero", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigRedactsToken(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.AdminToken = testToken
	s := newTestAPI(t, Deps{Config: cfg})

	rec, body := do(t, s, http.MethodGet, "/api/config", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), testToken)

	netCfg, ok := body["network"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, config.DefaultGamePort, netCfg["port"])
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Handshake(session.OutcomeAccepted)
	s := newTestAPI(t, Deps{Metrics: m})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "exocore_session_handshakes_total")
}

func TestUnknownRoute(t *testing.T) {
	s := newTestAPI(t, Deps{})
	rec, body := do(t, s, http.MethodGet, "/api/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "endpoint not found", body["error"])
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))

	unlimited := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow("10.0.0.1"))
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	cfg := config.DefaultConfig().API
	cfg.RateLimitRPS = 1
	s := NewServer(cfg, Deps{})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec, _ := do(t, s, http.MethodGet, "/api/public/ping", "", "")
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.want, extractBearerToken(tt.header))
		})
	}
}
