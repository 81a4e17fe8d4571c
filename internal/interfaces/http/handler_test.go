package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"bulkmailer/internal/entities"
	"bulkmailer/internal/infrastructure"
	"bulkmailer/internal/repository"
	"bulkmailer/internal/usecases"
)

const testSecret = "handler-test-secret-handler-test-secret"

type testServer struct {
	router *gin.Engine
	pool   *usecases.AccountPool
	gate   *usecases.SafetyGate
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	return newTestServerWith(t, nil)
}

func newTestServerWith(t *testing.T, connector AccountConnector) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	tracker := usecases.NewQuotaTracker(time.UTC)
	pool := usecases.NewAccountPool(ctx, nil, tracker, nil)
	quota := usecases.NewUserQuota(ctx, nil, tracker, nil, nil)
	gate := usecases.NewSafetyGate(ctx, pool, quota, tracker, nil, nil)
	usage := repository.NewUsageRepository(ctx, infrastructure.NewMemoryStore(), nil)
	clients := infrastructure.NewTransportManager(infrastructure.SharedClient(infrastructure.NewSimulatedTransport(1, 0, 1)), nil)
	dispatcher := usecases.NewDispatcher(ctx, usecases.DispatcherDeps{
		Gate: gate, Pool: pool, Quota: quota, Transport: clients, Tracker: tracker, Usage: usage,
	}, usecases.DefaultDispatcherSettings())
	auth := usecases.NewAuthUsecase(quota, testSecret)
	if _, err := auth.EnsureAdmin(ctx, "admin", "admin-pass"); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}

	r := gin.New()
	SetupRoutes(r, Deps{
		Auth:       auth,
		Identity:   auth,
		Dispatcher: dispatcher,
		Analytics:  usecases.NewAnalyticsUsecase(pool, gate, usage, time.UTC),
		Pool:       pool,
		Users:      quota,
		Gate:       gate,
		Clients:    clients,
		Connector:  connector,
		Throttle:   infrastructure.NewAccountThrottle(2),
		Middleware: NewMiddleware(testSecret, auth),
		AppCtx:     ctx,
	})
	return testServer{router: r, pool: pool, gate: gate}
}

func (s testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s testServer) login(t *testing.T, username, password string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"username": username, "password": password})
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", username, w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("login response %s: %v", w.Body.String(), err)
	}
	return resp.Token
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func TestAuthFlow(t *testing.T) {
	s := newTestServer(t)

	if w := s.do(t, http.MethodGet, "/api/me", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous /api/me = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/me", "garbage", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token /api/me = %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/auth/register", "", gin.H{"username": "bad name!", "password": "secret1"}); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid username register = %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/auth/register", "", gin.H{"username": "alice", "email": "alice@example.com", "password": "secret1"}); w.Code != http.StatusCreated {
		t.Fatalf("register = %d %s", w.Code, w.Body.String())
	}
	if w := s.do(t, http.MethodPost, "/api/auth/register", "", gin.H{"username": "alice", "password": "secret1"}); w.Code != http.StatusConflict {
		t.Fatalf("duplicate register = %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"username": "alice", "password": "nope"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad login = %d", w.Code)
	}

	token := s.login(t, "alice", "secret1")
	w := s.do(t, http.MethodGet, "/api/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("/api/me = %d", w.Code)
	}
	var me struct {
		Username   string `json:"username"`
		Role       string `json:"role"`
		DailyLimit int    `json:"daily_limit"`
	}
	decode(t, w, &me)
	if me.Username != "alice" || me.Role != "user" || me.DailyLimit != 500 {
		t.Fatalf("me = %+v", me)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}
}

func TestPermissionsAreEnforced(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/auth/register", "", gin.H{"username": "bob", "password": "secret1"})
	token := s.login(t, "bob", "secret1")

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/admin/accounts"},
		{http.MethodGet, "/api/admin/users"},
		{http.MethodPost, "/api/admin/lock"},
		{http.MethodPost, "/api/queue/clear"},
	} {
		if w := s.do(t, tc.method, tc.path, token, gin.H{}); w.Code != http.StatusForbidden {
			t.Fatalf("%s %s as user = %d, want 403", tc.method, tc.path, w.Code)
		}
	}
	if w := s.do(t, http.MethodGet, "/api/analytics/safety", token, nil); w.Code != http.StatusOK {
		t.Fatalf("basic analytics as user = %d", w.Code)
	}
}

func TestAccountAndQueueEndpoints(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "admin", "admin-pass")

	w := s.do(t, http.MethodPost, "/api/admin/accounts", token, gin.H{"email": "sender@example.com", "account_type": "personal"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create account = %d %s", w.Code, w.Body.String())
	}
	var account entities.Account
	decode(t, w, &account)
	if account.DailyLimit != 400 || account.ConnectionStatus != entities.Disconnected {
		t.Fatalf("account = %+v", account)
	}
	if w := s.do(t, http.MethodPost, "/api/admin/accounts", token, gin.H{"email": "x@example.com", "account_type": "premium"}); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown type = %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/admin/accounts", token, gin.H{"email": "sender@example.com", "account_type": "personal"}); w.Code != http.StatusConflict {
		t.Fatalf("duplicate account = %d", w.Code)
	}

	if w := s.do(t, http.MethodPut, "/api/admin/accounts/"+account.ID+"/connection", token, gin.H{"connection_status": "connected"}); w.Code != http.StatusOK {
		t.Fatalf("connect = %d %s", w.Code, w.Body.String())
	}
	if w := s.do(t, http.MethodPut, "/api/admin/accounts/"+account.ID+"/limits", token, gin.H{
		"daily_limit": 50, "hourly_limit": 10, "buffer_reserve": 60, "warning_threshold": 0.8, "critical_threshold": 0.9,
	}); w.Code != http.StatusBadRequest {
		t.Fatalf("buffer above daily limit = %d", w.Code)
	}
	if w := s.do(t, http.MethodPut, "/api/admin/accounts/missing/active", token, gin.H{"is_active": false}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown account = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/admin/accounts/"+account.ID+"/connect", token, nil); w.Code != http.StatusNotImplemented {
		t.Fatalf("connect url without consent flow = %d", w.Code)
	}

	if got, ok := s.pool.Get(account.ID); !ok || got.ConnectionStatus != entities.Connected {
		t.Fatalf("pool account = %+v", got)
	}

	w = s.do(t, http.MethodPost, "/api/queue/batches", token, gin.H{
		"recipients": []gin.H{{"email": "r1@example.org"}, {"email": "r2@example.org"}},
		"subject":    "Hi {{name}}",
		"body":       "Hello",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("enqueue = %d %s", w.Code, w.Body.String())
	}
	var created struct {
		BatchID string `json:"batch_id"`
	}
	decode(t, w, &created)

	if w := s.do(t, http.MethodPost, "/api/queue/batches", token, gin.H{"subject": "x"}); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid enqueue = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/queue/batches/"+created.BatchID, token, nil); w.Code != http.StatusOK {
		t.Fatalf("get batch = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/queue/batches/unknown", token, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown batch = %d", w.Code)
	}

	var stats entities.Stats
	decode(t, s.do(t, http.MethodGet, "/api/queue/stats", token, nil), &stats)
	if stats.Queued != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if w := s.do(t, http.MethodPost, "/api/queue/stop", token, nil); w.Code != http.StatusConflict {
		t.Fatalf("stop when idle = %d", w.Code)
	}
	if w := s.do(t, http.MethodDelete, "/api/queue/batches/"+created.BatchID, token, nil); w.Code != http.StatusOK {
		t.Fatalf("remove batch = %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/queue/clear", token, nil); w.Code != http.StatusOK {
		t.Fatalf("clear = %d", w.Code)
	}

	if w := s.do(t, http.MethodDelete, "/api/admin/accounts/"+account.ID, token, nil); w.Code != http.StatusOK {
		t.Fatalf("delete account = %d", w.Code)
	}
	if len(s.pool.List()) != 0 {
		t.Fatal("account still in pool")
	}
}

func TestLockEndpoints(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "admin", "admin-pass")

	w := s.do(t, http.MethodPost, "/api/admin/lock", token, gin.H{"reason": "maintenance"})
	if w.Code != http.StatusOK || !s.gate.Locked() {
		t.Fatalf("lock = %d locked=%v", w.Code, s.gate.Locked())
	}
	var st entities.LockState
	decode(t, s.do(t, http.MethodGet, "/api/admin/lock", token, nil), &st)
	if !st.Locked || st.Reason != "maintenance" || st.Kind != entities.LockManual {
		t.Fatalf("lock state = %+v", st)
	}
	if w := s.do(t, http.MethodPost, "/api/admin/unlock", token, nil); w.Code != http.StatusOK || s.gate.Locked() {
		t.Fatalf("unlock = %d locked=%v", w.Code, s.gate.Locked())
	}
}

func TestUserAdministration(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "admin", "admin-pass")
	s.do(t, http.MethodPost, "/api/auth/register", "", gin.H{"username": "carol", "password": "secret1"})

	var users []struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	decode(t, s.do(t, http.MethodGet, "/api/admin/users", token, nil), &users)
	if len(users) != 2 {
		t.Fatalf("users = %+v", users)
	}
	ids := map[string]string{}
	for _, u := range users {
		ids[u.Username] = u.ID
	}

	if w := s.do(t, http.MethodPut, "/api/admin/users/"+ids["carol"]+"/role", token, gin.H{"role": "manager"}); w.Code != http.StatusOK {
		t.Fatalf("set role = %d", w.Code)
	}
	if w := s.do(t, http.MethodPut, "/api/admin/users/"+ids["carol"]+"/role", token, gin.H{"role": "owner"}); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown role = %d", w.Code)
	}
	if w := s.do(t, http.MethodPut, "/api/admin/users/"+ids["carol"]+"/limits", token, gin.H{"daily_limit": 7}); w.Code != http.StatusOK {
		t.Fatalf("set limit = %d", w.Code)
	}
	if w := s.do(t, http.MethodPut, "/api/admin/users/"+ids["admin"]+"/status", token, gin.H{"is_active": false}); w.Code != http.StatusBadRequest {
		t.Fatalf("self deactivation = %d", w.Code)
	}
	if w := s.do(t, http.MethodPut, "/api/admin/users/"+ids["carol"]+"/status", token, gin.H{"is_active": false}); w.Code != http.StatusOK {
		t.Fatalf("deactivate = %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"username": "carol", "password": "secret1"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("inactive login = %d", w.Code)
	}
}

func TestAnalyticsEndpoints(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "admin", "admin-pass")

	if w := s.do(t, http.MethodGet, "/api/analytics/overview", token, nil); w.Code != http.StatusOK {
		t.Fatalf("overview = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/analytics/timeframe/week", token, nil); w.Code != http.StatusOK {
		t.Fatalf("timeframe = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/analytics/timeframe/decade", token, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad timeframe = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/oauth/callback?state=x&code=y", "", nil); w.Code != http.StatusNotImplemented {
		t.Fatalf("oauth callback without connector = %d", w.Code)
	}
}

func TestValidators(t *testing.T) {
	if !ValidUsername("ops.team-1") || ValidUsername("") || ValidUsername("has space") {
		t.Fatal("ValidUsername")
	}
	if ValidPassword("12345") || !ValidPassword("123456") {
		t.Fatal("ValidPassword")
	}
	if !ValidEmail("a@example.com") || ValidEmail("A <a@example.com>") || ValidEmail("nope") {
		t.Fatal("ValidEmail")
	}
	if got := SanitizeString("a\x00b\xffc"); got != "abc" {
		t.Fatalf("SanitizeString = %q", got)
	}
	if got := TruncateString("héllo", 2); got != "h" {
		t.Fatalf("TruncateString = %q", got)
	}
}

func (s testServer) userIDs(t *testing.T, token string) map[string]string {
	t.Helper()
	var users []struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	decode(t, s.do(t, http.MethodGet, "/api/admin/users", token, nil), &users)
	ids := make(map[string]string, len(users))
	for _, u := range users {
		ids[u.Username] = u.ID
	}
	return ids
}

func (s testServer) enqueue(t *testing.T, token string, body gin.H) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/queue/batches", token, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("enqueue = %d %s", w.Code, w.Body.String())
	}
	var created struct {
		BatchID string `json:"batch_id"`
	}
	decode(t, w, &created)
	return created.BatchID
}

func TestTokenFollowsStoredRole(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin", "admin-pass")
	s.do(t, http.MethodPost, "/api/auth/register", "", gin.H{"username": "carol", "password": "secret1"})
	carolID := s.userIDs(t, admin)["carol"]

	if w := s.do(t, http.MethodPut, "/api/admin/users/"+carolID+"/role", admin, gin.H{"role": "admin"}); w.Code != http.StatusOK {
		t.Fatalf("promote = %d", w.Code)
	}
	carol := s.login(t, "carol", "secret1")
	if w := s.do(t, http.MethodGet, "/api/admin/users", carol, nil); w.Code != http.StatusOK {
		t.Fatalf("promoted list users = %d", w.Code)
	}

	if w := s.do(t, http.MethodPut, "/api/admin/users/"+carolID+"/role", admin, gin.H{"role": "viewer"}); w.Code != http.StatusOK {
		t.Fatalf("demote = %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/admin/lock", carol, gin.H{"reason": "x"}); w.Code != http.StatusForbidden {
		t.Fatalf("demoted lock = %d, want 403", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/admin/users", carol, nil); w.Code != http.StatusForbidden {
		t.Fatalf("demoted list users = %d, want 403", w.Code)
	}
	if s.gate.Locked() {
		t.Fatal("demoted user locked the system")
	}

	if w := s.do(t, http.MethodPut, "/api/admin/users/"+carolID+"/status", admin, gin.H{"is_active": false}); w.Code != http.StatusOK {
		t.Fatalf("deactivate = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/me", carol, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("deactivated /api/me = %d, want 401", w.Code)
	}
}

func TestBatchOwnership(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin", "admin-pass")
	for _, name := range []string{"dave", "erin"} {
		s.do(t, http.MethodPost, "/api/auth/register", "", gin.H{"username": name, "password": "secret1"})
	}
	dave := s.login(t, "dave", "secret1")
	erin := s.login(t, "erin", "secret1")

	mail := gin.H{"recipients": []gin.H{{"email": "r1@example.org"}}, "subject": "s", "body": "b"}
	first := s.enqueue(t, dave, mail)
	second := s.enqueue(t, dave, mail)

	if w := s.do(t, http.MethodDelete, "/api/queue/batches/"+first, erin, nil); w.Code != http.StatusForbidden {
		t.Fatalf("foreign remove = %d, want 403", w.Code)
	}
	at := time.Now().Add(time.Hour).UTC()
	if w := s.do(t, http.MethodPut, "/api/queue/batches/"+first+"/schedule", erin, gin.H{"scheduled_at": at}); w.Code != http.StatusForbidden {
		t.Fatalf("foreign reschedule = %d, want 403", w.Code)
	}
	if w := s.do(t, http.MethodDelete, "/api/queue/batches/missing", erin, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown batch = %d", w.Code)
	}
	if w := s.do(t, http.MethodDelete, "/api/queue/batches/"+first, dave, nil); w.Code != http.StatusOK {
		t.Fatalf("owner remove = %d", w.Code)
	}
	if w := s.do(t, http.MethodDelete, "/api/queue/batches/"+second, admin, nil); w.Code != http.StatusOK {
		t.Fatalf("bulk operator remove = %d", w.Code)
	}
}

func TestRescheduleBatch(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "admin", "admin-pass")
	id := s.enqueue(t, token, gin.H{"recipients": []gin.H{{"email": "r1@example.org"}}, "subject": "s", "body": "b"})

	at := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	if w := s.do(t, http.MethodPut, "/api/queue/batches/"+id+"/schedule", token, gin.H{"scheduled_at": at}); w.Code != http.StatusOK {
		t.Fatalf("reschedule = %d %s", w.Code, w.Body.String())
	}
	var b entities.Batch
	decode(t, s.do(t, http.MethodGet, "/api/queue/batches/"+id, token, nil), &b)
	if b.ScheduledAt == nil || !b.ScheduledAt.Equal(at) {
		t.Fatalf("scheduled_at = %v, want %v", b.ScheduledAt, at)
	}
	var stats entities.Stats
	decode(t, s.do(t, http.MethodGet, "/api/queue/stats", token, nil), &stats)
	if stats.Scheduled != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	if w := s.do(t, http.MethodPut, "/api/queue/batches/"+id+"/schedule", token, gin.H{"scheduled_at": nil}); w.Code != http.StatusOK {
		t.Fatalf("clear schedule = %d", w.Code)
	}
	decode(t, s.do(t, http.MethodGet, "/api/queue/batches/"+id, token, nil), &b)
	if b.ScheduledAt != nil {
		t.Fatalf("scheduled_at not cleared: %v", b.ScheduledAt)
	}
}

func TestQueueExportImport(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "admin", "admin-pass")
	s.enqueue(t, token, gin.H{
		"recipients": []gin.H{{"email": "r1@example.org"}, {"email": "r2@example.org"}},
		"subject":    "Hi",
		"body":       "Hello",
	})

	w := s.do(t, http.MethodGet, "/api/queue/export", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export = %d", w.Code)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "bulk-email-queue-") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	var export usecases.QueueExport
	decode(t, w, &export)
	if len(export.Batches) != 1 || export.Stats.Queued != 2 {
		t.Fatalf("export = %+v", export)
	}

	if w := s.do(t, http.MethodPost, "/api/queue/clear", token, nil); w.Code != http.StatusOK {
		t.Fatalf("clear = %d", w.Code)
	}
	w = s.do(t, http.MethodPost, "/api/queue/import", token, export)
	if w.Code != http.StatusCreated {
		t.Fatalf("import = %d %s", w.Code, w.Body.String())
	}
	var stats entities.Stats
	decode(t, s.do(t, http.MethodGet, "/api/queue/stats", token, nil), &stats)
	if stats.Queued != 2 {
		t.Fatalf("stats after import = %+v", stats)
	}

	if w := s.do(t, http.MethodPost, "/api/queue/import", token, gin.H{"queue": []gin.H{}}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty import = %d, want 400", w.Code)
	}
}

func TestDeleteUser(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin", "admin-pass")
	s.do(t, http.MethodPost, "/api/auth/register", "", gin.H{"username": "frank", "password": "secret1"})
	frank := s.login(t, "frank", "secret1")
	s.enqueue(t, frank, gin.H{"recipients": []gin.H{{"email": "r1@example.org"}}, "subject": "s", "body": "b"})
	ids := s.userIDs(t, admin)

	if w := s.do(t, http.MethodDelete, "/api/admin/users/"+ids["admin"], admin, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("self removal = %d, want 400", w.Code)
	}
	w := s.do(t, http.MethodDelete, "/api/admin/users/"+ids["frank"], admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove user = %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		BatchesRemoved int `json:"batches_removed"`
	}
	decode(t, w, &resp)
	if resp.BatchesRemoved != 1 {
		t.Fatalf("batches_removed = %d", resp.BatchesRemoved)
	}
	if got := s.userIDs(t, admin); len(got) != 1 {
		t.Fatalf("users after removal = %v", got)
	}
	if w := s.do(t, http.MethodGet, "/api/me", frank, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("removed user token = %d, want 401", w.Code)
	}
	if w := s.do(t, http.MethodDelete, "/api/admin/users/"+ids["frank"], admin, nil); w.Code != http.StatusNotFound {
		t.Fatalf("remove twice = %d", w.Code)
	}
}

type stubConnector struct {
	tokens map[string]bool
}

func (c *stubConnector) AuthURL(accountID string) string {
	return "https://consent.example/auth?state=" + accountID
}

func (c *stubConnector) Exchange(_ context.Context, accountID, code string) error {
	if code == "bad" {
		return errors.New("invalid_grant")
	}
	c.tokens[accountID] = true
	return nil
}

func (c *stubConnector) Forget(_ context.Context, accountID string) error {
	delete(c.tokens, accountID)
	return nil
}

func (c *stubConnector) HasToken(accountID string) bool { return c.tokens[accountID] }

func TestConsentAndTransportEndpoints(t *testing.T) {
	conn := &stubConnector{tokens: map[string]bool{}}
	s := newTestServerWith(t, conn)
	token := s.login(t, "admin", "admin-pass")

	w := s.do(t, http.MethodPost, "/api/admin/accounts", token, gin.H{"email": "sender@example.com", "account_type": "personal"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create account = %d", w.Code)
	}
	var account entities.Account
	decode(t, w, &account)

	type view struct {
		ID          string `json:"id"`
		Health      string `json:"health"`
		Authorized  *bool  `json:"authorized"`
		ClientReady bool   `json:"client_ready"`
	}
	var views []view
	decode(t, s.do(t, http.MethodGet, "/api/admin/accounts", token, nil), &views)
	if len(views) != 1 || views[0].Authorized == nil || *views[0].Authorized || views[0].ClientReady ||
		views[0].Health != string(entities.HealthDisconnected) {
		t.Fatalf("accounts = %+v", views)
	}

	if w := s.do(t, http.MethodPut, "/api/admin/accounts/"+account.ID+"/connection", token, gin.H{"connection_status": "connected"}); w.Code != http.StatusConflict {
		t.Fatalf("connect without token = %d, want 409", w.Code)
	}
	w = s.do(t, http.MethodGet, "/api/admin/accounts/"+account.ID+"/connect", token, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), account.ID) {
		t.Fatalf("connect url = %d %s", w.Code, w.Body.String())
	}
	w = s.do(t, http.MethodGet, "/api/admin/accounts/"+account.ID+"/connect/qr", token, nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("connect qr = %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	if w := s.do(t, http.MethodGet, "/api/oauth/callback?state="+account.ID+"&code=bad", "", nil); w.Code != http.StatusBadGateway {
		t.Fatalf("bad code callback = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/oauth/callback?state="+account.ID+"&code=ok", "", nil); w.Code != http.StatusOK {
		t.Fatalf("callback = %d %s", w.Code, w.Body.String())
	}
	if got, _ := s.pool.Get(account.ID); got.ConnectionStatus != entities.Connected {
		t.Fatalf("account after callback = %+v", got)
	}
	decode(t, s.do(t, http.MethodGet, "/api/admin/accounts", token, nil), &views)
	if views[0].Authorized == nil || !*views[0].Authorized {
		t.Fatalf("accounts after consent = %+v", views)
	}

	var transport struct {
		Clients  []string               `json:"clients"`
		Throttle map[string]interface{} `json:"throttle"`
	}
	w = s.do(t, http.MethodGet, "/api/admin/transport", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("transport = %d", w.Code)
	}
	decode(t, w, &transport)
	if transport.Clients == nil || transport.Throttle["burst"] != float64(2) {
		t.Fatalf("transport = %+v", transport)
	}

	if w := s.do(t, http.MethodDelete, "/api/admin/accounts/"+account.ID, token, nil); w.Code != http.StatusOK {
		t.Fatalf("delete account = %d", w.Code)
	}
	if conn.HasToken(account.ID) {
		t.Fatal("token kept after account removal")
	}
}
