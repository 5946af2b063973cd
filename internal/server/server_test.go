package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"grovekeeper/internal/config"
	"grovekeeper/internal/db"
	"grovekeeper/internal/engine"
	"grovekeeper/internal/migrate"
	grovekeepersdk "grovekeeper/sdk/go"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("warden")
	e := engine.New(conn, cfg, engine.NopNotifier{})
	if err := e.Repo.UpsertConfig(context.Background(), cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testJWTSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthEnforced(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/assets", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/assets", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials code, got %q", code)
	}
}

func TestModeratorOnlyOperations(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	participant := signToken(t, "alice")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/assets", map[string]any{
		"definition": "a15;Oak;2023-04-01;Alice;volunteer;healthy young oak;3;7",
	}, authHeader(participant))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-moderator, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("expected forbidden code, got %q", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/scores/reset", nil, authHeader(participant))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for scores reset, got %d: %s", res.StatusCode, string(data))
	}
}

func TestReportFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	moderator := grovekeepersdk.New(srv.URL + "/v1")
	moderator.BearerToken = signToken(t, "warden")
	alice := grovekeepersdk.New(srv.URL + "/v1")
	alice.BearerToken = signToken(t, "alice")

	created, err := moderator.CreateAsset(ctx, "a15;Oak;2023-04-01;Alice;volunteer;healthy young oak;3;7")
	if err != nil {
		t.Fatalf("create asset: %v", err)
	}
	if created.ID != "A15" {
		t.Fatalf("expected normalized id A15, got %q", created.ID)
	}

	if _, err := alice.SelectAsset(ctx, "alice", "a15", 101); err != nil {
		t.Fatalf("select asset: %v", err)
	}
	if err := alice.RequestAction(ctx, "alice", "water", 101); err != nil {
		t.Fatalf("request action: %v", err)
	}
	entry, err := alice.SubmitEvidence(ctx, "alice", "photo-1", 101)
	if err != nil {
		t.Fatalf("submit evidence: %v", err)
	}
	if entry.AssetID != "A15" || entry.Action != "water" {
		t.Fatalf("unexpected review entry: %+v", entry)
	}

	pending, err := moderator.PendingReviews(ctx)
	if err != nil {
		t.Fatalf("pending reviews: %v", err)
	}
	if len(pending) != 1 || pending[0].Submitter != "alice" {
		t.Fatalf("unexpected pending reviews: %+v", pending)
	}

	decision, err := moderator.Decide(ctx, "approve_A15_water")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Decision != "approve" || decision.Points != 10 {
		t.Fatalf("unexpected decision: %+v", decision)
	}

	board, err := alice.Leaderboard(ctx)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(board) != 1 || board[0].Handle != "alice" || board[0].Score != 10 {
		t.Fatalf("unexpected leaderboard: %+v", board)
	}
}

func TestCooldownErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	client := srv.Client()

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	srv.Engine.Now = func() time.Time { return now }

	moderator := grovekeepersdk.New(srv.URL + "/v1")
	moderator.BearerToken = signToken(t, "warden")
	alice := grovekeepersdk.New(srv.URL + "/v1")
	alice.BearerToken = signToken(t, "alice")

	if _, err := moderator.CreateAsset(ctx, "a15;Oak;2023-04-01;Alice;volunteer;healthy young oak;3;7"); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	if _, err := alice.SelectAsset(ctx, "alice", "A15", 101); err != nil {
		t.Fatalf("select asset: %v", err)
	}
	if err := alice.RequestAction(ctx, "alice", "water", 101); err != nil {
		t.Fatalf("request action: %v", err)
	}
	if _, err := alice.SubmitEvidence(ctx, "alice", "photo-1", 101); err != nil {
		t.Fatalf("submit evidence: %v", err)
	}
	if _, err := moderator.Decide(ctx, "approve_A15_water"); err != nil {
		t.Fatalf("decide: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/participants/alice/requests", map[string]any{
		"action":  "water",
		"chat_id": 101,
	}, authHeader(signToken(t, "alice")))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "cooldown_active" {
		t.Fatalf("expected cooldown_active, got %q", code)
	}
	if !strings.Contains(string(data), "2024-05-04") {
		t.Fatalf("expected next eligible date in details: %s", string(data))
	}
}

func TestDecisionRejectsBadToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	warden := signToken(t, "warden")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/decisions", map[string]any{
		"token": "nonsense",
	}, authHeader(warden))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/decisions", map[string]any{
		"token": "approve_A15_water",
	}, authHeader(warden))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing report, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "report_not_found" {
		t.Fatalf("expected report_not_found, got %q", code)
	}
}

func TestExportReportDownload(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	warden := signToken(t, "warden")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/report/export", nil, authHeader(signToken(t, "alice")))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-moderator export, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/report/export", nil, authHeader(warden))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export status %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(res.Header.Get("Content-Disposition"), "maintenance-report") {
		t.Fatalf("unexpected content disposition: %q", res.Header.Get("Content-Disposition"))
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty report document")
	}
}
