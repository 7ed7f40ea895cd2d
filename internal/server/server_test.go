package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"streampay/internal/config"
	"streampay/internal/db"
	"streampay/internal/domain"
	"streampay/internal/engine"
	"streampay/internal/match"
	"streampay/internal/migrate"
)

const testJWTSecret = "test-secret"

type stubSubmitter struct{}

func (stubSubmitter) Submit(ctx context.Context, contractID string, idx int, url string) (string, error) {
	return fmt.Sprintf("tx-%d", idx), nil
}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), match.Substring{}, stubSubmitter{})
	handler, proc, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
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
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			proc.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func bearerFor(t *testing.T, memberID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: memberID})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
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

func createEscrowHTTP(t *testing.T, srv *testServer, secret string) domain.Escrow {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/escrows", map[string]any{
		"org_id":         "acme",
		"contract_id":    "CONTRACT1",
		"total_amount":   100000,
		"platform":       "github",
		"external_id":    "acme/site",
		"webhook_secret": secret,
		"milestones": []map[string]any{
			{"title": "Design", "trigger_keyword": "design", "bps": 3000},
			{"title": "Backend", "trigger_keyword": "backend", "bps": 7000},
		},
	}, map[string]string{"Authorization": bearerFor(t, "alice")})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create escrow: status=%d body=%s", res.StatusCode, data)
	}
	var esc domain.Escrow
	if err := json.Unmarshal(data, &esc); err != nil {
		t.Fatalf("decode escrow: %v (%s)", err, data)
	}
	return esc
}

func waitForMilestoneStatus(t *testing.T, srv *testServer, escrowID string, idx int, status string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		m, err := srv.Engine.Repo.GetMilestone(context.Background(), escrowID, idx)
		if err == nil && m.Status == status {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("milestone %s/%d never reached %s", escrowID, idx, status)
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func prPayload() []byte {
	return []byte(`{"action":"closed","repository":{"full_name":"acme/site"},"pull_request":{"number":9,"title":"feat/backend: auth","html_url":"https://github.com/acme/site/pull/9","merged":true,"labels":[{"name":"backend"}]}}`)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", res.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/escrows", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d body=%s", res.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("error code = %s", envelope.Error.Code)
	}
}

func TestWebhookDeliveryMatchesMilestone(t *testing.T) {
	srv := newTestServer(t)
	esc := createEscrowHTTP(t, srv, "hook-secret")

	body := prPayload()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v0/webhooks/github", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", signBody("hook-secret", body))
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("webhook status = %d", res.StatusCode)
	}

	waitForMilestoneStatus(t, srv, esc.ID, 1, domain.MilestonePendingRelease)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv := newTestServer(t)
	createEscrowHTTP(t, srv, "hook-secret")

	body := prPayload()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v0/webhooks/github", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", signBody("wrong-secret", body))
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
}

func TestWebhookUnsupportedPlatform(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/webhooks/jira", map[string]any{}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestVoteEndpoint(t *testing.T) {
	srv := newTestServer(t)
	esc := createEscrowHTTP(t, srv, "")
	ctx := context.Background()

	if err := srv.Engine.Repo.UpsertMember(ctx, domain.Member{OrgID: "acme", MemberID: "alice", Role: "admin", AddedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	if ok, err := srv.Engine.Repo.ClaimMilestone(ctx, esc.ID, 1, "2024-01-02T00:00:00Z", "https://x/9"); err != nil || !ok {
		t.Fatalf("seed claim: %v", err)
	}

	url := fmt.Sprintf("%s/v0/escrows/%s/milestones/1/votes", srv.URL, esc.ID)
	auth := map[string]string{"Authorization": bearerFor(t, "alice")}

	res, data := doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{"action": "approve"}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("vote status = %d body=%s", res.StatusCode, data)
	}
	var out engine.VoteOutcome
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if !out.Released {
		t.Fatalf("default threshold 1 should release: %+v", out)
	}

	// Same member voting again conflicts.
	res, data = doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{"action": "approve"}, auth)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate vote status = %d body=%s", res.StatusCode, data)
	}
}

func TestNonMemberVoteForbidden(t *testing.T) {
	srv := newTestServer(t)
	esc := createEscrowHTTP(t, srv, "")
	ctx := context.Background()
	if ok, err := srv.Engine.Repo.ClaimMilestone(ctx, esc.ID, 1, "2024-01-02T00:00:00Z", "https://x/9"); err != nil || !ok {
		t.Fatalf("seed claim: %v", err)
	}

	url := fmt.Sprintf("%s/v0/escrows/%s/milestones/1/votes", srv.URL, esc.ID)
	res, data := doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{"action": "approve"},
		map[string]string{"Authorization": bearerFor(t, "mallory")})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d body=%s", res.StatusCode, data)
	}
}

func TestEscrowSummaryEndpoint(t *testing.T) {
	srv := newTestServer(t)
	esc := createEscrowHTTP(t, srv, "")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/escrows/"+esc.ID+"/summary", nil,
		map[string]string{"Authorization": bearerFor(t, "alice")})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary status = %d body=%s", res.StatusCode, data)
	}
	var s domain.EscrowSummary
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if s.Remaining != 100000 || len(s.Milestones) != 2 {
		t.Fatalf("summary = %+v", s)
	}
}
