package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mailpilot/internal/config"
	"mailpilot/internal/db"
	"mailpilot/internal/domain"
	"mailpilot/internal/engine"
	"mailpilot/internal/intent"
	"mailpilot/internal/migrate"
	"mailpilot/internal/server"
	"mailpilot/internal/tools"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
	Script *tools.Script
	Token  string
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("me@mycorp.com")
	script := tools.NewScript()
	eng := engine.New(conn, cfg, script, intent.Static{Err: intent.ErrUnavailable})
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	handler, err := server.New(server.Config{
		Engine: eng,
		Auth:   server.AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: eng,
		Script: script,
		Token:  mintToken(t, "me@mycorp.com"),
	}
}

func mintToken(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (ts testServer) doJSON(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.Token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s %s response (%d): %v\n%s", method, path, resp.StatusCode, err, raw)
		}
	}
	return resp.StatusCode
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// setClassifier feeds canned assistant output through the engine.
func (ts testServer) setClassifier(raw string) {
	ts.Engine.Classifier = intent.Static{Raw: []byte(raw)}
}

const planTurnJSON = `{
  "intent_type": "create_mission",
  "mission_proposal": {
    "title": "Close the Acme deal",
    "goal": "Get the signed contract back",
    "participants": [{"email": "jane@acme.com", "display_name": "Jane"}]
  },
  "plan_card": {
    "goal": "Send the follow-up",
    "confidence": 0.95,
    "actions": [
      {"description": "Search the thread", "tool": "email_search", "args_json": "{\"query\":\"from:jane\"}"},
      {"description": "Send the follow-up", "tool": "send_email", "args_json": "{\"to\":[\"jane@acme.com\"],\"subject\":\"Contract\",\"body\":\"Following up.\"}"}
    ],
    "draft_preview": {"to": ["jane@acme.com"], "subject": "Contract", "body": "Following up."}
  }
}`

func TestHealthOpenWithoutAuth(t *testing.T) {
	ts := newTestServer(t)
	ts.Token = ""
	var out map[string]string
	if code := ts.doJSON(t, http.MethodGet, "/v0/health", nil, &out); code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}
	if out["status"] != "ok" {
		t.Fatalf("health body = %v", out)
	}
}

func TestRequestsRequireToken(t *testing.T) {
	ts := newTestServer(t)
	ts.Token = ""
	var env errorEnvelope
	if code := ts.doJSON(t, http.MethodGet, "/v0/missions", nil, &env); code != http.StatusUnauthorized {
		t.Fatalf("code = %d", code)
	}
	if env.Error.Code != "unauthorized" {
		t.Fatalf("error code = %q", env.Error.Code)
	}

	ts.Token = "not-a-jwt"
	env = errorEnvelope{}
	if code := ts.doJSON(t, http.MethodGet, "/v0/missions", nil, &env); code != http.StatusUnauthorized {
		t.Fatalf("code = %d", code)
	}
	if env.Error.Code != "invalid_credentials" {
		t.Fatalf("error code = %q", env.Error.Code)
	}
}

func TestTokenSignedWithWrongSecretRejected(t *testing.T) {
	ts := newTestServer(t)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "me"})
	signed, err := tok.SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ts.Token = signed
	if code := ts.doJSON(t, http.MethodGet, "/v0/missions", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("code = %d", code)
	}
}

func TestTurnProposesAndApproveExecutes(t *testing.T) {
	ts := newTestServer(t)
	ts.setClassifier(planTurnJSON)

	var turn engine.TurnResult
	code := ts.doJSON(t, http.MethodPost, "/v0/turns", map[string]any{"text": "chase the contract"}, &turn)
	if code != http.StatusOK {
		t.Fatalf("turn = %d", code)
	}
	if turn.Mission == nil || turn.PlanCard == nil {
		t.Fatalf("turn result incomplete: %+v", turn)
	}
	if turn.PlanCard.Status != domain.CardPending {
		t.Fatalf("card = %q", turn.PlanCard.Status)
	}

	ts.Script.Queue(tools.EmailSearch, []tools.MessageSummary{{ID: "m-1"}})
	ts.Script.Queue(tools.SendEmail, "sent-1")
	var approved struct {
		PlanCard domain.PlanCard         `json:"plan_card"`
		Executed *domain.ExecutionResult `json:"executed"`
	}
	path := fmt.Sprintf("/v0/missions/%s/plans/%s/approve", turn.Mission.ID, turn.PlanCard.ID)
	code = ts.doJSON(t, http.MethodPost, path, map[string]any{"execute": true}, &approved)
	if code != http.StatusOK {
		t.Fatalf("approve = %d", code)
	}
	if approved.Executed == nil || !approved.Executed.Success {
		t.Fatalf("executed = %+v", approved.Executed)
	}
	if approved.PlanCard.Status != domain.CardDone {
		t.Fatalf("card after run = %q", approved.PlanCard.Status)
	}

	var audit []domain.AuditLogEntry
	code = ts.doJSON(t, http.MethodGet, "/v0/missions/"+turn.Mission.ID+"/audit", nil, &audit)
	if code != http.StatusOK {
		t.Fatalf("audit = %d", code)
	}
	seen := map[string]bool{}
	for _, e := range audit {
		seen[e.Action] = true
	}
	for _, want := range []string{"mission.created", "plan.proposed", "plan.approved", "tool.send_email"} {
		if !seen[want] {
			t.Fatalf("audit missing %q: %v", want, audit)
		}
	}
}

func TestTurnRequiresText(t *testing.T) {
	ts := newTestServer(t)
	var env errorEnvelope
	if code := ts.doJSON(t, http.MethodPost, "/v0/turns", map[string]any{}, &env); code != http.StatusBadRequest {
		t.Fatalf("code = %d", code)
	}
	if env.Error.Code != "bad_request" {
		t.Fatalf("error code = %q", env.Error.Code)
	}
}

func TestMissionListAndGet(t *testing.T) {
	ts := newTestServer(t)
	ts.setClassifier(planTurnJSON)
	var turn engine.TurnResult
	if code := ts.doJSON(t, http.MethodPost, "/v0/turns", map[string]any{"text": "chase"}, &turn); code != http.StatusOK {
		t.Fatalf("turn = %d", code)
	}

	var list []domain.MissionSummary
	if code := ts.doJSON(t, http.MethodGet, "/v0/missions?status=active", nil, &list); code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	if len(list) != 1 || list[0].ID != turn.Mission.ID {
		t.Fatalf("list = %+v", list)
	}

	var m domain.Mission
	if code := ts.doJSON(t, http.MethodGet, "/v0/missions/"+turn.Mission.ID, nil, &m); code != http.StatusOK {
		t.Fatalf("get = %d", code)
	}
	if m.PlanCard == nil || m.PlanCard.ID != turn.PlanCard.ID {
		t.Fatalf("current card = %+v", m.PlanCard)
	}
}

func TestMissingMissionIs404Envelope(t *testing.T) {
	ts := newTestServer(t)
	var env errorEnvelope
	if code := ts.doJSON(t, http.MethodGet, "/v0/missions/nope", nil, &env); code != http.StatusNotFound {
		t.Fatalf("code = %d", code)
	}
	if env.Error.Code != "not_found" || env.Error.Message == "" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestExecuteWithoutApprovalConflicts(t *testing.T) {
	ts := newTestServer(t)
	ts.setClassifier(planTurnJSON)
	var turn engine.TurnResult
	if code := ts.doJSON(t, http.MethodPost, "/v0/turns", map[string]any{"text": "chase"}, &turn); code != http.StatusOK {
		t.Fatalf("turn = %d", code)
	}
	path := fmt.Sprintf("/v0/missions/%s/plans/%s/execute", turn.Mission.ID, turn.PlanCard.ID)
	var env errorEnvelope
	code := ts.doJSON(t, http.MethodPost, path, nil, &env)
	if code != http.StatusConflict {
		t.Fatalf("code = %d, envelope = %+v", code, env)
	}
}

func TestSetMissionStatusTransitionGuard(t *testing.T) {
	ts := newTestServer(t)
	ts.setClassifier(planTurnJSON)
	var turn engine.TurnResult
	if code := ts.doJSON(t, http.MethodPost, "/v0/turns", map[string]any{"text": "chase"}, &turn); code != http.StatusOK {
		t.Fatalf("turn = %d", code)
	}
	id := turn.Mission.ID

	var m domain.Mission
	code := ts.doJSON(t, http.MethodPatch, "/v0/missions/"+id+"/status", map[string]any{"status": "done"}, &m)
	if code != http.StatusOK {
		t.Fatalf("to done = %d", code)
	}
	// done only exits to archived
	var env errorEnvelope
	code = ts.doJSON(t, http.MethodPatch, "/v0/missions/"+id+"/status", map[string]any{"status": "active"}, &env)
	if code != http.StatusConflict {
		t.Fatalf("done -> active = %d", code)
	}
	code = ts.doJSON(t, http.MethodPost, "/v0/missions/"+id+"/archive", nil, &m)
	if code != http.StatusOK || m.Status != domain.MissionArchived {
		t.Fatalf("archive = %d, status = %q", code, m.Status)
	}
}
