package hooks

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/claudecube/claudecube/internal/adapter/outbound/cel"
	"github.com/claudecube/claudecube/internal/domain/audit"
	"github.com/claudecube/claudecube/internal/domain/rules"
	"github.com/claudecube/claudecube/internal/domain/session"
	"github.com/claudecube/claudecube/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type staticRules struct{ eng *rules.Engine }

func (s staticRules) Engine() *rules.Engine { return s.eng }

type nopAuditor struct{}

func (nopAuditor) Record(audit.Entry) {}

type serverFixture struct {
	srv      *httptest.Server
	registry *session.Registry
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	logger := testLogger()

	celEval, err := cel.NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	eng, err := rules.NewEngine(rules.DefaultConfig(), celEval, logger)
	if err != nil {
		t.Fatal(err)
	}

	registry := session.NewRegistry(nil, logger)
	esc := service.NewEscalationService(nil, nil, nil, nil, logger)
	pretool := service.NewPreToolService(staticRules{eng}, registry, esc, nopAuditor{}, nil, logger)
	stop := service.NewStopService(registry, nil, nil, service.NewRetryCounter(), service.StopConfig{}, logger)
	notifier := service.NewNotifier(nil, service.NotifierConfig{}, logger)
	lifecycle := service.NewLifecycleService(registry, notifier, logger)

	reg := prometheus.NewRegistry()
	handler := NewHandler(pretool, stop, lifecycle, registry, nil, NewMetrics(reg), logger)
	srv := httptest.NewServer(handler.Router(reg))
	t.Cleanup(srv.Close)

	return &serverFixture{srv: srv, registry: registry}
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("body %q: %v", raw, err)
	}
	return resp, decoded
}

func TestPreToolUseRuleAllow(t *testing.T) {
	f := newServerFixture(t)

	resp, body := postJSON(t, f.srv.URL+"/hooks/PreToolUse",
		`{"tool_name":"Read","tool_input":{"file_path":"/etc/hosts"},"session_id":"s1","cwd":"/p"}`)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if _, present := body["decision"]; present {
		t.Errorf("rule allow must not carry a decision field: %v", body)
	}
	out, _ := body["hookSpecificOutput"].(map[string]any)
	if out == nil || out["permissionDecision"] != "allow" || out["hookEventName"] != "PreToolUse" {
		t.Errorf("hookSpecificOutput = %v", out)
	}
}

func TestPreToolUseRuleDeny(t *testing.T) {
	f := newServerFixture(t)

	_, body := postJSON(t, f.srv.URL+"/hooks/PreToolUse",
		`{"tool_name":"Bash","tool_input":{"command":"rm -rf /"},"session_id":"s1","cwd":"/p"}`)

	if body["decision"] != "block" {
		t.Errorf("decision = %v", body["decision"])
	}
	out, _ := body["hookSpecificOutput"].(map[string]any)
	if out == nil || out["permissionDecision"] != "deny" {
		t.Errorf("hookSpecificOutput = %v", out)
	}
}

func TestStopEndpoint(t *testing.T) {
	f := newServerFixture(t)

	resp, body := postJSON(t, f.srv.URL+"/hooks/Stop",
		`{"session_id":"s1","cwd":"/p","stop_hook_active":true,"last_assistant_message":"Error: x"}`)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(body) != 0 {
		t.Errorf("loop-guarded stop must return {}, got %v", body)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	f := newServerFixture(t)

	for _, event := range []string{"SessionStart", "Notification"} {
		resp, body := postJSON(t, f.srv.URL+"/hooks/"+event, `{"session_id":"s1","cwd":"/p"}`)
		if resp.StatusCode != http.StatusOK || len(body) != 0 {
			t.Errorf("%s: status = %d, body = %v", event, resp.StatusCode, body)
		}
	}
	if len(f.registry.GetAll()) != 1 {
		t.Fatal("session not registered through the endpoint")
	}

	postJSON(t, f.srv.URL+"/hooks/SessionEnd", `{"session_id":"s1"}`)
	if len(f.registry.GetAll()) != 0 {
		t.Error("session not deregistered")
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.registry.Register("s1", "/proj/a", "")
	f.registry.Register("s2", "/proj/b", "")

	resp, err := http.Get(f.srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Sessions []session.Info `json:"sessions"`
		Count    int            `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 2 || len(body.Sessions) != 2 {
		t.Errorf("count = %d, sessions = %d", body.Count, len(body.Sessions))
	}
}

func TestNotFound(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.srv.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "Not found" {
		t.Errorf("body = %v", body)
	}
}

func TestMalformedBody(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Post(f.srv.URL+"/hooks/PreToolUse", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"] == "" {
		t.Error("error message missing")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	postJSON(t, f.srv.URL+"/hooks/PreToolUse",
		`{"tool_name":"Read","tool_input":{"file_path":"/x"},"session_id":"s1","cwd":"/p"}`)

	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	text := string(raw)
	if !strings.Contains(text, `claudecube_hook_events_total{event="PreToolUse"} 1`) {
		t.Errorf("hook counter missing:\n%s", text)
	}
	if !strings.Contains(text, "claudecube_active_sessions 1") {
		t.Errorf("session gauge missing:\n%s", text)
	}
}

func TestRequestIDEcho(t *testing.T) {
	f := newServerFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/status", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q", got)
	}

	// Absent header: one is generated.
	resp2, err := http.Get(f.srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.Header.Get("X-Request-ID") == "" {
		t.Error("generated request id missing")
	}
}
