package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func executeCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	if stdin != "" {
		rootCmd.SetIn(strings.NewReader(stdin))
	}
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func writePolicyFile(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestValidatePolicyAcceptsGoodFile(t *testing.T) {
	path := writePolicyFile(t, `
enforce: true
rules:
  - id: deny-dm
    priority: 5
    match:
      tool: send_dm
    action: deny
    reason: operator-only
`)
	out, err := executeCommand(t, "", "validate-policy", path)
	if err != nil {
		t.Fatalf("validate-policy: %v", err)
	}
	if !strings.Contains(out, "ok: 1 rules") || !strings.Contains(out, "deny-dm") {
		t.Fatalf("output = %q", out)
	}
}

func TestValidatePolicyRejectsBadFile(t *testing.T) {
	path := writePolicyFile(t, `
rules:
  - id: broken
    priority: 5
    match:
      tool: x
    action: not_an_action
`)
	if _, err := executeCommand(t, "", "validate-policy", path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestHashParamsStableAcrossKeyOrder(t *testing.T) {
	a, err := executeCommand(t, "", "hash-params", "post_tweet", `{"text":"hi","reply_to":"99"}`)
	if err != nil {
		t.Fatalf("hash-params: %v", err)
	}
	b, err := executeCommand(t, "", "hash-params", "post_tweet", `{"reply_to":"99","text":"hi"}`)
	if err != nil {
		t.Fatalf("hash-params: %v", err)
	}
	if strings.TrimSpace(a) == "" || a != b {
		t.Fatalf("hashes differ: %q vs %q", a, b)
	}
}

func TestHashParamsReadsStdin(t *testing.T) {
	direct, err := executeCommand(t, "", "hash-params", "post_tweet", `{"text":"hi"}`)
	if err != nil {
		t.Fatalf("hash-params: %v", err)
	}
	piped, err := executeCommand(t, `{"text":"hi"}`, "hash-params", "post_tweet", "-")
	if err != nil {
		t.Fatalf("hash-params from stdin: %v", err)
	}
	if direct != piped {
		t.Fatalf("stdin hash %q differs from arg hash %q", piped, direct)
	}
}

func TestHashParamsRejectsFloats(t *testing.T) {
	if _, err := executeCommand(t, "", "hash-params", "post_tweet", `{"n":1.5}`); err == nil {
		t.Fatal("expected error for float parameter")
	}
}

func TestStatusPrintsSnapshot(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.String()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"generated_at": "2026-08-29T12:00:00Z",
			"enforce": true,
			"rules": [{"id":"deny-dm","priority":5,"match":"tool=send_dm","action":"deny"}],
			"counters": [{"scope":"global","window_sec":300,"count":4}],
			"recent_decisions": [{"kind":"denied","tool":"send_dm","reason":"operator-only","created_at":"2026-08-29T11:59:00Z"}],
			"pending_count": 1,
			"oldest_pending_seconds": 42
		}`))
	}))
	defer srv.Close()

	out, err := executeCommand(t, "", "status", "--gateway", srv.URL, "--token", "tok-1", "--tool", "send_dm")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if !strings.Contains(gotPath, "tool=send_dm") {
		t.Fatalf("request path = %q", gotPath)
	}
	for _, want := range []string{"enforce: true", "deny-dm", "global", "pending audits: 1", "denied"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusReportsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := executeCommand(t, "", "status", "--gateway", srv.URL, "--tool", "")
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("err = %v", err)
	}
}
