package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	jwtutil "agentfleet/backend/app/jwt"
	"agentfleet/backend/app/services"
)

func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`backend:
  log:
    level: error
  jwt:
    secret: cli-secret
  db:
    driver: sqlite
    path: %q
  blob:
    backend: none
  fly:
    app_name: agents-app
    api_token: operator-token
  secrets:
    encryption_key: enc-key
`, filepath.Join(dir, "agentfleet.db"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	root, _ := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", cfg}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	cfg := testConfig(t)
	out, err := run(t, cfg, "token", "--user", "ops", "--tenant", "tenant-1")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	signer := &jwtutil.Signer{Secret: []byte("cli-secret"), Issuer: "agentfleet", ExpMin: 60}
	claims, err := signer.Parse(strings.TrimSpace(out))
	if err != nil || claims.Subject != "ops" || claims.Tenant != "tenant-1" {
		t.Fatalf("unexpected token %q: %+v %v", out, claims, err)
	}
}

func TestListAndGetEmpty(t *testing.T) {
	cfg := testConfig(t)
	out, err := run(t, cfg, "list", "--tenant", "tenant-1")
	if err != nil || !strings.Contains(out, "no agents") {
		t.Fatalf("list: %q %v", out, err)
	}
	if _, err := run(t, cfg, "get", "42"); !errors.Is(err, services.ErrMachineNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := run(t, cfg, "get", "abc"); err == nil {
		t.Fatalf("bad id must fail")
	}
}

func TestSecretsRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	out, err := run(t, cfg, "secrets", "set", "--tenant", "tenant-1", "--user", "u1", "--fly-api-token", "tok", "--llm-api-key", "llm")
	if err != nil || !strings.Contains(out, "fly_api_token") {
		t.Fatalf("set: %q %v", out, err)
	}
	out, err = run(t, cfg, "secrets", "show", "--tenant", "tenant-1", "--user", "u1")
	if err != nil || !strings.Contains(out, "stored") {
		t.Fatalf("show: %q %v", out, err)
	}
	if _, err := run(t, cfg, "secrets", "clear", "--tenant", "tenant-1", "--user", "u1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	out, err = run(t, cfg, "secrets", "show", "--tenant", "tenant-1", "--user", "u1")
	if err != nil || !strings.Contains(out, "no secrets stored") {
		t.Fatalf("show after clear: %q %v", out, err)
	}
}

func TestSweepDryRun(t *testing.T) {
	cfg := testConfig(t)
	out, err := run(t, cfg, "sweep", "--dry-run", "--idle-minutes", "5")
	if err != nil || !strings.Contains(out, "dry run") || !strings.Contains(out, "Scanned") {
		t.Fatalf("sweep: %q %v", out, err)
	}
}
