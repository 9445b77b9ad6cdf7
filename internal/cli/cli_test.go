package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"broker-gateway/internal/models"
)

const testConfig = `
[server]
jwt_secret = "cli-test-secret"

[store]
driver = "sqlite"
master_key = "cli-test-master-key"

[logging]
console = false
`

func testDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(testConfig), 0600); err != nil {
		t.Fatal(err)
	}
	return dir
}

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", dir}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionJSON(t *testing.T) {
	out, err := run(t, t.TempDir(), "version", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if v["version"] != Version {
		t.Errorf("version = %q, want %q", v["version"], Version)
	}
}

func TestConfigInitWritesTemplate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fresh")
	if _, err := run(t, dir, "config", "init"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[store]") {
		t.Error("template has no [store] section")
	}
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	dir := testDir(t)
	out, err := run(t, dir, "config", "show", "--json")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "cli-test-master-key") || strings.Contains(out, "cli-test-secret") {
		t.Errorf("secrets leaked: %s", out)
	}
}

func TestTokenIsSignedWithServerSecret(t *testing.T) {
	dir := testDir(t)
	out, err := run(t, dir, "token", "--user", "alice")
	if err != nil {
		t.Fatal(err)
	}
	tok := strings.TrimSpace(out)
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("cli-test-secret"), nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("token did not verify: %v", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("subject = %q, want alice", claims.Subject)
	}

	if _, err := run(t, dir, "token", "--user", ""); err == nil {
		t.Error("empty user accepted")
	}
}

func TestCredentialLifecycle(t *testing.T) {
	dir := testDir(t)

	if _, err := run(t, dir, "creds", "set", "zerodha", "--user", "alice", "--api-key", "kite-key-123", "--api-secret", "s3cret"); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, dir, "creds", "status", "--user", "alice", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var status struct {
		Credentials []models.CredentialSummary `json:"credentials"`
	}
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if len(status.Credentials) != 1 {
		t.Fatalf("credentials = %d, want 1", len(status.Credentials))
	}
	got := status.Credentials[0]
	if got.BrokerID != models.BrokerZerodha || got.Status != models.StatusInactive {
		t.Errorf("summary = %+v", got)
	}
	if strings.Contains(out, "kite-key-123") || strings.Contains(out, "s3cret") {
		t.Errorf("status leaked secrets: %s", out)
	}

	if _, err := run(t, dir, "creds", "delete", "zerodha", "--user", "alice"); err != nil {
		t.Fatal(err)
	}
	out, err = run(t, dir, "creds", "status", "--user", "alice", "--json")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "zerodha") {
		t.Errorf("credential still listed after delete: %s", out)
	}
}

func TestLoginPrintsZerodhaURLWithoutCode(t *testing.T) {
	dir := testDir(t)
	if _, err := run(t, dir, "creds", "set", "zerodha", "--user", "bob", "--api-key", "kitekey"); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, dir, "login", "zerodha", "--user", "bob", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if !strings.Contains(v["login_url"], "api_key=kitekey") {
		t.Errorf("login_url = %q", v["login_url"])
	}
}

func TestUnknownBrokerRejected(t *testing.T) {
	dir := testDir(t)
	_, err := run(t, dir, "creds", "delete", "robinhood", "--user", "alice")
	if err == nil || !strings.Contains(err.Error(), "unknown broker") {
		t.Errorf("err = %v", err)
	}
}

func TestOrderTypeFor(t *testing.T) {
	tests := []struct {
		price, trigger float64
		want           models.OrderType
	}{
		{0, 0, models.OrderTypeMarket},
		{100, 0, models.OrderTypeLimit},
		{0, 95, models.OrderTypeStop},
		{100, 95, models.OrderTypeStopLimit},
	}
	for _, tt := range tests {
		if got := orderTypeFor(tt.price, tt.trigger); got != tt.want {
			t.Errorf("orderTypeFor(%v, %v) = %s, want %s", tt.price, tt.trigger, got, tt.want)
		}
	}
}

func TestTableAlignsColoredCells(t *testing.T) {
	var buf bytes.Buffer
	out := &Output{w: &buf, colored: true}
	table := NewTable(out, "A", "B")
	table.AddRow(out.Green("yes"), "x")
	table.AddRow("no", "y")
	table.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want 4:\n%s", len(lines), buf.String())
	}
	for _, l := range lines[2:] {
		if got := visibleLen(l); got != len("yes  x") {
			t.Errorf("row %q has width %d", l, got)
		}
	}
}
