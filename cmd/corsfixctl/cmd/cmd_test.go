package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/corsfix/proxy/internal/bus"
	"github.com/corsfix/proxy/internal/config"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type recordingBus struct {
	mu   sync.Mutex
	msgs []string
}

func (b *recordingBus) Publish(_ context.Context, channel, payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, channel+" "+payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, bus.Handler) error { return nil }
func (b *recordingBus) Close() error                                         { return nil }

func (b *recordingBus) take() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.msgs
	b.msgs = nil
	return out
}

// setupTestEnv writes a config pointing at a fresh store and swaps the bus
// for a recorder.
func setupTestEnv(t *testing.T, withKey bool) (string, *recordingBus) {
	t.Helper()
	dir := t.TempDir()

	key := ""
	if withKey {
		key = testKey
	}
	cfg := fmt.Sprintf(`
store:
  path: %s
  encryption_key: "%s"
bus:
  driver: none
plans:
  products:
    - id: pro
      rpm: 600
`, filepath.Join(dir, "corsfix.db"), key)
	path := filepath.Join(dir, "corsfix.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	rec := &recordingBus{}
	prev := openBus
	openBus = func(context.Context, *config.Config) (bus.Bus, func() error, error) {
		return rec, rec.Close, nil
	}
	t.Cleanup(func() { openBus = prev })
	return path, rec
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func executeCommand(stdin string, args ...string) (string, string, error) {
	resetFlags(rootCmd)

	cmd := rootCmd
	cmd.SetArgs(args)

	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))

	err := cmd.Execute()

	cmd.SetArgs(nil)
	cmd.SetOut(nil)
	cmd.SetErr(nil)
	cmd.SetIn(nil)

	return stdout.String(), stderr.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, errOut, err := executeCommand("", args...)
	if err != nil {
		t.Fatalf("%v failed: %v\nstderr: %s", args, err, errOut)
	}
	return out
}

func TestRootCommand_Help(t *testing.T) {
	stdout, _, err := executeCommand("", "--help")
	if err != nil {
		t.Fatalf("Help command failed: %v", err)
	}
	for _, want := range []string{"corsfixctl", "user", "app", "secret", "apikey", "metrics"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("Help output should mention %q", want)
		}
	}
}

func TestAppPut_RequiresUserAndOrigin(t *testing.T) {
	cfg, _ := setupTestEnv(t, true)
	_, _, err := executeCommand("", "--config", cfg, "app", "put", "a1")
	if err == nil {
		t.Fatal("expected missing flag error")
	}
}

func TestUserAndApplicationLifecycle(t *testing.T) {
	cfg, rec := setupTestEnv(t, true)

	mustRun(t, "--config", cfg, "user", "put", "u1", "--product", "pro", "--active")
	if msgs := rec.take(); len(msgs) != 0 {
		t.Errorf("user without key announced %v", msgs)
	}

	key := strings.TrimSpace(mustRun(t, "--config", cfg, "apikey", "rotate", "u1"))
	if !strings.HasPrefix(key, "cfx_") {
		t.Fatalf("rotate printed %q", key)
	}
	if msgs := rec.take(); len(msgs) != 1 || msgs[0] != bus.ChannelAPIKey+" "+key {
		t.Errorf("rotate announced %v", msgs)
	}

	mustRun(t, "--config", cfg, "app", "put", "a1", "--user", "u1",
		"--origin", "Shop.Example.com", "--target", "api.test", "--target", "*")
	if msgs := rec.take(); len(msgs) != 1 || msgs[0] != bus.ChannelApplication+" shop.example.com" {
		t.Errorf("app put announced %v", msgs)
	}

	out := mustRun(t, "--config", cfg, "--json", "app", "list", "--user", "u1")
	var apps []appView
	if err := json.Unmarshal([]byte(out), &apps); err != nil {
		t.Fatalf("list output is not JSON: %v\n%s", err, out)
	}
	if len(apps) != 1 || apps[0].ID != "a1" || len(apps[0].TargetDomains) != 2 {
		t.Fatalf("apps = %+v", apps)
	}

	// Moving the origin invalidates both domains.
	mustRun(t, "--config", cfg, "app", "put", "a1", "--user", "u1", "--origin", "new.example.com")
	msgs := rec.take()
	if len(msgs) != 2 {
		t.Fatalf("move announced %v", msgs)
	}

	out = mustRun(t, "--config", cfg, "app", "list", "--user", "u1")
	if !strings.Contains(out, "new.example.com") || strings.Contains(out, "shop.example.com") {
		t.Errorf("table output:\n%s", out)
	}

	mustRun(t, "--config", cfg, "app", "delete", "a1")
	msgs = rec.take()
	want := []string{bus.ChannelApplication + " new.example.com", bus.ChannelSecret + " a1"}
	if strings.Join(msgs, "|") != strings.Join(want, "|") {
		t.Errorf("delete announced %v, want %v", msgs, want)
	}

	mustRun(t, "--config", cfg, "user", "delete", "u1")
	if msgs := rec.take(); len(msgs) != 1 || msgs[0] != bus.ChannelAPIKey+" "+key {
		t.Errorf("user delete announced %v", msgs)
	}
	if _, _, err := executeCommand("", "--config", cfg, "user", "delete", "u1"); err == nil {
		t.Error("deleting a missing user should fail")
	}
}

func TestAppPut_UnknownUserAndTakenDomain(t *testing.T) {
	cfg, _ := setupTestEnv(t, true)

	if _, _, err := executeCommand("", "--config", cfg, "app", "put", "a1", "--user", "ghost", "--origin", "a.example.com"); err == nil {
		t.Error("expected unknown user error")
	}

	mustRun(t, "--config", cfg, "user", "put", "u1")
	mustRun(t, "--config", cfg, "app", "put", "a1", "--user", "u1", "--origin", "a.example.com")
	_, _, err := executeCommand("", "--config", cfg, "app", "put", "a2", "--user", "u1", "--origin", "a.example.com")
	if err == nil || !strings.Contains(err.Error(), "a.example.com") {
		t.Errorf("expected domain conflict, got %v", err)
	}
}

func TestSecretCommands(t *testing.T) {
	cfg, rec := setupTestEnv(t, true)
	mustRun(t, "--config", cfg, "user", "put", "u1")
	mustRun(t, "--config", cfg, "app", "put", "a1", "--user", "u1", "--origin", "a.example.com")
	rec.take()

	if _, errOut, err := executeCommand("s3cret\n", "--config", cfg, "secret", "set", "a1", "TOKEN"); err != nil {
		t.Fatalf("secret set failed: %v\n%s", err, errOut)
	}
	mustRun(t, "--config", cfg, "secret", "set", "a1", "OTHER", "v")
	if msgs := rec.take(); len(msgs) != 2 || msgs[0] != bus.ChannelSecret+" a1" {
		t.Errorf("secret set announced %v", msgs)
	}

	out := mustRun(t, "--config", cfg, "secret", "list", "a1")
	if out != "OTHER\nTOKEN\n" {
		t.Errorf("list = %q", out)
	}
	if strings.Contains(out, "s3cret") {
		t.Error("list leaked a value")
	}

	mustRun(t, "--config", cfg, "secret", "delete", "a1", "TOKEN")
	if _, _, err := executeCommand("", "--config", cfg, "secret", "delete", "a1", "TOKEN"); err == nil {
		t.Error("deleting a missing secret should fail")
	}
	if _, _, err := executeCommand("", "--config", cfg, "secret", "set", "nope", "X", "v"); err == nil {
		t.Error("setting a secret on a missing application should fail")
	}
}

func TestSecretSet_RequiresKey(t *testing.T) {
	cfg, _ := setupTestEnv(t, false)
	mustRun(t, "--config", cfg, "user", "put", "u1")
	mustRun(t, "--config", cfg, "app", "put", "a1", "--user", "u1", "--origin", "a.example.com")

	_, _, err := executeCommand("", "--config", cfg, "secret", "set", "a1", "X", "v")
	if !errors.Is(err, errNoKey) {
		t.Errorf("err = %v, want errNoKey", err)
	}
}

func TestUserPut_TrialFlags(t *testing.T) {
	cfg, _ := setupTestEnv(t, true)
	if _, _, err := executeCommand("", "--config", cfg, "user", "put", "u1", "--trial-ends", "tomorrow"); err == nil {
		t.Error("expected bad --trial-ends error")
	}
	if _, _, err := executeCommand("", "--config", cfg, "user", "put", "u1", "--trial-ends", "2030-01-01T00:00:00Z", "--trial-days", "3"); err == nil {
		t.Error("expected mutually exclusive flag error")
	}
	_, errOut, err := executeCommand("", "--config", cfg, "user", "put", "u1", "--product", "gold", "--trial-days", "7")
	if err != nil {
		t.Fatalf("user put failed: %v", err)
	}
	if !strings.Contains(errOut, "gold") {
		t.Errorf("expected unknown product warning, stderr = %q", errOut)
	}
}

func TestMetricsCommands(t *testing.T) {
	cfg, _ := setupTestEnv(t, true)

	out := mustRun(t, "--config", cfg, "metrics", "show", "u1", "--from", "2026-01-01", "--to", "2026-01-31")
	if !strings.Contains(out, "total") {
		t.Errorf("show output:\n%s", out)
	}
	out = mustRun(t, "--config", cfg, "metrics", "prune", "--retention", "720h")
	if strings.TrimSpace(out) != "Pruned 0 rows" {
		t.Errorf("prune output %q", out)
	}
	if _, _, err := executeCommand("", "--config", cfg, "metrics", "show", "u1", "--from", "2026-02-01", "--to", "2026-01-01"); err == nil {
		t.Error("expected reversed range error")
	}
}

func TestDayRange(t *testing.T) {
	now := time.Date(2026, 10, 18, 23, 0, 0, 0, time.UTC)
	tests := []struct {
		from, to         string
		wantFrom, wantTo string
		wantErr          bool
	}{
		{"", "", "2026-10-01", "2026-10-18", false},
		{"2026-09-01", "", "2026-09-01", "2026-10-18", false},
		{"2026-09-01", "2026-09-30", "2026-09-01", "2026-09-30", false},
		{"09/01/2026", "", "", "", true},
		{"2026-10-20", "2026-10-01", "", "", true},
	}
	for _, tt := range tests {
		from, to, err := dayRange(tt.from, tt.to, now)
		if (err != nil) != tt.wantErr {
			t.Errorf("dayRange(%q, %q) err = %v", tt.from, tt.to, err)
			continue
		}
		if from != tt.wantFrom || to != tt.wantTo {
			t.Errorf("dayRange(%q, %q) = %s..%s, want %s..%s", tt.from, tt.to, from, to, tt.wantFrom, tt.wantTo)
		}
	}
}
