// ABOUTME: Tests for runtime config reload
// ABOUTME: Covers swap on valid change, rejection of invalid files, and subscriber notification

package config

import (
	"io"
	"log/slog"
	"os"
	"testing"
)

const reloadBaseConfig = `
server:
  grpc_addr: "127.0.0.1:50051"
  http_addr: "127.0.0.1:8080"

database:
  path: "/tmp/warden.db"

auth:
  mode: "token"
  token: "secret-one"

sessions:
  idle_timeout: "30m"
  elevated_timeout: "15m"

audit:
  path: "/tmp/audit.jsonl"
  policy: "block"
`

type recordingSubscriber struct {
	calls []*Config
}

func (s *recordingSubscriber) OnConfigReload(newCfg *Config) error {
	s.calls = append(s.calls, newCfg)
	return nil
}

func newTestReloader(t *testing.T, path string) (*Reloader, *Config) {
	t.Helper()
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading initial config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewReloader(path, cfg, false, logger), cfg
}

func TestReloadSwapsValidConfig(t *testing.T) {
	path := writeConfig(t, reloadBaseConfig)
	r, initial := newTestReloader(t, path)

	sub := &recordingSubscriber{}
	r.Register(sub)

	updated := []byte(`
server:
  grpc_addr: "127.0.0.1:50051"
  http_addr: "127.0.0.1:8080"

database:
  path: "/tmp/warden.db"

auth:
  mode: "token"
  token: "secret-two"

sessions:
  idle_timeout: "45m"
  elevated_timeout: "15m"

audit:
  path: "/tmp/audit.jsonl"
  policy: "block"
`)
	if err := os.WriteFile(path, updated, 0600); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	cur := r.Current()
	if cur == initial {
		t.Fatal("Current still points at the initial config")
	}
	if cur.Auth.Token != "secret-two" {
		t.Errorf("Auth.Token = %q, want %q", cur.Auth.Token, "secret-two")
	}
	if cur.Sessions.IdleTimeout.Minutes() != 45 {
		t.Errorf("IdleTimeout = %v, want 45m", cur.Sessions.IdleTimeout)
	}
	if len(sub.calls) != 1 {
		t.Fatalf("subscriber called %d times, want 1", len(sub.calls))
	}
	if sub.calls[0] != cur {
		t.Error("subscriber received a different config than Current")
	}
}

func TestReloadKeepsCurrentOnInvalidFile(t *testing.T) {
	path := writeConfig(t, reloadBaseConfig)
	r, initial := newTestReloader(t, path)

	sub := &recordingSubscriber{}
	r.Register(sub)

	// Unknown trust mode fails validation.
	broken := []byte(`
server:
  grpc_addr: "127.0.0.1:50051"
  http_addr: "127.0.0.1:8080"

database:
  path: "/tmp/warden.db"

auth:
  mode: "carrier-pigeon"

audit:
  path: "/tmp/audit.jsonl"
`)
	if err := os.WriteFile(path, broken, 0600); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	if err := r.Reload(); err == nil {
		t.Fatal("Reload succeeded on an invalid file")
	}
	if r.Current() != initial {
		t.Error("invalid reload replaced the current config")
	}
	if len(sub.calls) != 0 {
		t.Errorf("subscriber called %d times on failed reload, want 0", len(sub.calls))
	}
}

func TestReloadNoChangeDoesNotNotify(t *testing.T) {
	path := writeConfig(t, reloadBaseConfig)
	r, _ := newTestReloader(t, path)

	sub := &recordingSubscriber{}
	r.Register(sub)

	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(sub.calls) != 0 {
		t.Errorf("subscriber called %d times with no changes, want 0", len(sub.calls))
	}
}

func TestDiffConfigsSplitsRestartOnly(t *testing.T) {
	oldCfg := &Config{}
	oldCfg.Server.GRPCAddr = "127.0.0.1:50051"
	oldCfg.Auth.Mode = "token"
	oldCfg.Auth.Token = "a"

	newCfg := &Config{}
	newCfg.Server.GRPCAddr = "127.0.0.1:60051"
	newCfg.Auth.Mode = "password"
	newCfg.Auth.Token = "b"

	changed, restartOnly := diffConfigs(oldCfg, newCfg)

	wantChanged := map[string]bool{"auth": true}
	for _, f := range changed {
		if !wantChanged[f] {
			t.Errorf("unexpected live-reloadable field %q", f)
		}
		delete(wantChanged, f)
	}
	for f := range wantChanged {
		t.Errorf("missing live-reloadable field %q", f)
	}

	wantRestart := map[string]bool{"server": true, "auth.mode": true}
	for _, f := range restartOnly {
		if !wantRestart[f] {
			t.Errorf("unexpected restart-only field %q", f)
		}
		delete(wantRestart, f)
	}
	for f := range wantRestart {
		t.Errorf("missing restart-only field %q", f)
	}
}
