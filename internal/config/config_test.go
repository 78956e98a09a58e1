// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	cfg "github.com/toeirei/keysync/internal/config"
)

// isolate points the user config dir at a temp dir and runs from an empty
// working directory so no stray keysync.yaml is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	t.Setenv("HOME", tmp)
	wd, _ := os.Getwd()
	if err := os.Chdir(tmp); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return tmp
}

func TestLoadConfig_Defaults(t *testing.T) {
	isolate(t)

	got, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.Worker.ApplyInterval != 5*time.Second || got.Worker.MaintenanceInterval != time.Hour {
		t.Fatalf("unexpected worker intervals: %+v", got.Worker)
	}
	wantQuotas := map[string]int{"import": 10, "generate": 5, "apply": 20, "revoke": 10, "download": 3}
	if diff := cmp.Diff(wantQuotas, got.Security.Quotas); diff != "" {
		t.Fatalf("quota mismatch (-want +got):\n%s", diff)
	}
	if got.Security.Lockouts["suspicious"] != 240*time.Minute {
		t.Fatalf("unexpected suspicious lockout: %v", got.Security.Lockouts["suspicious"])
	}
	if got.Retention.Queue != 7*24*time.Hour || got.Retention.GenRequest != 24*time.Hour {
		t.Fatalf("unexpected retention: %+v", got.Retention)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadConfig_ReadsExplicitFile(t *testing.T) {
	tmp := isolate(t)
	body := "database:\n  type: postgres\n  dsn: postgresql://user@/db\nlanguage: de\nworker:\n  max_retries: 5\n  retry_delay: 2m\n"
	file := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(file, []byte(body), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	got, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), &file)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if got.Database.Type != "postgres" || got.Language != "de" {
		t.Fatalf("file values not applied: %+v", got)
	}
	if got.Worker.MaxRetries != 5 || got.Worker.RetryDelay != 2*time.Minute {
		t.Fatalf("unexpected worker config: %+v", got.Worker)
	}
	if got.Worker.ApplyInterval != 5*time.Second {
		t.Fatalf("unset keys must keep defaults, got %v", got.Worker.ApplyInterval)
	}
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("KEYSYNC_SECURITY_QUOTAS_GENERATE", "2")
	t.Setenv("KEYSYNC_APPLY_STRICT_HOST_KEY_CHECK", "true")
	t.Setenv("KEYSYNC_APPLY_GLOBAL_OPTIONS", "no-pty,no-agent-forwarding")
	t.Setenv("KEYSYNC_WORKER_RETRY_DELAY", "90s")

	got, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.Security.Quotas["generate"] != 2 {
		t.Fatalf("env quota not applied: %v", got.Security.Quotas)
	}
	if !got.Apply.StrictHostKeyCheck {
		t.Fatalf("env strict flag not applied")
	}
	if diff := cmp.Diff([]string{"no-pty", "no-agent-forwarding"}, got.Apply.GlobalOptions); diff != "" {
		t.Fatalf("global options mismatch (-want +got):\n%s", diff)
	}
	if got.Worker.RetryDelay != 90*time.Second {
		t.Fatalf("env duration not applied: %v", got.Worker.RetryDelay)
	}
}

func TestLoadConfig_FlagsWin(t *testing.T) {
	isolate(t)
	t.Setenv("KEYSYNC_LANGUAGE", "de")
	cmd := &cobra.Command{}
	cmd.Flags().String("language", "en", "")
	if err := cmd.Flags().Set("language", "en"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	got, err := cfg.LoadConfig[cfg.Config](cmd, cfg.Defaults(), nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.Language != "en" {
		t.Fatalf("explicit flag must override env, got %q", got.Language)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	isolate(t)
	base, err := cfg.LoadConfig[cfg.Config](nil, cfg.Defaults(), nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	bad := base
	bad.Database.Type = "oracle"
	if err := bad.Validate(); err == nil || !strings.Contains(err.Error(), "oracle") {
		t.Fatalf("expected database type error, got %v", err)
	}
	bad = base
	bad.Worker.MaxRetries = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected max_retries error")
	}
	bad = base
	bad.Apply.ConnectTimeout = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected connect_timeout error")
	}
}

func TestWriteConfigFile_CreatesFile(t *testing.T) {
	isolate(t)

	c := cfg.Config{}
	c.Database.Type = "sqlite"
	c.Database.Dsn = "./keysync.db"
	c.Sysgen.EncryptionKey = "s3cr3t"

	if err := cfg.WriteConfigFile(&c, false); err != nil {
		t.Fatalf("WriteConfigFile failed: %v", err)
	}
	path, err := cfg.GetConfigPath(false)
	if err != nil {
		t.Fatalf("GetConfigPath failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected config file at %s, stat error: %v", path, err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	got, err := cfg.LoadConfig[cfg.Config](nil, cfg.Defaults(), nil)
	if err != nil {
		t.Fatalf("LoadConfig after write: %v", err)
	}
	if got.Sysgen.EncryptionKey != "s3cr3t" {
		t.Fatalf("written file not picked up from user config dir")
	}
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/ops")
	if got := cfg.ExpandHome("~/.ssh/id_rsa"); got != "/home/ops/.ssh/id_rsa" {
		t.Fatalf("ExpandHome = %q", got)
	}
	if got := cfg.ExpandHome("/etc/key"); got != "/etc/key" {
		t.Fatalf("absolute paths must pass through, got %q", got)
	}
}
