package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/umsync/syncctl/internal/engine"
	"github.com/umsync/syncctl/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncctl.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return path
}

const minimalConfig = `
directory_file = "users.csv"

[mapping]
"Engineering" = ["Eng"]

[[targets]]
name = "primary"
primary = true
accounts_file = "accounts.csv"
journal_file = "journal.jsonl"
`

func TestLoadRunConfigMinimal(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadRunConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DirectoryFile != "users.csv" {
		t.Fatalf("directory file: %q", cfg.DirectoryFile)
	}
	if got := cfg.Engine.Mapping["Engineering"]; len(got) != 1 || got[0] != "Eng" {
		t.Fatalf("mapping: %v", cfg.Engine.Mapping)
	}
	if cfg.Engine.StrayPolicy != engine.StrayExclude {
		t.Fatalf("default stray policy: %q", cfg.Engine.StrayPolicy)
	}
	if cfg.Engine.StrayLimit.Count != 200 || cfg.Engine.StrayLimit.HasPercent {
		t.Fatalf("default stray limit: %+v", cfg.Engine.StrayLimit)
	}
	if cfg.Every != 0 {
		t.Fatalf("every should be unset: %v", cfg.Every)
	}
}

func TestLoadRunConfigFull(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadRunConfig(writeConfig(t, `
directory_file = "users.csv"
update_attributes = true
default_country = "US"
stray_policy = "remove-groups"
stray_limit = "5%"
retry_max_attempts = 7
retry_first_delay = "2s"
every = "15m"
monitor_addr = ":9180"

[mapping]
"Engineering" = ["Eng", "eu::Eng"]

[exclusions]
identity_types = ["adobeID"]
username_patterns = ['^admin@']

[[additional_groups]]
source = '^ACL-(.+)$'
target = 'acl-$1'

[[hook_rules]]
attribute = "department"
pattern = "^Sales$"
add_groups = ["Sales"]

[[targets]]
name = "primary"
primary = true
accounts_file = "a.csv"
journal_file = "a.jsonl"

[[targets]]
name = "eu"
accounts_file = "b.csv"
journal_file = "b.jsonl"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Engine.UpdateAttributes || cfg.Engine.DefaultCountry != "US" {
		t.Fatalf("attribute options: %+v", cfg.Engine)
	}
	if cfg.Engine.StrayPolicy != engine.StrayRemoveGroups {
		t.Fatalf("stray policy: %q", cfg.Engine.StrayPolicy)
	}
	if !cfg.Engine.StrayLimit.HasPercent || cfg.Engine.StrayLimit.Percent != 5 {
		t.Fatalf("stray limit: %+v", cfg.Engine.StrayLimit)
	}
	if cfg.Engine.Backoff.MaxAttempts != 7 || cfg.Engine.Backoff.InitialDelay != 2*time.Second {
		t.Fatalf("backoff: %+v", cfg.Engine.Backoff)
	}
	if cfg.Every != 15*time.Minute {
		t.Fatalf("every: %v", cfg.Every)
	}
	if cfg.MonitorAddr != ":9180" {
		t.Fatalf("monitor addr: %q", cfg.MonitorAddr)
	}
	if len(cfg.Engine.Exclusions.IdentityTypes) != 1 || len(cfg.Engine.Exclusions.UsernamePatterns) != 1 {
		t.Fatalf("exclusions: %+v", cfg.Engine.Exclusions)
	}
	if len(cfg.Engine.AdditionalGroups) != 1 {
		t.Fatalf("additional groups: %+v", cfg.Engine.AdditionalGroups)
	}
	if cfg.Engine.Hook == nil {
		t.Fatalf("hook not built")
	}
	if len(cfg.Targets) != 2 || !cfg.Targets[0].Primary || cfg.Targets[1].Name != "eu" {
		t.Fatalf("targets: %+v", cfg.Targets)
	}
}

func TestLoadRunConfigRejections(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing directory file",
			body: `
[[targets]]
name = "primary"
primary = true
accounts_file = "a.csv"
journal_file = "a.jsonl"
`,
			want: "directory_file",
		},
		{
			name: "no targets",
			body: `directory_file = "users.csv"`,
			want: "targets",
		},
		{
			name: "no primary",
			body: `
directory_file = "users.csv"
[[targets]]
name = "a"
accounts_file = "a.csv"
journal_file = "a.jsonl"
`,
			want: "primary",
		},
		{
			name: "two primaries",
			body: `
directory_file = "users.csv"
[[targets]]
name = "a"
primary = true
accounts_file = "a.csv"
journal_file = "a.jsonl"
[[targets]]
name = "b"
primary = true
accounts_file = "b.csv"
journal_file = "b.jsonl"
`,
			want: "primary",
		},
		{
			name: "write-to-list without output",
			body: `stray_policy = "write-to-list"` + "\n" + minimalConfig,
			want: "stray_list_output",
		},
		{
			name: "bad stray limit",
			body: `stray_limit = "lots"` + "\n" + minimalConfig,
			want: "stray limit",
		},
		{
			name: "bad exclusion pattern",
			body: minimalConfig + "\n[exclusions]\nusername_patterns = ['[']\n",
			want: "username pattern",
		},
		{
			name: "every too small",
			body: `every = "30s"` + "\n" + minimalConfig,
			want: "at least 1m",
		},
	}
	for _, tt := range tests {
		_, err := loadRunConfig(writeConfig(t, tt.body))
		if err == nil {
			t.Fatalf("%s: accepted", tt.name)
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: error %q does not mention %q", tt.name, err, tt.want)
		}
	}
}

func TestLoadRunConfigStrayListInputMode(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadRunConfig(writeConfig(t, `
stray_list_input = "strays.csv"
stray_policy = "remove-from-org"

[[targets]]
name = "primary"
primary = true
accounts_file = "a.csv"
journal_file = "a.jsonl"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DirectoryFile != "" {
		t.Fatalf("directory file: %q", cfg.DirectoryFile)
	}
	if cfg.Engine.StrayListInput != "strays.csv" {
		t.Fatalf("stray list input: %q", cfg.Engine.StrayListInput)
	}
}
