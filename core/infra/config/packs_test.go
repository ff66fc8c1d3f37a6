package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const samplePacks = `# pack catalog
limits:
  attempt_window: 5m
  max_failed_attempts: 3
oss:
  presign_expiry: 3600
  presign_reuse: 20m
packs:
  base:
    key: packs/base.zip
    version: "2024-06-01"
  lobby:
    key: lobby.zip
    store: selfhost
self_hosting:
  enabled: true
  base_url: https://cdn.example.com/packs
  root: /srv/packs
servers:
  lobby:
    packs: [lobby, base]
    prompt: Please accept
    force: true
  survival:
    packs: [base]
server_default: survival
`

func TestParsePacksConfig(t *testing.T) {
	cfg, err := ParsePacksConfig([]byte(samplePacks))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Limits.AttemptWindow.Std() != 5*time.Minute || cfg.Limits.MaxFailedAttempts != 3 {
		t.Fatalf("unexpected limits %+v", cfg.Limits)
	}
	if cfg.OSS.PresignExpiry.Std() != time.Hour || cfg.OSS.PresignReuse.Std() != 20*time.Minute {
		t.Fatalf("unexpected oss durations %+v", cfg.OSS)
	}
	if !cfg.OSS.ZipRequired() {
		t.Fatalf("require_zip defaults to true")
	}
	if cfg.Packs["base"].Store != StoreOSS || cfg.Packs["lobby"].Store != StoreSelfHost {
		t.Fatalf("unexpected stores %+v", cfg.Packs)
	}
	lobby, ok := cfg.Server("lobby")
	if !ok || len(lobby.Packs) != 2 || lobby.Packs[0] != "lobby" || !lobby.Force {
		t.Fatalf("unexpected lobby server %+v", lobby)
	}
	fallback, ok := cfg.Server("creative")
	if !ok || len(fallback.Packs) != 1 || fallback.Packs[0] != "base" {
		t.Fatalf("expected server_default fallback, got %+v", fallback)
	}
	if names := cfg.PackNames(); len(names) != 2 || names[0] != "base" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestParsePacksConfigDefaults(t *testing.T) {
	cfg, err := ParsePacksConfig([]byte("packs:\n  a:\n    key: a.zip\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Limits.AttemptWindow.Std() != defaultAttemptWindow {
		t.Fatalf("expected default window")
	}
	if cfg.Limits.MaxFailedAttempts != 0 {
		t.Fatalf("failure ceiling must default to disabled")
	}
	if _, ok := cfg.Server("any"); ok {
		t.Fatalf("no server without server_default")
	}
}

func TestParsePacksConfigRejects(t *testing.T) {
	cases := map[string]string{
		"ceiling of one":  "limits:\n  max_failed_attempts: 1\n",
		"unknown key":     "packs:\n  a:\n    key: a.zip\n    colour: red\n",
		"missing key":     "packs:\n  a:\n    version: x\n",
		"bad hash":        "packs:\n  a:\n    key: a.zip\n    hash: nothex\n",
		"bad store":       "packs:\n  a:\n    key: a.zip\n    store: s3\n",
		"bad duration":    "limits:\n  attempt_window: soon\n",
		"unknown pack":    "packs:\n  a:\n    key: a.zip\nservers:\n  s:\n    packs: [b]\n",
		"unknown default": "packs:\n  a:\n    key: a.zip\nserver_default: nope\n",
		"selfhost off":    "packs:\n  a:\n    key: a.zip\n    store: selfhost\n",
		"reuse too long":  "oss:\n  presign_expiry: 10m\n  presign_reuse: 10m\n",
	}
	for name, doc := range cases {
		if _, err := ParsePacksConfig([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := ParsePacksConfig(nil); err == nil {
		t.Fatalf("expected error for empty config")
	}
}

func TestSavePackHashPreservesDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packs.yaml")
	if err := os.WriteFile(path, []byte(samplePacks), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	hash := strings.Repeat("ab", 20)
	if err := SavePackHash(path, "base", hash, "packs/base.zip", "2024-06-01"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := SavePackHash(path, "lobby", strings.Repeat("12", 20), "lobby.zip", ""); err != nil {
		t.Fatalf("save lobby: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "# pack catalog") {
		t.Fatalf("comment lost:\n%s", data)
	}
	cfg, err := ParsePacksConfig(data)
	if err != nil {
		t.Fatalf("reparse: %v\n%s", err, data)
	}
	base := cfg.Packs["base"]
	if base.Hash != hash || base.HashKey != "packs/base.zip" || base.HashVersion != "2024-06-01" || base.Version != "2024-06-01" {
		t.Fatalf("unexpected base entry %+v", base)
	}
	if lobby := cfg.Packs["lobby"]; lobby.HashKey != "lobby.zip" || lobby.HashVersion != "" || lobby.Version != "" {
		t.Fatalf("unexpected lobby entry %+v", lobby)
	}
	if cfg.Packs["lobby"].Hash != strings.Repeat("12", 20) {
		t.Fatalf("numeric looking hash must stay a string, got %+v", cfg.Packs["lobby"])
	}
	if info, err := os.Stat(path); err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("file mode not preserved: %v", err)
	}
}

func TestSavePackHashUnknownPack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packs.yaml")
	if err := os.WriteFile(path, []byte(samplePacks), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := SavePackHash(path, "missing", strings.Repeat("ab", 20), "missing.zip", ""); err == nil {
		t.Fatalf("expected error for unknown pack")
	}
}
