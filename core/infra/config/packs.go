package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreOSS      = "oss"
	StoreSelfHost = "selfhost"

	defaultAttemptWindow = 10 * time.Minute
	defaultPresignExpiry = time.Hour
	defaultPresignReuse  = 30 * time.Minute
)

// Duration accepts either a Go duration string ("90s") or a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// LimitsConfig tunes the attempt limiter.
type LimitsConfig struct {
	AttemptWindow     Duration `yaml:"attempt_window,omitempty"`
	MaxFailedAttempts int      `yaml:"max_failed_attempts,omitempty"`
}

// OSSConfig tunes presigned URL issuance.
type OSSConfig struct {
	PresignExpiry Duration `yaml:"presign_expiry,omitempty"`
	PresignReuse  Duration `yaml:"presign_reuse,omitempty"`
	RequireZip    *bool    `yaml:"require_zip,omitempty"`
}

// ZipRequired defaults to true.
func (c OSSConfig) ZipRequired() bool {
	return c.RequireZip == nil || *c.RequireZip
}

// SelfHostingConfig enables serving packs from a local directory.
type SelfHostingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BaseURL   string `yaml:"base_url,omitempty"`
	Root      string `yaml:"root,omitempty"`
	ValidOnly bool   `yaml:"valid_only,omitempty"`
}

// PackEntry describes one pack. Hash is written back once computed, with
// HashKey and HashVersion naming the key and version it was computed for.
type PackEntry struct {
	Key         string `yaml:"key"`
	Store       string `yaml:"store,omitempty"`
	Version     string `yaml:"version,omitempty"`
	Hash        string `yaml:"hash,omitempty"`
	HashKey     string `yaml:"hash_key,omitempty"`
	HashVersion string `yaml:"hash_version,omitempty"`
}

// ServerEntry is the ordered pack list for one backend server.
type ServerEntry struct {
	Packs  []string `yaml:"packs"`
	Prompt string   `yaml:"prompt,omitempty"`
	Force  bool     `yaml:"force,omitempty"`
}

// PacksConfig is the catalog file.
type PacksConfig struct {
	Limits        LimitsConfig           `yaml:"limits"`
	OSS           OSSConfig              `yaml:"oss"`
	SelfHosting   SelfHostingConfig      `yaml:"self_hosting"`
	Packs         map[string]PackEntry   `yaml:"packs"`
	Servers       map[string]ServerEntry `yaml:"servers"`
	ServerDefault string                 `yaml:"server_default,omitempty"`
}

// ParsePacksConfig parses and validates catalog data from YAML/JSON bytes.
func ParsePacksConfig(data []byte) (*PacksConfig, error) {
	if len(data) == 0 {
		return nil, errors.New("packs config is empty")
	}
	if err := validateConfigSchema("packs", packsSchemaFile, data); err != nil {
		return nil, err
	}
	var cfg PacksConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse packs config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadPacksConfig reads the catalog file at path.
func LoadPacksConfig(path string) (*PacksConfig, error) {
	if path == "" {
		return nil, errors.New("packs config path is empty")
	}
	// #nosec G304 -- catalog path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read packs config %s: %w", path, err)
	}
	cfg, err := ParsePacksConfig(data)
	if err != nil {
		return nil, fmt.Errorf("load packs config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *PacksConfig) applyDefaults() {
	if c.Limits.AttemptWindow <= 0 {
		c.Limits.AttemptWindow = Duration(defaultAttemptWindow)
	}
	if c.OSS.PresignExpiry <= 0 {
		c.OSS.PresignExpiry = Duration(defaultPresignExpiry)
	}
	if c.OSS.PresignReuse <= 0 {
		c.OSS.PresignReuse = Duration(defaultPresignReuse)
	}
	if c.Packs == nil {
		c.Packs = map[string]PackEntry{}
	}
	if c.Servers == nil {
		c.Servers = map[string]ServerEntry{}
	}
	for name, p := range c.Packs {
		if p.Store == "" {
			p.Store = StoreOSS
		}
		c.Packs[name] = p
	}
}

func (c *PacksConfig) validate() error {
	if c.OSS.PresignReuse >= c.OSS.PresignExpiry {
		return fmt.Errorf("oss.presign_reuse (%s) must be shorter than oss.presign_expiry (%s)",
			c.OSS.PresignReuse.Std(), c.OSS.PresignExpiry.Std())
	}
	for _, name := range sortedKeys(c.Servers) {
		for _, pack := range c.Servers[name].Packs {
			if _, ok := c.Packs[pack]; !ok {
				return fmt.Errorf("server %q references unknown pack %q", name, pack)
			}
		}
	}
	if c.ServerDefault != "" {
		if _, ok := c.Servers[c.ServerDefault]; !ok {
			return fmt.Errorf("server_default %q is not a configured server", c.ServerDefault)
		}
	}
	usesSelfHost := false
	for _, p := range c.Packs {
		if p.Store == StoreSelfHost {
			usesSelfHost = true
			break
		}
	}
	if usesSelfHost {
		if !c.SelfHosting.Enabled {
			return errors.New("selfhost packs configured but self_hosting is disabled")
		}
		if c.SelfHosting.BaseURL == "" || c.SelfHosting.Root == "" {
			return errors.New("self_hosting requires base_url and root")
		}
	}
	return nil
}

// Server returns the entry for name, falling back to server_default.
func (c *PacksConfig) Server(name string) (ServerEntry, bool) {
	if s, ok := c.Servers[name]; ok {
		return s, true
	}
	if c.ServerDefault != "" {
		s, ok := c.Servers[c.ServerDefault]
		return s, ok
	}
	return ServerEntry{}, false
}

// PackNames returns pack names in sorted order.
func (c *PacksConfig) PackNames() []string {
	return sortedKeys(c.Packs)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
