// Package config holds the explicit configuration threaded through every
// proofkit component.
//
// Configuration is loaded from (highest to lowest priority):
//  1. Command-line flags (applied by the CLI after Load)
//  2. Environment variables supplied through LoadOptions.Getenv
//  3. Project config (proofkit.yaml at the repo root)
//  4. Defaults
//
// Core packages never consult the process environment or working directory;
// they receive a resolved *Config whose paths are all absolute.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lattice-substrate/proofkit/evidenceerr"
)

// FileName is the project config file looked up at the repo root.
const FileName = "proofkit.yaml"

// Defaults.
const (
	DefaultLedgerPath     = "artifacts/agent/evidence.jsonl"
	DefaultArtifactsDir   = "artifacts/agent"
	DefaultManifestPath   = "MANIFEST.json"
	DefaultSessionPath    = "artifacts/agent/governance_session.json"
	DefaultReplayN        = 5
	DefaultTailLines      = 40
	DefaultCommandTimeout = 10 * time.Minute
	DefaultWitnessKeyEnv  = "PROOFKIT_WITNESS_KEY"
)

// Config is the resolved configuration.
type Config struct {
	// RepoRoot is the absolute project root every other path is anchored to.
	RepoRoot string `yaml:"repo_root" json:"repo_root"`

	// LedgerPath is the append-only evidence ledger.
	// Default: artifacts/agent/evidence.jsonl
	LedgerPath string `yaml:"ledger_path" json:"ledger_path"`

	// ArtifactsDir receives replay, witness and proof artifacts.
	// Default: artifacts/agent
	ArtifactsDir string `yaml:"artifacts_dir" json:"artifacts_dir"`

	// ManifestPath is the checksum manifest rebuilt in place.
	// Default: MANIFEST.json
	ManifestPath string `yaml:"manifest_path" json:"manifest_path"`

	// SessionPath persists the governance cycle between invocations.
	SessionPath string `yaml:"session_path" json:"session_path"`

	// CommandTimeout bounds every gate command.
	CommandTimeout Duration `yaml:"command_timeout" json:"command_timeout"`

	// TailLines is how many trailing output lines are hashed per stream.
	TailLines int `yaml:"tail_lines" json:"tail_lines"`

	Exclusions Exclusions `yaml:"exclusions" json:"exclusions"`
	Gates      []Gate     `yaml:"gates" json:"gates"`
	Replay     Replay     `yaml:"replay" json:"replay"`
	Witness    Witness    `yaml:"witness" json:"witness"`
}

// Exclusions are removed from the checksum ledger.
type Exclusions struct {
	// Dirs match any path component.
	Dirs []string `yaml:"dirs" json:"dirs"`
	// Prefixes match the start of the root-relative POSIX path.
	Prefixes []string `yaml:"prefixes" json:"prefixes"`
}

// Gate is one required gate command.
type Gate struct {
	ID        string   `yaml:"id" json:"id"`
	Command   []string `yaml:"command" json:"command"`
	Dir       string   `yaml:"dir,omitempty" json:"dir,omitempty"`
	Artifacts []string `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
}

// Replay configures the replay verifier.
type Replay struct {
	N int `yaml:"n" json:"n"`
	// Chooser is the argv of the external selection program under test.
	Chooser []string `yaml:"chooser,omitempty" json:"chooser,omitempty"`
}

// Witness configures attestation.
type Witness struct {
	// Watched report files hashed into the witness, root-relative.
	Watched []string `yaml:"watched" json:"watched"`
	// Gates are the independent commands re-executed by the witness.
	Gates [][]string `yaml:"gates" json:"gates"`
	// KeyEnv names the environment variable holding the HMAC key.
	KeyEnv string `yaml:"key_env" json:"key_env"`
	// Key is populated from KeyEnv at load time; never read from YAML.
	Key []byte `yaml:"-" json:"-"`
}

// Duration is a time.Duration that decodes from YAML strings like "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	return &Config{
		LedgerPath:     DefaultLedgerPath,
		ArtifactsDir:   DefaultArtifactsDir,
		ManifestPath:   DefaultManifestPath,
		SessionPath:    DefaultSessionPath,
		CommandTimeout: Duration(DefaultCommandTimeout),
		TailLines:      DefaultTailLines,
		Exclusions: Exclusions{
			Dirs:     []string{".git", "__pycache__", ".pytest_cache", ".mypy_cache", "node_modules", ".venv"},
			Prefixes: []string{"artifacts/", "dist/"},
		},
		Replay:  Replay{N: DefaultReplayN},
		Witness: Witness{KeyEnv: DefaultWitnessKeyEnv},
	}
}

// LoadOptions controls Load.
type LoadOptions struct {
	// RepoRoot is required; relative values are made absolute once, here.
	RepoRoot string
	// Path overrides <RepoRoot>/proofkit.yaml. A missing default file is not
	// an error; a missing explicit Path is.
	Path string
	// Getenv supplies environment lookups. Nil means no environment.
	Getenv func(string) string
}

// Load reads the project config, applies environment overrides and
// resolves all paths against the repo root.
func Load(opts LoadOptions) (*Config, error) {
	if strings.TrimSpace(opts.RepoRoot) == "" {
		return nil, evidenceerr.New(evidenceerr.Configuration, "config", "repo root is required")
	}
	root, err := filepath.Abs(opts.RepoRoot)
	if err != nil {
		return nil, evidenceerr.Wrap(evidenceerr.Configuration, "config", "resolve repo root", err)
	}

	cfg := Default()
	path := opts.Path
	explicit := path != ""
	if !explicit {
		path = filepath.Join(root, FileName)
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(data, cfg); err != nil {
			return nil, evidenceerr.Wrap(evidenceerr.Configuration, "config", "decode "+path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, evidenceerr.Wrap(evidenceerr.Configuration, "config", "read "+path, err)
	}

	if opts.Getenv != nil {
		applyEnv(cfg, opts.Getenv)
	}
	if err := cfg.Resolve(root); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("PROOFKIT_LEDGER_PATH"); v != "" {
		cfg.LedgerPath = v
	}
	if v := getenv("PROOFKIT_ARTIFACTS_DIR"); v != "" {
		cfg.ArtifactsDir = v
	}
	keyEnv := cfg.Witness.KeyEnv
	if keyEnv == "" {
		keyEnv = DefaultWitnessKeyEnv
	}
	if v := getenv(keyEnv); v != "" {
		cfg.Witness.Key = []byte(v)
	}
}

// Resolve anchors every relative path under root and validates the result.
func (c *Config) Resolve(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return evidenceerr.Wrap(evidenceerr.Configuration, "config", "resolve repo root", err)
	}
	if c.RepoRoot == "" || !filepath.IsAbs(c.RepoRoot) {
		c.RepoRoot = abs
	}
	c.RepoRoot = filepath.Clean(c.RepoRoot)
	c.LedgerPath = c.Anchor(c.LedgerPath)
	c.ArtifactsDir = c.Anchor(c.ArtifactsDir)
	c.ManifestPath = c.Anchor(c.ManifestPath)
	c.SessionPath = c.Anchor(c.SessionPath)
	return c.Validate()
}

// Anchor returns p made absolute under RepoRoot. Absolute inputs are
// cleaned and returned unchanged.
func (c *Config) Anchor(p string) string {
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.RepoRoot, filepath.FromSlash(p))
}

// Rel returns p relative to RepoRoot in POSIX form, or "" when p lies
// outside the root.
func (c *Config) Rel(p string) string {
	rel, err := filepath.Rel(c.RepoRoot, c.Anchor(p))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(rel)
}

// Validate checks semantic constraints of a resolved config.
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.RepoRoot) {
		return evidenceerr.New(evidenceerr.Configuration, "config", "repo_root must be absolute")
	}
	if c.LedgerPath == "" {
		return evidenceerr.New(evidenceerr.Configuration, "config", "ledger_path is required")
	}
	if c.ArtifactsDir == "" {
		return evidenceerr.New(evidenceerr.Configuration, "config", "artifacts_dir is required")
	}
	if c.Replay.N < 1 {
		return evidenceerr.Newf(evidenceerr.Configuration, "config", "replay.n must be >= 1, got %d", c.Replay.N)
	}
	if c.TailLines < 1 {
		return evidenceerr.Newf(evidenceerr.Configuration, "config", "tail_lines must be >= 1, got %d", c.TailLines)
	}
	if c.CommandTimeout < 0 {
		return evidenceerr.New(evidenceerr.Configuration, "config", "command_timeout cannot be negative")
	}
	seen := make(map[string]struct{}, len(c.Gates))
	for i, g := range c.Gates {
		if g.ID == "" {
			return evidenceerr.Newf(evidenceerr.Configuration, "config", "gates[%d].id is required", i)
		}
		if _, ok := seen[g.ID]; ok {
			return evidenceerr.Newf(evidenceerr.Configuration, "config", "duplicate gate id %q", g.ID)
		}
		seen[g.ID] = struct{}{}
		if len(g.Command) == 0 {
			return evidenceerr.Newf(evidenceerr.Configuration, "config", "gate %s: command is required", g.ID)
		}
	}
	for i, argv := range c.Witness.Gates {
		if len(argv) == 0 {
			return evidenceerr.Newf(evidenceerr.Configuration, "config", "witness.gates[%d] is empty", i)
		}
	}
	return nil
}

// FindRoot walks up from start to the nearest directory holding proofkit.yaml
// or .git. It is meant for the CLI edge; core packages take an explicit root.
func FindRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", evidenceerr.Wrap(evidenceerr.Configuration, "config", "resolve start dir", err)
	}
	for {
		for _, marker := range []string{FileName, ".git"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", evidenceerr.Newf(evidenceerr.Configuration, "config", "no %s or .git found above %s", FileName, start)
		}
		dir = parent
	}
}

// Timeout returns the command timeout as a time.Duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.CommandTimeout)
}
