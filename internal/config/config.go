// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kraklabs/notebook/pkg/guard"
	"github.com/kraklabs/notebook/pkg/ingestion"
	"github.com/kraklabs/notebook/pkg/netpolicy"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NOTEBOOK_"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds every setting of the notebook service.
type Config struct {
	// DataDir holds projects/, uploads/ and the default SQLite database.
	DataDir string `yaml:"data_dir"`

	// DatabaseDSN selects the snapshot store. Empty means
	// <data_dir>/notebook.db.
	DatabaseDSN string `yaml:"database_dsn"`

	// SchemaPath points at a schema YAML file. Empty uses the built-in one.
	SchemaPath string `yaml:"schema_path"`

	Workers  int    `yaml:"workers"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// Exclude holds extra glob patterns skipped during ingestion.
	Exclude []string `yaml:"exclude"`

	Limits  guard.Limits     `yaml:"limits"`
	Network netpolicy.Config `yaml:"network"`
	Semgrep SemgrepConfig    `yaml:"semgrep"`
	Mirror  MirrorConfig     `yaml:"mirror"`

	AnalyzerTimeout time.Duration `yaml:"analyzer_timeout"`
	CloneTimeout    time.Duration `yaml:"clone_timeout"`
}

// SemgrepConfig configures the external security scanner.
type SemgrepConfig struct {
	Binary   string        `yaml:"binary"`
	Rules    string        `yaml:"rules"`
	Disabled bool          `yaml:"disabled"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MirrorConfig configures the optional S3-compatible manifest mirror.
type MirrorConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether a mirror endpoint is configured.
func (m MirrorConfig) Enabled() bool { return strings.TrimSpace(m.Endpoint) != "" }

// Default returns the production settings.
func Default() *Config {
	return &Config{
		DataDir:         "./data",
		Workers:         4,
		LogLevel:        "info",
		Limits:          guard.DefaultLimits(),
		Network:         netpolicy.DefaultConfig(),
		Semgrep:         SemgrepConfig{Binary: "semgrep", Rules: "auto", Timeout: 30 * time.Second},
		Mirror:          MirrorConfig{Region: "us-east-1", Bucket: "notebook-manifests", UseSSL: true},
		AnalyzerTimeout: 2 * time.Minute,
		CloneTimeout:    600 * time.Second,
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, a .env file in the working directory, and NOTEBOOK_* variables,
// in increasing order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
		}
	}

	// A missing .env is not an error.
	_ = godotenv.Load()

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	if v, ok := get("DATA_DIR"); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := get("DATABASE_DSN"); ok {
		c.DatabaseDSN = v
	}
	if v, ok := get("SCHEMA_PATH"); ok {
		c.SchemaPath = v
	}
	if v, ok := get("LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := get("ALLOWLIST"); ok {
		c.Network.Allowlist = splitList(v)
	}
	if v, ok := get("EXCLUDE"); ok {
		c.Exclude = splitList(v)
	}
	if v, ok := get("SEMGREP_BINARY"); ok && v != "" {
		c.Semgrep.Binary = v
	}
	if v, ok := get("SEMGREP_RULES"); ok && v != "" {
		c.Semgrep.Rules = v
	}
	if v, ok := get("MIRROR_ENDPOINT"); ok {
		c.Mirror.Endpoint = v
	}
	if v, ok := get("MIRROR_REGION"); ok && v != "" {
		c.Mirror.Region = v
	}
	if v, ok := get("MIRROR_ACCESS_KEY"); ok {
		c.Mirror.AccessKey = v
	}
	if v, ok := get("MIRROR_SECRET_KEY"); ok {
		c.Mirror.SecretKey = v
	}
	if v, ok := get("MIRROR_BUCKET"); ok && v != "" {
		c.Mirror.Bucket = v
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"LOG_JSON", &c.LogJSON},
		{"OUTBOUND_ENABLED", &c.Network.OutboundEnabled},
		{"SEMGREP_DISABLED", &c.Semgrep.Disabled},
		{"MIRROR_USE_SSL", &c.Mirror.UseSSL},
	}
	for _, b := range bools {
		v, ok := get(b.name)
		if !ok || v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q: %w", ErrInvalidConfig, EnvPrefix, b.name, v, err)
		}
		*b.dst = parsed
	}

	if v, ok := get("WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %sWORKERS=%q: %w", ErrInvalidConfig, EnvPrefix, v, err)
		}
		c.Workers = n
	}
	if v, ok := get("REQUESTS_PER_MINUTE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %sREQUESTS_PER_MINUTE=%q: %w", ErrInvalidConfig, EnvPrefix, v, err)
		}
		c.Network.RequestsPerMin = n
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("%w: data_dir is required", ErrInvalidConfig)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalidConfig, c.Workers)
	}
	l := c.Limits
	if l.SoftCapLOC > 0 && l.PotentialGodLOC > 0 && l.HardCapLOC > 0 &&
		!(l.SoftCapLOC < l.PotentialGodLOC && l.PotentialGodLOC < l.HardCapLOC) {
		return fmt.Errorf("%w: LOC thresholds must ascend (soft %d, potential god %d, hard %d)",
			ErrInvalidConfig, l.SoftCapLOC, l.PotentialGodLOC, l.HardCapLOC)
	}
	if _, err := ingestion.NewIgnoreSet(c.Exclude...); err != nil {
		return fmt.Errorf("%w: exclude: %w", ErrInvalidConfig, err)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	if c.Mirror.Enabled() && (c.Mirror.AccessKey == "" || c.Mirror.SecretKey == "") {
		return fmt.Errorf("%w: mirror requires access_key and secret_key", ErrInvalidConfig)
	}
	return nil
}

// DSN returns the effective database DSN.
func (c *Config) DSN() string {
	if c.DatabaseDSN != "" {
		return c.DatabaseDSN
	}
	return filepath.Join(c.DataDir, "notebook.db")
}
