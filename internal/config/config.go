// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads the router configuration from YAML. Defaults are set
// before unmarshalling so absent keys keep them, and Sanitize clamps values
// that would make a component misbehave.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/traylinx/kilorouter/internal/audit"
	"github.com/traylinx/kilorouter/internal/budget"
	"github.com/traylinx/kilorouter/internal/store"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML configuration file.
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Classifier ClassifierConfig `yaml:"classifier" json:"classifier"`
	Predictor  PredictorConfig  `yaml:"predictor" json:"predictor"`
	Prefetch   PrefetchConfig   `yaml:"prefetch" json:"prefetch"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Router     RouterConfig     `yaml:"router" json:"router"`
	Budget     budget.Config    `yaml:"budget" json:"budget"`
	Audit      AuditConfig      `yaml:"audit" json:"audit"`
	Learning   LearningConfig   `yaml:"learning" json:"learning"`
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
}

// ServerConfig controls the management HTTP API.
type ServerConfig struct {
	// Host is the interface to bind. Empty binds all interfaces.
	Host string `yaml:"host" json:"-"`
	Port int    `yaml:"port" json:"-"`
	// SecretKey protects the /v0 endpoints. A plaintext value is replaced by
	// its bcrypt hash on load. Empty disables the API for remote clients.
	SecretKey string `yaml:"secret-key" json:"-"`
	// AllowRemote accepts non-localhost clients that present the key.
	AllowRemote    bool     `yaml:"allow-remote" json:"allow-remote"`
	AllowedOrigins []string `yaml:"allowed-origins" json:"allowed-origins"`
	Debug          bool     `yaml:"debug" json:"debug"`
}

// LoggingConfig selects the log destination and level.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	ToFile bool   `yaml:"to-file" json:"to-file"`
	// MaxSizeMB is the size at which the main log file rotates.
	MaxSizeMB  int  `yaml:"max-size-mb" json:"max-size-mb"`
	MaxBackups int  `yaml:"max-backups" json:"max-backups"`
	MaxAgeDays int  `yaml:"max-age-days" json:"max-age-days"`
	Compress   bool `yaml:"compress" json:"compress"`
}

// ClassifierConfig tunes intent classification.
type ClassifierConfig struct {
	// LexiconPath overrides the embedded keyword and synonym tables.
	LexiconPath             string  `yaml:"lexicon-path" json:"lexicon-path"`
	DisambiguationThreshold float64 `yaml:"disambiguation-threshold" json:"disambiguation-threshold"`
	ClarificationThreshold  float64 `yaml:"clarification-threshold" json:"clarification-threshold"`
	AmbiguityMargin         float64 `yaml:"ambiguity-margin" json:"ambiguity-margin"`
	MaxClarifications       int     `yaml:"max-clarifications" json:"max-clarifications"`
	MaxInputLength          int     `yaml:"max-input-length" json:"max-input-length"`
}

// PredictorConfig tunes the pattern predictor.
type PredictorConfig struct {
	HistoricalWeight float64       `yaml:"historical-weight" json:"historical-weight"`
	SessionWeight    float64       `yaml:"session-weight" json:"session-weight"`
	ProjectWeight    float64       `yaml:"project-weight" json:"project-weight"`
	IntentWeight     float64       `yaml:"intent-weight" json:"intent-weight"`
	DecayWindow      time.Duration `yaml:"decay-window" json:"decay-window"`
	MinOccurrences   int           `yaml:"min-occurrences" json:"min-occurrences"`
	MinConfidence    float64       `yaml:"min-confidence" json:"min-confidence"`
	MaxPredictions   int           `yaml:"max-predictions" json:"max-predictions"`
	MaxSteps         int           `yaml:"max-steps" json:"max-steps"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
}

// PrefetchConfig sizes the prefetch worker pool and tier buckets.
type PrefetchConfig struct {
	Workers          int           `yaml:"workers" json:"workers"`
	QueueSize        int           `yaml:"queue-size" json:"queue-size"`
	MaxImmediate     int           `yaml:"max-immediate" json:"max-immediate"`
	MaxEager         int           `yaml:"max-eager" json:"max-eager"`
	ImmediateTimeout time.Duration `yaml:"immediate-timeout" json:"immediate-timeout"`
}

// TierConfig sizes one cache tier.
type TierConfig struct {
	Capacity int           `yaml:"capacity" json:"capacity"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

// CacheConfig sizes the three cache tiers.
type CacheConfig struct {
	Hot  TierConfig `yaml:"hot" json:"hot"`
	Warm TierConfig `yaml:"warm" json:"warm"`
	Cold TierConfig `yaml:"cold" json:"cold"`
	// SweepInterval is the period of the expired entry sweep; zero disables it.
	SweepInterval time.Duration `yaml:"sweep-interval" json:"sweep-interval"`
}

// RouterConfig tunes handler matching.
type RouterConfig struct {
	SelectThreshold float64 `yaml:"select-threshold" json:"select-threshold"`
	FloorThreshold  float64 `yaml:"floor-threshold" json:"floor-threshold"`
	DowngradeWindow float64 `yaml:"downgrade-window" json:"downgrade-window"`
	// TieBreak lists the tie-breakers in order: effectiveness, cost,
	// preference, id.
	TieBreak        []string `yaml:"tie-break" json:"tie-break"`
	PreferenceOrder []string `yaml:"preference-order" json:"preference-order"`
	MaxOptions      int      `yaml:"max-options" json:"max-options"`
}

// AuditConfig controls the decision log and its storage tiers.
type AuditConfig struct {
	Retention time.Duration `yaml:"retention" json:"retention"`
	TierBatch int           `yaml:"tier-batch" json:"tier-batch"`
	// TierInterval is the period of the warm to cold sweep; zero disables it.
	TierInterval time.Duration      `yaml:"tier-interval" json:"tier-interval"`
	Log          audit.LogConfig    `yaml:"log" json:"log"`
	Mirror       audit.MirrorConfig `yaml:"mirror" json:"mirror"`
}

// LearningConfig controls the feedback loop.
type LearningConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	QueueSize        int           `yaml:"queue-size" json:"queue-size"`
	AnalysisInterval time.Duration `yaml:"analysis-interval" json:"analysis-interval"`
	AnalysisWindow   time.Duration `yaml:"analysis-window" json:"analysis-window"`
	MinSampleSize    int           `yaml:"min-sample-size" json:"min-sample-size"`
}

// StorageConfig locates the state directory and the ledger backend.
type StorageConfig struct {
	// StateDir overrides KILOROUTER_STATE_DIR.
	StateDir  string `yaml:"state-dir" json:"state-dir"`
	SkillsDir string `yaml:"skills-dir" json:"skills-dir"`
	RulesDir  string `yaml:"rules-dir" json:"rules-dir"`
	HooksDir  string `yaml:"hooks-dir" json:"hooks-dir"`
	// ResourceRoot is the directory prefetched code and documents are read from.
	ResourceRoot string `yaml:"resource-root" json:"resource-root"`
	// Ledger is "memory" or "postgres".
	Ledger   string                    `yaml:"ledger" json:"ledger"`
	Postgres store.PostgresStoreConfig `yaml:"postgres" json:"postgres"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8420
	cfg.Logging.Level = "info"
	cfg.Logging.MaxSizeMB = 10
	cfg.Logging.MaxBackups = 5

	cfg.Classifier.DisambiguationThreshold = 0.6
	cfg.Classifier.ClarificationThreshold = 0.4
	cfg.Classifier.AmbiguityMargin = 0.15
	cfg.Classifier.MaxClarifications = 3
	cfg.Classifier.MaxInputLength = 4000

	cfg.Predictor.HistoricalWeight = 0.4
	cfg.Predictor.SessionWeight = 0.25
	cfg.Predictor.ProjectWeight = 0.2
	cfg.Predictor.IntentWeight = 0.15
	cfg.Predictor.DecayWindow = 30 * 24 * time.Hour
	cfg.Predictor.MinOccurrences = 3
	cfg.Predictor.MinConfidence = 0.15
	cfg.Predictor.MaxPredictions = 20
	cfg.Predictor.MaxSteps = 500
	cfg.Predictor.Timeout = 50 * time.Millisecond

	cfg.Prefetch.Workers = 5
	cfg.Prefetch.QueueSize = 256
	cfg.Prefetch.MaxImmediate = 3
	cfg.Prefetch.MaxEager = 5
	cfg.Prefetch.ImmediateTimeout = 2 * time.Second

	cfg.Cache.Hot = TierConfig{Capacity: 256, TTL: 5 * time.Minute}
	cfg.Cache.Warm = TierConfig{Capacity: 1024, TTL: 15 * time.Minute}
	cfg.Cache.Cold = TierConfig{Capacity: 4096, TTL: time.Hour}
	cfg.Cache.SweepInterval = time.Minute

	cfg.Router.SelectThreshold = 0.6
	cfg.Router.FloorThreshold = 0.4
	cfg.Router.DowngradeWindow = 0.1
	cfg.Router.TieBreak = []string{"effectiveness", "cost", "preference", "id"}
	cfg.Router.MaxOptions = 3

	cfg.Budget = budget.DefaultConfig()

	cfg.Audit.Retention = 30 * 24 * time.Hour
	cfg.Audit.TierBatch = 500
	cfg.Audit.TierInterval = time.Hour
	cfg.Audit.Log = audit.LogConfig{Enabled: true, MaxSizeMB: 50, MaxBackups: 10, MaxAgeDays: 90, Compress: true}

	cfg.Learning.Enabled = true
	cfg.Learning.QueueSize = 256
	cfg.Learning.AnalysisInterval = time.Hour
	cfg.Learning.AnalysisWindow = 7 * 24 * time.Hour
	cfg.Learning.MinSampleSize = 5

	cfg.Storage.SkillsDir = "skills"
	cfg.Storage.RulesDir = "rules"
	cfg.Storage.ResourceRoot = "."
	cfg.Storage.Ledger = "memory"
	cfg.Storage.Postgres.Schema = "public"
	cfg.Storage.Postgres.LedgerTable = "budget_ledgers"
}

// LoadConfig reads and sanitizes the YAML file at configFile.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads YAML from configFile. If optional is true, a
// missing or empty file yields the defaults.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && (os.IsNotExist(err) || errors.Is(err, syscall.EISDIR)) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	cfg.applyDefaults()
	if len(bytes.TrimSpace(data)) == 0 {
		cfg.Sanitize()
		return cfg, nil
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Server.SecretKey != "" && !looksLikeBcrypt(cfg.Server.SecretKey) {
		hashed, errHash := hashSecret(cfg.Server.SecretKey)
		if errHash != nil {
			return nil, fmt.Errorf("failed to hash server secret key: %w", errHash)
		}
		cfg.Server.SecretKey = hashed
		// Persist the hash so the plaintext does not stay on disk.
		_ = UpdateNestedScalar(configFile, []string{"server", "secret-key"}, hashed)
	}

	cfg.Sanitize()
	return cfg, nil
}

// Sanitize clamps out-of-range values back to safe ones.
func (cfg *Config) Sanitize() {
	def := Default()

	cfg.Server.Host = strings.TrimSpace(cfg.Server.Host)
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		cfg.Server.Port = def.Server.Port
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = def.Logging.MaxSizeMB
	}

	c := &cfg.Classifier
	c.DisambiguationThreshold = clampUnit(c.DisambiguationThreshold)
	c.ClarificationThreshold = clampUnit(c.ClarificationThreshold)
	if c.ClarificationThreshold > c.DisambiguationThreshold {
		c.ClarificationThreshold = c.DisambiguationThreshold
	}
	if c.MaxClarifications < 1 {
		c.MaxClarifications = def.Classifier.MaxClarifications
	}
	if c.MaxInputLength <= 0 {
		c.MaxInputLength = def.Classifier.MaxInputLength
	}

	p := &cfg.Predictor
	if p.HistoricalWeight < 0 || p.SessionWeight < 0 || p.ProjectWeight < 0 || p.IntentWeight < 0 ||
		p.HistoricalWeight+p.SessionWeight+p.ProjectWeight+p.IntentWeight == 0 {
		p.HistoricalWeight, p.SessionWeight = def.Predictor.HistoricalWeight, def.Predictor.SessionWeight
		p.ProjectWeight, p.IntentWeight = def.Predictor.ProjectWeight, def.Predictor.IntentWeight
	}
	p.MinConfidence = clampUnit(p.MinConfidence)
	if p.DecayWindow <= 0 {
		p.DecayWindow = def.Predictor.DecayWindow
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Predictor.Timeout
	}

	if cfg.Prefetch.Workers <= 0 {
		cfg.Prefetch.Workers = def.Prefetch.Workers
	}
	if cfg.Prefetch.QueueSize <= 0 {
		cfg.Prefetch.QueueSize = def.Prefetch.QueueSize
	}
	if cfg.Prefetch.ImmediateTimeout <= 0 {
		cfg.Prefetch.ImmediateTimeout = def.Prefetch.ImmediateTimeout
	}
	sanitizeTier(&cfg.Cache.Hot, def.Cache.Hot)
	sanitizeTier(&cfg.Cache.Warm, def.Cache.Warm)
	sanitizeTier(&cfg.Cache.Cold, def.Cache.Cold)
	if cfg.Cache.SweepInterval < 0 {
		cfg.Cache.SweepInterval = 0
	}

	r := &cfg.Router
	r.SelectThreshold = clampUnit(r.SelectThreshold)
	r.FloorThreshold = clampUnit(r.FloorThreshold)
	if r.FloorThreshold > r.SelectThreshold {
		r.FloorThreshold = r.SelectThreshold
	}
	if r.DowngradeWindow < 0 {
		r.DowngradeWindow = 0
	}
	r.TieBreak = sanitizeTieBreak(r.TieBreak)
	if r.MaxOptions <= 0 {
		r.MaxOptions = def.Router.MaxOptions
	}

	b := &cfg.Budget
	for _, v := range []*int64{&b.ProcessTokens, &b.SessionTokens, &b.TaskTokens} {
		if *v < 0 {
			*v = 0
		}
	}
	if b.WarnRatio <= 0 || b.WarnRatio >= 1 {
		b.WarnRatio = def.Budget.WarnRatio
	}
	if b.DowngradeRatio <= b.WarnRatio || b.DowngradeRatio > 1 {
		b.DowngradeRatio = def.Budget.DowngradeRatio
	}

	if cfg.Audit.Retention <= 0 {
		cfg.Audit.Retention = def.Audit.Retention
	}
	if cfg.Audit.TierBatch <= 0 {
		cfg.Audit.TierBatch = def.Audit.TierBatch
	}
	if cfg.Audit.TierInterval < 0 {
		cfg.Audit.TierInterval = 0
	}

	if cfg.Learning.QueueSize <= 0 {
		cfg.Learning.QueueSize = def.Learning.QueueSize
	}
	if cfg.Learning.AnalysisWindow <= 0 {
		cfg.Learning.AnalysisWindow = def.Learning.AnalysisWindow
	}

	cfg.Storage.Ledger = strings.ToLower(strings.TrimSpace(cfg.Storage.Ledger))
	if cfg.Storage.Ledger != "postgres" {
		cfg.Storage.Ledger = "memory"
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sanitizeTier(t *TierConfig, def TierConfig) {
	if t.Capacity <= 0 {
		t.Capacity = def.Capacity
	}
	if t.TTL <= 0 {
		t.TTL = def.TTL
	}
}

// sanitizeTieBreak drops unknown and repeated tie-breakers and makes sure
// the id comparison comes last.
func sanitizeTieBreak(in []string) []string {
	known := map[string]bool{"effectiveness": true, "cost": true, "preference": true, "id": true}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in)+1)
	for _, tb := range in {
		tb = strings.ToLower(strings.TrimSpace(tb))
		if !known[tb] || seen[tb] || tb == "id" {
			continue
		}
		seen[tb] = true
		out = append(out, tb)
	}
	return append(out, "id")
}

// looksLikeBcrypt returns true if the provided string appears to be a bcrypt hash.
func looksLikeBcrypt(s string) bool {
	return len(s) > 4 && (s[:4] == "$2a$" || s[:4] == "$2b$" || s[:4] == "$2y$")
}

func hashSecret(secret string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashedBytes), nil
}

// UpdateNestedScalar sets the scalar at path in the YAML file, keeping the
// rest of the document, comments included, untouched.
func UpdateNestedScalar(configFile string, path []string, value string) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return err
	}
	var root yaml.Node
	if err = yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return fmt.Errorf("invalid yaml document structure")
	}
	node := root.Content[0]
	for i, key := range path {
		v := mapValue(node, key)
		if i == len(path)-1 {
			v.Kind = yaml.ScalarNode
			v.Tag = "!!str"
			v.Value = value
			break
		}
		if v.Kind != yaml.MappingNode {
			v.Kind = yaml.MappingNode
			v.Tag = "!!map"
		}
		node = v
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err = enc.Encode(&root); err != nil {
		_ = enc.Close()
		return err
	}
	if err = enc.Close(); err != nil {
		return err
	}
	return os.WriteFile(configFile, buf.Bytes(), 0o600)
}

func mapValue(node *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	k := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	v := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null"}
	node.Content = append(node.Content, k, v)
	return v
}
