// Package config provides configuration loading for the rule runner from
// defaults, an optional YAML/JSON file, and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Model types.
const (
	ModelRemote = "remote"
	ModelLocal  = "local"
)

// DefaultConfigPaths are searched in order when no config file is given.
var DefaultConfigPaths = []string{
	"/etc/snort/ml_runner/config.yaml",
	"/etc/snort/ml_runner/config.json",
	"./ml_runner_config.yaml",
	"./ml_runner_config.json",
}

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvFloat returns the float for key, or defaultValue if unset/invalid.
func GetEnvFloat(key string, defaultValue float64) float64 {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// GetEnvInt returns the int for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return n
}

// RunnerConfig holds every option recognized by the rule runner.
type RunnerConfig struct {
	ModelType     string `yaml:"modelType"`
	ModelName     string `yaml:"modelName"`
	ModelEndpoint string `yaml:"modelEndpoint"`
	APIKey        string `yaml:"apiKey"`

	ConfidenceThreshold   float64 `yaml:"confidenceThreshold"`
	MaxConcurrentAnalyses int     `yaml:"maxConcurrentAnalyses"`
	MaxAlertsPerBatch     int     `yaml:"maxAlertsPerBatch"`
	PollIntervalSeconds   float64 `yaml:"pollIntervalSeconds"`

	AlertFilePath    string `yaml:"alertFilePath"`
	RuleFilePath     string `yaml:"ruleFilePath"`
	OffsetFilePath   string `yaml:"offsetFilePath"`
	SIDStateFilePath string `yaml:"sidStateFilePath"`
	FromStart        bool   `yaml:"fromStart"`

	StatsFilePath        string  `yaml:"statsFilePath"`
	StatsIntervalSeconds float64 `yaml:"statsIntervalSeconds"`

	ClassifierTimeout   time.Duration `yaml:"classifierTimeout"`
	ClassifierRetries   int           `yaml:"classifierRetries"`
	ShutdownGracePeriod time.Duration `yaml:"shutdownGracePeriod"`

	WindowSize    int           `yaml:"windowSize"`
	WindowHorizon time.Duration `yaml:"windowHorizon"`
	CacheSize     int           `yaml:"cacheSize"`
	CacheTTL      time.Duration `yaml:"cacheTTL"`

	SIDStart      int    `yaml:"sidStart"`
	RulePrefix    string `yaml:"rulePrefix"`
	RuleClasstype string `yaml:"ruleClasstype"`
	RulePriority  int    `yaml:"rulePriority"`

	ValidateCommand []string   `yaml:"validateCommand"`
	ReloadCommands  [][]string `yaml:"reloadCommands"`
	PIDFile         string     `yaml:"pidFile"`
	BackupCount     int        `yaml:"backupCount"`

	HistoryPath          string `yaml:"historyPath"`
	HistoryRetentionDays int    `yaml:"historyRetentionDays"`

	HTTPAddr    string `yaml:"httpAddr"`
	NATSURL     string `yaml:"natsURL"`
	NATSSubject string `yaml:"natsSubject"`

	LogLevel string `yaml:"logLevel"`
	LogFile  string `yaml:"logFile"`
}

// Default returns the built-in configuration.
func Default() RunnerConfig {
	return RunnerConfig{
		ModelType:             ModelRemote,
		ModelName:             "gpt-4",
		ModelEndpoint:         "https://api.openai.com/v1/chat/completions",
		ConfidenceThreshold:   0.98,
		MaxConcurrentAnalyses: 3,
		MaxAlertsPerBatch:     10,
		PollIntervalSeconds:   5.0,
		AlertFilePath:         "/var/log/snort/alert_fast.txt",
		RuleFilePath:          "/etc/snort/rules/ml_generated.rules",
		OffsetFilePath:        "/var/lib/ml_runner/alert.offset",
		SIDStateFilePath:      "/var/lib/ml_runner/sid.state",
		StatsFilePath:         "/var/log/snort/ml_runner_stats.json",
		StatsIntervalSeconds:  60,
		ClassifierTimeout:     30 * time.Second,
		ClassifierRetries:     3,
		ShutdownGracePeriod:   10 * time.Second,
		WindowSize:            1000,
		WindowHorizon:         5 * time.Minute,
		CacheSize:             512,
		CacheTTL:              10 * time.Minute,
		SIDStart:              2000000,
		RulePrefix:            "ML_GENERATED",
		RuleClasstype:         "trojan-activity",
		RulePriority:          1,
		ReloadCommands:        defaultReloadCommands(),
		BackupCount:           5,
		HistoryRetentionDays:  30,
		NATSSubject:           "ids.rules.deployed",
		LogLevel:              "info",
	}
}

func defaultReloadCommands() [][]string {
	return [][]string{
		{"systemctl", "reload", "snort3"},
		{"pkill", "-HUP", "snort"},
	}
}

// Load builds the configuration: defaults, then the config file, then the
// environment. An empty path searches DefaultConfigPaths; a missing default
// file is not an error. It returns the file actually read, if any.
func Load(path string) (RunnerConfig, string, error) {
	cfg := Default()
	source := ""
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, path, err
		}
		source = path
	} else {
		for _, p := range DefaultConfigPaths {
			if _, err := os.Stat(p); err != nil {
				continue
			}
			if err := cfg.mergeFile(p); err != nil {
				return cfg, p, err
			}
			source = p
			break
		}
	}
	cfg.ApplyEnv()
	cfg.Normalize()
	return cfg, source, nil
}

func (c *RunnerConfig) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	// JSON is a subset of YAML, so one decoder serves both formats.
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables that are set.
func (c *RunnerConfig) ApplyEnv() {
	c.APIKey = GetEnv("ML_API_KEY", c.APIKey)
	c.ModelType = GetEnv("ML_MODEL_TYPE", c.ModelType)
	c.ModelName = GetEnv("ML_MODEL_NAME", c.ModelName)
	c.ModelEndpoint = GetEnv("ML_API_ENDPOINT", c.ModelEndpoint)
	c.ConfidenceThreshold = GetEnvFloat("CONFIDENCE_THRESHOLD", c.ConfidenceThreshold)
	c.MaxAlertsPerBatch = GetEnvInt("MAX_ALERTS_PER_BATCH", c.MaxAlertsPerBatch)
	c.MaxConcurrentAnalyses = GetEnvInt("MAX_CONCURRENT_ANALYSES", c.MaxConcurrentAnalyses)
	c.PollIntervalSeconds = GetEnvFloat("PROCESSING_INTERVAL", c.PollIntervalSeconds)
	c.AlertFilePath = GetEnv("SNORT_ALERT_FILE", c.AlertFilePath)
	c.RuleFilePath = GetEnv("SNORT_RULES_FILE", c.RuleFilePath)
	c.ClassifierTimeout = GetEnvDuration("CLASSIFIER_TIMEOUT", c.ClassifierTimeout)
	c.HTTPAddr = GetEnv("HTTP_ADDR", c.HTTPAddr)
	c.NATSURL = GetEnv("NATS_URL", c.NATSURL)
	c.LogLevel = GetEnv("LOG_LEVEL", c.LogLevel)
}

// Normalize lowercases enumerations and maps the "openai" alias to remote.
func (c *RunnerConfig) Normalize() {
	c.ModelType = strings.ToLower(strings.TrimSpace(c.ModelType))
	if c.ModelType == "openai" {
		c.ModelType = ModelRemote
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
}

// EffectiveModelType is the classifier actually used: remote without an
// API key falls back to local.
func (c RunnerConfig) EffectiveModelType() string {
	if c.ModelType == ModelRemote && c.APIKey == "" {
		return ModelLocal
	}
	return c.ModelType
}

// PollInterval converts PollIntervalSeconds to a duration.
func (c RunnerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

// StatsInterval converts StatsIntervalSeconds to a duration.
func (c RunnerConfig) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalSeconds * float64(time.Second))
}

var (
	modelTypes = sets.New[string](ModelRemote, ModelLocal)
	logLevels  = sets.New[string]("debug", "info", "warn", "warning", "error")
)

// Validate reports every invalid option at once.
func (c RunnerConfig) Validate() error {
	var errs field.ErrorList

	if !modelTypes.Has(c.ModelType) {
		errs = append(errs, field.NotSupported(field.NewPath("modelType"), c.ModelType, sets.List(modelTypes)))
	}
	if c.ModelType == ModelRemote && c.APIKey != "" && c.ModelEndpoint == "" {
		errs = append(errs, field.Required(field.NewPath("modelEndpoint"), "required for the remote model"))
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, field.Invalid(field.NewPath("confidenceThreshold"), c.ConfidenceThreshold, "must be within [0,1]"))
	}
	if c.MaxConcurrentAnalyses < 1 {
		errs = append(errs, field.Invalid(field.NewPath("maxConcurrentAnalyses"), c.MaxConcurrentAnalyses, "must be at least 1"))
	}
	if c.MaxAlertsPerBatch < 1 {
		errs = append(errs, field.Invalid(field.NewPath("maxAlertsPerBatch"), c.MaxAlertsPerBatch, "must be at least 1"))
	}
	if c.PollIntervalSeconds <= 0 {
		errs = append(errs, field.Invalid(field.NewPath("pollIntervalSeconds"), c.PollIntervalSeconds, "must be positive"))
	}
	if c.StatsIntervalSeconds <= 0 {
		errs = append(errs, field.Invalid(field.NewPath("statsIntervalSeconds"), c.StatsIntervalSeconds, "must be positive"))
	}
	if c.AlertFilePath == "" {
		errs = append(errs, field.Required(field.NewPath("alertFilePath"), ""))
	}
	if c.RuleFilePath == "" {
		errs = append(errs, field.Required(field.NewPath("ruleFilePath"), ""))
	}
	if c.ClassifierTimeout <= 0 {
		errs = append(errs, field.Invalid(field.NewPath("classifierTimeout"), c.ClassifierTimeout.String(), "must be positive"))
	}
	if c.ClassifierRetries < 0 {
		errs = append(errs, field.Invalid(field.NewPath("classifierRetries"), c.ClassifierRetries, "must not be negative"))
	}
	if c.ShutdownGracePeriod < 0 {
		errs = append(errs, field.Invalid(field.NewPath("shutdownGracePeriod"), c.ShutdownGracePeriod.String(), "must not be negative"))
	}
	if c.WindowSize < 1 {
		errs = append(errs, field.Invalid(field.NewPath("windowSize"), c.WindowSize, "must be at least 1"))
	}
	if c.WindowHorizon <= 0 {
		errs = append(errs, field.Invalid(field.NewPath("windowHorizon"), c.WindowHorizon.String(), "must be positive"))
	}
	if c.CacheSize < 0 {
		errs = append(errs, field.Invalid(field.NewPath("cacheSize"), c.CacheSize, "must not be negative"))
	}
	if c.CacheSize > 0 && c.CacheTTL <= 0 {
		errs = append(errs, field.Invalid(field.NewPath("cacheTTL"), c.CacheTTL.String(), "must be positive when the cache is enabled"))
	}
	if c.SIDStart < 2000000 {
		errs = append(errs, field.Invalid(field.NewPath("sidStart"), c.SIDStart, "must be at least 2000000"))
	}
	if c.RulePriority < 1 {
		errs = append(errs, field.Invalid(field.NewPath("rulePriority"), c.RulePriority, "must be at least 1"))
	}
	if strings.ContainsAny(c.RulePrefix, "\";\\") {
		errs = append(errs, field.Invalid(field.NewPath("rulePrefix"), c.RulePrefix, "must not contain quotes, semicolons or backslashes"))
	}
	if c.PIDFile == "" && len(c.ReloadCommands) == 0 {
		errs = append(errs, field.Required(field.NewPath("reloadCommands"), "set reloadCommands or pidFile"))
	}
	for i, argv := range c.ReloadCommands {
		if len(argv) == 0 {
			errs = append(errs, field.Required(field.NewPath("reloadCommands").Index(i), "empty command"))
		}
	}
	if len(c.ValidateCommand) > 0 && !containsPlaceholder(c.ValidateCommand) {
		errs = append(errs, field.Invalid(field.NewPath("validateCommand"), strings.Join(c.ValidateCommand, " "), "must reference {rules}"))
	}
	if c.BackupCount < 1 {
		errs = append(errs, field.Invalid(field.NewPath("backupCount"), c.BackupCount, "must be at least 1"))
	}
	if c.HistoryPath != "" && c.HistoryRetentionDays < 1 {
		errs = append(errs, field.Invalid(field.NewPath("historyRetentionDays"), c.HistoryRetentionDays, "must be at least 1"))
	}
	if c.NATSURL != "" && c.NATSSubject == "" {
		errs = append(errs, field.Required(field.NewPath("natsSubject"), "required when natsURL is set"))
	}
	if !logLevels.Has(c.LogLevel) {
		errs = append(errs, field.NotSupported(field.NewPath("logLevel"), c.LogLevel, sets.List(logLevels)))
	}
	return errs.ToAggregate()
}

func containsPlaceholder(argv []string) bool {
	for _, a := range argv {
		if strings.Contains(a, "{rules}") {
			return true
		}
	}
	return false
}
