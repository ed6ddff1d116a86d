package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bhandras/deltarun/internal/logger"
	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr     string `yaml:"addr"`
	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`

	// ScriptPath is the script run for every session.
	ScriptPath string `yaml:"script"`
	// Interpreter runs ScriptPath; empty executes the script directly.
	Interpreter          string `yaml:"interpreter"`
	CompileErrorExitCode int    `yaml:"compile_error_exit_code"`

	MinCachedMessageSize int           `yaml:"min_cached_message_size"`
	MaxCachedMessageAge  int           `yaml:"max_cached_message_age"`
	FlushInterval        time.Duration `yaml:"flush_interval"`
	FlushBudget          time.Duration `yaml:"flush_budget"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`

	ScriptCheckTimeout       time.Duration `yaml:"script_check_timeout"`
	ScriptHealthCheckEnabled bool          `yaml:"script_health_check"`

	// UploadsDB is a SQLite path for uploaded files. Empty keeps uploads in
	// memory.
	UploadsDB     string `yaml:"uploads_db"`
	MaxUploadSize int64  `yaml:"max_upload_size"`

	// JWTSecret enables token checks before a session is created.
	JWTSecret      string   `yaml:"jwt_secret"`
	SocketIO       bool     `yaml:"socketio"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Overrides optionally overrides values from the file and environment.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	ConfigFile  *string
	Addr        *string
	Debug       *bool
	LogLevel    *string
	ScriptPath  *string
	Interpreter *string
	UploadsDB   *string
	JWTSecret   *string
	SocketIO    *bool
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:                 ":8501",
		LogLevel:             "info",
		CompileErrorExitCode: 3,
		MinCachedMessageSize: 10 * 1000,
		MaxCachedMessageAge:  2,
		FlushInterval:        10 * time.Millisecond,
		FlushBudget:          100 * time.Millisecond,
		WriteTimeout:         10 * time.Second,
		ScriptCheckTimeout:   60 * time.Second,
		MaxUploadSize:        200 << 20,
		AllowedOrigins:       []string{"*"},
	}
}

// Load builds the configuration from defaults, an optional YAML file
// (DELTARUN_CONFIG), environment variables and explicit overrides, in that
// order.
func Load(overrides Overrides) (*Config, error) {
	cfg := Default()

	path := os.Getenv("DELTARUN_CONFIG")
	if overrides.ConfigFile != nil {
		path = *overrides.ConfigFile
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyOverrides(&cfg, overrides)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	logger.Debugf("[config] loaded %s", path)
	return nil
}

func applyEnv(cfg *Config) error {
	if portStr := os.Getenv("PORT"); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Addr = fmt.Sprintf(":%d", p)
	}
	if v := os.Getenv("DELTARUN_ADDR"); v != "" {
		cfg.Addr = v
	}
	if debugStr := os.Getenv("DEBUG"); debugStr == "true" || debugStr == "1" {
		cfg.Debug = true
	}

	strs := map[string]*string{
		"DELTARUN_LOG_LEVEL":   &cfg.LogLevel,
		"DELTARUN_SCRIPT":      &cfg.ScriptPath,
		"DELTARUN_INTERPRETER": &cfg.Interpreter,
		"DELTARUN_UPLOADS_DB":  &cfg.UploadsDB,
		"DELTARUN_JWT_SECRET":  &cfg.JWTSecret,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"DELTARUN_MIN_CACHED_MESSAGE_SIZE": &cfg.MinCachedMessageSize,
		"DELTARUN_MAX_CACHED_MESSAGE_AGE":  &cfg.MaxCachedMessageAge,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"DELTARUN_FLUSH_INTERVAL":       &cfg.FlushInterval,
		"DELTARUN_FLUSH_BUDGET":         &cfg.FlushBudget,
		"DELTARUN_WRITE_TIMEOUT":        &cfg.WriteTimeout,
		"DELTARUN_SCRIPT_CHECK_TIMEOUT": &cfg.ScriptCheckTimeout,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = d
		}
	}

	bools := map[string]*bool{
		"DELTARUN_SCRIPT_HEALTH_CHECK": &cfg.ScriptHealthCheckEnabled,
		"DELTARUN_SOCKETIO":            &cfg.SocketIO,
	}
	for name, dst := range bools {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = b
		}
	}
	return nil
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.Addr != nil {
		cfg.Addr = *o.Addr
	}
	if o.Debug != nil {
		cfg.Debug = *o.Debug
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
	if o.ScriptPath != nil {
		cfg.ScriptPath = *o.ScriptPath
	}
	if o.Interpreter != nil {
		cfg.Interpreter = *o.Interpreter
	}
	if o.UploadsDB != nil {
		cfg.UploadsDB = *o.UploadsDB
	}
	if o.JWTSecret != nil {
		cfg.JWTSecret = *o.JWTSecret
	}
	if o.SocketIO != nil {
		cfg.SocketIO = *o.SocketIO
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.ScriptPath == "" {
		return errors.New("DELTARUN_SCRIPT is required")
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.MinCachedMessageSize < 0 {
		return fmt.Errorf("min cached message size must not be negative, got %d", c.MinCachedMessageSize)
	}
	if c.MaxCachedMessageAge < 0 {
		return fmt.Errorf("max cached message age must not be negative, got %d", c.MaxCachedMessageAge)
	}
	if c.FlushInterval <= 0 || c.FlushBudget <= 0 || c.WriteTimeout <= 0 || c.ScriptCheckTimeout <= 0 {
		return errors.New("timeouts and intervals must be positive")
	}
	return nil
}

// Level returns the effective log level. Debug forces at least LevelDebug.
func (c *Config) Level() logger.Level {
	lvl, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		lvl = logger.LevelInfo
	}
	if c.Debug && lvl > logger.LevelDebug {
		lvl = logger.LevelDebug
	}
	return lvl
}
