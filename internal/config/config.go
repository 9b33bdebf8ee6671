package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	// ConfigFile points at an optional YAML or TOML file (by extension).
	// Keys present in the file take precedence over environment values.
	ConfigFile string `envconfig:"CONFIG_FILE" default:"" yaml:"-" toml:"-"`

	ListenAddr      string        `envconfig:"LISTEN_ADDR" default:":8000" yaml:"listen_addr" toml:"listen_addr"`
	LogPath         string        `envconfig:"LOG_PATH" default:"" yaml:"log_path" toml:"log_path"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS" default:"*" yaml:"allowed_origins" toml:"allowed_origins"`

	// Token verification
	TokenSecret string        `envconfig:"TOKEN_SECRET" default:"" yaml:"token_secret" toml:"token_secret"`
	TokenLeeway time.Duration `envconfig:"TOKEN_LEEWAY" default:"0s" yaml:"token_leeway" toml:"token_leeway"`

	// Process spawning
	ShellPath        string `envconfig:"SHELL_PATH" default:"/bin/bash" yaml:"shell_path" toml:"shell_path"`
	ScopedBackend    string `envconfig:"SCOPED_BACKEND" default:"exec" yaml:"scoped_backend" toml:"scoped_backend"`
	ScopedCommand    string `envconfig:"SCOPED_COMMAND" default:"docker exec -it -w {cwd} -e TERM=xterm-256color {target} {shell}" yaml:"scoped_command" toml:"scoped_command"`
	ScopedProbe      string `envconfig:"SCOPED_PROBE" default:"docker inspect --type container --format {{.State.Running}} {target}" yaml:"scoped_probe" toml:"scoped_probe"`
	ScopedShell      string `envconfig:"SCOPED_SHELL" default:"/bin/sh" yaml:"scoped_shell" toml:"scoped_shell"`
	ScopedDefaultCwd string `envconfig:"SCOPED_DEFAULT_CWD" default:"/" yaml:"scoped_default_cwd" toml:"scoped_default_cwd"`
	DockerHost       string `envconfig:"DOCKER_HOST" default:"" yaml:"docker_host" toml:"docker_host"`
	K8sNamespace     string `envconfig:"K8S_NAMESPACE" default:"default" yaml:"k8s_namespace" toml:"k8s_namespace"`
	K8sContainer     string `envconfig:"K8S_CONTAINER" default:"" yaml:"k8s_container" toml:"k8s_container"`

	// Terminal protocol
	Framing        string  `envconfig:"FRAMING" default:"tagged" yaml:"framing" toml:"framing"`
	MaxCols        int     `envconfig:"MAX_COLS" default:"500" yaml:"max_cols" toml:"max_cols"`
	MaxRows        int     `envconfig:"MAX_ROWS" default:"200" yaml:"max_rows" toml:"max_rows"`
	MaxMessageSize int64   `envconfig:"MAX_MESSAGE_SIZE" default:"65536" yaml:"max_message_size" toml:"max_message_size"`
	InputRate      float64 `envconfig:"INPUT_RATE" default:"200" yaml:"input_rate" toml:"input_rate"`
	InputBurst     int     `envconfig:"INPUT_BURST" default:"200" yaml:"input_burst" toml:"input_burst"`

	// Session lifecycle policy. Zero disables IdleTimeout and MaxSessions.
	AuthTimeout   time.Duration `envconfig:"AUTH_TIMEOUT" default:"10s" yaml:"auth_timeout" toml:"auth_timeout"`
	KillGrace     time.Duration `envconfig:"KILL_GRACE" default:"2s" yaml:"kill_grace" toml:"kill_grace"`
	IdleTimeout   time.Duration `envconfig:"IDLE_TIMEOUT" default:"0s" yaml:"idle_timeout" toml:"idle_timeout"`
	MaxSessions   int           `envconfig:"MAX_SESSIONS" default:"0" yaml:"max_sessions" toml:"max_sessions"`
	SweepSchedule string        `envconfig:"SWEEP_SCHEDULE" default:"@every 30s" yaml:"sweep_schedule" toml:"sweep_schedule"`
}

var Cfg Settings

// Load reads the process configuration into Cfg and exits on error.
func Load() {
	s, err := Parse()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg = s
}

// Parse reads TERMGW_* environment variables, applies the optional YAML
// overlay and validates the result.
func Parse() (Settings, error) {
	var s Settings
	if err := envconfig.Process("TERMGW", &s); err != nil {
		return s, err
	}
	if s.ConfigFile != "" {
		if err := s.applyFile(s.ConfigFile); err != nil {
			return s, err
		}
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func (s *Settings) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, s)
	default:
		err = yaml.Unmarshal(data, s)
	}
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate reports the first setting that cannot be used as given.
func (s *Settings) Validate() error {
	if s.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required")
	}
	switch s.ScopedBackend {
	case "exec", "docker", "kubernetes":
	default:
		return fmt.Errorf("SCOPED_BACKEND %q: want exec, docker or kubernetes", s.ScopedBackend)
	}
	switch s.Framing {
	case "tagged", "compat":
	default:
		return fmt.Errorf("FRAMING %q: want tagged or compat", s.Framing)
	}
	if s.MaxCols <= 0 || s.MaxRows <= 0 {
		return fmt.Errorf("MAX_COLS and MAX_ROWS must be positive")
	}
	if s.MaxCols > 65535 || s.MaxRows > 65535 {
		return fmt.Errorf("MAX_COLS and MAX_ROWS must fit in 16 bits")
	}
	if s.MaxMessageSize <= 0 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be positive")
	}
	if s.InputRate <= 0 || s.InputBurst <= 0 {
		return fmt.Errorf("INPUT_RATE and INPUT_BURST must be positive")
	}
	if s.AuthTimeout <= 0 || s.KillGrace <= 0 {
		return fmt.Errorf("AUTH_TIMEOUT and KILL_GRACE must be positive")
	}
	if s.IdleTimeout < 0 || s.MaxSessions < 0 {
		return fmt.Errorf("IDLE_TIMEOUT and MAX_SESSIONS must not be negative")
	}
	return nil
}
