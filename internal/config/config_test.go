package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	t.Setenv("TERMGW_TOKEN_SECRET", "s3cret")

	s, err := Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.ListenAddr != ":8000" {
		t.Errorf("expected listen addr :8000, got %q", s.ListenAddr)
	}
	if s.ScopedBackend != "exec" {
		t.Errorf("expected exec backend, got %q", s.ScopedBackend)
	}
	if s.Framing != "tagged" {
		t.Errorf("expected tagged framing, got %q", s.Framing)
	}
	if s.AuthTimeout != 10*time.Second {
		t.Errorf("expected auth timeout 10s, got %s", s.AuthTimeout)
	}
	if s.IdleTimeout != 0 || s.MaxSessions != 0 {
		t.Errorf("expected idle timeout and session cap disabled, got %s / %d", s.IdleTimeout, s.MaxSessions)
	}
	if len(s.AllowedOrigins) != 1 || s.AllowedOrigins[0] != "*" {
		t.Errorf("expected allowed origins [*], got %v", s.AllowedOrigins)
	}
	if s.ScopedProbe != "docker inspect --type container --format {{.State.Running}} {target}" {
		t.Errorf("unexpected probe template %q", s.ScopedProbe)
	}
}

func TestParse_MissingSecret(t *testing.T) {
	t.Setenv("TERMGW_TOKEN_SECRET", "")
	if _, err := Parse(); err == nil {
		t.Fatal("expected error without TOKEN_SECRET")
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("TERMGW_TOKEN_SECRET", "s3cret")
	t.Setenv("TERMGW_FRAMING", "compat")
	t.Setenv("TERMGW_IDLE_TIMEOUT", "5m")
	t.Setenv("TERMGW_MAX_SESSIONS", "8")

	s, err := Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Framing != "compat" {
		t.Errorf("expected compat framing, got %q", s.Framing)
	}
	if s.IdleTimeout != 5*time.Minute {
		t.Errorf("expected 5m idle timeout, got %s", s.IdleTimeout)
	}
	if s.MaxSessions != 8 {
		t.Errorf("expected 8 max sessions, got %d", s.MaxSessions)
	}
}

func TestParse_FileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	content := "scoped_backend: docker\nkill_grace: 500ms\nmax_cols: 320\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TERMGW_TOKEN_SECRET", "s3cret")
	t.Setenv("TERMGW_MAX_COLS", "100")
	t.Setenv("TERMGW_CONFIG_FILE", path)

	s, err := Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.ScopedBackend != "docker" {
		t.Errorf("expected docker backend from file, got %q", s.ScopedBackend)
	}
	if s.KillGrace != 500*time.Millisecond {
		t.Errorf("expected 500ms kill grace, got %s", s.KillGrace)
	}
	if s.MaxCols != 320 {
		t.Errorf("expected file value 320 to win over env, got %d", s.MaxCols)
	}
	if s.MaxRows != 200 {
		t.Errorf("expected default rows 200 to survive, got %d", s.MaxRows)
	}
}

func TestParse_TOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")
	content := "framing = \"compat\"\nmax_rows = 90\nallowed_origins = [\"app.example.com\", \"*.example.org\"]\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TERMGW_TOKEN_SECRET", "s3cret")
	t.Setenv("TERMGW_CONFIG_FILE", path)

	s, err := Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Framing != "compat" || s.MaxRows != 90 {
		t.Errorf("expected compat framing and 90 rows, got %q %d", s.Framing, s.MaxRows)
	}
	if len(s.AllowedOrigins) != 2 || s.AllowedOrigins[1] != "*.example.org" {
		t.Errorf("unexpected origins %v", s.AllowedOrigins)
	}
}

func TestParse_FileMissing(t *testing.T) {
	t.Setenv("TERMGW_TOKEN_SECRET", "s3cret")
	t.Setenv("TERMGW_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Parse(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	base := func() Settings {
		return Settings{
			TokenSecret:    "x",
			ScopedBackend:  "exec",
			Framing:        "tagged",
			MaxCols:        500,
			MaxRows:        200,
			MaxMessageSize: 1024,
			InputRate:      10,
			InputBurst:     10,
			AuthTimeout:    time.Second,
			KillGrace:      time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"valid", func(*Settings) {}, false},
		{"bad backend", func(s *Settings) { s.ScopedBackend = "lxc" }, true},
		{"bad framing", func(s *Settings) { s.Framing = "sniff" }, true},
		{"zero cols", func(s *Settings) { s.MaxCols = 0 }, true},
		{"huge rows", func(s *Settings) { s.MaxRows = 70000 }, true},
		{"negative idle", func(s *Settings) { s.IdleTimeout = -time.Second }, true},
		{"zero grace", func(s *Settings) { s.KillGrace = 0 }, true},
		{"kubernetes", func(s *Settings) { s.ScopedBackend = "kubernetes" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.mutate(&s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
