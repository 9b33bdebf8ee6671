package ptyproc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"unicode"

	"github.com/gluk-w/claworc/terminal-gateway/internal/orchestrator"
	"github.com/kballard/go-shellquote"
)

// SpawnConfig selects what a session runs. The zero value asks for a root
// login shell on the gateway host.
type SpawnConfig struct {
	Scoped bool
	Target string
	Cwd    string
}

// ScopedBackend starts an interactive shell inside a named execution target.
type ScopedBackend interface {
	Name() string
	Start(ctx context.Context, target, cwd string, size Size) (Process, error)
}

// Spawner turns a verified SpawnConfig into a running Process.
type Spawner struct {
	// Shell is the login shell for root sessions.
	Shell string
	// DefaultCwd replaces an empty scoped working directory.
	DefaultCwd string
	Scoped     ScopedBackend
}

// Spawn starts the process described by cfg. Every error wraps ErrSpawn.
func (s *Spawner) Spawn(ctx context.Context, cfg SpawnConfig, size Size) (Process, error) {
	if !cfg.Scoped {
		return s.spawnRoot(size)
	}
	if s.Scoped == nil {
		return nil, fmt.Errorf("%w: no scoped backend configured", ErrSpawn)
	}
	if err := validateTarget(cfg.Target); err != nil {
		return nil, err
	}
	cwd := cfg.Cwd
	if cwd == "" {
		cwd = s.DefaultCwd
	}
	if cwd == "" {
		cwd = "/"
	}
	p, err := s.Scoped.Start(ctx, cfg.Target, cwd, size)
	if err != nil {
		if errors.Is(err, ErrSpawn) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	return p, nil
}

// validateTarget rejects target names that a command line would read as a
// flag or that carry terminal control bytes.
func validateTarget(target string) error {
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("%w: empty target", ErrSpawn)
	}
	if strings.HasPrefix(target, "-") {
		return fmt.Errorf("%w: target %q starts with '-'", ErrSpawn, target)
	}
	if strings.IndexFunc(target, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: target %q contains control characters", ErrSpawn, target)
	}
	return nil
}

func (s *Spawner) spawnRoot(size Size) (Process, error) {
	shell := s.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	p, err := startLocal(shell, []string{"-l"}, homeDir(), nil, size)
	if err != nil {
		return nil, err
	}
	log.Printf("[ptyproc] started login shell %s (pid %d)", shell, p.cmd.Process.Pid)
	return p, nil
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		if fi, err := os.Stat(h); err == nil && fi.IsDir() {
			return h
		}
	}
	return "/"
}

// CommandBackend runs a command-line execution facility under a local PTY.
// Command and Probe are shell-quoted templates in which the whole-argument
// placeholders {target}, {cwd} and {shell} are substituted after splitting,
// so values are never re-parsed by a shell.
type CommandBackend struct {
	Command string
	// Probe, when set, must exit zero and print neither "false" nor
	// nothing for the target to be considered reachable.
	Probe string
	Shell string
}

func (b *CommandBackend) Name() string { return "exec" }

func (b *CommandBackend) Start(ctx context.Context, target, cwd string, size Size) (Process, error) {
	vars := templateVars{Target: target, Cwd: cwd, Shell: b.Shell}

	if b.Probe != "" {
		if err := b.probe(ctx, vars); err != nil {
			return nil, err
		}
	}

	argv, err := expandTemplate(b.Command, vars)
	if err != nil {
		return nil, err
	}
	p, err := startLocal(argv[0], argv[1:], "", nil, size)
	if err != nil {
		return nil, err
	}
	log.Printf("[ptyproc] started %s for target %q (pid %d)", argv[0], target, p.cmd.Process.Pid)
	return p, nil
}

func (b *CommandBackend) probe(ctx context.Context, vars templateVars) error {
	argv, err := expandTemplate(b.Probe, vars)
	if err != nil {
		return err
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: target %s unreachable: %s", ErrSpawn, vars.Target, firstLine(out, err))
	}
	if s := strings.TrimSpace(string(out)); strings.EqualFold(s, "false") {
		return fmt.Errorf("%w: target %s not running", ErrSpawn, vars.Target)
	}
	return nil
}

func firstLine(out []byte, err error) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return err.Error()
	}
	return s
}

// templateVars are the values behind the {target}, {cwd} and {shell}
// placeholders.
type templateVars struct {
	Target string
	Cwd    string
	Shell  string
}

// expandTemplate splits tmpl with shell quoting rules and replaces
// placeholders inside each resulting argument in a single pass, so a value
// that itself contains a placeholder is left as is.
func expandTemplate(tmpl string, vars templateVars) ([]string, error) {
	words, err := shellquote.Split(tmpl)
	if err != nil {
		return nil, fmt.Errorf("%w: bad command template: %w", ErrSpawn, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: empty command template", ErrSpawn)
	}
	r := strings.NewReplacer("{target}", vars.Target, "{cwd}", vars.Cwd, "{shell}", vars.Shell)
	for i, w := range words {
		words[i] = r.Replace(w)
	}
	return words, nil
}

// APIBackend starts shells through a container or pod exec API.
type APIBackend struct {
	Backend orchestrator.ExecBackend
	Shell   string
}

func (b *APIBackend) Name() string { return b.Backend.BackendName() }

func (b *APIBackend) Start(ctx context.Context, target, cwd string, size Size) (Process, error) {
	size = size.orDefault()
	// The exec outlives the request that started it.
	sess, err := b.Backend.ExecInteractive(context.WithoutCancel(ctx), target, orchestrator.ExecOptions{
		Cmd:        []string{b.Shell},
		WorkingDir: cwd,
		Env:        []string{termEnv},
		Cols:       size.Cols,
		Rows:       size.Rows,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	log.Printf("[ptyproc] started %s exec for target %q", b.Backend.BackendName(), target)
	return newRemoteProcess(sess), nil
}
