package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/claworc/terminal-gateway/internal/auth"
	"github.com/gluk-w/claworc/terminal-gateway/internal/config"
	"github.com/gluk-w/claworc/terminal-gateway/internal/handlers"
	"github.com/gluk-w/claworc/terminal-gateway/internal/logging"
	"github.com/gluk-w/claworc/terminal-gateway/internal/orchestrator"
	"github.com/gluk-w/claworc/terminal-gateway/internal/ptyproc"
	"github.com/gluk-w/claworc/terminal-gateway/internal/session"
	"github.com/gluk-w/claworc/terminal-gateway/internal/terminal"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "token":
			runTokenCommand()
			return
		}
	}

	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	cfg := config.Cfg
	log.Printf("Config: listen=%s backend=%s framing=%s idle_timeout=%s max_sessions=%d",
		cfg.ListenAddr, cfg.ScopedBackend, cfg.Framing, cfg.IdleTimeout, cfg.MaxSessions)

	framing, err := terminal.ParseFraming(cfg.Framing)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	scoped, err := newScopedBackend(initCtx, cfg)
	initCancel()
	if err != nil {
		log.Fatalf("Scoped backend init: %v", err)
	}

	verifier := auth.NewVerifier([]byte(cfg.TokenSecret), cfg.TokenLeeway)
	mgr := session.NewManager(session.Options{
		Verifier: verifier,
		Spawner: &ptyproc.Spawner{
			Shell:      cfg.ShellPath,
			DefaultCwd: cfg.ScopedDefaultCwd,
			Scoped:     scoped,
		},
		Framing: framing,
		Limits: terminal.Limits{
			MaxCols:    cfg.MaxCols,
			MaxRows:    cfg.MaxRows,
			InputRate:  cfg.InputRate,
			InputBurst: cfg.InputBurst,
		},
		AuthTimeout: cfg.AuthTimeout,
		KillGrace:   cfg.KillGrace,
		IdleTimeout: cfg.IdleTimeout,
		MaxSessions: cfg.MaxSessions,
	})

	// Idle session sweeper
	var sweeper *cron.Cron
	if cfg.IdleTimeout > 0 {
		sweeper = cron.New()
		if _, err := sweeper.AddFunc(cfg.SweepSchedule, func() {
			if n := mgr.SweepIdle(time.Now()); n > 0 {
				log.Printf("Idle sweep closed %d session(s)", n)
			}
		}); err != nil {
			log.Fatalf("Idle sweeper schedule %q: %v", cfg.SweepSchedule, err)
		}
		sweeper.Start()
		log.Printf("Idle sweeper started (schedule=%q, timeout=%s)", cfg.SweepSchedule, cfg.IdleTimeout)
	}

	term := &handlers.Terminal{
		Manager:        mgr,
		Verifier:       verifier,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxMessageSize: cfg.MaxMessageSize,
		Backend:        scoped.Name(),
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	term.Mount(r)

	// Graceful shutdown
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	if sweeper != nil {
		<-sweeper.Stop().Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Sessions hold hijacked connections that srv.Shutdown does not track.
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Printf("Session shutdown: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// newScopedBackend builds the execution-context backend for scoped sessions.
func newScopedBackend(ctx context.Context, cfg config.Settings) (ptyproc.ScopedBackend, error) {
	switch cfg.ScopedBackend {
	case "exec":
		return &ptyproc.CommandBackend{
			Command: cfg.ScopedCommand,
			Probe:   cfg.ScopedProbe,
			Shell:   cfg.ScopedShell,
		}, nil
	case "docker", "kubernetes":
		b, err := orchestrator.New(ctx, cfg.ScopedBackend, orchestrator.Options{
			DockerHost:   cfg.DockerHost,
			K8sNamespace: cfg.K8sNamespace,
			K8sContainer: cfg.K8sContainer,
		})
		if err != nil {
			return nil, err
		}
		return &ptyproc.APIBackend{Backend: b, Shell: cfg.ScopedShell}, nil
	}
	return nil, fmt.Errorf("unknown scoped backend %q", cfg.ScopedBackend)
}

func runTokenCommand() {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	mode := fs.String("mode", "root", "Session mode: root or scoped")
	target := fs.String("target", "", "Execution target (scoped mode)")
	cwd := fs.String("cwd", "", "Working directory (scoped mode)")
	subject := fs.String("sub", "", "Subject recorded in session logs")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	fs.Parse(os.Args[2:])

	config.Load()

	v := auth.NewVerifier([]byte(config.Cfg.TokenSecret), 0)
	c := auth.Claims{Mode: auth.Mode(*mode), Target: *target, Cwd: *cwd}
	c.Subject = *subject
	tok, err := v.Issue(c, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Usage: terminal-gateway token --mode root|scoped [--target <id>] [--cwd <dir>] [--ttl 1h]\n%v\n", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
