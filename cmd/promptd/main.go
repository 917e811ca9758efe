package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/promptdhq/promptd/internal/api"
	"github.com/promptdhq/promptd/internal/auth"
	"github.com/promptdhq/promptd/internal/broker"
	"github.com/promptdhq/promptd/internal/config"
	"github.com/promptdhq/promptd/internal/executor"
	"github.com/promptdhq/promptd/internal/janitor"
	"github.com/promptdhq/promptd/internal/registry"
	"github.com/promptdhq/promptd/internal/scheduler"
	"github.com/promptdhq/promptd/internal/session"
	"github.com/promptdhq/promptd/internal/store"
	"github.com/promptdhq/promptd/internal/token"
	"github.com/promptdhq/promptd/internal/workspace"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "user":
		runUser(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`promptd - batch execution server for assisted coding jobs

Usage:
  promptd <command> [options]

Commands:
  serve    Start the server (API + scheduler + janitor)
  user     Manage service accounts (add, rm, passwd)

Options:
  -config string   Path to config file (default "config.yaml")

Examples:
  promptd serve -config config.yaml
  promptd user add -config config.yaml -name alice`)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	for _, dir := range []string{cfg.DataDir, cfg.WorkspaceRoot, cfg.ReposRoot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("failed to create %s: %v", dir, err)
		}
	}

	secret := cfg.TokenSecret()
	if secret == "" {
		// config.Load only lets this through in insecure dev mode. Tokens
		// stop working across restarts with a random secret.
		secret = randomSecret()
		log.Printf("WARNING: no token secret configured, using a random per-process secret (dev mode)")
	}
	issuer, err := token.NewIssuer([]byte(secret), cfg.Auth.TokenLifetime)
	if err != nil {
		log.Fatalf("failed to create token issuer: %v", err)
	}

	authn := auth.New(cfg.Auth.PasswdPath, cfg.Auth.ShadowPath)

	reg, err := registry.New(cfg.ReposRoot, cfg.Assistant.IndexerCommand)
	if err != nil {
		log.Fatalf("failed to open repo registry: %v", err)
	}

	st := store.New(cfg.WorkspaceRoot)
	recovered, err := st.LoadAll()
	if err != nil {
		log.Fatalf("failed to recover job state: %v", err)
	}
	if len(recovered) > 0 {
		log.Printf("recovered %d persisted jobs", len(recovered))
	}

	br := broker.New(st)
	locator := session.NewLocator(cfg.Assistant.SessionRoot)
	exec := executor.New(cfg.Assistant.Command, cfg.Assistant.Args, locator)
	ws := workspace.NewManager(cfg.WorkspaceRoot)

	sched := scheduler.New(scheduler.Config{
		MaxConcurrent:  cfg.Scheduler.MaxConcurrent,
		DefaultTimeout: cfg.Scheduler.JobTimeout,
		CancelGrace:    cfg.Scheduler.CancelGrace,
		DrainTimeout:   cfg.Scheduler.DrainTimeout,
	}, st, ws, exec, reg, br, recovered)
	reg.SetJobRefChecker(sched.HasActiveJobs)

	jan := janitor.New(cfg.WorkspaceRoot, cfg.Janitor.UploadRetention, sched)
	if err := jan.Start(cfg.Janitor.Interval); err != nil {
		log.Fatalf("failed to start janitor: %v", err)
	}

	srv := api.New(cfg, authn, issuer, sched, reg, br)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Starting promptd server on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.DrainTimeout+10*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
	if err := sched.Shutdown(ctx); err != nil {
		log.Printf("scheduler shutdown: %v", err)
	}
	jan.Stop()
	reg.Wait()
}

func runUser(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: promptd user <add|rm|passwd> [options]")
		os.Exit(1)
	}
	sub := args[0]

	fs := flag.NewFlagSet("user "+sub, flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	name := fs.String("name", "", "username")
	uid := fs.Int("uid", 1000, "numeric user id (add only)")
	gid := fs.Int("gid", 1000, "numeric group id (add only)")
	home := fs.String("home", "", "home directory (add only)")
	shell := fs.String("shell", "/bin/sh", "login shell (add only)")
	fs.Parse(args[1:])

	if *name == "" {
		log.Fatalf("-name is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	authn := auth.New(cfg.Auth.PasswdPath, cfg.Auth.ShadowPath)

	switch sub {
	case "add":
		h := *home
		if h == "" {
			h = "/home/" + *name
		}
		password := promptPassword()
		if err := authn.AddUser(*name, password, *uid, *gid, h, *shell); err != nil {
			log.Fatalf("add user: %v", err)
		}
		fmt.Printf("user %s added\n", *name)
	case "rm":
		if err := authn.RemoveUser(*name); err != nil {
			log.Fatalf("remove user: %v", err)
		}
		fmt.Printf("user %s removed\n", *name)
	case "passwd":
		password := promptPassword()
		if err := authn.UpdatePassword(*name, password); err != nil {
			log.Fatalf("update password: %v", err)
		}
		fmt.Printf("password for %s updated\n", *name)
	default:
		fmt.Fprintf(os.Stderr, "Unknown user command: %s\n", sub)
		os.Exit(1)
	}
}

func promptPassword() string {
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		log.Fatalf("read password: %v", err)
	}
	if len(pw) == 0 {
		log.Fatalf("password must not be empty")
	}
	return string(pw)
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("generate secret: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
