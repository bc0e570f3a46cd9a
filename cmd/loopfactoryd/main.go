// LoopFactory supervisor daemon.
// Schedules heartbeats for a fleet of loop-CLI agents and serves the
// management API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jaakkos/loopfactory/internal/analytics"
	"github.com/jaakkos/loopfactory/internal/api"
	"github.com/jaakkos/loopfactory/internal/config"
	"github.com/jaakkos/loopfactory/internal/monitor"
	"github.com/jaakkos/loopfactory/internal/profile"
	"github.com/jaakkos/loopfactory/internal/resource"
	"github.com/jaakkos/loopfactory/internal/runner"
	"github.com/jaakkos/loopfactory/internal/schedule"
	"github.com/jaakkos/loopfactory/internal/scheduler"
	"github.com/jaakkos/loopfactory/internal/store"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	configPath := flag.String("config", "config/system.yaml", "path to the YAML config file")
	dbPath := flag.String("db", "data/factory.db", "path to the SQLite database")
	agentsDir := flag.String("agents-dir", "agents", "directory holding agent workspaces")
	listen := flag.String("listen", "", "HTTP listen address (default :<dashboard.api_port>)")
	logFile := flag.String("log", "", "optional log file (logs also go to stderr)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("loopfactoryd " + Version)
		return
	}

	logger := setupLogger(*logFile)
	logger.Printf("Starting loopfactoryd %s", Version)

	cfgMgr, err := config.NewManager(*configPath, logger)
	if err != nil {
		logger.Fatalf("Config: %v", err)
	}
	logger.Printf("Config: %s", cfgMgr.Path())

	st, err := store.Open(*dbPath, logger)
	if err != nil {
		logger.Fatalf("Store: %v", err)
	}
	logger.Printf("Store: %s", *dbPath)

	if err := os.MkdirAll(*agentsDir, 0o755); err != nil {
		logger.Fatalf("Agents dir: %v", err)
	}

	resMonitor := resource.NewMonitor(cfgMgr.Current, logger)
	resController := resource.NewController(resMonitor)
	policy := schedule.NewPolicy(cfgMgr.Current)
	resolver := profile.NewResolver(st, logger)
	cliRunner := runner.NewRunner(*agentsDir, cfgMgr.Current, resolver, logger)
	heartbeats := runner.NewHeartbeatManager(cliRunner)

	sched := scheduler.New(st, policy, resMonitor, heartbeats, *agentsDir, logger)
	activation := monitor.NewActivationMonitor(st, cliRunner, sched, cfgMgr.Current, logger)
	activity := monitor.NewActivityMonitor(st, cliRunner, sched, cfgMgr.Current, *agentsDir, logger)
	engine := analytics.NewEngine(st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Keep running when daemonized (nohup, systemd without tty).
	signal.Ignore(syscall.SIGHUP)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	cfgMgr.Start(ctx)
	sched.Start(ctx)
	activation.Start(ctx)
	activity.Start(ctx)

	server := api.NewServer(api.Deps{
		Store:       st,
		Config:      cfgMgr,
		Usage:       resMonitor,
		Concurrency: resController,
		Runtime:     sched,
		Registrar:   cliRunner,
		Pending:     activation,
		Activity:    activity,
		Analytics:   engine,
		AgentsDir:   *agentsDir,
		Logger:      logger,
	})

	addr := *listen
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfgMgr.Current().Dashboard.APIPort)
	}
	shutdownHTTP := startHTTPServer(addr, server.Handler(), logger)

	<-ctx.Done()

	shutdownHTTP()
	activity.Stop()
	activation.Stop()
	sched.Stop()
	cfgMgr.Stop()
	if err := st.Close(); err != nil {
		logger.Printf("Warning: close store: %v", err)
	}
	logger.Println("Supervisor stopped")
}

// setupLogger writes to stderr, and additionally to logFile when one is
// given.
func setupLogger(logFile string) *log.Logger {
	writers := []io.Writer{os.Stderr}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err == nil {
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
			} else {
				fmt.Fprintf(os.Stderr, "[loopfactoryd] Warning: cannot open log file %s: %v\n", logFile, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[loopfactoryd] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFile), err)
		}
	}
	return log.New(io.MultiWriter(writers...), "[loopfactoryd] ", log.LstdFlags|log.Lshortfile)
}

// startHTTPServer serves the API in the background and returns a shutdown
// function. net.Listen supports port 0 for running multiple instances.
func startHTTPServer(addr string, handler http.Handler, logger *log.Logger) func() {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatalf("HTTP listen: %v", err)
	}
	logger.Printf("HTTP server on %s", ln.Addr())

	httpServer := &http.Server{Handler: handler}
	go func() {
		if err := httpServer.Serve(ln); err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown error: %v", err)
		}
	}
}
