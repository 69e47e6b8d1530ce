package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/accordhq/accord/internal/api"
	"github.com/accordhq/accord/internal/conflict"
	"github.com/accordhq/accord/internal/conversation"
	"github.com/accordhq/accord/internal/daemon"
	"github.com/accordhq/accord/internal/guidance"
	"github.com/accordhq/accord/internal/queue"
)

var serveForeground bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and guidance workers",
	Long: `Run the accord HTTP API together with the guidance job queue workers.

Without a subcommand the server runs in the foreground until interrupted.
Use 'serve start' / 'serve stop' / 'serve status' to manage a background
instance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveForeground {
			return serveRun(cmd.Context())
		}
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides listen_addr)")
	_ = viper.BindPFlag("listen_addr", serveCmd.Flags().Lookup("addr"))

	serveStartCmd.Flags().BoolVar(&serveForeground, "foreground", false, "Run in the foreground (used internally by daemonization)")
	_ = serveStartCmd.Flags().MarkHidden("foreground")

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "accord-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "accord-serve.log")
}

// serveRun runs the full stack in the foreground: store, conversation
// service, dispatcher, queue workers, and the HTTP API. It blocks until
// a shutdown signal arrives, then stops the workers and drains the
// HTTP server.
func serveRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := getStore()
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	svc := conversation.NewService(s, nil)
	machine := conflict.NewMachine(s, svc)

	var orch *guidance.Orchestrator
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey != "" {
		completer := guidance.NewAnthropicCompleter(apiKey, viper.GetString("anthropic.model"))
		orch = guidance.NewOrchestrator(s, svc, completer, logger)
	} else {
		ui.Warning("No Anthropic API key configured; guidance synthesis is disabled")
	}

	cfg := queue.DefaultConfig()
	cfg.Workers = viper.GetInt("queue.workers")
	cfg.MaxAttempts = viper.GetInt("queue.max_attempts")

	q := queue.New(s, orch, cfg, logger)
	if orch != nil {
		svc.Subscribe(guidance.NewDispatcher(s, q, logger).HandleSessionFinalized)
		q.Start(ctx)
		defer q.Stop()
	}

	server := api.NewServer(s, machine, svc, orch, q)
	addr := viper.GetString("listen_addr")
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, shutdownSignals()...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// serveStartRun daemonizes: re-execs this binary with 'serve start
// --foreground', redirects output to the log file, and records the PID.
func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	logPath := serveLogPath()
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, "serve", "start", "--foreground")
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if err := pf.WritePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}

	ui.Success("Server started (pid %d), logging to %s", child.Process.Pid, logPath)
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		_ = pf.Remove()
		return fmt.Errorf("server is not running")
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	// Give the process a few seconds to exit cleanly before escalating.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, alive := pf.IsRunning(); !alive {
			_ = pf.Remove()
			ui.Success("Server stopped (pid %d)", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = pf.Signal(sigKILL())
	_ = pf.Remove()
	ui.Warning("Server killed after timeout (pid %d)", pid)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		ui.Info("Server running (pid %d)", pid)
	} else {
		ui.Info("Server not running")
	}
	return nil
}
