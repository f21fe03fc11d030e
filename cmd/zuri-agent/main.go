// Package main is the entry point for the zuri-agent binary: the long-lived
// per-user daemon that supervises worker processes and serves InvokeService
// to isolate clients.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Optionally re-exec into the background and return
//  3. Build logger, acquire the run directory lock, record our pid
//  4. Load the agent keypair and session CA bundle, build mTLS credentials
//  5. Optionally connect to Docker (non-fatal if unavailable)
//  6. Start the machine supervisor, InvokeService, and operational mux
//  7. Block until SIGINT/SIGTERM or the idle timeout, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/zuri-project/zuri/internal/agentsvc"
	"github.com/zuri-project/zuri/internal/pki"
	"github.com/zuri-project/zuri/internal/zlog"
	"github.com/zuri-project/zuri/internal/zuripb"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	agentName        string
	listenTransport  string
	listenAddress    string
	runDir           string
	background       bool
	certificate      string
	privateKey       string
	caBundle         string
	idleTimeout      time.Duration
	temporarySession bool
	workerExecutable string
	dockerSocket     string
	metricsListen    string
	logLevel         string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "zuri-agent",
		Short: "Zuri agent — supervises sandboxed machine workers",
		Long: `Zuri agent is the long-lived per-user daemon of the zuri execution
platform. Isolate clients connect to it over mutually-authenticated gRPC to
create machines; the agent spawns one worker process per machine, pipes its
standard streams into structured logs, and reaps it on exit.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			suspendOnStartup()
			if cfg.background {
				return daemonize()
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.agentName, "agent-name", envOrDefault("ZURI_AGENT_NAME", "zuri-agent"), "Agent name, recorded as the session common name")
	root.PersistentFlags().StringVar(&cfg.listenTransport, "listen-transport", envOrDefault("ZURI_LISTEN_TRANSPORT", "unix"), "Listening transport (unix or tcp4)")
	root.PersistentFlags().StringVar(&cfg.listenAddress, "listen-address", envOrDefault("ZURI_LISTEN_ADDRESS", "127.0.0.1:9777"), "Listen address for the tcp4 transport")
	root.PersistentFlags().StringVar(&cfg.runDir, "run-dir", envOrDefault("ZURI_RUN_DIR", ""), "Session run directory (default: derived from the current uid)")
	root.PersistentFlags().BoolVar(&cfg.background, "background", false, "Detach from the terminal and run as a daemon")
	root.PersistentFlags().StringVar(&cfg.certificate, "certificate", envOrDefault("ZURI_CERTIFICATE", ""), "Agent mTLS certificate path")
	root.PersistentFlags().StringVar(&cfg.privateKey, "private-key", envOrDefault("ZURI_PRIVATE_KEY", ""), "Agent mTLS private key path")
	root.PersistentFlags().StringVar(&cfg.caBundle, "ca-bundle", envOrDefault("ZURI_CA_BUNDLE", ""), "Root CA bundle path (the session CA)")
	root.PersistentFlags().DurationVar(&cfg.idleTimeout, "idle-timeout", 0, "Exit after this long with no machines running (0 = never)")
	root.PersistentFlags().BoolVar(&cfg.temporarySession, "temporary-session", false, "Remove the run directory on exit")
	root.PersistentFlags().StringVar(&cfg.workerExecutable, "worker-executable", envOrDefault("ZURI_WORKER_EXECUTABLE", ""), "zuri-machine binary to spawn per machine (default: next to this binary)")
	root.PersistentFlags().StringVar(&cfg.dockerSocket, "docker-socket", envOrDefault("ZURI_DOCKER_SOCKET", ""), "Docker socket path for the docker:// spawn backend (empty = platform default)")
	root.PersistentFlags().StringVar(&cfg.metricsListen, "metrics-listen", envOrDefault("ZURI_METRICS_LISTEN", ""), "Loopback address for /healthz and /metrics (empty = disabled)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ZURI_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("zuri-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// suspendOnStartup raises SIGSTOP on the current process when
// SUSPEND_ON_STARTUP=1, so a debugger can attach before anything happens.
func suspendOnStartup() {
	if os.Getenv("SUSPEND_ON_STARTUP") == "1" {
		syscall.Kill(os.Getpid(), syscall.SIGSTOP)
	}
}

// daemonize re-execs this binary without --background, detached from the
// controlling terminal, and returns so the parent can exit.
func daemonize() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot resolve own executable: %w", err)
	}

	args := make([]string, 0, len(os.Args)-1)
	for _, a := range os.Args[1:] {
		if a == "--background" || a == "--background=true" {
			continue
		}
		args = append(args, a)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	cmd := exec.Command(self, args...)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start background agent: %w", err)
	}
	return cmd.Process.Release()
}

func run(ctx context.Context, cfg *config) error {
	logger, err := zlog.Build(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.certificate == "" || cfg.privateKey == "" || cfg.caBundle == "" {
		return fmt.Errorf("--certificate, --private-key and --ca-bundle are required")
	}

	runDirPath := cfg.runDir
	if runDirPath == "" {
		runDirPath = filepath.Join(os.TempDir(), fmt.Sprintf("zuri-%d", os.Getuid()), cfg.agentName)
	}
	runDir, err := agentsvc.CreateRunDirectory(runDirPath)
	if err != nil {
		return err
	}
	if cfg.temporarySession {
		defer runDir.Remove()
	}

	if err := runDir.WriteFile("agent.pid", []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		return err
	}

	logger.Info("starting zuri agent",
		zap.String("version", version),
		zap.String("agent_name", cfg.agentName),
		zap.String("run_dir", runDir.Path),
		zap.String("listen_transport", cfg.listenTransport),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	identity, err := pki.LoadKeyPair(cfg.certificate, cfg.privateKey)
	if err != nil {
		return err
	}
	caBundle, err := os.ReadFile(cfg.caBundle)
	if err != nil {
		return fmt.Errorf("failed to read ca bundle %s: %w", cfg.caBundle, err)
	}
	trust, err := pki.TrustPool(caBundle)
	if err != nil {
		return err
	}
	tlsCfg, err := pki.ServerTLSConfig(identity, trust)
	if err != nil {
		return err
	}

	var listener net.Listener
	switch cfg.listenTransport {
	case "unix":
		os.Remove(runDir.SocketPath())
		listener, err = net.Listen("unix", runDir.SocketPath())
	case "tcp4":
		listener, err = net.Listen("tcp4", cfg.listenAddress)
	default:
		return fmt.Errorf("unsupported listen transport %q (want unix or tcp4)", cfg.listenTransport)
	}
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	// Docker is best-effort: without a reachable daemon, docker:// spawns
	// fail but ordinary forks still work.
	var docker *agentsvc.DockerInvoker
	if d, err := agentsvc.NewDockerInvoker(ctx, cfg.dockerSocket, logger); err == nil {
		docker = d
		defer docker.Close()
		logger.Info("docker spawn backend available")
	} else {
		logger.Info("docker spawn backend unavailable", zap.Error(err))
	}

	supervisor := agentsvc.NewSupervisor(logger, docker)
	if err := supervisor.Initialize(); err != nil {
		return err
	}

	workerExe := cfg.workerExecutable
	if workerExe == "" {
		if self, err := os.Executable(); err == nil {
			workerExe = filepath.Join(filepath.Dir(self), "zuri-machine")
		}
	}

	invokeServer := agentsvc.NewInvokeServer(logger, supervisor, runDir, workerExe, cfg.caBundle)

	grpcServer := grpc.NewServer(grpc.Creds(credentials.NewTLS(tlsCfg)))
	zuripb.RegisterInvokeServiceServer(grpcServer, invokeServer)

	// Keep the exit metrics and active gauge current from the supervisor's
	// own event feed.
	go func() {
		events := supervisor.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				agentsvc.RecordExit(ev.Signal != 0)
				agentsvc.SetActive(supervisor.Active())
			}
		}
	}()

	if cfg.metricsListen != "" {
		metricsSrv := &http.Server{Addr: cfg.metricsListen, Handler: agentsvc.NewOperationalMux()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("operational mux stopped", zap.Error(err))
			}
		}()
		defer metricsSrv.Close()
		go agentsvc.SampleHost(ctx, 15*time.Second, logger)
	}

	if cfg.idleTimeout > 0 {
		go watchIdle(ctx, cancel, supervisor, cfg.idleTimeout, logger)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- grpcServer.Serve(listener) }()

	logger.Info("agent listening", zap.String("address", listener.Addr().String()))

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("grpc server failed: %w", err)
		}
	}

	logger.Info("shutting down")
	grpcServer.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := supervisor.Shutdown(shutdownCtx, 5*time.Second); err != nil {
		logger.Warn("supervisor shutdown incomplete", zap.Error(err))
	}

	return nil
}

// watchIdle cancels the agent once no machine has been active for timeout.
func watchIdle(ctx context.Context, cancel context.CancelFunc, supervisor *agentsvc.Supervisor, timeout time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastActive := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if supervisor.Active() > 0 {
				lastActive = time.Now()
				continue
			}
			if time.Since(lastActive) >= timeout {
				logger.Info("idle timeout reached, exiting", zap.Duration("idle_timeout", timeout))
				cancel()
				return
			}
		}
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
