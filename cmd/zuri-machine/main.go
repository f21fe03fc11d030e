// Package main is the entry point for the zuri-machine binary: the worker
// process the agent spawns to host exactly one machine. It rendezvouses
// with the agent through the handshake directory, then serves
// RemotingService over mTLS until its runner reaches a terminal state.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zuri-project/zuri/internal/agentsvc"
	"github.com/zuri-project/zuri/internal/interpreter"
	"github.com/zuri-project/zuri/internal/port"
	"github.com/zuri-project/zuri/internal/remoting"
	"github.com/zuri-project/zuri/internal/zlog"
	"github.com/zuri-project/zuri/internal/zuripb"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	machineURL      string
	controlEndpoint string
	handshakeDir    string
	executionURI    string
	caBundle        string
	configBase64    string
	ports           []string
	startSuspended  bool
	certTimeout     time.Duration
	logLevel        string
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
		Use:          "zuri-machine",
		Short:        "Zuri machine worker — hosts one sandboxed machine",
		Long:         `Zuri machine is the short-lived worker process the zuri agent spawns per machine. It is not meant to be started by hand.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if os.Getenv("SUSPEND_ON_STARTUP") == "1" {
				syscall.Kill(os.Getpid(), syscall.SIGSTOP)
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("zuri-machine %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	root.PersistentFlags().StringVar(&cfg.machineURL, "machine-url", "", "URL identifying this machine")
	root.PersistentFlags().StringVar(&cfg.controlEndpoint, "control-endpoint", "", "Endpoint URI to serve the control surface on")
	root.PersistentFlags().StringVar(&cfg.handshakeDir, "handshake-dir", "", "Directory for the CSR/certificate rendezvous with the agent")
	root.PersistentFlags().StringVar(&cfg.executionURI, "execution-uri", "", "Program location to execute")
	root.PersistentFlags().StringVar(&cfg.caBundle, "ca-bundle", "", "Root CA bundle path (the session CA)")
	root.PersistentFlags().StringVar(&cfg.configBase64, "config-base64", "", "Base64-encoded serialized machine configuration")
	root.PersistentFlags().StringArrayVar(&cfg.ports, "port", nil, "Declared port directive: <protocol-uri>|<endpoint-uri>|<type>|<direction>")
	root.PersistentFlags().BoolVar(&cfg.startSuspended, "start-suspended", false, "Withhold the initial resume until every port stream is attached")
	root.PersistentFlags().DurationVar(&cfg.certTimeout, "cert-timeout", remoting.DefaultCertTimeout, "How long to wait for signed certificates")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ZURI_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func run(ctx context.Context, cfg *config) error {
	logger, err := zlog.Build(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.machineURL == "" || cfg.controlEndpoint == "" || cfg.handshakeDir == "" || cfg.caBundle == "" {
		return fmt.Errorf("--machine-url, --control-endpoint, --handshake-dir and --ca-bundle are required")
	}

	machineConfig, err := base64.StdEncoding.DecodeString(cfg.configBase64)
	if err != nil {
		return fmt.Errorf("invalid --config-base64: %w", err)
	}

	specs := make([]remoting.PortSpec, 0, len(cfg.ports))
	for _, directive := range cfg.ports {
		protocolURI, endpointURI, portType, direction, err := agentsvc.ParsePortDirective(directive)
		if err != nil {
			return err
		}
		specs = append(specs, remoting.PortSpec{
			ProtocolURI: protocolURI,
			EndpointURI: endpointURI,
			Type:        portType,
			Direction:   direction,
		})
	}

	logger.Info("starting zuri machine worker",
		zap.String("version", version),
		zap.String("machine_url", cfg.machineURL),
		zap.String("execution_uri", cfg.executionURI),
		zap.Int("ports", len(specs)),
		zap.Bool("start_suspended", cfg.startSuspended),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The bytecode interpreter proper is a separate subsystem; this binary
	// hosts a placeholder engine that completes trivially and, when ports
	// are declared, echoes every inbound message back until steered away.
	var worker *remoting.Worker
	engine := interpreter.Func(func(runCtx context.Context, _ interpreter.ProgramLocation) (any, error) {
		if len(specs) == 0 {
			return int64(0), nil
		}
		for _, s := range specs {
			if sock, ok := worker.Socket(s.ProtocolURI); ok {
				go echo(runCtx, sock)
			}
		}
		<-runCtx.Done()
		return nil, interpreter.ErrInterrupted
	})

	worker = remoting.NewWorker(remoting.WorkerConfig{
		MachineURL:      cfg.machineURL,
		ControlEndpoint: cfg.controlEndpoint,
		HandshakeDir:    cfg.handshakeDir,
		ExecutionURI:    cfg.executionURI,
		CABundlePath:    cfg.caBundle,
		Config:          machineConfig,
		Ports:           specs,
		StartSuspended:  cfg.startSuspended,
		CertTimeout:     cfg.certTimeout,
	}, engine, logger)

	terminal, err := worker.Run(ctx)
	if err != nil {
		return err
	}

	logger.Info("machine finished", zap.String("state", terminal.String()))
	if terminal == zuripb.MachineStateFailure {
		os.Exit(1)
	}
	return nil
}

// echo forwards every inbound port message straight back out until runCtx
// is cancelled.
func echo(runCtx context.Context, sock *port.Socket) {
	for {
		if msg, ok := sock.TryRecv(); ok {
			if err := sock.Send(msg); err != nil {
				return
			}
			continue
		}
		select {
		case <-runCtx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
