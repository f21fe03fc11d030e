// Package main is the entry point for zuri-run, the demo CLI that drives
// the isolate client end to end: create a session, spawn a machine for the
// given execution URI, run it until it finishes, and print the exit status.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zuri-project/zuri/internal/isolate"
	"github.com/zuri-project/zuri/internal/zlog"
	"github.com/zuri-project/zuri/internal/zuripb"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	agentEndpoint   string
	policy          string
	agentExecutable string
	name            string
	configPairs     []string
	ports           []string
	startSuspended  bool
	timeout         time.Duration
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
		Use:          "zuri-run <execution-uri>",
		Short:        "Run one zuri machine to completion",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, args[0])
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("zuri-run %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	root.PersistentFlags().StringVar(&cfg.agentEndpoint, "agent-endpoint", envOrDefault("ZURI_AGENT_ENDPOINT", ""), "unix://<path> endpoint of a running agent")
	root.PersistentFlags().StringVar(&cfg.policy, "policy", envOrDefault("ZURI_DISCOVERY_POLICY", "spawn-if-missing"), "Agent discovery policy (use-endpoint, spawn-if-missing, always-spawn)")
	root.PersistentFlags().StringVar(&cfg.agentExecutable, "agent-executable", envOrDefault("ZURI_AGENT_EXECUTABLE", ""), "zuri-agent binary to spawn when needed")
	root.PersistentFlags().StringVar(&cfg.name, "name", "zuri-run", "Machine name")
	root.PersistentFlags().StringArrayVar(&cfg.configPairs, "config", nil, "Machine configuration entry, key=value (repeatable)")
	root.PersistentFlags().StringArrayVar(&cfg.ports, "port", nil, "Protocol URL to open a bidirectional streaming port for (repeatable)")
	root.PersistentFlags().BoolVar(&cfg.startSuspended, "start-suspended", false, "Hold the machine until every port stream is attached")
	root.PersistentFlags().DurationVar(&cfg.timeout, "timeout", 0, "Abort the run after this long (0 = no limit)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ZURI_LOG_LEVEL", "warn"), "Log level (debug, info, warn, error)")

	return root
}

func run(ctx context.Context, cfg *config, executionURI string) error {
	logger, err := zlog.Build(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	policy, err := parsePolicy(cfg.policy)
	if err != nil {
		return err
	}

	configMap := make(map[string]string, len(cfg.configPairs))
	for _, pair := range cfg.configPairs {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return fmt.Errorf("invalid --config entry %q (want key=value)", pair)
		}
		configMap[key] = value
	}

	ports := make([]zuripb.RequestedPort, 0, len(cfg.ports))
	for _, url := range cfg.ports {
		ports = append(ports, zuripb.RequestedPort{
			ProtocolURI:   url,
			PortType:      zuripb.PortTypeStreaming,
			PortDirection: zuripb.PortDirectionBiDirectional,
		})
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if cfg.timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, cfg.timeout)
		defer timeoutCancel()
	}

	client := isolate.New(isolate.Options{
		AgentEndpoint:   cfg.agentEndpoint,
		Policy:          policy,
		AgentExecutable: cfg.agentExecutable,
		Logger:          logger,
	})
	if err := client.Initialize(ctx); err != nil {
		return err
	}
	defer client.Shutdown()

	machine, err := client.Spawn(ctx, cfg.name, executionURI, configMap, ports, cfg.startSuspended)
	if err != nil {
		return err
	}
	defer machine.Close()

	exit, err := machine.RunUntilFinished(func(state zuripb.MachineState) {
		logger.Info("machine state", zap.String("state", state.String()))
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s: %s (status %d)\n", machine.URL(), exit.State, exit.StatusCode)
	if exit.State != zuripb.MachineStateCompleted {
		os.Exit(int(exit.StatusCode))
	}
	return nil
}

func parsePolicy(s string) (isolate.DiscoveryPolicy, error) {
	switch s {
	case "use-endpoint":
		return isolate.UseSpecifiedEndpoint, nil
	case "spawn-if-missing":
		return isolate.SpawnIfMissing, nil
	case "always-spawn":
		return isolate.AlwaysSpawn, nil
	default:
		return 0, fmt.Errorf("unknown discovery policy %q (want use-endpoint, spawn-if-missing or always-spawn)", s)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
