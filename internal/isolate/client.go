// Package isolate is the client library an end-user program embeds to run
// machines: it discovers or spawns an agent, mints the session
// credential set, drives the CreateMachine/RunMachine handshake, and hands
// back a RemoteMachine whose RunUntilFinished blocks until the machine
// reaches a terminal state.
package isolate

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"

	"github.com/zuri-project/zuri/internal/agentsvc"
	"github.com/zuri-project/zuri/internal/pki"
	"github.com/zuri-project/zuri/internal/zstatus"
	"github.com/zuri-project/zuri/internal/zuripb"
)

// DiscoveryPolicy selects how Initialize finds its agent.
type DiscoveryPolicy int

const (
	// UseSpecifiedEndpoint connects to Options.AgentEndpoint and fails if
	// it is unreachable.
	UseSpecifiedEndpoint DiscoveryPolicy = iota
	// SpawnIfMissing attempts UseSpecifiedEndpoint and, on connection
	// refusal, falls through to AlwaysSpawn.
	SpawnIfMissing
	// AlwaysSpawn mints a fresh session and starts its own agent.
	AlwaysSpawn
)

func (p DiscoveryPolicy) String() string {
	switch p {
	case UseSpecifiedEndpoint:
		return "UseSpecifiedEndpoint"
	case SpawnIfMissing:
		return "SpawnIfMissing"
	case AlwaysSpawn:
		return "AlwaysSpawn"
	default:
		return "Unknown"
	}
}

const (
	// DefaultSocketTimeout bounds how long Initialize waits for a spawned
	// agent's listening socket to appear.
	DefaultSocketTimeout = 3 * time.Second
	// DefaultRegistrationTimeout bounds the whole agent spawn-and-connect
	// sequence.
	DefaultRegistrationTimeout = 15 * time.Second
	// DefaultSessionValidity is the lifetime of the session CA and the
	// agent/isolate identities signed by it.
	DefaultSessionValidity = 24 * time.Hour
)

// Options configures a Client.
type Options struct {
	// AgentEndpoint is a unix://<path> endpoint of an already-running
	// agent, consulted by UseSpecifiedEndpoint and SpawnIfMissing.
	AgentEndpoint string
	Policy        DiscoveryPolicy

	// AgentExecutable is the zuri-agent binary AlwaysSpawn starts. Empty
	// means "zuri-agent next to the current executable, else from PATH".
	AgentExecutable string

	// RunDirBase is the directory session run directories are created
	// under. Empty derives a per-uid default.
	RunDirBase  string
	SessionName string

	SessionValidity     time.Duration
	CertificateValidity time.Duration
	SocketTimeout       time.Duration
	RegistrationTimeout time.Duration

	Logger *zap.Logger
}

// DefaultRunDirBase returns the well-known per-uid base directory for
// session run directories: $XDG_RUNTIME_DIR/zuri when XDG_RUNTIME_DIR is
// set (non-empty), else a uid-suffixed directory under the system temp dir.
func DefaultRunDirBase() string {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, "zuri")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("zuri-%d", os.Getuid()))
}

// Client is the isolate client. Construct with New, then Initialize before
// Spawn; Shutdown when done.
type Client struct {
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	initialized bool
	spawnedHere bool
	sessionID   string
	runDir      *agentsvc.RunDirectory
	ca          *pki.KeyPair
	identity    *pki.KeyPair
	trust       *x509.CertPool
	conn        *grpc.ClientConn
	invoke      zuripb.InvokeServiceClient
}

// New constructs an uninitialized Client.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SessionValidity <= 0 {
		opts.SessionValidity = DefaultSessionValidity
	}
	if opts.CertificateValidity <= 0 {
		opts.CertificateValidity = pki.DefaultCertificateValidity
	}
	if opts.SocketTimeout <= 0 {
		opts.SocketTimeout = DefaultSocketTimeout
	}
	if opts.RegistrationTimeout <= 0 {
		opts.RegistrationTimeout = DefaultRegistrationTimeout
	}
	if opts.RunDirBase == "" {
		opts.RunDirBase = DefaultRunDirBase()
	}
	return &Client{opts: opts, logger: opts.Logger.Named("isolate")}
}

// SessionID returns the session's common name once Initialize has run.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Initialize applies the discovery policy and leaves the client connected
// to an agent, ready to Spawn. Calling it twice fails.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return zstatus.InvalidState("isolate client already initialized")
	}
	c.mu.Unlock()

	var err error
	switch c.opts.Policy {
	case UseSpecifiedEndpoint:
		err = c.connectExisting(ctx)
	case SpawnIfMissing:
		if c.opts.AgentEndpoint == "" {
			err = c.spawnAgent(ctx)
			break
		}
		err = c.connectExisting(ctx)
		if s, ok := zstatus.Of(err); ok && s.Namespace == zstatus.NamespaceTransport {
			c.logger.Info("agent endpoint unreachable, spawning our own",
				zap.String("endpoint", c.opts.AgentEndpoint), zap.Error(err))
			err = c.spawnAgent(ctx)
		}
	case AlwaysSpawn:
		err = c.spawnAgent(ctx)
	default:
		err = zstatus.InvalidConfiguration(fmt.Sprintf("unknown discovery policy %d", c.opts.Policy), nil)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

// connectExisting loads the session credentials out of the run directory
// the endpoint's socket lives in, mints a fresh isolate identity under the
// session CA, and dials the agent.
func (c *Client) connectExisting(ctx context.Context) error {
	if c.opts.AgentEndpoint == "" {
		return zstatus.InvalidConfiguration("agent endpoint is required by this discovery policy", nil)
	}
	socketPath, ok := strings.CutPrefix(c.opts.AgentEndpoint, "unix://")
	if !ok {
		return zstatus.InvalidConfiguration(fmt.Sprintf("unsupported agent endpoint %q", c.opts.AgentEndpoint), nil)
	}

	if err := probeUnixSocket(socketPath, c.opts.SocketTimeout); err != nil {
		return zstatus.Unreachable(fmt.Sprintf("agent endpoint %s", c.opts.AgentEndpoint), err)
	}

	runDirPath := filepath.Dir(socketPath)
	runDir, err := agentsvc.OpenRunDirectory(runDirPath)
	if err != nil {
		return err
	}

	sidBytes, err := os.ReadFile(runDir.SIDPath())
	if err != nil {
		return zstatus.InvalidConfiguration(fmt.Sprintf("run directory %s has no sid file", runDirPath), err)
	}
	sessionID := strings.TrimSpace(string(sidBytes))

	ca, err := pki.LoadCABundle(runDir.CABundlePath(), runDir.CAKeyPath())
	if err != nil {
		return zstatus.InvalidConfiguration(fmt.Sprintf("run directory %s has no usable session CA", runDirPath), err)
	}

	return c.finishSession(ctx, sessionID, runDir, ca, false)
}

// spawnAgent mints a session CA, generates the agent keypair signed by it,
// creates the run directory, starts the agent binary with --background, and
// polls for its listening socket.
func (c *Client) spawnAgent(ctx context.Context) error {
	sessionID := c.opts.SessionName
	if sessionID == "" {
		sessionID = "session-" + uuid.New().String()
	}

	runDir, err := agentsvc.OpenRunDirectory(filepath.Join(c.opts.RunDirBase, sessionID))
	if err != nil {
		return err
	}

	ca, err := pki.GenerateCA(sessionID, c.opts.SessionValidity)
	if err != nil {
		return err
	}
	agentCN := pki.AgentCommonName(sessionID)
	agentKP, err := pki.IssueKeyPair(ca, agentCN, c.opts.SessionValidity, []string{agentCN})
	if err != nil {
		return err
	}

	if err := runDir.WriteSID(sessionID); err != nil {
		return err
	}
	for _, f := range []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{"ca.pem", ca.CertPEM, 0o600},
		{"ca.key", ca.KeyPEM, 0o600},
		{"agent.pem", agentKP.CertPEM, 0o600},
		{"agent.key", agentKP.KeyPEM, 0o600},
		{"root-ca-bundle.pem", ca.CertPEM, 0o600},
	} {
		if err := runDir.WriteFile(f.name, f.data, f.perm); err != nil {
			return err
		}
	}

	exe, err := c.agentExecutable()
	if err != nil {
		return err
	}

	cmd := exec.Command(exe,
		"--agent-name", sessionID,
		"--listen-transport", "unix",
		"--background",
		"--certificate", runDir.AgentCertPath(),
		"--private-key", runDir.AgentKeyPath(),
		"--ca-bundle", runDir.RootCABundlePath(),
		"--run-dir", runDir.Path,
		"--temporary-session",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return zstatus.Unreachable(
			fmt.Sprintf("starting agent %s failed: %s", exe, strings.TrimSpace(string(out))), err)
	}

	deadline := time.Now().Add(c.opts.SocketTimeout)
	for {
		if _, err := os.Stat(runDir.SocketPath()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			return zstatus.New(zstatus.NamespaceTransport, zstatus.CodeTimeout,
				fmt.Sprintf("agent socket %s never appeared", runDir.SocketPath()), nil)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}

	c.mu.Lock()
	c.spawnedHere = true
	c.mu.Unlock()

	return c.finishSession(ctx, sessionID, runDir, ca, true)
}

// finishSession mints the isolate's own identity under the session CA and
// dials the agent's socket with mutual TLS, waiting for the connection to
// become ready within the registration timeout.
func (c *Client) finishSession(ctx context.Context, sessionID string, runDir *agentsvc.RunDirectory, ca *pki.KeyPair, spawned bool) error {
	isoCN := pki.IsolateCommonName(sessionID)
	identity, err := pki.IssueKeyPair(ca, isoCN, c.opts.SessionValidity, []string{isoCN})
	if err != nil {
		return err
	}
	trust, err := pki.TrustPool(ca.CertPEM)
	if err != nil {
		return err
	}

	tlsCfg, err := pki.ClientTLSConfig(identity, trust, pki.AgentCommonName(sessionID))
	if err != nil {
		return err
	}
	conn, err := grpc.NewClient("unix://"+runDir.SocketPath(),
		grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	if err != nil {
		return zstatus.Unreachable("dialing agent socket", err)
	}

	if err := waitReady(ctx, conn, c.opts.RegistrationTimeout); err != nil {
		conn.Close()
		return zstatus.Unreachable("agent connection never became ready", err)
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.runDir = runDir
	c.ca = ca
	c.identity = identity
	c.trust = trust
	c.conn = conn
	c.invoke = zuripb.NewInvokeServiceClient(conn)
	c.mu.Unlock()

	c.logger.Info("session established",
		zap.String("session_id", sessionID),
		zap.String("run_dir", runDir.Path),
		zap.Bool("spawned_agent", spawned))
	return nil
}

func (c *Client) agentExecutable() (string, error) {
	if c.opts.AgentExecutable != "" {
		return c.opts.AgentExecutable, nil
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "zuri-agent")
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	if path, err := exec.LookPath("zuri-agent"); err == nil {
		return path, nil
	}
	return "", zstatus.InvalidConfiguration("zuri-agent binary not found; set AgentExecutable", nil)
}

// Shutdown tears the session down: closes the agent connection, and — if
// this client spawned the agent — signals it to exit and removes the run
// directory. Idempotent.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	conn := c.conn
	runDir := c.runDir
	spawned := c.spawnedHere
	c.conn = nil
	c.invoke = nil
	c.initialized = false
	c.spawnedHere = false
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if !spawned || runDir == nil {
		return nil
	}

	// The backgrounded agent recorded its pid at startup; a SIGTERM lets it
	// run its own supervisor shutdown before we delete its run directory.
	if data, err := os.ReadFile(filepath.Join(runDir.Path, "agent.pid")); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid > 1 {
			syscall.Kill(pid, syscall.SIGTERM)
			waitForExit(pid, 5*time.Second)
		}
	}
	if err := os.RemoveAll(runDir.Path); err != nil {
		return fmt.Errorf("isolate: remove run directory %s: %w", runDir.Path, err)
	}
	return nil
}

func probeUnixSocket(path string, timeout time.Duration) error {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

func waitReady(ctx context.Context, conn *grpc.ClientConn, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn.Connect()
	for {
		s := conn.GetState()
		if s == connectivity.Ready {
			return nil
		}
		if !conn.WaitForStateChange(ctx, s) {
			return ctx.Err()
		}
	}
}

func waitForExit(pid int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		// Signal 0 probes for existence without delivering anything.
		if err := syscall.Kill(pid, 0); err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// marshalConfig serializes a spawn's configuration map the way the wire
// expects it: deterministic JSON.
func marshalConfig(config map[string]string) ([]byte, error) {
	if config == nil {
		config = map[string]string{}
	}
	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("isolate: marshal config: %w", err)
	}
	return data, nil
}

// ParseConfig reverses marshalConfig, used by workers and tests.
func ParseConfig(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("isolate: parse config: %w", err)
	}
	return m, nil
}
