package agentsvc

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zuri-project/zuri/internal/handshake"
	"github.com/zuri-project/zuri/internal/pki"
	"github.com/zuri-project/zuri/internal/zstatus"
	"github.com/zuri-project/zuri/internal/zuripb"
)

// DefaultHandshakeTimeout bounds how long CreateMachine waits for a newly
// spawned worker to publish its endpoint CSRs before giving up and killing
// the child.
const DefaultHandshakeTimeout = 10 * time.Second

// endpointRecord is what InvokeServer remembers about one requested port
// between CreateMachine and RunMachine: the endpoint's own URI and the
// synthetic common name its worker-minted CSR carries, needed to echo back
// a ServerNameOverride since a unix-domain endpoint has no real DNS name
// for the TLS handshake to verify against.
type endpointRecord struct {
	uri        string
	commonName string
}

// machineRecord is InvokeServer's bookkeeping for one CreateMachine call
// still in flight or completed, keyed by machine URL.
type machineRecord struct {
	handshakeDir string
	endpoints    []endpointRecord
}

// InvokeServer implements zuripb.InvokeServiceServer: it turns a
// CreateMachineRequest into a supervised worker process and, once the
// isolate client signs the worker's CSRs, relays the resulting
// certificates back down so the worker can start serving RemotingService.
// The agent and worker rendezvous through a per-machine handshake
// directory, since the two are separate OS processes with no RPC channel
// between them until the worker holds its certificates.
type InvokeServer struct {
	zuripb.UnimplementedInvokeServiceServer

	logger           *zap.Logger
	supervisor       *Supervisor
	runDir           *RunDirectory
	workerExecutable string
	caBundlePath     string
	handshakeTimeout time.Duration

	mu       sync.Mutex
	machines map[string]*machineRecord
}

// NewInvokeServer constructs an InvokeServer. workerExecutable is the path
// (or docker:// image reference) Supervisor.Spawn uses to start a worker
// process; caBundlePath is handed to each worker so it can verify its own
// peer's certificate chain against the session CA.
func NewInvokeServer(logger *zap.Logger, supervisor *Supervisor, runDir *RunDirectory, workerExecutable, caBundlePath string) *InvokeServer {
	return &InvokeServer{
		logger:           logger.Named("invoke_server"),
		supervisor:       supervisor,
		runDir:           runDir,
		workerExecutable: workerExecutable,
		caBundlePath:     caBundlePath,
		handshakeTimeout: DefaultHandshakeTimeout,
		machines:         make(map[string]*machineRecord),
	}
}

// CreateMachine spawns a worker for req, waits for it to publish a CSR for
// every declared port, and returns the machine's addressing information.
func (s *InvokeServer) CreateMachine(ctx context.Context, req *zuripb.CreateMachineRequest) (*zuripb.CreateMachineResult, error) {
	if req.Name == "" {
		return nil, zstatus.InvalidConfiguration("CreateMachine: name is required", nil)
	}
	if req.ExecutionURI == "" {
		return nil, zstatus.InvalidConfiguration("CreateMachine: execution_uri is required", nil)
	}

	machineID := uuid.New().String()
	machineURL := fmt.Sprintf("zuri://machine/%s", machineID)
	controlSocket := filepath.Join(s.runDir.Path, machineID+".control.sock")
	controlEndpoint := "unix://" + controlSocket

	hsDir := handshake.Dir(s.runDir.Path, machineID)
	if err := handshake.Prepare(hsDir); err != nil {
		return nil, fmt.Errorf("agentsvc: %w", err)
	}

	// The control endpoint is itself an endpoint: it gets a CSR from the
	// worker and a certificate back from the isolate client like any port.
	endpoints := make([]endpointRecord, 0, len(req.Ports)+1)
	endpoints = append(endpoints, endpointRecord{
		uri:        controlEndpoint,
		commonName: pki.ControlCommonName(machineID),
	})
	argv := []string{
		"--machine-url", machineURL,
		"--control-endpoint", controlEndpoint,
		"--handshake-dir", hsDir,
		"--execution-uri", req.ExecutionURI,
		"--ca-bundle", s.caBundlePath,
		"--config-base64", base64.StdEncoding.EncodeToString(req.Config),
	}
	if req.StartSuspended {
		argv = append(argv, "--start-suspended")
	}
	for i, p := range req.Ports {
		socketPath := filepath.Join(s.runDir.Path, fmt.Sprintf("%s-port%d.sock", machineID, i))
		uri := "unix://" + socketPath
		endpoints = append(endpoints, endpointRecord{uri: uri, commonName: pki.PortCommonName(machineID, i)})
		argv = append(argv, "--port",
			fmt.Sprintf("%s|%s|%s|%s", p.ProtocolURI, uri, portTypeString(p.PortType), portDirectionString(p.PortDirection)))
	}

	invoker := Invoker{Executable: s.workerExecutable, Argv: argv, Cwd: s.runDir.Path}

	// The worker must outlive this RPC (it waits for RunMachine's
	// certificates), so its process is not tied to the call's cancellation.
	if _, err := s.supervisor.Spawn(context.WithoutCancel(ctx), machineURL, invoker); err != nil {
		handshake.Cleanup(hsDir)
		return nil, fmt.Errorf("agentsvc: CreateMachine: %w", err)
	}

	RecordSpawn()
	SetActive(s.supervisor.Active())

	ef, err := handshake.WaitForEndpoints(hsDir, s.handshakeTimeout)
	if err != nil {
		s.supervisor.Terminate(machineURL, 0)
		return nil, zstatus.New(zstatus.NamespaceAgent, zstatus.CodeTimeout,
			fmt.Sprintf("worker for %s never published its endpoint CSRs", machineURL), err)
	}

	csrByURI := make(map[string]string, len(ef.Endpoints))
	for _, e := range ef.Endpoints {
		csrByURI[e.URI] = e.CSRPEM
	}

	result := &zuripb.CreateMachineResult{
		MachineURI:         machineURL,
		ControlEndpointURI: controlEndpoint,
		Endpoints:          make([]zuripb.EndpointDescriptor, 0, len(endpoints)),
	}
	for _, ep := range endpoints {
		result.Endpoints = append(result.Endpoints, zuripb.EndpointDescriptor{
			URI:    ep.uri,
			CsrPEM: csrByURI[ep.uri],
		})
	}

	s.mu.Lock()
	s.machines[machineURL] = &machineRecord{handshakeDir: hsDir, endpoints: endpoints}
	s.mu.Unlock()

	s.logger.Info("created machine",
		zap.String("machine_url", machineURL),
		zap.String("name", req.Name),
		zap.Int("ports", len(req.Ports)))

	return result, nil
}

// RunMachine relays the isolate client's signed certificates to the
// waiting worker and returns the ServerNameOverride for each endpoint, so
// the client dials each unix-domain endpoint with a ServerName its
// certificate will actually verify against.
func (s *InvokeServer) RunMachine(ctx context.Context, req *zuripb.RunMachineRequest) (*zuripb.RunMachineResult, error) {
	s.mu.Lock()
	rec, ok := s.machines[req.MachineURI]
	s.mu.Unlock()
	if !ok {
		return nil, zstatus.New(zstatus.NamespaceAgent, zstatus.CodeNotFound,
			fmt.Sprintf("no machine %s pending RunMachine", req.MachineURI), nil)
	}

	certs := make([]handshake.CertRecord, 0, len(req.Endpoints))
	for _, e := range req.Endpoints {
		certs = append(certs, handshake.CertRecord{URI: e.URI, CertificatePEM: e.CertificatePEM})
	}

	overrides := make([]zuripb.ServerNameOverride, 0, len(rec.endpoints))
	hsOverrides := make([]handshake.OverrideRecord, 0, len(rec.endpoints))
	for _, ep := range rec.endpoints {
		overrides = append(overrides, zuripb.ServerNameOverride{URI: ep.uri, ServerName: ep.commonName})
		hsOverrides = append(hsOverrides, handshake.OverrideRecord{URI: ep.uri, ServerName: ep.commonName})
	}

	if err := handshake.WriteCerts(rec.handshakeDir, handshake.CertsFile{Endpoints: certs, Overrides: hsOverrides}); err != nil {
		return nil, fmt.Errorf("agentsvc: RunMachine: %w", err)
	}

	s.logger.Info("ran machine", zap.String("machine_url", req.MachineURI))

	return &zuripb.RunMachineResult{Overrides: overrides}, nil
}

func portTypeString(t zuripb.PortType) string {
	if t == zuripb.PortTypeStreaming {
		return "streaming"
	}
	return "oneshot"
}

func portDirectionString(d zuripb.PortDirection) string {
	switch d {
	case zuripb.PortDirectionClient:
		return "client"
	case zuripb.PortDirectionServer:
		return "server"
	default:
		return "bidirectional"
	}
}

// ParsePortDirective parses one "--port" argv entry back into its parts,
// used by the worker binary to reconstruct its declared port set. Format:
// "<protocol-uri>|<endpoint-uri>|<type>|<direction>".
func ParsePortDirective(s string) (protocolURI, endpointURI string, portType zuripb.PortType, direction zuripb.PortDirection, err error) {
	parts := splitN(s, '|', 4)
	if len(parts) != 4 {
		return "", "", 0, 0, fmt.Errorf("agentsvc: malformed port directive %q", s)
	}
	protocolURI, endpointURI = parts[0], parts[1]
	switch parts[2] {
	case "streaming":
		portType = zuripb.PortTypeStreaming
	case "oneshot":
		portType = zuripb.PortTypeOneShot
	default:
		return "", "", 0, 0, fmt.Errorf("agentsvc: unknown port type %q", parts[2])
	}
	switch parts[3] {
	case "client":
		direction = zuripb.PortDirectionClient
	case "server":
		direction = zuripb.PortDirectionServer
	case "bidirectional":
		direction = zuripb.PortDirectionBiDirectional
	default:
		return "", "", 0, 0, fmt.Errorf("agentsvc: unknown port direction %q", parts[3])
	}
	return protocolURI, endpointURI, portType, direction, nil
}

func splitN(s string, sep byte, n int) []string {
	out := make([]string, 0, n)
	start := 0
	for i := 0; i < len(s) && len(out) < n-1; i++ {
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
