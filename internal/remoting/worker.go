package remoting

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/zuri-project/zuri/internal/handshake"
	"github.com/zuri-project/zuri/internal/interpreter"
	"github.com/zuri-project/zuri/internal/pki"
	"github.com/zuri-project/zuri/internal/port"
	"github.com/zuri-project/zuri/internal/runner"
	"github.com/zuri-project/zuri/internal/zuripb"
)

// DefaultCertTimeout bounds how long a worker waits for RunMachine's signed
// certificates to arrive through the handshake directory before giving up.
const DefaultCertTimeout = 30 * time.Second

// PortSpec is one declared port as parsed from the worker's --port argv,
// pairing the protocol URL a Communicate stream selects with the endpoint
// the stream is dialed at.
type PortSpec struct {
	ProtocolURI string
	EndpointURI string
	Type        zuripb.PortType
	Direction   zuripb.PortDirection
}

// WorkerConfig is everything the agent passes a freshly spawned worker on
// its command line.
type WorkerConfig struct {
	MachineURL      string
	ControlEndpoint string
	HandshakeDir    string
	ExecutionURI    string
	CABundlePath    string
	Config          []byte
	Ports           []PortSpec
	StartSuspended  bool
	CertTimeout     time.Duration
}

// Worker brings up one machine end to end: it mints a CSR per endpoint,
// rendezvouses with the agent through the handshake directory for the
// signed certificates, then serves RemotingService over mTLS on the control
// endpoint and every port endpoint while the runner executes.
type Worker struct {
	cfg    WorkerConfig
	interp interpreter.Interpreter
	logger *zap.Logger

	thread  *runner.Thread
	sockets map[string]*port.Socket
	service *Service
}

// NewWorker constructs a Worker for cfg driving interp. One port.Socket is
// created per declared port, keyed by protocol URI.
func NewWorker(cfg WorkerConfig, interp interpreter.Interpreter, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CertTimeout <= 0 {
		cfg.CertTimeout = DefaultCertTimeout
	}

	sockets := make(map[string]*port.Socket, len(cfg.Ports))
	for _, p := range cfg.Ports {
		sockets[p.ProtocolURI] = port.New()
	}

	thread := runner.NewThread(interp, logger)
	thread.SetProgram(interpreter.ProgramLocation{ExecutionURI: cfg.ExecutionURI})
	service := NewService(thread, sockets, cfg.StartSuspended, logger)

	return &Worker{
		cfg:     cfg,
		interp:  interp,
		logger:  logger.Named("worker"),
		thread:  thread,
		sockets: sockets,
		service: service,
	}
}

// Socket returns the port.Socket bound to protocolURI, if declared.
func (w *Worker) Socket(protocolURI string) (*port.Socket, bool) {
	s, ok := w.sockets[protocolURI]
	return s, ok
}

// Service returns the RemotingService this worker serves, mainly for tests
// that want to drive it without real listeners.
func (w *Worker) Service() *Service { return w.service }

// endpointIdentity is one endpoint's minted key waiting for its signed
// certificate.
type endpointIdentity struct {
	uri        string
	commonName string
	csrPEM     []byte
	keyPEM     []byte
}

// Run performs the worker's whole lifecycle and returns the machine's
// terminal state, blocking until the runner finishes or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) (zuripb.MachineState, error) {
	machineID := pki.MachineID(w.cfg.MachineURL)

	idents, err := w.mintIdentities(machineID)
	if err != nil {
		return zuripb.MachineStateFailure, err
	}

	eps := handshake.EndpointsFile{Endpoints: make([]handshake.EndpointRecord, 0, len(idents))}
	for _, id := range idents {
		eps.Endpoints = append(eps.Endpoints, handshake.EndpointRecord{URI: id.uri, CSRPEM: string(id.csrPEM)})
	}
	if err := handshake.WriteEndpoints(w.cfg.HandshakeDir, eps); err != nil {
		return zuripb.MachineStateFailure, err
	}

	certs, err := handshake.WaitForCerts(w.cfg.HandshakeDir, w.cfg.CertTimeout)
	if err != nil {
		return zuripb.MachineStateFailure, fmt.Errorf("remoting: waiting for signed certificates: %w", err)
	}
	certByURI := make(map[string]string, len(certs.Endpoints))
	for _, c := range certs.Endpoints {
		certByURI[c.URI] = c.CertificatePEM
	}

	caBundle, err := os.ReadFile(w.cfg.CABundlePath)
	if err != nil {
		return zuripb.MachineStateFailure, fmt.Errorf("remoting: read ca bundle: %w", err)
	}
	trust, err := pki.TrustPool(caBundle)
	if err != nil {
		return zuripb.MachineStateFailure, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	servers := make([]*grpc.Server, 0, len(idents))
	for _, id := range idents {
		certPEM, ok := certByURI[id.uri]
		if !ok {
			return zuripb.MachineStateFailure, fmt.Errorf("remoting: no certificate delivered for endpoint %s", id.uri)
		}
		srv, err := w.serveEndpoint(id, []byte(certPEM), trust)
		if err != nil {
			for _, s := range servers {
				s.Stop()
			}
			return zuripb.MachineStateFailure, err
		}
		servers = append(servers, srv)
	}

	w.logger.Info("worker serving",
		zap.String("machine_url", w.cfg.MachineURL),
		zap.Int("endpoints", len(idents)),
		zap.Bool("start_suspended", w.cfg.StartSuspended))

	w.service.Run(runCtx)

	var terminal zuripb.MachineState
	select {
	case <-w.service.Done():
		ev, _ := w.service.TerminalEvent()
		terminal = ev.State
	case <-ctx.Done():
		terminal = zuripb.MachineStateCancelled
	}

	// Let in-flight Monitor streams deliver the terminal event before the
	// listeners go away.
	stopped := make(chan struct{})
	go func() {
		for _, s := range servers {
			s.GracefulStop()
		}
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		for _, s := range servers {
			s.Stop()
		}
	}

	w.thread.Close()
	return terminal, nil
}

func (w *Worker) mintIdentities(machineID string) ([]endpointIdentity, error) {
	idents := make([]endpointIdentity, 0, len(w.cfg.Ports)+1)

	cn := pki.ControlCommonName(machineID)
	csrPEM, keyPEM, _, err := pki.GenerateCSR(cn, []string{cn})
	if err != nil {
		return nil, err
	}
	idents = append(idents, endpointIdentity{
		uri: w.cfg.ControlEndpoint, commonName: cn, csrPEM: csrPEM, keyPEM: keyPEM,
	})

	for i, p := range w.cfg.Ports {
		cn := pki.PortCommonName(machineID, i)
		csrPEM, keyPEM, _, err := pki.GenerateCSR(cn, []string{cn})
		if err != nil {
			return nil, err
		}
		idents = append(idents, endpointIdentity{
			uri: p.EndpointURI, commonName: cn, csrPEM: csrPEM, keyPEM: keyPEM,
		})
	}
	return idents, nil
}

// serveEndpoint starts one mTLS gRPC server for the endpoint, serving the
// shared RemotingService instance. Every endpoint serves the full service;
// which port a Communicate call lands on is decided by its metadata, not by
// which listener it arrived through.
func (w *Worker) serveEndpoint(id endpointIdentity, certPEM []byte, trust *x509.CertPool) (*grpc.Server, error) {
	tlsCert, err := tls.X509KeyPair(certPEM, id.keyPEM)
	if err != nil {
		return nil, fmt.Errorf("remoting: endpoint %s keypair: %w", id.uri, err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    trust,
		MinVersion:   tls.VersionTLS12,
	}

	lis, err := listenEndpoint(id.uri)
	if err != nil {
		return nil, err
	}

	srv := grpc.NewServer(grpc.Creds(credentials.NewTLS(tlsCfg)))
	zuripb.RegisterRemotingServiceServer(srv, w.service)

	go func() {
		if err := srv.Serve(lis); err != nil {
			w.logger.Warn("endpoint server stopped",
				zap.String("endpoint", id.uri), zap.Error(err))
		}
	}()

	return srv, nil
}

// listenEndpoint opens the listener an endpoint URI names. Endpoints minted
// by the agent are always unix-domain sockets inside the run directory.
func listenEndpoint(uri string) (net.Listener, error) {
	path, ok := strings.CutPrefix(uri, "unix://")
	if !ok {
		return nil, fmt.Errorf("remoting: unsupported endpoint scheme in %q", uri)
	}
	// A stale socket file from a crashed predecessor would make Listen fail
	// with EADDRINUSE.
	os.Remove(path)
	return net.Listen("unix", path)
}
