package isolate

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	"github.com/zuri-project/zuri/internal/pki"
	"github.com/zuri-project/zuri/internal/port"
	"github.com/zuri-project/zuri/internal/transport"
	"github.com/zuri-project/zuri/internal/zstatus"
	"github.com/zuri-project/zuri/internal/zuripb"
)

// MachineExit is what RunUntilFinished returns once a terminal state
// arrives.
type MachineExit struct {
	State      zuripb.MachineState
	StatusCode int32
}

// Spawn performs the two-phase CreateMachine/RunMachine handshake and
// returns a RemoteMachine with its Monitor subscription and one Port per
// requested protocol already open.
func (c *Client) Spawn(ctx context.Context, name, executionURI string, config map[string]string, ports []zuripb.RequestedPort, startSuspended bool) (*RemoteMachine, error) {
	c.mu.Lock()
	invoke := c.invoke
	identity := c.identity
	trust := c.trust
	ca := c.ca
	c.mu.Unlock()
	if invoke == nil {
		return nil, zstatus.InvalidState("isolate client not initialized")
	}

	cfgBytes, err := marshalConfig(config)
	if err != nil {
		return nil, err
	}

	created, err := invoke.CreateMachine(ctx, &zuripb.CreateMachineRequest{
		Name:           name,
		ExecutionURI:   executionURI,
		Config:         cfgBytes,
		Ports:          ports,
		StartSuspended: startSuspended,
	})
	if err != nil {
		return nil, fmt.Errorf("isolate: CreateMachine: %w", err)
	}

	signed := make([]zuripb.EndpointCertificate, 0, len(created.Endpoints))
	for _, ep := range created.Endpoints {
		certPEM, err := pki.SignCSR(ca, []byte(ep.CsrPEM), c.opts.CertificateValidity)
		if err != nil {
			return nil, fmt.Errorf("isolate: signing CSR for endpoint %s: %w", ep.URI, err)
		}
		signed = append(signed, zuripb.EndpointCertificate{URI: ep.URI, CertificatePEM: string(certPEM)})
	}

	ran, err := invoke.RunMachine(ctx, &zuripb.RunMachineRequest{
		MachineURI: created.MachineURI,
		Endpoints:  signed,
	})
	if err != nil {
		return nil, fmt.Errorf("isolate: RunMachine: %w", err)
	}

	serverName := make(map[string]string, len(ran.Overrides))
	for _, o := range ran.Overrides {
		serverName[o.URI] = o.ServerName
	}

	m := &RemoteMachine{
		machineURL: created.MachineURI,
		logger:     c.logger.Named("machine").With(zap.String("machine_url", created.MachineURI)),
		ports:      make(map[string]*Port, len(ports)),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	ok := false
	defer func() {
		if !ok {
			m.Close()
		}
	}()

	dial := func(endpointURI string) (*grpc.ClientConn, error) {
		tlsCfg, err := pki.ClientTLSConfig(identity, trust, serverName[endpointURI])
		if err != nil {
			return nil, err
		}
		path, hasUnix := strings.CutPrefix(endpointURI, "unix://")
		if !hasUnix {
			return nil, zstatus.InvalidConfiguration(fmt.Sprintf("unsupported endpoint %q", endpointURI), nil)
		}
		return grpc.NewClient("unix://"+path,
			grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	}

	m.conn, err = dial(created.ControlEndpointURI)
	if err != nil {
		return nil, fmt.Errorf("isolate: dialing control endpoint: %w", err)
	}
	m.remote = zuripb.NewRemotingServiceClient(m.conn)

	m.monitor = newMachineMonitor(m.logger)
	monStream, err := m.remote.Monitor(m.ctx, &zuripb.Empty{})
	if err != nil {
		return nil, fmt.Errorf("isolate: opening Monitor stream: %w", err)
	}
	go m.monitor.run(monStream)

	// Endpoints after the control entry correspond to the requested ports
	// in request order.
	portEndpoints := make([]zuripb.EndpointDescriptor, 0, len(ports))
	for _, ep := range created.Endpoints {
		if ep.URI == created.ControlEndpointURI {
			continue
		}
		portEndpoints = append(portEndpoints, ep)
	}
	if len(portEndpoints) != len(ports) {
		return nil, zstatus.New(zstatus.NamespaceAgent, zstatus.CodeInternal,
			fmt.Sprintf("agent returned %d port endpoints for %d requested ports", len(portEndpoints), len(ports)), nil)
	}

	for i, rp := range ports {
		p, err := m.openPort(dial, rp.ProtocolURI, portEndpoints[i].URI)
		if err != nil {
			return nil, fmt.Errorf("isolate: opening port %s: %w", rp.ProtocolURI, err)
		}
		m.ports[rp.ProtocolURI] = p
	}

	ok = true
	return m, nil
}

// RemoteMachine is the client-side handle to one running machine.
type RemoteMachine struct {
	machineURL string
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	conn    *grpc.ClientConn
	remote  zuripb.RemotingServiceClient
	monitor *MachineMonitor
	ports   map[string]*Port
}

// URL returns the machine's identifying URL.
func (m *RemoteMachine) URL() string { return m.machineURL }

// Port returns the open Port for protocolURL, if one was requested at
// spawn time.
func (m *RemoteMachine) Port(protocolURL string) (*Port, bool) {
	p, ok := m.ports[protocolURL]
	return p, ok
}

// Suspend asks the worker to suspend the machine. It returns once the
// command is queued; observe the transition through RunUntilFinished.
func (m *RemoteMachine) Suspend(ctx context.Context) error {
	_, err := m.remote.Suspend(ctx, &zuripb.Empty{})
	return err
}

// Resume asks the worker to resume the machine.
func (m *RemoteMachine) Resume(ctx context.Context) error {
	_, err := m.remote.Resume(ctx, &zuripb.Empty{})
	return err
}

// Terminate asks the worker to terminate the machine. Idempotent.
func (m *RemoteMachine) Terminate(ctx context.Context) error {
	_, err := m.remote.Terminate(ctx, &zuripb.Empty{})
	return err
}

// RunUntilFinished blocks, invoking cb (which may be nil) for each observed
// state, until a terminal state arrives, and returns the machine's exit.
func (m *RemoteMachine) RunUntilFinished(cb func(zuripb.MachineState)) (MachineExit, error) {
	return m.monitor.runUntilFinished(cb)
}

// Close tears down the machine handle: port streams, the monitor stream,
// and the underlying connections. It does not terminate the machine.
func (m *RemoteMachine) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	for _, p := range m.ports {
		p.close()
	}
	if m.conn != nil {
		m.conn.Close()
	}
}

func (m *RemoteMachine) openPort(dial func(string) (*grpc.ClientConn, error), protocolURL, endpointURI string) (*Port, error) {
	conn, err := dial(endpointURI)
	if err != nil {
		return nil, err
	}

	streamCtx := metadata.AppendToOutgoingContext(m.ctx, zuripb.ProtocolURLMetadataKey, protocolURL)
	stream, err := zuripb.NewRemotingServiceClient(conn).Communicate(streamCtx)
	if err != nil {
		conn.Close()
		return nil, err
	}

	p := &Port{
		protocolURL: protocolURL,
		socket:      port.New(),
		conn:        conn,
		stream:      stream,
		logger:      m.logger.Named("port").With(zap.String("protocol_url", protocolURL)),
	}
	p.wq = transport.New(func(payload []byte) error {
		return stream.Send(&zuripb.Message{Version: zuripb.MessageVersion1, Data: payload})
	})
	if err := p.socket.Attach(queueWriter{p.wq}); err != nil {
		conn.Close()
		return nil, err
	}
	go p.recvLoop()
	return p, nil
}

// Port is the client end of one per-protocol Communicate stream, backed by
// the same duplex socket the worker side uses.
type Port struct {
	protocolURL string
	socket      *port.Socket
	conn        *grpc.ClientConn
	stream      zuripb.RemotingService_CommunicateClient
	wq          *transport.WriteQueue
	logger      *zap.Logger

	closeOnce sync.Once
}

// ProtocolURL returns the protocol this port carries.
func (p *Port) ProtocolURL() string { return p.protocolURL }

// Send writes one opaque message toward the machine, in FIFO order with
// respect to other Send calls.
func (p *Port) Send(payload []byte) error {
	return p.socket.Send(payload)
}

// Recv blocks until a message arrives from the machine and returns it.
func (p *Port) Recv() []byte { return p.socket.Recv() }

// TryRecv returns a queued inbound message without blocking.
func (p *Port) TryRecv() ([]byte, bool) { return p.socket.TryRecv() }

func (p *Port) recvLoop() {
	for {
		msg, err := p.stream.Recv()
		if err != nil {
			if err != io.EOF {
				p.logger.Debug("port stream closed", zap.Error(err))
			}
			p.close()
			return
		}
		p.socket.Handle(msg.Data)
	}
}

func (p *Port) close() {
	p.closeOnce.Do(func() {
		p.stream.CloseSend()
		p.wq.Close()
		p.socket.Detach()
		p.conn.Close()
	})
}

// queueWriter adapts a transport.WriteQueue to port.Writer.
type queueWriter struct{ q *transport.WriteQueue }

func (w queueWriter) Write(payload []byte) error { return w.q.Write(payload) }
