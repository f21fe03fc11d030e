package isolate

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/zuri-project/zuri/internal/zstatus"
	"github.com/zuri-project/zuri/internal/zuripb"
)

// captureInvokeServer records the CreateMachineRequest it receives, so the
// test can assert the payload survived the wire intact.
type captureInvokeServer struct {
	zuripb.UnimplementedInvokeServiceServer
	got chan *zuripb.CreateMachineRequest
}

func (s *captureInvokeServer) CreateMachine(_ context.Context, req *zuripb.CreateMachineRequest) (*zuripb.CreateMachineResult, error) {
	s.got <- req
	return &zuripb.CreateMachineResult{
		MachineURI:         "zuri://machine/test",
		ControlEndpointURI: "unix:///tmp/test.control.sock",
		Endpoints: []zuripb.EndpointDescriptor{
			{URI: "unix:///tmp/test.control.sock", CsrPEM: "csr"},
			{URI: "unix:///tmp/test-port0.sock", CsrPEM: "csr"},
		},
	}, nil
}

func TestCreateMachinePayloadRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := &captureInvokeServer{got: make(chan *zuripb.CreateMachineRequest, 1)}
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	zuripb.RegisterInvokeServiceServer(srv, server)
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	defer conn.Close()

	cfgBytes, err := marshalConfig(map[string]string{"foo": "bar"})
	if err != nil {
		t.Fatalf("marshalConfig: %v", err)
	}

	// The exact request Spawn assembles for this input.
	invoke := zuripb.NewInvokeServiceClient(conn)
	_, err = invoke.CreateMachine(ctx, &zuripb.CreateMachineRequest{
		Name:         "foo",
		ExecutionURI: "/module",
		Config:       cfgBytes,
		Ports: []zuripb.RequestedPort{{
			ProtocolURI:   "dev.zuri.proto:null",
			PortType:      zuripb.PortTypeStreaming,
			PortDirection: zuripb.PortDirectionBiDirectional,
		}},
	})
	if err != nil {
		t.Fatalf("CreateMachine: %v", err)
	}

	req := <-server.got
	if req.Name != "foo" {
		t.Errorf("name = %q, want foo", req.Name)
	}
	if req.ExecutionURI != "/module" {
		t.Errorf("execution uri = %q, want /module", req.ExecutionURI)
	}
	if len(req.Ports) != 1 {
		t.Fatalf("ports = %d, want 1", len(req.Ports))
	}
	p := req.Ports[0]
	if p.ProtocolURI != "dev.zuri.proto:null" || p.PortType != zuripb.PortTypeStreaming || p.PortDirection != zuripb.PortDirectionBiDirectional {
		t.Errorf("port = %+v", p)
	}

	cfg, err := ParseConfig(req.Config)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if len(cfg) != 1 || cfg["foo"] != "bar" {
		t.Errorf("config = %v, want map[foo:bar]", cfg)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	for _, m := range []map[string]string{
		nil,
		{},
		{"foo": "bar"},
		{"a": "1", "b": "2", "c": ""},
	} {
		data, err := marshalConfig(m)
		if err != nil {
			t.Fatalf("marshalConfig(%v): %v", m, err)
		}
		got, err := ParseConfig(data)
		if err != nil {
			t.Fatalf("ParseConfig(%v): %v", m, err)
		}
		if len(got) != len(m) {
			t.Errorf("round-trip of %v = %v", m, got)
		}
		for k, v := range m {
			if got[k] != v {
				t.Errorf("round-trip of %v = %v", m, got)
			}
		}
	}
}

func TestUseSpecifiedEndpointFailsWhenUnreachable(t *testing.T) {
	c := New(Options{
		AgentEndpoint: "unix://" + filepath.Join(t.TempDir(), "nonexistent.sock"),
		Policy:        UseSpecifiedEndpoint,
		SocketTimeout: 100 * time.Millisecond,
	})
	err := c.Initialize(context.Background())
	if err == nil {
		t.Fatal("Initialize succeeded against a dead endpoint")
	}
	s, ok := zstatus.Of(err)
	if !ok || s.Namespace != zstatus.NamespaceTransport {
		t.Errorf("error = %v, want a transport-namespace status", err)
	}
}

func TestInitializeRequiresEndpointForUseSpecified(t *testing.T) {
	c := New(Options{Policy: UseSpecifiedEndpoint})
	err := c.Initialize(context.Background())
	s, ok := zstatus.Of(err)
	if !ok || s.Code != zstatus.CodeInvalidConfiguration {
		t.Errorf("error = %v, want InvalidConfiguration", err)
	}
}

func TestSpawnBeforeInitializeFails(t *testing.T) {
	c := New(Options{})
	if _, err := c.Spawn(context.Background(), "m", "/module", nil, nil, false); err == nil {
		t.Fatal("Spawn succeeded on an uninitialized client")
	}
}
