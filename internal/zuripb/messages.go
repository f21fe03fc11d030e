package zuripb

import "google.golang.org/protobuf/types/known/timestamppb"

// ProtocolURLMetadataKey is the stream-initial metadata key a Communicate
// client MUST set to select which PortSocket the call is multiplexed to.
const ProtocolURLMetadataKey = "x-zuri-protocol-url"

// MessageVersion is the frame version carried by every Message.
type MessageVersion int32

const (
	MessageVersionUnspecified MessageVersion = 0
	MessageVersion1           MessageVersion = 1
)

func (v MessageVersion) String() string {
	switch v {
	case MessageVersion1:
		return "Version1"
	default:
		return "Unspecified"
	}
}

// Message is a single versioned frame on a Communicate stream.
type Message struct {
	Version MessageVersion `json:"version"`
	Data    []byte         `json:"data"`
}

// MachineState is the runner lifecycle state surfaced by Monitor.
type MachineState int32

const (
	MachineStateStarting MachineState = iota
	MachineStateRunning
	MachineStateSuspended
	MachineStateCompleted
	MachineStateCancelled
	MachineStateFailure
)

func (s MachineState) String() string {
	switch s {
	case MachineStateStarting:
		return "Starting"
	case MachineStateRunning:
		return "Running"
	case MachineStateSuspended:
		return "Suspended"
	case MachineStateCompleted:
		return "Completed"
	case MachineStateCancelled:
		return "Cancelled"
	case MachineStateFailure:
		return "Failure"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is one of the terminal Monitor states.
func (s MachineState) Terminal() bool {
	switch s {
	case MachineStateCompleted, MachineStateCancelled, MachineStateFailure:
		return true
	default:
		return false
	}
}

// MonitorEvent is one entry in the Monitor lifecycle feed. The final event
// for any machine carries the terminal state's StatusCode.
type MonitorEvent struct {
	State      MachineState          `json:"state"`
	StatusCode int32                 `json:"status_code"`
	Timestamp  *timestamppb.Timestamp `json:"timestamp,omitempty"`
}

// Empty is the request type for RPCs that take no arguments.
type Empty struct{}

// RpcStatus is the unary reply for Suspend/Resume/Terminate — named
// RpcStatus rather than bare Status to avoid colliding with
// internal/zstatus.Status, which is this repo's richer error type.
type RpcStatus struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// ─── InvokeService messages (agent-facing) ─────────────────────────────────

// PortType distinguishes a one-shot request/response port from a long-lived
// streaming one.
type PortType int32

const (
	PortTypeOneShot PortType = iota
	PortTypeStreaming
)

// PortDirection describes which side of the port initiates traffic.
type PortDirection int32

const (
	PortDirectionClient PortDirection = iota
	PortDirectionServer
	PortDirectionBiDirectional
)

// RequestedPort is one entry in a CreateMachineRequest's port set.
type RequestedPort struct {
	ProtocolURI   string        `json:"protocol_uri"`
	PortType      PortType      `json:"port_type"`
	PortDirection PortDirection `json:"port_direction"`
}

// CreateMachineRequest is the first phase of IsolateClient.spawn's handshake.
// StartSuspended asks the worker to hold the initial Resume until every
// declared port has an attached Communicate stream (the init-complete
// barrier).
type CreateMachineRequest struct {
	Name           string          `json:"name"`
	ExecutionURI   string          `json:"execution_uri"`
	Config         []byte          `json:"config"`
	Ports          []RequestedPort `json:"ports"`
	StartSuspended bool            `json:"start_suspended,omitempty"`
}

// EndpointDescriptor is one endpoint returned by CreateMachine (the control
// endpoint or a port endpoint), carrying the CSR the worker produced for
// that endpoint at startup.
type EndpointDescriptor struct {
	URI    string `json:"uri"`
	CsrPEM string `json:"csr_pem"`
}

// CreateMachineResult answers CreateMachineRequest.
type CreateMachineResult struct {
	MachineURI        string                `json:"machine_uri"`
	ControlEndpointURI string               `json:"control_endpoint_uri"`
	Endpoints          []EndpointDescriptor `json:"endpoints"`
}

// EndpointCertificate is a CSR signed by the session CA, sent back in
// RunMachineRequest.
type EndpointCertificate struct {
	URI            string `json:"uri"`
	CertificatePEM string `json:"certificate_pem"`
}

// RunMachineRequest is the second phase of the spawn handshake.
type RunMachineRequest struct {
	MachineURI string                `json:"machine_uri"`
	Endpoints  []EndpointCertificate `json:"endpoints"`
}

// ServerNameOverride lets the agent tell the isolate client to dial an
// endpoint's TLS ServerName differently than its URI host, e.g. when the
// endpoint is reached via a unix socket.
type ServerNameOverride struct {
	URI        string `json:"uri"`
	ServerName string `json:"server_name"`
}

// RunMachineResult answers RunMachineRequest.
type RunMachineResult struct {
	Overrides []ServerNameOverride `json:"overrides"`
}
