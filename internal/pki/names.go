package pki

import (
	"fmt"
	"strings"
)

// Endpoint common names are derived, not negotiated: the agent computes them
// to answer RunMachine's ServerNameOverride and the worker computes them
// independently when building its CSR subjects, so both sides must use these
// helpers. A unix-domain endpoint has no DNS name of its own, which is why a
// synthetic one under .zuri.internal is minted per endpoint at all.

// MachineID extracts the machine id component from a zuri://machine/<id>
// URL, falling back to the full URL for anything else.
func MachineID(machineURL string) string {
	const prefix = "zuri://machine/"
	if strings.HasPrefix(machineURL, prefix) {
		return machineURL[len(prefix):]
	}
	return machineURL
}

// ControlCommonName is the TLS common name of a machine's control endpoint.
func ControlCommonName(machineID string) string {
	return fmt.Sprintf("%s.control.zuri.internal", machineID)
}

// PortCommonName is the TLS common name of a machine's i-th declared port
// endpoint, indexed in request order.
func PortCommonName(machineID string, portIndex int) string {
	return fmt.Sprintf("%s.port%d.zuri.internal", machineID, portIndex)
}

// AgentCommonName is the TLS common name the isolate client issues the
// agent's keypair under and dials the agent socket with.
func AgentCommonName(sessionID string) string {
	return fmt.Sprintf("%s.agent.zuri.internal", sessionID)
}

// IsolateCommonName is the TLS common name of the isolate client's own mTLS
// identity within a session.
func IsolateCommonName(sessionID string) string {
	return fmt.Sprintf("%s.isolate.zuri.internal", sessionID)
}
