package zuripb

import (
	"bytes"
	"testing"
)

func TestCodecRoundTripsMessage(t *testing.T) {
	in := &Message{Version: MessageVersion1, Data: []byte("hello world")}

	data, err := jsonCodec{}.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out := new(Message)
	if err := (jsonCodec{}).Unmarshal(data, out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Version != in.Version || !bytes.Equal(out.Data, in.Data) {
		t.Errorf("round-trip = %+v, want %+v", out, in)
	}
}

func TestCodecV2RoundTripsRequest(t *testing.T) {
	in := &CreateMachineRequest{
		Name:         "foo",
		ExecutionURI: "/module",
		Config:       []byte(`{"foo":"bar"}`),
		Ports: []RequestedPort{{
			ProtocolURI:   "dev.zuri.proto:null",
			PortType:      PortTypeStreaming,
			PortDirection: PortDirectionBiDirectional,
		}},
		StartSuspended: true,
	}

	data, err := jsonCodecV2{}.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out := new(CreateMachineRequest)
	if err := (jsonCodecV2{}).Unmarshal(data, out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Name != in.Name || out.ExecutionURI != in.ExecutionURI || !out.StartSuspended {
		t.Errorf("round-trip = %+v", out)
	}
	if len(out.Ports) != 1 || out.Ports[0] != in.Ports[0] {
		t.Errorf("ports = %+v", out.Ports)
	}
	if !bytes.Equal(out.Config, in.Config) {
		t.Errorf("config = %q", out.Config)
	}
}

func TestUnknownStateStrings(t *testing.T) {
	if MachineState(99).String() != "Unknown" {
		t.Error("out-of-range MachineState should stringify as Unknown")
	}
	if !MachineStateCompleted.Terminal() || MachineStateRunning.Terminal() {
		t.Error("Terminal misclassifies states")
	}
}
