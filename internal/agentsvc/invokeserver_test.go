package agentsvc

import (
	"testing"

	"github.com/zuri-project/zuri/internal/zuripb"
)

func TestParsePortDirectiveRoundTrip(t *testing.T) {
	tests := []struct {
		directive string
		protocol  string
		endpoint  string
		portType  zuripb.PortType
		direction zuripb.PortDirection
	}{
		{
			directive: "dev.zuri.proto:null|unix:///tmp/p0.sock|streaming|bidirectional",
			protocol:  "dev.zuri.proto:null",
			endpoint:  "unix:///tmp/p0.sock",
			portType:  zuripb.PortTypeStreaming,
			direction: zuripb.PortDirectionBiDirectional,
		},
		{
			directive: "dev.zuri.proto:ctrl|unix:///tmp/p1.sock|oneshot|client",
			protocol:  "dev.zuri.proto:ctrl",
			endpoint:  "unix:///tmp/p1.sock",
			portType:  zuripb.PortTypeOneShot,
			direction: zuripb.PortDirectionClient,
		},
		{
			directive: "dev.zuri.proto:log|unix:///tmp/p2.sock|streaming|server",
			protocol:  "dev.zuri.proto:log",
			endpoint:  "unix:///tmp/p2.sock",
			portType:  zuripb.PortTypeStreaming,
			direction: zuripb.PortDirectionServer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.protocol, func(t *testing.T) {
			protocol, endpoint, portType, direction, err := ParsePortDirective(tt.directive)
			if err != nil {
				t.Fatalf("ParsePortDirective(%q): %v", tt.directive, err)
			}
			if protocol != tt.protocol || endpoint != tt.endpoint || portType != tt.portType || direction != tt.direction {
				t.Errorf("got (%q, %q, %v, %v)", protocol, endpoint, portType, direction)
			}
		})
	}
}

func TestParsePortDirectiveRejectsMalformed(t *testing.T) {
	for _, directive := range []string{
		"",
		"only-protocol",
		"proto|endpoint|streaming",
		"proto|endpoint|bogus|client",
		"proto|endpoint|streaming|bogus",
	} {
		if _, _, _, _, err := ParsePortDirective(directive); err == nil {
			t.Errorf("ParsePortDirective(%q) succeeded, want error", directive)
		}
	}
}
