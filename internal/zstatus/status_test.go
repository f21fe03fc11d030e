package zstatus

import (
	"errors"
	"fmt"
	"testing"
)

func TestStatusIsMatchesNamespaceAndCode(t *testing.T) {
	err := fmt.Errorf("wrapping: %w", InvalidState("resume while shutdown"))

	if !errors.Is(err, &Status{Namespace: NamespaceAgent, Code: CodeInvalidState}) {
		t.Fatalf("expected errors.Is to match on namespace+code")
	}
	if errors.Is(err, &Status{Namespace: NamespaceConfig, Code: CodeInvalidState}) {
		t.Fatalf("expected errors.Is to reject mismatched namespace")
	}
}

func TestAsFailsCleanlyAcrossNamespaces(t *testing.T) {
	s := InvalidConfiguration("bad url", nil)

	if _, ok := s.As(NamespaceConfig); !ok {
		t.Fatalf("expected same-namespace conversion to succeed")
	}
	if _, ok := s.As(NamespaceAgent); ok {
		t.Fatalf("expected cross-namespace conversion to fail")
	}
}

func TestOfExtractsWrappedStatus(t *testing.T) {
	base := Unreachable("dial failed", errors.New("connection refused"))
	wrapped := fmt.Errorf("isolate: initialize: %w", base)

	got, ok := Of(wrapped)
	if !ok {
		t.Fatalf("expected Of to find wrapped status")
	}
	if got.Code != CodeUnreachable {
		t.Fatalf("got code %q, want %q", got.Code, CodeUnreachable)
	}
}
