package agentsvc

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zuri-project/zuri/internal/zstatus"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s := NewSupervisor(zap.NewNop(), nil)
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s
}

func awaitExit(t *testing.T, events <-chan MachineExited, url string) MachineExited {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.URL == url {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s to exit", url)
		}
	}
}

func TestSpawnAndExit(t *testing.T) {
	s := newTestSupervisor(t)
	events := s.Subscribe()

	mp, err := s.Spawn(context.Background(), "zuri://machine/spawn-exit",
		Invoker{Executable: "/bin/sh", Argv: []string{"-c", "echo mock-process; exit 0"}, Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if st := mp.State(); st != MachineStateCreated && st != MachineStateExited {
		t.Errorf("state after spawn = %v, want Created", st)
	}

	ev := awaitExit(t, events, "zuri://machine/spawn-exit")
	if ev.Status != 0 || ev.Signal != 0 {
		t.Errorf("MachineExited = {status %d, signal %d}, want {0, 0}", ev.Status, ev.Signal)
	}
	if mp.State() != MachineStateExited {
		t.Errorf("state after exit = %v, want Exited", mp.State())
	}
	if mp.ExitStatus() != 0 || mp.ExitSignal() != 0 {
		t.Errorf("exit fields = {%d, %d}, want {0, 0}", mp.ExitStatus(), mp.ExitSignal())
	}
}

func TestSpawnReportsNonZeroStatus(t *testing.T) {
	s := newTestSupervisor(t)
	events := s.Subscribe()

	if _, err := s.Spawn(context.Background(), "zuri://machine/status-7",
		Invoker{Executable: "/bin/sh", Argv: []string{"-c", "exit 7"}, Cwd: t.TempDir()}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	ev := awaitExit(t, events, "zuri://machine/status-7")
	if ev.Status != 7 || ev.Signal != 0 {
		t.Errorf("MachineExited = {status %d, signal %d}, want {7, 0}", ev.Status, ev.Signal)
	}
}

func TestTerminateDeliversSignal(t *testing.T) {
	s := newTestSupervisor(t)
	events := s.Subscribe()

	mp, err := s.Spawn(context.Background(), "zuri://machine/long",
		Invoker{Executable: "/bin/sleep", Argv: []string{"30"}, Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := s.Terminate("zuri://machine/long", 0); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if st := mp.State(); st != MachineStateTerminating && st != MachineStateExited {
		t.Errorf("state after terminate = %v, want Terminating", st)
	}

	ev := awaitExit(t, events, "zuri://machine/long")
	if ev.Signal != int(syscall.SIGTERM) {
		t.Errorf("exit signal = %d, want SIGTERM", ev.Signal)
	}

	// Terminate on an exited machine fails with InvalidState.
	err = s.Terminate("zuri://machine/long", 0)
	if !errors.Is(err, &zstatus.Status{Namespace: zstatus.NamespaceAgent, Code: zstatus.CodeInvalidState}) {
		t.Errorf("Terminate after exit = %v, want InvalidState", err)
	}
}

func TestShutdownReapsEverything(t *testing.T) {
	s := newTestSupervisor(t)

	urls := []string{"zuri://machine/r1", "zuri://machine/r2", "zuri://machine/r3"}
	for _, url := range urls {
		if _, err := s.Spawn(context.Background(), url,
			Invoker{Executable: "/bin/sleep", Argv: []string{"60"}, Cwd: t.TempDir()}); err != nil {
			t.Fatalf("Spawn %s: %v", url, err)
		}
	}

	if err := s.Shutdown(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, url := range urls {
		mp, ok := s.Get(url)
		if !ok {
			t.Fatalf("machine %s missing after shutdown", url)
		}
		if mp.State() != MachineStateExited {
			t.Errorf("machine %s state = %v after Shutdown, want Exited", url, mp.State())
		}
	}
	if n := s.Active(); n != 0 {
		t.Errorf("Active() = %d after Shutdown, want 0", n)
	}

	// No new spawns after shutdown.
	_, err := s.Spawn(context.Background(), "zuri://machine/late",
		Invoker{Executable: "/bin/true", Cwd: t.TempDir()})
	if err == nil {
		t.Fatal("Spawn succeeded after Shutdown")
	}
}

func TestInitializeTwiceFails(t *testing.T) {
	s := NewSupervisor(zap.NewNop(), nil)
	if err := s.Initialize(); err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
	if err := s.Initialize(); err == nil {
		t.Fatal("second Initialize succeeded")
	}
}

func TestSpawnDuplicateURLFails(t *testing.T) {
	s := newTestSupervisor(t)
	events := s.Subscribe()

	if _, err := s.Spawn(context.Background(), "zuri://machine/dup",
		Invoker{Executable: "/bin/sleep", Argv: []string{"10"}, Cwd: t.TempDir()}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	_, err := s.Spawn(context.Background(), "zuri://machine/dup",
		Invoker{Executable: "/bin/true", Cwd: t.TempDir()})
	if !errors.Is(err, &zstatus.Status{Namespace: zstatus.NamespaceAgent, Code: zstatus.CodeAlreadyExists}) {
		t.Errorf("duplicate Spawn = %v, want AlreadyExists", err)
	}

	if err := s.Terminate("zuri://machine/dup", syscall.SIGKILL); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	awaitExit(t, events, "zuri://machine/dup")
}

func TestSpawnMissingExecutableFails(t *testing.T) {
	s := newTestSupervisor(t)
	_, err := s.Spawn(context.Background(), "zuri://machine/nope",
		Invoker{Executable: "/no/such/binary", Cwd: t.TempDir()})
	if err == nil {
		t.Fatal("Spawn of a missing executable succeeded")
	}
	if _, ok := s.Get("zuri://machine/nope"); ok {
		t.Error("failed spawn left a record in the machine map")
	}
}
