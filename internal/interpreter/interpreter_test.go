package interpreter

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestImmediateReturnsValue(t *testing.T) {
	v, err := Immediate(42, nil).Run(context.Background(), ProgramLocation{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v != 42 {
		t.Errorf("value = %v, want 42", v)
	}
}

func TestImmediatePropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Immediate(nil, boom).Run(context.Background(), ProgramLocation{})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestBlockingReturnsInterruptedOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := Blocking().Run(ctx, ProgramLocation{})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, ErrInterrupted) {
			t.Errorf("err = %v, want ErrInterrupted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Blocking never observed cancellation")
	}
}

func TestStaticPackagesResolve(t *testing.T) {
	pkgs := StaticPackages{"/module": []byte{0x01, 0x02}}

	code, err := pkgs.Resolve(context.Background(), "/module")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(code) != 2 || code[0] != 0x01 {
		t.Errorf("code = %v", code)
	}

	if _, err := pkgs.Resolve(context.Background(), "/missing"); !errors.Is(err, ErrPackageNotFound) {
		t.Errorf("Resolve(missing) = %v, want ErrPackageNotFound", err)
	}
}

func TestFuncReceivesLocation(t *testing.T) {
	var got ProgramLocation
	interp := Func(func(_ context.Context, loc ProgramLocation) (any, error) {
		got = loc
		return nil, nil
	})

	want := ProgramLocation{ExecutionURI: "/module", ConfigHash: "abc"}
	if _, err := interp.Run(context.Background(), want); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != want {
		t.Errorf("location = %+v, want %+v", got, want)
	}
}
