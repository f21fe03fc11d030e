package port

import "testing"

type recordingWriter struct {
	written [][]byte
}

func (w *recordingWriter) Write(payload []byte) error {
	w.written = append(w.written, append([]byte(nil), payload...))
	return nil
}

func TestSocketAttachDetach(t *testing.T) {
	s := New()
	w1 := &recordingWriter{}
	if err := s.Attach(w1); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := s.Attach(&recordingWriter{}); err != ErrAlreadyAttached {
		t.Fatalf("second attach: got %v, want ErrAlreadyAttached", err)
	}
	s.Detach()
	if s.Attached() {
		t.Fatal("still attached after Detach")
	}
	if err := s.Attach(&recordingWriter{}); err != nil {
		t.Fatalf("attach after detach: %v", err)
	}
}

func TestSocketSendRequiresAttach(t *testing.T) {
	s := New()
	if err := s.Send([]byte("hi")); err != ErrNotAttached {
		t.Fatalf("got %v, want ErrNotAttached", err)
	}
}

// Echo Communicate: writing "hello world" through Send reaches the
// attached writer, and a Handle call is observable via Recv.
func TestSocketEcho(t *testing.T) {
	s := New()
	w := &recordingWriter{}
	if err := s.Attach(w); err != nil {
		t.Fatal(err)
	}

	if err := s.Send([]byte("hello world")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(w.written) != 1 || string(w.written[0]) != "hello world" {
		t.Fatalf("writer got %v, want [hello world]", w.written)
	}

	s.Handle([]byte("hello world"))
	got := s.Recv()
	if string(got) != "hello world" {
		t.Fatalf("Recv = %q, want %q", got, "hello world")
	}
}

func TestSocketHandleFIFO(t *testing.T) {
	s := New()
	s.Handle([]byte("a"))
	s.Handle([]byte("b"))
	s.Handle([]byte("c"))

	for _, want := range []string{"a", "b", "c"} {
		if got := s.Recv(); string(got) != want {
			t.Fatalf("Recv = %q, want %q", got, want)
		}
	}
}
