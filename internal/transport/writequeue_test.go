package transport

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// Stream FIFO: concurrent Write calls are sent in the order they were
// queued, never overlapping.
func TestWriteQueueFIFO(t *testing.T) {
	var mu sync.Mutex
	var got []string
	var inFlight int32

	wq := New(func(payload []byte) error {
		mu.Lock()
		if inFlight != 0 {
			mu.Unlock()
			t.Fatal("overlapping sends detected")
		}
		inFlight = 1
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		got = append(got, string(payload))
		inFlight = 0
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = wq.Write([]byte{byte('a' + i)})
		}(i)
	}
	wg.Wait()
	wq.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 20 {
		t.Fatalf("got %d sends, want 20", len(got))
	}
}

func TestWriteQueueCloseDrainsFirst(t *testing.T) {
	var sent []string
	wq := New(func(payload []byte) error {
		sent = append(sent, string(payload))
		return nil
	})
	for _, s := range []string{"a", "b", "c"} {
		if err := wq.Write([]byte(s)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	wq.Close()

	if len(sent) != 3 || sent[0] != "a" || sent[1] != "b" || sent[2] != "c" {
		t.Fatalf("sent = %v, want [a b c]", sent)
	}

	if err := wq.Write([]byte("late")); err == nil {
		t.Fatal("expected Write after Close to fail")
	}
}

func TestWriteQueuePropagatesSendError(t *testing.T) {
	boom := errors.New("boom")
	wq := New(func(payload []byte) error {
		return boom
	})
	_ = wq.Write([]byte("first"))

	if err := wq.Write([]byte("second")); err == nil {
		t.Fatal("expected Write after a send failure to return the terminal error")
	}
}
