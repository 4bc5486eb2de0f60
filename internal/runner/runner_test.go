package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"taskorch/internal/apperrors"
	"testing"
	"time"
)

func TestCapture_BoundsOutput(t *testing.T) {
	t.Parallel()
	c := NewCapture(8)

	n, err := c.Write([]byte("12345"))
	if err != nil || n != 5 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, err = c.Write([]byte("6789abc"))
	if err != nil || n != 7 {
		t.Fatalf("Write past limit should report full length, got %d, %v", n, err)
	}

	if string(c.Bytes()) != "12345678" {
		t.Errorf("expected first 8 bytes, got %q", c.Bytes())
	}
	if !c.Truncated() {
		t.Error("expected capture to be truncated")
	}
	if c.String() != "12345678"+TruncationMarker {
		t.Errorf("expected truncation marker, got %q", c.String())
	}
}

func TestCapture_UnderLimit(t *testing.T) {
	t.Parallel()
	c := NewCapture(64)
	c.Write([]byte("hello"))

	if c.Truncated() {
		t.Error("did not expect truncation")
	}
	if c.String() != "hello" {
		t.Errorf("expected %q, got %q", "hello", c.String())
	}
}

func TestCapture_ConcurrentWriters(t *testing.T) {
	t.Parallel()
	c := NewCapture(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.Write([]byte("xy"))
			}
		}()
	}
	wg.Wait()

	if len(c.Bytes()) != 1000 {
		t.Errorf("expected 1000 bytes, got %d", len(c.Bytes()))
	}
	if strings.Count(string(c.Bytes()), "xy") != 500 {
		t.Error("expected writes not to interleave mid-chunk")
	}
}

func TestContextErr(t *testing.T) {
	t.Parallel()

	t.Run("live context", func(t *testing.T) {
		t.Parallel()
		if err := ContextErr(context.Background(), "process", time.Second); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})

	t.Run("deadline", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		defer cancel()
		<-ctx.Done()
		err := ContextErr(ctx, "process", time.Millisecond)
		if !errors.Is(err, apperrors.ErrTimeout) {
			t.Errorf("expected timeout, got %v", err)
		}
	})

	t.Run("explicit cancel cause", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancelCause(context.Background())
		cause := apperrors.Cancelled("cancelled by caller")
		cancel(cause)
		if err := ContextErr(ctx, "remote", time.Second); err != cause {
			t.Errorf("expected cause to be returned, got %v", err)
		}
	})

	t.Run("plain cancel", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := ContextErr(ctx, "remote", time.Second); !errors.Is(err, apperrors.ErrCancelled) {
			t.Errorf("expected cancelled, got %v", err)
		}
	})

	t.Run("deadline inside cancelled parent", func(t *testing.T) {
		t.Parallel()
		parent, cancel := context.WithCancelCause(context.Background())
		ctx, stop := context.WithTimeout(parent, time.Hour)
		defer stop()
		cancel(apperrors.Cancelled("shutdown"))
		if err := ContextErr(ctx, "process", time.Hour); !errors.Is(err, apperrors.ErrCancelled) {
			t.Errorf("expected parent's cancel cause, got %v", err)
		}
	})
}

func TestTail(t *testing.T) {
	t.Parallel()
	if got := Tail("abcdef", 3); got != "def" {
		t.Errorf("Tail = %q, want %q", got, "def")
	}
	if got := Tail("ab", 3); got != "ab" {
		t.Errorf("Tail = %q, want %q", got, "ab")
	}
}
