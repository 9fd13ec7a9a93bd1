package recovery

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func runGuarded(fn func()) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
	wg.Wait()
}

func TestRecoverWithLog_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	runGuarded(func() {
		defer RecoverWithLog(logger, "relay.readLoop")
		panic("bad datagram")
	})

	output := buf.String()
	for _, want := range []string{"panic recovered", "relay.readLoop", "bad datagram", "stack="} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestRecoverWithLog_NoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	runGuarded(func() {
		defer RecoverWithLog(logger, "quiet")
	})

	if buf.Len() > 0 {
		t.Errorf("expected no output, got: %s", buf.String())
	}
}

func TestRecoverWithLog_NilLogger(t *testing.T) {
	runGuarded(func() {
		defer RecoverWithLog(nil, "nil-logger")
		panic("still recovered")
	})
}

func TestRecoverWithCallback(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var got any
	runGuarded(func() {
		defer RecoverWithCallback(logger, "cb", func(r any) { got = r })
		panic(42)
	})

	if got != 42 {
		t.Errorf("callback received %v, want 42", got)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("expected panic to be logged, got: %s", buf.String())
	}
}

func TestRecoverWithCallback_NotCalledWithoutPanic(t *testing.T) {
	called := false
	runGuarded(func() {
		defer RecoverWithCallback(slog.Default(), "cb", func(any) { called = true })
	})

	if called {
		t.Error("callback should not run when nothing panicked")
	}
}
