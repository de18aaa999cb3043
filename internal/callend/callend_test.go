package callend_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/careline-ai/careline/internal/callend"
	"github.com/careline-ai/careline/pkg/types"
)

func TestController_ArmsOnMutualGoodbye(t *testing.T) {
	var ended atomic.Bool
	c := callend.New("test", func() { ended.Store(true) })

	c.ObserveUser(types.GoodbyeStrong, false)
	if c.State() != callend.StateIdle {
		t.Fatalf("expected idle after only user goodbye, got %v", c.State())
	}
	c.ObserveAssistant(true)
	if c.State() != callend.StateArmed {
		t.Fatalf("expected armed after mutual goodbye, got %v", c.State())
	}
	if ended.Load() {
		t.Fatal("onEnd should not fire immediately on arm")
	}
}

func TestController_UserSpeechDuringGraceCancelsTimer(t *testing.T) {
	var ended atomic.Bool
	c := callend.New("test", func() { ended.Store(true) })

	c.ObserveUser(types.GoodbyeStrong, false)
	c.ObserveAssistant(true)
	if c.State() != callend.StateArmed {
		t.Fatalf("expected armed, got %v", c.State())
	}

	c.ObserveUser(types.GoodbyeNone, true) // user speaks again within grace
	if c.State() != callend.StateIdle {
		t.Fatalf("expected idle after cancel, got %v", c.State())
	}

	time.Sleep(callend.GraceTimeout + 100*time.Millisecond)
	if ended.Load() {
		t.Fatal("onEnd should not fire after the timer was cancelled")
	}
}

func TestController_GraceExpiryTransitionsToEnding(t *testing.T) {
	done := make(chan struct{})
	c := callend.New("test", func() { close(done) })

	c.ObserveUser(types.GoodbyeStrong, false)
	c.ObserveAssistant(true)

	select {
	case <-done:
	case <-time.After(callend.GraceTimeout + time.Second):
		t.Fatal("timed out waiting for grace expiry")
	}
	if c.State() != callend.StateEnding {
		t.Errorf("expected ending after grace expiry, got %v", c.State())
	}
}

func TestController_ForceEndIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	c := callend.New("test", func() { calls.Add(1) })

	c.ForceEnd("hard cap")
	c.ForceEnd("hard cap again")

	if c.State() != callend.StateEnding {
		t.Errorf("expected ending, got %v", c.State())
	}
	if calls.Load() != 1 {
		t.Errorf("expected onEnd called exactly once, got %d", calls.Load())
	}
}
