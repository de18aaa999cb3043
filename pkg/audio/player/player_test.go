package player_test

import (
	"testing"
	"time"

	"github.com/careline-ai/careline/pkg/audio/player"
)

func TestPlayer_PlaysChunksInOrder(t *testing.T) {
	var got [][]byte
	done := make(chan struct{})
	n := 0
	p := player.New(func(chunk []byte) {
		got = append(got, chunk)
		n++
		if n == 2 {
			close(done)
		}
	})
	defer p.Close()

	audio := make(chan []byte, 2)
	audio <- []byte{1}
	audio <- []byte{2}
	close(audio)

	p.Play(&player.Segment{Audio: audio})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chunks")
	}
	if len(got) != 2 || got[0][0] != 1 || got[1][0] != 2 {
		t.Errorf("unexpected chunks: %v", got)
	}
}

func TestPlayer_InterruptStopsPlayback(t *testing.T) {
	var n int
	p := player.New(func(chunk []byte) { n++ })
	defer p.Close()

	audio := make(chan []byte)
	p.Play(&player.Segment{Audio: audio})

	p.Interrupt(player.BargeIn)

	// Further sends should be drained, not delivered to output.
	select {
	case audio <- []byte{9}:
	case <-time.After(100 * time.Millisecond):
	}
	close(audio)
	time.Sleep(20 * time.Millisecond)
	if n != 0 {
		t.Errorf("expected no output after interrupt, got %d chunks", n)
	}
}

func TestPlayer_BargeInInvokesHandler(t *testing.T) {
	p := player.New(func([]byte) {})
	defer p.Close()

	called := make(chan struct{})
	p.OnBargeIn(func() { close(called) })

	audio := make(chan []byte)
	p.Play(&player.Segment{Audio: audio})
	p.BargeIn()
	close(audio)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("barge-in handler was not invoked")
	}
}

func TestPlayer_CloseIsIdempotent(t *testing.T) {
	p := player.New(func([]byte) {})
	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error on second close: %v", err)
	}
}
