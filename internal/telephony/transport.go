package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/careline-ai/careline/internal/orchestrator"
	"github.com/careline-ai/careline/pkg/audio"
	"github.com/careline-ai/careline/pkg/provider/stt"
)

// envelope is the JSON frame exchanged over the media-stream socket in
// either direction (§6 "out-of-band start, media, mark, clear, and stop
// events").
type envelope struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
}

type startPayload struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaPayload struct {
	// Payload is base64-encoded 8 kHz mono µ-law audio.
	Payload string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

// MediaStream bridges one call's bidirectional audio between the telephony
// socket and a session orchestrator Session: inbound µ-law frames are
// upsampled and fed to the STT provider, final transcripts are dispatched to
// the session's turn loop, and the session's synthesized audio is
// downsampled back to µ-law and written to the socket. Grounded on
// pkg/provider/stt/deepgram's dial/readLoop/writeLoop session shape.
type MediaStream struct {
	manager  *orchestrator.Manager
	stt      stt.Provider
	language string
}

// NewMediaStream creates a MediaStream serving calls through manager, using
// sttProvider for transcription.
func NewMediaStream(manager *orchestrator.Manager, sttProvider stt.Provider, language string) *MediaStream {
	return &MediaStream{manager: manager, stt: sttProvider, language: language}
}

// Serve reads envelopes from conn until a stop event, a read error, or ctx
// cancellation. It owns the session and STT session it creates on the start
// event and tears both down before returning.
func (m *MediaStream) Serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	var (
		sess       *orchestrator.Session
		sttSession stt.SessionHandle
		wg         sync.WaitGroup
		streamSID  string
	)
	defer func() {
		if sess != nil {
			sess.Shutdown(ctx)
		}
		if sttSession != nil {
			_ = sttSession.Close()
		}
		wg.Wait()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("telephony: read envelope: %w", err)
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Event {
		case "start":
			if env.Start == nil {
				continue
			}
			streamSID = env.Start.StreamSID
			s, ss, err := m.handleStart(ctx, env.Start)
			if err != nil {
				return fmt.Errorf("telephony: start call %s: %w", env.Start.CallSID, err)
			}
			sess, sttSession = s, ss
			wg.Add(2)
			go m.forwardAudioOut(ctx, conn, sess, streamSID, &wg)
			go m.forwardTranscripts(ctx, conn, sess, sttSession, streamSID, &wg)

		case "media":
			if env.Media == nil || sttSession == nil {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(env.Media.Payload)
			if err != nil {
				continue
			}
			frame := audio.TelephonyToSTT(raw)
			if err := sttSession.SendAudio(frame.Data); err != nil {
				slog.Warn("telephony: send audio to stt failed", "error", err)
			}

		case "mark":
			// The provider echoes marks for playback synchronization; no
			// action needed since barge-in uses "clear" instead.

		case "stop":
			if sess != nil {
				sess.Shutdown(ctx)
			}
			return nil
		}
	}
}

// handleStart starts a session orchestrator Session and an STT session for a
// newly-connected call, routing reminder-initiated calls through
// StartReminderCall and everything else through StartInbound (§4.9 step 1).
func (m *MediaStream) handleStart(ctx context.Context, start *startPayload) (*orchestrator.Session, stt.SessionHandle, error) {
	callType := start.CustomParameters["call_type"]

	var (
		sess *orchestrator.Session
		err  error
	)
	if strings.HasPrefix(callType, "reminder") {
		sess, err = m.manager.StartReminderCall(ctx, start.CallSID)
	} else {
		sess, err = m.manager.StartInbound(ctx, start.CallSID, start.CustomParameters["from"])
	}
	if err != nil {
		return nil, nil, fmt.Errorf("start session: %w", err)
	}

	sttSession, err := m.stt.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: m.language})
	if err != nil {
		sess.Shutdown(ctx)
		return nil, nil, fmt.Errorf("start stt stream: %w", err)
	}
	return sess, sttSession, nil
}

// forwardAudioOut drains sess's synthesized audio to the telephony socket as
// 8 kHz µ-law media events until AudioOut closes (on Shutdown) or the write
// fails.
func (m *MediaStream) forwardAudioOut(ctx context.Context, conn *websocket.Conn, sess *orchestrator.Session, streamSID string, wg *sync.WaitGroup) {
	defer wg.Done()
	for frame := range sess.AudioOut() {
		mulaw := audio.TTSToTelephony(frame)
		env := envelope{Event: "media", StreamSID: streamSID, Media: &mediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)}}
		if err := writeEnvelope(ctx, conn, env); err != nil {
			return
		}
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// forwardTranscripts dispatches final transcripts to the session's turn
// loop and triggers barge-in on the first non-empty partial following a
// final, sending a "clear" event so the provider flushes its playback
// buffer (§6 "Clear events are emitted by the core to interrupt in-flight
// playback (barge-in)").
func (m *MediaStream) forwardTranscripts(ctx context.Context, conn *websocket.Conn, sess *orchestrator.Session, sttSession stt.SessionHandle, streamSID string, wg *sync.WaitGroup) {
	defer wg.Done()
	partials := sttSession.Partials()
	finals := sttSession.Finals()
	bargedIn := false

	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if !bargedIn && strings.TrimSpace(t.Text) != "" {
				bargedIn = true
				sess.BargeIn()
				_ = writeEnvelope(ctx, conn, envelope{Event: "clear", StreamSID: streamSID})
			}

		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			bargedIn = false
			if strings.TrimSpace(t.Text) == "" {
				continue
			}
			if err := sess.HandleFinalTranscript(ctx, t.Text); err != nil {
				slog.Warn("telephony: handle final transcript failed", "call_sid", sess.CallSID(), "error", err)
			}

		case <-ctx.Done():
			return
		}
	}
}
