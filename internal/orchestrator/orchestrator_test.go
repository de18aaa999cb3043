package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/careline-ai/careline/internal/contextcache"
	"github.com/careline-ai/careline/internal/dailycontext"
	"github.com/careline-ai/careline/internal/orchestrator"
	"github.com/careline-ai/careline/internal/postcall"
	"github.com/careline-ai/careline/internal/tools"
	memorymock "github.com/careline-ai/careline/pkg/memory/mock"
	"github.com/careline-ai/careline/pkg/provider/llm"
	llmmock "github.com/careline-ai/careline/pkg/provider/llm/mock"
	ttsmock "github.com/careline-ai/careline/pkg/provider/tts/mock"
	"github.com/careline-ai/careline/pkg/store"
	storemock "github.com/careline-ai/careline/pkg/store/mock"
	"github.com/careline-ai/careline/pkg/types"
)

func newManager(t *testing.T, voiceLLM llm.Provider) (*orchestrator.Manager, *storemock.Tenants, *storemock.Conversations, *storemock.Deliveries, *ttsmock.Provider) {
	t.Helper()

	tenant := &store.Tenant{ID: "tenant-1", DisplayName: "Alice", Phone: "+15550001111", Timezone: "America/Chicago", InterestTags: []string{"gardening"}}
	tenants := &storemock.Tenants{GetResult: tenant, GetByPhoneResult: tenant}
	conversations := &storemock.Conversations{}
	reminders := &storemock.Reminders{}
	deliveries := &storemock.Deliveries{}
	analyses := &storemock.CallAnalyses{}
	dailyStoreMock := &storemock.DailyContexts{}
	daily := dailycontext.New(dailyStoreMock)
	mem := memorymock.NewStore()
	cache := contextcache.New(tenants, conversations, mem, daily, nil)
	proc := postcall.New(conversations, analyses, mem, daily, cache, nil)
	news := tools.NewNewsLookup(&llmmock.Provider{})
	ttsProvider := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("audio")}}

	deps := orchestrator.Dependencies{
		Tenants:       tenants,
		Conversations: conversations,
		Reminders:     reminders,
		Deliveries:    deliveries,
		Memory:        mem,
		Daily:         daily,
		Cache:         cache,
		Postcall:      proc,
		News:          news,
		VoiceLLM:      voiceLLM,
		DirectorLLM:   &llmmock.Provider{},
		TTS:           ttsProvider,
		Voice:         types.VoiceProfile{ID: "voice-1"},
		BasePersona:   "You are a warm, patient phone companion.",
	}

	return orchestrator.NewManager(deps), tenants, conversations, deliveries, ttsProvider
}

func TestStartOutbound_SpeaksOpeningGreeting(t *testing.T) {
	mgr, _, conversations, _, ttsProvider := newManager(t, &llmmock.Provider{})

	sess, err := mgr.StartOutbound(context.Background(), "CA1", "+15550001111")
	if err != nil {
		t.Fatalf("StartOutbound: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a non-nil session")
	}

	if conversations.CallCount("Create") != 1 {
		t.Errorf("expected one conversation created, got %d", conversations.CallCount("Create"))
	}
	if conversations.CallCount("AppendTurn") != 1 {
		t.Errorf("expected the greeting appended as one turn, got %d", conversations.CallCount("AppendTurn"))
	}
	if len(ttsProvider.SynthesizeStreamCalls) != 1 {
		t.Errorf("expected exactly one TTS call for the greeting, got %d", len(ttsProvider.SynthesizeStreamCalls))
	}

	select {
	case frame, ok := <-sess.AudioOut():
		if !ok || len(frame) == 0 {
			t.Fatal("expected a non-empty audio frame from the greeting")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for greeting audio")
	}
}

func TestStartOutbound_UnknownPhoneFails(t *testing.T) {
	mgr, tenants, _, _, _ := newManager(t, &llmmock.Provider{})
	tenants.GetByPhoneResult = nil

	if _, err := mgr.StartOutbound(context.Background(), "CA1", "+10000000000"); err == nil {
		t.Fatal("expected an error for an unregistered phone number")
	}
}

func TestReminderCall_RegisterThenStartFindsPendingCall(t *testing.T) {
	mgr, _, _, _, _ := newManager(t, &llmmock.Provider{})

	mgr.Register("CA-REMINDER", "tenant-1", "reminder-1")

	sess, err := mgr.StartReminderCall(context.Background(), "CA-REMINDER")
	if err != nil {
		t.Fatalf("StartReminderCall: %v", err)
	}
	if sess.CallSID() != "CA-REMINDER" {
		t.Errorf("expected call SID CA-REMINDER, got %s", sess.CallSID())
	}

	if _, err := mgr.StartReminderCall(context.Background(), "CA-REMINDER"); err == nil {
		t.Fatal("expected the pending registration to be consumed after the first start")
	}
}

func TestHandleFinalTranscript_DispatchesToolCallThenSpeaksFinalText(t *testing.T) {
	voiceLLM := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "transition_to_main", Arguments: "{}"}}},
			{FinishReason: "tool_calls"},
		},
	}
	mgr, _, conversations, _, ttsProvider := newManager(t, voiceLLM)

	sess, err := mgr.StartOutbound(context.Background(), "CA1", "+15550001111")
	if err != nil {
		t.Fatalf("StartOutbound: %v", err)
	}
	drain(sess)

	// The mock only returns one fixed StreamChunks sequence for every call, so
	// the recursive continuation round sees the same tool-call chunks again;
	// runLLMWithTools's round cap keeps this bounded rather than infinite.
	if err := sess.HandleFinalTranscript(context.Background(), "Hi there"); err != nil {
		t.Fatalf("HandleFinalTranscript: %v", err)
	}

	if len(voiceLLM.StreamCalls) < 1 {
		t.Fatal("expected at least one streamed completion call")
	}
	firstReq := voiceLLM.StreamCalls[0].Req
	if firstReq.SystemPrompt == "" {
		t.Error("expected a non-empty composed system prompt")
	}
	foundTool := false
	for _, tool := range firstReq.Tools {
		if tool.Name == "transition_to_main" {
			foundTool = true
		}
	}
	if !foundTool {
		t.Error("expected transition_to_main among the opening phase's enabled tools")
	}

	if conversations.CallCount("AppendTurn") < 2 {
		t.Errorf("expected at least the greeting and the user turn appended, got %d", conversations.CallCount("AppendTurn"))
	}
	_ = ttsProvider
}

func TestHandleFinalTranscript_NoOpAfterShutdown(t *testing.T) {
	mgr, _, _, _, _ := newManager(t, &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Goodbye now.", FinishReason: "stop"}}})

	sess, err := mgr.StartOutbound(context.Background(), "CA1", "+15550001111")
	if err != nil {
		t.Fatalf("StartOutbound: %v", err)
	}
	drain(sess)

	sess.Shutdown(context.Background())

	if _, ok := mgr.Get("CA1"); ok {
		t.Error("expected the session to be removed from the manager after shutdown")
	}

	if err := sess.HandleFinalTranscript(context.Background(), "hello?"); err != nil {
		t.Errorf("expected a no-op after shutdown, got error: %v", err)
	}
}

func TestBargeIn_NoOpWithoutInFlightTurn(t *testing.T) {
	mgr, _, _, _, _ := newManager(t, &llmmock.Provider{})

	sess, err := mgr.StartOutbound(context.Background(), "CA1", "+15550001111")
	if err != nil {
		t.Fatalf("StartOutbound: %v", err)
	}
	drain(sess)

	sess.BargeIn() // must not panic with no turn in flight
}

// drain consumes any buffered audio so later sends to a capacity-bounded
// AudioOut channel in the same test don't block.
func drain(sess *orchestrator.Session) {
	for {
		select {
		case _, ok := <-sess.AudioOut():
			if !ok {
				return
			}
		default:
			return
		}
	}
}
