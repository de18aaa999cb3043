// Package orchestrator implements the Session Orchestrator (§4.9): the
// per-call turn loop that ties the Pattern Observer, Director, Conversation
// Tracker, Guidance Stripper, Call-Ending Controller, and Tool Registry
// together around one LLM/TTS/STT pipeline.
//
// Grounded on the teacher's internal/engine/cascade.Engine for the
// streaming/tool-dispatch turn shape and internal/app.SessionManager for the
// per-call lifecycle (startup, shutdown, ownership of sub-components as
// non-owning handles behind a mutex-guarded struct). Unlike the cascade
// engine's dual fast/strong model cascade, one model serves the whole turn
// here; unlike the teacher's single active Discord voice session, many
// Sessions run concurrently, one per call (see manager.go).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/careline-ai/careline/internal/callend"
	"github.com/careline-ai/careline/internal/contextcache"
	"github.com/careline-ai/careline/internal/dailycontext"
	"github.com/careline-ai/careline/internal/director"
	"github.com/careline-ai/careline/internal/flow"
	"github.com/careline-ai/careline/internal/guidance"
	"github.com/careline-ai/careline/internal/observer"
	"github.com/careline-ai/careline/internal/postcall"
	"github.com/careline-ai/careline/internal/tools"
	"github.com/careline-ai/careline/internal/tracker"
	"github.com/careline-ai/careline/pkg/provider/llm"
	"github.com/careline-ai/careline/pkg/store"
	"github.com/careline-ai/careline/pkg/types"
)

// maxToolRounds bounds how many tool-call/continuation round trips one turn
// may take before the orchestrator gives up and speaks whatever text it has.
const maxToolRounds = 3

var (
	sentenceBoundaryRe  = regexp.MustCompile(`[.!?]+(\s+|$)`)
	assistantGoodbyeRe  = regexp.MustCompile(`(?i)\b(goodbye|good bye|take care|talk to you (later|soon)|have a (good|wonderful|great) (day|night|one)|bye( now)?)\b`)
	defaultGreetingText = "Hello! It's so good to hear from you. How are you doing today?"
)

// phaseInstructions is the per-phase task-instruction slot (§4.9 slot 6).
var phaseInstructions = map[types.Phase]string{
	types.PhaseOpening:     "Greet warmly, ask how they're doing, and let the conversation move naturally toward the main phase.",
	types.PhaseMain:        "Have a warm, unhurried conversation. Follow up on things from before, check on wellbeing, and if a reminder needs delivering, bring it up naturally.",
	types.PhaseWindingDown: "Start steering the conversation toward a close without being abrupt about it.",
	types.PhaseClosing:     "Say a warm, genuine goodbye and let the call end once they say goodbye back.",
}

// Session owns everything specific to one call: the phase machine, the two
// observation layers, the tracker, the stripper, the ending controller, the
// tool registry, and the live message history sent to the LLM.
type Session struct {
	callSID        string
	conversationID string
	tenant         *store.Tenant
	reminder       *store.Reminder
	startedAt      time.Time
	cacheEntry     contextcache.Entry

	deps Dependencies

	machine  *flow.Machine
	observer *observer.Observer
	director *director.Director
	tracker  *tracker.Tracker
	ending   *callend.Controller
	registry *tools.Registry

	manager *Manager

	mu                  sync.Mutex
	messages            []types.Message
	lastPhaseForContext types.Phase
	currentTurnCancel   context.CancelFunc
	ended               bool

	audioOut chan []byte
}

func newSession(mgr *Manager, callSID, conversationID string, tenant *store.Tenant, reminder *store.Reminder, entry contextcache.Entry, startedAt time.Time) *Session {
	s := &Session{
		callSID:        callSID,
		conversationID: conversationID,
		tenant:         tenant,
		reminder:       reminder,
		startedAt:      startedAt,
		cacheEntry:     entry,
		deps:           mgr.deps,
		machine:        flow.New(),
		observer:       observer.New(),
		director:       director.New(mgr.deps.DirectorLLM, startedAt),
		tracker:        tracker.New(),
		manager:        mgr,
		audioOut:       make(chan []byte, 64),
	}
	s.lastPhaseForContext = s.machine.Phase()
	s.registry = tools.NewRegistry(tenant.ID, mgr.deps.Memory, s.machine, mgr.deps.Deliveries, mgr.deps.News)
	s.ending = callend.New(callSID, func() {
		go s.Shutdown(context.Background())
	})
	return s
}

// AudioOut returns the channel carrying synthesized PCM audio for this
// call's greeting and every subsequent turn, until Shutdown closes it. The
// telephony transport drains this into the outgoing media stream.
func (s *Session) AudioOut() <-chan []byte {
	return s.audioOut
}

// CallSID returns the call SID this session belongs to.
func (s *Session) CallSID() string { return s.callSID }

// greet emits the opening greeting via TTS before STT begins (§4.9 step 1).
func (s *Session) greet(ctx context.Context) error {
	greeting := strings.TrimSpace(s.cacheEntry.GreetingTemplate)
	if greeting == "" {
		greeting = defaultGreetingText
	}
	return s.speakText(ctx, greeting)
}

// HandleFinalTranscript runs one turn of the conversation for a finalized
// user utterance (§4.9 step 2). It is a no-op once the session has ended.
func (s *Session) HandleFinalTranscript(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	turnCtx, cancel := context.WithCancel(ctx)
	s.currentTurnCancel = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.currentTurnCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	return s.runTurn(turnCtx, text)
}

// BargeIn aborts the in-flight turn's LLM/TTS streaming (§4.9 step 3): the
// STT layer reports user speech while the assistant's audio is still
// playing. A no-op if no turn is currently in flight. The new utterance
// starts its own turn once it finalizes, through HandleFinalTranscript.
func (s *Session) BargeIn() {
	s.mu.Lock()
	cancel := s.currentTurnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// runTurn is one pass through the turn loop: Layer-1 analysis, Director
// submission, system-prompt composition, the LLM/tool-dispatch loop, and
// speaking the result.
func (s *Session) runTurn(ctx context.Context, utterance string) error {
	s.maybeResetContext()

	record := s.observer.Analyze(utterance)
	s.ending.ObserveUser(record.GoodbyeStrength, true)

	now := time.Now()
	switch s.director.CheckTimeFallback(now) {
	case director.ForceEnd:
		s.ending.ForceEnd("maximum call duration reached")
	case director.ForceWindDown:
		_ = s.machine.Transition(types.PhaseWindingDown)
	}

	dirOutput, _ := s.director.Cached()
	history := s.messagesSnapshot()
	s.director.Submit(ctx, utterance, history)

	s.appendMessage(types.Message{Role: "user", Content: utterance})
	s.tracker.RecordTurn("user", utterance, now)
	if err := s.deps.Conversations.AppendTurn(ctx, s.conversationID, store.Turn{Role: store.TurnUser, Content: utterance, Timestamp: now}); err != nil {
		slog.Warn("orchestrator: append user turn failed", "conversation_id", s.conversationID, "error", err)
	}

	systemPrompt := s.composeSystemPrompt(record, dirOutput)

	node := s.machine.CurrentNode()
	available := filterTools(s.registry.All(), node.EnabledTools)
	toolDefs := make([]types.ToolDefinition, len(available))
	for i, t := range available {
		toolDefs[i] = t.Definition
	}

	req := llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     s.messagesSnapshot(),
		Tools:        toolDefs,
		MaxTokens:    record.Recommendation.MaxTokens,
		Temperature:  0.7,
	}

	return s.runLLMWithTools(ctx, req, available, 0)
}

// maybeResetContext applies the current phase's ContextStrategy the first
// time a turn observes that phase, per §4.7.
func (s *Session) maybeResetContext() {
	node := s.machine.CurrentNode()

	s.mu.Lock()
	defer s.mu.Unlock()
	if node.Phase == s.lastPhaseForContext {
		return
	}
	s.lastPhaseForContext = node.Phase
	if node.ContextStrategy == flow.ContextResetWithSummary {
		summary := s.tracker.Summary()
		if words := strings.Fields(summary); len(words) > 200 {
			summary = strings.Join(words[:200], " ")
		}
		s.messages = []types.Message{{Role: "assistant", Content: "[Earlier in this call] " + summary}}
	}
}

type accumulatingCall struct {
	name string
	args strings.Builder
}

// runLLMWithTools streams one completion round, dispatches any requested
// tool calls, and recurses with their results appended until the model
// stops requesting tools or maxToolRounds is reached. The final round's text
// is spoken; intermediate tool-calling rounds are not, since a model
// requesting a tool rarely has user-facing text to say in the same breath.
func (s *Session) runLLMWithTools(ctx context.Context, req llm.CompletionRequest, available []tools.Tool, round int) error {
	byName := make(map[string]tools.Tool, len(available))
	for _, t := range available {
		byName[t.Definition.Name] = t
	}

	ch, err := s.deps.VoiceLLM.StreamCompletion(ctx, req)
	if err != nil {
		return fmt.Errorf("orchestrator: stream completion: %w", err)
	}

	var text strings.Builder
	calls := make(map[string]*accumulatingCall)
	var order []string
	finish := ""

	for chunk := range ch {
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
		for _, tc := range chunk.ToolCalls {
			ac, ok := calls[tc.ID]
			if !ok {
				ac = &accumulatingCall{}
				calls[tc.ID] = ac
				order = append(order, tc.ID)
			}
			if tc.Name != "" {
				ac.name = tc.Name
			}
			ac.args.WriteString(tc.Arguments)
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if finish == "error" {
		return fmt.Errorf("orchestrator: llm stream reported an error")
	}

	if finish == "tool_calls" && len(order) > 0 && round < maxToolRounds {
		msgs := append(append([]types.Message{}, req.Messages...), types.Message{
			Role:      "assistant",
			Content:   text.String(),
			ToolCalls: collectToolCalls(order, calls),
		})
		for _, id := range order {
			ac := calls[id]
			var result string
			if tool, known := byName[ac.name]; known {
				toolCtx, cancel := context.WithTimeout(tools.WithConversationID(ctx, s.conversationID), time.Duration(tool.DeclaredMax)*time.Millisecond)
				out, err := tool.Handler(toolCtx, ac.args.String())
				cancel()
				if err != nil {
					slog.Warn("orchestrator: tool handler error", "tool", ac.name, "error", err)
				}
				result = out
			} else {
				result = fmt.Sprintf("tool %q is not available in the current phase", ac.name)
			}
			msgs = append(msgs, types.Message{Role: "tool", Content: result, ToolCallID: id, Name: ac.name})
		}
		next := req
		next.Messages = msgs
		return s.runLLMWithTools(ctx, next, available, round+1)
	}

	return s.speakText(ctx, text.String())
}

func collectToolCalls(order []string, calls map[string]*accumulatingCall) []types.ToolCall {
	out := make([]types.ToolCall, 0, len(order))
	for _, id := range order {
		ac := calls[id]
		out = append(out, types.ToolCall{ID: id, Name: ac.name, Arguments: ac.args.String()})
	}
	return out
}

// speakText strips guidance markup from text, synthesizes it, forwards the
// audio to AudioOut, and records the turn in the tracker, message history,
// and the live conversation transcript.
func (s *Session) speakText(ctx context.Context, text string) error {
	clean := guidance.StripClean(text)
	if strings.TrimSpace(clean) == "" {
		return nil
	}

	for _, sentence := range splitSentences(clean) {
		s.tracker.ObserveAssistantSentence(sentence)
	}

	textCh := make(chan string, 1)
	textCh <- clean
	close(textCh)

	audioCh, err := s.deps.TTS.SynthesizeStream(ctx, textCh, s.deps.Voice)
	if err != nil {
		return fmt.Errorf("orchestrator: tts start: %w", err)
	}
	for frame := range audioCh {
		select {
		case s.audioOut <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	now := time.Now()
	s.appendMessage(types.Message{Role: "assistant", Content: clean})
	s.tracker.RecordTurn("assistant", clean, now)
	if err := s.deps.Conversations.AppendTurn(context.Background(), s.conversationID, store.Turn{Role: store.TurnAssistant, Content: clean, Timestamp: now}); err != nil {
		slog.Warn("orchestrator: append assistant turn failed", "conversation_id", s.conversationID, "error", err)
	}
	s.ending.ObserveAssistant(assistantGoodbyeRe.MatchString(clean))
	return nil
}

// composeSystemPrompt builds the twelve-slot system prompt (§4.9 step 2).
func (s *Session) composeSystemPrompt(record observer.AnalysisRecord, dir director.Output) string {
	node := s.machine.CurrentNode()

	var b strings.Builder
	write := func(label, content string) {
		if strings.TrimSpace(content) == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(content)
	}

	write("PERSONA", s.deps.BasePersona)
	write("TENANT", tenantIdentity(s.tenant))
	write("MEMORY", s.cacheEntry.MemoryContext)
	write("TODAY", formatDailyContext(s.cacheEntry.DailyContext))
	write("REMINDER TO DELIVER", s.reminderInstruction())
	write("PHASE TASK", phaseInstructions[node.Phase])
	write("OBSERVED SIGNALS", record.Guidance)
	write("DIRECTOR GUIDANCE", dir.Guidance)
	write("UNDELIVERED REMINDERS", s.undeliveredReminderSummary())
	write("CONVERSATION TRACKER", s.tracker.Summary())
	write("RECENT CALLS", strings.Join(s.cacheEntry.PriorCallSummaries, " | "))
	write("NEWS", s.cacheEntry.NewsHeadlines)

	return b.String()
}

func (s *Session) reminderInstruction() string {
	if s.reminder == nil {
		return ""
	}
	return fmt.Sprintf("This call was placed to deliver the %s reminder %q: %s. Bring it up naturally and call mark_reminder_acknowledged once the person acknowledges it.",
		s.reminder.Type, s.reminder.Title, s.reminder.Description)
}

func (s *Session) undeliveredReminderSummary() string {
	if s.reminder == nil {
		return ""
	}
	return fmt.Sprintf("%s (%s)", s.reminder.Title, s.reminder.Type)
}

func tenantIdentity(t *store.Tenant) string {
	if t == nil {
		return ""
	}
	notes := t.FamilyNotes
	if notes == "" {
		notes = "none on file"
	}
	return fmt.Sprintf("%s, timezone %s. Family notes: %s.", t.DisplayName, t.Timezone, notes)
}

func formatDailyContext(d dailycontext.TodaysContext) string {
	var parts []string
	if len(d.Topics) > 0 {
		parts = append(parts, "topics so far today: "+strings.Join(d.Topics, ", "))
	}
	if len(d.RemindersDelivered) > 0 {
		parts = append(parts, "reminders already delivered today: "+strings.Join(d.RemindersDelivered, ", "))
	}
	if len(d.AdviceGiven) > 0 {
		parts = append(parts, "advice already given today: "+strings.Join(d.AdviceGiven, ", "))
	}
	if len(d.Highlights) > 0 {
		parts = append(parts, "highlights: "+strings.Join(d.Highlights, ", "))
	}
	return strings.Join(parts, "; ")
}

func filterTools(all []tools.Tool, enabled []string) []tools.Tool {
	allow := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		allow[name] = true
	}
	out := make([]tools.Tool, 0, len(all))
	for _, t := range all {
		if allow[t.Definition.Name] {
			out = append(out, t)
		}
	}
	return out
}

// splitSentences breaks clean assistant text into sentences for the
// tracker's per-sentence question/advice detection.
func splitSentences(text string) []string {
	idx := sentenceBoundaryRe.FindAllStringIndex(text, -1)
	if len(idx) == 0 {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}
	var out []string
	start := 0
	for _, m := range idx {
		out = append(out, strings.TrimSpace(text[start:m[1]]))
		start = m[1]
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

func (s *Session) appendMessage(m types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

func (s *Session) messagesSnapshot() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message(nil), s.messages...)
}

func (s *Session) storeTurns() []store.Turn {
	entries := s.tracker.Transcript()
	out := make([]store.Turn, len(entries))
	for i, e := range entries {
		role := store.TurnUser
		if e.Role == "assistant" {
			role = store.TurnAssistant
		}
		out[i] = store.Turn{Role: role, Content: e.Content, Timestamp: e.Timestamp}
	}
	return out
}

func (s *Session) deliveredReminderIDs() []string {
	if s.reminder == nil {
		return nil
	}
	return []string{s.reminder.ID}
}

// Shutdown flushes the transcript, marks the conversation completed,
// invokes the post-call processor asynchronously, and removes the session
// from the manager's active-sessions map (§4.9 step 4). Idempotent.
func (s *Session) Shutdown(_ context.Context) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()

	s.ending.MarkEnded()
	s.BargeIn()
	close(s.audioOut)

	input := postcall.Input{
		ConversationID:     s.conversationID,
		TenantID:           s.tenant.ID,
		TenantTimezone:     s.tenant.Timezone,
		TenantProfile:      s.deps.BasePersona,
		CallSID:            s.callSID,
		Transcript:         s.storeTurns(),
		Status:             store.ConversationCompleted,
		EndedAt:            time.Now(),
		TopicsDiscussed:    s.tracker.Topics(),
		AdviceGiven:        s.tracker.Advice(),
		DeliveredReminders: s.deliveredReminderIDs(),
	}
	go s.deps.Postcall.Run(context.Background(), input)

	s.manager.remove(s.callSID)
}
