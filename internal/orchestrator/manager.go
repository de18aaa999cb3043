package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/careline-ai/careline/internal/contextcache"
	"github.com/careline-ai/careline/internal/dailycontext"
	"github.com/careline-ai/careline/internal/postcall"
	"github.com/careline-ai/careline/internal/tools"
	"github.com/careline-ai/careline/pkg/memory"
	"github.com/careline-ai/careline/pkg/provider/llm"
	"github.com/careline-ai/careline/pkg/provider/tts"
	"github.com/careline-ai/careline/pkg/store"
	"github.com/careline-ai/careline/pkg/types"
)

// Dependencies collects every collaborator a Session needs, shared across
// all calls a Manager owns.
type Dependencies struct {
	Tenants       store.Tenants
	Conversations store.Conversations
	Reminders     store.Reminders
	Deliveries    store.Deliveries
	Memory        memory.Store
	Daily         *dailycontext.Store
	Cache         *contextcache.Cache
	Postcall      *postcall.Processor
	News          *tools.NewsLookup

	// VoiceLLM drives the turn loop; DirectorLLM backs the Director's
	// background analysis. The two are typically different models (§6).
	VoiceLLM    llm.Provider
	DirectorLLM llm.Provider

	TTS   tts.Provider
	Voice types.VoiceProfile

	// BasePersona is the always-present first system-prompt slot (§4.9 slot 1).
	BasePersona string
}

type pendingCall struct {
	tenantID   string
	reminderID string
}

// Manager owns every active call's Session, keyed by call SID. Unlike the
// teacher's SessionManager, which allows exactly one active Discord voice
// session at a time, Manager supports many concurrent independent calls: a
// call's state lives entirely in its own Session, and the only state shared
// across calls is the context cache and the persistence adapter, both held
// in Dependencies (§5: "different calls are independent and isolated").
type Manager struct {
	deps Dependencies

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]pendingCall
}

// NewManager creates a Manager from its shared collaborators.
func NewManager(deps Dependencies) *Manager {
	return &Manager{
		deps:     deps,
		sessions: make(map[string]*Session),
		pending:  make(map[string]pendingCall),
	}
}

// Register implements internal/scheduler.CallRegistrar: the scheduler calls
// this immediately after dialing a reminder so the orchestrator's startup
// lookup can find the call's pre-fetched context by call SID (§4.9 step 1,
// §4.12 step 2).
func (m *Manager) Register(callSID, tenantID, reminderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[callSID] = pendingCall{tenantID: tenantID, reminderID: reminderID}
}

func (m *Manager) takePending(callSID string) (pendingCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.pending[callSID]
	if ok {
		delete(m.pending, callSID)
	}
	return pc, ok
}

// Get returns the active session for callSID, if any.
func (m *Manager) Get(callSID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callSID]
	return s, ok
}

func (m *Manager) remove(callSID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callSID)
}

// StartReminderCall starts a session for a call SID the scheduler already
// dialed and registered via Register.
func (m *Manager) StartReminderCall(ctx context.Context, callSID string) (*Session, error) {
	pc, ok := m.takePending(callSID)
	if !ok {
		return nil, fmt.Errorf("orchestrator: no pending reminder call registered for %s", callSID)
	}
	return m.start(ctx, callSID, pc.tenantID, pc.reminderID)
}

// StartOutbound starts a session for a manually-placed outbound call to
// calleePhone, with no reminder attached.
func (m *Manager) StartOutbound(ctx context.Context, callSID, calleePhone string) (*Session, error) {
	tenant, err := m.deps.Tenants.GetByPhone(ctx, calleePhone)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: look up callee: %w", err)
	}
	if tenant == nil {
		return nil, fmt.Errorf("orchestrator: no tenant registered for phone %s", calleePhone)
	}
	return m.start(ctx, callSID, tenant.ID, "")
}

// StartInbound starts a session for an inbound call from callerPhone.
func (m *Manager) StartInbound(ctx context.Context, callSID, callerPhone string) (*Session, error) {
	tenant, err := m.deps.Tenants.GetByPhone(ctx, callerPhone)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: look up caller: %w", err)
	}
	if tenant == nil {
		return nil, fmt.Errorf("orchestrator: no tenant registered for phone %s", callerPhone)
	}
	return m.start(ctx, callSID, tenant.ID, "")
}

func (m *Manager) start(ctx context.Context, callSID, tenantID, reminderID string) (*Session, error) {
	tenant, err := m.deps.Tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load tenant: %w", err)
	}
	if tenant == nil {
		return nil, fmt.Errorf("orchestrator: unknown tenant %s", tenantID)
	}

	entry, err := m.deps.Cache.Get(ctx, tenantID)
	if err != nil {
		slog.Warn("orchestrator: context cache lookup failed, starting with an empty entry", "tenant_id", tenantID, "error", err)
	}

	var reminder *store.Reminder
	if reminderID != "" {
		reminder, err = m.deps.Reminders.Get(ctx, reminderID)
		if err != nil {
			slog.Warn("orchestrator: reminder lookup failed", "reminder_id", reminderID, "error", err)
			reminder = nil
		}
	}

	conversationID := "conv-" + callSID
	now := time.Now()
	conversation := &store.Conversation{
		ID:        conversationID,
		TenantID:  tenantID,
		CallSID:   callSID,
		StartedAt: now,
		Status:    store.ConversationInProgress,
	}
	if err := m.deps.Conversations.Create(ctx, conversation); err != nil {
		return nil, fmt.Errorf("orchestrator: create conversation: %w", err)
	}

	s := newSession(m, callSID, conversationID, tenant, reminder, entry, now)

	m.mu.Lock()
	m.sessions[callSID] = s
	m.mu.Unlock()

	if err := s.greet(ctx); err != nil {
		slog.Warn("orchestrator: opening greeting failed", "call_sid", callSID, "error", err)
	}

	return s, nil
}
