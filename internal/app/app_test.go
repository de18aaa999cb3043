package app_test

import (
	"context"
	"testing"

	"github.com/careline-ai/careline/internal/app"
	"github.com/careline-ai/careline/internal/config"
	memorymock "github.com/careline-ai/careline/pkg/memory/mock"
	llmmock "github.com/careline-ai/careline/pkg/provider/llm/mock"
	sttmock "github.com/careline-ai/careline/pkg/provider/stt/mock"
	ttsmock "github.com/careline-ai/careline/pkg/provider/tts/mock"
	storemock "github.com/careline-ai/careline/pkg/store/mock"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":0", LogLevel: config.LogLevelInfo},
		Telephony: config.TelephonyConfig{
			AccountID: "AC-test",
			AuthToken: "tok-test",
			Number:    "+15551234567",
			PublicURL: "https://careline.example",
		},
		Voice: config.VoiceConfig{VoiceID: "sage-v1", Stability: 0.6, Speed: 1.0},
	}
}

func testProviders() *app.Providers {
	return &app.Providers{
		VoiceLLM:    &llmmock.Provider{},
		DirectorLLM: &llmmock.Provider{},
		AnalysisLLM: &llmmock.Provider{},
		STT:         &sttmock.Provider{},
		TTS:         &ttsmock.Provider{},
	}
}

// testOptions injects in-memory doubles for every collaborator New would
// otherwise build from a PostgreSQL DSN, so App construction never touches
// a real database in unit tests.
func testOptions() []app.Option {
	return []app.Option{
		app.WithTenants(&storemock.Tenants{}),
		app.WithConversations(&storemock.Conversations{}),
		app.WithReminders(&storemock.Reminders{}),
		app.WithDeliveries(&storemock.Deliveries{}),
		app.WithCallAnalyses(&storemock.CallAnalyses{}),
		app.WithMemoryStore(memorymock.NewStore()),
	}
}

func TestNew_WiresAllCollaborators(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(), testProviders(), testOptions()...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Manager() == nil {
		t.Error("expected a non-nil orchestrator manager")
	}
	if a.Dialer() == nil {
		t.Error("expected a non-nil outbound dialer")
	}
}

func TestNew_SchedulerDisabledBuildsWithoutOne(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Scheduler.Enabled = false
	a, err := app.New(context.Background(), cfg, testProviders(), testOptions()...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == nil {
		t.Fatal("expected a non-nil app")
	}
}

func TestNew_MissingSTTProviderFails(t *testing.T) {
	t.Parallel()
	providers := testProviders()
	providers.STT = nil
	_, err := app.New(context.Background(), testConfig(), providers, testOptions()...)
	if err == nil {
		t.Fatal("expected error when no stt provider is configured")
	}
}

func TestShutdown_IsIdempotent(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(), testProviders(), testOptions()...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("first shutdown: unexpected error: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second shutdown should be a no-op, got: %v", err)
	}
}
