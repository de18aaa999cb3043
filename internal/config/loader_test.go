package config_test

import (
	"strings"
	"testing"

	"github.com/careline-ai/careline/internal/config"
)

func TestValidate_UnknownProviderNameWarnsButDoesNotFail(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  voice_llm: {name: some-custom-backend}
  stt: {name: deepgram}
  tts: {name: elevenlabs}
telephony:
  telephony_account_id: AC-test
  telephony_auth_token: tok-test
  telephony_number: "+15551234567"
database:
  postgres_dsn: postgres://localhost/careline
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unknown but non-empty provider name should only warn, got error: %v", err)
	}
}

func TestValidate_MissingTelephonyAuthToken(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  voice_llm: {name: anyllm}
  stt: {name: deepgram}
  tts: {name: elevenlabs}
telephony:
  telephony_account_id: AC-test
  telephony_number: "+15551234567"
database:
  postgres_dsn: postgres://localhost/careline
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing telephony_auth_token, got nil")
	}
	if !strings.Contains(err.Error(), "telephony_auth_token") {
		t.Errorf("error should mention telephony_auth_token, got: %v", err)
	}
}

func TestValidate_MissingDatabaseDSN(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  voice_llm: {name: anyllm}
  stt: {name: deepgram}
  tts: {name: elevenlabs}
telephony:
  telephony_account_id: AC-test
  telephony_auth_token: tok-test
  telephony_number: "+15551234567"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing postgres_dsn, got nil")
	}
	if !strings.Contains(err.Error(), "postgres_dsn") {
		t.Errorf("error should mention postgres_dsn, got: %v", err)
	}
}

func TestValidate_NegativeMaxCallMinutes(t *testing.T) {
	t.Parallel()
	yaml := minimalValidYAML() + "\nscheduler:\n  max_call_minutes: -1\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative max_call_minutes, got nil")
	}
	if !strings.Contains(err.Error(), "max_call_minutes") {
		t.Errorf("error should mention max_call_minutes, got: %v", err)
	}
}

func TestValidate_MultipleErrorsAreJoined(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("{}"))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"voice_llm", "stt", "tts", "telephony_account_id", "postgres_dsn"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := minimalValidYAML() + "\nunknown_top_level_key: true\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	voiceLLMNames := config.ValidProviderNames["voice_llm"]
	if len(voiceLLMNames) == 0 {
		t.Fatal(`ValidProviderNames["voice_llm"] should not be empty`)
	}
	found := false
	for _, n := range voiceLLMNames {
		if n == "anyllm" {
			found = true
			break
		}
	}
	if !found {
		t.Error(`ValidProviderNames["voice_llm"] should contain "anyllm"`)
	}
}
