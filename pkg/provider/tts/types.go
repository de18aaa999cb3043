package tts

import "github.com/careline-ai/careline/pkg/types"

// VoiceProfile is an alias onto the shared voice-tuning shape (§6:
// voice_id, stability, similarity_boost, style, use_speaker_boost, speed).
type VoiceProfile = types.VoiceProfile
