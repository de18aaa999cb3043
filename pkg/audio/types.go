package audio

import "time"

// AudioFrame represents a single frame of mono audio data flowing through the
// call pipeline — received from the telephony transport, decoded/encoded by
// the codec, and produced by the TTS provider.
type AudioFrame struct {
	// Data is PCM16 or µ-law audio, depending on where the frame sits in the pipeline.
	Data []byte

	// SampleRate in Hz (8000 telephony, 16000 STT, 24000 TTS).
	SampleRate int

	// Channels is always 1; every stream in this pipeline is mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to call start.
	Timestamp time.Duration
}
