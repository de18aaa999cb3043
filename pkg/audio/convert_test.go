package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/careline-ai/careline/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 16000, 16000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.ResampleMono16(pcm, 8000, 24000)
	got := bytesToSamples(out)
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audio.ResampleMono16(pcm, 24000, 8000)
	got := bytesToSamples(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200})
	out := audio.ResampleMono16(pcm, 0, 16000)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero srcRate, got len %d", len(out))
	}
	out = audio.ResampleMono16(pcm, 16000, 0)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero dstRate, got len %d", len(out))
	}
	out = audio.ResampleMono16(pcm, -1, 16000)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for negative srcRate, got len %d", len(out))
	}
}

func TestApplyGain_Clamping(t *testing.T) {
	pcm := samplesToBytes([]int16{20000, -20000})
	out := audio.ApplyGain(pcm, 2.0)
	got := bytesToSamples(out)
	if got[0] != 32767 {
		t.Errorf("expected clamp to 32767, got %d", got[0])
	}
	if got[1] != -32768 {
		t.Errorf("expected clamp to -32768, got %d", got[1])
	}
}

func TestApplyGain_Identity(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200})
	out := audio.ApplyGain(pcm, 1.0)
	if &out[0] != &pcm[0] {
		t.Error("expected same slice for gain=1.0")
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000}}
	frame := audio.AudioFrame{
		Data:       samplesToBytes([]int16{100, 200}),
		SampleRate: 16000,
		Channels:   1,
	}
	result := conv.Convert(frame)
	if &result.Data[0] != &frame.Data[0] {
		t.Error("expected same slice (zero allocation) for matching format")
	}
}

func TestFormatConverter_Resamples(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000}}
	frame := audio.AudioFrame{
		Data:       samplesToBytes([]int16{1000, 2000}),
		SampleRate: 8000,
		Channels:   1,
	}
	result := conv.Convert(frame)
	if result.SampleRate != 16000 {
		t.Errorf("expected 16000Hz, got %d", result.SampleRate)
	}
	got := bytesToSamples(result.Data)
	if len(got) != 4 {
		t.Errorf("expected 4 samples, got %d", len(got))
	}
}

func TestFormatConverter_OddByteCount(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000}}
	frame := audio.AudioFrame{
		Data:       []byte{1, 2, 3},
		SampleRate: 16000,
		Channels:   1,
	}
	result := conv.Convert(frame)
	if len(result.Data) != 2 {
		t.Errorf("expected truncated 2-byte data, got %d bytes", len(result.Data))
	}
}

func TestConvertStream(t *testing.T) {
	in := make(chan audio.AudioFrame, 2)
	target := audio.Format{SampleRate: 16000}

	out := audio.ConvertStream(in, target)

	in <- audio.AudioFrame{
		Data:       samplesToBytes([]int16{100, 200}),
		SampleRate: 8000,
		Channels:   1,
	}
	in <- audio.AudioFrame{
		Data:       samplesToBytes([]int16{500, 600}),
		SampleRate: 16000,
		Channels:   1,
	}
	close(in)

	var results []audio.AudioFrame
	for frame := range out {
		results = append(results, frame)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(results))
	}
	for _, r := range results {
		if r.SampleRate != 16000 {
			t.Errorf("expected 16000Hz, got %d", r.SampleRate)
		}
	}
}

func TestMuLawRoundTrip(t *testing.T) {
	// A synthetic tone-like sample set; µ-law is lossy, so assert
	// perceptible equivalence (bounded error), not exact equality.
	pcm := samplesToBytes([]int16{0, 1000, -1000, 16000, -16000, 32000, -32000})
	mulaw := audio.PCM16ToMuLaw(pcm)
	if len(mulaw) != 7 {
		t.Fatalf("expected 7 mu-law bytes, got %d", len(mulaw))
	}
	roundTripped := audio.MuLawToPCM16(mulaw)
	got := bytesToSamples(roundTripped)
	want := bytesToSamples(pcm)
	for i := range want {
		diff := int(got[i]) - int(want[i])
		if diff < 0 {
			diff = -diff
		}
		// µ-law quantization error grows with amplitude; allow a generous bound.
		if diff > 2000 {
			t.Errorf("sample %d: got %d, want ~%d (diff %d)", i, got[i], want[i], diff)
		}
	}
}

func TestUpsampleDuplicate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200})
	out := audio.UpsampleDuplicate(pcm, 2)
	got := bytesToSamples(out)
	want := []int16{100, 100, 200, 200}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDownsampleDecimate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audio.DownsampleDecimate(pcm, 3)
	got := bytesToSamples(out)
	want := []int16{100, 400}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestTelephonyToSTTAndBack(t *testing.T) {
	mulaw := audio.PCM16ToMuLaw(samplesToBytes([]int16{1000, -1000, 2000}))
	frame := audio.TelephonyToSTT(mulaw)
	if frame.SampleRate != 16000 {
		t.Errorf("expected 16000Hz, got %d", frame.SampleRate)
	}
	if len(frame.Data) != 6*2 {
		t.Fatalf("expected 6 upsampled samples, got %d bytes", len(frame.Data))
	}

	back := audio.TTSToTelephony(samplesToBytes([]int16{100, 200, 300, 400, 500, 600}))
	if len(back) != 2 {
		t.Fatalf("expected 2 mu-law bytes after 24kHz->8kHz decimation, got %d", len(back))
	}
}
