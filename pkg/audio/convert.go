// Package audio converts between the telephony µ-law 8 kHz mono wire format
// and the linear PCM formats used by the STT (16 kHz) and TTS (24 kHz)
// providers. All conversions are pure and stateless; callers own buffering.
package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate of a mono linear-PCM stream. Every stream
// in this pipeline is single-channel; telephony, STT, and TTS never carry
// stereo audio.
type Format struct {
	SampleRate int
}

// FormatConverter converts AudioFrames to a target sample rate. It logs a
// warning on the first format mismatch and validates PCM data alignment.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame's sample rate to the target. If the source rate
// already matches the target, the frame is returned unchanged (zero
// allocation). Invalid buffer lengths (odd byte count for int16 PCM) are
// rounded down to the nearest sample boundary rather than rejected, per the
// codec's no-public-errors contract.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: odd byte count in PCM data, truncating",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
			)
		})
		frame.Data = frame.Data[:len(frame.Data)-1]
	}

	if frame.SampleRate == c.Target.SampleRate {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.SampleRate),
			"to", formatString(c.Target.SampleRate),
		)
	})

	return AudioFrame{
		Data:       ResampleMono16(frame.Data, frame.SampleRate, c.Target.SampleRate),
		SampleRate: c.Target.SampleRate,
		Channels:   1,
		Timestamp:  frame.Timestamp,
	}
}

// ConvertStream wraps an input channel with a conversion goroutine. It closes
// the returned channel when in closes. Uses cap(in) for the output channel
// buffer. Frames with empty data (e.g. from odd byte count) are dropped.
func ConvertStream(in <-chan AudioFrame, target Format) <-chan AudioFrame {
	out := make(chan AudioFrame, cap(in))
	go func() {
		defer close(out)
		conv := FormatConverter{Target: target}
		for frame := range in {
			converted := conv.Convert(frame)
			if len(converted.Data) == 0 {
				continue
			}
			out <- converted
		}
	}()
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate by linear
// interpolation between neighbouring source samples; for an integer
// downsampling ratio every output position lands on a source sample, so it
// reduces to decimation. No band-limiting filter is applied. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		if srcIdx >= srcSamples {
			srcIdx = srcSamples - 1
		}
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ApplyGain multiplies every int16 sample in pcm by gain, clamping to the
// int16 range to avoid wraparound distortion.
func ApplyGain(pcm []byte, gain float64) []byte {
	if gain == 1.0 || len(pcm) < 2 {
		return pcm
	}
	n := len(pcm) / 2
	out := make([]byte, n*2)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		v := float64(s) * gain
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i*2] = byte(int16(v))
		out[i*2+1] = byte(int16(v) >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate, e.g. "16000Hz mono".
func formatString(rate int) string {
	return fmt.Sprintf("%dHz mono", rate)
}
