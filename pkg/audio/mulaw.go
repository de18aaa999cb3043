package audio

// µ-law (G.711) encoding as used by telephony carriers: 8-bit companded
// samples representing 14-bit linear PCM dynamic range. Conversions here are
// pure and stateless, matching the rest of this package.

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// muLawDecodeTable maps every possible µ-law byte to its linear PCM16 value.
// Built once at package init via muLawDecodeSample so the hot path (decoding
// a whole telephony frame) is a table lookup rather than per-sample bit math.
var muLawDecodeTable [256]int16

func init() {
	for i := range 256 {
		muLawDecodeTable[i] = muLawDecodeSample(byte(i))
	}
}

// muLawDecodeSample decodes a single µ-law byte into a linear PCM16 sample.
func muLawDecodeSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	sample := (int32(mantissa) << 3) + muLawBias
	sample <<= exponent
	sample -= muLawBias

	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// muLawEncodeSample encodes a linear PCM16 sample into a µ-law byte.
func muLawEncodeSample(sample int16) byte {
	var sign byte
	s := int32(sample)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F
	return ^(sign | (exponent << 4) | mantissa)
}

// MuLawToPCM16 decodes a buffer of 8-bit µ-law samples into little-endian
// PCM16 samples, one int16 per input byte. Odd lengths cannot occur since
// µ-law has no sample-pair alignment requirement.
func MuLawToPCM16(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		s := muLawDecodeTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCM16ToMuLaw encodes little-endian PCM16 samples into 8-bit µ-law. A
// trailing odd byte (an incomplete sample) is dropped rather than rejected,
// matching the codec's no-public-errors contract.
func PCM16ToMuLaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = muLawEncodeSample(s)
	}
	return out
}

// UpsampleDuplicate upsamples mono PCM16 by duplicating each sample `factor`
// times, e.g. factor=2 for 8 kHz → 16 kHz. Acceptable per the codec's
// tolerance for sample-duplication upsampling; factor <= 1 returns pcm
// unchanged.
func UpsampleDuplicate(pcm []byte, factor int) []byte {
	if factor <= 1 || len(pcm) < 2 {
		return pcm
	}
	n := len(pcm) / 2
	out := make([]byte, n*factor*2)
	for i := range n {
		lo, hi := pcm[i*2], pcm[i*2+1]
		for f := range factor {
			j := (i*factor + f) * 2
			out[j] = lo
			out[j+1] = hi
		}
	}
	return out
}

// DownsampleDecimate downsamples mono PCM16 by keeping every `factor`-th
// sample, e.g. factor=3 for 24 kHz → 8 kHz. Acceptable per the codec's
// tolerance for decimation downsampling; factor <= 1 returns pcm unchanged.
func DownsampleDecimate(pcm []byte, factor int) []byte {
	if factor <= 1 || len(pcm) < 2 {
		return pcm
	}
	n := len(pcm) / 2
	dst := (n + factor - 1) / factor
	out := make([]byte, dst*2)
	for i := range dst {
		src := i * factor
		out[i*2] = pcm[src*2]
		out[i*2+1] = pcm[src*2+1]
	}
	return out
}

// TelephonyToSTT converts an inbound telephony frame (8 kHz µ-law) into the
// 16 kHz PCM16 mono format expected by the STT provider.
func TelephonyToSTT(mulaw []byte) AudioFrame {
	pcm := MuLawToPCM16(mulaw)
	pcm = UpsampleDuplicate(pcm, 2)
	return AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1}
}

// TTSToTelephony converts an outbound TTS frame (24 kHz PCM16) into the
// 8 kHz µ-law format the telephony transport expects on the wire.
func TTSToTelephony(pcm24 []byte) []byte {
	pcm8 := DownsampleDecimate(pcm24, 3)
	return PCM16ToMuLaw(pcm8)
}
