// Package guidance implements the Guidance Stripper (§4.5): it removes
// <guidance>…</guidance> spans and top-level [BRACKETED] markers from LLM
// output before it reaches TTS.
//
// Grounded on the cascade engine's streaming sentence-boundary buffering:
// incoming text arrives in arbitrary chunk boundaries, so the stripper keeps
// a small tail buffer rather than assuming a tag never spans two chunks.
package guidance

import (
	"regexp"
	"strings"
)

var (
	guidanceSpanRe = regexp.MustCompile(`(?is)<guidance>.*?</guidance>`)
	bracketedRe    = regexp.MustCompile(`\[[A-Z][A-Z _]*\]`)

	// guidanceOpenRe finds an unterminated <guidance> tag near the end of the
	// buffer so the stripper can hold back text until the close tag arrives.
	guidanceOpenRe = regexp.MustCompile(`(?i)<guidance>`)
)

// maxTailBuffer bounds how much text Stripper will hold back waiting for a
// closing </guidance> tag, in case the LLM never emits one (malformed output).
const maxTailBuffer = 2000

// Stripper removes guidance markup from a stream of text chunks. Not safe
// for concurrent use — one Stripper per call, used only by the turn that
// owns it.
type Stripper struct {
	buf strings.Builder
}

// New creates an empty Stripper.
func New() *Stripper {
	return &Stripper{}
}

// Feed processes one incoming text chunk and returns the text, if any, that
// is safe to forward to TTS now. It may return an empty string if the chunk
// is entirely consumed by guidance markup or if it must be held pending a
// closing tag.
func (s *Stripper) Feed(chunk string) string {
	s.buf.WriteString(chunk)
	text := s.buf.String()

	cleaned := guidanceSpanRe.ReplaceAllString(text, "")

	if loc := guidanceOpenRe.FindStringIndex(cleaned); loc != nil {
		// An unterminated <guidance> tag remains; hold everything from the
		// tag onward until a close tag arrives in a later chunk.
		safe := cleaned[:loc[0]]
		pending := cleaned[loc[0]:]
		if len(pending) > maxTailBuffer {
			// Malformed stream: give up waiting and flush it stripped of brackets.
			safe = cleaned
			pending = ""
		}
		s.buf.Reset()
		s.buf.WriteString(pending)
		return stripBrackets(safe)
	}

	s.buf.Reset()
	return stripBrackets(cleaned)
}

// Flush returns any text remaining in the tail buffer (e.g. an unterminated
// guidance tag when the stream ends) with brackets stripped, and resets the
// stripper.
func (s *Stripper) Flush() string {
	remaining := s.buf.String()
	s.buf.Reset()
	// Drop anything still inside an unterminated <guidance> span rather than
	// leaking the tag text to TTS.
	if loc := guidanceOpenRe.FindStringIndex(remaining); loc != nil {
		remaining = remaining[:loc[0]]
	}
	return stripBrackets(remaining)
}

func stripBrackets(s string) string {
	return bracketedRe.ReplaceAllString(s, "")
}

// StripClean strips guidance markup from a complete, already-assembled
// string in one pass (no streaming state). Stripping a fully-clean text is
// the identity; stripping an already-stripped text is the identity (§8
// invariant 10).
func StripClean(text string) string {
	cleaned := guidanceSpanRe.ReplaceAllString(text, "")
	return stripBrackets(cleaned)
}
