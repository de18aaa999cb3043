package stt

import "github.com/careline-ai/careline/pkg/types"

// Transcript, WordDetail, and KeywordBoost are aliases onto the shared
// cross-package types.
type (
	Transcript   = types.Transcript
	WordDetail   = types.WordDetail
	KeywordBoost = types.KeywordBoost
)
