package llm

import "github.com/careline-ai/careline/pkg/types"

// Message, ToolCall, ToolDefinition, and ModelCapabilities are aliases onto
// the shared cross-package types so call-site code can write either
// llm.Message or types.Message interchangeably.
type (
	Message           = types.Message
	ToolCall          = types.ToolCall
	ToolDefinition    = types.ToolDefinition
	ModelCapabilities = types.ModelCapabilities
)
