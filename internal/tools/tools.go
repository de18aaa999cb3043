// Package tools implements the session-scoped tool registry (§4.6): the set
// of LLM-callable tools exposed to a single call, each closed over that
// call's tenant ID and session state rather than taking it as an argument.
//
// Grounded on the teacher's internal/mcp/tools.Tool shape and the
// handler-closure-constructor idiom from internal/mcp/tools/memorytool, but
// relocated here since internal/mcp's MCP-host plumbing does not survive
// the transformation (see DESIGN.md).
package tools

import (
	"context"

	"github.com/careline-ai/careline/pkg/provider/llm"
)

// Tool represents one LLM-callable tool ready for registration with the
// session orchestrator's turn loop.
type Tool struct {
	// Definition is the tool's LLM-facing schema: name, description, and
	// JSON Schema parameter specification.
	Definition llm.ToolDefinition

	// Handler executes the tool given JSON-encoded args and returns the
	// human-readable string that is appended to the LLM context. Handlers
	// never return an error to the caller in ordinary operation: failures
	// are folded into a fallback string so the LLM can continue (§4.6).
	// The error return exists for caller-side logging only.
	Handler func(ctx context.Context, args string) (string, error)

	// DeclaredP50 is the tool author's declared median latency in
	// milliseconds.
	DeclaredP50 int64

	// DeclaredMax is the declared p99 upper-bound latency in milliseconds,
	// used as the tool's execution timeout.
	DeclaredMax int64
}
