package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/careline-ai/careline/internal/flow"
	"github.com/careline-ai/careline/pkg/memory"
	"github.com/careline-ai/careline/pkg/provider/llm"
	"github.com/careline-ai/careline/pkg/types"
)

// Registry builds the set of Tools enabled for one call, closed over that
// call's tenant ID and session state (§4.6, §4.9).
type Registry struct {
	tenantID  string
	store     memory.Store
	machine   *flow.Machine
	reminders ReminderUpdater
	news      *NewsLookup
	delivered *DeliveredSet
}

// NewRegistry creates a Registry for one call. reminders may be nil;
// mark_reminder_acknowledged then always reports failure via its fallback
// string.
func NewRegistry(tenantID string, store memory.Store, machine *flow.Machine, reminders ReminderUpdater, news *NewsLookup) *Registry {
	return &Registry{
		tenantID:  tenantID,
		store:     store,
		machine:   machine,
		reminders: reminders,
		news:      news,
		delivered: NewDeliveredSet(),
	}
}

// All returns every tool defined by §4.6, regardless of phase. The session
// orchestrator filters this list against [flow.Node.EnabledTools] for the
// current phase before passing it to the LLM.
func (r *Registry) All() []Tool {
	return []Tool{
		r.searchMemoriesTool(),
		r.getNewsTool(),
		r.saveImportantDetailTool(),
		r.markReminderAcknowledgedTool(),
		r.transitionTool("transition_to_main", types.PhaseMain),
		r.transitionTool("transition_to_winding_down", types.PhaseWindingDown),
		r.transitionTool("transition_to_closing", types.PhaseClosing),
	}
}

func (r *Registry) searchMemoriesTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "search_memories",
			Description: "Search this person's remembered facts, preferences, relationships, events, concerns, and stories for anything relevant to the current topic.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "What to search memories for.",
					},
				},
				"required": []string{"query"},
			},
			EstimatedDurationMs: 200,
			MaxDurationMs:       800,
			Idempotent:          true,
			CacheableSeconds:    30,
		},
		Handler:     makeSearchMemoriesHandler(r.tenantID, r.store),
		DeclaredP50: 200,
		DeclaredMax: 800,
	}
}

func (r *Registry) getNewsTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "get_news",
			Description: "Look up a couple of short, current news items about a topic. Use for light conversational updates, not deep research.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"topic": map[string]any{
						"type":        "string",
						"description": "The news topic to look up.",
					},
				},
				"required": []string{"topic"},
			},
			EstimatedDurationMs: 400,
			MaxDurationMs:       2000,
			Idempotent:          true,
			CacheableSeconds:    3600,
		},
		Handler:     r.makeGetNewsHandler(),
		DeclaredP50: 400,
		DeclaredMax: 2000,
	}
}

type getNewsArgs struct {
	Topic string `json:"topic"`
}

func (r *Registry) makeGetNewsHandler() func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a getNewsArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "Couldn't find any news on that right now.", fmt.Errorf("get_news: parse args: %w", err)
		}
		result, err := r.news.Lookup(ctx, a.Topic)
		if err != nil {
			slog.Warn("get_news failed", "tenant", r.tenantID, "error", err)
			return "Couldn't find any news on that right now.", err
		}
		return result, nil
	}
}

func (r *Registry) saveImportantDetailTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "save_important_detail",
			Description: "Save a detail about this person worth remembering for future calls: a fact, preference, upcoming event, concern, or relationship.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"detail": map[string]any{
						"type":        "string",
						"description": "The detail to remember, phrased as a short third-person sentence.",
					},
					"category": map[string]any{
						"type":        "string",
						"description": "One of fact, preference, event, concern, relationship.",
						"enum":        []string{"fact", "preference", "event", "concern", "relationship"},
					},
				},
				"required": []string{"detail", "category"},
			},
			EstimatedDurationMs: 150,
			MaxDurationMs:       600,
			Idempotent:          false,
			CacheableSeconds:    0,
		},
		Handler:     makeSaveImportantDetailHandler(r.tenantID, r.store),
		DeclaredP50: 150,
		DeclaredMax: 600,
	}
}

func (r *Registry) markReminderAcknowledgedTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "mark_reminder_acknowledged",
			Description: "Record that this person acknowledged or confirmed a reminder during the call.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reminder_id": map[string]any{
						"type":        "string",
						"description": "The ID of the reminder being acknowledged.",
					},
					"status": map[string]any{
						"type":        "string",
						"description": "acknowledged or confirmed.",
						"enum":        []string{"acknowledged", "confirmed"},
					},
					"user_response": map[string]any{
						"type":        "string",
						"description": "Optional verbatim response from the person.",
					},
				},
				"required": []string{"reminder_id", "status"},
			},
			EstimatedDurationMs: 100,
			MaxDurationMs:       500,
			Idempotent:          true,
			CacheableSeconds:    0,
		},
		Handler:     makeMarkReminderAcknowledgedHandler(r.reminders, r.delivered),
		DeclaredP50: 100,
		DeclaredMax: 500,
	}
}

func (r *Registry) transitionTool(name string, target types.Phase) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:                name,
			Description:         fmt.Sprintf("Advance the call to the %s phase.", target),
			Parameters:          map[string]any{"type": "object", "properties": map[string]any{}},
			EstimatedDurationMs: 5,
			MaxDurationMs:       50,
			Idempotent:          false,
			CacheableSeconds:    0,
		},
		Handler:     makeTransitionHandler(r.machine, target),
		DeclaredP50: 5,
		DeclaredMax: 50,
	}
}
