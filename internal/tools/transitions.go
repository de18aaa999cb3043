package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/careline-ai/careline/internal/flow"
	"github.com/careline-ai/careline/pkg/types"
)

type markReminderAcknowledgedArgs struct {
	ReminderID   string `json:"reminder_id"`
	Status       string `json:"status"`
	UserResponse string `json:"user_response,omitempty"`
}

var validAckStatuses = map[string]bool{"acknowledged": true, "confirmed": true}

func makeMarkReminderAcknowledgedHandler(reminders ReminderUpdater, delivered *DeliveredSet) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a markReminderAcknowledgedArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "Could not update that reminder.", fmt.Errorf("mark_reminder_acknowledged: parse args: %w", err)
		}
		reminderID := strings.TrimSpace(a.ReminderID)
		if reminderID == "" || !validAckStatuses[a.Status] {
			return "Could not update that reminder.", fmt.Errorf("mark_reminder_acknowledged: invalid reminder_id/status")
		}
		if reminders == nil {
			return "Could not update that reminder.", fmt.Errorf("mark_reminder_acknowledged: no reminder updater configured")
		}

		if delivered.MarkAndCheck(reminderID) {
			return fmt.Sprintf("Reminder marked as %s.", a.Status), nil
		}

		if err := reminders.MarkAcknowledged(ctx, reminderID, a.Status, a.UserResponse); err != nil {
			delivered.mu.Lock()
			delete(delivered.delivered, reminderID)
			delivered.mu.Unlock()
			return "Could not update that reminder.", err
		}
		return fmt.Sprintf("Reminder marked as %s.", a.Status), nil
	}
}

func makeTransitionHandler(machine *flow.Machine, target types.Phase) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		if err := machine.Transition(target); err != nil {
			return fmt.Sprintf("Cannot move to %s from the current phase.", target), nil
		}
		return fmt.Sprintf("Moved to %s.", target), nil
	}
}
