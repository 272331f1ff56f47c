package events

import (
	"context"

	"github.com/songzhibin97/process-engine/types"
)

// BusNotifier publishes transition notifications onto an EventBus.
// It satisfies the engine's Notifier contract: delivery is best-effort
// and publish failures are reported to the caller for logging only.
type BusNotifier struct {
	bus *EventBus
}

// NewBusNotifier creates a notifier backed by the given bus.
func NewBusNotifier(bus *EventBus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// Notify publishes a state_changed event carrying the transition record.
func (n *BusNotifier) Notify(ctx context.Context, inst *types.ProcessInstance, entry types.HistoryEntry, actor types.Actor) error {
	return n.bus.Publish(ctx, Event{
		Type:      EventStateChanged,
		ProcessID: inst.ID,
		Data: map[string]interface{}{
			"workflow":    inst.WorkflowName,
			"from_state":  entry.FromState,
			"to_state":    entry.ToState,
			"action":      entry.Action,
			"executed_by": actor.ID,
			"status":      string(inst.Status),
		},
	})
}
