package sla

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

func TestRecompute(t *testing.T) {
	now := time.Now().UnixMilli()

	tests := []struct {
		name     string
		deadline int64
		want     types.SLAStatus
	}{
		{"no deadline", 0, types.SLAWithin},
		{"far future", now + 48*time.Hour.Milliseconds(), types.SLAWithin},
		{"inside the risk window", now + 2*time.Hour.Milliseconds(), types.SLAAtRisk},
		{"exactly at the window edge", now + AtRiskWindow.Milliseconds(), types.SLAAtRisk},
		{"deadline is now", now, types.SLAAtRisk},
		{"past deadline", now - 1, types.SLAOverdue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Recompute(tt.deadline, now))
			// Status classification is pure; repeating it must not drift.
			assert.Equal(t, tt.want, Recompute(tt.deadline, now))
		})
	}
}

func TestTrackTransition(t *testing.T) {
	s := &types.SLA{}
	t0 := int64(1000)

	TrackTransition(s, "", "Open", t0)
	require.Len(t, s.TimeInStates, 1)
	assert.Equal(t, "Open", s.TimeInStates[0].State)
	assert.Equal(t, t0, s.TimeInStates[0].EnteredAt)
	assert.Zero(t, s.TimeInStates[0].ExitedAt)

	t1 := t0 + 5000
	TrackTransition(s, "Open", "Review", t1)
	require.Len(t, s.TimeInStates, 2)
	assert.Equal(t, t1, s.TimeInStates[0].ExitedAt)
	assert.Equal(t, int64(5000), s.TimeInStates[0].Duration)
	assert.Equal(t, "Review", s.TimeInStates[1].State)
	assert.Zero(t, s.TimeInStates[1].ExitedAt)

	// Self-loop: closes the open interval and opens a fresh one for the
	// same state.
	t2 := t1 + 1000
	TrackTransition(s, "Review", "Review", t2)
	require.Len(t, s.TimeInStates, 3)
	assert.Equal(t, t2, s.TimeInStates[1].ExitedAt)
	assert.Zero(t, s.TimeInStates[2].ExitedAt)

	// Nil receiver is a no-op.
	TrackTransition(nil, "Open", "Review", t2)
}

func TestTimeInState(t *testing.T) {
	s := &types.SLA{}
	TrackTransition(s, "", "Open", 0)
	TrackTransition(s, "Open", "Review", 4000)
	TrackTransition(s, "Review", "Open", 5000)

	now := int64(7000)
	assert.Equal(t, 6*time.Second, TimeInState(s, "Open", now)) // 4s closed + 2s open
	assert.Equal(t, time.Second, TimeInState(s, "Review", now))
	assert.Zero(t, TimeInState(s, "Missing", now))
	assert.Zero(t, TimeInState(nil, "Open", now))
}

func TestMonitorSweep(t *testing.T) {
	store := storage.NewMemoryStorage()
	bus := events.NewEventBus()
	defer bus.Stop()
	ctx := context.Background()

	overdueCh := make(chan events.Event, 1)
	bus.SubscribeFunc(events.EventSLAOverdue, func(ctx context.Context, event events.Event) error {
		overdueCh <- event
		return nil
	})

	now := time.Now().UnixMilli()
	overdue := types.ProcessInstance{
		ID:           1,
		Title:        "late",
		WorkflowName: "approval",
		CurrentState: "Open",
		Status:       types.StatusActive,
		SLA:          &types.SLA{Deadline: now - 1000, Status: types.SLAWithin},
		Revision:     1,
	}
	noDeadline := types.ProcessInstance{
		ID:       2,
		Title:    "relaxed",
		Status:   types.StatusActive,
		SLA:      &types.SLA{},
		Revision: 1,
	}
	require.NoError(t, store.SaveInstance(ctx, overdue, 0))
	require.NoError(t, store.SaveInstance(ctx, noDeadline, 0))

	monitor := NewMonitor(store, bus)
	monitor.Sweep(ctx)

	updated, err := store.GetInstance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.SLAOverdue, updated.SLA.Status)
	assert.Equal(t, int64(2), updated.Revision)

	untouched, err := store.GetInstance(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), untouched.Revision)

	select {
	case event := <-overdueCh:
		assert.Equal(t, uint64(1), event.ProcessID)
		assert.Equal(t, string(types.SLAWithin), event.Data["previous_status"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the overdue event")
	}

	// A second sweep sees the already-degraded status and writes nothing.
	monitor.Sweep(ctx)
	again, err := store.GetInstance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Revision)
}

func TestMonitorStartStop(t *testing.T) {
	store := storage.NewMemoryStorage()
	monitor := NewMonitor(store, nil)

	require.Error(t, monitor.Start("not a cron spec"))
	require.NoError(t, monitor.Start("@every 1h"))
	monitor.Stop()
}
