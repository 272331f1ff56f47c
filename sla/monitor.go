package sla

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

// Monitor periodically sweeps active instances, recomputes their SLA
// status and publishes sla_at_risk / sla_overdue events when the status
// degrades. It is a collaborator of the engine, not part of the
// execution pipeline.
type Monitor struct {
	store  storage.InstanceStore
	bus    *events.EventBus
	cron   *cron.Cron
	logger *slog.Logger
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithLogger sets the monitor's logger.
func WithLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor creates a Monitor sweeping the given store.
func NewMonitor(store storage.InstanceStore, bus *events.EventBus, options ...MonitorOption) *Monitor {
	m := &Monitor{
		store:  store,
		bus:    bus,
		cron:   cron.New(),
		logger: slog.Default(),
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Start schedules sweeps with a cron spec (e.g. "@every 1m") and starts
// the scheduler.
func (m *Monitor) Start(spec string) error {
	_, err := m.cron.AddFunc(spec, func() {
		m.Sweep(context.Background())
	})
	if err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}

// Sweep recomputes the SLA status of every active instance with a
// deadline and persists changed statuses. A save lost to a concurrent
// transition is skipped; the next sweep sees the committed state.
func (m *Monitor) Sweep(ctx context.Context) {
	instances, err := m.store.ListActiveInstances(ctx)
	if err != nil {
		m.logger.Error("sla sweep failed to list instances", slog.Any("error", err))
		return
	}

	now := time.Now().UnixMilli()
	for _, inst := range instances {
		if inst.SLA == nil || inst.SLA.Deadline == 0 {
			continue
		}

		next := Recompute(inst.SLA.Deadline, now)
		if next == inst.SLA.Status {
			continue
		}

		prev := inst.SLA.Status
		inst.SLA.Status = next
		inst.UpdatedAt = now
		expected := inst.Revision
		inst.Revision++

		if err := m.store.SaveInstance(ctx, inst, expected); err != nil {
			if errors.Is(err, storage.ErrRevisionConflict) {
				continue
			}
			m.logger.Error("sla sweep failed to save instance",
				slog.Uint64("process_id", inst.ID), slog.Any("error", err))
			continue
		}

		m.publish(ctx, inst, prev, next)
	}
}

func (m *Monitor) publish(ctx context.Context, inst types.ProcessInstance, prev, next types.SLAStatus) {
	if m.bus == nil {
		return
	}

	var eventType string
	switch next {
	case types.SLAAtRisk:
		eventType = events.EventSLAAtRisk
	case types.SLAOverdue:
		eventType = events.EventSLAOverdue
	default:
		return
	}

	err := m.bus.Publish(ctx, events.Event{
		Type:      eventType,
		ProcessID: inst.ID,
		Data: map[string]interface{}{
			"workflow":        inst.WorkflowName,
			"current_state":   inst.CurrentState,
			"deadline":        inst.SLA.Deadline,
			"previous_status": string(prev),
		},
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		m.logger.Warn("sla event publish failed",
			slog.Uint64("process_id", inst.ID), slog.Any("error", err))
	}
}
