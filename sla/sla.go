// Package sla computes deadline status and per-state dwell time for
// process instances. All functions here are pure over (instance SLA
// state, now); background sweeping lives in Monitor.
package sla

import (
	"time"

	"github.com/songzhibin97/process-engine/types"
)

// AtRiskWindow is how close to the deadline an instance may get before
// it is flagged atrisk.
const AtRiskWindow = 24 * time.Hour

// Recompute classifies a deadline against now. Both are UnixMilli.
// A zero deadline always yields within.
func Recompute(deadline, now int64) types.SLAStatus {
	if deadline == 0 {
		return types.SLAWithin
	}
	remaining := deadline - now
	switch {
	case remaining < 0:
		return types.SLAOverdue
	case remaining <= AtRiskWindow.Milliseconds():
		return types.SLAAtRisk
	default:
		return types.SLAWithin
	}
}

// TrackTransition closes the open dwell interval for fromState and opens
// one for toState. fromState may be empty for the initial entry. The SLA
// struct is created on first use by the caller.
func TrackTransition(s *types.SLA, fromState, toState string, now int64) {
	if s == nil {
		return
	}

	if fromState != "" {
		for i := range s.TimeInStates {
			interval := &s.TimeInStates[i]
			if interval.State == fromState && interval.ExitedAt == 0 {
				interval.ExitedAt = now
				interval.Duration = now - interval.EnteredAt
				break
			}
		}
	}

	s.TimeInStates = append(s.TimeInStates, types.StateInterval{
		State:     toState,
		EnteredAt: now,
	})
}

// TimeInState sums the dwell time for a state across all its intervals,
// counting the open interval up to now.
func TimeInState(s *types.SLA, state string, now int64) time.Duration {
	if s == nil {
		return 0
	}
	var total int64
	for _, interval := range s.TimeInStates {
		if interval.State != state {
			continue
		}
		if interval.ExitedAt == 0 {
			total += now - interval.EnteredAt
		} else {
			total += interval.Duration
		}
	}
	return time.Duration(total) * time.Millisecond
}
