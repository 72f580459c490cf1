package metrics

import (
	"sync"
	"time"
)

const (
	PhaseActivate = "activate"
	PhaseCommand  = "command"
)

// RunMetrics tracks metrics for a single update run
type RunMetrics struct {
	RunID       string
	UpdateCount int
	StartTime   time.Time
	EndTime     time.Time
	Phases      []*PhaseMetrics
	ExitCode    int
	mu          sync.RWMutex
}

// PhaseMetrics tracks one step of a run
type PhaseMetrics struct {
	Name      string
	StartTime time.Time
	Duration  time.Duration
	Error     string
}

// NewRunMetrics creates a new run metrics tracker
func NewRunMetrics(runID string, updateCount int) *RunMetrics {
	return &RunMetrics{
		RunID:       runID,
		UpdateCount: updateCount,
		StartTime:   time.Now(),
		Phases:      make([]*PhaseMetrics, 0, 2),
	}
}

// RecordPhase records the duration and outcome of a phase
func (rm *RunMetrics) RecordPhase(name string, duration time.Duration, err error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	phase := &PhaseMetrics{
		Name:      name,
		StartTime: time.Now().Add(-duration),
		Duration:  duration,
	}
	if err != nil {
		phase.Error = err.Error()
	}
	rm.Phases = append(rm.Phases, phase)
}

// Track runs fn and records it as phase name.
func (rm *RunMetrics) Track(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	rm.RecordPhase(name, time.Since(start), err)
	return err
}

// PhaseDuration returns the recorded duration of a phase, zero if absent.
func (rm *RunMetrics) PhaseDuration(name string) time.Duration {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	for _, p := range rm.Phases {
		if p.Name == name {
			return p.Duration
		}
	}
	return 0
}

// Complete marks the run as finished with the given exit code
func (rm *RunMetrics) Complete(exitCode int) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.EndTime = time.Now()
	rm.ExitCode = exitCode
}

// Duration returns the total run duration
func (rm *RunMetrics) Duration() time.Duration {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if rm.EndTime.IsZero() {
		return time.Since(rm.StartTime)
	}
	return rm.EndTime.Sub(rm.StartTime)
}

// Summary returns a summary map for logging
func (rm *RunMetrics) Summary() map[string]any {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	errorCount := 0
	phases := make(map[string]int64, len(rm.Phases))
	for _, p := range rm.Phases {
		phases[p.Name+"_ms"] = p.Duration.Milliseconds()
		if p.Error != "" {
			errorCount++
		}
	}

	duration := rm.EndTime.Sub(rm.StartTime)
	if rm.EndTime.IsZero() {
		duration = time.Since(rm.StartTime)
	}

	return map[string]any{
		"run_id":       rm.RunID,
		"update_count": rm.UpdateCount,
		"duration_ms":  duration.Milliseconds(),
		"phases":       phases,
		"error_count":  errorCount,
		"exit_code":    rm.ExitCode,
	}
}
