// Calibration host metrics definitions
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	goruntime "runtime"
	"time"
)

// CalibrationMetrics is the typed aggregate the host records into. The
// dispatcher records commands and routine results; the monitor sets the
// sensor state and serves the exposition.
type CalibrationMetrics struct {
	// Probing
	ProbesTotal    *Counter
	ProbeTriggered *Gauge

	// Calibration routines
	RoutineRuns       *Counter
	RoutineIterations *Histogram
	RoutineDuration   *Histogram
	RoutineDeviation  *Gauge

	// Command dispatch
	CommandsTotal   *Counter
	CommandDuration *Histogram
	ErrorsTotal     *Counter

	// Host
	HostUptime   *Gauge
	GoGoroutines *Gauge
	GoMemoryHeap *Gauge
	GoGCCycles   *Gauge

	startTime time.Time
	registry  *Registry
}

// NewCalibrationMetrics creates and registers the host metrics.
func NewCalibrationMetrics() *CalibrationMetrics {
	m := &CalibrationMetrics{
		startTime: time.Now(),
		registry:  NewRegistry(),
	}

	m.ProbesTotal = NewCounter("deltacal_probes_total",
		"Probe touches per routine")
	m.ProbeTriggered = NewGauge("deltacal_probe_triggered",
		"Raw probe sensor state (1=triggered, 0=open)")

	m.RoutineRuns = NewCounter("deltacal_routine_runs_total",
		"Calibration routine runs by outcome")
	m.RoutineIterations = NewHistogram("deltacal_routine_iterations",
		"Correction passes per routine run", ExponentialBuckets(1, 2, 6))
	m.RoutineDuration = NewHistogram("deltacal_routine_duration_seconds",
		"Wall time per routine run", []float64{0.5, 1, 2, 5, 10, 30, 60, 120})
	m.RoutineDeviation = NewGauge("deltacal_routine_deviation_mm",
		"Remaining error at the end of the last run")

	m.CommandsTotal = NewCounter("deltacal_commands_total",
		"Commands dispatched by name")
	m.CommandDuration = NewHistogram("deltacal_command_duration_seconds",
		"Command execution time", DefaultBuckets())
	m.ErrorsTotal = NewCounter("deltacal_errors_total",
		"Command failures by kind")

	m.HostUptime = NewGauge("deltacal_host_uptime_seconds",
		"Host uptime in seconds")
	m.GoGoroutines = NewGauge("deltacal_go_goroutines",
		"Number of active goroutines")
	m.GoMemoryHeap = NewGauge("deltacal_go_memory_heap_bytes",
		"Go heap memory in use")
	m.GoGCCycles = NewGauge("deltacal_go_gc_cycles_total",
		"Go garbage collection cycles")

	for _, metric := range []Metric{
		m.ProbesTotal, m.ProbeTriggered,
		m.RoutineRuns, m.RoutineIterations, m.RoutineDuration, m.RoutineDeviation,
		m.CommandsTotal, m.CommandDuration, m.ErrorsTotal,
		m.HostUptime, m.GoGoroutines, m.GoMemoryHeap, m.GoGCCycles,
	} {
		m.registry.MustRegister(metric)
	}
	return m
}

// RecordRoutine records one finished calibration routine.
func (m *CalibrationMetrics) RecordRoutine(name string, converged bool, iterations, probes int, deviation float64, duration time.Duration) {
	outcome := "converged"
	if !converged {
		outcome = "warning"
	}
	m.RoutineRuns.Inc(Labels{"routine": name, "outcome": outcome})
	m.RoutineIterations.Observe(Labels{"routine": name}, float64(iterations))
	m.RoutineDuration.Observe(Labels{"routine": name}, duration.Seconds())
	m.RoutineDeviation.Set(Labels{"routine": name}, deviation)
	if probes > 0 {
		m.ProbesTotal.Add(Labels{"routine": name}, uint64(probes))
	}
}

// RecordCommand records one dispatched command.
func (m *CalibrationMetrics) RecordCommand(name string, duration time.Duration) {
	m.CommandsTotal.Inc(Labels{"command": name})
	m.CommandDuration.Observe(Labels{"command": name}, duration.Seconds())
}

// RecordError records a command failure.
func (m *CalibrationMetrics) RecordError(kind string) {
	m.ErrorsTotal.Inc(Labels{"kind": kind})
}

// SetProbeState records the raw sensor state.
func (m *CalibrationMetrics) SetProbeState(triggered bool) {
	v := 0.0
	if triggered {
		v = 1.0
	}
	m.ProbeTriggered.Set(nil, v)
}

func (m *CalibrationMetrics) updateHostMetrics() {
	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)
	m.HostUptime.Set(nil, time.Since(m.startTime).Seconds())
	m.GoGoroutines.Set(nil, float64(goruntime.NumGoroutine()))
	m.GoMemoryHeap.Set(nil, float64(ms.HeapAlloc))
	m.GoGCCycles.Set(nil, float64(ms.NumGC))
}

// Gather refreshes the host metrics and renders the exposition.
func (m *CalibrationMetrics) Gather() string {
	m.updateHostMetrics()
	return m.registry.Gather()
}
