// Package health runs the self-repair cycle and the periodic watchdog.
package health

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"republic-center/internal/eventlog"
)

// Status of the monitor.
type Status string

const (
	StatusOptimal   Status = "optimal"
	StatusRepairing Status = "repairing"
	// StatusWarning is part of the reported vocabulary but never entered.
	StatusWarning Status = "warning"
)

// Defaults for the repair cycle and watchdog.
const (
	DefaultRepairDelay      = 2 * time.Second
	DefaultWatchdogInterval = 30 * time.Second
	// RetainedLogEntries is how many log entries survive a repair.
	RetainedLogEntries = 20
)

// ActiveModules are the protection modules reported in every snapshot.
var ActiveModules = []string{"Security Guard", "Net Repair", "Memory Purge", "APK Guard"}

// Snapshot is the externally visible health record.
type Snapshot struct {
	Status          Status    `json:"status"`
	LastCheck       time.Time `json:"last_check"`
	ActiveModules   []string  `json:"active_modules"`
	AutoFixedIssues int       `json:"auto_fixed_issues"`
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithRepairDelay sets how long a repair cycle takes.
func WithRepairDelay(d time.Duration) Option {
	return func(m *Monitor) { m.repairDelay = d }
}

// WithWatchdogInterval sets the watchdog period.
func WithWatchdogInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor tracks system health. A repair moves it to repairing and, after
// the repair delay, back to optimal with the fixed-issue counter bumped.
type Monitor struct {
	mu        sync.Mutex
	status    Status
	lastCheck time.Time
	fixed     int
	gen       uint64
	timer     *time.Timer
	onChange  func(Snapshot)

	log    *eventlog.Log
	logger *slog.Logger

	repairDelay time.Duration
	interval    time.Duration
	now         func() time.Time
}

// New creates an optimal monitor writing progress to log (may be nil).
func New(log *eventlog.Log, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		status:      StatusOptimal,
		log:         log,
		logger:      logger.With("component", "health"),
		repairDelay: DefaultRepairDelay,
		interval:    DefaultWatchdogInterval,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastCheck = m.now()
	return m
}

// OnChange registers fn to receive every snapshot change. fn is called
// without the monitor lock held.
func (m *Monitor) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Repair starts a repair cycle and trims the log to RetainedLogEntries.
// Calling it while a cycle is pending restarts the delay; only the latest
// cycle completes.
func (m *Monitor) Repair(reason string) {
	m.mu.Lock()
	m.status = StatusRepairing
	m.gen++
	gen := m.gen
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.repairDelay, func() { m.finish(gen) })
	snap, notify := m.snapshotLocked(), m.onChange
	m.mu.Unlock()

	m.logger.Info("repair started", "reason", reason)
	if m.log != nil {
		m.log.Trim(RetainedLogEntries)
	}
	m.appendLog("APK system: deep compatibility scan started")
	if notify != nil {
		notify(snap)
	}
}

func (m *Monitor) finish(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.status != StatusRepairing {
		m.mu.Unlock()
		return
	}
	m.status = StatusOptimal
	m.lastCheck = m.now()
	m.fixed++
	m.timer = nil
	snap, notify := m.snapshotLocked(), m.onChange
	m.mu.Unlock()

	m.appendLog("APK system: maintenance completed successfully")
	m.logger.Info("repair finished", "auto_fixed", snap.AutoFixedIssues)
	if notify != nil {
		notify(snap)
	}
}

// ReportFault records a runtime fault and starts a repair cycle.
func (m *Monitor) ReportFault(err error) {
	m.logger.Warn("fault detected", "err", err)
	m.appendLog("Warning: software fault detected, starting automatic repair")
	m.Repair(err.Error())
}

// Run refreshes LastCheck every watchdog interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			m.lastCheck = m.now()
			snap, notify := m.snapshotLocked(), m.onChange
			m.mu.Unlock()
			if notify != nil {
				notify(snap)
			}
		}
	}
}

// Stop cancels a pending repair completion. A cycle cut short returns the
// monitor to optimal without counting a fixed issue.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
	m.status = StatusOptimal
}

// Snapshot returns the current health record.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() Snapshot {
	return Snapshot{
		Status:          m.status,
		LastCheck:       m.lastCheck,
		ActiveModules:   slices.Clone(ActiveModules),
		AutoFixedIssues: m.fixed,
	}
}

func (m *Monitor) appendLog(msg string) {
	if m.log != nil {
		m.log.Append(msg)
	}
}
