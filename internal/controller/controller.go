// Package controller implements the per-app lifecycle state machine (spec
// §4.1): Idle, Starting, Running, Stopping, Failed. One Controller governs
// exactly one configured app: a single guarded struct per backend, with
// state transitions broadcast to parked waiters and idle eviction driven
// off a per-transition generation counter.
//
// All mutable state is guarded by a single mutex. Asynchronous work
// (spawning, probing, stopping) runs in detached goroutines that re-acquire
// the mutex only to apply their outcome, each carrying a generation number
// so a stale callback from a superseded run is a silent no-op instead of a
// race. The journal's BeginRun and EndRun are called with the mutex held,
// and each blocks until the journal's writer goroutine has applied it.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pennyhq/penny/internal/appspec"
	"github.com/pennyhq/penny/internal/clock"
	"github.com/pennyhq/penny/internal/healthprobe"
	"github.com/pennyhq/penny/internal/journal"
	"github.com/pennyhq/penny/internal/logsanitize"
	"github.com/pennyhq/penny/internal/metrics"
	"github.com/pennyhq/penny/internal/procrunner"
	"github.com/pennyhq/penny/internal/ratewindow"
)

// State is one of the five states in spec §4.1's state machine.
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// AcquireKind is the disposition returned by Acquire.
type AcquireKind int

const (
	// Ready means the backend is Running now; Addr is dial-ready.
	Ready AcquireKind = iota
	// Waiting means the backend is starting (or about to restart); Wait
	// resolves once it becomes Ready or the start fails.
	Waiting
	// ColdStart means the backend is starting, a cold-start page is
	// configured, and the caller indicated it prefers one instead of
	// blocking.
	ColdStart
	// Error means the app cannot currently serve a request (Failed, or
	// shutting down).
	Error
)

// WaitOutcome is delivered on a Waiter's channel once a Waiting acquire
// resolves.
type WaitOutcome struct {
	Addr string
	Err  error
}

// Waiter lets a caller await a Waiting acquire's resolution, or abandon it
// early without waiting for the backend to actually become ready.
type Waiter struct {
	ch        <-chan WaitOutcome
	ctrl      *Controller
	cancelled bool
	mu        sync.Mutex
}

// Chan returns the channel the resolution is delivered on.
func (w *Waiter) Chan() <-chan WaitOutcome { return w.ch }

// Cancel abandons the wait: it releases the reservation made by the
// originating Acquire call without affecting the in-progress start, per
// spec §4.1's cancellation note. Calls after the first are no-ops. Cancel
// does not track whether the resolution was already received from Chan; a
// first Cancel after that still releases the reservation, as Release would.
func (w *Waiter) Cancel(now time.Time) {
	w.mu.Lock()
	already := w.cancelled
	w.cancelled = true
	w.mu.Unlock()
	if !already {
		w.ctrl.Release(now)
	}
}

// AcquireResult is the return value of Acquire. For Kind == ColdStart or
// Error, the caller holds no reservation beyond this call returning and
// must not call Release; Acquire has already balanced n internally for
// those dispositions. For Kind == Ready, the caller must call Release
// exactly once. For Kind == Waiting, the caller must either consume Wait's
// resolution (and then call Release once) or call Wait.Cancel.
type AcquireResult struct {
	Kind AcquireKind
	Addr string
	Wait *Waiter
	Err  error
}

// processHandle is the subset of *procrunner.Handle the controller needs;
// narrowed to an interface so tests can substitute a fake process.
type processHandle interface {
	Exited() <-chan struct{}
	ExitErr() error
	Stop(ctx context.Context, stopTimeout time.Duration) error
	RecentOutput() string
}

// processStarter spawns a processHandle; the default wraps procrunner.Start.
type processStarter interface {
	Start(command procrunner.Command, onLine procrunner.LineCallback) (processHandle, error)
}

// prober issues readiness probes; *healthprobe.Prober satisfies this.
type prober interface {
	Probe(ctx context.Context, addr, path string, budget time.Duration, backoff healthprobe.Backoff) (healthprobe.Outcome, error)
}

// runJournal is the subset of *journal.Journal the controller needs.
type runJournal interface {
	BeginRun(host string, startedAt time.Time) string
	AppendLog(runID string, stream journal.Stream, line string, ts time.Time)
	EndRun(runID string, endedAt time.Time, outcome journal.Outcome)
}

// rateEstimator is the subset of *ratewindow.Estimator the controller needs.
type rateEstimator interface {
	Record(now time.Time)
	RatePerHour(now time.Time) (shortRate, longRate float64)
}

// failureCooldown is how long a Failed app waits before becoming eligible
// to start again.
const failureCooldown = 5 * time.Second

// Controller owns one app's lifecycle state machine.
type Controller struct {
	app     appspec.App
	clock   clock.Clock
	starter processStarter
	prober  prober
	journal runJournal
	rate    rateEstimator
	log     *logrus.Entry

	mu             sync.Mutex
	state          State
	n              int
	lastActivity   time.Time
	generation     uint64
	idleGeneration uint64
	idleTimer      clock.Timer
	cooldownTimer  clock.Timer
	waiters        []chan WaitOutcome
	restartPending bool
	proc           processHandle
	runID          string
	shuttingDown   bool
	changed        chan struct{}
	startedAt      time.Time
}

// New constructs a Controller for app. log should already carry the app's
// hostname as a field.
func New(app appspec.App, c clock.Clock, j runJournal, log *logrus.Entry) *Controller {
	return &Controller{
		app:     app,
		clock:   c,
		starter: realStarter{},
		prober:  healthprobe.New(nil),
		journal: j,
		rate:    ratewindow.New(),
		log:     log,
		state:   Idle,
		changed: make(chan struct{}),
	}
}

// realStarter adapts procrunner.Start to the processStarter interface.
type realStarter struct{}

func (realStarter) Start(command procrunner.Command, onLine procrunner.LineCallback) (processHandle, error) {
	return procrunner.Start(command, onLine)
}

// notifyLocked wakes anyone blocked in waitForQuiescenceLocked. Must be
// called with mu held, and exactly once per state transition.
func (c *Controller) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Acquire registers one in-flight request against the app, starting it if
// necessary, per spec §4.1's transition table.
func (c *Controller) Acquire(now time.Time, prefersColdStartPage bool) AcquireResult {
	c.mu.Lock()

	if c.shuttingDown {
		c.mu.Unlock()
		return AcquireResult{Kind: Error, Err: errShuttingDown}
	}

	c.n++
	c.lastActivity = now
	c.rate.Record(now)
	c.disarmIdleTimerLocked()

	switch c.state {
	case Idle:
		gen := c.beginStartLocked(now)
		ch := make(chan WaitOutcome, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()
		go c.runStart(gen)
		return AcquireResult{Kind: Waiting, Wait: &Waiter{ch: ch, ctrl: c}}

	case Starting:
		if prefersColdStartPage && len(c.app.ColdStartPagePath) > 0 {
			c.n-- // the caller won't hold the connection open, so balance n now.
			c.mu.Unlock()
			return AcquireResult{Kind: ColdStart}
		}
		ch := make(chan WaitOutcome, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()
		return AcquireResult{Kind: Waiting, Wait: &Waiter{ch: ch, ctrl: c}}

	case Stopping:
		c.restartPending = true
		ch := make(chan WaitOutcome, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()
		return AcquireResult{Kind: Waiting, Wait: &Waiter{ch: ch, ctrl: c}}

	case Running:
		addr := c.app.Address
		c.mu.Unlock()
		return AcquireResult{Kind: Ready, Addr: addr}

	case Failed:
		c.n--
		c.mu.Unlock()
		return AcquireResult{Kind: Error, Err: errBackendFailed}

	default:
		c.n--
		c.mu.Unlock()
		return AcquireResult{Kind: Error, Err: errBackendFailed}
	}
}

// Release records the completion (successful or not) of one in-flight
// request, per spec §4.1. It must be called exactly once per Acquire whose
// Kind was Ready, and once per Waiting resolution the caller consumed
// (Waiter.Cancel covers the abandoned case).
func (c *Controller) Release(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n > 0 {
		c.n--
	}
	c.lastActivity = now
	if c.state == Running && c.n == 0 {
		c.armIdleTimerLocked(now)
	}
}

// Shutdown drains and tears the app down: stops a Running backend
// immediately, lets a Starting attempt settle and then stops it, and
// blocks until the app reaches Idle or ctx is cancelled. No further
// Acquire calls are admitted once Shutdown has been called.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shuttingDown = true
	c.disarmIdleTimerLocked()
	if c.cooldownTimer != nil {
		c.cooldownTimer.Stop()
	}

	switch c.state {
	case Running:
		c.state = Stopping
		c.generation++
		gen := c.generation
		proc := c.proc
		c.mu.Unlock()
		go c.runStop(gen, proc)
	case Failed:
		c.state = Idle
		c.generation++
		c.notifyLocked()
		c.mu.Unlock()
	default:
		c.mu.Unlock()
	}

	for {
		c.mu.Lock()
		if c.state == Idle && c.proc == nil {
			c.mu.Unlock()
			return nil
		}
		ch := c.changed
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// disarmIdleTimerLocked cancels any armed idle timer and invalidates its
// generation, so a fire already in flight is a no-op.
func (c *Controller) disarmIdleTimerLocked() {
	c.idleGeneration++
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

// armIdleTimerLocked schedules the idle-stop timer using the wait computed
// from the app's configuration and current traffic rate.
func (c *Controller) armIdleTimerLocked(now time.Time) {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleGeneration++
	gen := c.idleGeneration
	d := waitFor(c.app, now, c.rate)
	c.idleTimer = c.clock.AfterFunc(d, func() { c.onIdleFire(gen) })
}

func (c *Controller) onIdleFire(gen uint64) {
	c.mu.Lock()
	if gen != c.idleGeneration || c.state != Running || c.n != 0 {
		c.mu.Unlock()
		return
	}
	c.state = Stopping
	c.generation++
	newGen := c.generation
	proc := c.proc
	c.notifyLocked()
	c.mu.Unlock()
	go c.runStop(newGen, proc)
}

// beginStartLocked transitions Idle -> Starting, opens a new journal run,
// and returns the generation the caller's async runStart must present back.
func (c *Controller) beginStartLocked(now time.Time) uint64 {
	c.state = Starting
	c.generation++
	c.runID = c.journal.BeginRun(c.app.Hostname, now)
	metrics.RunsStartedTotal.WithLabelValues(c.app.Hostname).Inc()
	c.startedAt = now
	c.notifyLocked()
	return c.generation
}

// runStart spawns the backend and probes it for readiness. It is always
// run in its own goroutine, outside the controller's mutex.
func (c *Controller) runStart(gen uint64) {
	runID := c.currentRunID(gen)
	command := procrunner.Command{Start: c.app.Command.Start, End: c.app.Command.End}

	proc, err := c.starter.Start(command, func(stream procrunner.Stream, line string, ts time.Time) {
		js := journal.Stdout
		if stream == procrunner.Stderr {
			js = journal.Stderr
		}
		c.journal.AppendLog(runID, js, line, ts)
	})
	if err != nil {
		c.log.WithError(err).WithField("host", c.app.Hostname).Warn("backend failed to spawn")
		c.handleStartFailure(gen, runID)
		return
	}

	c.mu.Lock()
	if c.generation != gen || c.state != Starting {
		c.mu.Unlock()
		_ = proc.Stop(context.Background(), c.app.StopTimeout)
		return
	}
	c.proc = proc
	c.mu.Unlock()

	go c.watchExit(gen, proc)

	outcome, probeErr := c.prober.Probe(context.Background(), c.app.Address, c.app.HealthCheckPath, c.app.StartTimeout,
		healthprobe.Backoff{InitialMillis: c.app.HealthBackoff.InitialMillis, MaxSeconds: c.app.HealthBackoff.MaxSeconds})

	c.mu.Lock()
	if c.generation != gen || c.state != Starting {
		c.mu.Unlock()
		return
	}
	if outcome != healthprobe.Ok {
		c.mu.Unlock()
		c.log.WithField("host", c.app.Hostname).WithField("outcome", outcome.String()).Warn("backend failed health probe")
		_ = proc.Stop(context.Background(), c.app.StopTimeout)
		c.handleStartFailure(gen, runID)
		return
	}

	c.state = Running
	metrics.ActiveBackendsGauge.Inc()
	metrics.ObserveProbeLatency(c.app.Hostname, c.clock.Now().Sub(c.startedAt))
	waiters := c.waiters
	c.waiters = nil
	shuttingDown := c.shuttingDown
	if shuttingDown {
		c.state = Stopping
		c.generation++
		stopGen := c.generation
		c.notifyLocked()
		c.mu.Unlock()
		resolveWaiters(waiters, WaitOutcome{Addr: c.app.Address})
		go c.runStop(stopGen, proc)
		_ = probeErr
		return
	}
	if c.n == 0 {
		c.armIdleTimerLocked(c.clock.Now())
	}
	c.notifyLocked()
	c.mu.Unlock()

	_ = probeErr
	resolveWaiters(waiters, WaitOutcome{Addr: c.app.Address})
}

// currentRunID reads c.runID if gen still matches, else returns "" (a stale
// caller shouldn't journal against a run it no longer owns).
func (c *Controller) currentRunID(gen uint64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return ""
	}
	return c.runID
}

// handleStartFailure finalizes the run as failed, transitions to Failed,
// resolves waiters with an error, and arms the cooldown timer.
func (c *Controller) handleStartFailure(gen uint64, runID string) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	if runID != "" {
		c.journal.EndRun(runID, now, journal.OutcomeStartFailed)
		metrics.RunsFinishedTotal.WithLabelValues(c.app.Hostname, string(journal.OutcomeStartFailed)).Inc()
	}
	c.proc = nil
	c.n = 0
	waiters := c.waiters
	c.waiters = nil
	if c.cooldownTimer != nil {
		c.cooldownTimer.Stop()
	}
	if c.shuttingDown {
		c.state = Idle
		c.generation++
	} else {
		c.state = Failed
		c.generation++
		cooldownGen := c.generation
		c.cooldownTimer = c.clock.AfterFunc(failureCooldown, func() { c.onCooldownElapsed(cooldownGen) })
	}
	c.notifyLocked()
	c.mu.Unlock()

	resolveWaiters(waiters, WaitOutcome{Err: errBackendFailed})
}

func (c *Controller) onCooldownElapsed(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.state != Failed {
		return
	}
	c.state = Idle
	c.generation++
	c.notifyLocked()
}

// watchExit detects an unexpected process exit: before the probe
// succeeded (Starting), or after (Running, a crash). An exit triggered by
// the controller's own stop flow is ignored here; that path owns its own
// finalization.
func (c *Controller) watchExit(gen uint64, proc processHandle) {
	<-proc.Exited()

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	switch c.state {
	case Starting:
		runID := c.runID
		c.mu.Unlock()
		c.handleStartFailure(gen, runID)
	case Running:
		now := c.clock.Now()
		runID := c.runID
		c.journal.EndRun(runID, now, journal.OutcomeCrashed)
		metrics.ActiveBackendsGauge.Dec()
		metrics.RunsFinishedTotal.WithLabelValues(c.app.Hostname, string(journal.OutcomeCrashed)).Inc()
		c.state = Failed
		c.generation++
		cooldownGen := c.generation
		c.proc = nil
		if c.idleTimer != nil {
			c.idleTimer.Stop()
			c.idleTimer = nil
		}
		if c.cooldownTimer != nil {
			c.cooldownTimer.Stop()
		}
		c.cooldownTimer = c.clock.AfterFunc(failureCooldown, func() { c.onCooldownElapsed(cooldownGen) })
		c.notifyLocked()
		c.mu.Unlock()
		c.log.WithField("host", c.app.Hostname).
			WithField("recent_output", logsanitize.ForLog(proc.RecentOutput())).
			Warn("backend exited unexpectedly")
	default:
		c.mu.Unlock()
	}
}

// runStop stops proc and, once stopped, finalizes the run and transitions
// back to Idle (or directly into a restart if an acquire arrived while
// Stopping).
func (c *Controller) runStop(gen uint64, proc processHandle) {
	err := proc.Stop(context.Background(), c.app.StopTimeout)
	if err != nil {
		c.log.WithError(err).WithField("host", c.app.Hostname).Warn("error stopping backend")
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	outcome := journal.OutcomeStoppedOnIdle
	if c.shuttingDown {
		outcome = journal.OutcomeStoppedOnShutdown
	}
	if c.runID != "" {
		c.journal.EndRun(c.runID, now, outcome)
	}
	metrics.ActiveBackendsGauge.Dec()
	metrics.RunsFinishedTotal.WithLabelValues(c.app.Hostname, string(outcome)).Inc()
	c.runID = ""
	c.proc = nil

	restart := c.restartPending && !c.shuttingDown
	c.restartPending = false

	if restart {
		c.state = Idle
		gen2 := c.beginStartLocked(now)
		c.mu.Unlock()
		go c.runStart(gen2)
		return
	}

	c.state = Idle
	c.generation++
	c.notifyLocked()
	c.mu.Unlock()
}

func resolveWaiters(waiters []chan WaitOutcome, outcome WaitOutcome) {
	for _, ch := range waiters {
		select {
		case ch <- outcome:
		default:
		}
	}
}
