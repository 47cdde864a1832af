package controller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/pennyhq/penny/internal/appspec"
	"github.com/pennyhq/penny/internal/clock"
	"github.com/pennyhq/penny/internal/healthprobe"
	"github.com/pennyhq/penny/internal/journal"
	"github.com/pennyhq/penny/internal/procrunner"
)

type fakeProc struct {
	mu        sync.Mutex
	exited    chan struct{}
	exitErr   error
	blockStop chan struct{} // if non-nil, Stop waits for this to close first
}

func newFakeProc() *fakeProc {
	return &fakeProc{exited: make(chan struct{})}
}

func (p *fakeProc) Exited() <-chan struct{} { return p.exited }
func (p *fakeProc) ExitErr() error          { return p.exitErr }
func (p *fakeProc) RecentOutput() string    { return "" }

func (p *fakeProc) Stop(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	block := p.blockStop
	p.mu.Unlock()
	if block != nil {
		<-block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.exited:
	default:
		close(p.exited)
	}
	return nil
}

func (p *fakeProc) crash() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.exited:
	default:
		close(p.exited)
	}
}

type fakeStarter struct {
	mu    sync.Mutex
	procs []*fakeProc
	err   error
}

func (s *fakeStarter) Start(command procrunner.Command, onLine procrunner.LineCallback) (processHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := newFakeProc()
	s.procs = append(s.procs, p)
	return p, nil
}

type fakeProber struct {
	outcome healthprobe.Outcome
	err     error
}

func (f *fakeProber) Probe(ctx context.Context, addr, path string, budget time.Duration, backoff healthprobe.Backoff) (healthprobe.Outcome, error) {
	return f.outcome, f.err
}

type fakeJournal struct {
	mu    sync.Mutex
	n     int
	ended map[string]journal.Outcome
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{ended: make(map[string]journal.Outcome)}
}

func (j *fakeJournal) BeginRun(host string, startedAt time.Time) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.n++
	return fmt.Sprintf("%s-run-%d", host, j.n)
}

func (j *fakeJournal) AppendLog(runID string, stream journal.Stream, line string, ts time.Time) {}

func (j *fakeJournal) EndRun(runID string, endedAt time.Time, outcome journal.Outcome) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ended[runID] = outcome
}

func testApp() appspec.App {
	return appspec.App{
		Hostname:        "app.example.com",
		Address:         "127.0.0.1:9001",
		Command:         appspec.Command{Start: "run-backend"},
		HealthCheckPath: "/healthz",
		HealthBackoff:   appspec.HealthBackoff{InitialMillis: 10, MaxSeconds: 1},
		StartTimeout:    5 * time.Second,
		StopTimeout:     2 * time.Second,
		WaitPeriod:      time.Minute,
	}
}

func newTestController(t *testing.T, app appspec.App) (*Controller, *fakeStarter, *clock.Test, *fakeJournal) {
	t.Helper()
	tc := clock.NewTest(time.Unix(0, 0))
	starter := &fakeStarter{}
	j := newFakeJournal()
	c := &Controller{
		app:     app,
		clock:   tc,
		starter: starter,
		prober:  &fakeProber{outcome: healthprobe.Ok},
		journal: j,
		rate:    noopRate{},
		log:     logrus.NewEntry(logrus.New()),
		state:   Idle,
		changed: make(chan struct{}),
	}
	return c, starter, tc, j
}

// noopRate satisfies rateEstimator without tracking anything; adaptive_wait
// is covered separately in adaptive_test.go.
type noopRate struct{}

func (noopRate) Record(now time.Time)                                     {}
func (noopRate) RatePerHour(now time.Time) (shortRate, longRate float64) { return 0, 0 }

func TestAcquireFromIdleStartsAndResolvesReady(t *testing.T) {
	c, _, tc, _ := newTestController(t, testApp())

	res := c.Acquire(tc.Now(), false)
	require.Equal(t, Waiting, res.Kind)

	var outcome WaitOutcome
	require.Eventually(t, func() bool {
		select {
		case outcome = <-res.Wait.Chan():
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	require.NoError(t, outcome.Err)
	require.Equal(t, "127.0.0.1:9001", outcome.Addr)
	require.Eventually(t, func() bool { return c.State() == Running }, time.Second, time.Millisecond)
}

func TestAcquireWhileRunningReturnsReady(t *testing.T) {
	c, _, tc, _ := newTestController(t, testApp())
	res := c.Acquire(tc.Now(), false)
	<-res.Wait.Chan()
	require.Eventually(t, func() bool { return c.State() == Running }, time.Second, time.Millisecond)

	res2 := c.Acquire(tc.Now(), false)
	require.Equal(t, Ready, res2.Kind)
	require.Equal(t, "127.0.0.1:9001", res2.Addr)
}

func TestIdleTimeoutStopsRunningBackend(t *testing.T) {
	c, starter, tc, j := newTestController(t, testApp())
	res := c.Acquire(tc.Now(), false)
	<-res.Wait.Chan()
	require.Eventually(t, func() bool { return c.State() == Running }, time.Second, time.Millisecond)

	c.Release(tc.Now())

	tc.Advance(time.Minute)
	require.Eventually(t, func() bool { return c.State() == Idle }, time.Second, time.Millisecond)

	starter.mu.Lock()
	proc := starter.procs[0]
	starter.mu.Unlock()
	select {
	case <-proc.Exited():
	default:
		t.Fatal("backend process was not stopped")
	}
	require.Len(t, j.ended, 1)
}

func TestAcquireDuringStoppingRestarts(t *testing.T) {
	c, starter, tc, _ := newTestController(t, testApp())
	res := c.Acquire(tc.Now(), false)
	<-res.Wait.Chan()
	require.Eventually(t, func() bool { return c.State() == Running }, time.Second, time.Millisecond)
	c.Release(tc.Now())

	starter.mu.Lock()
	proc := starter.procs[0]
	proc.blockStop = make(chan struct{})
	starter.mu.Unlock()

	tc.Advance(time.Minute)
	require.Eventually(t, func() bool { return c.State() == Stopping }, time.Second, time.Millisecond)

	res2 := c.Acquire(tc.Now(), false)
	require.Equal(t, Waiting, res2.Kind)

	close(proc.blockStop)

	var outcome WaitOutcome
	require.Eventually(t, func() bool {
		select {
		case outcome = <-res2.Wait.Chan():
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	require.NoError(t, outcome.Err)
	require.Eventually(t, func() bool { return c.State() == Running }, time.Second, time.Millisecond)

	starter.mu.Lock()
	require.Len(t, starter.procs, 2)
	starter.mu.Unlock()
}

func TestStartFailureEntersFailedThenCooldownToIdle(t *testing.T) {
	app := testApp()
	c, _, tc, j := newTestController(t, app)
	c.starter = &fakeStarter{err: procrunner.ErrSpawnFailed}

	res := c.Acquire(tc.Now(), false)
	require.Equal(t, Waiting, res.Kind)

	var outcome WaitOutcome
	require.Eventually(t, func() bool {
		select {
		case outcome = <-res.Wait.Chan():
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	require.Error(t, outcome.Err)
	require.Eventually(t, func() bool { return c.State() == Failed }, time.Second, time.Millisecond)

	res2 := c.Acquire(tc.Now(), false)
	require.Equal(t, Error, res2.Kind)

	tc.Advance(failureCooldown)
	require.Eventually(t, func() bool { return c.State() == Idle }, time.Second, time.Millisecond)
	require.Len(t, j.ended, 1)
}

func TestCrashWhileRunningEntersFailed(t *testing.T) {
	c, starter, tc, j := newTestController(t, testApp())
	res := c.Acquire(tc.Now(), false)
	<-res.Wait.Chan()
	require.Eventually(t, func() bool { return c.State() == Running }, time.Second, time.Millisecond)

	starter.mu.Lock()
	proc := starter.procs[0]
	starter.mu.Unlock()
	proc.crash()

	require.Eventually(t, func() bool { return c.State() == Failed }, time.Second, time.Millisecond)
	require.Len(t, j.ended, 1)
}

func TestWaiterCancelDecrementsN(t *testing.T) {
	c, _, tc, _ := newTestController(t, testApp())
	c.starter = &fakeStarter{} // normal starter; the probe's outcome does not change n
	res := c.Acquire(tc.Now(), false)
	require.Equal(t, Waiting, res.Kind)

	require.Equal(t, 1, c.inFlight())
	res.Wait.Cancel(tc.Now())
	require.Equal(t, 0, c.inFlight())

	// Cancelling twice is a no-op.
	res.Wait.Cancel(tc.Now())
	require.Equal(t, 0, c.inFlight())
}

func (c *Controller) inFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestShutdownStopsRunningBackend(t *testing.T) {
	c, _, tc, j := newTestController(t, testApp())
	res := c.Acquire(tc.Now(), false)
	<-res.Wait.Chan()
	require.Eventually(t, func() bool { return c.State() == Running }, time.Second, time.Millisecond)
	c.Release(tc.Now())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
	require.Equal(t, Idle, c.State())
	require.Contains(t, j.ended, j.lastRunID())
}

func (j *fakeJournal) lastRunID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	for id := range j.ended {
		return id
	}
	return ""
}
