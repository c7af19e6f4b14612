package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/mailsim/internal/simulator/iface"
	"github.com/wesleyorama2/mailsim/internal/simulator/metrics"
)

// The test binary doubles as a worker process for ProcessLauncher tests.
func TestMain(m *testing.M) {
	if os.Getenv("MAILSIM_TEST_WORKER") == "1" {
		rec := metrics.NewRecorder()
		rec.Record("sendmail", time.Millisecond, nil)
		json.NewEncoder(os.Stdout).Encode(rec.Report())
		if os.Getenv("MAILSIM_TEST_FAIL") == "1" {
			os.Exit(3)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// ============================================================================
// Fakes
// ============================================================================

type fakeProc struct {
	pid    int
	exit   chan Exit
	killed atomic.Bool
}

func (p *fakeProc) PID() int   { return p.pid }
func (p *fakeProc) Wait() Exit { return <-p.exit }

func (p *fakeProc) Kill() error {
	if p.killed.CompareAndSwap(false, true) {
		p.exit <- Exit{Err: errors.New("signal: killed"), Code: -1}
	}
	return nil
}

// blockingLauncher starts processes that only exit when killed or released.
type blockingLauncher struct {
	mu    sync.Mutex
	procs []*fakeProc
	fail  map[int]bool
}

func (l *blockingLauncher) Launch(ctx context.Context, job Job) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail[job.Slot] {
		return nil, errors.New("fork: resource temporarily unavailable")
	}
	p := &fakeProc{pid: 100 + len(l.procs), exit: make(chan Exit, 1)}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *blockingLauncher) releaseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.procs {
		p.exit <- Exit{}
	}
}

func jobs(n int) []Job {
	out := make([]Job, n)
	for i := range out {
		out[i] = Job{Slot: i, Profile: fmt.Sprintf("srv_user%d", i), Address: net.IPv4(10, 0, 0, byte(i+1))}
	}
	return out
}

type countingSet struct {
	set      *iface.Set
	releases []atomic.Int32
}

func newCountingSet(n int) *countingSet {
	cs := &countingSet{set: &iface.Set{}, releases: make([]atomic.Int32, n)}
	for i := 0; i < n; i++ {
		i := i
		cs.set.Add(iface.NewHandle(fmt.Sprintf("tap%d", i), net.IPv4(10, 0, 0, byte(i+1)), -1, func() error {
			cs.releases[i].Add(1)
			return nil
		}))
	}
	return cs
}

// ============================================================================
// Tests
// ============================================================================

func TestPool_LaunchesAndReapsAll(t *testing.T) {
	var ran atomic.Int32
	launcher := &InProcessLauncher{Run: func(ctx context.Context, job Job) (*metrics.Report, error) {
		ran.Add(1)
		rec := metrics.NewRecorder()
		rec.Record("sendmail", time.Millisecond, nil)
		return rec.Report(), nil
	}}
	col := metrics.NewCollectors()
	pool := &Pool{Launcher: launcher, Metrics: col}

	require.NoError(t, pool.Start(context.Background(), jobs(3)))
	require.NoError(t, pool.Wait())

	assert.Equal(t, int32(3), ran.Load())
	records := pool.Records()
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, StateExited, r.State)
		assert.False(t, r.Abnormal())
		assert.False(t, r.Killed)
	}

	inv, _ := pool.Stats().Totals()
	assert.Equal(t, int64(3), inv)
	assert.Equal(t, 3.0, testutil.ToFloat64(col.WorkersLaunched))
	assert.Equal(t, 0.0, testutil.ToFloat64(col.WorkersActive))
}

func TestPool_LaunchFailureContinues(t *testing.T) {
	launcher := &blockingLauncher{fail: map[int]bool{1: true}}
	pool := &Pool{Launcher: launcher}

	require.NoError(t, pool.Start(context.Background(), jobs(3)))
	launcher.releaseAll()
	require.NoError(t, pool.Wait())

	assert.Len(t, pool.Records(), 2)
	failures := pool.LaunchFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Job.Slot)

	var lerr *LaunchError
	assert.True(t, errors.As(failures[0], &lerr))
}

func TestPool_AbnormalExitIsLogged(t *testing.T) {
	launcher := &InProcessLauncher{Run: func(ctx context.Context, job Job) (*metrics.Report, error) {
		if job.Slot == 0 {
			return nil, errors.New("logon failed")
		}
		return nil, nil
	}}
	col := metrics.NewCollectors()
	pool := &Pool{Launcher: launcher, Metrics: col}

	require.NoError(t, pool.Start(context.Background(), jobs(2)))
	require.NoError(t, pool.Wait())

	abnormal := 0
	for _, r := range pool.Records() {
		if r.Abnormal() {
			abnormal++
			assert.Equal(t, 1, r.Exit.Code)
		}
	}
	assert.Equal(t, 1, abnormal)
	assert.Equal(t, 1.0, testutil.ToFloat64(col.WorkersAbnormal))
}

func TestPool_InterruptTearsDownOnceBeforeReap(t *testing.T) {
	launcher := &blockingLauncher{}
	cs := newCountingSet(3)
	pool := &Pool{Launcher: launcher, Interfaces: cs.set, Grace: 50 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx, jobs(3)))

	// No worker can be reaped before it is killed.
	cancel()
	err := pool.Wait()
	assert.ErrorIs(t, err, context.Canceled)

	assert.True(t, pool.TornDown())
	for i := range cs.releases {
		assert.Equal(t, int32(1), cs.releases[i].Load(), "interface %d", i)
	}

	records := pool.Records()
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, StateExited, r.State)
		assert.True(t, r.Killed)
	}

	// A later teardown from the normal path is a no-op.
	require.NoError(t, pool.Teardown())
	for i := range cs.releases {
		assert.Equal(t, int32(1), cs.releases[i].Load())
	}
}

func TestPool_CancelledBeforeFirstLaunch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 200; i++ {
		launcher := &blockingLauncher{}
		cs := newCountingSet(3)
		pool := &Pool{Launcher: launcher, Interfaces: cs.set, Grace: 50 * time.Millisecond}

		require.NoError(t, pool.Start(ctx, jobs(3)))
		require.ErrorIs(t, pool.Wait(), context.Canceled, "iteration %d", i)
		require.True(t, pool.TornDown(), "iteration %d", i)
		assert.Empty(t, pool.Records())
		for j := range cs.releases {
			require.Equal(t, int32(1), cs.releases[j].Load(), "iteration %d interface %d", i, j)
		}
	}
}

// cancellingLauncher fails every launch and cancels the run on the last one.
type cancellingLauncher struct {
	last   int
	cancel context.CancelFunc
}

func (l *cancellingLauncher) Launch(ctx context.Context, job Job) (Process, error) {
	if job.Slot == l.last {
		l.cancel()
	}
	return nil, errors.New("fork: resource temporarily unavailable")
}

func TestPool_CancelledAfterEveryLaunchFailed(t *testing.T) {
	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cs := newCountingSet(3)
		pool := &Pool{Launcher: &cancellingLauncher{last: 2, cancel: cancel}, Interfaces: cs.set}

		require.NoError(t, pool.Start(ctx, jobs(3)))
		require.ErrorIs(t, pool.Wait(), context.Canceled, "iteration %d", i)
		require.True(t, pool.TornDown(), "iteration %d", i)
		assert.Len(t, pool.LaunchFailures(), 3)
		for j := range cs.releases {
			require.Equal(t, int32(1), cs.releases[j].Load(), "iteration %d interface %d", i, j)
		}
		cancel()
	}
}

func TestPool_InterruptWaitsForGracefulExit(t *testing.T) {
	launcher := &InProcessLauncher{Run: func(ctx context.Context, job Job) (*metrics.Report, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	}}
	cs := newCountingSet(2)
	pool := &Pool{Launcher: launcher, Interfaces: cs.set, Grace: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx, jobs(2)))
	cancel()

	start := time.Now()
	assert.ErrorIs(t, pool.Wait(), context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)

	for _, r := range pool.Records() {
		assert.False(t, r.Killed)
		assert.False(t, r.Abnormal())
	}
}

func TestPool_TeardownConcurrentCallers(t *testing.T) {
	cs := newCountingSet(4)
	pool := &Pool{Interfaces: cs.set}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Teardown()
		}()
	}
	wg.Wait()

	for i := range cs.releases {
		assert.Equal(t, int32(1), cs.releases[i].Load())
	}
}

func TestPool_StartTwice(t *testing.T) {
	pool := &Pool{Launcher: &InProcessLauncher{Run: func(context.Context, Job) (*metrics.Report, error) { return nil, nil }}}
	require.NoError(t, pool.Start(context.Background(), nil))
	assert.Error(t, pool.Start(context.Background(), nil))
	assert.NoError(t, pool.Wait())

	assert.Error(t, (&Pool{}).Wait())
}

func TestInProcessLauncher_Kill(t *testing.T) {
	l := &InProcessLauncher{Run: func(ctx context.Context, job Job) (*metrics.Report, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	p, err := l.Launch(context.Background(), Job{Profile: "x"})
	require.NoError(t, err)
	assert.Greater(t, p.PID(), inProcessPIDBase)

	require.NoError(t, p.Kill())
	exit := p.Wait()
	assert.ErrorIs(t, exit.Err, context.Canceled)
	assert.Equal(t, -1, exit.Code)
}

func TestInProcessLauncher_Panic(t *testing.T) {
	l := &InProcessLauncher{Run: func(ctx context.Context, job Job) (*metrics.Report, error) {
		panic("boom")
	}}
	p, err := l.Launch(context.Background(), Job{})
	require.NoError(t, err)
	exit := p.Wait()
	require.Error(t, exit.Err)
	assert.Contains(t, exit.Err.Error(), "panicked")
}

func TestProcessLauncher(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	tests := []struct {
		name     string
		env      []string
		wantCode int
	}{
		{"clean exit", []string{"MAILSIM_TEST_WORKER=1"}, 0},
		{"failing worker", []string{"MAILSIM_TEST_WORKER=1", "MAILSIM_TEST_FAIL=1"}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &ProcessLauncher{Executable: exe, Env: tt.env, Args: []string{"--server", "s"}}
			p, err := l.Launch(context.Background(), Job{Profile: "s_user1"})
			require.NoError(t, err)
			assert.Greater(t, p.PID(), 0)

			exit := p.Wait()
			assert.Equal(t, tt.wantCode, exit.Code)
			assert.Equal(t, tt.wantCode != 0, exit.Err != nil)
			require.NotNil(t, exit.Report)
			require.Len(t, exit.Report.Modules, 1)
			assert.Equal(t, "sendmail", exit.Report.Modules[0].Name)
		})
	}
}

func TestProcessLauncher_MissingExecutable(t *testing.T) {
	l := &ProcessLauncher{Executable: "/nonexistent/mailsim"}
	_, err := l.Launch(context.Background(), Job{Profile: "p", Slot: 4})
	var lerr *LaunchError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, 4, lerr.Job.Slot)
}
