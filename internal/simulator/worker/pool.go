package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/mailsim/internal/simulator/iface"
	"github.com/wesleyorama2/mailsim/internal/simulator/metrics"
)

// State is the lifecycle state of a worker.
type State int32

const (
	// StateSpawned means the worker was started and not yet reaped.
	StateSpawned State = iota
	// StateProvisioning means the worker is loading its identity and
	// logging on.
	StateProvisioning
	// StateScheduling means the worker is running its modules.
	StateScheduling
	// StateExited means the worker has been reaped.
	StateExited
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateProvisioning:
		return "provisioning"
	case StateScheduling:
		return "scheduling"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Record tracks one launched worker.
type Record struct {
	Job   Job
	PID   int
	State State

	Started time.Time
	Ended   time.Time

	// Exit is set once the worker has been reaped.
	Exit Exit

	// Killed is set when the supervisor killed the worker after the grace
	// period.
	Killed bool
}

// Abnormal reports whether the worker was reaped with a non-clean exit.
func (r *Record) Abnormal() bool {
	return r.State == StateExited && r.Exit.Err != nil
}

// DefaultGrace is how long an interrupted pool waits before killing.
const DefaultGrace = 10 * time.Second

// Pool supervises the workers of one run.
//
// All liveness state is owned by a single supervisor goroutine that receives
// launch and exit events over a channel. Teardown of the interfaces runs at
// most once, either on interruption or when the caller invokes Teardown.
type Pool struct {
	Launcher Launcher
	Logger   *zap.Logger

	// Interfaces are destroyed by Teardown.
	Interfaces *iface.Set

	// Grace bounds how long an interrupted pool waits for workers to exit
	// on their own.
	Grace time.Duration

	// Metrics is optional.
	Metrics *metrics.Collectors

	// Pacer spaces launches. Nil launches back to back.
	Pacer *Pacer

	started     atomic.Bool
	tornDown    atomic.Bool
	interrupted atomic.Bool

	events chan event
	done   chan struct{}

	// procs is owned by the supervisor goroutine.
	procs  map[int]Process
	active int

	mu             sync.Mutex
	records        []*Record
	byPID          map[int]*Record
	launchFailures []*LaunchError
	stats          *metrics.Recorder
	teardownErr    error
}

type eventKind int

const (
	eventStarted eventKind = iota
	eventExited
	eventLaunchFailed
	eventLaunchDone
)

type event struct {
	kind eventKind
	rec  *Record
	proc Process
	pid  int
	exit Exit
	err  *LaunchError
}

func (p *Pool) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// Start launches one worker per job. The supervisor is running before the
// first launch. A launch failure is logged and the remaining jobs are
// still attempted. Launching stops early when ctx is done.
func (p *Pool) Start(ctx context.Context, jobs []Job) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("pool already started")
	}
	if p.Launcher == nil {
		return errors.New("pool has no launcher")
	}

	p.events = make(chan event, len(jobs)+1)
	p.done = make(chan struct{})
	p.procs = make(map[int]Process)
	p.byPID = make(map[int]*Record)
	p.stats = metrics.NewRecorder()

	go p.supervise(ctx)

	log := p.logger()
	for _, job := range jobs {
		if err := p.Pacer.Wait(ctx); err != nil {
			log.Warn("launch interrupted", zap.Int("slot", job.Slot))
			break
		}

		proc, err := p.Launcher.Launch(ctx, job)
		if err != nil {
			var lerr *LaunchError
			if !errors.As(err, &lerr) {
				lerr = &LaunchError{Job: job, Err: err}
			}
			log.Error("worker launch failed", zap.String("profile", job.Profile), zap.Error(lerr.Err))
			p.events <- event{kind: eventLaunchFailed, err: lerr}
			continue
		}

		rec := &Record{Job: job, PID: proc.PID(), State: StateSpawned, Started: time.Now()}
		p.events <- event{kind: eventStarted, rec: rec, proc: proc}

		go func(pid int, proc Process) {
			p.events <- event{kind: eventExited, pid: pid, exit: proc.Wait()}
		}(rec.PID, proc)
	}

	p.events <- event{kind: eventLaunchDone}
	return nil
}

// supervise is the only goroutine that mutates liveness state.
func (p *Pool) supervise(ctx context.Context) {
	defer close(p.done)

	log := p.logger()
	launching := true
	cancelled := ctx.Done()
	var grace <-chan time.Time

	for launching || p.active > 0 {
		select {
		case ev := <-p.events:
			switch ev.kind {
			case eventStarted:
				p.procs[ev.rec.PID] = ev.proc
				p.active++
				p.mu.Lock()
				p.records = append(p.records, ev.rec)
				p.byPID[ev.rec.PID] = ev.rec
				p.mu.Unlock()
				p.gauge(func(c *metrics.Collectors) {
					c.WorkersLaunched.Inc()
					c.WorkersActive.Set(float64(p.active))
				})
				log.Debug("worker started", zap.Int("pid", ev.rec.PID), zap.String("profile", ev.rec.Job.Profile))

			case eventExited:
				p.reap(ev.pid, ev.exit)

			case eventLaunchFailed:
				p.mu.Lock()
				p.launchFailures = append(p.launchFailures, ev.err)
				p.mu.Unlock()
				p.gauge(func(c *metrics.Collectors) { c.LaunchFailures.Inc() })

			case eventLaunchDone:
				launching = false
			}

		case <-cancelled:
			cancelled = nil
			p.interrupt(log)

			g := p.Grace
			if g <= 0 {
				g = DefaultGrace
			}
			timer := time.NewTimer(g)
			defer timer.Stop()
			grace = timer.C

		case <-grace:
			grace = nil
			p.killAll()
		}
	}

	// Launching can stop on cancellation with nothing left to reap, and the
	// loop then exits before the Done case is ever selected.
	if cancelled != nil && ctx.Err() != nil {
		p.interrupt(log)
	}
}

func (p *Pool) interrupt(log *zap.Logger) {
	p.interrupted.Store(true)
	log.Warn("interrupted, tearing down", zap.Int("active", p.active))
	p.Teardown()
}

func (p *Pool) reap(pid int, exit Exit) {
	log := p.logger()
	if _, ok := p.procs[pid]; !ok {
		log.Warn("exit from unknown worker", zap.Int("pid", pid))
		return
	}
	delete(p.procs, pid)
	p.active--

	p.mu.Lock()
	rec := p.byPID[pid]
	rec.State = StateExited
	rec.Ended = time.Now()
	rec.Exit = exit
	p.stats.Merge(exit.Report)
	p.mu.Unlock()

	p.gauge(func(c *metrics.Collectors) {
		c.WorkersActive.Set(float64(p.active))
		c.ObserveReport(exit.Report)
		if exit.Err != nil {
			c.WorkersAbnormal.Inc()
		}
	})

	if exit.Err != nil {
		log.Warn("worker exited abnormally",
			zap.Int("pid", pid),
			zap.String("profile", rec.Job.Profile),
			zap.Int("code", exit.Code),
			zap.Bool("killed", rec.Killed),
			zap.Error(exit.Err))
		return
	}
	log.Debug("worker reaped", zap.Int("pid", pid), zap.String("profile", rec.Job.Profile))
}

func (p *Pool) killAll() {
	log := p.logger()
	for pid, proc := range p.procs {
		p.mu.Lock()
		p.byPID[pid].Killed = true
		p.mu.Unlock()
		if err := proc.Kill(); err != nil {
			log.Warn("kill failed", zap.Int("pid", pid), zap.Error(err))
			continue
		}
		log.Warn("killed worker after grace period", zap.Int("pid", pid))
	}
}

func (p *Pool) gauge(f func(c *metrics.Collectors)) {
	if p.Metrics != nil {
		f(p.Metrics)
	}
}

// Wait blocks until every launched worker has been reaped. It returns
// context.Canceled when the run was interrupted; teardown has happened by
// then.
func (p *Pool) Wait() error {
	if !p.started.Load() {
		return errors.New("pool not started")
	}
	<-p.done
	if p.interrupted.Load() {
		return context.Canceled
	}
	return nil
}

// Teardown destroys every interface in the pool exactly once. Later calls
// do not touch the interfaces; they return the first call's error, which
// is still nil while that call is running.
func (p *Pool) Teardown() error {
	if !p.tornDown.CompareAndSwap(false, true) {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.teardownErr
	}
	if p.Interfaces == nil {
		return nil
	}

	log := p.logger()
	err := p.Interfaces.DestroyAll(func(i int, h *iface.Handle, err error) {
		if err != nil {
			log.Error("interface teardown failed", zap.String("interface", h.Name), zap.Error(err))
			return
		}
		log.Debug("interface destroyed", zap.String("interface", h.Name), zap.Stringer("addr", h.Addr))
	})
	p.gauge(func(c *metrics.Collectors) { c.Interfaces.Set(0) })

	p.mu.Lock()
	p.teardownErr = err
	p.mu.Unlock()
	return err
}

// TornDown reports whether Teardown has run.
func (p *Pool) TornDown() bool {
	return p.tornDown.Load()
}

// Records returns a snapshot of the launched workers in launch order.
func (p *Pool) Records() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, len(p.records))
	for i, r := range p.records {
		out[i] = *r
	}
	return out
}

// LaunchFailures returns the jobs that could not be started.
func (p *Pool) LaunchFailures() []*LaunchError {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*LaunchError, len(p.launchFailures))
	copy(out, p.launchFailures)
	return out
}

// Stats returns the merged module statistics of the reaped workers.
func (p *Pool) Stats() *metrics.Recorder {
	return p.stats
}
