// Package metrics collects per-module latency statistics inside workers
// and the supervisor-side Prometheus collectors.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Histogram bounds in microseconds: 1us to 1 hour, 3 significant figures.
const (
	histogramMin     = 1
	histogramMax     = 3600000000
	histogramSigFigs = 3
)

// Recorder accumulates module invocation latencies. It is safe for
// concurrent use.
type Recorder struct {
	mu      sync.Mutex
	modules map[string]*moduleHist
}

type moduleHist struct {
	hist        *hdrhistogram.Histogram
	invocations int64
	failures    int64
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{modules: make(map[string]*moduleHist)}
}

func (r *Recorder) get(name string) *moduleHist {
	m, ok := r.modules[name]
	if !ok {
		m = &moduleHist{hist: hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs)}
		r.modules[name] = m
	}
	return m
}

// Record adds one invocation of module that took d. A non-nil err counts it
// as a failure.
func (r *Recorder) Record(module string, d time.Duration, err error) {
	micros := d.Microseconds()
	if micros < histogramMin {
		micros = histogramMin
	}
	if micros > histogramMax {
		micros = histogramMax
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.get(module)
	// RecordValue is not thread-safe; the recorder lock covers it.
	m.hist.RecordValue(micros)
	m.invocations++
	if err != nil {
		m.failures++
	}
}

// Report is the serializable form of a recorder. Workers write it on
// stdout and the supervisor merges them.
type Report struct {
	Modules []ModuleReport `json:"modules"`
}

// ModuleReport carries one module's counters and histogram.
type ModuleReport struct {
	Name        string                 `json:"name"`
	Invocations int64                  `json:"invocations"`
	Failures    int64                  `json:"failures"`
	Histogram   *hdrhistogram.Snapshot `json:"histogram"`
}

// Report exports the recorder, modules sorted by name.
func (r *Recorder) Report() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := &Report{Modules: make([]ModuleReport, 0, len(r.modules))}
	for _, name := range r.namesLocked() {
		m := r.modules[name]
		rep.Modules = append(rep.Modules, ModuleReport{
			Name:        name,
			Invocations: m.invocations,
			Failures:    m.failures,
			Histogram:   m.hist.Export(),
		})
	}
	return rep
}

// Merge folds rep into the recorder.
func (r *Recorder) Merge(rep *Report) {
	if rep == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, mr := range rep.Modules {
		m := r.get(mr.Name)
		m.invocations += mr.Invocations
		m.failures += mr.Failures
		if mr.Histogram != nil {
			m.hist.Merge(hdrhistogram.Import(mr.Histogram))
		}
	}
}

// ModuleStats summarizes one module.
type ModuleStats struct {
	Name        string        `json:"name"`
	Invocations int64         `json:"invocations"`
	Failures    int64         `json:"failures"`
	Min         time.Duration `json:"min"`
	Mean        time.Duration `json:"mean"`
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
	P99         time.Duration `json:"p99"`
	Max         time.Duration `json:"max"`
}

// Stats returns per-module summaries sorted by name.
func (r *Recorder) Stats() []ModuleStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ModuleStats, 0, len(r.modules))
	for _, name := range r.namesLocked() {
		m := r.modules[name]
		h := m.hist
		out = append(out, ModuleStats{
			Name:        name,
			Invocations: m.invocations,
			Failures:    m.failures,
			Min:         time.Duration(h.Min()) * time.Microsecond,
			Mean:        time.Duration(h.Mean()) * time.Microsecond,
			P50:         time.Duration(h.ValueAtQuantile(50)) * time.Microsecond,
			P95:         time.Duration(h.ValueAtQuantile(95)) * time.Microsecond,
			P99:         time.Duration(h.ValueAtQuantile(99)) * time.Microsecond,
			Max:         time.Duration(h.Max()) * time.Microsecond,
		})
	}
	return out
}

// Totals returns the invocation and failure counts over all modules.
func (r *Recorder) Totals() (invocations, failures int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.modules {
		invocations += m.invocations
		failures += m.failures
	}
	return invocations, failures
}

func (r *Recorder) namesLocked() []string {
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
