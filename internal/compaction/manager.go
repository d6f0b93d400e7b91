// manager.go implements Manager, which schedules compaction across tablets.
//
// Scheduling pass (ScheduleOnce), run on a ticker, on Trigger, or directly:
//
//  1. Walk the registered tablets in id order.
//  2. Skip tablets whose policy finds nothing to do.
//  3. Take one unit of the global admission semaphore; if none is left,
//     the pass ends.
//  4. Ask the tablet for a task. The tablet returns nil if one is already
//     in flight, in which case the unit is given back.
//  5. Hand the task to a worker. The unit is released when the task ends.
//
// The worker count and the semaphore weight are both MaxConcurrency, read
// once when the manager is created.
package compaction

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/aalhour/tabletkv/internal/config"
	"github.com/aalhour/tabletkv/internal/logging"
)

// Candidate is the manager's view of a tablet.
type Candidate interface {
	ID() int64
	NeedCompaction() bool

	// CreateCompactionTask returns nil when there is nothing to do or a
	// task for this tablet is already in flight.
	CreateCompactionTask() *Task
}

// Observer is notified around every task the manager runs.
type Observer interface {
	TaskStarted(t *Task)
	TaskFinished(t *Task)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Config   *config.Store
	Logger   logging.Logger
	Observer Observer

	// Tracer defaults to the global otel tracer provider.
	Tracer trace.Tracer
}

// Manager owns the tablet registry, the admission gate and the workers.
type Manager struct {
	cfg         *config.Store
	logger      logging.Logger
	observer    Observer
	tracer      trace.Tracer
	concurrency int

	tablets *skipmap.FuncMap[int64, Candidate]
	sem     *semaphore.Weighted
	tasks   chan *Task
	trigger chan struct{}
	stopCh  chan struct{}

	mu      sync.Mutex // serializes scheduling passes and lifecycle
	started bool
	stopped bool
	loopWG  sync.WaitGroup
	workWG  sync.WaitGroup

	idleMu   sync.Mutex
	idle     *sync.Cond
	inflight int

	running   atomic.Int64
	scheduled atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

// NewManager creates a stopped manager.
func NewManager(opts ManagerOptions) *Manager {
	n := opts.Config.Load().Compaction.MaxConcurrency
	if n < 1 {
		n = 1
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/aalhour/tabletkv/internal/compaction")
	}
	m := &Manager{
		cfg:         opts.Config,
		logger:      logging.OrDefault(opts.Logger),
		observer:    opts.Observer,
		tracer:      tracer,
		concurrency: n,
		tablets: skipmap.NewFunc[int64, Candidate](func(a, b int64) bool {
			return a < b
		}),
		sem:     semaphore.NewWeighted(int64(n)),
		tasks:   make(chan *Task, n),
		trigger: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	m.idle = sync.NewCond(&m.idleMu)
	return m
}

// Register adds or replaces a tablet.
func (m *Manager) Register(c Candidate) {
	m.tablets.Store(c.ID(), c)
}

// Unregister removes a tablet. A task already running for it completes.
func (m *Manager) Unregister(id int64) {
	m.tablets.Delete(id)
}

// Tablet returns the registered tablet with the given id.
func (m *Manager) Tablet(id int64) (Candidate, bool) {
	return m.tablets.Load(id)
}

// Tablets returns all registered tablets in id order.
func (m *Manager) Tablets() []Candidate {
	out := make([]Candidate, 0, m.tablets.Len())
	m.tablets.Range(func(_ int64, c Candidate) bool {
		out = append(out, c)
		return true
	})
	return out
}

// Concurrency returns the admission limit.
func (m *Manager) Concurrency() int { return m.concurrency }

// RunningTasks returns the number of tasks currently executing.
func (m *Manager) RunningTasks() int { return int(m.running.Load()) }

// ManagerStats is a point-in-time view of the manager counters.
type ManagerStats struct {
	Tablets   int
	Running   int
	Scheduled uint64
	Succeeded uint64
	Failed    uint64
}

// Stats returns the current counters.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		Tablets:   m.tablets.Len(),
		Running:   m.RunningTasks(),
		Scheduled: m.scheduled.Load(),
		Succeeded: m.succeeded.Load(),
		Failed:    m.failed.Load(),
	}
}

// Start launches the workers and the periodic scheduling loop.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	for i := 0; i < m.concurrency; i++ {
		m.workWG.Add(1)
		go m.worker()
	}
	m.loopWG.Add(1)
	go m.loop()
	m.logger.Infof("%sstarted with %d workers", logging.NSManager, m.concurrency)
}

// Stop ends the scheduling loop and waits for running tasks to complete.
// Tasks are never interrupted.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	close(m.stopCh)
	m.mu.Unlock()

	if !started {
		return
	}
	m.loopWG.Wait()
	close(m.tasks)
	m.workWG.Wait()
	m.logger.Infof("%sstopped", logging.NSManager)
}

// Trigger requests a scheduling pass without waiting for the next tick.
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// WaitIdle blocks until no admitted task is queued or running.
func (m *Manager) WaitIdle() {
	m.idleMu.Lock()
	defer m.idleMu.Unlock()
	for m.inflight > 0 {
		m.idle.Wait()
	}
}

// ScheduleOnce runs one scheduling pass and returns the number of tasks
// admitted. It does nothing unless the manager is running.
func (m *Manager) ScheduleOnce() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.stopped {
		return 0
	}

	admitted := 0
	m.tablets.Range(func(id int64, c Candidate) bool {
		if !c.NeedCompaction() {
			return true
		}
		if !m.sem.TryAcquire(1) {
			m.logger.Debugf("%sadmission gate full at tablet %d", logging.NSManager, id)
			return false
		}
		task := c.CreateCompactionTask()
		if task == nil {
			m.sem.Release(1)
			return true
		}
		m.idleMu.Lock()
		m.inflight++
		m.idleMu.Unlock()
		m.scheduled.Add(1)
		admitted++
		m.logger.Debugf("%stablet %d: admitted %s", logging.NSManager, id, task.Plan())
		m.tasks <- task
		return true
	})
	return admitted
}

func (m *Manager) loop() {
	defer m.loopWG.Done()

	interval := m.checkInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-m.trigger:
		case <-ticker.C:
			if m.cfg.Path() != "" {
				changed, err := m.cfg.ReloadIfChanged()
				if err != nil {
					m.logger.Warnf("%sconfig reload: %v", logging.NSManager, err)
				} else if changed {
					m.logger.Infof("%sconfig reloaded from %s", logging.NSManager, m.cfg.Path())
					if next := m.checkInterval(); next != interval {
						interval = next
						ticker.Reset(interval)
					}
				}
			}
		}
		if n := m.ScheduleOnce(); n > 0 {
			m.logger.Debugf("%sadmitted %d tasks", logging.NSManager, n)
		}
	}
}

func (m *Manager) checkInterval() time.Duration {
	s := m.cfg.Load().Compaction.CheckIntervalSeconds
	if s < 1 {
		s = 1
	}
	return time.Duration(s) * time.Second
}

func (m *Manager) worker() {
	defer m.workWG.Done()
	for t := range m.tasks {
		m.runTask(t)
	}
}

func (m *Manager) runTask(t *Task) {
	defer func() {
		m.sem.Release(1)
		m.idleMu.Lock()
		m.inflight--
		if m.inflight == 0 {
			m.idle.Broadcast()
		}
		m.idleMu.Unlock()
	}()

	plan := t.Plan()
	_, span := m.tracer.Start(context.Background(), "compaction.Task.Run",
		trace.WithAttributes(
			attribute.Int64("tablet.id", t.TabletID()),
			attribute.String("compaction.kind", plan.Kind.String()),
			attribute.String("compaction.reason", plan.Reason.String()),
			attribute.Int("compaction.input_rowsets", len(plan.Inputs)),
			attribute.Int64("compaction.input_bytes", plan.InputSize()),
			attribute.String("compaction.output_version", plan.Output.String()),
		))
	defer span.End()

	m.running.Add(1)
	if m.observer != nil {
		m.observer.TaskStarted(t)
	}
	err := t.Run()
	m.running.Add(-1)

	if err != nil {
		m.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "compaction failed")
	} else {
		m.succeeded.Add(1)
		out := t.Output()
		span.SetAttributes(
			attribute.Int64("compaction.output_bytes", out.SizeBytes),
			attribute.Int64("compaction.output_rows", out.RowCount),
			attribute.Int64("compaction.cumulative_point", t.Result().CumulativePoint),
		)
		span.SetStatus(codes.Ok, "")
	}
	if m.observer != nil {
		m.observer.TaskFinished(t)
	}
}
