// task.go implements Task, the execution of one compaction plan.
//
// A task either replaces all of its input rowsets with one merged rowset or
// leaves the timeline exactly as it found it:
//
//	Pending -> Running -> Succeeded
//	                   -> Failed
//
// Failure never removes visible data. A merged rowset whose commit fails is
// discarded so it cannot linger as a duplicate of history. Inputs of a
// committed merge are retired through the timeline and deleted once no
// reader pins them.
package compaction

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/tabletkv/internal/logging"
	"github.com/aalhour/tabletkv/internal/memtrack"
	"github.com/aalhour/tabletkv/internal/rowset"
	"github.com/aalhour/tabletkv/internal/version"
)

// ErrTaskStarted is returned when Run is called more than once.
var ErrTaskStarted = errors.New("compaction: task already started")

// State is the lifecycle state of a Task.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Succeeded or Failed.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// TaskOptions wires a task to its tablet.
type TaskOptions struct {
	TabletID int64
	Schema   *rowset.Schema
	Timeline *version.Timeline
	Writer   RowsetWriter

	// Tracker bounds merge memory. May be nil.
	Tracker *memtrack.Tracker

	Logger logging.Logger

	// OnDone is called exactly once, after the task reached a terminal state.
	OnDone func(*Task)
}

// Task executes one Plan.
type Task struct {
	opts  TaskOptions
	plan  *Plan
	state atomic.Int32

	mu       sync.Mutex
	err      error
	output   *rowset.Descriptor
	result   version.CommitResult
	started  time.Time
	finished time.Time
}

// NewTask creates a pending task for plan.
func NewTask(plan *Plan, opts TaskOptions) *Task {
	opts.Logger = logging.OrDefault(opts.Logger)
	return &Task{opts: opts, plan: plan}
}

// TabletID returns the id of the tablet the task compacts.
func (t *Task) TabletID() int64 { return t.opts.TabletID }

// Plan returns the plan being executed.
func (t *Task) Plan() *Plan { return t.plan }

// State returns the current state.
func (t *Task) State() State { return State(t.state.Load()) }

// Err returns the failure cause of a Failed task.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Output returns the committed rowset of a Succeeded task.
func (t *Task) Output() *rowset.Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output
}

// Result returns the commit outcome of a Succeeded task.
func (t *Task) Result() version.CommitResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Duration returns how long Run took, or 0 if it has not finished.
func (t *Task) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished.IsZero() {
		return 0
	}
	return t.finished.Sub(t.started)
}

// Run executes the plan. It returns nil on success and the failure cause
// otherwise; the same error is kept in Err.
func (t *Task) Run() (err error) {
	if !t.state.CompareAndSwap(int32(StatePending), int32(StateRunning)) {
		return ErrTaskStarted
	}
	t.mu.Lock()
	t.started = time.Now()
	t.mu.Unlock()

	defer func() { t.finish(err) }()

	log := t.opts.Logger
	tl := t.opts.Timeline
	inputs := t.plan.Inputs

	if !tl.ContainsRun(inputs) {
		return fmt.Errorf("compaction: %s: %w", t.plan.Output, version.ErrStaleSource)
	}
	// Deletes can only be dropped when nothing older exists outside the run.
	rooted := tl.IsRootedRun(inputs)
	if t.plan.HasDeleteRowset() && !rooted {
		return fmt.Errorf("compaction: %s: %w", t.plan.Output, version.ErrStaleSource)
	}

	log.Infof("%stablet %d: start %s", logging.NSCompact, t.opts.TabletID, t.plan)

	out, err := t.opts.Writer.Merge(MergeRequest{
		TabletID:    t.opts.TabletID,
		Schema:      t.opts.Schema,
		Inputs:      inputs,
		Output:      t.plan.Output,
		Kind:        t.plan.Kind,
		DropDeletes: rooted,
		Tracker:     t.opts.Tracker,
	})
	if err != nil {
		return fmt.Errorf("compaction: merge %s: %w", t.plan.Output, err)
	}

	var res version.CommitResult
	if rooted {
		res, err = tl.CommitRootedMerge(inputs, out)
	} else {
		res, err = tl.CommitMerge(inputs, out)
	}
	if err != nil {
		if errors.Is(err, version.ErrInvalidMerge) {
			log.Errorf("%stablet %d: refusing commit of %s: %v", logging.NSCompact, t.opts.TabletID, t.plan, err)
		}
		if derr := t.opts.Writer.Discard(out); derr != nil {
			log.Warnf("%stablet %d: discard output %s: %v", logging.NSCompact, t.opts.TabletID, out.Version, derr)
		}
		return fmt.Errorf("compaction: commit %s: %w", t.plan.Output, err)
	}

	t.mu.Lock()
	t.output = out
	t.result = res
	t.mu.Unlock()

	// Readers still scanning the old rowsets keep their files until they unpin.
	tl.Retire(inputs, func(d *rowset.Descriptor) {
		if derr := t.opts.Writer.Discard(d); derr != nil {
			log.Warnf("%stablet %d: discard input %s: %v", logging.NSCompact, t.opts.TabletID, d.Version, derr)
		}
	})
	return nil
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.finished = time.Now()
	d := t.finished.Sub(t.started)
	t.mu.Unlock()

	log := t.opts.Logger
	if err != nil {
		t.state.Store(int32(StateFailed))
		log.Warnf("%stablet %d: %s failed after %s: %v", logging.NSCompact, t.opts.TabletID, t.plan.Output, d, err)
	} else {
		t.state.Store(int32(StateSucceeded))
		res := t.Result()
		log.Infof("%stablet %d: merged %d rowsets into %s in %s (cumulative point %d)",
			logging.NSCompact, t.opts.TabletID, res.Removed, t.plan.Output, d, res.CumulativePoint)
	}
	if t.opts.OnDone != nil {
		t.opts.OnDone(t)
	}
}
