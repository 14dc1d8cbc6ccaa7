// Package scheduler implements the operation queue (C4): a FIFO of
// workflow steps, each of which runs to completion and invokes a
// continuation that may enqueue more work before the next op starts.
package scheduler

import (
	"container/list"
	"fmt"

	"github.com/cyphertite/ctengine/internal/ctlog"
)

// Action identifies what kind of workflow step an Op performs.
type Action int

const (
	ActionArchive Action = iota
	ActionExtract
	ActionList
	ActionJustDL
	ActionDelete
	ActionCullList
	ActionCullCollect
	ActionCullSetup
	ActionCullShas
	ActionCullComplete
	ActionShutdown
)

func (a Action) String() string {
	switch a {
	case ActionArchive:
		return "ARCHIVE"
	case ActionExtract:
		return "EXTRACT"
	case ActionList:
		return "LIST"
	case ActionJustDL:
		return "JUSTDL"
	case ActionDelete:
		return "DELETE"
	case ActionCullList:
		return "CULL_LIST"
	case ActionCullCollect:
		return "CULL_COLLECT"
	case ActionCullSetup:
		return "CULL_SETUP"
	case ActionCullShas:
		return "CULL_SHAS"
	case ActionCullComplete:
		return "CULL_COMPLETE"
	case ActionShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// MatchMode selects how Op.FileList patterns are interpreted for LIST
// and differential-chain resolution.
type MatchMode int

const (
	MatchGlob MatchMode = iota
	MatchRegex
)

// Op is one scheduled workflow step (spec.md §3, Operation).
type Op struct {
	Action      Action
	LocalName   string
	RemoteName  string
	FileList    []string
	ExcludeList []string
	Basis       string // prior-ctfile tag for differentials
	MatchMode   MatchMode

	// Next is invoked when this op's entry function reports DONE. It may
	// call Scheduler.EnqueueAfter to splice prerequisites, or Enqueue to
	// append follow-on work. A nil Next is a no-op continuation.
	Next func(s *Scheduler, op *Op) error

	// Cleanup runs once, from Complete and before Next, when this op
	// finishes. It is not run when the dispatcher returns an error for
	// this op: that error goes back to the caller of Run or Complete
	// with Cleanup not invoked.
	Cleanup func(op *Op)

	// Scratch is resolver-private state (e.g. a *ctfile.StreamContext or
	// cull progress), opaque to the scheduler.
	Scratch interface{}

	elem *list.Element // scheduler bookkeeping, set on enqueue
}

// Dispatcher invokes an op's entry function based on its Action. The
// scheduler doesn't know how to run any action itself — it is supplied
// by the caller (typically cmd/ctenginectl wiring resolver + ctfile).
type Dispatcher func(op *Op) error

// Scheduler owns the FIFO of ops plus the one currently running.
type Scheduler struct {
	queue   *list.List
	current *list.Element
	dispatch Dispatcher
}

// New builds a scheduler that calls dispatch to run each op's entry
// function.
func New(dispatch Dispatcher) *Scheduler {
	return &Scheduler{queue: list.New(), dispatch: dispatch}
}

// Enqueue appends op to the tail of the FIFO.
func (s *Scheduler) Enqueue(op *Op) {
	op.elem = s.queue.PushBack(op)
}

// EnqueueAfter inserts op immediately after cur, used by resolvers to
// splice a prerequisite without disturbing the relative order of later
// work.
func (s *Scheduler) EnqueueAfter(cur *Op, op *Op) error {
	if cur.elem == nil {
		return fmt.Errorf("scheduler: EnqueueAfter: op %s is not in the queue", cur.Action)
	}
	op.elem = s.queue.InsertAfter(op, cur.elem)
	return nil
}

// Current returns the op currently being run, or nil.
func (s *Scheduler) Current() *Op {
	if s.current == nil {
		return nil
	}
	return s.current.Value.(*Op)
}

// Len reports how many ops remain queued, including the current one.
func (s *Scheduler) Len() int {
	return s.queue.Len()
}

// Run drains the queue: dispatch the head, let it run to completion via
// external reply pumping (the caller re-enters Complete as replies
// arrive), until empty or a Shutdown op is reached.
func (s *Scheduler) Run() error {
	if s.queue.Len() == 0 {
		return nil
	}
	s.current = s.queue.Front()
	return s.dispatchCurrent()
}

func (s *Scheduler) dispatchCurrent() error {
	op := s.Current()
	if op == nil {
		return nil
	}
	ctlog.Debugf("scheduler", "dispatch action=%s local=%s remote=%s", op.Action, op.LocalName, op.RemoteName)
	if op.Action == ActionShutdown {
		return nil
	}
	return s.dispatch(op)
}

// Complete is invoked by the transfer FSM (via the caller's event loop)
// when the current op's stream reaches DONE. It runs Cleanup, then
// Next (which may splice more work ahead), then advances to the next
// head and dispatches it. Returns true when the queue is now empty, so
// the caller can trigger shutdown.
func (s *Scheduler) Complete() (empty bool, err error) {
	op := s.Current()
	if op == nil {
		return true, nil
	}
	if op.Cleanup != nil {
		op.Cleanup(op)
	}
	if op.Next != nil {
		if err := op.Next(s, op); err != nil {
			return false, err
		}
	}

	finished := s.current
	s.current = s.current.Next()
	s.queue.Remove(finished)

	if s.current == nil {
		return true, nil
	}
	return false, s.dispatchCurrent()
}
