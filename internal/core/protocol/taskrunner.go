package protocol

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
	"github.com/peertrade-network/peertrade-daemon/internal/core/ports"
)

// Services bundles the external collaborators the protocol tasks talk to.
type Services struct {
	Messenger    ports.Messenger
	Wallet       ports.WalletService
	TradeManager ports.TradeManager
	Policies     ResendPolicies
	// StepTimeout bounds message-triggered pipelines. Zero picks the default.
	StepTimeout time.Duration
	// ConfirmationDepth is the depth required on the deposit tx. Zero picks
	// the default.
	ConfirmationDepth uint32
	// MaxTradePeriod is the allowed duration of a trade before it counts as
	// expired. Zero picks the default.
	MaxTradePeriod time.Duration
}

// TaskContext is handed to every task of a pipeline. Later tasks read the
// mutations earlier tasks made through the shared trade and process model, so
// pipelines run strictly serialized per trade. A task that suspends releases
// the serialization until it settles; tasks behind a suspension must not rely
// on the trigger message still being the current one.
type TaskContext struct {
	// Ctx is the pipeline context; it is cancelled by the step timeout and
	// when the pipeline finishes.
	Ctx context.Context
	// HostCtx spans the protocol instance's lifetime, for work a task leaves
	// behind on purpose (e.g. a confirmation watcher).
	HostCtx  context.Context
	Trade    *domain.Trade
	Process  *domain.ProcessModel
	Services Services

	// Exclusive runs fn holding the trade's serialization point. It is set by
	// the protocol host; tasks use it for trade mutations made off the
	// pipeline goroutine. A nil Exclusive runs fn inline.
	Exclusive func(fn func())

	// Suspend is installed by the task runner for the duration of a task's
	// Run. Calling it turns the task asynchronous: the pipeline releases the
	// trade's serialization once Run returns and waits for the returned
	// settle function, which must be invoked exactly once, from any
	// goroutine.
	Suspend func() (settle func(err error))
}

func (tc *TaskContext) exclusive(fn func()) {
	if tc.Exclusive == nil {
		fn()
		return
	}
	tc.Exclusive(fn)
}

// Task is one atomic protocol step. Run is invoked exactly once per pipeline
// execution; a nil return signals completion (or, after calling Suspend, that
// the task settles later), a non-nil return is a terminal failure that aborts
// the remaining tasks of the pipeline.
type Task interface {
	Name() string
	Run(tc *TaskContext) error
}

// TaskRunner executes an ordered list of tasks for one triggered transition.
// It is built per invocation and not reused. There is no automatic rollback:
// compensating actions, if any, are modeled as later tasks or as trade state
// markers.
type TaskRunner struct {
	trade       *domain.Trade
	tasks       []Task
	onCompleted func()
	onFailed    func(errMsg string)

	finished bool
}

// NewTaskRunner returns a runner for the given trade and task list. The
// completion handlers fire exactly once.
func NewTaskRunner(
	trade *domain.Trade, tasks []Task, onCompleted func(), onFailed func(errMsg string),
) *TaskRunner {
	return &TaskRunner{
		trade:       trade,
		tasks:       tasks,
		onCompleted: onCompleted,
		onFailed:    onFailed,
	}
}

// Run executes the tasks in order, short-circuiting on the first failure. The
// caller must hold the trade's serialization; Run returns early when a task
// suspends and the remaining tasks resume behind the settle signal.
func (r *TaskRunner) Run(tc *TaskContext) {
	r.runFrom(tc, 0)
}

func (r *TaskRunner) runFrom(tc *TaskContext, first int) {
	for i := first; i < len(r.tasks); i++ {
		task := r.tasks[i]
		if err := tc.Ctx.Err(); err != nil {
			r.fail(fmt.Sprintf("pipeline cancelled before task %s: %v", task.Name(), err))
			return
		}

		log.WithField("trade", r.trade.ShortId()).Debugf("running task %s", task.Name())

		suspended := false
		next := i + 1
		tc.Suspend = func() func(error) {
			suspended = true
			return func(err error) { r.resume(tc, task.Name(), next, err) }
		}
		err := task.Run(tc)
		tc.Suspend = nil

		if err != nil {
			log.WithField("trade", r.trade.ShortId()).
				WithError(err).Warnf("task %s failed", task.Name())
			r.fail(fmt.Sprintf("task %s failed: %v", task.Name(), err))
			return
		}
		if suspended {
			return
		}
	}
	r.complete()
}

// resume re-acquires the trade's serialization and continues the pipeline
// behind a settled suspension.
func (r *TaskRunner) resume(tc *TaskContext, taskName string, next int, err error) {
	tc.exclusive(func() {
		if err != nil {
			log.WithField("trade", r.trade.ShortId()).
				WithError(err).Warnf("task %s failed", taskName)
			r.fail(fmt.Sprintf("task %s failed: %v", taskName, err))
			return
		}
		r.runFrom(tc, next)
	})
}

func (r *TaskRunner) complete() {
	if r.finished {
		return
	}
	r.finished = true
	if r.onCompleted != nil {
		r.onCompleted()
	}
}

func (r *TaskRunner) fail(errMsg string) {
	if r.finished {
		return
	}
	r.finished = true
	if r.onFailed != nil {
		r.onFailed(errMsg)
	}
}
