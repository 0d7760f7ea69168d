package dispatcher

import "github.com/procflow/procflow/pkg/instance"

// Future is the handle through which a dispatch result is delivered. The
// dispatch itself runs on the configured executor; the caller blocks only if
// and when it asks for the result.
type Future struct {
	done chan struct{}
	inst *instance.ProcessInstance
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed once the dispatch has resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the dispatch resolves. A nil instance with a nil
// error means the event was ignored: a routing miss, not a failure.
func (f *Future) Result() (*instance.ProcessInstance, error) {
	<-f.done

	return f.inst, f.err
}

func (f *Future) resolve(inst *instance.ProcessInstance, err error) {
	f.inst = inst
	f.err = err
	close(f.done)
}

// Executor runs dispatch work. The default executor spawns a goroutine per
// dispatch; callers can supply a pooled implementation instead.
type Executor interface {
	Execute(fn func())
}

type goExecutor struct{}

func (goExecutor) Execute(fn func()) { go fn() }

// SynchronousExecutor runs dispatches on the calling goroutine. Useful in
// tests and batch tooling.
type SynchronousExecutor struct{}

func (SynchronousExecutor) Execute(fn func()) { fn() }
