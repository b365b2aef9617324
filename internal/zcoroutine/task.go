package zcoroutine

// taskKind tags a Task's payload so the deque and the schedule loop
// can dispatch without a type switch on every pop.
type taskKind uint8

const (
	taskInvalid taskKind = iota
	taskFiber
	taskCallable
)

// Task is either a fiber handle or a bare callable, never both. A
// zero-value Task is invalid and is skipped wherever it appears in a
// batch.
type Task struct {
	kind   taskKind
	fiber  *Fiber
	callFn func()
}

func (t Task) valid() bool { return t.kind != taskInvalid }

// FiberTask wraps a fiber resume as a schedulable unit.
func FiberTask(f *Fiber) Task {
	if f == nil {
		return Task{}
	}
	return Task{kind: taskFiber, fiber: f}
}

// CallableTask wraps a plain function as a schedulable unit.
func CallableTask(fn func()) Task {
	if fn == nil {
		return Task{}
	}
	return Task{kind: taskCallable, callFn: fn}
}
