package loop

import (
	"sync"
	"time"
)

// Task is an owned, cancellable timer whose body runs on the loop.
//
// Cancellation is checked on the loop right before the body executes, so a
// Cancel issued from loop code guarantees the body never runs afterwards, even
// if the underlying timer already expired and its dispatch is queued.
type Task struct {
	loop     *Loop
	interval time.Duration // 0 for single-shot tasks
	fn       func() bool

	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
	runs      int
}

// AfterFunc runs fn once on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Task {
	t := &Task{
		loop: l,
		fn: func() bool {
			fn()
			return false
		},
	}
	t.schedule(d)
	return t
}

// Every runs fn on the loop every interval until fn returns false or the task
// is cancelled. The first run happens one interval from now.
func (l *Loop) Every(interval time.Duration, fn func() bool) *Task {
	if interval <= 0 {
		interval = time.Millisecond
	}
	t := &Task{
		loop:     l,
		interval: interval,
		fn:       fn,
	}
	t.schedule(interval)
	return t
}

func (t *Task) schedule(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.timer = time.AfterFunc(d, func() {
		if !t.loop.Post(t.run) {
			t.markDone()
		}
	})
}

func (t *Task) run() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.runs++
	periodic := t.interval > 0
	if !periodic {
		// single-shot tasks are inactive while their body runs
		t.cancelled = true
	}
	t.mu.Unlock()

	again := t.fn()

	if !periodic {
		return
	}
	if !again {
		t.markDone()
		return
	}
	t.schedule(t.interval)
}

func (t *Task) markDone() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

// Cancel stops the task. It reports whether the task was still active.
// Calling Cancel more than once is safe.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.cancelled
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	return wasActive
}

// Active reports whether the task can still fire.
func (t *Task) Active() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.cancelled
}

// Runs returns how many times the body has executed.
func (t *Task) Runs() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}
