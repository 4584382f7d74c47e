package scheduler

// Task is a unit of work run by a TaskQueue runner. Every callback is
// optional. Run and OnFinish execute on the runner, OnCancel when the task is
// dropped before it ran (queue shutdown, eviction, cancelled alarm).
type Task struct {
	Name     string
	Run      func()
	OnFinish func()
	OnCancel func()
}

// NewTask creates a task with only a run callback.
func NewTask(name string, run func()) Task {
	return Task{Name: name, Run: run}
}

// Launch invokes Run.
func (t Task) Launch() {
	if t.Run != nil {
		t.Run()
	}
}

// Finish invokes OnFinish.
func (t Task) Finish() {
	if t.OnFinish != nil {
		t.OnFinish()
	}
}

// Cancel invokes OnCancel.
func (t Task) Cancel() {
	if t.OnCancel != nil {
		t.OnCancel()
	}
}
