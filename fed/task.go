package fed

// A Task is a goroutine with an owner. The owner keeps the Task it started
// and joins it during shutdown, so no goroutine outlives its participant.
type Task struct {
	name string
	err  error
	done chan struct{}
}

// Go starts f on a new goroutine and returns the Task handle for it.
func Go(name string, f func() error) *Task {
	t := &Task{
		name: name,
		done: make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		t.err = f()
	}()

	return t
}

// Name returns the name of the task.
func (t *Task) Name() string {
	return t.name
}

// Join blocks until the task function returns and reports its error. Joining
// more than once is allowed.
func (t *Task) Join() error {
	<-t.done
	return t.err
}
