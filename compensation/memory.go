// Package compensation implements gradient correction memories. A memory
// rewrites an outgoing update before it is reported upstream and tracks
// what was actually transmitted, so anything held back in one round still
// reaches the server in a later one.
package compensation

// A Memory corrects outgoing gradients.
//
// Compensate folds the accumulated state into grad and returns the vector
// to transmit, always of the same length as grad. After the transmission,
// Update marks the first len(sent) coordinates of the named tensor as
// delivered. Reset drops all accumulated state.
type Memory interface {
	Compensate(name string, grad []float32) []float32
	Update(name string, sent []float32)
	Reset()
}

// None is the identity memory. Updates pass through untouched.
type None struct{}

// Compensate returns grad unchanged.
func (None) Compensate(_ string, grad []float32) []float32 {
	return grad
}

// Update does nothing.
func (None) Update(_ string, _ []float32) {}

// Reset does nothing.
func (None) Reset() {}
