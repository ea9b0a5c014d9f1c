package compensation

import "fmt"

// DefaultMomentum is the momentum factor a DGC memory uses unless the
// builder overrides it.
const DefaultMomentum = 0.9

// A DGC is a deep-gradient-compression memory for momentum SGD. Each
// round folds the gradient into a per-tensor momentum and accumulates the
// momentum into a velocity, which is what gets transmitted. Coordinates
// reported as delivered are zeroed, so only the untransmitted residual
// carries over.
//
// A DGC must not be shared across goroutines.
type DGC struct {
	momentum     float32
	nesterov     bool
	maskMomentum bool

	momentums  map[string][]float32
	velocities map[string][]float32
}

// DGCBuilder can build DGC memories.
type DGCBuilder struct {
	momentum     float32
	nesterov     bool
	maskMomentum bool
}

// MakeDGCBuilder returns a builder with the default momentum and momentum
// masking enabled.
func MakeDGCBuilder() DGCBuilder {
	return DGCBuilder{
		momentum:     DefaultMomentum,
		maskMomentum: true,
	}
}

// WithMomentum sets the momentum factor.
func (b DGCBuilder) WithMomentum(m float32) DGCBuilder {
	b.momentum = m
	return b
}

// WithNesterov switches the memory to the Nesterov momentum update.
func (b DGCBuilder) WithNesterov() DGCBuilder {
	b.nesterov = true
	return b
}

// WithMomentumMasking controls whether delivered coordinates also clear
// the momentum, not only the velocity.
func (b DGCBuilder) WithMomentumMasking(on bool) DGCBuilder {
	b.maskMomentum = on
	return b
}

// Build creates the memory.
func (b DGCBuilder) Build() *DGC {
	if b.momentum < 0 || b.momentum >= 1 {
		panic(fmt.Sprintf(
			"momentum must lie in [0, 1), not %v", b.momentum))
	}

	return &DGC{
		momentum:     b.momentum,
		nesterov:     b.nesterov,
		maskMomentum: b.maskMomentum,
		momentums:    make(map[string][]float32),
		velocities:   make(map[string][]float32),
	}
}

// Compensate folds grad into the named tensor's momentum and velocity and
// returns a copy of the updated velocity. It panics if the gradient for a
// known tensor changes length between rounds.
func (d *DGC) Compensate(name string, grad []float32) []float32 {
	mom := d.fetch(d.momentums, name, len(grad))
	vel := d.fetch(d.velocities, name, len(grad))

	if d.nesterov {
		for i, g := range grad {
			mom[i] = (mom[i] + g) * d.momentum
			vel[i] += mom[i] + g
		}
	} else {
		for i, g := range grad {
			mom[i] = d.momentum*mom[i] + g
			vel[i] += mom[i]
		}
	}

	out := make([]float32, len(vel))
	copy(out, vel)

	return out
}

// Update zeroes the first len(sent) coordinates of the named tensor's
// velocity, and of its momentum when masking is enabled. An unknown name
// is ignored.
func (d *DGC) Update(name string, sent []float32) {
	vel, ok := d.velocities[name]
	if !ok {
		return
	}

	n := len(sent)
	if n > len(vel) {
		n = len(vel)
	}

	for i := 0; i < n; i++ {
		vel[i] = 0
	}

	if d.maskMomentum {
		mom := d.momentums[name]
		for i := 0; i < n; i++ {
			mom[i] = 0
		}
	}
}

// Reset drops every accumulated momentum and velocity.
func (d *DGC) Reset() {
	d.momentums = make(map[string][]float32)
	d.velocities = make(map[string][]float32)
}

func (d *DGC) fetch(
	m map[string][]float32,
	name string,
	n int,
) []float32 {
	v, ok := m[name]
	if !ok {
		v = make([]float32, n)
		m[name] = v
	}

	if len(v) != n {
		panic(fmt.Sprintf(
			"gradient for %s changed length from %d to %d",
			name, len(v), n))
	}

	return v
}
