// Package model holds model state as named float32 layers and moves it in
// and out of the single flat tensor a deployment transmits.
package model

import (
	"fmt"

	"github.com/sarchlab/shukuba/fed"
)

// Accumulate adds src into dst element by element.
func Accumulate(dst, src []float32) error {
	if len(dst) != len(src) {
		return fmt.Errorf("cannot accumulate %d values into %d",
			len(src), len(dst))
	}

	for i, v := range src {
		dst[i] += v
	}

	return nil
}

// Scale multiplies every value by f in place.
func Scale(v []float32, f float32) {
	for i := range v {
		v[i] *= f
	}
}

// Zero resets every value in place.
func Zero(v []float32) {
	for i := range v {
		v[i] = 0
	}
}

// A State is an ordered set of named float32 layers. The order is part of
// the identity: serialization flattens the layers in order, and states
// agree only if their layers line up.
type State struct {
	names  []string
	values [][]float32
}

// NewState returns a state with no layers.
func NewState() *State {
	return &State{}
}

// AddLayer appends a named layer holding a copy of the given values. It
// panics on a duplicate name, and returns the state for chaining.
func (s *State) AddLayer(name string, values []float32) *State {
	for _, n := range s.names {
		if n == name {
			panic("state already has a layer named " + name)
		}
	}

	s.names = append(s.names, name)
	s.values = append(s.values, append([]float32(nil), values...))

	return s
}

// Names returns the layer names in order.
func (s *State) Names() []string {
	return append([]string(nil), s.names...)
}

// Layer returns the values of the named layer. The slice is live: writing
// to it changes the state.
func (s *State) Layer(name string) ([]float32, error) {
	for i, n := range s.names {
		if n == name {
			return s.values[i], nil
		}
	}

	return nil, fmt.Errorf("state has no layer named %s", name)
}

// NumValues returns the total number of values across all layers.
func (s *State) NumValues() int {
	n := 0
	for _, v := range s.values {
		n += len(v)
	}

	return n
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := NewState()
	for i, name := range s.names {
		c.AddLayer(name, s.values[i])
	}

	return c
}

// Serialize flattens the layers, in order, into one float32 tensor.
func (s *State) Serialize(name string) fed.Tensor {
	flat := make([]float32, 0, s.NumValues())
	for _, v := range s.values {
		flat = append(flat, v...)
	}

	return fed.NewFloat32Tensor(name, flat)
}

// Load splits a flat float32 tensor back into the state's layers. The
// tensor must hold exactly as many values as the state does.
func (s *State) Load(t fed.Tensor) error {
	flat, err := t.Float32s()
	if err != nil {
		return err
	}

	if len(flat) != s.NumValues() {
		return fmt.Errorf("tensor %s holds %d values, state needs %d",
			t.Name, len(flat), s.NumValues())
	}

	for _, v := range s.values {
		copy(v, flat[:len(v)])
		flat = flat[len(v):]
	}

	return nil
}

// Add accumulates another state into this one. The states must have the
// same layers in the same order.
func (s *State) Add(o *State) error {
	if len(s.values) != len(o.values) {
		return fmt.Errorf("states hold %d and %d layers",
			len(s.values), len(o.values))
	}

	for i := range s.values {
		if s.names[i] != o.names[i] {
			return fmt.Errorf("layer %d is %s in one state, %s in the other",
				i, s.names[i], o.names[i])
		}

		if err := Accumulate(s.values[i], o.values[i]); err != nil {
			return fmt.Errorf("layer %s: %w", s.names[i], err)
		}
	}

	return nil
}

// Scale multiplies every value of every layer by f.
func (s *State) Scale(f float32) {
	for _, v := range s.values {
		Scale(v, f)
	}
}

// Zero resets every layer.
func (s *State) Zero() {
	for _, v := range s.values {
		Zero(v)
	}
}
