// Package client implements the leaf participants of a deployment:
// passive clients that train when the master tells them to, and active
// clients that pull work on their own schedule.
package client

import (
	"context"

	"github.com/sarchlab/shukuba/fed"
)

// A Trainer runs the local computation a client contributes.
type Trainer interface {
	// Train refines the received parameters and returns the tensors the
	// client reports upstream.
	Train(ctx context.Context, params []fed.Tensor) ([]fed.Tensor, error)

	// Evaluate scores the received parameters without producing an
	// update.
	Evaluate(ctx context.Context, params []fed.Tensor) error
}

// NopEvaluator can be embedded by trainers that do not score parameters.
type NopEvaluator struct{}

// Evaluate does nothing.
func (NopEvaluator) Evaluate(_ context.Context, _ []fed.Tensor) error {
	return nil
}
