package client

import (
	"context"
	"fmt"

	"github.com/sarchlab/shukuba/compensation"
	"github.com/sarchlab/shukuba/fed"
	"github.com/sarchlab/shukuba/transport"
)

// trainingPayload strips the routing id-list head when one is present.
// Parameters forwarded through a relay always carry one; direct replies
// to an active client's own request do not.
func trainingPayload(payload []fed.Tensor) []fed.Tensor {
	if _, rest, err := fed.SplitIDList(payload); err == nil {
		return rest
	}

	return payload
}

type sentTensor struct {
	name   string
	values []float32
}

// applyCompensation rewrites the float32 tensors of an update through the
// gradient memory. Other tensors pass through untouched.
func applyCompensation(
	m compensation.Memory,
	update []fed.Tensor,
) ([]fed.Tensor, []sentTensor) {
	out := make([]fed.Tensor, len(update))

	var records []sentTensor

	for i, t := range update {
		values, err := t.Float32s()
		if err != nil {
			out[i] = t
			continue
		}

		corrected := m.Compensate(t.Name, values)
		out[i] = fed.NewTensor(
			t.Name, fed.Float32, t.Shape, fed.PackFloat32s(corrected))
		records = append(records, sentTensor{name: t.Name, values: corrected})
	}

	return out, records
}

// reportUpdate trains on the envelope's parameters and reports the
// compensated update to the master, carrying the request's trace.
func reportUpdate(
	ctx context.Context,
	g transport.Group,
	t Trainer,
	m compensation.Memory,
	e *fed.Envelope,
) error {
	update, err := t.Train(ctx, trainingPayload(e.Payload))
	if err != nil {
		return fmt.Errorf("training for %s: %w", e.Code, err)
	}

	update, sent := applyCompensation(m, update)

	reply := fed.MakeEnvelopeBuilder().
		WithCode(fed.CodeParameterUpdate).
		WithSender(g.Rank()).
		WithReceiver(0).
		WithTraceID(traceOf(e)).
		WithPayload(update...).
		Build()

	if err := g.Send(ctx, reply); err != nil {
		return fmt.Errorf("reporting the update: %w", err)
	}

	for _, s := range sent {
		m.Update(s.name, s.values)
	}

	return nil
}

func traceOf(e *fed.Envelope) string {
	if e.TraceID != "" {
		return e.TraceID
	}

	return e.ID
}
