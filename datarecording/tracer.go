package datarecording

import (
	"time"

	"github.com/sarchlab/shukuba/fed"
)

// An EnvelopeTrace is one recorded envelope event. Queue events leave
// Receiver zero, since a queued delivery has not been routed yet.
type EnvelopeTrace struct {
	Time     float64
	Pos      string
	Site     string
	Code     string
	Sender   int64
	Receiver int64
	TraceID  string
	Bytes    int64
}

const envelopeTraceTable = "envelope_trace"

// An EnvelopeTracer records queue put/get and transport send/recv events
// through a DataRecorder. Register it on queues and groups before any
// traffic flows.
type EnvelopeTracer struct {
	recorder DataRecorder
}

// NewEnvelopeTracer creates a tracer writing into the given recorder.
func NewEnvelopeTracer(recorder DataRecorder) *EnvelopeTracer {
	recorder.CreateTable(envelopeTraceTable, EnvelopeTrace{})

	return &EnvelopeTracer{
		recorder: recorder,
	}
}

// Func records one hook invocation.
func (t *EnvelopeTracer) Func(ctx fed.HookCtx) {
	entry := EnvelopeTrace{
		Time: float64(time.Now().UnixNano()) / 1e9,
		Pos:  ctx.Pos.Name,
	}

	if named, ok := ctx.Domain.(fed.Named); ok {
		entry.Site = named.Name()
	}

	switch item := ctx.Item.(type) {
	case fed.Delivery:
		entry.Code = item.Code.String()
		entry.Sender = int64(item.Sender)
		entry.TraceID = item.TraceID
		entry.Bytes = payloadBytes(item.Payload)
	case *fed.Envelope:
		entry.Code = item.Code.String()
		entry.Sender = int64(item.Sender)
		entry.Receiver = int64(item.Receiver)
		entry.TraceID = item.TraceID
		if entry.TraceID == "" {
			entry.TraceID = item.ID
		}
		entry.Bytes = payloadBytes(item.Payload)
	default:
		return
	}

	t.recorder.InsertData(envelopeTraceTable, entry)
}

func payloadBytes(payload []fed.Tensor) int64 {
	var total int64
	for _, t := range payload {
		total += int64(len(t.Data))
	}

	return total
}
