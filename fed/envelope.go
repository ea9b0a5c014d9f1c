package fed

import (
	"fmt"

	"github.com/rs/xid"
)

// idListTensorName names the tensor that carries logical ids at the head of
// a downlink payload.
const idListTensorName = "id_list"

// An Envelope is the unit of information that crosses a transport group.
// Once built it is immutable; relays forward it without copying the payload.
type Envelope struct {
	ID      string
	TraceID string

	Sender   Rank
	Receiver Rank
	Code     MessageCode
	Payload  []Tensor
}

// IDListTensor encodes logical ids into the tensor that leads a downlink
// payload.
func IDListTensor(ids []LogicalID) Tensor {
	values := make([]int64, len(ids))
	for i, id := range ids {
		values[i] = int64(id)
	}

	return NewInt64Tensor(idListTensorName, values)
}

// SplitIDList interprets the leading tensor of a downlink payload as a
// logical-id list and returns the ids together with the remaining tensors.
func SplitIDList(payload []Tensor) ([]LogicalID, []Tensor, error) {
	if len(payload) == 0 {
		return nil, nil, fmt.Errorf("payload has no id-list tensor")
	}

	head := payload[0]
	if head.DType != Int64 || len(head.Shape) != 1 {
		return nil, nil, fmt.Errorf(
			"leading tensor %s is %s%v, not an id list",
			head.Name, head.DType, head.Shape)
	}

	values, err := head.Int64s()
	if err != nil {
		return nil, nil, err
	}

	ids := make([]LogicalID, len(values))
	for i, v := range values {
		ids[i] = LogicalID(v)
	}

	return ids, payload[1:], nil
}

// SplitIDList interprets the leading payload tensor as a logical-id list and
// returns the ids together with the remaining tensors.
func (e *Envelope) SplitIDList() ([]LogicalID, []Tensor, error) {
	ids, rest, err := SplitIDList(e.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("envelope %s (%s): %w", e.ID, e.Code, err)
	}

	return ids, rest, nil
}

// EnvelopeBuilder can build envelopes.
type EnvelopeBuilder struct {
	traceID  string
	sender   Rank
	receiver Rank
	code     MessageCode
	payload  []Tensor
}

// MakeEnvelopeBuilder returns a builder with no fields set.
func MakeEnvelopeBuilder() EnvelopeBuilder {
	return EnvelopeBuilder{}
}

// WithCode sets the message code of the envelope.
func (b EnvelopeBuilder) WithCode(c MessageCode) EnvelopeBuilder {
	b.code = c
	return b
}

// WithSender sets the sending rank of the envelope.
func (b EnvelopeBuilder) WithSender(r Rank) EnvelopeBuilder {
	b.sender = r
	return b
}

// WithReceiver sets the receiving rank of the envelope.
func (b EnvelopeBuilder) WithReceiver(r Rank) EnvelopeBuilder {
	b.receiver = r
	return b
}

// WithPayload sets the payload tensors of the envelope.
func (b EnvelopeBuilder) WithPayload(tensors ...Tensor) EnvelopeBuilder {
	b.payload = tensors
	return b
}

// WithTraceID propagates a trace id onto the envelope.
func (b EnvelopeBuilder) WithTraceID(id string) EnvelopeBuilder {
	b.traceID = id
	return b
}

// Build creates the envelope with a fresh id. It panics if any payload
// tensor is malformed.
func (b EnvelopeBuilder) Build() *Envelope {
	for _, t := range b.payload {
		if err := t.Validate(); err != nil {
			panic("envelope payload is not valid: " + err.Error())
		}
	}

	return &Envelope{
		ID:       xid.New().String(),
		TraceID:  b.traceID,
		Sender:   b.sender,
		Receiver: b.receiver,
		Code:     b.code,
		Payload:  b.payload,
	}
}
