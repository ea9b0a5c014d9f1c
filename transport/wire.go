package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"go.dedis.ch/protobuf"

	"github.com/sarchlab/shukuba/fed"
)

// DefaultMaxFrameBytes bounds the size of one wire frame. A frame larger
// than this is treated as a protocol fault, not allocated.
const DefaultMaxFrameBytes = 1 << 30

const frameHeaderBytes = 4

// helloTimeout bounds how long the master waits for a joiner to name its
// rank before rejecting the connection.
const helloTimeout = 10 * time.Second

// wireEnvelope mirrors fed.Envelope on the wire so that the frame schema
// stays stable independent of the in-memory type.
type wireEnvelope struct {
	ID       string
	TraceID  string
	Sender   int64
	Receiver int64
	Code     int64
	Payload  []wireTensor
}

type wireTensor struct {
	Name  string
	DType int64
	Shape []int64
	Data  []byte
}

// wireHello is the first frame on a joining connection, naming the joiner's
// rank.
type wireHello struct {
	Rank int64
}

func encodeEnvelope(e *fed.Envelope) ([]byte, error) {
	we := wireEnvelope{
		ID:       e.ID,
		TraceID:  e.TraceID,
		Sender:   int64(e.Sender),
		Receiver: int64(e.Receiver),
		Code:     int64(e.Code),
		Payload:  make([]wireTensor, len(e.Payload)),
	}

	for i, t := range e.Payload {
		we.Payload[i] = wireTensor{
			Name:  t.Name,
			DType: int64(t.DType),
			Shape: t.Shape,
			Data:  t.Data,
		}
	}

	return protobuf.Encode(&we)
}

func decodeEnvelope(data []byte) (*fed.Envelope, error) {
	var we wireEnvelope
	if err := protobuf.Decode(data, &we); err != nil {
		return nil, fmt.Errorf("malformed envelope frame: %w", err)
	}

	e := &fed.Envelope{
		ID:       we.ID,
		TraceID:  we.TraceID,
		Sender:   fed.Rank(we.Sender),
		Receiver: fed.Rank(we.Receiver),
		Code:     fed.MessageCode(we.Code),
		Payload:  make([]fed.Tensor, len(we.Payload)),
	}

	for i, t := range we.Payload {
		e.Payload[i] = fed.Tensor{
			Name:  t.Name,
			DType: fed.DType(t.DType),
			Shape: t.Shape,
			Data:  t.Data,
		}

		if err := e.Payload[i].Validate(); err != nil {
			return nil, fmt.Errorf("malformed envelope frame: %w", err)
		}
	}

	return e, nil
}

// writeFrame writes one length-prefixed frame. The caller serializes writes
// to the same writer.
func writeFrame(w io.Writer, payload []byte, maxBytes uint32) error {
	if uint64(len(payload)) > uint64(maxBytes) {
		return fmt.Errorf("frame of %d bytes exceeds the %d byte limit",
			len(payload), maxBytes)
	}

	frame := make([]byte, frameHeaderBytes+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderBytes:], payload)

	_, err := w.Write(frame)

	return err
}

func readFrame(r io.Reader, maxBytes uint32) ([]byte, error) {
	var header [frameHeaderBytes]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds the %d byte limit",
			size, maxBytes)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return payload, nil
}
