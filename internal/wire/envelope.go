package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Envelope layout, little endian, fields in order:
//
//	dest u32 | target tag u8 | target value u64 | cookie u64 |
//	code u32 | flags u32 | sender pid u32 | sender uid u32 |
//	corr u64 | sender thread u64 | target thread u64 | status u32 |
//	payload size u32 | object table size u32 |
//	payload bytes | object entries
//
// Each object entry: offset u32 | kind u8 | handle u32 | delta i32.
const (
	headerSize      = 4 + 1 + 8 + 8 + 4 + 4 + 4 + 4 + 8 + 8 + 8 + 4 + 4 + 4
	objectEntrySize = 4 + 1 + 4 + 4

	// MaxPayloadSize bounds a single transaction payload. Large blobs
	// belong in shared memory, not the transaction buffer.
	MaxPayloadSize = 1 << 20
	// MaxObjectEntries bounds the object table of one transaction.
	MaxObjectEntries = 128
)

var (
	// ErrTruncated reports an envelope shorter than its declared sizes.
	ErrTruncated = errors.New("wire: truncated envelope")
	// ErrOversized reports an envelope exceeding the configured bounds.
	ErrOversized = errors.New("wire: oversized envelope")
)

// Encode serializes the transaction into the fixed envelope layout.
func Encode(t *Transaction) ([]byte, error) {
	if len(t.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrOversized, len(t.Payload))
	}
	if len(t.Objects) > MaxObjectEntries {
		return nil, fmt.Errorf("%w: %d object entries", ErrOversized, len(t.Objects))
	}

	buf := make([]byte, headerSize+len(t.Payload)+len(t.Objects)*objectEntrySize)
	le := binary.LittleEndian

	le.PutUint32(buf[0:], uint32(t.Dest))
	buf[4] = byte(t.Target.Kind)
	switch t.Target.Kind {
	case TargetNode:
		le.PutUint64(buf[5:], uint64(t.Target.Node))
	case TargetHandle:
		le.PutUint64(buf[5:], uint64(t.Target.Handle))
	default:
		return nil, fmt.Errorf("wire: unknown target kind %d", t.Target.Kind)
	}
	le.PutUint64(buf[13:], t.Cookie)
	le.PutUint32(buf[21:], t.Code)
	le.PutUint32(buf[25:], t.Flags)
	le.PutUint32(buf[29:], uint32(t.Sender))
	le.PutUint32(buf[33:], t.SenderUID)
	le.PutUint64(buf[37:], t.Corr)
	le.PutUint64(buf[45:], t.SenderThread)
	le.PutUint64(buf[53:], t.TargetThread)
	le.PutUint32(buf[61:], t.Status)
	le.PutUint32(buf[65:], uint32(len(t.Payload)))
	le.PutUint32(buf[69:], uint32(len(t.Objects)))

	copy(buf[headerSize:], t.Payload)

	off := headerSize + len(t.Payload)
	for _, obj := range t.Objects {
		le.PutUint32(buf[off:], obj.Offset)
		buf[off+4] = byte(obj.Kind)
		le.PutUint32(buf[off+5:], uint32(obj.Handle))
		le.PutUint32(buf[off+9:], uint32(obj.Delta))
		off += objectEntrySize
	}
	return buf, nil
}

// Decode parses an envelope produced by Encode. The payload slice
// aliases the input buffer; callers that retain it must copy.
func Decode(buf []byte) (*Transaction, error) {
	if len(buf) < headerSize {
		return nil, ErrTruncated
	}
	le := binary.LittleEndian

	t := &Transaction{
		Dest:         ProcessID(le.Uint32(buf[0:])),
		Cookie:       le.Uint64(buf[13:]),
		Code:         le.Uint32(buf[21:]),
		Flags:        le.Uint32(buf[25:]),
		Sender:       ProcessID(le.Uint32(buf[29:])),
		SenderUID:    le.Uint32(buf[33:]),
		Corr:         le.Uint64(buf[37:]),
		SenderThread: le.Uint64(buf[45:]),
		TargetThread: le.Uint64(buf[53:]),
		Status:       le.Uint32(buf[61:]),
	}

	kind := TargetKind(buf[4])
	value := le.Uint64(buf[5:])
	switch kind {
	case TargetNode:
		t.Target = NodeTarget(NodeID(value))
	case TargetHandle:
		t.Target = HandleTarget(Handle(value))
	default:
		return nil, fmt.Errorf("wire: unknown target kind %d", kind)
	}

	payloadLen := int(le.Uint32(buf[65:]))
	objectCount := int(le.Uint32(buf[69:]))
	if payloadLen > MaxPayloadSize || objectCount > MaxObjectEntries {
		return nil, ErrOversized
	}
	if len(buf) < headerSize+payloadLen+objectCount*objectEntrySize {
		return nil, ErrTruncated
	}

	if payloadLen > 0 {
		t.Payload = buf[headerSize : headerSize+payloadLen]
	}

	off := headerSize + payloadLen
	if objectCount > 0 {
		t.Objects = make([]ObjectRef, objectCount)
		for i := range t.Objects {
			t.Objects[i] = ObjectRef{
				Offset: le.Uint32(buf[off:]),
				Kind:   ObjectKind(buf[off+4]),
				Handle: Handle(le.Uint32(buf[off+5:])),
				Delta:  int32(le.Uint32(buf[off+9:])),
			}
			off += objectEntrySize
		}
	}
	return t, nil
}
