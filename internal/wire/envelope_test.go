package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tx := &Transaction{
		Dest:         7,
		Target:       HandleTarget(42),
		Cookie:       0xdeadbeef,
		Code:         3,
		Flags:        FlagOneway,
		Sender:       4,
		SenderUID:    1000,
		Corr:         99,
		SenderThread: 11,
		TargetThread: 12,
		Payload:      []byte("ping"),
		Objects: []ObjectRef{
			{Offset: 0, Kind: ObjectOwnedBySender, Handle: 8, Delta: 1},
			{Offset: 4, Kind: ObjectOwnedByReceiver, Handle: 9, Delta: -1},
		},
	}

	buf, err := Encode(tx)
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, tx, got)
}

func TestDecodeNodeTarget(t *testing.T) {
	tx := &Transaction{
		Dest:   1,
		Target: NodeTarget(123456789),
		Code:   OpAcquireStrong,
		Sender: 2,
	}

	buf, err := Encode(tx)
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, TargetNode, got.Target.Kind)
	assert.Equal(t, NodeID(123456789), got.Target.Node)
	assert.True(t, IsControl(got.Code))
}

func TestDecodeTruncated(t *testing.T) {
	tx := &Transaction{Dest: 1, Target: HandleTarget(1), Payload: []byte("abcdef")}
	buf, err := Encode(tx)
	require.NoError(t, err)

	for _, n := range []int{0, 10, headerSize - 1, headerSize + 2} {
		_, err := Decode(buf[:n])
		assert.ErrorIs(t, err, ErrTruncated, "length %d", n)
	}
}

func TestEncodeOversizedPayload(t *testing.T) {
	tx := &Transaction{Target: HandleTarget(1), Payload: make([]byte, MaxPayloadSize+1)}
	_, err := Encode(tx)
	assert.ErrorIs(t, err, ErrOversized)
}

func TestFlags(t *testing.T) {
	tx := &Transaction{Flags: FlagOneway}
	assert.True(t, tx.Oneway())
	assert.False(t, tx.IsReply())

	tx.Flags = FlagReply
	assert.True(t, tx.IsReply())
	assert.False(t, tx.Oneway())
}
