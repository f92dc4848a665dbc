package protocol

import (
	"sync"
	"testing"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RequestsRoundTrip(t *testing.T) {
	codec := NewCodec()
	writer := uuid.New()

	setup := &SetupAppend{
		RequestID:       7,
		WriterID:        writer,
		Segment:         "scope/stream/0",
		DelegationToken: "token",
	}
	buf, err := codec.Encode(setup)
	require.NoError(t, err)

	req, err := codec.DecodeRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, setup, req)

	appendCmd := &ConditionalAppend{
		RequestID:      8,
		WriterID:       writer,
		EventNumber:    3,
		ExpectedOffset: 1024,
		Data:           []byte("payload"),
	}
	buf, err = codec.Encode(appendCmd)
	require.NoError(t, err)

	req, err = codec.DecodeRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, appendCmd, req)
}

func TestCodec_NegativeAndZeroValues(t *testing.T) {
	codec := NewCodec()

	setup := &AppendSetup{
		RequestID:       1,
		Segment:         "s/s/1",
		WriterID:        uuid.New(),
		LastEventNumber: NoEventNumber,
	}
	buf, err := codec.Encode(setup)
	require.NoError(t, err)
	reply, err := codec.DecodeReply(buf)
	require.NoError(t, err)
	assert.Equal(t, NoEventNumber, reply.(*AppendSetup).LastEventNumber)

	appendCmd := &ConditionalAppend{WriterID: uuid.New(), ExpectedOffset: 0, Data: []byte{}}
	buf, err = codec.Encode(appendCmd)
	require.NoError(t, err)
	cmd, err := codec.Decode(buf)
	require.NoError(t, err)
	got := cmd.(*ConditionalAppend)
	assert.Equal(t, int64(0), got.ExpectedOffset)
	assert.Empty(t, got.Data)
}

func TestCodec_RepliesRoundTrip(t *testing.T) {
	codec := NewCodec()
	writer := uuid.New()

	replies := []Reply{
		&AppendSetup{RequestID: 1, Segment: "a/b/1", WriterID: writer, LastEventNumber: 12},
		&DataAppended{RequestID: 2, WriterID: writer, EventNumber: 13, CurrentSegmentWriteOffset: 4096},
		&ConditionalCheckFailed{RequestID: 3, WriterID: writer, EventNumber: 14},
		&WrongHost{RequestID: 4, Segment: "a/b/1", CorrectHost: "10.0.0.2:12345"},
		&NoSuchSegment{RequestID: 5, Segment: "a/b/1"},
		&SegmentIsSealed{RequestID: 6, Segment: "a/b/1"},
		&ContainerRecovering{RequestID: 7, Segment: "a/b/1"},
	}

	for _, want := range replies {
		t.Run(want.Type().String(), func(t *testing.T) {
			buf, err := codec.Encode(want)
			require.NoError(t, err)

			got, err := codec.DecodeReply(buf)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestCodec_DecodeRejectsWrongDirection(t *testing.T) {
	codec := NewCodec()

	buf, err := codec.Encode(&NoSuchSegment{RequestID: 1, Segment: "a/b/1"})
	require.NoError(t, err)
	_, err = codec.DecodeRequest(buf)
	assert.ErrorIs(t, err, ErrMalformedCommand)

	buf, err = codec.Encode(&SetupAppend{RequestID: 1, WriterID: uuid.New(), Segment: "a/b/1"})
	require.NoError(t, err)
	_, err = codec.DecodeReply(buf)
	assert.ErrorIs(t, err, ErrMalformedCommand)
}

func TestCodec_DecodeGarbage(t *testing.T) {
	codec := NewCodec()

	_, err := codec.Decode(nil)
	assert.ErrorIs(t, err, ErrMalformedCommand)

	_, err = codec.Decode([]byte{0xff, 0xff, 0xff, 0x7f})
	assert.ErrorIs(t, err, ErrMalformedCommand)

	_, err = codec.Decode([]byte{0x08, 0x00, 0x00, 0x00, 0x01, 0x02, 0x03, 0x04, 0xff, 0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func TestCodec_DecodeUnknownType(t *testing.T) {
	codec := NewCodec()

	_, err := codec.Encode(nil)
	assert.ErrorIs(t, err, ErrUnknownCommand)

	builder := flatbuffers.NewBuilder(64)
	builder.StartObject(numSlots)
	builder.PrependInt64Slot(slotRequestID, 9, 0)
	builder.PrependUint8Slot(slotType, 200, 0)
	builder.Finish(builder.EndObject())

	_, err = codec.Decode(builder.FinishedBytes())
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestCodec_ConcurrentUse(t *testing.T) {
	codec := NewCodec()
	writer := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			for j := int64(0); j < 100; j++ {
				in := &ConditionalAppend{RequestID: n*1000 + j, WriterID: writer, EventNumber: j, Data: []byte{byte(j)}}
				buf, err := codec.Encode(in)
				if !assert.NoError(t, err) {
					return
				}
				out, err := codec.Decode(buf)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, in, out)
			}
		}(int64(i))
	}
	wg.Wait()
}

func TestCommandType_String(t *testing.T) {
	assert.Equal(t, "WRONG_HOST", CommandTypeWrongHost.String())
	assert.Equal(t, "UNKNOWN(200)", CommandType(200).String())
}
