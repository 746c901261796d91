package docker

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(stream StreamType, payload string) []byte {
	header := make([]byte, frameHeaderLen)
	header[0] = byte(stream)
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func TestMuxDecoderSingleFrame(t *testing.T) {
	t.Parallel()

	var d muxDecoder
	frames := d.Feed(frame(StreamStdout, "hello\n"))

	require.Len(t, frames, 1)
	assert.Equal(t, StreamStdout, frames[0].Stream)
	assert.Equal(t, "hello\n", string(frames[0].Payload))
	assert.Zero(t, d.Buffered())
}

func TestMuxDecoderMultipleFramesOneFeed(t *testing.T) {
	t.Parallel()

	var d muxDecoder
	raw := append(frame(StreamStdout, "out"), frame(StreamStderr, "err")...)
	frames := d.Feed(raw)

	require.Len(t, frames, 2)
	assert.Equal(t, StreamStdout, frames[0].Stream)
	assert.Equal(t, "out", string(frames[0].Payload))
	assert.Equal(t, StreamStderr, frames[1].Stream)
	assert.Equal(t, "err", string(frames[1].Payload))
}

func TestMuxDecoderSplitHeader(t *testing.T) {
	t.Parallel()

	var d muxDecoder
	raw := frame(StreamStdout, "payload")

	frames := d.Feed(raw[:3])
	assert.Empty(t, frames)
	assert.Equal(t, 3, d.Buffered())

	frames = d.Feed(raw[3:])
	require.Len(t, frames, 1)
	assert.Equal(t, "payload", string(frames[0].Payload))
	assert.Zero(t, d.Buffered())
}

func TestMuxDecoderSplitPayload(t *testing.T) {
	t.Parallel()

	var d muxDecoder
	raw := frame(StreamStderr, "0123456789")

	frames := d.Feed(raw[:frameHeaderLen+4])
	assert.Empty(t, frames)

	frames = d.Feed(raw[frameHeaderLen+4:])
	require.Len(t, frames, 1)
	assert.Equal(t, StreamStderr, frames[0].Stream)
	assert.Equal(t, "0123456789", string(frames[0].Payload))
}

func TestMuxDecoderByteAtATime(t *testing.T) {
	t.Parallel()

	var d muxDecoder
	raw := append(frame(StreamStdout, "ab"), frame(StreamStderr, "cd")...)

	var got []Frame
	for _, b := range raw {
		got = append(got, d.Feed([]byte{b})...)
	}

	require.Len(t, got, 2)
	assert.Equal(t, "ab", string(got[0].Payload))
	assert.Equal(t, "cd", string(got[1].Payload))
	assert.Zero(t, d.Buffered())
}

func TestMuxDecoderEmptyPayloadFrame(t *testing.T) {
	t.Parallel()

	var d muxDecoder
	frames := d.Feed(frame(StreamStdout, ""))

	require.Len(t, frames, 1)
	assert.Empty(t, frames[0].Payload)
}
