package docker

import "encoding/binary"

// The engine multiplexes stdout and stderr of a non-TTY exec onto one byte
// stream, framed as an 8-byte header (stream type, three zero bytes, big-
// endian payload length) followed by the payload. stdcopy decodes this for
// blocking reads; background commands need an incremental decoder that can
// be fed arbitrary chunks and carries a partial trailing frame between
// feeds.

// StreamType identifies which stream a demultiplexed frame belongs to.
type StreamType byte

const (
	// StreamStdin is present in the framing but never produced by an exec.
	StreamStdin StreamType = 0
	// StreamStdout frames carry standard output.
	StreamStdout StreamType = 1
	// StreamStderr frames carry standard error.
	StreamStderr StreamType = 2
)

const frameHeaderLen = 8

// Frame is one demultiplexed payload.
type Frame struct {
	Stream  StreamType
	Payload []byte
}

// muxDecoder incrementally demultiplexes the engine's exec byte stream.
// The zero value is ready to use. Not safe for concurrent use.
type muxDecoder struct {
	pending []byte
}

// Feed consumes the next chunk of raw bytes and returns all complete frames.
// A truncated trailing frame is buffered, not discarded: its bytes are
// prepended to the next Feed.
func (d *muxDecoder) Feed(p []byte) []Frame {
	d.pending = append(d.pending, p...)

	var frames []Frame
	for len(d.pending) >= frameHeaderLen {
		size := binary.BigEndian.Uint32(d.pending[4:frameHeaderLen])
		total := frameHeaderLen + int(size)
		if len(d.pending) < total {
			break
		}
		payload := make([]byte, size)
		copy(payload, d.pending[frameHeaderLen:total])
		frames = append(frames, Frame{
			Stream:  StreamType(d.pending[0]),
			Payload: payload,
		})
		d.pending = d.pending[total:]
	}

	// Release the backing array once fully drained so long-lived background
	// commands do not pin old buffers.
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return frames
}

// Buffered reports how many bytes of an incomplete frame are carried over.
func (d *muxDecoder) Buffered() int {
	return len(d.pending)
}
