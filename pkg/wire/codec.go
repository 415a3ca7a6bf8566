package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// headerSize is the length of the frame prefix: a 4-byte unsigned big-endian
// payload byte count.
const headerSize = 4

// MaxFrameBytes is the largest payload a frame may carry. A corrupt or
// hostile length prefix must not balloon the decode buffer, so prefixes above
// this limit fail decoding with a [ProtocolError] before any payload bytes
// are buffered.
const MaxFrameBytes = 16 << 20

// ErrFrameTooLarge is wrapped by the [ProtocolError] returned when a length
// prefix exceeds [MaxFrameBytes].
var ErrFrameTooLarge = errors.New("frame length exceeds limit")

// ProtocolError reports a malformed frame payload or length prefix. The
// decode buffer contents after such a failure are undefined; the connection
// that produced the bytes must be torn down and re-established, since no
// resynchronization point exists in the stream.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return "wire: protocol error: " + e.Err.Error() }

func (e *ProtocolError) Unwrap() error { return e.Err }

// Encode serializes msg to UTF-8 JSON and prepends the 4-byte big-endian
// length prefix. The prefix value always equals the payload's byte length.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", msg.MessageType(), err)
	}
	if len(payload) > MaxFrameBytes {
		return nil, fmt.Errorf("wire: encode %s: %w: %d bytes", msg.MessageType(), ErrFrameTooLarge, len(payload))
	}

	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame[:headerSize], uint32(len(payload)))
	copy(frame[headerSize:], payload)
	return frame, nil
}

// Decoder incrementally reassembles frames from a byte stream. Feed it chunks
// in arrival order; it buffers partial frames internally and never emits a
// message before the complete frame (prefix plus full payload) is available.
//
// The zero value is ready to use. A Decoder is not safe for concurrent use;
// feed it from a single reader goroutine.
type Decoder struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and extracts every complete
// frame now available, in order. It returns zero, one, or many messages: a
// frame split across arbitrarily many Feed calls produces its message on the
// call that completes it, and multiple complete frames delivered in a single
// chunk all decode in that one call.
//
// A malformed payload fails the call with a [ProtocolError]. Messages decoded
// before the failure are still returned; the Decoder must not be fed again
// afterwards — the stream has no resynchronization point, so the caller
// closes the connection instead.
func (d *Decoder) Feed(chunk []byte) ([]Message, error) {
	d.buf = append(d.buf, chunk...)

	var msgs []Message
	for {
		if len(d.buf) < headerSize {
			break
		}
		length := binary.BigEndian.Uint32(d.buf[:headerSize])
		if length > MaxFrameBytes {
			d.buf = nil
			return msgs, &ProtocolError{Err: fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)}
		}
		total := headerSize + int(length)
		if len(d.buf) < total {
			break
		}

		msg, err := UnmarshalMessage(d.buf[headerSize:total])
		if err != nil {
			d.buf = nil
			return msgs, &ProtocolError{Err: err}
		}
		msgs = append(msgs, msg)
		d.buf = d.buf[total:]
	}

	// Release the backing array once fully drained so long-lived decoders do
	// not pin the largest frame seen.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return msgs, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int { return len(d.buf) }
