package bridge

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single message. Proving inputs can be large but a
// length prefix beyond this is a protocol violation, not a big request.
const maxFrameSize = 64 << 20

// WriteFrame writes a 4-byte big-endian length prefix followed by the body.
// Both directions of the worker protocol use the same framing, so a reader
// never guesses message boundaries from the stream.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed message.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds limit", ErrProtocolViolation, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
