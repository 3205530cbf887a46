package landmark

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxMessageSize bounds a single framed message (a 4K RGB frame is ~25 MB)
const maxMessageSize = 64 << 20

// Request carries one RGB frame, row-major, 3 bytes per pixel
type Request struct {
	Width  int    `msgpack:"w"`
	Height int    `msgpack:"h"`
	Data   []byte `msgpack:"d"`
}

// Landmark is one normalized body landmark as reported by MediaPipe Pose
type Landmark struct {
	X          float32 `msgpack:"x"`
	Y          float32 `msgpack:"y"`
	Z          float32 `msgpack:"z"`
	Visibility float32 `msgpack:"v"`
}

// Response is the worker's answer. An empty landmark list means no person.
type Response struct {
	Landmarks   []Landmark `msgpack:"landmarks"`
	InferenceMs float32    `msgpack:"inference_ms"`
	Error       string     `msgpack:"error,omitempty"`
}

// writeMessage encodes v with msgpack behind a 4-byte big-endian length prefix
func writeMessage(w io.Writer, v interface{}) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v
func readMessage(r io.Reader, v interface{}) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return fmt.Errorf("failed to read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}
