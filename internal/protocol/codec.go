package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// ProtocolError wraps a failure to decode a message payload. The decoder
// treats the next Separator byte it sees as the resynchronization point;
// it never gets permanently stuck on a malformed record.
type ProtocolError struct {
	Payload []byte
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: malformed message %q: %v", string(e.Payload), e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Encode serializes msg as a YAML {type, arg} record terminated by
// Separator. It refuses to encode a payload that would itself contain a
// raw Separator byte, since that would make the record ambiguous to
// decode (testable property: the codec never emits 0x1E except as the
// record terminator).
func Encode(msg Message) ([]byte, error) {
	body, err := yaml.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	if bytes.IndexByte(body, Separator) != -1 {
		return nil, fmt.Errorf("protocol: encode: payload contains the record separator byte")
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, body...)
	out = append(out, Separator)
	return out, nil
}

// Decode parses a single record (without its trailing separator) into a
// Message.
func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := yaml.Unmarshal(payload, &msg); err != nil {
		return Message{}, &ProtocolError{Payload: payload, Err: err}
	}
	return msg, nil
}

// Reader accumulates bytes from an underlying stream until it sees
// Separator, then decodes the accumulated payload. One Reader per
// connection; Reader is not safe for concurrent use by multiple readers.
type Reader struct {
	br  *bufio.Reader
	buf bytes.Buffer
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadMessage blocks until a full record has arrived, then returns its
// decoded Message. A malformed record is surfaced as a *ProtocolError;
// the caller may keep calling ReadMessage to resynchronize on the next
// separator — the buffer has already been reset by the time the error is
// returned.
func (r *Reader) ReadMessage() (Message, error) {
	r.buf.Reset()
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			return Message{}, err
		}
		if b == Separator {
			payload := make([]byte, r.buf.Len())
			copy(payload, r.buf.Bytes())
			return Decode(payload)
		}
		r.buf.WriteByte(b)
	}
}

// Writer serializes Messages onto an underlying stream, one record per
// call. Writer is safe for use by a single writer goroutine; callers
// that share a connection across goroutines must serialize their own
// calls (the agent runtime's control-channel writer does this).
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteMessage(msg Message) error {
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.w.Write(b)
	return err
}
