package protocol

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		NewAgentState(AgentStandBy),
		NewHwState(HwError),
		NewSysState(SysOnline),
		NewCapture("/data/1/2024.01.01/10.00.00/0001"),
		NewData("bSingleButton"),
		NewQuit(),
		NewQueryAgentState(),
		NewQueryHwState(),
		NewStartCapture(),
		NewEndCapture(),
		{Type: TypeData, Arg: map[string]any{"device": "GPS", "status": "NOMINAL"}},
	}
	for _, m := range cases {
		encoded, err := Encode(m)
		require.NoError(t, err)
		require.True(t, bytes.HasSuffix(encoded, []byte{Separator}))
		require.Equal(t, -1, bytes.IndexByte(encoded[:len(encoded)-1], Separator))

		decoded, err := Decode(encoded[:len(encoded)-1])
		require.NoError(t, err)
		// decode(encode(m)) = m (spec.md §8's codec round-trip invariant),
		// checked structurally rather than field-by-field.
		if diff := cmp.Diff(m, decoded); diff != "" {
			t.Errorf("round-trip mismatch for %v (-want +got):\n%s", m, diff)
		}
	}
}

func TestReaderResyncsAfterMalformedRecord(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("not: [valid")
	buf.WriteByte(Separator)
	good, err := Encode(NewQuit())
	require.NoError(t, err)
	buf.Write(good)

	r := NewReader(&buf)

	_, err = r.ReadMessage()
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, TypeQuit, msg.Type)
}

func TestReaderWriterAcrossArbitraryChunking(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var want []Message
	var encoded bytes.Buffer
	for i := 0; i < 200; i++ {
		var m Message
		switch rng.Intn(5) {
		case 0:
			m = NewAgentState(AgentStatus([]string{"STARTING", "STAND_BY", "CAPTURING", "NOT_RESPONDING"}[rng.Intn(4)]))
		case 1:
			m = NewHwState(HwStatus([]string{"NOMINAL", "WARNING", "ERROR", "NOT_CONNECTED"}[rng.Intn(4)]))
		case 2:
			m = NewData("press")
		case 3:
			m = NewQuit()
		default:
			m = NewCapture("/tmp/seg")
		}
		want = append(want, m)
		b, err := Encode(m)
		require.NoError(t, err)
		encoded.Write(b)
	}

	// Feed the reader in arbitrary small chunks via a pipe-like reader.
	chunked := &chunkedReader{data: encoded.Bytes(), chunk: 7}
	r := NewReader(chunked)
	for i, wantMsg := range want {
		got, err := r.ReadMessage()
		require.NoErrorf(t, err, "message %d", i)
		if diff := cmp.Diff(wantMsg, got); diff != "" {
			t.Errorf("message %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

type chunkedReader struct {
	data  []byte
	chunk int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.chunk
	if n > len(p) {
		n = len(p)
	}
	if n > len(c.data) {
		n = len(c.data)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}
