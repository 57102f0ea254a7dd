package imu

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func encodeSample(vals [10]float32) []byte {
	buf := make([]byte, recordSize)
	for i, v := range vals {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(v))
	}
	return buf
}

func TestDecodeSample(t *testing.T) {
	want := [10]float32{1, -2, 3, 0.1, 0.2, 0.3, 0.7, 0.1, 0.1, 0.1}
	r := bytes.NewReader(encodeSample(want))

	got, err := decodeSample(r)
	if err != nil {
		t.Fatalf("decodeSample: %v", err)
	}
	if got.AccelX != want[0] || got.GyroZ != want[5] || got.Q4 != want[9] {
		t.Errorf("decodeSample = %+v, want fields matching %v", got, want)
	}
}

func TestDecodeSampleShortReadErrors(t *testing.T) {
	r := bytes.NewReader([]byte{1, 2, 3})
	if _, err := decodeSample(r); err == nil {
		t.Fatal("expected error on short read")
	}
}
