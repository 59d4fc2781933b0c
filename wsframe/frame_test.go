package wsframe

import (
	"bytes"
	"testing"
)

func TestEncodeV8FrameLengthEncoding(t *testing.T) {
	cases := []struct {
		name string
		size int
	}{
		{"short", 10},
		{"needs-u16-len", 200},
		{"needs-u64-len", 70000},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{0x42}, c.size)
			frame, err := EncodeV8Frame(OpBinary, payload, true, false)
			if err != nil {
				t.Fatal(err)
			}

			s := NewSession(Version8, true, nil, nil)
			var got []byte
			s.Bind(nil, func(data []byte, isBinary bool) {
				if !isBinary {
					t.Fatal("expected binary frame")
				}
				got = data
			}, func(bool) {})
			s.Feed(frame)

			if !bytes.Equal(got, payload) {
				t.Fatalf("round-trip mismatch for size %d", c.size)
			}
		})
	}
}

func TestEncodeV8FragmentedSplitsOversizedPayload(t *testing.T) {
	payload := bytes.Repeat([]byte{0x07}, 100)
	frame, err := encodeV8FragmentedMax(OpBinary, payload, false, 16)
	if err != nil {
		t.Fatal(err)
	}

	s := NewSession(Version8, true, nil, nil)
	var got []byte
	s.Bind(nil, func(data []byte, isBinary bool) { got = data }, func(bool) {})
	s.Feed(frame)

	if !bytes.Equal(got, payload) {
		t.Fatalf("fragmented round-trip mismatch: got %d bytes want %d", len(got), len(payload))
	}
}

func TestEncodeV0TextFrameFormat(t *testing.T) {
	frame := EncodeV0Text([]byte("abc"))
	want := []byte{0x00, 'a', 'b', 'c', 0xFF}
	if !bytes.Equal(frame, want) {
		t.Fatalf("got %v want %v", frame, want)
	}
}
