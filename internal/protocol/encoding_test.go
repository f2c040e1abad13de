package protocol

import (
	"bytes"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		enc  Encoding
		in   []byte
		want string
	}{
		{"utf8 text", UTF8, []byte("temp=21.5"), "temp=21.5"},
		{"utf8 invalid byte", UTF8, []byte{'o', 'k', 0xff}, "ok�"},
		{"default is utf8", "", []byte("hi"), "hi"},
		{"base64", Base64, []byte("aGVsbG8="), "hello"},
		{"base64 trailing newline", Base64, []byte("aGVsbG8=\r\n"), "hello"},
		{"ascii replaces high bytes", ASCII, []byte{'a', 0xe9, 'b'}, "a?b"},
		{"latin1", Latin1, []byte{'c', 'a', 'f', 0xe9}, "café"},
		{"raw renders hex", Raw, []byte{0x01, 0xab}, "01ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.enc.Decode(tt.in)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeInvalidBase64(t *testing.T) {
	if _, err := Base64.Decode([]byte("not base64!")); err == nil {
		t.Error("Decode() should fail for invalid base64")
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		enc  Encoding
		in   string
		want []byte
	}{
		{"utf8", UTF8, "LED ON", []byte("LED ON")},
		{"base64", Base64, "hello", []byte("aGVsbG8=")},
		{"ascii", ASCII, "né", []byte("n?")},
		{"latin1", Latin1, "café", []byte{'c', 'a', 'f', 0xe9}},
		{"raw hex", Raw, "01 ab", []byte{0x01, 0xab}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.enc.Encode(tt.in)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Encode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEncodeRawRejectsBadHex(t *testing.T) {
	if _, err := Raw.Encode("zz"); err == nil {
		t.Error("Encode() should fail for invalid hex")
	}
}

func TestUnknownEncoding(t *testing.T) {
	enc := Encoding("ebcdic")
	if enc.Valid() {
		t.Error("Valid() = true for unknown encoding")
	}
	if _, err := enc.Decode([]byte("x")); err == nil {
		t.Error("Decode() should fail for unknown encoding")
	}
	if _, err := enc.Encode("x"); err == nil {
		t.Error("Encode() should fail for unknown encoding")
	}
}
