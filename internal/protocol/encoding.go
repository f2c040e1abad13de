// Package protocol converts between the bytes exchanged with a peripheral and
// the text shown to the operator. The encoding is passed explicitly to every
// caller; there is no process-wide codec state.
package protocol

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	xencoding "golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Encoding names how payload bytes map to text.
type Encoding string

const (
	// UTF8 treats payloads as UTF-8 text; invalid sequences become U+FFFD.
	UTF8 Encoding = "utf8"
	// Base64 means the peer sends and expects base64 text.
	Base64 Encoding = "base64"
	// ASCII keeps 7-bit bytes and replaces the rest with '?'.
	ASCII Encoding = "ascii"
	// Latin1 is ISO-8859-1.
	Latin1 Encoding = "latin1"
	// Raw passes bytes through untouched and renders them as hex.
	Raw Encoding = "raw"
)

// Valid reports whether e is a known encoding.
func (e Encoding) Valid() bool {
	switch e {
	case UTF8, Base64, ASCII, Latin1, Raw:
		return true
	}
	return false
}

// Binary reports whether payloads are opaque bytes rather than text.
func (e Encoding) Binary() bool {
	return e == Raw
}

// Decode turns an inbound payload into display text.
func (e Encoding) Decode(raw []byte) (string, error) {
	switch e {
	case UTF8, "":
		out, err := unicode.UTF8.NewDecoder().Bytes(raw)
		if err != nil {
			return "", fmt.Errorf("protocol: decode utf8: %w", err)
		}
		return string(out), nil
	case Base64:
		out, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return "", fmt.Errorf("protocol: decode base64: %w", err)
		}
		return string(out), nil
	case ASCII:
		var sb strings.Builder
		sb.Grow(len(raw))
		for _, b := range raw {
			if b > 0x7f {
				b = '?'
			}
			sb.WriteByte(b)
		}
		return sb.String(), nil
	case Latin1:
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
		if err != nil {
			return "", fmt.Errorf("protocol: decode latin1: %w", err)
		}
		return string(out), nil
	case Raw:
		return hex.EncodeToString(raw), nil
	}
	return "", fmt.Errorf("protocol: unknown encoding %q", e)
}

// Encode turns operator text into an outbound payload. Raw expects hex.
func (e Encoding) Encode(text string) ([]byte, error) {
	switch e {
	case UTF8, "":
		return []byte(text), nil
	case Base64:
		return []byte(base64.StdEncoding.EncodeToString([]byte(text))), nil
	case ASCII:
		out := make([]byte, 0, len(text))
		for _, r := range text {
			if r > 0x7f {
				r = '?'
			}
			out = append(out, byte(r))
		}
		return out, nil
	case Latin1:
		out, err := xencoding.ReplaceUnsupported(charmap.ISO8859_1.NewEncoder()).Bytes([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("protocol: encode latin1: %w", err)
		}
		return out, nil
	case Raw:
		out, err := hex.DecodeString(strings.ReplaceAll(text, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("protocol: encode raw: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("protocol: unknown encoding %q", e)
}
