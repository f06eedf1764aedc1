// Package codec compresses serialized documents into base64 encoded gzip
// text and recognizes such payloads by their leading bytes.
package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Encoding markers carried next to stored payloads.
const (
	EncodingGzip     = "gzip"
	EncodingIdentity = "identity"
)

var (
	// base64 of the gzip magic (1f 8b) followed by the deflate method byte.
	base64Magic = []byte("H4sI")
	// the same header when a payload arrives without the base64 layer.
	rawMagic = []byte{0x1f, 0x8b}
)

// Encode gzips data and returns it base64 encoded.
func Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc := base64.NewEncoder(base64.StdEncoding, &buf)

	zw := gzip.NewWriter(enc)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("base64 close: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode reverses Encode. Raw gzip input is accepted as well.
func Decode(data []byte) ([]byte, error) {
	var src io.Reader
	if bytes.HasPrefix(data, rawMagic) {
		src = bytes.NewReader(data)
	} else {
		src = base64.NewDecoder(base64.StdEncoding, bytes.NewReader(data))
	}

	zr, err := gzip.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("gzip header: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	return out, nil
}

// Compress is Encode that falls back to returning text unchanged.
// Callers must not assume the result is compressed.
func Compress(text []byte) []byte {
	out, err := Encode(text)
	if err != nil {
		return text
	}
	return out
}

// Decompress is Decode that falls back to returning data unchanged.
func Decompress(data []byte) []byte {
	out, err := Decode(data)
	if err != nil {
		return data
	}
	return out
}

// LooksCompressed reports whether data starts with the gzip header in
// either of its two shapes: base64 text or raw bytes. It is a fast path,
// Decode remains the authority.
func LooksCompressed(data []byte) bool {
	return bytes.HasPrefix(data, base64Magic) || bytes.HasPrefix(data, rawMagic)
}
