package signaling

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// maxInflatedSize caps decompression output. SDP bodies are a few KB; the
// cap keeps a hostile peer from expanding a tiny payload into gigabytes.
const maxInflatedSize = 1 << 20

// Deflate compresses data with raw deflate (no zlib/gzip framing), the
// format peers expect for embedded SDP bodies.
func Deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Inflate decompresses raw deflate data.
func Inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxInflatedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxInflatedSize {
		return nil, fmt.Errorf("inflated payload exceeds %d bytes", maxInflatedSize)
	}
	return out, nil
}
