package codec

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// GzipCodec compresses with gzip. Writers are pooled.
type GzipCodec struct {
	writers sync.Pool
}

// NewGzip creates a gzip codec at the default compression level.
func NewGzip() *GzipCodec {
	return &GzipCodec{
		writers: sync.Pool{
			New: func() any { return gzip.NewWriter(nil) },
		},
	}
}

// Encode compresses src as a gzip stream.
func (c *GzipCodec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := c.writers.Get().(*gzip.Writer)
	defer c.writers.Put(w)
	w.Reset(&buf)

	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("writing gzip: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode decompresses a gzip stream.
func (c *GzipCodec) Decode(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("opening gzip: %w", err)
	}
	defer func() { _ = r.Close() }()

	out, err := io.ReadAll(io.LimitReader(r, MaxDecodedSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing gzip: %w", err)
	}
	if len(out) > MaxDecodedSize {
		return nil, ErrDecodedTooLarge
	}
	return out, nil
}
