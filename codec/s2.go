package codec

import (
	"fmt"

	"github.com/klauspost/compress/s2"
)

// S2Codec compresses with s2 block encoding. It trades ratio for speed.
type S2Codec struct{}

// NewS2 creates an s2 codec.
func NewS2() *S2Codec {
	return &S2Codec{}
}

// Encode compresses src as a single s2 block.
func (S2Codec) Encode(src []byte) ([]byte, error) {
	return s2.Encode(nil, src), nil
}

// Decode decompresses an s2 block.
func (S2Codec) Decode(src []byte) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, fmt.Errorf("reading s2 length: %w", err)
	}
	if n > MaxDecodedSize {
		return nil, ErrDecodedTooLarge
	}
	out, err := s2.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("decompressing s2: %w", err)
	}
	return out, nil
}
