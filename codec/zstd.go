package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ZstdCodec compresses with zstd. The encoder and decoder are goroutine-safe
// when used through EncodeAll/DecodeAll and are reused across calls.
type ZstdCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstd creates a zstd codec at the default speed level.
func NewZstd() (*ZstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &ZstdCodec{encoder: enc, decoder: dec}, nil
}

// Encode compresses src into a single zstd frame.
func (c *ZstdCodec) Encode(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return []byte{}, nil
	}
	return c.encoder.EncodeAll(src, nil), nil
}

// Decode decompresses a zstd frame.
func (c *ZstdCodec) Decode(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return []byte{}, nil
	}
	out, err := c.decoder.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing zstd: %w", err)
	}
	if len(out) > MaxDecodedSize {
		return nil, ErrDecodedTooLarge
	}
	return out, nil
}

// Close releases encoder and decoder resources.
func (c *ZstdCodec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}
